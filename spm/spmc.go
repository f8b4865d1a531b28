// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spm implements the FF-A Secure Partition Manager Core (SPMC): the
// lifecycle of secure partition execution contexts, the dispatch of FF-A calls
// issued by the Normal World or by partitions and the mediation of memory
// sharing between them.
package spm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/usbarmory/GoTEE-spm/arch"
	"github.com/usbarmory/GoTEE-spm/blockstore"
	"github.com/usbarmory/GoTEE-spm/bootinfo"
	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/ldelf"
	"github.com/usbarmory/GoTEE-spm/mem"
	"github.com/usbarmory/GoTEE-spm/memshare"
	"github.com/usbarmory/GoTEE-spm/uspace"
)

// SPVersion is the partition ABI version (SP_VERSION).
var SPVersion = ffa.MakeVersion(0, 1)

// FirstID is the endpoint id assigned to the first partition.
const FirstID = 0x8001

// ExecCtxCount is the number of execution contexts reported for each
// partition, partitions are uniprocessor.
const ExecCtxCount = 1

// DefaultProperties are the messaging properties of partitions which do not
// declare any.
const DefaultProperties = ffa.PropDirectMsgRecv | ffa.PropDirectMsgSend

// Config represents the partition manager configuration.
type Config struct {
	// RAM is the physical memory holding the loader stub, the partitions
	// and the Normal World communication buffers.
	RAM *uspace.RAM
	// CPUs is the number of physical CPUs, at least 1.
	CPUs int
	// Log is the logger, logrus.StandardLogger() when nil.
	Log *logrus.Logger
	// RPMB is the optional device backing the RPMB services.
	RPMB blockstore.Device
}

// PartitionConfig represents the partition specific options of Create.
type PartitionConfig struct {
	Name       string
	UUID       uuid.UUID
	Properties uint32
	// Digest is the optional BLAKE3-256 digest of the image.
	Digest []byte
	// Executor performs the world switch into the partition.
	Executor Executor
}

// CPU represents a physical CPU, it runs at most one partition at a time.
type CPU struct {
	sync.Mutex

	ID int
}

type sharedRegion struct {
	owner  uint16
	region ffa.MemRegion
}

// SPMC represents the Secure Partition Manager Core.
type SPMC struct {
	sync.RWMutex

	log  *logrus.Entry
	ram  *uspace.RAM
	mem  *memshare.Manager
	rpmb blockstore.Device
	cpus []*CPU

	partitions map[uint16]*Partition
	next       uint16

	// outstanding direct requests, by source and destination pair
	pending map[uint32]bool
	// outstanding memory transactions
	shared map[memshare.Handle]sharedRegion
	// RX/TX buffers, by endpoint
	mailboxes map[uint16]*mailbox
}

// New returns a partition manager, the loader stub region is claimed by the
// manager itself.
func New(conf Config) (s *SPMC, err error) {
	if conf.RAM == nil {
		return nil, errors.New("missing RAM")
	}

	if conf.CPUs <= 0 {
		conf.CPUs = 1
	}

	if conf.Log == nil {
		conf.Log = logrus.StandardLogger()
	}

	s = &SPMC{
		log:        logrus.NewEntry(conf.Log),
		ram:        conf.RAM,
		mem:        memshare.NewManager(),
		rpmb:       conf.RPMB,
		partitions: make(map[uint16]*Partition),
		next:       FirstID,
		pending:    make(map[uint32]bool),
		shared:     make(map[memshare.Handle]sharedRegion),
		mailboxes:  make(map[uint16]*mailbox),
	}

	s.mem.Log = s.log

	for i := 0; i < conf.CPUs; i++ {
		s.cpus = append(s.cpus, &CPU{ID: i})
	}

	if !s.ram.Contains(mem.LdelfBase, mem.LdelfSize) {
		return nil, errors.New("loader stub region outside RAM")
	}

	stub := ffa.MemRegion{Address: mem.LdelfBase, PageCount: mem.LdelfSize / ffa.PageSize}

	if err = s.mem.Claim(ffa.SPMCID, stub, memshare.RX); err != nil {
		return nil, fmt.Errorf("SPMC could not claim loader stub region, %v", err)
	}

	return
}

// Memory returns the memory ownership table.
func (s *SPMC) Memory() *memshare.Manager {
	return s.mem
}

// CPU returns a physical CPU.
func (s *SPMC) CPU(n int) (*CPU, error) {
	if n < 0 || n >= len(s.cpus) {
		return nil, fmt.Errorf("invalid cpu %d, %w", n, ffa.ErrInvalidParameter)
	}

	return s.cpus[n], nil
}

// Partition returns the partition with the given endpoint id.
func (s *SPMC) Partition(id uint16) (p *Partition, err error) {
	s.RLock()
	defer s.RUnlock()

	p, ok := s.partitions[id]

	if !ok {
		return nil, fmt.Errorf("invalid partition %#x, %w", id, ffa.ErrInvalidParameter)
	}

	return
}

// lookup returns the partition with the given endpoint id, or nil.
func (s *SPMC) lookup(id uint16) *Partition {
	s.RLock()
	defer s.RUnlock()

	return s.partitions[id]
}

// Partitions returns all partitions ordered by endpoint id.
func (s *SPMC) Partitions() (all []*Partition) {
	s.RLock()
	defer s.RUnlock()

	for _, p := range s.partitions {
		all = append(all, p)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })

	return
}

func pages(size uint64) uint32 {
	return uint32(size / ffa.PageSize)
}

func aligned(v ...uint64) bool {
	for _, n := range v {
		if n%ffa.PageSize != 0 {
			return false
		}
	}

	return true
}

// Create validates the boot information of a partition and allocates its
// context: the partition memory is claimed and mapped, the raw image is
// copied at its image base and the encoded boot information is published at
// the shared buffer base.
func (s *SPMC) Create(bi *bootinfo.BootInfo, image []byte, conf PartitionConfig) (p *Partition, err error) {
	if !WithSecurePartition {
		return nil, fmt.Errorf("secure partitions, %w", ffa.ErrNotSupported)
	}

	if bi == nil {
		return nil, fmt.Errorf("missing boot info, %w", bootinfo.ErrInvalidBootInfo)
	}

	if conf.Executor == nil {
		return nil, errors.New("missing executor")
	}

	l := bi.Layout
	stackSize := l.PcpuStackSize * uint64(len(bi.MpInfo))

	if _, err = l.Validate(len(bi.MpInfo)); err != nil {
		return
	}

	if uint64(len(image)) > l.ImageSize {
		return nil, fmt.Errorf("image size %d exceeds %d, %w", len(image), l.ImageSize, bootinfo.ErrInvalidBootInfo)
	}

	if !aligned(l.MemBase, l.MemLimit, l.ImageBase, l.ImageSize, l.StackBase, stackSize, l.HeapBase, l.HeapSize,
		l.SharedBufBase, l.SharedBufSize, l.NSCommBufBase, l.NSCommBufSize) {
		return nil, fmt.Errorf("unaligned layout, %w", bootinfo.ErrInvalidBootInfo)
	}

	if !s.ram.Contains(l.MemBase, l.MemLimit-l.MemBase) {
		return nil, fmt.Errorf("partition memory outside RAM, %w", bootinfo.ErrInvalidBootInfo)
	}

	if l.NSCommBufSize > 0 && !s.ram.Contains(l.NSCommBufBase, l.NSCommBufSize) {
		return nil, fmt.Errorf("communication buffer outside RAM, %w", bootinfo.ErrInvalidBootInfo)
	}

	enc, err := bi.MarshalBinary()

	if err != nil {
		return
	}

	s.Lock()
	defer s.Unlock()

	id := s.next
	region := ffa.MemRegion{Address: l.MemBase, PageCount: pages(l.MemLimit - l.MemBase)}
	nsRegion := ffa.MemRegion{Address: l.NSCommBufBase, PageCount: pages(l.NSCommBufSize)}

	if err = s.mem.Claim(id, region, memshare.RW); err != nil {
		return nil, fmt.Errorf("SPMC could not claim partition memory, %w", err)
	}

	if l.NSCommBufSize > 0 {
		if err = s.mem.Claim(id, nsRegion, memshare.RW); err != nil {
			s.mem.Unclaim(id, region)
			return nil, fmt.Errorf("SPMC could not claim communication buffer, %w", err)
		}
	}

	as := uspace.New(s.ram)
	rw := uspace.ProtRead | uspace.ProtWrite

	for _, m := range []uspace.Mapping{
		{Name: ldelf.ImageName, VA: l.ImageBase, Size: l.ImageSize, Prot: rw},
		{Name: "stack", VA: l.StackBase, Size: stackSize, Prot: rw},
		{Name: "heap", VA: l.HeapBase, Size: l.HeapSize, Prot: rw},
		{Name: "shared", VA: l.SharedBufBase, Size: l.SharedBufSize, Prot: uspace.ProtRead},
		{Name: "ns_comm_buf", VA: l.NSCommBufBase, Size: l.NSCommBufSize, Prot: rw},
	} {
		if m.Size == 0 {
			continue
		}

		if err = as.Map(m); err != nil {
			break
		}
	}

	if err == nil {
		if err = s.ram.Zero(l.MemBase, l.MemLimit-l.MemBase); err == nil {
			if err = s.ram.Write(l.ImageBase, image); err == nil {
				err = s.ram.Write(l.SharedBufBase, enc)
			}
		}
	}

	if err != nil {
		s.mem.Unclaim(id, region)

		if l.NSCommBufSize > 0 {
			s.mem.Unclaim(id, nsRegion)
		}

		return nil, fmt.Errorf("SPMC could not map partition memory, %v, %w", err, bootinfo.ErrInvalidBootInfo)
	}

	if conf.Properties == 0 {
		conf.Properties = DefaultProperties
	}

	p = &Partition{
		id:            id,
		name:          conf.Name,
		uuid:          conf.UUID,
		props:         conf.Properties,
		as:            as,
		bi:            bi,
		exec:          conf.Executor,
		nsCommBuf:     l.NSCommBufBase,
		nsCommBufSize: l.NSCommBufSize,
		state:         Created,
		caller:        -1,
		cpu:           -1,
		shm:           make(map[memshare.Handle]memshare.Retrieved),
	}

	if p.name == "" {
		p.name = fmt.Sprintf("sp%d", id-FirstID)
	}

	p.log = s.log.WithField("partition", fmt.Sprintf("%#x", id))
	p.regs.Store(new(arch.Regs))
	p.ld.Size = len(image)
	p.ld.Digest = conf.Digest
	p.ld.Log = p.log

	if b, ok := conf.Executor.(interface{ Bind(*uspace.AddressSpace) }); ok {
		b.Bind(as)
	}

	s.partitions[id] = p
	s.next++

	p.log.Infof("SPMC created partition %s mem:%#x-%#x image:%d", p.name, l.MemBase, l.MemLimit, len(image))

	return
}

// Load maps the loader stub into a created partition, which enters the
// Initializing state.
func (s *SPMC) Load(p *Partition) (err error) {
	if err = p.transition(Created, Initializing); err != nil {
		return
	}

	if err = ldelf.Load(p); err != nil {
		s.terminate(p, err)
	}

	return
}

// Init completes the loading of an initializing partition through its loader
// stub on behalf of the given session, the partition enters the Running state
// with its entry point ready to be executed. Load errors are terminal.
func (s *SPMC) Init(sess ldelf.Session, p *Partition) (err error) {
	if !p.Initializing() {
		return fmt.Errorf("partition %#x is %s, %w", p.id, p.State(), ffa.ErrDenied)
	}

	if err = ldelf.InitWithLdelf(sess, p); err != nil {
		s.terminate(p, err)
		return
	}

	return p.transition(Initializing, Running)
}

// Start executes the initialization of a loaded partition on a CPU, until the
// partition waits for its first message.
func (s *SPMC) Start(cpu *CPU, p *Partition) (err error) {
	cpu.Lock()
	defer cpu.Unlock()

	p.Lock()
	ready := p.state == Running && !p.parked
	p.Unlock()

	if !ready {
		return fmt.Errorf("partition %#x already started, %w", p.id, ffa.ErrDenied)
	}

	_, err = s.execute(cpu, p, p.Enter())

	return
}

// Boot loads and starts all created partitions, distributing them across
// CPUs. Partitions failing to boot are terminated, the first error is
// returned after all partitions have been processed.
func (s *SPMC) Boot(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i, p := range s.Partitions() {
		cpu := s.cpus[i%len(s.cpus)]
		p := p

		g.Go(func() (err error) {
			if err = ctx.Err(); err != nil {
				return
			}

			switch p.State() {
			case Created:
				if err = s.Load(p); err != nil {
					return
				}

				fallthrough
			case Initializing:
				if err = s.Init(&Standard{}, p); err != nil {
					return
				}
			}

			p.Lock()
			fresh := p.state == Running && !p.parked
			p.Unlock()

			if !fresh {
				return
			}

			if err = s.Start(cpu, p); err != nil {
				return fmt.Errorf("partition %#x boot failed, %w", p.id, err)
			}

			p.log.WithField("cpu", cpu.ID).Infof("SPMC started partition %s", p.name)

			return
		})
	}

	return g.Wait()
}

// Terminate forcibly stops a partition.
func (s *SPMC) Terminate(p *Partition, cause error) {
	s.terminate(p, cause)
}

// terminate moves a partition to the Terminated state, releasing every
// memory transaction it is involved in.
func (s *SPMC) terminate(p *Partition, cause error) {
	p.Lock()

	if p.state == Terminated {
		p.Unlock()
		return
	}

	p.state = Terminated
	p.initializing = false
	p.parked = false
	p.err = cause
	p.Unlock()

	if st, ok := p.exec.(interface{ Stop() }); ok {
		st.Stop()
	}

	n := s.mem.ReleaseAll(p.id)

	s.Lock()

	for pair := range s.pending {
		if uint16(pair>>16) == p.id || uint16(pair) == p.id {
			delete(s.pending, pair)
		}
	}

	delete(s.mailboxes, p.id)
	s.Unlock()

	s.reconcile()

	p.log.WithField("released", n).Warnf("SPMC terminated partition %s, %v", p.name, cause)
}

// reconcile drops mappings of regions whose transactions no longer exist and
// restores owner access to them.
func (s *SPMC) reconcile() {
	live := make(map[memshare.Handle]bool)

	for _, h := range s.mem.Handles(ffa.NormalWorldID) {
		live[h] = true
	}

	for _, p := range s.Partitions() {
		for _, h := range s.mem.Handles(p.id) {
			live[h] = true
		}
	}

	for _, p := range s.Partitions() {
		p.Lock()

		for h, r := range p.shm {
			if !live[h] {
				p.as.Unmap(r.Region.Address)
				delete(p.shm, h)
			}
		}

		p.Unlock()
	}

	s.Lock()

	var stale []sharedRegion

	for h, r := range s.shared {
		if !live[h] {
			stale = append(stale, r)
			delete(s.shared, h)
		}
	}

	s.Unlock()

	for _, r := range stale {
		if r.owner == ffa.NormalWorldID {
			// still held when involved in other transactions
			s.mem.Unclaim(r.owner, r.region)
			continue
		}

		s.sync(r.owner, r.region)
	}
}
