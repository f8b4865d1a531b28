// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package blockstore implements the replay protected block storage backing
// the partition RPMB services, persisted in a BoltDB database.
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BlockSize is the storage unit, matching an RPMB data frame.
const BlockSize = 256

// DefaultSize is the default device capacity.
const DefaultSize = 4 * 1024 * 1024

var (
	// ErrOutOfRange is returned for accesses past the device end.
	ErrOutOfRange = errors.New("access out of range")
	// ErrClosed is returned when operating on a closed device.
	ErrClosed = errors.New("device closed")
	// ErrReadOnly is returned when writing to a read-only device.
	ErrReadOnly = errors.New("device is read-only")
)

var (
	bucketBlocks   = []byte("blocks")
	bucketMetadata = []byte("metadata")

	keySize         = []byte("size")
	keyWriteCounter = []byte("write_counter")
)

// Device represents a block storage device.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Size returns the device capacity in bytes.
	Size() int64
}

// Config holds device configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// Size is the device capacity, it is fixed at creation.
	Size int64

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default device configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Size: DefaultSize,
	}
}

// BoltDevice implements Device using BoltDB, each block is stored under its
// index. Blocks never written read as zero.
type BoltDevice struct {
	mu sync.RWMutex

	db      *bolt.DB
	config  Config
	size    int64
	counter uint64
	closed  bool
}

// Open creates or opens a device database.
func Open(config Config) (*BoltDevice, error) {
	if config.Size <= 0 || config.Size%BlockSize != 0 {
		return nil, fmt.Errorf("invalid size %d", config.Size)
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)

	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &BoltDevice{
		db:     db,
		config: config,
		size:   config.Size,
	}

	if err = d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

func (d *BoltDevice) init() error {
	if d.config.ReadOnly {
		return d.db.View(d.load)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlocks); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMetadata)

		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}

		if meta.Get(keySize) == nil {
			if err = meta.Put(keySize, encodeUint64(uint64(d.size))); err != nil {
				return err
			}
		}

		return d.load(tx)
	})
}

func (d *BoltDevice) load(tx *bolt.Tx) error {
	meta := tx.Bucket(bucketMetadata)

	if meta == nil {
		return fmt.Errorf("missing metadata")
	}

	if v := meta.Get(keySize); len(v) == 8 {
		d.size = int64(binary.BigEndian.Uint64(v))
	}

	if v := meta.Get(keyWriteCounter); len(v) == 8 {
		d.counter = binary.BigEndian.Uint64(v)
	}

	return nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// Size returns the device capacity in bytes.
func (d *BoltDevice) Size() int64 {
	return d.size
}

// WriteCounter returns the number of write operations performed on the
// device since its creation.
func (d *BoltDevice) WriteCounter() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.counter
}

func (d *BoltDevice) check(n int, off int64) error {
	if d.closed {
		return ErrClosed
	}

	if off < 0 || off+int64(n) > d.size || off+int64(n) < off {
		return fmt.Errorf("%d bytes at %d: %w", n, off, ErrOutOfRange)
	}

	return nil
}

// ReadAt reads len(p) bytes at offset off.
func (d *BoltDevice) ReadAt(p []byte, off int64) (n int, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err = d.check(len(p), off); err != nil {
		return
	}

	err = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)

		for n < len(p) {
			pos := off + int64(n)
			idx := uint64(pos / BlockSize)
			start := int(pos % BlockSize)

			block := make([]byte, BlockSize)
			copy(block, b.Get(encodeUint64(idx)))

			n += copy(p[n:], block[start:])
		}

		return nil
	})

	return
}

// WriteAt writes len(p) bytes at offset off, the write is atomic.
func (d *BoltDevice) WriteAt(p []byte, off int64) (n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config.ReadOnly {
		return 0, ErrReadOnly
	}

	if err = d.check(len(p), off); err != nil {
		return
	}

	err = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		written := 0

		for written < len(p) {
			pos := off + int64(written)
			key := encodeUint64(uint64(pos / BlockSize))
			start := int(pos % BlockSize)

			block := make([]byte, BlockSize)
			copy(block, b.Get(key))

			written += copy(block[start:], p[written:])

			if err := b.Put(key, block); err != nil {
				return err
			}
		}

		return tx.Bucket(bucketMetadata).Put(keyWriteCounter, encodeUint64(d.counter+1))
	})

	if err != nil {
		return 0, fmt.Errorf("write blocks: %w", err)
	}

	d.counter++

	return len(p), nil
}

// Sync flushes the database to disk.
func (d *BoltDevice) Sync() error {
	return d.db.Sync()
}

// Close closes the device.
func (d *BoltDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	d.closed = true

	return d.db.Close()
}

// Memory implements Device in memory, for targets lacking persistent
// storage.
type Memory struct {
	mu  sync.RWMutex
	buf []byte
}

// NewMemory returns an in-memory device of the given size.
func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, size)}
}

// Size returns the device capacity in bytes.
func (m *Memory) Size() int64 {
	return int64(len(m.buf))
}

// ReadAt reads len(p) bytes at offset off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("%d bytes at %d: %w", len(p), off, ErrOutOfRange)
	}

	return copy(p, m.buf[off:]), nil
}

// WriteAt writes len(p) bytes at offset off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("%d bytes at %d: %w", len(p), off, ErrOutOfRange)
	}

	return copy(m.buf[off:], p), nil
}
