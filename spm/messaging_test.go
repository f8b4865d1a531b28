// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/usbarmory/GoTEE-spm/ffa"
	"github.com/usbarmory/GoTEE-spm/sp"
)

func TestVersion(t *testing.T) {
	s := newSPMC(t, 1)

	for _, tc := range []struct {
		requested uint32
		want      uint64
	}{
		{uint32(ffa.MakeVersion(1, 0)), uint64(ffa.CompiledVersion)},
		{uint32(ffa.MakeVersion(1, 7)), uint64(ffa.CompiledVersion)},
		{uint32(ffa.MakeVersion(0, 9)), code(ffa.ErrNotSupported)},
		{uint32(ffa.MakeVersion(2, 0)), code(ffa.ErrNotSupported)},
		{1<<31 | uint32(ffa.MakeVersion(1, 0)), code(ffa.ErrNotSupported)},
	} {
		res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.VERSION, uint64(tc.requested)))

		if diff := cmp.Diff(ffa.Args{tc.want}, res); diff != "" {
			t.Errorf("version %#x (-want +got):\n%s", tc.requested, diff)
		}
	}
}

func TestFeatures(t *testing.T) {
	s := newSPMC(t, 1)

	for _, tc := range []struct {
		fid  uint32
		want ffa.Args
	}{
		{uint32(ffa.MSG_SEND_DIRECT_REQ), ffa.Success()},
		{ffa.MEM_SHARE.SMC64(), ffa.Success()},
		{uint32(ffa.RXTX_MAP), ffa.Success()},
		{uint32(ffa.INTERRUPT), ffa.ErrorArgs(ffa.ErrNotSupported)},
		{uint32(ffa.NORMAL_WORLD_RESUME), ffa.ErrorArgs(ffa.ErrNotSupported)},
	} {
		res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.FEATURES, uint64(tc.fid)))

		if diff := cmp.Diff(tc.want, res); diff != "" {
			t.Errorf("features %#x (-want +got):\n%s", tc.fid, diff)
		}
	}

	if res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.FEATURES, 0x84000100)); res.Err() == nil {
		t.Errorf("invalid function reported as supported")
	}
}

func TestIDGet(t *testing.T) {
	s := newSPMC(t, 1)
	p, _ := create(t, s, 1, agent(1), 0)
	boot(t, s)

	if diff := cmp.Diff(ffa.Success(uint64(ffa.NormalWorldID)), s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.ID_GET))); diff != "" {
		t.Errorf("normal world id (-want +got):\n%s", diff)
	}

	if res := s.Handle(0, p.ID(), ffa.Call(ffa.ID_GET)); res.Err() != ffa.ErrDenied {
		t.Errorf("call from blocked partition returned %s", res)
	}

	if st, val := request(t, s, p.ID(), cmdEcho, 3); st != 0 || val != 3 {
		t.Errorf("echo status %#x value %d", st, val)
	}

	if diff := cmp.Diff(ffa.Success(uint64(p.ID())), s.Handle(0, p.ID(), ffa.Call(ffa.ID_GET))); diff != "" {
		t.Errorf("partition id (-want +got):\n%s", diff)
	}
}

func TestDirectReqErrors(t *testing.T) {
	s := newSPMC(t, 1)
	p, _ := create(t, s, 1, doubler, 0)
	mute, _ := create(t, s, 2, doubler, ffa.PropDirectMsgSend)
	boot(t, s)

	idle, _ := create(t, s, 3, doubler, 0)

	for _, tc := range []struct {
		name string
		args ffa.Args
		want ffa.Error
	}{
		{"unknown destination", ffa.DirectReq(0, 0x9000, 1), ffa.ErrInvalidParameter},
		{"spoofed source", ffa.DirectReq(p.ID(), mute.ID(), 1), ffa.ErrInvalidParameter},
		{"self", ffa.DirectReq(0, 0, 1), ffa.ErrInvalidParameter},
		{"receive not supported", ffa.DirectReq(0, mute.ID(), 1), ffa.ErrDenied},
		{"not started", ffa.DirectReq(0, idle.ID(), 1), ffa.ErrDenied},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := s.Handle(0, ffa.NormalWorldID, tc.args)

			if diff := cmp.Diff(ffa.ErrorArgs(tc.want), res); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}

	// errors leave no request outstanding
	if diff := cmp.Diff(ffa.DirectResp(p.ID(), 0, 4), s.Handle(0, ffa.NormalWorldID, ffa.DirectReq(0, p.ID(), 2))); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestNestedRequest(t *testing.T) {
	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, agent(1), 0)
	b, _ := create(t, s, 2, agent(2), 0)
	boot(t, s)

	if st, val := request(t, s, a.ID(), cmdCall, uint64(b.ID()), cmdEcho, 9); st != 0 || val != 9 {
		t.Errorf("nested echo status %#x value %d", st, val)
	}

	// b calling back into a, which is busy serving the normal world
	if st, _ := request(t, s, a.ID(), cmdCall, uint64(b.ID()), cmdCall, uint64(a.ID()), cmdEcho); st != code(ffa.ErrBusy) {
		t.Errorf("circular request status %#x", st)
	}

	for _, p := range []*Partition{a, b} {
		if st := p.State(); st != Running {
			t.Errorf("partition %#x is %s", p.ID(), st)
		}
	}

	if st, val := request(t, s, b.ID(), cmdCall, uint64(a.ID()), cmdEcho, 5); st != 0 || val != 5 {
		t.Errorf("reverse echo status %#x value %d", st, val)
	}
}

func TestInterrupted(t *testing.T) {
	s := newSPMC(t, 1)
	p, x := create(t, s, 1, doubler, 0)
	boot(t, s)

	x.Interrupt(1)

	req := ffa.DirectReq(0, p.ID(), 21)

	if diff := cmp.Diff(ffa.ErrorArgs(ffa.ErrInterrupted), s.Handle(0, ffa.NormalWorldID, req)); diff != "" {
		t.Errorf("interrupted request (-want +got):\n%s", diff)
	}

	if st := p.State(); st != Blocked {
		t.Errorf("interrupted partition is %s", st)
	}

	if diff := cmp.Diff(ffa.DirectResp(p.ID(), 0, 42), s.Handle(0, ffa.NormalWorldID, req)); diff != "" {
		t.Errorf("replayed request (-want +got):\n%s", diff)
	}
}

func TestPreempted(t *testing.T) {
	s := newSPMC(t, 1)

	var xa *sp.Executor

	a, xa := create(t, s, 1, agent(1), 0)
	b, _ := create(t, s, 2, func(env *sp.Env) {
		sp.Serve(env, func(src uint16, req [5]uint64) (res [5]uint64) {
			// preempt the caller once the response is on its way
			xa.Interrupt(1)
			res[1] = 42
			return
		})
	}, 0)

	boot(t, s)

	res := s.Handle(0, ffa.NormalWorldID, ffa.DirectReq(0, a.ID(), cmdCall, uint64(b.ID())))

	if diff := cmp.Diff(ffa.ErrorArgs(ffa.ErrInterrupted), res); diff != "" {
		t.Fatalf("preempted request (-want +got):\n%s", diff)
	}

	if st := a.State(); st != Running {
		t.Errorf("preempted partition is %s", st)
	}

	res = s.Handle(0, ffa.NormalWorldID, ffa.DirectReq(0, a.ID(), cmdEcho, 1))

	if diff := cmp.Diff(ffa.ErrorArgs(ffa.ErrBusy), res); diff != "" {
		t.Errorf("request to preempted partition (-want +got):\n%s", diff)
	}

	// only the original caller can resume it
	res = s.Handle(0, b.ID(), ffa.Call(ffa.MSG_RUN, uint64(a.ID())<<16))

	if res.Err() != ffa.ErrBusy {
		t.Errorf("run by another partition returned %s", res)
	}

	res = s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MSG_RUN, uint64(a.ID())<<16))

	if diff := cmp.Diff(ffa.DirectResp(a.ID(), 0, 0, 42), res); diff != "" {
		t.Errorf("resumed request (-want +got):\n%s", diff)
	}

	if st, val := request(t, s, a.ID(), cmdEcho, 8); st != 0 || val != 8 {
		t.Errorf("echo status %#x value %d", st, val)
	}
}

func TestYield(t *testing.T) {
	s := newSPMC(t, 1)
	p, _ := create(t, s, 1, func(env *sp.Env) {
		sp.Serve(env, func(src uint16, req [5]uint64) (res [5]uint64) {
			env.Yield()
			res[0] = req[0] + 1
			return
		})
	}, 0)

	boot(t, s)

	res := s.Handle(0, ffa.NormalWorldID, ffa.DirectReq(0, p.ID(), 1))

	if diff := cmp.Diff(ffa.Call(ffa.MSG_YIELD, ffa.Endpoints(p.ID(), 0)), res); diff != "" {
		t.Fatalf("yielding request (-want +got):\n%s", diff)
	}

	if st := p.State(); st != Blocked {
		t.Errorf("yielded partition is %s", st)
	}

	if res = s.Handle(0, ffa.NormalWorldID, ffa.DirectReq(0, p.ID(), 1)); res.Err() != ffa.ErrBusy {
		t.Errorf("request to yielded partition returned %s", res)
	}

	res = s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MSG_RUN, uint64(p.ID())<<16))

	if diff := cmp.Diff(ffa.DirectResp(p.ID(), 0, 2), res); diff != "" {
		t.Errorf("resumed request (-want +got):\n%s", diff)
	}

	if res = s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MSG_RUN, uint64(p.ID())<<16)); res.Err() != nil {
		t.Errorf("run of idle partition returned %s", res)
	}

	if st := p.State(); st != Blocked {
		t.Errorf("idle partition is %s", st)
	}

	if res = s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MSG_RUN, 0x9000<<16)); res.Err() != ffa.ErrInvalidParameter {
		t.Errorf("run of unknown partition returned %s", res)
	}
}

func TestPartitionInfo(t *testing.T) {
	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, doubler, 0)
	b, _ := create(t, s, 2, doubler, DefaultProperties|ffa.PropIndirectMsg)
	boot(t, s)

	get := func(u uuid.UUID) (all []ffa.PartitionInfo, res ffa.Args) {
		if res = s.Handle(0, ffa.NormalWorldID, ffa.UUIDArgs(u)); res.Err() != nil {
			return
		}

		buf := make([]byte, res[2]*ffa.PartitionInfoSize)

		if err := s.ram.Read(nsRX, buf); err != nil {
			t.Fatal(err)
		}

		for off := 0; off < len(buf); off += ffa.PartitionInfoSize {
			var info ffa.PartitionInfo

			if err := info.UnmarshalBinary(buf[off:]); err != nil {
				t.Fatal(err)
			}

			all = append(all, info)
		}

		s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.RX_RELEASE))

		return
	}

	if _, res := get(uuid.Nil); res.Err() != ffa.ErrDenied {
		t.Errorf("query without buffers returned %s", res)
	}

	nsMap(t, s)

	all, res := get(uuid.Nil)

	want := []ffa.PartitionInfo{
		{ID: a.ID(), ExecCtxCount: ExecCtxCount, Properties: DefaultProperties},
		{ID: b.ID(), ExecCtxCount: ExecCtxCount, Properties: DefaultProperties | ffa.PropIndirectMsg},
	}

	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("all partitions, %s (-want +got):\n%s", res, diff)
	}

	all, res = get(b.UUID())

	if diff := cmp.Diff(want[1:], all); diff != "" {
		t.Errorf("partition %s, %s (-want +got):\n%s", b.UUID(), res, diff)
	}

	if _, res = get(uuid.New()); res.Err() != ffa.ErrInvalidParameter {
		t.Errorf("unknown uuid returned %s", res)
	}

	// the rx buffer stays with its owner until released
	s.Handle(0, ffa.NormalWorldID, ffa.UUIDArgs(uuid.Nil))

	if res = s.Handle(0, ffa.NormalWorldID, ffa.UUIDArgs(uuid.Nil)); res.Err() != ffa.ErrBusy {
		t.Errorf("query with full rx buffer returned %s", res)
	}
}

// receiver returns a partition recording indirect messages, either delivered
// or polled when run.
func receiver(n int, got *[]string) sp.Main {
	l := layout(n)

	return func(env *sp.Env) {
		if err := env.RXTXMap(l.HeapBase, l.HeapBase+ffa.PageSize, 1); err != nil {
			return
		}

		if _, err := env.ID(); err != nil {
			return
		}

		for msg := env.MsgWait(); ; msg = env.MsgWait() {
			var buf []byte
			var err error

			switch f, _ := msg.Func(); f {
			case ffa.MSG_SEND:
				_, buf, err = env.Message(msg)
			case ffa.MSG_RUN:
				_, buf, err = env.MsgPoll()
			default:
				continue
			}

			if err == nil {
				*got = append(*got, string(buf))
			}
		}
	}
}

func TestIndirectMessage(t *testing.T) {
	var got []string

	s := newSPMC(t, 1)
	a, _ := create(t, s, 1, doubler, 0)
	b, _ := create(t, s, 2, receiver(2, &got), DefaultProperties|ffa.PropIndirectMsg)
	boot(t, s)

	nsMap(t, s)

	send := func(dst uint16, msg string, attrs uint64) ffa.Args {
		if err := s.ram.Write(nsTX, []byte(msg)); err != nil {
			t.Fatal(err)
		}

		return s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MSG_SEND, ffa.Endpoints(0, dst), 0, uint64(len(msg)), attrs))
	}

	if res := send(b.ID(), "hello", ffa.MsgSendBlocking); res.Err() != nil {
		t.Fatalf("blocking send returned %s", res)
	}

	if diff := cmp.Diff([]string{"hello"}, got); diff != "" {
		t.Errorf("delivered (-want +got):\n%s", diff)
	}

	if res := send(b.ID(), "world", ffa.MsgSendNonBlocking); res.Err() != nil {
		t.Fatalf("non-blocking send returned %s", res)
	}

	if res := send(b.ID(), "again", ffa.MsgSendNonBlocking); res.Err() != ffa.ErrBusy {
		t.Errorf("send to full rx buffer returned %s", res)
	}

	if len(got) != 1 {
		t.Errorf("non-blocking send delivered %v", got)
	}

	if res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MSG_RUN, uint64(b.ID())<<16)); res.Err() != nil {
		t.Fatalf("run returned %s", res)
	}

	if diff := cmp.Diff([]string{"hello", "world"}, got); diff != "" {
		t.Errorf("polled (-want +got):\n%s", diff)
	}

	if res := s.Handle(0, ffa.NormalWorldID, ffa.Call(ffa.MSG_POLL)); res.Err() != ffa.ErrRetry {
		t.Errorf("poll without message returned %s", res)
	}

	if res := send(a.ID(), "hello", ffa.MsgSendBlocking); res.Err() != ffa.ErrDenied {
		t.Errorf("send to partition without indirect messaging returned %s", res)
	}

	if res := send(b.ID(), string(make([]byte, 2*ffa.PageSize)), ffa.MsgSendBlocking); res.Err() != ffa.ErrInvalidParameter {
		t.Errorf("oversized send returned %s", res)
	}
}
