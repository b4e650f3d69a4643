/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream

import (
	"context"
	"sync"

	"github.com/duskrpc/duskwire/cmn/debug"
	"github.com/duskrpc/duskwire/memsys"
	"github.com/duskrpc/duskwire/metrics"
	"github.com/duskrpc/duskwire/transport"
)

// Pool recycles terminal Stream objects to avoid allocation churn under
// a high call rate (spec.md §4.4 "Recycling"). One Pool per call shape
// mirrors the teacher's per-type free-list convention.
type Pool struct {
	shape CallShape
	free  sync.Pool
}

func NewPool(shape CallShape) *Pool {
	return &Pool{shape: shape}
}

// Get returns a Stream ready for id/method/role, reusing a terminal one
// from the free list when available.
func (p *Pool) Get(id uint16, method Method, role Role, out transport.Outbound, mm *memsys.MMSA, ms *metrics.Set, parent context.Context) *Stream {
	debug.Assert(method.Shape == p.shape, "pool shape mismatch")
	if v := p.free.Get(); v != nil {
		s := v.(*Stream)
		s.reset(id, method, role, out, mm, ms, parent)
		return s
	}
	return New(id, method, role, out, mm, ms, parent)
}

// Put returns s to the free list. s must be in its terminal state
// (Closed); callers typically call this from the multiplexer's stream
// removal path.
func (p *Pool) Put(s *Stream) {
	if s.State() != Closed {
		return
	}
	p.free.Put(s)
}

// reset reinitializes a terminal Stream for a new logical call, reusing
// its allocations (recvCh, accum buffer capacity).
func (s *Stream) reset(id uint16, method Method, role Role, out transport.Outbound, mm *memsys.MMSA, ms *metrics.Set, parent context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ID = id
	s.Method = method
	s.Role = role
	s.out = out
	s.mm = mm
	s.ms = ms
	s.ctx = ctx
	s.cancel = cancel
	s.state = Idle
	s.peerSeqExpected = 0
	s.mySeqNext = 0
	s.accum.Reset()
	s.recvCh = make(chan recvItem, recvBacklog)
	s.recvClosed = false
	s.finalStatus = Status{}
	s.finalStatusKnown = false
}
