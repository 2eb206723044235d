// Package atomic provides typed wrappers over sync/atomic, matching
// the teacher's cmn/atomic. These back read-only counters consulted
// off the owning executor (diagnostics, metrics snapshots) per §5 -
// they never guard control flow on the hot routing path.
package atomic

import "sync/atomic"

type Int32 struct{ v int32 }

func (i *Int32) Load() int32        { return atomic.LoadInt32(&i.v) }
func (i *Int32) Store(n int32)      { atomic.StoreInt32(&i.v, n) }
func (i *Int32) Inc() int32         { return atomic.AddInt32(&i.v, 1) }
func (i *Int32) Dec() int32         { return atomic.AddInt32(&i.v, -1) }
func (i *Int32) Add(delta int32) int32 { return atomic.AddInt32(&i.v, delta) }

type Int64 struct{ v int64 }

func (i *Int64) Load() int64          { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(n int64)        { atomic.StoreInt64(&i.v, n) }
func (i *Int64) Inc() int64           { return atomic.AddInt64(&i.v, 1) }
func (i *Int64) Add(delta int64) int64 { return atomic.AddInt64(&i.v, delta) }

type Uint32 struct{ v uint32 }

func (u *Uint32) Load() uint32     { return atomic.LoadUint32(&u.v) }
func (u *Uint32) Store(n uint32)   { atomic.StoreUint32(&u.v, n) }
func (u *Uint32) Inc() uint32      { return atomic.AddUint32(&u.v, 1) }

type Bool struct{ v int32 }

func (b *Bool) Load() bool {
	return atomic.LoadInt32(&b.v) != 0
}

func (b *Bool) Store(val bool) {
	var n int32
	if val {
		n = 1
	}
	atomic.StoreInt32(&b.v, n)
}

// CAS performs a compare-and-swap, returning whether it succeeded.
func (b *Bool) CAS(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, o, n)
}
