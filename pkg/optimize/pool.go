// Package optimize holds allocation helpers for packet hot paths.
package optimize

import (
	"sync"
	"sync/atomic"
)

// BytePool hands out fixed-size buffers.
type BytePool struct {
	pool sync.Pool
	size int

	allocated atomic.Int64
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		p.allocated.Add(1)
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly the pool's size.
func (p *BytePool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put recycles b. Buffers smaller than the pool size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int {
	return p.size
}

// Allocated counts buffers created because the pool was empty.
func (p *BytePool) Allocated() int64 {
	return p.allocated.Load()
}
