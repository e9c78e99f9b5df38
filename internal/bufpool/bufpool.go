// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers outbound frames are encoded into.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxPooledCap is the largest buffer kept for reuse. Stream chunks above it
// are encoded into buffers that are left to the garbage collector.
const MaxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer able to hold at least sizeHint bytes.
func Get(sizeHint int) *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	if sizeHint > 0 {
		b.Grow(sizeHint)
	}
	return b
}

// Put hands b back. The caller must not touch b or its bytes afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > MaxPooledCap {
		return
	}
	pool.Put(b)
}
