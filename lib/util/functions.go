package util

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"
)

// GenerateSeed creates a random seed for the workload generators
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// IDAllocator hands out unique thread ids, starting at 1
type IDAllocator struct {
	next atomic.Uint64
}

// Next returns the next unused id.
//
// Thread-safe: This method is safe for concurrent use
func (a *IDAllocator) Next() uint64 {
	return a.next.Add(1)
}
