package shm

import (
	"sync/atomic"
	"unsafe"
)

// The ring indices live in shared memory at 4-byte aligned offsets. These
// helpers give the index protocol its ordering: plain writes to descriptors
// and payloads happen before the StoreUint32 that publishes them.

func word(mem []byte, off int) *uint32 {
	_ = mem[off+3]
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// LoadUint32 atomically loads the little-endian word at mem[off:off+4].
func LoadUint32(mem []byte, off int) uint32 {
	return atomic.LoadUint32(word(mem, off))
}

// StoreUint32 atomically stores v at mem[off:off+4].
func StoreUint32(mem []byte, off int, v uint32) {
	atomic.StoreUint32(word(mem, off), v)
}
