/*
Copyright 2024 The Alibaba Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package shmseg

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// ByteOrder is the layout used for every word written into a segment.
// All processes on one host share it, so little-endian is fixed rather
// than negotiated.
var ByteOrder = binary.LittleEndian

// Uint32At returns a pointer suitable for atomic access to the 4-byte
// word at off. The offset must be 4-byte aligned.
func Uint32At(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// Uint64At returns a pointer suitable for atomic access to the 8-byte
// word at off. The offset must be 8-byte aligned.
func Uint64At(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// Int64At returns a pointer suitable for atomic access to the signed
// 8-byte word at off. The offset must be 8-byte aligned.
func Int64At(b []byte, off int) *int64 {
	return (*int64)(unsafe.Pointer(&b[off]))
}

// Mutex is a test-and-set spinlock over a word living inside a shared
// segment. It works across processes because the word is in shared
// memory and only ever accessed with atomic operations. Critical
// sections guarded by it must stay short and allocation free.
type Mutex struct {
	word *uint32
}

// MutexAt binds a Mutex to the lock word at off.
func MutexAt(b []byte, off int) Mutex {
	return Mutex{word: Uint32At(b, off)}
}

// Lock spins until the word is acquired.
func (m Mutex) Lock() {
	for i := 0; ; i++ {
		if atomic.CompareAndSwapUint32(m.word, 0, 1) {
			return
		}
		// Busy-wait a little before yielding: uncontended holders
		// release within a few hundred nanoseconds.
		if i%64 == 63 {
			runtime.Gosched()
		}
	}
}

// TryLock attempts a single acquisition.
func (m Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, 0, 1)
}

// Unlock releases the word. Calling it without holding the lock breaks
// mutual exclusion for every attached process.
func (m Mutex) Unlock() {
	atomic.StoreUint32(m.word, 0)
}
