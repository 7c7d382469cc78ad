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

// Package arena carves variable-size allocations out of a shared
// segment and addresses them with relocatable handles. A handle is a
// byte offset, never a pointer, so it denotes the same bytes in every
// attached process; each process resolves it against its own mapping.
package arena

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/alibaba/shmetrics/pkg/shmseg"
	glog "k8s.io/klog"
)

// Handle is an opaque relocatable reference to an arena allocation.
// The zero value is never a valid allocation.
type Handle uint64

// InvalidHandle is the null handle.
const InvalidHandle Handle = 0

var (
	// ErrOutOfMemory the arena cannot grow past its ceiling
	ErrOutOfMemory = errors.New("arena out of shared memory")
	// ErrNotInitialized the segment does not hold an initialized arena
	ErrNotInitialized = errors.New("arena not initialized")
	// ErrBadHandle the handle does not name a live allocation
	ErrBadHandle = errors.New("invalid arena handle")
)

const (
	arenaMagic   = uint64(0x73686d6574726373)
	arenaVersion = 1

	// header word offsets
	offMagic       = 0
	offVersion     = 8
	offInitialized = 12
	offAllocLock   = 16
	offSize        = 24
	offBump        = 32
	offAllocated   = 40
	offFreeBins    = 48
	offRootSlots   = 272
	offRootLock    = 336

	// allocations start on a fresh page after the header
	heapStart = 4096

	// NumRootSlots is how many well-known handle slots the header
	// carries for attaching top-level structures.
	NumRootSlots = 8

	numBins  = 28
	minShift = 5 // smallest block is 32 bytes: header + free-list link

	blockHeaderSize = 16
	blockUsed       = 1
	blockFree       = 2
)

// Arena is one process's attachment to a shared allocator. All methods
// are safe for concurrent use from any number of attached processes.
type Arena struct {
	seg *shmseg.Segment
	buf []byte
}

// Init formats the segment as an empty arena. The caller must hold the
// segment's init lock and have verified no arena exists yet. The arena
// starts with a small logical size and doubles on demand up to the
// segment ceiling.
func Init(seg *shmseg.Segment, initialSize int64) (*Arena, error) {
	buf := seg.Bytes()
	if int64(len(buf)) < heapStart*2 {
		return nil, fmt.Errorf("segment too small for arena: %d bytes", len(buf))
	}
	if initialSize <= heapStart || initialSize > seg.Size() {
		initialSize = seg.Size()
	}
	for i := 0; i < heapStart; i++ {
		buf[i] = 0
	}
	shmseg.ByteOrder.PutUint64(buf[offMagic:], arenaMagic)
	shmseg.ByteOrder.PutUint32(buf[offVersion:], arenaVersion)
	shmseg.ByteOrder.PutUint64(buf[offSize:], uint64(initialSize))
	shmseg.ByteOrder.PutUint64(buf[offBump:], heapStart)
	a := &Arena{seg: seg, buf: buf}
	glog.V(2).Infof("Initialized arena in %s, logical size %d, ceiling %d", seg.Path(), initialSize, seg.Size())
	return a, nil
}

// Attach joins an arena previously set up by Init, possibly by another
// process. Fails fast if the segment was never initialized.
func Attach(seg *shmseg.Segment) (*Arena, error) {
	buf := seg.Bytes()
	if int64(len(buf)) < heapStart || shmseg.ByteOrder.Uint64(buf[offMagic:]) != arenaMagic {
		return nil, ErrNotInitialized
	}
	if v := shmseg.ByteOrder.Uint32(buf[offVersion:]); v != arenaVersion {
		return nil, fmt.Errorf("arena version mismatch: have %d, want %d", v, arenaVersion)
	}
	return &Arena{seg: seg, buf: buf}, nil
}

// SetInitialized publishes the shared block as fully constructed. Done
// once by the creating process after the top-level structures exist.
func (a *Arena) SetInitialized() {
	atomic.StoreUint32(shmseg.Uint32At(a.buf, offInitialized), 1)
}

// Initialized reports whether the creating process finished one-time
// construction of the shared structures.
func (a *Arena) Initialized() bool {
	return atomic.LoadUint32(shmseg.Uint32At(a.buf, offInitialized)) == 1
}

// Root returns the handle stored in well-known slot i.
func (a *Arena) Root(i int) Handle {
	return Handle(atomic.LoadUint64(shmseg.Uint64At(a.buf, offRootSlots+8*i)))
}

// SetRoot stores a handle in well-known slot i.
func (a *Arena) SetRoot(i int, h Handle) {
	atomic.StoreUint64(shmseg.Uint64At(a.buf, offRootSlots+8*i), uint64(h))
}

// RootLock serializes setup of root slots by late-arriving collaborators.
func (a *Arena) RootLock() shmseg.Mutex {
	return shmseg.MutexAt(a.buf, offRootLock)
}

func binFor(total uint64) int {
	shift := bits.Len64(total - 1)
	if shift < minShift {
		shift = minShift
	}
	return shift - minShift
}

// Allocate reserves n bytes and returns a handle to them. The block is
// carved from a size-class free list when one fits, otherwise from the
// bump frontier, growing the logical arena as needed. Exhausting the
// ceiling returns ErrOutOfMemory, never a crash.
func (a *Arena) Allocate(n int) (Handle, error) {
	if n <= 0 {
		return InvalidHandle, fmt.Errorf("invalid allocation size: %d", n)
	}
	bin := binFor(uint64(n) + blockHeaderSize)
	if bin >= numBins {
		return InvalidHandle, ErrOutOfMemory
	}
	blockSize := uint64(1) << (bin + minShift)

	lock := shmseg.MutexAt(a.buf, offAllocLock)
	lock.Lock()
	defer lock.Unlock()

	var off uint64
	if head := shmseg.ByteOrder.Uint64(a.buf[offFreeBins+8*bin:]); head != 0 {
		// Pop the free list: the link lives in the first payload word.
		off = head - blockHeaderSize
		next := shmseg.ByteOrder.Uint64(a.buf[head:])
		shmseg.ByteOrder.PutUint64(a.buf[offFreeBins+8*bin:], next)
	} else {
		bump := shmseg.ByteOrder.Uint64(a.buf[offBump:])
		size := shmseg.ByteOrder.Uint64(a.buf[offSize:])
		for bump+blockSize > size {
			if int64(size) >= a.seg.Size() {
				glog.Warningf("Arena %s exhausted: need %d bytes past ceiling %d", a.seg.Path(), blockSize, a.seg.Size())
				return InvalidHandle, ErrOutOfMemory
			}
			size *= 2
			if int64(size) > a.seg.Size() {
				size = uint64(a.seg.Size())
			}
			shmseg.ByteOrder.PutUint64(a.buf[offSize:], size)
			glog.V(3).Infof("Arena %s grew to %d bytes", a.seg.Path(), size)
		}
		off = bump
		shmseg.ByteOrder.PutUint64(a.buf[offBump:], bump+blockSize)
	}

	shmseg.ByteOrder.PutUint64(a.buf[off:], uint64(n))
	shmseg.ByteOrder.PutUint32(a.buf[off+8:], uint32(bin))
	shmseg.ByteOrder.PutUint32(a.buf[off+12:], blockUsed)
	allocated := shmseg.ByteOrder.Uint64(a.buf[offAllocated:]) + uint64(n)
	shmseg.ByteOrder.PutUint64(a.buf[offAllocated:], allocated)
	reportAllocated(a.seg.Path(), allocated)
	return Handle(off + blockHeaderSize), nil
}

// Free returns an allocation to its size-class free list. The handle
// must come from Allocate on the same arena and must not have been
// freed before; the block state guards against both.
func (a *Arena) Free(h Handle) error {
	off, err := a.blockAt(h)
	if err != nil {
		return err
	}
	bin := int(shmseg.ByteOrder.Uint32(a.buf[off+8:]))
	n := shmseg.ByteOrder.Uint64(a.buf[off:])

	lock := shmseg.MutexAt(a.buf, offAllocLock)
	lock.Lock()
	defer lock.Unlock()

	shmseg.ByteOrder.PutUint32(a.buf[off+12:], blockFree)
	head := shmseg.ByteOrder.Uint64(a.buf[offFreeBins+8*bin:])
	shmseg.ByteOrder.PutUint64(a.buf[uint64(h):], head)
	shmseg.ByteOrder.PutUint64(a.buf[offFreeBins+8*bin:], uint64(h))
	allocated := shmseg.ByteOrder.Uint64(a.buf[offAllocated:]) - n
	shmseg.ByteOrder.PutUint64(a.buf[offAllocated:], allocated)
	reportAllocated(a.seg.Path(), allocated)
	return nil
}

// Bytes resolves a handle to the allocation's bytes in this process's
// mapping. The slice stays valid until the segment is closed, but its
// contents are shared: mutate only under the lock that owns the data.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	off, err := a.blockAt(h)
	if err != nil {
		return nil, err
	}
	n := shmseg.ByteOrder.Uint64(a.buf[off:])
	return a.buf[uint64(h) : uint64(h)+n : uint64(h)+n], nil
}

func (a *Arena) blockAt(h Handle) (uint64, error) {
	if h == InvalidHandle || uint64(h) < heapStart+blockHeaderSize || uint64(h)+8 > uint64(len(a.buf)) {
		return 0, ErrBadHandle
	}
	off := uint64(h) - blockHeaderSize
	if shmseg.ByteOrder.Uint32(a.buf[off+12:]) != blockUsed {
		return 0, ErrBadHandle
	}
	return off, nil
}

// Stats is a point-in-time snapshot of allocator accounting.
type Stats struct {
	// LogicalSize is how far the arena may currently bump-allocate.
	LogicalSize uint64
	// Ceiling is the hard limit imposed by the segment.
	Ceiling uint64
	// AllocatedBytes is the sum of live payload sizes.
	AllocatedBytes uint64
	// BumpOffset is the high-water mark of carved blocks.
	BumpOffset uint64
}

// Stats reads the shared accounting words. Values are individually
// atomic but not mutually consistent; good enough for monitoring.
func (a *Arena) Stats() Stats {
	return Stats{
		LogicalSize:    shmseg.ByteOrder.Uint64(a.buf[offSize:]),
		Ceiling:        uint64(a.seg.Size()),
		AllocatedBytes: shmseg.ByteOrder.Uint64(a.buf[offAllocated:]),
		BumpOffset:     shmseg.ByteOrder.Uint64(a.buf[offBump:]),
	}
}

// Segment exposes the underlying segment, letting collaborators that
// share the arena reach the init lock and mapping.
func (a *Arena) Segment() *shmseg.Segment {
	return a.seg
}
