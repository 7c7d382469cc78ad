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

// Package dirhash is a hash directory whose backing storage lives in a
// shared arena, so independent processes mutate one table through their
// own attachments. Keys are variable-size: the caller supplies hash,
// match, copy and release functions, which lets a process-local probe
// key compare equal to a stored, arena-resident key without allocating
// on lookup. Locking is partitioned by key hash; unrelated keys proceed
// concurrently.
package dirhash

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/alibaba/shmetrics/pkg/arena"
	"github.com/alibaba/shmetrics/pkg/shmseg"
	glog "k8s.io/klog"
)

var (
	// ErrBadTable the handle does not name a directory of this shape
	ErrBadTable = errors.New("not a directory table")
)

// Params customizes a table for one key/entry schema. Data regions are
// fixed size; variable payloads hang off them via arena handles.
type Params struct {
	// DataSize is the fixed byte size of each entry's data region.
	DataSize int
	// Hash computes the hash of a probe key.
	Hash func(probe interface{}) uint64
	// Match reports whether a stored entry's data region carries the
	// same key as the probe. It must dereference arena-resident parts
	// of the stored key itself.
	Match func(probe interface{}, data []byte) bool
	// Copy populates a fresh entry's whole data region from the probe,
	// deep-copying variable payloads into the arena. An error aborts
	// the insert with no entry left behind.
	Copy func(probe interface{}, data []byte) error
	// Release frees arena allocations owned by an entry's data region.
	// Called before the entry itself is reclaimed. May be nil.
	Release func(data []byte)
}

const (
	tableMagic = uint64(0x64697268)

	numPartitions  = 16
	initialBuckets = 128
	// grow when chains average more than two entries
	growFactor = 2

	// ctrl block word offsets
	cOffMagic    = 0
	cOffDataSize = 8
	cOffNParts   = 12
	cOffLog2     = 16
	cOffEntries  = 24
	cOffBuckets  = 32
	cOffPartLock = 40 // 16 lock words, 8 bytes apart
	cOffGrowLock = 168
	ctrlSize     = 176

	// entry block layout: next handle, stored hash, then data
	eOffNext = 0
	eOffHash = 8
	eOffData = 16
)

// Table is one process's attachment to a shared directory.
type Table struct {
	a      *arena.Arena
	params Params
	ctrlH  arena.Handle
	ctrl   []byte
}

// Create builds an empty directory in the arena and returns the
// attached table plus the control handle other processes attach with.
func Create(a *arena.Arena, params Params) (*Table, arena.Handle, error) {
	if params.DataSize <= 0 || params.Hash == nil || params.Match == nil || params.Copy == nil {
		return nil, arena.InvalidHandle, fmt.Errorf("incomplete directory params")
	}
	ctrlH, err := a.Allocate(ctrlSize)
	if err != nil {
		return nil, arena.InvalidHandle, fmt.Errorf("allocate directory control block: %w", err)
	}
	ctrl, err := a.Bytes(ctrlH)
	if err != nil {
		return nil, arena.InvalidHandle, err
	}
	for i := range ctrl {
		ctrl[i] = 0
	}
	bucketsH, err := newBucketArray(a, initialBuckets)
	if err != nil {
		a.Free(ctrlH)
		return nil, arena.InvalidHandle, err
	}
	shmseg.ByteOrder.PutUint64(ctrl[cOffMagic:], tableMagic)
	shmseg.ByteOrder.PutUint32(ctrl[cOffDataSize:], uint32(params.DataSize))
	shmseg.ByteOrder.PutUint32(ctrl[cOffNParts:], numPartitions)
	shmseg.ByteOrder.PutUint32(ctrl[cOffLog2:], log2(initialBuckets))
	shmseg.ByteOrder.PutUint64(ctrl[cOffBuckets:], uint64(bucketsH))
	glog.V(2).Infof("Created directory, %d buckets, %d partitions, data size %d", initialBuckets, numPartitions, params.DataSize)
	return &Table{a: a, params: params, ctrlH: ctrlH, ctrl: ctrl}, ctrlH, nil
}

// Attach joins a directory created elsewhere, typically by another
// process, using the control handle published in a well-known place.
func Attach(a *arena.Arena, ctrlH arena.Handle, params Params) (*Table, error) {
	ctrl, err := a.Bytes(ctrlH)
	if err != nil {
		return nil, fmt.Errorf("resolve directory control block: %w", err)
	}
	if len(ctrl) < ctrlSize || shmseg.ByteOrder.Uint64(ctrl[cOffMagic:]) != tableMagic {
		return nil, ErrBadTable
	}
	if ds := shmseg.ByteOrder.Uint32(ctrl[cOffDataSize:]); int(ds) != params.DataSize {
		return nil, fmt.Errorf("directory data size mismatch: have %d, want %d", ds, params.DataSize)
	}
	return &Table{a: a, params: params, ctrlH: ctrlH, ctrl: ctrl}, nil
}

func newBucketArray(a *arena.Arena, n int) (arena.Handle, error) {
	h, err := a.Allocate(n * 8)
	if err != nil {
		return arena.InvalidHandle, fmt.Errorf("allocate bucket array: %w", err)
	}
	b, err := a.Bytes(h)
	if err != nil {
		return arena.InvalidHandle, err
	}
	for i := range b {
		b[i] = 0
	}
	return h, nil
}

func log2(n int) uint32 {
	var l uint32
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// Len returns the current number of entries.
func (t *Table) Len() uint64 {
	return atomic.LoadUint64(shmseg.Uint64At(t.ctrl, cOffEntries))
}

// Handle returns the control handle this table was created with.
func (t *Table) Handle() arena.Handle {
	return t.ctrlH
}

func (t *Table) partLock(part uint64) shmseg.Mutex {
	return shmseg.MutexAt(t.ctrl, cOffPartLock+int(part)*8)
}

func (t *Table) nbuckets() uint64 {
	return uint64(1) << shmseg.ByteOrder.Uint32(t.ctrl[cOffLog2:])
}

func (t *Table) bucketSlot(idx uint64) []byte {
	bucketsH := arena.Handle(shmseg.ByteOrder.Uint64(t.ctrl[cOffBuckets:]))
	b, err := t.a.Bytes(bucketsH)
	if err != nil {
		// The bucket array handle is written once per resize while all
		// partitions are locked, so it cannot dangle here.
		panic(fmt.Sprintf("directory bucket array unresolvable: %v", err))
	}
	return b[idx*8:]
}

func (t *Table) entryData(h arena.Handle) []byte {
	b, err := t.a.Bytes(h)
	if err != nil {
		panic(fmt.Sprintf("directory entry unresolvable: %v", err))
	}
	return b
}

// Entry is a stored entry held under its partition lock. The caller
// reads or mutates the data region, then must call Release; keeping a
// reference past Release breaks the ownership contract.
type Entry struct {
	t    *Table
	part uint64
	data []byte
}

// Data exposes the entry's data region.
func (e *Entry) Data() []byte {
	return e.data
}

// Release drops the partition lock taken by FindOrInsert or Find.
func (e *Entry) Release() {
	e.t.partLock(e.part).Unlock()
	e.data = nil
}

// FindOrInsert looks the probe key up, inserting a fresh entry if it is
// absent. The entry is returned under the caller's exclusive hold on
// the key's lock partition. created reports whether the entry was made
// by this call; on insert the data region was populated by params.Copy.
// A failed copy (for example arena exhaustion) leaves no partial entry.
func (t *Table) FindOrInsert(probe interface{}) (*Entry, bool, error) {
	hash := t.params.Hash(probe)
	t.maybeGrow()

	part := hash % numPartitions
	t.partLock(part).Lock()

	if data := t.lookup(hash, probe); data != nil {
		return &Entry{t: t, part: part, data: data}, false, nil
	}

	entryH, err := t.a.Allocate(eOffData + t.params.DataSize)
	if err != nil {
		t.partLock(part).Unlock()
		return nil, false, fmt.Errorf("allocate directory entry: %w", err)
	}
	eb := t.entryData(entryH)
	data := eb[eOffData : eOffData+t.params.DataSize]
	if err := t.params.Copy(probe, data); err != nil {
		t.a.Free(entryH)
		t.partLock(part).Unlock()
		return nil, false, err
	}

	idx := hash & (t.nbuckets() - 1)
	slot := t.bucketSlot(idx)
	shmseg.ByteOrder.PutUint64(eb[eOffNext:], shmseg.ByteOrder.Uint64(slot))
	shmseg.ByteOrder.PutUint64(eb[eOffHash:], hash)
	shmseg.ByteOrder.PutUint64(slot, uint64(entryH))
	t.addEntries(1)
	return &Entry{t: t, part: part, data: data}, true, nil
}

// Find returns the entry for the probe key under its partition lock, or
// (nil, false) without any lock held.
func (t *Table) Find(probe interface{}) (*Entry, bool) {
	hash := t.params.Hash(probe)
	part := hash % numPartitions
	t.partLock(part).Lock()
	if data := t.lookup(hash, probe); data != nil {
		return &Entry{t: t, part: part, data: data}, true
	}
	t.partLock(part).Unlock()
	return nil, false
}

// lookup walks the probe's chain. Caller holds the partition lock.
func (t *Table) lookup(hash uint64, probe interface{}) []byte {
	idx := hash & (t.nbuckets() - 1)
	e := arena.Handle(shmseg.ByteOrder.Uint64(t.bucketSlot(idx)))
	for e != arena.InvalidHandle {
		eb := t.entryData(e)
		if shmseg.ByteOrder.Uint64(eb[eOffHash:]) == hash {
			data := eb[eOffData : eOffData+t.params.DataSize]
			if t.params.Match(probe, data) {
				return data
			}
		}
		e = arena.Handle(shmseg.ByteOrder.Uint64(eb[eOffNext:]))
	}
	return nil
}

// Delete removes the probe's entry if present, freeing the arena space
// owned by its key before the slot is reclaimed.
func (t *Table) Delete(probe interface{}) bool {
	hash := t.params.Hash(probe)
	part := hash % numPartitions
	t.partLock(part).Lock()
	defer t.partLock(part).Unlock()

	idx := hash & (t.nbuckets() - 1)
	slot := t.bucketSlot(idx)
	e := arena.Handle(shmseg.ByteOrder.Uint64(slot))
	for e != arena.InvalidHandle {
		eb := t.entryData(e)
		if shmseg.ByteOrder.Uint64(eb[eOffHash:]) == hash &&
			t.params.Match(probe, eb[eOffData:eOffData+t.params.DataSize]) {
			t.unlink(slot, e, eb)
			return true
		}
		slot = eb[eOffNext:]
		e = arena.Handle(shmseg.ByteOrder.Uint64(eb[eOffNext:]))
	}
	return false
}

// unlink removes entry e whose predecessor slot is given, releases its
// key allocations and frees the entry block. Caller holds the lock.
func (t *Table) unlink(slot []byte, e arena.Handle, eb []byte) {
	shmseg.ByteOrder.PutUint64(slot, shmseg.ByteOrder.Uint64(eb[eOffNext:]))
	if t.params.Release != nil {
		t.params.Release(eb[eOffData : eOffData+t.params.DataSize])
	}
	t.a.Free(e)
	t.addEntries(^uint64(0))
}

// addEntries adjusts the shared entry count. Writers under different
// partition locks update it concurrently, hence the atomic.
func (t *Table) addEntries(d uint64) {
	atomic.AddUint64(shmseg.Uint64At(t.ctrl, cOffEntries), d)
}
