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

package dirhash

import (
	"github.com/alibaba/shmetrics/pkg/arena"
	"github.com/alibaba/shmetrics/pkg/shmseg"
	glog "k8s.io/klog"
)

// ScanAction tells Scan what to do after visiting an entry.
type ScanAction int

const (
	// ScanContinue keeps the entry and moves on.
	ScanContinue ScanAction = iota
	// ScanDelete removes the visited entry and moves on.
	ScanDelete
	// ScanStop keeps the entry and ends the scan.
	ScanStop
)

// Scan visits every entry, taking and releasing one partition lock at a
// time; it never holds a lock across a pause, so writers on other
// partitions are not blocked for the whole scan. The callback sees each
// data region under the partition lock and must copy anything it keeps.
// Entries inserted into already-visited partitions during the scan are
// not revisited. Returns the number of entries deleted.
//
// A bucket's partition is derived from the low hash bits, which resizing
// preserves, so a concurrent resize cannot move entries between
// partitions mid-scan.
func (t *Table) Scan(fn func(data []byte) ScanAction) int {
	deleted := 0
	for part := uint64(0); part < numPartitions; part++ {
		t.partLock(part).Lock()
		nb := t.nbuckets()
		for idx := part; idx < nb; idx += numPartitions {
			slot := t.bucketSlot(idx)
			e := arena.Handle(shmseg.ByteOrder.Uint64(slot))
			for e != arena.InvalidHandle {
				eb := t.entryData(e)
				next := arena.Handle(shmseg.ByteOrder.Uint64(eb[eOffNext:]))
				switch fn(eb[eOffData : eOffData+t.params.DataSize]) {
				case ScanDelete:
					t.unlink(slot, e, eb)
					deleted++
				case ScanStop:
					t.partLock(part).Unlock()
					return deleted
				default:
					slot = eb[eOffNext:]
				}
				e = next
			}
		}
		t.partLock(part).Unlock()
	}
	return deleted
}

// maybeGrow rehashes into a doubled bucket array once chains get long.
// Growth never invalidates handles other processes hold: entries stay
// where they are, only the bucket array is replaced, and the swap
// happens with every partition locked.
func (t *Table) maybeGrow() {
	if t.Len() <= t.nbuckets()*growFactor {
		return
	}
	growLock := shmseg.MutexAt(t.ctrl, cOffGrowLock)
	growLock.Lock()
	defer growLock.Unlock()
	nb := t.nbuckets()
	if t.Len() <= nb*growFactor {
		return
	}

	newNB := nb * 2
	newH, err := newBucketArray(t.a, int(newNB))
	if err != nil {
		// Out of arena space: stay at the current size, the table still
		// works with longer chains.
		glog.Warningf("Directory grow to %d buckets failed: %v", newNB, err)
		return
	}

	for part := uint64(0); part < numPartitions; part++ {
		t.partLock(part).Lock()
	}
	oldH := arena.Handle(shmseg.ByteOrder.Uint64(t.ctrl[cOffBuckets:]))
	oldBuckets := t.entryData(oldH)
	newBuckets := t.entryData(newH)
	for idx := uint64(0); idx < nb; idx++ {
		e := arena.Handle(shmseg.ByteOrder.Uint64(oldBuckets[idx*8:]))
		for e != arena.InvalidHandle {
			eb := t.entryData(e)
			next := arena.Handle(shmseg.ByteOrder.Uint64(eb[eOffNext:]))
			hash := shmseg.ByteOrder.Uint64(eb[eOffHash:])
			slot := newBuckets[(hash&(newNB-1))*8:]
			shmseg.ByteOrder.PutUint64(eb[eOffNext:], shmseg.ByteOrder.Uint64(slot))
			shmseg.ByteOrder.PutUint64(slot, uint64(e))
			e = next
		}
	}
	shmseg.ByteOrder.PutUint64(t.ctrl[cOffBuckets:], uint64(newH))
	shmseg.ByteOrder.PutUint32(t.ctrl[cOffLog2:], log2(int(newNB)))
	for part := uint64(numPartitions); part > 0; part-- {
		t.partLock(part - 1).Unlock()
	}
	t.a.Free(oldH)
	glog.V(3).Infof("Directory grew from %d to %d buckets at %d entries", nb, newNB, t.Len())
}
