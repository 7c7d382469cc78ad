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

package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alibaba/shmetrics/pkg/arena"
	"github.com/alibaba/shmetrics/pkg/dirhash"
	"github.com/alibaba/shmetrics/pkg/shmseg"
	"github.com/cespare/xxhash/v2"
	glog "k8s.io/klog"
)

// Kind classifies what a stored value means.
type Kind uint32

const (
	// Counter monotonically increasing value
	Counter Kind = 0
	// Gauge value set or adjusted arbitrarily
	Gauge Kind = 1
	// HistogramBucket observation count for one bucket upper bound
	HistogramBucket Kind = 2
	// HistogramSum accumulated raw observed values
	HistogramSum Kind = 3
)

// String returns the external name of the kind.
func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case HistogramBucket:
		return "histogram"
	case HistogramSum:
		return "histogram_sum"
	default:
		return "unknown"
	}
}

// MaxNameLen is the longest accepted metric name in bytes.
const MaxNameLen = 63

// bucketSuffix is the longest suffix synthesized when exporting
// histogram series; RecordHistogram reserves room for it.
const bucketSuffix = "_bucket"

// Label storage modes. A probe key built for a lookup references the
// caller's payload; only absent or arena-resident labels are ever
// stored in the directory.
const (
	labelsAbsent = 0
	labelsArena  = 2
)

// Stored entry data layout. The name field is zero padded; labels hang
// off the entry via an arena handle.
const (
	entName   = 0
	entKind   = 64
	entLoc    = 68
	entBucket = 72
	entLabels = 80
	entValue  = 88
	entrySize = 96
)

// Entry is one materialized metric row, decoded out of shared memory.
type Entry struct {
	Name   string
	Labels map[string]string
	Kind   Kind
	Bucket int64
	Value  int64
}

// CanonicalLabels serializes a label document to its canonical bytes:
// JSON with sorted keys, or nil when there are no labels. Two label
// documents are the same metric identity iff these bytes are identical.
func CanonicalLabels(labels map[string]string) ([]byte, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	// encoding/json emits map keys in sorted order, which makes the
	// encoding canonical for a given content.
	b, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("%w: labels not serializable: %v", ErrInvalidInput, err)
	}
	return b, nil
}

// probeKey is the caller-local search key. Its labels reference bytes
// owned by the running operation; they are deep-copied into the arena
// only if the key is actually inserted.
type probeKey struct {
	name   string
	labels []byte
	kind   Kind
	bucket int64
}

func hashKey(name string, labels []byte, kind Kind, bucket int64) uint64 {
	var buf [8]byte
	h := xxhash.Sum64String(name)
	shmseg.ByteOrder.PutUint32(buf[:4], uint32(kind))
	h ^= xxhash.Sum64(buf[:4])
	shmseg.ByteOrder.PutUint64(buf[:], uint64(bucket))
	h ^= xxhash.Sum64(buf[:])
	if len(labels) > 0 {
		h ^= xxhash.Sum64(labels)
	}
	return h
}

// storedLabels resolves an entry's label payload, whichever storage
// mode it uses. nil means no labels.
func storedLabels(a *arena.Arena, data []byte) []byte {
	if shmseg.ByteOrder.Uint32(data[entLoc:]) != labelsArena {
		return nil
	}
	h := arena.Handle(shmseg.ByteOrder.Uint64(data[entLabels:]))
	if h == arena.InvalidHandle {
		return nil
	}
	b, err := a.Bytes(h)
	if err != nil {
		glog.Errorf("Metric entry labels unresolvable: %v", err)
		return nil
	}
	return b
}

func entryName(data []byte) string {
	name := data[entName : entName+MaxNameLen+1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// newKeyParams builds the directory callbacks over one attached arena.
// Hash and match dereference transparently, so a local probe compares
// equal to an arena-resident stored key with identical content; only
// copy allocates, and only on actual insertion.
func newKeyParams(a *arena.Arena) dirhash.Params {
	return dirhash.Params{
		DataSize: entrySize,
		Hash: func(probe interface{}) uint64 {
			k := probe.(*probeKey)
			return hashKey(k.name, k.labels, k.kind, k.bucket)
		},
		Match: func(probe interface{}, data []byte) bool {
			k := probe.(*probeKey)
			if entryName(data) != k.name {
				return false
			}
			if Kind(shmseg.ByteOrder.Uint32(data[entKind:])) != k.kind {
				return false
			}
			if int64(shmseg.ByteOrder.Uint64(data[entBucket:])) != k.bucket {
				return false
			}
			stored := storedLabels(a, data)
			if len(stored) != len(k.labels) {
				return false
			}
			return bytes.Equal(stored, k.labels)
		},
		Copy: func(probe interface{}, data []byte) error {
			k := probe.(*probeKey)
			copy(data[entName:entName+MaxNameLen+1], k.name)
			for i := len(k.name); i <= MaxNameLen; i++ {
				data[entName+i] = 0
			}
			shmseg.ByteOrder.PutUint32(data[entKind:], uint32(k.kind))
			shmseg.ByteOrder.PutUint64(data[entBucket:], uint64(k.bucket))
			shmseg.ByteOrder.PutUint64(data[entValue:], 0)
			if len(k.labels) == 0 {
				shmseg.ByteOrder.PutUint32(data[entLoc:], labelsAbsent)
				shmseg.ByteOrder.PutUint64(data[entLabels:], 0)
				return nil
			}
			h, err := a.Allocate(len(k.labels))
			if err != nil {
				return fmt.Errorf("copy metric labels: %w", err)
			}
			dst, err := a.Bytes(h)
			if err != nil {
				return err
			}
			copy(dst, k.labels)
			shmseg.ByteOrder.PutUint32(data[entLoc:], labelsArena)
			shmseg.ByteOrder.PutUint64(data[entLabels:], uint64(h))
			return nil
		},
		Release: func(data []byte) {
			if shmseg.ByteOrder.Uint32(data[entLoc:]) != labelsArena {
				return
			}
			h := arena.Handle(shmseg.ByteOrder.Uint64(data[entLabels:]))
			if h == arena.InvalidHandle {
				return
			}
			if err := a.Free(h); err != nil {
				glog.Errorf("Free metric labels: %v", err)
			}
		},
	}
}

// decodeLabels parses canonical label bytes back to a document.
func decodeLabels(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metric labels: %w", err)
	}
	return m, nil
}
