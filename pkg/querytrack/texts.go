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

package querytrack

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/pkg/arena"
	"github.com/alibaba/shmetrics/pkg/dirhash"
	"github.com/alibaba/shmetrics/pkg/metrics"
	"github.com/alibaba/shmetrics/pkg/shmseg"
)

// Stored text entry layout: fingerprint, text handle, text length,
// first-seen unix timestamp.
const (
	txtOffID        = 0
	txtOffHandle    = 8
	txtOffLen       = 16
	txtOffFirstSeen = 24
	txtDataSize     = 32
)

// TextStore maps query fingerprints to their normalized text in the
// same shared arena the metrics live in, so every attached process
// sees one text table. Writes are first-write-wins: the text stored
// for a fingerprint never changes until the entry is evicted.
type TextStore struct {
	a   *arena.Arena
	tbl *dirhash.Table
}

// TextEntry is one stored query text, decoded out of shared memory.
type TextEntry struct {
	Fingerprint uint64
	Text        string
	FirstSeen   int64
}

type textProbe struct {
	id        uint64
	text      string
	firstSeen int64
}

func textParams(a *arena.Arena) dirhash.Params {
	return dirhash.Params{
		DataSize: txtDataSize,
		Hash: func(probe interface{}) uint64 {
			var buf [8]byte
			shmseg.ByteOrder.PutUint64(buf[:], probe.(*textProbe).id)
			return xxhash.Sum64(buf[:])
		},
		Match: func(probe interface{}, data []byte) bool {
			return shmseg.ByteOrder.Uint64(data[txtOffID:]) == probe.(*textProbe).id
		},
		Copy: func(probe interface{}, data []byte) error {
			p := probe.(*textProbe)
			shmseg.ByteOrder.PutUint64(data[txtOffID:], p.id)
			shmseg.ByteOrder.PutUint64(data[txtOffLen:], 0)
			shmseg.ByteOrder.PutUint64(data[txtOffHandle:], uint64(arena.InvalidHandle))
			shmseg.ByteOrder.PutUint64(data[txtOffFirstSeen:], uint64(p.firstSeen))
			if p.text == "" {
				return nil
			}
			h, err := a.Allocate(len(p.text))
			if err != nil {
				return fmt.Errorf("store query text: %w", err)
			}
			b, err := a.Bytes(h)
			if err != nil {
				return err
			}
			copy(b, p.text)
			shmseg.ByteOrder.PutUint64(data[txtOffHandle:], uint64(h))
			shmseg.ByteOrder.PutUint64(data[txtOffLen:], uint64(len(p.text)))
			return nil
		},
		Release: func(data []byte) {
			h := arena.Handle(shmseg.ByteOrder.Uint64(data[txtOffHandle:]))
			if h == arena.InvalidHandle {
				return
			}
			if err := a.Free(h); err != nil {
				glog.Errorf("Free query text: %v", err)
			}
		},
	}
}

// NewTextStore attaches to the shared text table, creating it if this
// process is the first to need one. Creation is serialized on the
// arena's root lock; the table handle is published in a spare root
// slot next to the metric directory's.
func NewTextStore(store *metrics.Store) (*TextStore, error) {
	a, err := store.SharedArena()
	if err != nil {
		return nil, err
	}
	params := textParams(a)

	lock := a.RootLock()
	lock.Lock()
	defer lock.Unlock()
	if h := a.Root(metrics.RootSlotQueryTexts); h != arena.InvalidHandle {
		tbl, err := dirhash.Attach(a, h, params)
		if err != nil {
			return nil, err
		}
		return &TextStore{a: a, tbl: tbl}, nil
	}
	tbl, h, err := dirhash.Create(a, params)
	if err != nil {
		return nil, err
	}
	a.SetRoot(metrics.RootSlotQueryTexts, h)
	glog.V(2).Infof("Created query text table")
	return &TextStore{a: a, tbl: tbl}, nil
}

// Put stores the text for a fingerprint unless one is already stored.
// Reports whether this call created the entry.
func (s *TextStore) Put(fingerprint uint64, text string, now int64) (bool, error) {
	e, created, err := s.tbl.FindOrInsert(&textProbe{id: fingerprint, text: text, firstSeen: now})
	if err != nil {
		return false, err
	}
	e.Release()
	return created, nil
}

// Get returns the stored text for a fingerprint.
func (s *TextStore) Get(fingerprint uint64) (string, bool) {
	e, found := s.tbl.Find(&textProbe{id: fingerprint})
	if !found {
		return "", false
	}
	defer e.Release()
	return s.entryText(e.Data()), true
}

// Delete drops the fingerprint's text, freeing its arena space.
func (s *TextStore) Delete(fingerprint uint64) bool {
	return s.tbl.Delete(&textProbe{id: fingerprint})
}

// Len returns the number of stored texts.
func (s *TextStore) Len() int {
	return int(s.tbl.Len())
}

// List snapshots every stored text, sorted by fingerprint.
func (s *TextStore) List() []TextEntry {
	var out []TextEntry
	s.tbl.Scan(func(data []byte) dirhash.ScanAction {
		out = append(out, TextEntry{
			Fingerprint: shmseg.ByteOrder.Uint64(data[txtOffID:]),
			Text:        s.entryText(data),
			FirstSeen:   int64(shmseg.ByteOrder.Uint64(data[txtOffFirstSeen:])),
		})
		return dirhash.ScanContinue
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func (s *TextStore) entryText(data []byte) string {
	h := arena.Handle(shmseg.ByteOrder.Uint64(data[txtOffHandle:]))
	n := shmseg.ByteOrder.Uint64(data[txtOffLen:])
	if h == arena.InvalidHandle || n == 0 {
		return ""
	}
	b, err := s.a.Bytes(h)
	if err != nil {
		glog.Errorf("Query text unresolvable: %v", err)
		return ""
	}
	return string(b[:n])
}
