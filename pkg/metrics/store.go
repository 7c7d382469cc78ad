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

// Package metrics is a multi-process metrics store. Counters, gauges
// and histogram buckets live in one shared memory segment; any number
// of independent processes attach to it and update the same entries
// concurrently. A metric's identity is its name plus an arbitrary
// label document, compared by canonical bytes.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/pkg/arena"
	"github.com/alibaba/shmetrics/pkg/dirhash"
	"github.com/alibaba/shmetrics/pkg/shmseg"
)

// Well-known arena root slots shared with collaborating packages.
const (
	// RootSlotMetrics holds the metric directory's control handle.
	RootSlotMetrics = 0
	// RootSlotQueryTexts holds the query text directory's control
	// handle, owned by the querytrack package.
	RootSlotQueryTexts = 1
)

// Store is one process's attachment to the shared metrics segment.
// Attachment is lazy: the segment is created or joined on the first
// operation that needs it, so constructing a Store is cheap and a
// disabled store never touches shared memory. All methods are safe for
// concurrent use.
type Store struct {
	cfg       *Config
	bucketing *Bucketing

	mu  sync.Mutex
	seg *shmseg.Segment
	a   *arena.Arena
	tbl *dirhash.Table
}

// NewStore validates the config and prepares a store. No shared memory
// is touched until the first operation.
func NewStore(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := NewBucketing(cfg.BucketVariability, cfg.BucketsUpperBound)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, bucketing: b}, nil
}

// table attaches to the shared directory, creating and initializing it
// when this process is the first to arrive. Initialization runs under
// the segment's init lock, so exactly one process builds the arena and
// directory; everyone else attaches to the published root handle.
func (s *Store) table() (*dirhash.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tbl != nil {
		return s.tbl, nil
	}

	seg, err := shmseg.Create(s.cfg.Path, s.cfg.SegmentMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInitialized, err)
	}
	if err := seg.InitLock(); err != nil {
		seg.Close()
		return nil, err
	}
	defer seg.InitUnlock()

	a, err := arena.Attach(seg)
	if errors.Is(err, arena.ErrNotInitialized) {
		a, err = arena.Init(seg, s.cfg.InitialBytes)
	}
	if err != nil {
		seg.Close()
		return nil, err
	}

	params := newKeyParams(a)
	var tbl *dirhash.Table
	if a.Initialized() {
		tbl, err = dirhash.Attach(a, a.Root(RootSlotMetrics), params)
		if err != nil {
			seg.Close()
			return nil, err
		}
	} else {
		var ctrlH arena.Handle
		tbl, ctrlH, err = dirhash.Create(a, params)
		if err != nil {
			seg.Close()
			return nil, err
		}
		a.SetRoot(RootSlotMetrics, ctrlH)
		a.SetInitialized()
		glog.V(2).Infof("Initialized metrics store in %s", s.cfg.Path)
	}

	s.seg, s.a, s.tbl = seg, a, tbl
	return tbl, nil
}

// SharedArena exposes the store's arena so collaborating packages can
// hang their own shared structures off spare root slots. Attaches the
// store if it is not attached yet.
func (s *Store) SharedArena() (*arena.Arena, error) {
	if _, err := s.table(); err != nil {
		return nil, err
	}
	return s.a, nil
}

func (s *Store) probe(name string, labels map[string]string, kind Kind, bucket int64) (*probeKey, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty metric name", ErrInvalidInput)
	}
	if len(name) > MaxNameLen {
		return nil, fmt.Errorf("%w: metric name %q exceeds %d bytes", ErrInvalidInput, name, MaxNameLen)
	}
	raw, err := CanonicalLabels(labels)
	if err != nil {
		return nil, err
	}
	return &probeKey{name: name, labels: raw, kind: kind, bucket: bucket}, nil
}

// incrementBy finds or inserts the entry and adds amount to its value,
// returning the new value. The read-modify-write runs under the key's
// partition lock, so concurrent increments from any process never lose
// updates.
func (s *Store) incrementBy(probe *probeKey, amount int64) (int64, error) {
	tbl, err := s.table()
	if err != nil {
		return 0, err
	}
	e, _, err := tbl.FindOrInsert(probe)
	if err != nil {
		return 0, err
	}
	defer e.Release()
	data := e.Data()
	v := int64(shmseg.ByteOrder.Uint64(data[entValue:])) + amount
	shmseg.ByteOrder.PutUint64(data[entValue:], uint64(v))
	return v, nil
}

// IncrementCounter adds 1 to the counter, creating it at zero first if
// absent, and returns the new value.
func (s *Store) IncrementCounter(name string, labels map[string]string) (int64, error) {
	return s.IncrementCounterBy(name, labels, 1)
}

// IncrementCounterBy adds a positive amount to the counter and returns
// the new value.
func (s *Store) IncrementCounterBy(name string, labels map[string]string, amount int64) (int64, error) {
	if !s.cfg.Enabled {
		return 0, ErrNotRecorded
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: counter increment %d not positive", ErrInvalidInput, amount)
	}
	probe, err := s.probe(name, labels, Counter, 0)
	if err != nil {
		return 0, err
	}
	return s.incrementBy(probe, amount)
}

// SetGauge sets the gauge to value, creating it if absent.
func (s *Store) SetGauge(name string, labels map[string]string, value int64) error {
	if !s.cfg.Enabled {
		return ErrNotRecorded
	}
	probe, err := s.probe(name, labels, Gauge, 0)
	if err != nil {
		return err
	}
	tbl, err := s.table()
	if err != nil {
		return err
	}
	e, _, err := tbl.FindOrInsert(probe)
	if err != nil {
		return err
	}
	defer e.Release()
	shmseg.ByteOrder.PutUint64(e.Data()[entValue:], uint64(value))
	return nil
}

// AddToGauge adjusts the gauge by a nonzero delta, which may be
// negative, and returns the new value.
func (s *Store) AddToGauge(name string, labels map[string]string, delta int64) (int64, error) {
	if !s.cfg.Enabled {
		return 0, ErrNotRecorded
	}
	if delta == 0 {
		return 0, fmt.Errorf("%w: zero gauge delta", ErrInvalidInput)
	}
	probe, err := s.probe(name, labels, Gauge, 0)
	if err != nil {
		return 0, err
	}
	return s.incrementBy(probe, delta)
}

// RecordHistogram files one observation: the bucket entry for the
// value's upper bound gains 1 and the sum entry accumulates the value
// truncated to an integer. The name must leave room for the suffix
// exported histogram series carry.
func (s *Store) RecordHistogram(name string, labels map[string]string, value float64) error {
	if !s.cfg.Enabled {
		return ErrNotRecorded
	}
	if len(name) > MaxNameLen-len(bucketSuffix) {
		return fmt.Errorf("%w: %q", ErrNameTooLongForHistogram, name)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: histogram value %v", ErrInvalidInput, value)
	}
	bound, _ := s.bucketing.BucketFor(value)

	probe, err := s.probe(name, labels, HistogramBucket, bound)
	if err != nil {
		return err
	}
	if _, err := s.incrementBy(probe, 1); err != nil {
		return err
	}
	probe.kind, probe.bucket = HistogramSum, 0
	_, err = s.incrementBy(probe, int64(math.Floor(value)))
	return err
}

// DeleteMetric removes every entry whose name and labels match, across
// all kinds and buckets, and returns how many were removed. This walks
// the whole directory; it is meant for administrative cleanup, not hot
// paths.
func (s *Store) DeleteMetric(name string, labels map[string]string) (int, error) {
	if !s.cfg.Enabled {
		return 0, ErrNotRecorded
	}
	probe, err := s.probe(name, labels, Counter, 0)
	if err != nil {
		return 0, err
	}
	tbl, err := s.table()
	if err != nil {
		return 0, err
	}
	deleted := tbl.Scan(func(data []byte) dirhash.ScanAction {
		if entryName(data) != probe.name {
			return dirhash.ScanContinue
		}
		stored := storedLabels(s.a, data)
		if len(stored) != len(probe.labels) || string(stored) != string(probe.labels) {
			return dirhash.ScanContinue
		}
		return dirhash.ScanDelete
	})
	return deleted, nil
}

// Clear removes every entry. Allowed even when recording is disabled,
// so an operator can always empty the segment.
func (s *Store) Clear() (int, error) {
	tbl, err := s.table()
	if err != nil {
		return 0, err
	}
	return tbl.Scan(func([]byte) dirhash.ScanAction {
		return dirhash.ScanDelete
	}), nil
}

// List snapshots every stored entry, decoded and sorted by name, kind
// and bucket. The snapshot is consistent per partition, not globally;
// entries mutated mid-scan may show either value.
func (s *Store) List() ([]Entry, error) {
	tbl, err := s.table()
	if err != nil {
		return nil, err
	}
	type row struct {
		Entry
		rawLabels string
	}
	var rows []row
	var scanErr error
	tbl.Scan(func(data []byte) dirhash.ScanAction {
		raw := storedLabels(s.a, data)
		labels, err := decodeLabels(raw)
		if err != nil {
			scanErr = err
			return dirhash.ScanStop
		}
		rows = append(rows, row{
			Entry: Entry{
				Name:   entryName(data),
				Labels: labels,
				Kind:   Kind(shmseg.ByteOrder.Uint32(data[entKind:])),
				Bucket: int64(shmseg.ByteOrder.Uint64(data[entBucket:])),
				Value:  int64(shmseg.ByteOrder.Uint64(data[entValue:])),
			},
			rawLabels: string(raw),
		})
		return dirhash.ScanContinue
	})
	if scanErr != nil {
		return nil, scanErr
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		if rows[i].rawLabels != rows[j].rawLabels {
			return rows[i].rawLabels < rows[j].rawLabels
		}
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Bucket < rows[j].Bucket
	})
	out := make([]Entry, len(rows))
	for i := range rows {
		out[i] = rows[i].Entry
	}
	return out, nil
}

// Buckets lists the histogram bucket upper bounds this store assigns
// observations to, in ascending order.
func (s *Store) Buckets() []int64 {
	return s.bucketing.Buckets()
}

// IsEnabled reports whether mutating operations record anything.
func (s *Store) IsEnabled() bool {
	return s.cfg.Enabled
}

// IsInitialized reports whether this process is attached to an
// initialized shared store, attaching on demand.
func (s *Store) IsInitialized() bool {
	_, err := s.table()
	return err == nil
}

// ArenaStats snapshots the shared allocator's accounting.
func (s *Store) ArenaStats() (arena.Stats, error) {
	if _, err := s.table(); err != nil {
		return arena.Stats{}, err
	}
	return s.a.Stats(), nil
}

// Close detaches from the segment. The shared data survives; other
// processes keep their attachments, and this store re-attaches on its
// next operation.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return nil
	}
	seg := s.seg
	s.seg, s.a, s.tbl = nil, nil, nil
	return seg.Close()
}
