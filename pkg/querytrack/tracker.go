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

// Package querytrack layers per-query performance tracking on the
// shared metrics store. Each tracked query is identified by a
// fingerprint; the package files latency, row count and buffer
// distributions under fingerprint labels, keeps one normalized text
// per fingerprint in shared memory, and evicts everything belonging
// to queries that stopped running.
package querytrack

import (
	"errors"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/spf13/pflag"

	"github.com/alibaba/shmetrics/pkg/metrics"
)

// Metric names filed per tracked query.
const (
	MetricPlanningTime  = "query_planning_time_ms"
	MetricExecutionTime = "query_execution_time_ms"
	MetricRowsReturned  = "query_rows_returned"
	MetricBlocksHit     = "query_shared_blocks_hit"
	MetricBlocksRead    = "query_shared_blocks_read"
	MetricLastExec      = "query_last_exec_timestamp"
)

// trackedMetrics is every name eviction must clean up for a query.
var trackedMetrics = []string{
	MetricPlanningTime,
	MetricExecutionTime,
	MetricRowsReturned,
	MetricBlocksHit,
	MetricBlocksRead,
	MetricLastExec,
}

// Recorder is the slice of the metrics store the tracker writes
// through. *metrics.Store satisfies it.
type Recorder interface {
	SetGauge(name string, labels map[string]string, value int64) error
	RecordHistogram(name string, labels map[string]string, value float64) error
	DeleteMetric(name string, labels map[string]string) (int, error)
	List() ([]metrics.Entry, error)
}

// Config selects which query aspects are tracked and how tracked
// queries age out.
type Config struct {
	// TrackTimes files planning and execution latency distributions.
	TrackTimes bool
	// TrackRows files row count distributions.
	TrackRows bool
	// TrackBuffers files shared block hit/read distributions.
	TrackBuffers bool
	// MaxTextLen truncates stored query texts.
	MaxTextLen int
	// MaxAge evicts queries not executed for this long.
	MaxAge time.Duration
	// CleanupInterval is how often the eviction worker runs.
	CleanupInterval time.Duration
	// TextCacheSize bounds the process-local cache of fingerprints
	// whose text is already stored.
	TextCacheSize int
}

// NewConfig returns the default tracking config.
func NewConfig() *Config {
	return &Config{
		TrackTimes:      true,
		TrackRows:       true,
		TrackBuffers:    false,
		MaxTextLen:      1024,
		MaxAge:          time.Hour,
		CleanupInterval: time.Hour,
		TextCacheSize:   1024,
	}
}

// InitFlags registers the tracker's flags on the given flag set.
func (c *Config) InitFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.TrackTimes, "track-times", c.TrackTimes, "track planning and execution time distributions")
	fs.BoolVar(&c.TrackRows, "track-rows", c.TrackRows, "track row count distributions")
	fs.BoolVar(&c.TrackBuffers, "track-buffers", c.TrackBuffers, "track shared block usage distributions")
	fs.IntVar(&c.MaxTextLen, "query-text-max-len", c.MaxTextLen, "longest stored query text in bytes")
	fs.DurationVar(&c.MaxAge, "query-max-age", c.MaxAge, "evict queries not executed for this long")
	fs.DurationVar(&c.CleanupInterval, "query-cleanup-interval", c.CleanupInterval, "how often the eviction worker runs")
}

// enabled reports whether any aspect is tracked at all.
func (c *Config) enabled() bool {
	return c.TrackTimes || c.TrackRows || c.TrackBuffers
}

// QueryRef identifies one tracked query: a stable fingerprint of its
// normalized text plus the principal and database it ran under.
type QueryRef struct {
	Fingerprint uint64
	User        string
	Database    string
}

func (q QueryRef) labels() map[string]string {
	return map[string]string{
		"queryid": strconv.FormatUint(q.Fingerprint, 10),
		"user":    q.User,
		"db":      q.Database,
	}
}

// ExecStats carries what one finished execution observed.
type ExecStats struct {
	Elapsed          time.Duration
	Rows             int64
	SharedBlocksHit  int64
	SharedBlocksRead int64
}

// Tracker files query observations into the shared store. Safe for
// concurrent use.
type Tracker struct {
	cfg   *Config
	rec   Recorder
	texts *TextStore

	// fingerprints whose text is known to be stored already; saves the
	// shared table lookup on hot queries
	seen gcache.Cache
	now  func() time.Time
}

// NewTracker builds a tracker writing through rec. texts may be nil,
// in which case query texts are not kept.
func NewTracker(cfg *Config, rec Recorder, texts *TextStore) *Tracker {
	return &Tracker{
		cfg:   cfg,
		rec:   rec,
		texts: texts,
		seen:  gcache.New(cfg.TextCacheSize).LRU().Build(),
		now:   time.Now,
	}
}

// record swallows the disabled-store sentinel: a disabled store is not
// a tracking failure.
func record(err error) error {
	if errors.Is(err, metrics.ErrNotRecorded) {
		return nil
	}
	return err
}

// ObservePlanning files one planning latency observation.
func (t *Tracker) ObservePlanning(q QueryRef, elapsed time.Duration) error {
	if !t.cfg.TrackTimes || q.Fingerprint == 0 {
		return nil
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	return record(t.rec.RecordHistogram(MetricPlanningTime, q.labels(), ms))
}

// ObserveExecutionStart stamps the query's last execution time. The
// eviction worker uses the stamp to find queries that stopped running.
func (t *Tracker) ObserveExecutionStart(q QueryRef) error {
	if !t.cfg.enabled() || q.Fingerprint == 0 {
		return nil
	}
	return record(t.rec.SetGauge(MetricLastExec, q.labels(), t.now().Unix()))
}

// ObserveExecution files the distributions for one finished execution,
// honoring the per-aspect track switches.
func (t *Tracker) ObserveExecution(q QueryRef, stats ExecStats) error {
	if !t.cfg.enabled() || q.Fingerprint == 0 {
		return nil
	}
	labels := q.labels()
	if t.cfg.TrackTimes {
		ms := float64(stats.Elapsed) / float64(time.Millisecond)
		if err := record(t.rec.RecordHistogram(MetricExecutionTime, labels, ms)); err != nil {
			return err
		}
	}
	if t.cfg.TrackRows {
		if err := record(t.rec.RecordHistogram(MetricRowsReturned, labels, float64(stats.Rows))); err != nil {
			return err
		}
	}
	if t.cfg.TrackBuffers {
		if err := record(t.rec.RecordHistogram(MetricBlocksHit, labels, float64(stats.SharedBlocksHit))); err != nil {
			return err
		}
		if err := record(t.rec.RecordHistogram(MetricBlocksRead, labels, float64(stats.SharedBlocksRead))); err != nil {
			return err
		}
	}
	return nil
}

// SaveText stores the query's normalized text, first write wins. Later
// calls for the same fingerprint are cheap: a process-local cache skips
// the shared table entirely once the text is known to exist.
func (t *Tracker) SaveText(q QueryRef, sql string) error {
	if t.texts == nil || !t.cfg.enabled() || q.Fingerprint == 0 || sql == "" {
		return nil
	}
	if _, err := t.seen.Get(q.Fingerprint); err == nil {
		return nil
	}
	text := Normalize(sql)
	if len(text) > t.cfg.MaxTextLen {
		text = text[:t.cfg.MaxTextLen]
	}
	if _, err := t.texts.Put(q.Fingerprint, text, t.now().Unix()); err != nil {
		return err
	}
	t.seen.Set(q.Fingerprint, struct{}{})
	return nil
}
