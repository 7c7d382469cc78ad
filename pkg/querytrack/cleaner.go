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
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set"
	"k8s.io/apimachinery/pkg/util/wait"
	glog "k8s.io/klog"
)

// Cleaner evicts queries that stopped running: every tracked metric
// and the stored text of any fingerprint whose last execution stamp
// fell behind the age limit. One cleaner per deployment is enough, but
// running one per process is harmless, eviction is idempotent.
type Cleaner struct {
	cfg   *Config
	rec   Recorder
	texts *TextStore
	now   func() time.Time
}

// NewCleaner builds a cleaner over the same recorder and text store
// the tracker writes through. texts may be nil.
func NewCleaner(cfg *Config, rec Recorder, texts *TextStore) *Cleaner {
	return &Cleaner{cfg: cfg, rec: rec, texts: texts, now: time.Now}
}

// Run evicts on the configured interval until stopCh closes.
func (c *Cleaner) Run(stopCh <-chan struct{}) {
	glog.Infof("Query eviction worker started, interval %v, max age %v", c.cfg.CleanupInterval, c.cfg.MaxAge)
	wait.Until(func() {
		if n, err := c.CleanOnce(); err != nil {
			glog.Errorf("Query eviction failed: %v", err)
		} else if n > 0 {
			glog.Infof("Evicted metrics for %d idle queries", n)
		}
	}, c.cfg.CleanupInterval, stopCh)
}

// CleanOnce evicts every query whose last execution stamp is older
// than the age limit and returns how many queries were evicted.
func (c *Cleaner) CleanOnce() (int, error) {
	cutoff := c.now().Add(-c.cfg.MaxAge).Unix()
	entries, err := c.rec.List()
	if err != nil {
		return 0, err
	}

	// collect stale identities first; deleting while holding the listing
	// apart keeps each DeleteMetric a plain self-contained scan
	stale := mapset.NewThreadUnsafeSet()
	for _, e := range entries {
		if e.Name == MetricLastExec && e.Value < cutoff {
			stale.Add(QueryRef{
				Fingerprint: parseFingerprint(e.Labels["queryid"]),
				User:        e.Labels["user"],
				Database:    e.Labels["db"],
			})
		}
	}

	evicted := 0
	for _, v := range stale.ToSlice() {
		q := v.(QueryRef)
		labels := q.labels()
		for _, name := range trackedMetrics {
			if _, err := c.rec.DeleteMetric(name, labels); err != nil {
				return evicted, err
			}
		}
		if c.texts != nil && q.Fingerprint != 0 {
			c.texts.Delete(q.Fingerprint)
		}
		evicted++
	}
	return evicted, nil
}

func parseFingerprint(s string) uint64 {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		glog.Errorf("Bad query fingerprint label %q: %v", s, err)
		return 0
	}
	return id
}
