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
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	assert "github.com/stretchr/testify/require"

	"github.com/alibaba/shmetrics/pkg/metrics"
)

func TestCleanOnce(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	rec := NewMockRecorder(ctrl)
	cleaner := NewCleaner(NewConfig(), rec, nil)
	now := time.Unix(1700000000, 0)
	cleaner.now = func() time.Time { return now }

	staleLabels := map[string]string{"queryid": "42", "user": "app", "db": "orders"}
	freshLabels := map[string]string{"queryid": "7", "user": "app", "db": "orders"}
	rec.EXPECT().List().Return([]metrics.Entry{
		{Name: MetricLastExec, Labels: staleLabels, Kind: metrics.Gauge, Value: now.Add(-2 * time.Hour).Unix()},
		{Name: MetricLastExec, Labels: freshLabels, Kind: metrics.Gauge, Value: now.Add(-10 * time.Minute).Unix()},
		{Name: MetricExecutionTime, Labels: staleLabels, Kind: metrics.HistogramSum, Value: 999},
	}, nil).Times(1)
	for _, name := range trackedMetrics {
		rec.EXPECT().DeleteMetric(name, staleLabels).Return(1, nil).Times(1)
	}

	evicted, err := cleaner.CleanOnce()
	assert.Nil(err)
	assert.Equal(1, evicted)
}

func TestCleanOnceNothingStale(t *testing.T) {
	assert := assert.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	rec := NewMockRecorder(ctrl)
	cleaner := NewCleaner(NewConfig(), rec, nil)

	rec.EXPECT().List().Return(nil, nil).Times(1)
	evicted, err := cleaner.CleanOnce()
	assert.Nil(err)
	assert.Equal(0, evicted)
}

// end to end against a real store: observe, age out, verify both the
// metrics and the stored text are gone
func TestCleanerEndToEnd(t *testing.T) {
	assert := assert.New(t)
	store, _ := newTestStore(t)
	texts, err := NewTextStore(store)
	assert.Nil(err)
	cfg := NewConfig()
	tracker := NewTracker(cfg, store, texts)
	cleaner := NewCleaner(cfg, store, texts)

	past := time.Unix(1700000000, 0)
	tracker.now = func() time.Time { return past }
	q := QueryRef{Fingerprint: 42, User: "app", Database: "orders"}
	assert.Nil(tracker.SaveText(q, "SELECT 1"))
	assert.Nil(tracker.ObserveExecutionStart(q))
	assert.Nil(tracker.ObserveExecution(q, ExecStats{Elapsed: time.Second, Rows: 3}))

	// not yet past the age limit
	cleaner.now = func() time.Time { return past.Add(30 * time.Minute) }
	evicted, err := cleaner.CleanOnce()
	assert.Nil(err)
	assert.Equal(0, evicted)

	cleaner.now = func() time.Time { return past.Add(2 * time.Hour) }
	evicted, err = cleaner.CleanOnce()
	assert.Nil(err)
	assert.Equal(1, evicted)

	entries, err := store.List()
	assert.Nil(err)
	assert.Equal(0, len(entries))
	assert.Equal(0, texts.Len())
}
