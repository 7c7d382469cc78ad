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

package exporter

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	assert "github.com/stretchr/testify/require"

	"github.com/alibaba/shmetrics/pkg/metrics"
	"github.com/alibaba/shmetrics/pkg/querytrack"
)

func newTestStore(t *testing.T) *metrics.Store {
	assert := assert.New(t)
	cfg := metrics.NewConfig()
	cfg.Path = filepath.Join(t.TempDir(), "exp.seg")
	cfg.SegmentMaxBytes = 1 << 20
	cfg.InitialBytes = 64 << 10
	s, err := metrics.NewStore(cfg)
	assert.Nil(err)
	t.Cleanup(func() { s.Close() })
	return s
}

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	assert := assert.New(t)
	registry := prometheus.NewRegistry()
	assert.Nil(registry.Register(c))
	families, err := registry.Gather()
	assert.Nil(err)
	out := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestCollectCountersAndGauges(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	_, err := store.IncrementCounterBy("requests", map[string]string{"db": "orders"}, 5)
	assert.Nil(err)
	assert.Nil(store.SetGauge("depth", nil, -3))

	families := gather(t, newCollector(store, nil))

	mf := families["requests"]
	assert.NotNil(mf)
	assert.Equal(dto.MetricType_COUNTER, mf.GetType())
	assert.Equal(1, len(mf.Metric))
	assert.Equal(5.0, mf.Metric[0].GetCounter().GetValue())
	assert.Equal("db", mf.Metric[0].Label[0].GetName())
	assert.Equal("orders", mf.Metric[0].Label[0].GetValue())

	mf = families["depth"]
	assert.NotNil(mf)
	assert.Equal(dto.MetricType_GAUGE, mf.GetType())
	assert.Equal(-3.0, mf.Metric[0].GetGauge().GetValue())
}

func TestCollectHistogram(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	assert.Nil(store.RecordHistogram("latency", nil, 0.5))
	assert.Nil(store.RecordHistogram("latency", nil, 0.5))
	assert.Nil(store.RecordHistogram("latency", nil, 100.0))

	families := gather(t, newCollector(store, nil))
	mf := families["latency"]
	assert.NotNil(mf)
	assert.Equal(dto.MetricType_HISTOGRAM, mf.GetType())
	assert.Equal(1, len(mf.Metric))
	h := mf.Metric[0].GetHistogram()
	assert.Equal(uint64(3), h.GetSampleCount())
	assert.Equal(100.0, h.GetSampleSum())

	// buckets are cumulative and ordered
	buckets := h.GetBucket()
	assert.Equal(2, len(buckets))
	assert.Equal(0.0, buckets[0].GetUpperBound())
	assert.Equal(uint64(2), buckets[0].GetCumulativeCount())
	assert.Equal(uint64(3), buckets[1].GetCumulativeCount())
	assert.True(buckets[1].GetUpperBound() >= 100.0)
}

func TestCollectQueryTextLabel(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	texts, err := querytrack.NewTextStore(store)
	assert.Nil(err)
	_, err = texts.Put(42, "SELECT * FROM orders WHERE id = ?", 1)
	assert.Nil(err)

	labels := map[string]string{"queryid": "42", "user": "app", "db": "orders"}
	assert.Nil(store.RecordHistogram(querytrack.MetricExecutionTime, labels, 12))

	families := gather(t, newCollector(store, texts))
	mf := families[querytrack.MetricExecutionTime]
	assert.NotNil(mf)
	got := map[string]string{}
	for _, l := range mf.Metric[0].Label {
		got[l.GetName()] = l.GetValue()
	}
	assert.Equal("SELECT * FROM orders WHERE id = ?", got["query"])
	assert.Equal("42", got["queryid"])
}
