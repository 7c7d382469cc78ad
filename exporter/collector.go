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
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/pkg/metrics"
	"github.com/alibaba/shmetrics/pkg/querytrack"
)

// queryLabelMaxLen truncates query texts injected as label values so
// series stay within sane label size limits.
const queryLabelMaxLen = 200

// collector renders the shared store as Prometheus metrics on each
// scrape. It is an unchecked collector: series come and go with the
// store's contents, so no descriptors are announced up front.
type collector struct {
	store *metrics.Store
	texts *querytrack.TextStore
}

func newCollector(store *metrics.Store, texts *querytrack.TextStore) *collector {
	return &collector{store: store, texts: texts}
}

// Describe sends nothing, marking the collector unchecked.
func (c *collector) Describe(chan<- *prometheus.Desc) {}

// Collect snapshots the store and emits counters and gauges directly
// and histogram bucket/sum pairs reassembled into cumulative const
// histograms.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	entries, err := c.store.List()
	if err != nil {
		glog.Errorf("Scrape shared store: %v", err)
		return
	}

	type histogram struct {
		labels  map[string]string
		name    string
		buckets map[int64]int64
		sum     int64
	}
	histograms := map[string]*histogram{}

	for _, e := range entries {
		labels := c.withQueryText(e.Labels)
		switch e.Kind {
		case metrics.Counter:
			ch <- constMetric(e.Name, labels, prometheus.CounterValue, float64(e.Value))
		case metrics.Gauge:
			ch <- constMetric(e.Name, labels, prometheus.GaugeValue, float64(e.Value))
		case metrics.HistogramBucket, metrics.HistogramSum:
			key := e.Name + "\x00" + labelKey(labels)
			h := histograms[key]
			if h == nil {
				h = &histogram{name: e.Name, labels: labels, buckets: map[int64]int64{}}
				histograms[key] = h
			}
			if e.Kind == metrics.HistogramSum {
				h.sum = e.Value
			} else {
				h.buckets[e.Bucket] = e.Value
			}
		}
	}

	for _, h := range histograms {
		bounds := make([]int64, 0, len(h.buckets))
		for b := range h.buckets {
			bounds = append(bounds, b)
		}
		sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

		// Prometheus wants cumulative bucket counts
		cumulative := make(map[float64]uint64, len(bounds))
		var count uint64
		for _, b := range bounds {
			count += uint64(h.buckets[b])
			cumulative[float64(b)] = count
		}

		keys, values := splitLabels(h.labels)
		desc := prometheus.NewDesc(h.name, "shmetrics shared store histogram", keys, nil)
		ch <- prometheus.MustNewConstHistogram(desc, count, float64(h.sum), cumulative, values...)
	}
}

// withQueryText joins the stored query text into fingerprinted label
// sets, the way operators expect to see query series annotated.
func (c *collector) withQueryText(labels map[string]string) map[string]string {
	if c.texts == nil {
		return labels
	}
	qid, ok := labels["queryid"]
	if !ok {
		return labels
	}
	id, err := strconv.ParseUint(qid, 10, 64)
	if err != nil {
		return labels
	}
	text, found := c.texts.Get(id)
	if !found || text == "" {
		return labels
	}
	if len(text) > queryLabelMaxLen {
		text = text[:queryLabelMaxLen]
	}
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out["query"] = text
	return out
}

func constMetric(name string, labels map[string]string, vt prometheus.ValueType, v float64) prometheus.Metric {
	keys, values := splitLabels(labels)
	desc := prometheus.NewDesc(name, "shmetrics shared store metric", keys, nil)
	return prometheus.MustNewConstMetric(desc, vt, v, values...)
}

func splitLabels(labels map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}

func labelKey(labels map[string]string) string {
	keys, values := splitLabels(labels)
	var sb strings.Builder
	for i := range keys {
		sb.WriteString(keys[i])
		sb.WriteByte('=')
		sb.WriteString(values[i])
		sb.WriteByte(';')
	}
	return sb.String()
}
