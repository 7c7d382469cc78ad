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

package arena

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// allocatedBytes tracks live payload bytes per segment
	allocatedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shmetrics_arena_allocated_bytes",
			Help: "Live payload bytes allocated in the shared arena",
		},
		[]string{"segment"},
	)
)

func reportAllocated(segment string, n uint64) {
	allocatedBytes.WithLabelValues(segment).Set(float64(n))
}
