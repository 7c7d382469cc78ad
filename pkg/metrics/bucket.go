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
	"fmt"
	"math"
	"time"

	glog "k8s.io/klog"

	"golang.org/x/time/rate"
)

// Bucketing maps observed values to exponentially spaced bucket upper
// bounds, the error-bounded sketch construction: any value lands in a
// bucket whose bound is within the variability factor of the value.
// Instances are immutable after construction and safe to share.
type Bucketing struct {
	gamma      float64
	logGamma   float64
	upperBound int64
	maxIndex   int64

	// truncation notices are informational; one every few seconds is
	// plenty even when every observation overflows
	notices *rate.Limiter
}

// NewBucketing derives the bucket geometry from a variability in
// (0, 1) and an upper bound, which is rounded up to the nearest bucket
// boundary so the top bucket is a real boundary rather than an
// arbitrary cutoff.
func NewBucketing(variability float64, upperBound int64) (*Bucketing, error) {
	if variability <= 0 || variability >= 1 {
		return nil, fmt.Errorf("%w: bucket variability %v outside (0, 1)", ErrInvalidInput, variability)
	}
	if upperBound < 1 {
		return nil, fmt.Errorf("%w: bucket upper bound %d below 1", ErrInvalidInput, upperBound)
	}
	gamma := (1 + variability) / (1 - variability)
	logGamma := math.Log(gamma)
	maxIndex := int64(math.Ceil(math.Log(float64(upperBound)) / logGamma))
	rounded := int64(math.Ceil(math.Pow(gamma, float64(maxIndex))))
	return &Bucketing{
		gamma:      gamma,
		logGamma:   logGamma,
		upperBound: rounded,
		maxIndex:   maxIndex,
		notices:    rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// BucketFor returns the upper bound of the bucket the value falls into
// and whether the value was truncated to the top bucket. Values below
// 1 share bucket 0. Truncation is not an error, the observation is
// still recorded against the clamped bound.
func (b *Bucketing) BucketFor(value float64) (int64, bool) {
	if value < 1.0 {
		return 0, false
	}
	index := int64(math.Ceil(math.Log(value) / b.logGamma))
	if index < 0 {
		index = 0
	}
	if index > b.maxIndex {
		if b.notices.Allow() {
			glog.Warningf("Histogram value %v exceeds bucket upper bound %d, truncating", value, b.upperBound)
		}
		return b.upperBound, true
	}
	return int64(math.Ceil(math.Pow(b.gamma, float64(index)))), false
}

// UpperBound returns the rounded top bucket boundary.
func (b *Bucketing) UpperBound() int64 {
	return b.upperBound
}

// Buckets enumerates every distinct bucket upper bound in ascending
// order, starting at 0. Adjacent indices whose rounded bounds collide
// are reported once.
func (b *Bucketing) Buckets() []int64 {
	bounds := []int64{0}
	for i := int64(0); i <= b.maxIndex; i++ {
		bound := int64(math.Ceil(math.Pow(b.gamma, float64(i))))
		if bound != bounds[len(bounds)-1] {
			bounds = append(bounds, bound)
		}
	}
	return bounds
}
