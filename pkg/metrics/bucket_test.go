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
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestBucketingValidation(t *testing.T) {
	assert := assert.New(t)
	_, err := NewBucketing(0, 30000)
	assert.NotNil(err)
	_, err = NewBucketing(1, 30000)
	assert.NotNil(err)
	_, err = NewBucketing(0.1, 0)
	assert.NotNil(err)
	b, err := NewBucketing(0.1, 30000)
	assert.Nil(err)
	assert.NotNil(b)
}

func TestBucketForSmallValues(t *testing.T) {
	assert := assert.New(t)
	b, err := NewBucketing(0.1, 30000)
	assert.Nil(err)

	for _, v := range []float64{-5, 0, 0.5, 0.999} {
		bound, truncated := b.BucketFor(v)
		assert.Equal(int64(0), bound)
		assert.False(truncated)
	}
	bound, truncated := b.BucketFor(1.0)
	assert.False(truncated)
	assert.True(bound >= 1)
	assert.True(bound <= 2)
}

func TestBucketForCoversValue(t *testing.T) {
	assert := assert.New(t)
	b, err := NewBucketing(0.1, 30000)
	assert.Nil(err)

	prev := int64(0)
	for _, v := range []float64{1, 2, 10, 37, 100, 999, 5000, 29000} {
		bound, truncated := b.BucketFor(v)
		assert.False(truncated, "value %v", v)
		assert.True(float64(bound) >= v, "bound %d below value %v", bound, v)
		assert.True(bound >= prev)
		prev = bound
	}
}

func TestBucketForClamps(t *testing.T) {
	assert := assert.New(t)
	b, err := NewBucketing(0.1, 30000)
	assert.Nil(err)
	assert.True(b.UpperBound() >= 30000)

	top, truncated := b.BucketFor(float64(b.UpperBound()) * 2)
	assert.True(truncated)
	assert.Equal(b.UpperBound(), top)
	far, truncated := b.BucketFor(1e12)
	assert.True(truncated)
	assert.Equal(top, far)
}

func TestBuckets(t *testing.T) {
	assert := assert.New(t)
	b, err := NewBucketing(0.1, 30000)
	assert.Nil(err)

	bounds := b.Buckets()
	assert.True(len(bounds) > 2)
	assert.Equal(int64(0), bounds[0])
	for i := 1; i < len(bounds); i++ {
		assert.True(bounds[i] > bounds[i-1])
	}
	assert.Equal(b.UpperBound(), bounds[len(bounds)-1])

	// every assignable bound is in the list
	seen := make(map[int64]bool, len(bounds))
	for _, bd := range bounds {
		seen[bd] = true
	}
	for _, v := range []float64{0.5, 1, 7, 123, 29999} {
		bound, _ := b.BucketFor(v)
		assert.True(seen[bound], "bound %d for value %v not listed", bound, v)
	}
}
