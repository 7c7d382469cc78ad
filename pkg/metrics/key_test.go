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

func TestCanonicalLabels(t *testing.T) {
	assert := assert.New(t)

	raw, err := CanonicalLabels(nil)
	assert.Nil(err)
	assert.Nil(raw)
	raw, err = CanonicalLabels(map[string]string{})
	assert.Nil(err)
	assert.Nil(raw)

	// same content canonicalizes identically regardless of how the map
	// was built
	a, err := CanonicalLabels(map[string]string{"db": "orders", "user": "app"})
	assert.Nil(err)
	b, err := CanonicalLabels(map[string]string{"user": "app", "db": "orders"})
	assert.Nil(err)
	assert.Equal(string(a), string(b))

	c, err := CanonicalLabels(map[string]string{"db": "orders", "user": "web"})
	assert.Nil(err)
	assert.NotEqual(string(a), string(c))

	decoded, err := decodeLabels(a)
	assert.Nil(err)
	assert.Equal(map[string]string{"db": "orders", "user": "app"}, decoded)
}

func TestHashKeyDistinguishesFields(t *testing.T) {
	assert := assert.New(t)
	labels, err := CanonicalLabels(map[string]string{"db": "orders"})
	assert.Nil(err)

	base := hashKey("requests", labels, Counter, 0)
	assert.NotEqual(base, hashKey("requests2", labels, Counter, 0))
	assert.NotEqual(base, hashKey("requests", nil, Counter, 0))
	assert.NotEqual(base, hashKey("requests", labels, Gauge, 0))
	assert.NotEqual(base, hashKey("requests", labels, Counter, 7))
	assert.Equal(base, hashKey("requests", labels, Counter, 0))
}

func TestKindString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("counter", Counter.String())
	assert.Equal("gauge", Gauge.String())
	assert.Equal("histogram", HistogramBucket.String())
	assert.Equal("histogram_sum", HistogramSum.String())
	assert.Equal("unknown", Kind(42).String())
}
