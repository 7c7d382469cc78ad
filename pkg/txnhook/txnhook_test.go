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

package txnhook

import (
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/require"

	"github.com/alibaba/shmetrics/pkg/metrics"
)

func TestOnEvent(t *testing.T) {
	assert := assert.New(t)
	cfg := metrics.NewConfig()
	cfg.Path = filepath.Join(t.TempDir(), "txn.seg")
	cfg.SegmentMaxBytes = 1 << 20
	cfg.InitialBytes = 64 << 10
	store, err := metrics.NewStore(cfg)
	assert.Nil(err)
	defer store.Close()

	hook := New(store)
	hook.OnEvent(EventCommit)
	hook.OnEvent(EventCommit)
	hook.OnEvent(EventAbort)
	hook.OnEvent(Event(99))

	entries, err := store.List()
	assert.Nil(err)
	assert.Equal(2, len(entries))
	assert.Equal(MetricAborts, entries[0].Name)
	assert.Equal(int64(1), entries[0].Value)
	assert.Equal(MetricCommits, entries[1].Name)
	assert.Equal(int64(2), entries[1].Value)
}

func TestOnEventDisabledStore(t *testing.T) {
	assert := assert.New(t)
	cfg := metrics.NewConfig()
	cfg.Path = filepath.Join(t.TempDir(), "txn.seg")
	cfg.SegmentMaxBytes = 1 << 20
	cfg.InitialBytes = 64 << 10
	cfg.Enabled = false
	store, err := metrics.NewStore(cfg)
	assert.Nil(err)
	defer store.Close()

	// must not panic or error out
	New(store).OnEvent(EventCommit)
	entries, err := store.List()
	assert.Nil(err)
	assert.Equal(0, len(entries))
}
