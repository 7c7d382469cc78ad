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
	"path/filepath"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"github.com/alibaba/shmetrics/pkg/metrics"
)

func newTestStore(t *testing.T) (*metrics.Store, *metrics.Config) {
	assert := assert.New(t)
	cfg := metrics.NewConfig()
	cfg.Path = filepath.Join(t.TempDir(), "qt.seg")
	cfg.SegmentMaxBytes = 1 << 20
	cfg.InitialBytes = 64 << 10
	s, err := metrics.NewStore(cfg)
	assert.Nil(err)
	t.Cleanup(func() { s.Close() })
	return s, cfg
}

func TestTextStoreFirstWriteWins(t *testing.T) {
	assert := assert.New(t)
	store, _ := newTestStore(t)
	texts, err := NewTextStore(store)
	assert.Nil(err)

	created, err := texts.Put(42, "SELECT * FROM orders WHERE id = ?", 100)
	assert.Nil(err)
	assert.True(created)

	// a second writer loses and the original text survives
	created, err = texts.Put(42, "some other text", 200)
	assert.Nil(err)
	assert.False(created)
	text, found := texts.Get(42)
	assert.True(found)
	assert.Equal("SELECT * FROM orders WHERE id = ?", text)
	assert.Equal(1, texts.Len())

	_, found = texts.Get(7)
	assert.False(found)
}

func TestTextStoreDeleteAndList(t *testing.T) {
	assert := assert.New(t)
	store, _ := newTestStore(t)
	texts, err := NewTextStore(store)
	assert.Nil(err)

	_, err = texts.Put(3, "three", 30)
	assert.Nil(err)
	_, err = texts.Put(1, "one", 10)
	assert.Nil(err)
	_, err = texts.Put(2, "", 20)
	assert.Nil(err)

	list := texts.List()
	assert.Equal(3, len(list))
	assert.Equal(TextEntry{Fingerprint: 1, Text: "one", FirstSeen: 10}, list[0])
	assert.Equal(TextEntry{Fingerprint: 2, Text: "", FirstSeen: 20}, list[1])
	assert.Equal(TextEntry{Fingerprint: 3, Text: "three", FirstSeen: 30}, list[2])

	assert.True(texts.Delete(2))
	assert.False(texts.Delete(2))
	assert.Equal(2, texts.Len())
}

func TestTextStoreSharedAcrossAttachments(t *testing.T) {
	assert := assert.New(t)
	store1, cfg := newTestStore(t)
	texts1, err := NewTextStore(store1)
	assert.Nil(err)

	store2, err := metrics.NewStore(cfg)
	assert.Nil(err)
	defer store2.Close()
	texts2, err := NewTextStore(store2)
	assert.Nil(err)

	_, err = texts1.Put(42, "shared text", 1)
	assert.Nil(err)
	text, found := texts2.Get(42)
	assert.True(found)
	assert.Equal("shared text", text)
}

func TestSaveText(t *testing.T) {
	assert := assert.New(t)
	store, _ := newTestStore(t)
	texts, err := NewTextStore(store)
	assert.Nil(err)
	tracker := NewTracker(NewConfig(), store, texts)
	tracker.now = func() time.Time { return time.Unix(500, 0) }

	sql := "SELECT * FROM orders WHERE id = 42"
	q := QueryRef{Fingerprint: Fingerprint(sql), User: "app", Database: "orders"}
	assert.Nil(tracker.SaveText(q, sql))
	text, found := texts.Get(q.Fingerprint)
	assert.True(found)
	assert.Equal("SELECT * FROM orders WHERE id = ?", text)

	// the repeat hits the local cache and leaves the stored text alone
	assert.Nil(tracker.SaveText(q, "SELECT * FROM orders WHERE id = 7"))
	assert.Equal(1, texts.Len())
}

func TestSaveTextTruncates(t *testing.T) {
	assert := assert.New(t)
	store, _ := newTestStore(t)
	texts, err := NewTextStore(store)
	assert.Nil(err)
	cfg := NewConfig()
	cfg.MaxTextLen = 10
	tracker := NewTracker(cfg, store, texts)

	q := QueryRef{Fingerprint: 9, User: "app", Database: "orders"}
	assert.Nil(tracker.SaveText(q, "SELECT something_long FROM t"))
	text, found := texts.Get(9)
	assert.True(found)
	assert.Equal(10, len(text))
}
