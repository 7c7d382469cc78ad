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

package shmseg

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestCreateOpenShare(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "seg")

	s1, err := Create(path, 64<<10)
	assert.Nil(err)
	defer s1.Close()
	assert.Equal(int64(64<<10), s1.Size())
	assert.Equal(path, s1.Path())

	// a second mapping of the same file sees writes from the first
	s2, err := Open(path)
	assert.Nil(err)
	defer s2.Close()
	assert.Equal(s1.Size(), s2.Size())

	copy(s1.Bytes()[100:], "hello")
	assert.Equal("hello", string(s2.Bytes()[100:105]))
	s2.Bytes()[100] = 'j'
	assert.Equal("jello", string(s1.Bytes()[100:105]))
}

func TestCreateIdempotent(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "seg")

	s1, err := Create(path, 64<<10)
	assert.Nil(err)
	defer s1.Close()
	copy(s1.Bytes(), "data")

	// re-create keeps the contents
	s2, err := Create(path, 64<<10)
	assert.Nil(err)
	defer s2.Close()
	assert.Equal("data", string(s2.Bytes()[:4]))
}

func TestClose(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "seg")

	s, err := Create(path, 64<<10)
	assert.Nil(err)
	assert.Nil(s.Close())
	assert.Nil(s.Close())
	assert.Equal(ErrClosed, s.InitLock())

	// data survives close, only the mapping is gone
	s2, err := Open(path)
	assert.Nil(err)
	defer s2.Close()
	assert.Nil(Remove(path))
	assert.Nil(Remove(path))
}

func TestByteOrderHelpers(t *testing.T) {
	assert := assert.New(t)
	buf := make([]byte, 64)

	atomic.StoreUint64(Uint64At(buf, 8), 0xdeadbeef)
	assert.Equal(uint64(0xdeadbeef), ByteOrder.Uint64(buf[8:]))
	ByteOrder.PutUint32(buf[32:], 77)
	assert.Equal(uint32(77), atomic.LoadUint32(Uint32At(buf, 32)))
	atomic.StoreInt64(Int64At(buf, 40), -12)
	assert.Equal(int64(-12), int64(ByteOrder.Uint64(buf[40:])))
}

func TestMutex(t *testing.T) {
	assert := assert.New(t)
	buf := make([]byte, 64)
	m := MutexAt(buf, 16)

	assert.True(m.TryLock())
	assert.False(m.TryLock())
	m.Unlock()
	assert.True(m.TryLock())
	m.Unlock()

	// counter protected by the shared-word mutex
	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Lock()
				n++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(int64(8000), n)
}
