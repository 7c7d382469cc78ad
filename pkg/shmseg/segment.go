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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	glog "k8s.io/klog"
)

var (
	// ErrClosed the segment mapping has been torn down
	ErrClosed = errors.New("segment is closed")
)

// Segment is a named shared memory region backed by a file, normally on
// tmpfs. Every participating process opens the same path and receives its
// own mapping of the same physical pages. The file is truncated to the
// full ceiling up front; tmpfs commits pages lazily, so actual memory use
// follows the touched range, not the file size.
type Segment struct {
	path string
	f    *os.File
	data []byte
}

// Create opens (creating if needed) the segment at path with the given
// byte ceiling and maps it. The file size is idempotent: re-creating an
// existing segment with the same size is a no-op at the file level.
func Create(path string, size int64) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size: %d", size)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size segment %s to %d: %w", path, size, err)
	}
	return mapSegment(path, f, size)
}

// Open maps an existing segment. The mapping covers the current file
// size, which for segments made by Create is the full ceiling.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	return mapSegment(path, f, st.Size())
}

func mapSegment(path string, f *os.File, size int64) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %s: %w", path, err)
	}
	glog.V(4).Infof("Mapped segment %s, %d bytes", path, size)
	return &Segment{path: path, f: f, data: data}, nil
}

// Bytes returns the local mapping. The slice is only valid until Close.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Size returns the mapped length in bytes.
func (s *Segment) Size() int64 {
	return int64(len(s.data))
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// InitLock acquires the segment's named lock, used to serialize one-time
// initialization across processes. Blocks until the lock is granted.
func (s *Segment) InitLock() error {
	if s.f == nil {
		return ErrClosed
	}
	if err := unix.Flock(int(s.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock segment %s: %w", s.path, err)
	}
	return nil
}

// InitUnlock releases the named lock taken by InitLock.
func (s *Segment) InitUnlock() error {
	if s.f == nil {
		return ErrClosed
	}
	if err := unix.Flock(int(s.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock segment %s: %w", s.path, err)
	}
	return nil
}

// Close unmaps the segment and closes the backing file. The shared data
// itself is untouched; other processes keep their mappings.
func (s *Segment) Close() error {
	if s.f == nil {
		return nil
	}
	data := s.data
	s.data = nil
	f := s.f
	s.f = nil
	if err := unix.Munmap(data); err != nil {
		f.Close()
		return fmt.Errorf("unmap segment %s: %w", s.path, err)
	}
	glog.V(4).Infof("Unmapped segment %s", s.path)
	return f.Close()
}

// Remove unlinks the backing file. Meant for administrative cleanup and
// tests; live mappings in other processes survive the unlink.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
