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
	"errors"

	"github.com/alibaba/shmetrics/pkg/arena"
)

var (
	// ErrNotInitialized the shared store was never initialized by an
	// owning process; callers should treat this as fatal.
	ErrNotInitialized = errors.New("metrics store not initialized")
	// ErrInvalidInput the operation's arguments are malformed. The
	// returned error wraps this sentinel with detail.
	ErrInvalidInput = errors.New("invalid metrics input")
	// ErrOutOfMemory the shared arena is exhausted; the operation had
	// no effect and may be retried after deletes or clear.
	ErrOutOfMemory = arena.ErrOutOfMemory
	// ErrNameTooLongForHistogram the name would exceed the limit once
	// the exported bucket suffix is appended.
	ErrNameTooLongForHistogram = errors.New("metric name too long for histogram")
	// ErrNotRecorded collection is disabled; the operation was a no-op.
	// Benign, callers normally skip it.
	ErrNotRecorded = errors.New("metric not recorded: collection disabled")
)
