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

	"github.com/spf13/pflag"
)

const (
	// DefaultSegmentPath is where the shared segment lives unless
	// overridden; tmpfs keeps it memory resident.
	DefaultSegmentPath = "/dev/shm/shmetrics.seg"

	defaultSegmentMaxBytes   = 64 << 20
	defaultInitialBytes      = 1 << 20
	defaultBucketVariability = 0.1
	defaultBucketsUpperBound = 30000
)

// Config carries everything needed to create or attach a store. All
// attachments to one segment must agree on the bucket parameters,
// otherwise the same observation lands in different buckets per
// process.
type Config struct {
	// Path names the segment file shared by all participating processes.
	Path string
	// SegmentMaxBytes is the hard ceiling the arena may grow to.
	SegmentMaxBytes int64
	// InitialBytes is the logical arena size at creation; it doubles on
	// demand up to the ceiling.
	InitialBytes int64
	// Enabled gates all mutating operations. A disabled store reports
	// ErrNotRecorded instead of touching shared memory.
	Enabled bool
	// BucketVariability bounds the relative error of histogram buckets.
	BucketVariability float64
	// BucketsUpperBound clamps the largest bucket boundary.
	BucketsUpperBound int64
}

// NewConfig returns a config with the default values filled in.
func NewConfig() *Config {
	return &Config{
		Path:              DefaultSegmentPath,
		SegmentMaxBytes:   defaultSegmentMaxBytes,
		InitialBytes:      defaultInitialBytes,
		Enabled:           true,
		BucketVariability: defaultBucketVariability,
		BucketsUpperBound: defaultBucketsUpperBound,
	}
}

// InitFlags registers the store's flags on the given flag set.
func (c *Config) InitFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Path, "segment-path", c.Path, "path of the shared metrics segment file")
	fs.Int64Var(&c.SegmentMaxBytes, "segment-max-bytes", c.SegmentMaxBytes, "ceiling the shared arena may grow to")
	fs.Int64Var(&c.InitialBytes, "segment-initial-bytes", c.InitialBytes, "initial logical size of the shared arena")
	fs.BoolVar(&c.Enabled, "metrics-enabled", c.Enabled, "record metrics; when false mutating operations are no-ops")
	fs.Float64Var(&c.BucketVariability, "bucket-variability", c.BucketVariability, "relative error bound of histogram buckets, in [0.01, 1)")
	fs.Int64Var(&c.BucketsUpperBound, "buckets-upper-bound", c.BucketsUpperBound, "largest histogram bucket boundary before clamping")
}

// Validate rejects configs a store cannot be built from.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: empty segment path", ErrInvalidInput)
	}
	if c.SegmentMaxBytes < 64<<10 {
		return fmt.Errorf("%w: segment ceiling %d too small", ErrInvalidInput, c.SegmentMaxBytes)
	}
	if c.InitialBytes <= 0 || c.InitialBytes > c.SegmentMaxBytes {
		return fmt.Errorf("%w: initial size %d outside (0, %d]", ErrInvalidInput, c.InitialBytes, c.SegmentMaxBytes)
	}
	if c.BucketVariability < 0.01 || c.BucketVariability >= 1.0 {
		return fmt.Errorf("%w: bucket variability %v outside [0.01, 1.0)", ErrInvalidInput, c.BucketVariability)
	}
	if c.BucketsUpperBound < 1 {
		return fmt.Errorf("%w: buckets upper bound %d below 1", ErrInvalidInput, c.BucketsUpperBound)
	}
	return nil
}
