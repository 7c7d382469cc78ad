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

// metrics-bench drives load into the shared metrics segment. Hot mode
// hammers a small fixed key set to measure contended update throughput;
// churn mode inserts a unique key per operation to measure allocation
// and directory growth.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/ivpusic/grpool"
	"github.com/pborman/uuid"
	"github.com/spf13/cobra"
	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/pkg/metrics"
)

var opts struct {
	mode        string
	workers     int
	ops         int
	hotKeys     int
	histograms  bool
	storeConfig *metrics.Config
}

func main() {
	logFlags := flag.NewFlagSet("log", flag.ExitOnError)
	glog.InitFlags(logFlags)

	opts.storeConfig = metrics.NewConfig()
	command := &cobra.Command{
		Use:   "metrics-bench",
		Short: "metrics-bench",
		Long:  "metrics-bench generates load against the shared metrics segment.",
		RunE: func(command *cobra.Command, args []string) error {
			return run()
		},
	}
	command.Flags().AddGoFlagSet(logFlags)
	command.Flags().StringVar(&opts.mode, "mode", "hot", "Load shape: hot (few contended keys) or churn (unique key per op).")
	command.Flags().IntVar(&opts.workers, "workers", 8, "Concurrent workers.")
	command.Flags().IntVar(&opts.ops, "ops", 100000, "Total operations to issue.")
	command.Flags().IntVar(&opts.hotKeys, "hot-keys", 16, "Distinct keys in hot mode.")
	command.Flags().BoolVar(&opts.histograms, "histograms", false, "Record histograms instead of counters.")
	opts.storeConfig.InitFlags(command.Flags())
	defer glog.Flush()

	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if opts.mode != "hot" && opts.mode != "churn" {
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
	store, err := metrics.NewStore(opts.storeConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	// distinct runs get distinct label sets, so repeated benchmarks
	// against one segment stay apart
	run := uuid.New()
	glog.Infof("Bench run %s: mode=%s workers=%d ops=%d", run, opts.mode, opts.workers, opts.ops)

	pool := grpool.NewPool(opts.workers, opts.workers)
	defer pool.Release()

	var issued, failed, oom int64
	start := time.Now()
	pool.WaitCount(opts.ops)
	for i := 0; i < opts.ops; i++ {
		op := i
		pool.JobQueue <- func() {
			defer pool.JobDone()
			if err := doOp(store, run, op); err != nil {
				if errors.Is(err, metrics.ErrOutOfMemory) {
					atomic.AddInt64(&oom, 1)
				} else {
					atomic.AddInt64(&failed, 1)
					glog.V(4).Infof("Op %d failed: %v", op, err)
				}
				return
			}
			atomic.AddInt64(&issued, 1)
		}
	}
	pool.WaitAll()
	elapsed := time.Since(start)

	stats, err := store.ArenaStats()
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %d ops in %v (%.0f ops/s), %d failed, %d out-of-memory\n",
		run, issued, elapsed, float64(issued)/elapsed.Seconds(), failed, oom)
	fmt.Printf("arena: %d/%d bytes allocated, bump %d\n",
		stats.AllocatedBytes, stats.Ceiling, stats.BumpOffset)
	return nil
}

func doOp(store *metrics.Store, run string, op int) error {
	var name string
	if opts.mode == "hot" {
		name = fmt.Sprintf("bench_hot_%d", op%opts.hotKeys)
	} else {
		name = fmt.Sprintf("bench_churn_%d", op)
	}
	labels := map[string]string{"run": run}
	if opts.histograms {
		return store.RecordHistogram(name, labels, float64(op%10000))
	}
	_, err := store.IncrementCounter(name, labels)
	return err
}
