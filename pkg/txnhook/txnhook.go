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

// Package txnhook counts transaction outcomes in the shared store. It
// is the smallest useful collaborator: plug the callback into whatever
// drives transactions and commits and aborts show up as counters.
package txnhook

import (
	"errors"

	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/pkg/metrics"
)

// Event is a transaction outcome.
type Event int

const (
	// EventCommit the transaction committed
	EventCommit Event = iota
	// EventAbort the transaction rolled back
	EventAbort
)

// Counter names filed per outcome.
const (
	MetricCommits = "transactions_commit"
	MetricAborts  = "transactions_abort"
)

// Counter is the single store operation the hook needs. *metrics.Store
// satisfies it.
type Counter interface {
	IncrementCounter(name string, labels map[string]string) (int64, error)
}

// Hook turns transaction events into counter increments.
type Hook struct {
	counter Counter
}

// New builds a hook counting through the given store.
func New(counter Counter) *Hook {
	return &Hook{counter: counter}
}

// OnEvent counts one transaction outcome. Unknown events are ignored,
// and recording failures never propagate: metrics must not break the
// transaction path they observe.
func (h *Hook) OnEvent(event Event) {
	var name string
	switch event {
	case EventCommit:
		name = MetricCommits
	case EventAbort:
		name = MetricAborts
	default:
		return
	}
	if _, err := h.counter.IncrementCounter(name, nil); err != nil &&
		!errors.Is(err, metrics.ErrNotRecorded) {
		glog.Errorf("Count transaction %s: %v", name, err)
	}
}
