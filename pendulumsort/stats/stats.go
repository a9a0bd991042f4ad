/*
Copyright (c) The pendulumsort Authors.

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

// Package stats implements the core's statistics collection: per-PE atomic
// counters, a welford running mean/stddev of sort duration, a JSON snapshot
// endpoint, and a Prometheus registry.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclesh/welford"
)

// PESnapshot is one sort PE's counters at the moment Snapshot was taken.
type PESnapshot struct {
	Matched             int64   `json:"matched"`
	Unmatched           int64   `json:"unmatched"`
	CommandFailures     int64   `json:"command_failures"`
	Samples             int64   `json:"sort_duration_samples"`
	SortDurationMeanMs  float64 `json:"sort_duration_mean_ms"`
	SortDurationStdevMs float64 `json:"sort_duration_stddev_ms"`
}

// Snapshot is a point-in-time copy of every known PE's counters, keyed by PE
// name, returned by Collector.Snapshot and serialized by the JSON handler.
type Snapshot map[string]PESnapshot

// peCounters holds one PE's live counters. matched/unmatched/commandFailures
// are plain atomics; sortDuration is a welford.Stats guarded by mu, since
// welford.Stats is not safe for concurrent use on its own.
type peCounters struct {
	matched         atomic.Int64
	unmatched       atomic.Int64
	commandFailures atomic.Int64
	samples         atomic.Int64

	mu           sync.Mutex
	sortDuration *welford.Stats
}

func newPECounters() *peCounters {
	return &peCounters{sortDuration: welford.New()}
}

func (c *peCounters) observe(d time.Duration) {
	c.mu.Lock()
	c.sortDuration.Add(float64(d.Milliseconds()))
	c.mu.Unlock()
	c.samples.Add(1)
}

func (c *peCounters) snapshot() PESnapshot {
	c.mu.Lock()
	mean := c.sortDuration.Mean()
	stddev := c.sortDuration.Stddev()
	c.mu.Unlock()

	return PESnapshot{
		Matched:             c.matched.Load(),
		Unmatched:           c.unmatched.Load(),
		CommandFailures:     c.commandFailures.Load(),
		Samples:             c.samples.Load(),
		SortDurationMeanMs:  nanToZero(mean),
		SortDurationStdevMs: nanToZero(stddev),
	}
}

func (c *peCounters) reset() {
	c.matched.Store(0)
	c.unmatched.Store(0)
	c.commandFailures.Store(0)
	c.samples.Store(0)
	c.mu.Lock()
	c.sortDuration = welford.New()
	c.mu.Unlock()
}

func nanToZero(v float64) float64 {
	if v != v { // NaN, e.g. Stddev() before any samples
		return 0
	}
	return v
}

// Collector implements sorter.Metrics, accumulating per-PE counters and
// running sort-duration statistics. The zero value is not usable; construct
// with New.
type Collector struct {
	mu  sync.RWMutex
	pes map[string]*peCounters

	prom *promBridge
}

// New returns a Collector with a counters bucket pre-created for every name
// in pes, so Snapshot always reports a complete PE list even before any
// event has been observed.
func New(pes []string) *Collector {
	c := &Collector{pes: make(map[string]*peCounters, len(pes))}
	for _, pe := range pes {
		c.pes[pe] = newPECounters()
	}
	c.prom = newPromBridge(pes)
	return c
}

func (c *Collector) counters(pe string) *peCounters {
	c.mu.RLock()
	pc, ok := c.pes[pe]
	c.mu.RUnlock()
	if ok {
		return pc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok := c.pes[pe]; ok {
		return pc
	}
	pc = newPECounters()
	c.pes[pe] = pc
	return pc
}

// ObserveSortDuration implements sorter.Metrics.
func (c *Collector) ObserveSortDuration(pe string, d time.Duration) {
	c.counters(pe).observe(d)
	c.prom.observeSortDuration(pe, d)
}

// IncMatched implements sorter.Metrics.
func (c *Collector) IncMatched(pe string) {
	c.counters(pe).matched.Add(1)
	c.prom.incMatched(pe)
}

// IncUnmatched implements sorter.Metrics.
func (c *Collector) IncUnmatched(pe string) {
	c.counters(pe).unmatched.Add(1)
	c.prom.incUnmatched(pe)
}

// IncCommandFailure implements sorter.Metrics.
func (c *Collector) IncCommandFailure(pe string) {
	c.counters(pe).commandFailures.Add(1)
	c.prom.incCommandFailure(pe)
}

// Snapshot returns a copy of every known PE's counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(Snapshot, len(c.pes))
	for pe, pc := range c.pes {
		out[pe] = pc.snapshot()
	}
	return out
}

// Reset zeroes every counter reported by Snapshot, keeping the known PE
// list. The Prometheus counters and histogram are not reset.
func (c *Collector) Reset() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, pc := range c.pes {
		pc.reset()
	}
}
