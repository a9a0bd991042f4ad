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

package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// promBridge mirrors Collector's counters into a private Prometheus
// registry, labeled by PE name. Kept separate from peCounters so the JSON
// snapshot path (fbclock/daemon's JSONStats) and the Prometheus path
// (sptp/stats.PrometheusExporter) can evolve independently even though both
// are fed from the same Inc*/Observe* calls.
type promBridge struct {
	registry        *prometheus.Registry
	matched         *prometheus.CounterVec
	unmatched       *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	sortDurationMs  *prometheus.HistogramVec
}

func newPromBridge(pes []string) *promBridge {
	b := &promBridge{
		registry: prometheus.NewRegistry(),
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pendulumsort_matched_total",
			Help: "Number of sort-rising edges matched to a parcel, by sort PE.",
		}, []string{"pe"}),
		unmatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pendulumsort_unmatched_total",
			Help: "Number of sort-rising edges with no eligible parcel, by sort PE.",
		}, []string{"pe"}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pendulumsort_command_failures_total",
			Help: "Number of device command send failures, by sort PE.",
		}, []string{"pe"}),
		sortDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pendulumsort_sort_duration_milliseconds",
			Help:    "Trigger-to-sorted duration in milliseconds, by sort PE.",
			Buckets: []float64{50, 100, 200, 300, 400, 500, 750, 1000, 2000},
		}, []string{"pe"}),
	}
	b.registry.MustRegister(b.matched, b.unmatched, b.commandFailures, b.sortDurationMs)
	for _, pe := range pes {
		b.matched.WithLabelValues(pe)
		b.unmatched.WithLabelValues(pe)
		b.commandFailures.WithLabelValues(pe)
	}
	return b
}

func (b *promBridge) incMatched(pe string)        { b.matched.WithLabelValues(pe).Inc() }
func (b *promBridge) incUnmatched(pe string)      { b.unmatched.WithLabelValues(pe).Inc() }
func (b *promBridge) incCommandFailure(pe string) { b.commandFailures.WithLabelValues(pe).Inc() }

func (b *promBridge) observeSortDuration(pe string, d time.Duration) {
	b.sortDurationMs.WithLabelValues(pe).Observe(float64(d.Milliseconds()))
}
