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

package supervisor

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// PEStatus is one sort PE's combined status: pendulum direction, device
// connectivity, and its running counters, for the `status` CLI subcommand.
type PEStatus struct {
	PE                 string  `json:"pe"`
	Direction          string  `json:"direction"`
	Connected          bool    `json:"connected"`
	Matched            int64   `json:"matched"`
	Unmatched          int64   `json:"unmatched"`
	CommandFailures    int64   `json:"command_failures"`
	SortDurationMeanMs float64 `json:"sort_duration_mean_ms"`
}

// Status returns the combined status of every sort PE the topology knows
// about, ordered however topo.SortPEs() returns them.
func (s *Supervisor) Status() []PEStatus {
	snap := s.collector.Snapshot()
	out := make([]PEStatus, 0, len(s.topo.SortPEs()))
	for _, pe := range s.topo.SortPEs() {
		dir := "UNKNOWN"
		if pend, ok := s.engine.Pendulum(pe); ok {
			dir = pend.Direction().String()
		}
		counters := snap[pe]
		out = append(out, PEStatus{
			PE:                 pe,
			Direction:          dir,
			Connected:          s.LinkConnected(pe),
			Matched:            counters.Matched,
			Unmatched:          counters.Unmatched,
			CommandFailures:    counters.CommandFailures,
			SortDurationMeanMs: counters.SortDurationMeanMs,
		})
	}
	return out
}

// StatusHandler serves the combined per-PE status as JSON, for
// `pendulumsortd status --addr`.
func (s *Supervisor) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Status())
}

// eventRecord is the JSON shape one published event is rendered as; Data is
// left as whatever the underlying Sink stored (a PackageSnapshot, a PE name,
// or a connection-change struct), matching whatever json.Marshal does with
// it.
type eventRecord struct {
	At   string `json:"at"`
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// EventsHandler serves the most recent published events as JSON, for
// `pendulumsortd events --addr`.
func (s *Supervisor) EventsHandler(w http.ResponseWriter, r *http.Request) {
	n := 50
	recent := s.sink.Recent(n)
	out := make([]eventRecord, 0, len(recent))
	for _, rec := range recent {
		out = append(out, eventRecord{At: rec.At.Format("2006-01-02T15:04:05.000Z07:00"), Kind: rec.Kind, Data: rec.Data})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("supervisor: failed to write http response: %v", err)
	}
}
