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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server exposes a Collector's snapshot as JSON on "/" (fbclock/daemon's
// JSONStats convention) and as Prometheus samples on "/metrics"
// (sptp/stats.PrometheusExporter's registry-backed promhttp handler).
type Server struct {
	collector *Collector
}

// NewServer returns a monitoring HTTP server backed by collector.
func NewServer(collector *Collector) *Server {
	return &Server{collector: collector}
}

// ListenAndServe blocks serving the monitoring endpoints on monitoringPort.
// Mirrors fbclock/daemon.JSONStats.Start's "log then ListenAndServe" shape.
func (s *Server) ListenAndServe(monitoringPort int) error {
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("starting stats http server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler returns the counters ("/") and Prometheus ("/metrics") routes as a
// single mux, so a caller that needs additional routes on the same port
// (pendulumsortd's status/events endpoints) can compose it into a bigger
// mux instead of calling ListenAndServe directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSnapshot)
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.prom.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.collector.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("stats server: failed to reply: %v", err)
	}
}
