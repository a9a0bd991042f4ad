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

// Package signal classifies raw PE link lines into edges and applies
// per-device debounce, the way ptp4u/server.handleEventMessage probes a
// wire message type and dispatches on it -- except the wire format here is
// CRLF-terminated ASCII, not a binary PTP message.
package signal

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Edge classifies one decoded line.
type Edge int

// The edge kinds the decoder recognizes.
const (
	Unknown Edge = iota
	TriggerRising
	SortRising
	Low
)

func (e Edge) String() string {
	switch e {
	case TriggerRising:
		return "TRIGGER_RISING"
	case SortRising:
		return "SORT_RISING"
	case Low:
		return "LOW"
	}
	return "UNKNOWN"
}

// Classify maps one line to an edge kind. isTriggerPE widens the trigger
// marker set to include the trigger PE's literal "010501#" alias.
func Classify(line string, isTriggerPE bool) Edge {
	switch {
	case strings.Contains(line, "OCCH1:1"):
		return TriggerRising
	case isTriggerPE && strings.Contains(line, "010501#"):
		return TriggerRising
	case strings.Contains(line, "OCCH2:1"):
		return SortRising
	case strings.Contains(line, "OCCH1:0"), strings.Contains(line, "OCCH2:0"):
		return Low
	default:
		return Unknown
	}
}

// deviceState tracks the debounce clock and abnormal-signal detection for
// one PE.
type deviceState struct {
	lastRising  time.Time
	consecutive int
	lastEdge    Edge
}

// Decoder splits buffered bytes into lines and classifies + debounces them
// per device. One Decoder instance serves every PE link in a running core;
// device state is keyed by PE name.
type Decoder struct {
	mu       sync.Mutex
	devices  map[string]*deviceState
	debounce time.Duration
}

// New returns a decoder applying the given global debounce interval.
func New(debounce time.Duration) *Decoder {
	return &Decoder{devices: make(map[string]*deviceState), debounce: debounce}
}

// Split breaks a buffer into complete, non-empty lines on CR/LF.
func Split(buf []byte) []string {
	raw := strings.FieldsFunc(string(buf), func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Process classifies one line from the named device and applies debounce.
// It returns the edge kind and whether it passed the decoder (false for
// Unknown and for a rising edge suppressed by debounce; true for Low, which
// never touches the debounce clock).
func (d *Decoder) Process(device, line string, isTriggerPE bool, now time.Time) (Edge, bool) {
	edge := Classify(line, isTriggerPE)

	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.devices[device]
	if !ok {
		st = &deviceState{}
		d.devices[device] = st
	}

	switch edge {
	case Unknown:
		return edge, false
	case Low:
		st.consecutive = 0
		st.lastEdge = edge
		return edge, true
	}

	// rising edge (trigger or sort)
	if edge == st.lastEdge {
		st.consecutive++
	} else {
		st.consecutive = 1
	}
	st.lastEdge = edge
	if st.consecutive >= 3 {
		log.Errorf("signal abnormal on %s: %d consecutive %s edges with no intervening low", device, st.consecutive, edge)
	}

	if !st.lastRising.IsZero() && now.Sub(st.lastRising) < d.debounce {
		log.Debugf("debounced %s rising edge on %s (%s since last)", edge, device, now.Sub(st.lastRising))
		return edge, false
	}
	st.lastRising = now
	return edge, true
}
