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

package sorter

import (
	"time"

	"github.com/pendulumsort/core/pendulumsort/config"
	"github.com/pendulumsort/core/pendulumsort/parcel"
	"github.com/pendulumsort/core/pendulumsort/topology"
)

// matchGraceMs widens both ends of a PE's configured window by 10ms of
// tolerance on either side.
const matchGraceMs = 10 * time.Millisecond

// Matcher implements the sort-rising matching rule: given a rising edge on
// a sort PE, find the earliest pending parcel whose trigger timestamp falls
// within that PE's configured delay window.
type Matcher struct {
	topo  topology.Topology
	table *parcel.Table
	pes   map[string]config.PEConfig
}

// NewMatcher returns a matcher scanning table against topo, using pes for
// each sort PE's match window.
func NewMatcher(topo topology.Topology, table *parcel.Table, pes map[string]config.PEConfig) *Matcher {
	return &Matcher{topo: topo, table: table, pes: pes}
}

// Match scans pending parcels ascending by index and returns the first one
// eligible for pe at instant now, moving it to Processing. The second
// return value is false if no parcel matched.
func (m *Matcher) Match(pe string, now time.Time) (*parcel.Parcel, bool) {
	cfg, ok := m.pes[pe]
	if !ok {
		return nil, false
	}
	lower := cfg.LowerWindow() - matchGraceMs
	upper := cfg.UpperWindow() + matchGraceMs

	for _, p := range m.table.PendingAscending() {
		if p.TriggerTimestamp.IsZero() {
			continue
		}
		if !m.topo.SlotBelongsToPE(p.TargetChute, pe) {
			continue
		}
		delay := now.Sub(p.TriggerTimestamp)
		if delay < lower || delay > upper {
			continue
		}
		if matched, ok := m.table.MarkProcessing(p.Index, pe, now); ok {
			return matched, true
		}
	}
	return nil, false
}
