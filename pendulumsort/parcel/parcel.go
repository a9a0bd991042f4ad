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

// Package parcel owns the parcel record, the pending table, and the
// processing set. It is the only place a parcel's sort_state transitions,
// per the invariant that a parcel is in exactly one of: pending table,
// processing set, or gone.
package parcel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pendulumsort/core/pendulumsort/events"
	"github.com/pendulumsort/core/pendulumsort/topology"
)

// Sentinel errors rejected by Ingest, checked with errors.Is.
var (
	ErrServiceStopped   = errors.New("service not running")
	ErrDuplicateBarcode = errors.New("barcode already processing")
)

// SortState is a parcel's lifecycle state. It is monotone except that
// Error is terminal from any state and no transition follows Sorted.
type SortState int

// The four states a parcel passes through.
const (
	Pending SortState = iota
	Processing
	Sorted
	Error
)

func (s SortState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Processing:
		return "PROCESSING"
	case Sorted:
		return "SORTED"
	case Error:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Parcel is one in-flight record. TriggerTimestamp is immutable once set;
// every other field may change only through Table's methods.
type Parcel struct {
	Index            int64
	Barcode          string
	TargetChute      int
	TriggerTimestamp time.Time
	ProcessingTimeMs int64
	SortState        SortState
}

func (p *Parcel) snapshot() events.PackageSnapshot {
	return events.PackageSnapshot{
		Index:       p.Index,
		Barcode:     p.Barcode,
		TargetChute: p.TargetChute,
		State:       p.SortState.String(),
	}
}

// TriggerSource is the subset of triggerqueue.Queue that Ingest needs: a
// windowed match-and-consume over recent trigger timestamps.
type TriggerSource interface {
	MatchAndConsume(now time.Time, lower, upper time.Duration) (time.Time, bool)
}

// Timer arms and disarms the one-shot per-parcel timeout. A
// timerwheel.Wheel satisfies this by structural typing.
type Timer interface {
	Arm(key string, d time.Duration, fn func())
	Disarm(key string)
}

// ForceResetter enqueues a forced immediate reset on a sort PE's command
// queue, independent of that PE's pendulum state. A scheduler.Scheduler
// satisfies this.
type ForceResetter interface {
	ForceReset(pe string)
}

// processingEntry records when and where a barcode entered the processing
// set, for duplicate rejection and the dead-man reaper.
type processingEntry struct {
	Start time.Time
	PE    string
}

// Window is the slice of PE configuration Table needs to compute a parcel's
// timeout and trigger-match bounds: time_range_lower/upper_ms and
// sorting/reset delays are irrelevant here, only the match window and the
// sort-timeout derived from upper_ms.
type Window struct {
	LowerMs int
	UpperMs int
}

func (w Window) lower() time.Duration { return time.Duration(w.LowerMs) * time.Millisecond }
func (w Window) upper() time.Duration { return time.Duration(w.UpperMs) * time.Millisecond }

// Table is the pending-parcel table: parcel index -> record, plus the
// processing set and per-parcel timers. It is the only component that
// mutates SortState.
type Table struct {
	mu    sync.Mutex
	items map[int64]*Parcel

	processing map[string]processingEntry

	topo          topology.Topology
	triggerWindow Window
	peWindows     map[string]Window

	triggers               TriggerSource
	timer                  Timer
	resetter               ForceResetter
	sink                   events.Sink
	straightThroughTimeout time.Duration

	running bool
}

// NewTable returns an empty pending table wired to its collaborators.
// peWindows must contain an entry for every sort PE the topology knows
// about.
func NewTable(topo topology.Topology, triggerWindow Window, peWindows map[string]Window, straightThroughTimeout time.Duration, triggers TriggerSource, timer Timer, resetter ForceResetter, sink events.Sink) *Table {
	if sink == nil {
		sink = events.NoopSink{}
	}
	return &Table{
		items:                  make(map[int64]*Parcel),
		processing:             make(map[string]processingEntry),
		topo:                   topo,
		triggerWindow:          triggerWindow,
		peWindows:              peWindows,
		triggers:               triggers,
		timer:                  timer,
		resetter:               resetter,
		sink:                   sink,
		straightThroughTimeout: straightThroughTimeout,
	}
}

// Start marks the table as accepting ingests.
func (t *Table) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
}

// Stop marks the table as no longer accepting ingests and disposes every
// per-parcel timer still armed, so no stale timer fires a physical command
// after shutdown.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	for idx := range t.items {
		t.timer.Disarm(timerKey(idx))
	}
}

func timerKey(index int64) string {
	return fmt.Sprintf("parcel-timeout:%d", index)
}

// Ingest admits a newly-identified parcel into the pending table.
// presetTrigger is the parcel's trigger timestamp if already known by the
// caller; the zero value means "resolve it from the trigger queue".
func (t *Table) Ingest(now time.Time, index int64, barcode string, targetChute int, presetTrigger time.Time) (*Parcel, error) {
	t.mu.Lock()

	if !t.running {
		t.mu.Unlock()
		log.Warnf("ingest rejected for barcode %q: service stopped", barcode)
		return nil, ErrServiceStopped
	}
	if _, dup := t.processing[barcode]; dup {
		t.mu.Unlock()
		log.Warnf("ingest rejected for barcode %q: already processing", barcode)
		return nil, ErrDuplicateBarcode
	}

	p := &Parcel{Index: index, Barcode: barcode, TargetChute: targetChute}
	t.sink.PackageProcessing(now, p.snapshot())

	if !presetTrigger.IsZero() {
		p.TriggerTimestamp = presetTrigger
		p.ProcessingTimeMs = now.Sub(presetTrigger).Milliseconds()
	} else if ts, ok := t.triggers.MatchAndConsume(now, t.triggerWindow.lower(), t.triggerWindow.upper()); ok {
		p.TriggerTimestamp = ts
		p.ProcessingTimeMs = now.Sub(ts).Milliseconds()
	} else {
		log.Warnf("no trigger match for barcode %q at ingest; parcel may time out", barcode)
	}

	p.SortState = Pending
	t.items[index] = p

	pe, ownedBySortPE := t.topo.PEForSlot(targetChute)
	if ownedBySortPE {
		w := t.peWindows[pe]
		timeout := w.upper() + 500*time.Millisecond
		t.timer.Arm(timerKey(index), timeout, func() { t.sortTimeout(index, pe) })
	} else {
		t.timer.Arm(timerKey(index), t.straightThroughTimeout, func() { t.straightThroughTimeout_(index) })
	}

	t.mu.Unlock()
	return p, nil
}

// sortTimeout fires when a parcel destined for a sort PE never produced a
// matching sort-rising edge within its window.
func (t *Table) sortTimeout(index int64, pe string) {
	t.mu.Lock()
	p, ok := t.items[index]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.items, index)
	p.SortState = Error
	t.mu.Unlock()

	log.Errorf("sort timeout for parcel %d (barcode %q) on PE %s", p.Index, p.Barcode, pe)
	t.sink.SortingCompleted(p.snapshot())
	t.resetter.ForceReset(pe)
}

// straightThroughTimeout_ fires when a parcel destined for a chute outside
// any sort PE's ownership has had enough time to clear the line on its
// own. The trailing underscore avoids colliding with the
// straightThroughTimeout duration field.
func (t *Table) straightThroughTimeout_(index int64) {
	t.mu.Lock()
	p, ok := t.items[index]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.items, index)
	p.SortState = Sorted
	t.mu.Unlock()

	t.sink.SortingCompleted(p.snapshot())
}

// PendingAscending returns every parcel still Pending, in ascending index
// order, for the matcher to scan.
func (t *Table) PendingAscending() []*Parcel {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Parcel, 0, len(t.items))
	for _, p := range t.items {
		if p.SortState == Pending {
			out = append(out, p)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Index > out[j].Index; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// NextAfter returns the pending parcel with the smallest index strictly
// greater than after, if any, for the continuous-sort look-ahead that
// decides whether a reset can be skipped.
func (t *Table) NextAfter(after int64) (*Parcel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *Parcel
	for _, p := range t.items {
		if p.SortState != Pending || p.Index <= after {
			continue
		}
		if best == nil || p.Index < best.Index {
			best = p
		}
	}
	return best, best != nil
}

// MarkProcessing moves a matched parcel from Pending to Processing, inserts
// it into the processing set, and stops its timeout timer. It reports
// false if the parcel is no longer eligible (already claimed by a timeout
// or a concurrent match).
func (t *Table) MarkProcessing(index int64, pe string, now time.Time) (*Parcel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.items[index]
	if !ok || p.SortState != Pending {
		return nil, false
	}
	if _, dup := t.processing[p.Barcode]; dup {
		return nil, false
	}
	p.SortState = Processing
	t.processing[p.Barcode] = processingEntry{Start: now, PE: pe}
	t.timer.Disarm(timerKey(index))
	return p, true
}

// Complete removes a parcel from both the pending table and the processing
// set, sets its terminal state, and emits SortingCompleted.
func (t *Table) Complete(p *Parcel, final SortState) {
	t.mu.Lock()
	delete(t.items, p.Index)
	delete(t.processing, p.Barcode)
	p.SortState = final
	t.mu.Unlock()

	t.sink.SortingCompleted(p.snapshot())
}

// Abandon removes a parcel from the processing set without altering
// t.items or the parcel's SortState and without emitting any event, for a
// path that must release the processing-set slot without a normal
// completion.
func (t *Table) Abandon(p *Parcel) {
	t.mu.Lock()
	delete(t.processing, p.Barcode)
	t.mu.Unlock()
}

// Reap removes processing-set entries older than ttl, the dead-man reaper
// the watchdog runs periodically. It does not touch the pending table or
// emit events. A reaped parcel's timeout was already disarmed by
// MarkProcessing, so no timeout fires for it afterwards either.
func (t *Table) Reap(now time.Time, ttl time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []string
	for barcode, entry := range t.processing {
		if now.Sub(entry.Start) >= ttl {
			reaped = append(reaped, barcode)
			delete(t.processing, barcode)
		}
	}
	return reaped
}

// StateCounts returns the number of parcels in each sort_state across the
// pending table, for the watchdog's periodic audit.
func (t *Table) StateCounts() map[SortState]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[SortState]int, 4)
	for _, p := range t.items {
		counts[p.SortState]++
	}
	return counts
}
