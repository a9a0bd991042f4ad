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

package parcel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pendulumsort/core/pendulumsort/events"
	"github.com/pendulumsort/core/pendulumsort/topology"
)

// fakeTriggers is a canned TriggerSource for tests that don't exercise the
// real triggerqueue package.
type fakeTriggers struct {
	ts      time.Time
	matched bool
}

func (f *fakeTriggers) MatchAndConsume(now time.Time, lower, upper time.Duration) (time.Time, bool) {
	if !f.matched {
		return time.Time{}, false
	}
	f.matched = false
	return f.ts, true
}

// fakeTimer runs Arm callbacks synchronously under Fire, and records Disarm
// calls, so tests can drive timeouts deterministically without sleeping.
type fakeTimer struct {
	mu      sync.Mutex
	armed   map[string]func()
	disarms []string
}

func newFakeTimer() *fakeTimer { return &fakeTimer{armed: make(map[string]func())} }

func (f *fakeTimer) Arm(key string, d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[key] = fn
}

func (f *fakeTimer) Disarm(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.armed, key)
	f.disarms = append(f.disarms, key)
}

func (f *fakeTimer) Fire(key string) {
	f.mu.Lock()
	fn, ok := f.armed[key]
	f.mu.Unlock()
	if ok {
		fn()
	}
}

type fakeResetter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeResetter) ForceReset(pe string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pe)
}

type recordingSink struct {
	events.NoopSink
	mu        sync.Mutex
	completed []events.PackageSnapshot
}

func (r *recordingSink) SortingCompleted(pkg events.PackageSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, pkg)
}

func newTestTable(t *fakeTriggers, timer *fakeTimer, resetter *fakeResetter, sink events.Sink) *Table {
	topo := topology.NewSingle("default")
	windows := map[string]Window{"default": {LowerMs: 350, UpperMs: 600}}
	tbl := NewTable(topo, Window{LowerMs: 250, UpperMs: 450}, windows, 2*time.Second, t, timer, resetter, sink)
	tbl.Start()
	return tbl
}

func TestIngestRejectsWhenStopped(t *testing.T) {
	tbl := newTestTable(&fakeTriggers{}, newFakeTimer(), &fakeResetter{}, nil)
	tbl.Stop()
	_, err := tbl.Ingest(time.Now(), 1, "A", 1, time.Time{})
	if !errors.Is(err, ErrServiceStopped) {
		t.Fatalf("Ingest() = %v, want ErrServiceStopped", err)
	}
}

func TestIngestRejectsDuplicateProcessing(t *testing.T) {
	timer := newFakeTimer()
	tbl := newTestTable(&fakeTriggers{}, timer, &fakeResetter{}, nil)
	now := time.Now()
	if _, err := tbl.Ingest(now, 1, "A", 1, now); err != nil {
		t.Fatalf("first Ingest() = %v", err)
	}
	if _, ok := tbl.MarkProcessing(1, "default", now); !ok {
		t.Fatalf("MarkProcessing() = false, want true")
	}
	_, err := tbl.Ingest(now, 2, "A", 1, now)
	if !errors.Is(err, ErrDuplicateBarcode) {
		t.Fatalf("Ingest() = %v, want ErrDuplicateBarcode", err)
	}
}

func TestIngestResolvesPresetTrigger(t *testing.T) {
	timer := newFakeTimer()
	tbl := newTestTable(&fakeTriggers{}, timer, &fakeResetter{}, nil)
	trigger := time.Now()
	now := trigger.Add(20 * time.Millisecond)
	p, err := tbl.Ingest(now, 1, "A", 1, trigger)
	if err != nil {
		t.Fatalf("Ingest() = %v", err)
	}
	if p.TriggerTimestamp != trigger {
		t.Errorf("TriggerTimestamp = %v, want %v", p.TriggerTimestamp, trigger)
	}
	if p.ProcessingTimeMs != 20 {
		t.Errorf("ProcessingTimeMs = %d, want 20", p.ProcessingTimeMs)
	}
}

func TestIngestResolvesTriggerFromQueue(t *testing.T) {
	trigger := time.Now()
	ft := &fakeTriggers{ts: trigger, matched: true}
	tbl := newTestTable(ft, newFakeTimer(), &fakeResetter{}, nil)
	now := trigger.Add(40 * time.Millisecond)
	p, err := tbl.Ingest(now, 1, "A", 1, time.Time{})
	if err != nil {
		t.Fatalf("Ingest() = %v", err)
	}
	if p.TriggerTimestamp != trigger {
		t.Errorf("TriggerTimestamp = %v, want %v", p.TriggerTimestamp, trigger)
	}
}

func TestIngestNoTriggerMatchLeavesTimestampZero(t *testing.T) {
	tbl := newTestTable(&fakeTriggers{}, newFakeTimer(), &fakeResetter{}, nil)
	now := time.Now()
	p, err := tbl.Ingest(now, 1, "A", 1, time.Time{})
	if err != nil {
		t.Fatalf("Ingest() = %v", err)
	}
	if !p.TriggerTimestamp.IsZero() {
		t.Errorf("TriggerTimestamp = %v, want zero", p.TriggerTimestamp)
	}
}

func TestSortTimeoutFiresForceResetAndCompletion(t *testing.T) {
	timer := newFakeTimer()
	resetter := &fakeResetter{}
	sink := &recordingSink{}
	tbl := newTestTable(&fakeTriggers{}, timer, resetter, sink)
	now := time.Now()
	tbl.Ingest(now, 1, "A", 1, now)

	timer.Fire(timerKey(1))

	if len(resetter.calls) != 1 || resetter.calls[0] != "default" {
		t.Fatalf("ForceReset calls = %v, want [default]", resetter.calls)
	}
	if len(sink.completed) != 1 || sink.completed[0].State != "ERROR" {
		t.Fatalf("completed = %+v, want one ERROR completion", sink.completed)
	}
	if _, ok := tbl.MarkProcessing(1, "default", now); ok {
		t.Fatalf("MarkProcessing() after timeout = true, want false (parcel gone)")
	}
}

func TestStraightThroughTimeoutCompletesAsSorted(t *testing.T) {
	timer := newFakeTimer()
	sink := &recordingSink{}
	tbl := newTestTable(&fakeTriggers{}, timer, &fakeResetter{}, sink)
	now := time.Now()
	tbl.Ingest(now, 1, "B", 99, now) // chute 99 has no owning PE

	timer.Fire(timerKey(1))

	if len(sink.completed) != 1 || sink.completed[0].State != "SORTED" {
		t.Fatalf("completed = %+v, want one SORTED completion", sink.completed)
	}
}

func TestMarkProcessingDisarmsTimer(t *testing.T) {
	timer := newFakeTimer()
	tbl := newTestTable(&fakeTriggers{}, timer, &fakeResetter{}, nil)
	now := time.Now()
	tbl.Ingest(now, 1, "A", 1, now)
	tbl.MarkProcessing(1, "default", now)

	found := false
	for _, k := range timer.disarms {
		if k == timerKey(1) {
			found = true
		}
	}
	if !found {
		t.Errorf("Disarm calls = %v, want to include %q", timer.disarms, timerKey(1))
	}
}

func TestPendingAscendingOrder(t *testing.T) {
	tbl := newTestTable(&fakeTriggers{}, newFakeTimer(), &fakeResetter{}, nil)
	now := time.Now()
	tbl.Ingest(now, 3, "C", 1, now)
	tbl.Ingest(now, 1, "A", 1, now)
	tbl.Ingest(now, 2, "B", 1, now)

	got := tbl.PendingAscending()
	if len(got) != 3 {
		t.Fatalf("PendingAscending() len = %d, want 3", len(got))
	}
	for i, want := range []int64{1, 2, 3} {
		if got[i].Index != want {
			t.Errorf("PendingAscending()[%d].Index = %d, want %d", i, got[i].Index, want)
		}
	}
}

func TestNextAfter(t *testing.T) {
	tbl := newTestTable(&fakeTriggers{}, newFakeTimer(), &fakeResetter{}, nil)
	now := time.Now()
	tbl.Ingest(now, 4, "D", 1, now)
	tbl.Ingest(now, 5, "E", 1, now)

	next, ok := tbl.NextAfter(4)
	if !ok || next.Index != 5 {
		t.Fatalf("NextAfter(4) = %v, %v, want 5, true", next, ok)
	}
	if _, ok := tbl.NextAfter(5); ok {
		t.Errorf("NextAfter(5) should have no successor")
	}
}

func TestCompleteRemovesFromProcessingSet(t *testing.T) {
	sink := &recordingSink{}
	tbl := newTestTable(&fakeTriggers{}, newFakeTimer(), &fakeResetter{}, sink)
	now := time.Now()
	p, _ := tbl.Ingest(now, 1, "A", 1, now)
	tbl.MarkProcessing(1, "default", now)
	tbl.Complete(p, Sorted)

	if _, err := tbl.Ingest(now, 2, "A", 1, now); err != nil {
		t.Fatalf("re-Ingest after Complete() = %v, want nil (barcode freed)", err)
	}
	if len(sink.completed) != 1 || sink.completed[0].State != "SORTED" {
		t.Fatalf("completed = %+v", sink.completed)
	}
}

func TestReapExpiresOldProcessingEntries(t *testing.T) {
	tbl := newTestTable(&fakeTriggers{}, newFakeTimer(), &fakeResetter{}, nil)
	now := time.Now()
	tbl.Ingest(now, 1, "A", 1, now)
	tbl.MarkProcessing(1, "default", now)

	reaped := tbl.Reap(now.Add(31*time.Second), 30*time.Second)
	if len(reaped) != 1 || reaped[0] != "A" {
		t.Fatalf("Reap() = %v, want [A]", reaped)
	}
}
