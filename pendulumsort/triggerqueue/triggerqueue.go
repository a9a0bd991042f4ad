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

// Package triggerqueue implements the bounded FIFO of recent trigger
// timestamps: at most 5 entries, windowed match-and-consume.
package triggerqueue

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxSize is the largest number of trigger timestamps retained at once.
const MaxSize = 5

// Queue is a mutex-guarded bounded ring of trigger timestamps.
type Queue struct {
	mu    sync.Mutex
	items []time.Time
}

// New returns an empty trigger queue.
func New() *Queue {
	return &Queue{items: make([]time.Time, 0, MaxSize)}
}

// Enqueue appends now, dropping the oldest entry once the queue holds more
// than MaxSize timestamps.
func (q *Queue) Enqueue(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, now)
	for len(q.items) > MaxSize {
		log.Warnf("trigger queue overflow, dropping oldest entry at %s", q.items[0])
		q.items = q.items[1:]
	}
}

// Len returns the current number of queued timestamps.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MatchAndConsume scans the queue in FIFO order. Entries older than upper
// are discarded (they will never match anything again); entries younger
// than lower are left in place. The first entry whose age falls within
// [lower, upper] is removed and returned; later in-range entries are
// preserved for a subsequent call.
func (q *Queue) MatchAndConsume(now time.Time, lower, upper time.Duration) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0:0]
	var match time.Time
	matched := false
	for _, ts := range q.items {
		age := now.Sub(ts)
		switch {
		case matched:
			kept = append(kept, ts)
		case age > upper:
			// too old, will never match; drop
		case age < lower:
			// still too young; keep for later
			kept = append(kept, ts)
		default:
			match = ts
			matched = true
		}
	}
	q.items = kept
	return match, matched
}
