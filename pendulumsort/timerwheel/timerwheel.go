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

// Package timerwheel is the core's single timer service: a hashed timer
// wheel shared by per-parcel timeouts, waiting timers, and the
// processing-set reaper's watchdog tick, backing all of them with one set
// of goroutines instead of one time.Timer per parcel.
//
// Entries are hashed by key across a small number of independent shards,
// each an ordinary tick-driven wheel, so Arm/Disarm under load contend on
// one shard's mutex rather than a single global one.
package timerwheel

import (
	"sync"
	"time"

	"github.com/cespare/xxhash"
	log "github.com/sirupsen/logrus"
)

const (
	defaultShards    = 8
	defaultWheelSize = 128
	defaultTick      = 20 * time.Millisecond
)

// entry is one armed timer.
type entry struct {
	key    string
	rounds int
	fn     func()
}

type shard struct {
	mu      sync.Mutex
	tick    time.Duration
	buckets [][]*entry
	cursor  int
	locate  map[string]int // key -> bucket index, for Disarm

	ticker *time.Ticker
	quit   chan struct{}
	closed sync.Once
}

func newShard(wheelSize int, tick time.Duration) *shard {
	s := &shard{
		tick:    tick,
		buckets: make([][]*entry, wheelSize),
		locate:  make(map[string]int),
		ticker:  time.NewTicker(tick),
		quit:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *shard) run() {
	for {
		select {
		case <-s.ticker.C:
			s.advance()
		case <-s.quit:
			s.ticker.Stop()
			return
		}
	}
}

func (s *shard) advance() {
	s.mu.Lock()
	idx := s.cursor
	bucket := s.buckets[idx]
	s.buckets[idx] = nil

	var fire []*entry
	var keep []*entry
	for _, e := range bucket {
		if e.rounds <= 0 {
			fire = append(fire, e)
			delete(s.locate, e.key)
		} else {
			e.rounds--
			keep = append(keep, e)
		}
	}
	s.buckets[idx] = keep
	s.cursor = (s.cursor + 1) % len(s.buckets)
	s.mu.Unlock()

	for _, e := range fire {
		go e.fn()
	}
}

func (s *shard) arm(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	ticks := int(d / s.tick)
	wheelSize := len(s.buckets)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.locate[key]; ok {
		s.removeLocked(old, key)
	}

	idx := (s.cursor + ticks) % wheelSize
	rounds := ticks / wheelSize
	s.buckets[idx] = append(s.buckets[idx], &entry{key: key, rounds: rounds, fn: fn})
	s.locate[key] = idx
}

func (s *shard) disarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.locate[key]
	if !ok {
		return
	}
	s.removeLocked(idx, key)
}

// removeLocked removes the entry for key from bucket idx. Caller holds s.mu.
func (s *shard) removeLocked(idx int, key string) {
	bucket := s.buckets[idx]
	for i, e := range bucket {
		if e.key == key {
			s.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(s.locate, key)
}

func (s *shard) stop() {
	s.closed.Do(func() { close(s.quit) })
}

// Wheel is the timer service. The zero value is not usable; construct with
// New.
type Wheel struct {
	shards []*shard
}

// New returns a running timer wheel with the default tick resolution,
// bucket count, and shard count. Resolution is coarse (defaultTick) by
// design: none of its consumers need sub-tick precision, and a coarse tick
// keeps the background goroutines cheap.
func New() *Wheel {
	return NewSized(defaultShards, defaultWheelSize, defaultTick)
}

// NewSized returns a running timer wheel with the given shard count, bucket
// count per shard, and tick interval. Exposed for tests that want a finer
// or coarser resolution than the default.
func NewSized(numShards, wheelSize int, tick time.Duration) *Wheel {
	if numShards < 1 {
		numShards = 1
	}
	w := &Wheel{shards: make([]*shard, numShards)}
	for i := range w.shards {
		w.shards[i] = newShard(wheelSize, tick)
	}
	return w
}

func (w *Wheel) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return w.shards[h%uint64(len(w.shards))]
}

// Arm schedules fn to run once, after d, under the given key. Arming a key
// that is already armed replaces the previous timer for that key. fn runs
// on its own goroutine, not the wheel's tick goroutine, so a slow callback
// never delays other entries in the same bucket.
func (w *Wheel) Arm(key string, d time.Duration, fn func()) {
	if fn == nil {
		log.Errorf("timerwheel: Arm(%s) called with a nil callback, ignoring", key)
		return
	}
	w.shardFor(key).arm(key, d, fn)
}

// Disarm cancels the timer for key, if any. A no-op if key is not armed or
// already fired.
func (w *Wheel) Disarm(key string) {
	w.shardFor(key).disarm(key)
}

// Stop halts every shard's tick goroutine. Armed-but-unfired entries are
// discarded; callers that need drain semantics must track completion
// themselves (used at supervisor shutdown alongside disposing per-parcel
// timers explicitly).
func (w *Wheel) Stop() {
	for _, s := range w.shards {
		s.stop()
	}
}
