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

// Package scheduler implements the hardware command scheduler: one serial
// worker goroutine per device, strict FIFO, and delayed-reset scheduling
// that never holds a worker goroutine during the wait.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pendulumsort/core/pendulumsort/link"
)

// ErrUnknownDevice is returned by operations against a device that was
// never registered.
var ErrUnknownDevice = errors.New("scheduler: unknown device")

// Device is the subset of link.Link the scheduler drives. Any type
// satisfying it (real or fake) can back a worker.
type Device interface {
	Send(cmd link.Command) error
}

// ResetCommand resolves which physical reset command a forced reset on pe
// should use. The engine wires this to pendulum.LastSlot.ResetSide: reset
// direction follows the process-wide last-slot parity, independent of any
// one pendulum's own state.
type ResetCommand func(pe string) link.Command

// task is one unit of work handed to a device's worker goroutine.
type task struct {
	cmd  link.Command
	done chan error
}

// worker serializes commands for exactly one device.
type worker struct {
	name   string
	dev    Device
	queue  chan task
	quit   chan struct{}
	closed sync.Once
}

func newWorker(name string, dev Device) *worker {
	w := &worker{name: name, dev: dev, queue: make(chan task, 32), quit: make(chan struct{})}
	go w.run()
	return w
}

func (w *worker) run() {
	for {
		select {
		case t := <-w.queue:
			err := w.dev.Send(t.cmd)
			if err != nil {
				log.Errorf("scheduler: send %s to %s failed: %v", t.cmd, w.name, err)
			}
			if t.done != nil {
				t.done <- err
			}
		case <-w.quit:
			return
		}
	}
}

func (w *worker) stop() {
	w.closed.Do(func() { close(w.quit) })
}

// Scheduler owns one worker per device. It is a singleton for the lifetime
// of a run.
type Scheduler struct {
	mu       sync.Mutex
	workers  map[string]*worker
	resetCmd ResetCommand
}

// New returns an empty scheduler. resetCmd resolves the reset command
// direction for ForceReset; it may be nil if ForceReset is never called
// (e.g. in unit tests exercising only SendNow).
func New(resetCmd ResetCommand) *Scheduler {
	return &Scheduler{workers: make(map[string]*worker), resetCmd: resetCmd}
}

// RegisterDevice starts a worker goroutine for the named device. Calling it
// again for the same name stops the old worker and replaces it.
func (s *Scheduler) RegisterDevice(name string, dev Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.workers[name]; ok {
		old.stop()
	}
	s.workers[name] = newWorker(name, dev)
}

// Unregister stops the named device's worker and forgets it.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[name]; ok {
		w.stop()
		delete(s.workers, name)
	}
}

func (s *Scheduler) worker(name string) (*worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	return w, ok
}

// SendNow synchronously enqueues cmd on device's queue and waits for the
// worker to send it. No retry is attempted.
func (s *Scheduler) SendNow(device string, cmd link.Command) error {
	w, ok := s.worker(device)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	done := make(chan error, 1)
	w.queue <- task{cmd: cmd, done: done}
	return <-done
}

// ScheduleDelayedReset arms a timer for delay, after which it enqueues cmd
// on device's worker and invokes callback with the send result. The delay
// itself is implemented here, not by blocking a worker goroutine, so the
// caller never holds a worker slot during the reset wait. Cancellation is
// not exposed: callers whose decisions may have changed by the time this
// fires must re-check their own state inside callback.
func (s *Scheduler) ScheduleDelayedReset(device string, cmd link.Command, delay time.Duration, callback func(error)) {
	time.AfterFunc(delay, func() {
		err := s.SendNow(device, cmd)
		if callback != nil {
			callback(err)
		}
	})
}

// ForceReset enqueues an immediate reset command for pe, direction resolved
// by the scheduler's ResetCommand. It is fire-and-forget from the caller's
// perspective; failures are logged, not propagated, since force-reset
// itself runs on a best-effort basis.
func (s *Scheduler) ForceReset(pe string) {
	if s.resetCmd == nil {
		log.Errorf("scheduler: ForceReset(%s) called with no ResetCommand resolver configured", pe)
		return
	}
	cmd := s.resetCmd(pe)
	if err := s.SendNow(pe, cmd); err != nil {
		log.Errorf("scheduler: force-reset %s on %s failed: %v", cmd, pe, err)
	}
}
