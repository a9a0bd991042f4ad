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

// Package sorter wires the matcher and the action executor into one Engine:
// on a sort-rising edge it matches a parcel, then runs that parcel's
// wait->swing->reset sequence to completion on its own goroutine.
package sorter

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pendulumsort/core/pendulumsort/config"
	"github.com/pendulumsort/core/pendulumsort/events"
	"github.com/pendulumsort/core/pendulumsort/link"
	"github.com/pendulumsort/core/pendulumsort/parcel"
	"github.com/pendulumsort/core/pendulumsort/pendulum"
	"github.com/pendulumsort/core/pendulumsort/scheduler"
	"github.com/pendulumsort/core/pendulumsort/timerwheel"
	"github.com/pendulumsort/core/pendulumsort/topology"
)

// Links is the subset of a device registry the engine needs to check
// connectivity before starting a sort sequence.
type Links interface {
	Connected(pe string) bool
}

// linkMap adapts a plain map[string]*link.Link to Links.
type linkMap map[string]*link.Link

func (m linkMap) Connected(pe string) bool {
	l, ok := m[pe]
	return ok && l.Connected()
}

// Engine ties topology + parcel table + pendulum states + scheduler + timer
// wheel + events together. Both single- and multi-pendulum lines are the
// same Engine parameterized by a different topology.Topology, rather than
// two diverging implementations.
type Engine struct {
	topo      topology.Topology
	table     *parcel.Table
	matcher   *Matcher
	pendulums map[string]*pendulum.State
	lastSlot  *pendulum.LastSlot
	links     Links
	sched     *scheduler.Scheduler
	wheel     *timerwheel.Wheel
	sink      events.Sink
	metrics   Metrics
	pes       map[string]config.PEConfig

	continuousSortMaxInterval time.Duration

	eg errgroup.Group
}

// ResetCommandFor builds a scheduler.ResetCommand resolver backed by
// lastSlot. The wiring order is: construct lastSlot, build the scheduler
// with this resolver, then pass the same lastSlot into NewEngine so the
// pendulum states it creates share the one process-wide counter the
// scheduler already reads from.
func ResetCommandFor(lastSlot *pendulum.LastSlot) scheduler.ResetCommand {
	return func(string) link.Command {
		if lastSlot.ResetSide() == pendulum.Left {
			return link.ResetLeft
		}
		return link.ResetRight
	}
}

// NewEngine constructs an Engine for the given topology. pes must have one
// entry per topo.SortPEs(). lastSlot, links, sched and wheel must be
// non-nil; sink may be nil (defaults to events.NoopSink) and metrics may be
// nil (defaults to NoopMetrics). lastSlot must be
// the same instance passed to ResetCommandFor when constructing sched.
func NewEngine(
	topo topology.Topology,
	pes map[string]config.PEConfig,
	table *parcel.Table,
	lastSlot *pendulum.LastSlot,
	links map[string]*link.Link,
	sched *scheduler.Scheduler,
	wheel *timerwheel.Wheel,
	sink events.Sink,
	metrics Metrics,
	continuousSortMaxInterval time.Duration,
) *Engine {
	if sink == nil {
		sink = events.NoopSink{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	pendulums := make(map[string]*pendulum.State, len(topo.SortPEs()))
	for _, pe := range topo.SortPEs() {
		pendulums[pe] = pendulum.New(pe, lastSlot)
	}

	return &Engine{
		topo:                      topo,
		table:                     table,
		matcher:                   NewMatcher(topo, table, pes),
		pendulums:                 pendulums,
		lastSlot:                  lastSlot,
		links:                     linkMap(links),
		sched:                     sched,
		wheel:                     wheel,
		sink:                      sink,
		metrics:                   metrics,
		pes:                       pes,
		continuousSortMaxInterval: continuousSortMaxInterval,
	}
}

// ResetCommand resolves the reset-direction dependency the same way
// ResetCommandFor's closure does, exposed as a method for callers that
// already hold an *Engine.
func (e *Engine) ResetCommand(pe string) link.Command {
	return ResetCommandFor(e.lastSlot)(pe)
}

// Pendulum returns the state machine for the named sort PE, for the
// supervisor's status aggregation and the watchdog audit.
func (e *Engine) Pendulum(pe string) (*pendulum.State, bool) {
	p, ok := e.pendulums[pe]
	return p, ok
}

func waitKey(pe string) string { return fmt.Sprintf("waiting:%s", pe) }

// OnSortRising handles a debounced sort-rising edge on pe. On a match it
// spawns an executor goroutine for that parcel; on no match, if the
// pendulum was betting on WaitingForNext, it forces an immediate reset.
func (e *Engine) OnSortRising(pe string, now time.Time) {
	p, matched := e.matcher.Match(pe, now)
	if !matched {
		e.metrics.IncUnmatched(pe)
		if pend, ok := e.pendulums[pe]; ok && pend.IsWaiting() {
			e.forceReset(pe)
		}
		return
	}
	e.metrics.IncMatched(pe)
	e.eg.Go(func() error {
		e.executeSort(p, pe)
		return nil
	})
}

// Wait blocks until every in-flight executor goroutine has returned. Used
// by the supervisor at shutdown to let in-flight sorts run to natural
// completion instead of being cut off mid-flight.
func (e *Engine) Wait() {
	_ = e.eg.Wait()
}

// forceReset implements the shared "force an immediate reset" action used
// both when a sort-rising edge doesn't match the pendulum's waiting bet and
// by the waiting-timer expiry below: best-effort physical reset plus an
// unconditional software ForceReset, since the caller here cannot block on
// physical confirmation.
func (e *Engine) forceReset(pe string) {
	e.wheel.Disarm(waitKey(pe))
	e.sched.ForceReset(pe)
	if pend, ok := e.pendulums[pe]; ok {
		pend.ForceReset()
	}
}

// onWaitTimeout is armed by executeSort's WaitingForNext branch and fires
// if no matching parcel arrived before the wait expired.
func (e *Engine) onWaitTimeout(pe string) {
	pend, ok := e.pendulums[pe]
	if !ok || !pend.IsWaiting() {
		return
	}
	e.forceReset(pe)
}

// executeSort runs one parcel's sort sequence to completion. It never
// returns an error to its caller: every failure path terminates the parcel
// itself (Error) and force-resets the pendulum.
func (e *Engine) executeSort(p *parcel.Parcel, pe string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("executor panic for parcel %d on %s: %v", p.Index, pe, r)
			e.abort(p, pe)
		}
	}()

	if !e.links.Connected(pe) {
		log.Errorf("executor: %s disconnected, aborting parcel %d", pe, p.Index)
		e.abort(p, pe)
		return
	}

	cfg := e.pes[pe]
	time.Sleep(cfg.SortingDelay())

	pend := e.pendulums[pe]
	side := pendulum.SideForChute(p.TargetChute)
	swingCmd := swingCommand(side)

	switch {
	case pend.IsWaiting() && pend.WaitingSlot() == p.TargetChute:
		pend.OnWaitMatched()
		e.wheel.Disarm(waitKey(pe))
	case dirMatchesSide(pend.Direction(), side):
		// already swung this direction; no command needed.
	case pend.Direction() != pendulum.Reset:
		if err := e.sched.SendNow(pe, e.ResetCommand(pe)); err != nil {
			e.onCommandFailure(p, pe, err)
			return
		}
		time.Sleep(20 * time.Millisecond)
		if err := e.sched.SendNow(pe, swingCmd); err != nil {
			e.onCommandFailure(p, pe, err)
			return
		}
		pend.OnSwingSuccess(p.TargetChute)
	default:
		if err := e.sched.SendNow(pe, swingCmd); err != nil {
			e.onCommandFailure(p, pe, err)
			return
		}
		pend.OnSwingSuccess(p.TargetChute)
	}

	e.planReset(p, pe, pend)
}

// planReset either defers the reset because the next pending parcel targets
// the same chute soon enough to skip it, or hands a delayed reset to the
// scheduler.
func (e *Engine) planReset(p *parcel.Parcel, pe string, pend *pendulum.State) {
	if next, ok := e.table.NextAfter(p.Index); ok && next.TargetChute == p.TargetChute && !next.TriggerTimestamp.IsZero() && !p.TriggerTimestamp.IsZero() {
		diff := next.TriggerTimestamp.Sub(p.TriggerTimestamp)
		upperBound := e.continuousSortMaxInterval + 100*time.Millisecond
		if diff >= 0 && diff <= upperBound {
			wait := diff + 100*time.Millisecond
			if wait < 500*time.Millisecond {
				wait = 500 * time.Millisecond
			}
			pend.OnWaitForNext(p.TargetChute)
			e.wheel.Arm(waitKey(pe), wait, func() { e.onWaitTimeout(pe) })
			e.finish(p, pe)
			return
		}
	}

	resetGen := pend.OnResetScheduled()
	resetCmd := e.ResetCommand(pe)
	cfg := e.pes[pe]
	e.sched.ScheduleDelayedReset(pe, resetCmd, cfg.ResetDelay(), func(err error) {
		if err != nil {
			log.Errorf("delayed reset %s on %s failed: %v", resetCmd, pe, err)
			if !pend.ForceResetIfCurrent(resetGen) {
				log.Debugf("stale delayed-reset failure for %s ignored, pendulum moved on", pe)
			}
			return
		}
		if !pend.CompleteReset(resetGen) {
			log.Debugf("stale delayed-reset completion for %s ignored, pendulum moved on", pe)
		}
	})
	e.finish(p, pe)
}

// finish removes p from the table, marks it Sorted, and emits
// SortingCompleted, recording its total sort duration.
func (e *Engine) finish(p *parcel.Parcel, pe string) {
	if !p.TriggerTimestamp.IsZero() {
		e.metrics.ObserveSortDuration(pe, time.Since(p.TriggerTimestamp))
	}
	e.table.Complete(p, parcel.Sorted)
}

// onCommandFailure handles a failed command send: the device is already
// marked disconnected by the link/scheduler, so the parcel is aborted and
// the pendulum force-reset.
func (e *Engine) onCommandFailure(p *parcel.Parcel, pe string, err error) {
	log.Errorf("command send failure for parcel %d on %s: %v", p.Index, pe, err)
	e.metrics.IncCommandFailure(pe)
	e.abort(p, pe)
}

// abort handles a disconnected link or unexpected panic mid-sort: parcel ->
// Error, pendulum force-reset in software, best-effort background physical
// reset attempt.
func (e *Engine) abort(p *parcel.Parcel, pe string) {
	if pend, ok := e.pendulums[pe]; ok {
		pend.ForceReset()
	}
	e.table.Complete(p, parcel.Error)
	go e.sched.ForceReset(pe)
}

func swingCommand(side pendulum.Side) link.Command {
	if side == pendulum.Left {
		return link.SwingLeft
	}
	return link.SwingRight
}

func dirMatchesSide(dir pendulum.Direction, side pendulum.Side) bool {
	if side == pendulum.Left {
		return dir == pendulum.SwingingLeft
	}
	return dir == pendulum.SwingingRight
}
