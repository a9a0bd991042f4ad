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

// Package supervisor wires every component into one running core: dial the
// PE links, send the hardware startup sequence, start the watchdog and the
// signal-matching consumer, notify systemd, and tear everything down
// cleanly on Stop.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/pendulumsort/core/pendulumsort/config"
	"github.com/pendulumsort/core/pendulumsort/events"
	"github.com/pendulumsort/core/pendulumsort/link"
	"github.com/pendulumsort/core/pendulumsort/parcel"
	"github.com/pendulumsort/core/pendulumsort/pendulum"
	"github.com/pendulumsort/core/pendulumsort/scheduler"
	"github.com/pendulumsort/core/pendulumsort/signal"
	"github.com/pendulumsort/core/pendulumsort/signalqueue"
	"github.com/pendulumsort/core/pendulumsort/sorter"
	"github.com/pendulumsort/core/pendulumsort/stats"
	"github.com/pendulumsort/core/pendulumsort/timerwheel"
	"github.com/pendulumsort/core/pendulumsort/topology"
	"github.com/pendulumsort/core/pendulumsort/triggerqueue"
)

const (
	watchdogKey = "watchdog"
	dialTimeout = 5 * time.Second
)

// sdNotifier is the subset of coreos/go-systemd/daemon's package-level
// functions the supervisor calls, so tests can substitute a recording stub
// instead of touching a real NOTIFY_SOCKET.
type sdNotifier interface {
	Notify(unsetEnvironment bool, state string) (bool, error)
}

type systemdNotifier struct{}

func (systemdNotifier) Notify(unsetEnvironment bool, state string) (bool, error) {
	return daemon.SdNotify(unsetEnvironment, state)
}

// Supervisor owns the lifetime of one running pendulum-sort core:
// initialize builds every collaborator, Start dials the PE links, sends the
// hardware startup sequence and begins the watchdog and signal consumer,
// Stop disposes everything in reverse order.
type Supervisor struct {
	cfg *config.Config

	topo      topology.Topology
	decoder   *signal.Decoder
	triggers  *triggerqueue.Queue
	wheel     *timerwheel.Wheel
	lastSlot  *pendulum.LastSlot
	sched     *scheduler.Scheduler
	table     *parcel.Table
	engine    *sorter.Engine
	collector *stats.Collector
	sink      *events.InMemorySink
	notifier  sdNotifier
	sigQueue  *signalqueue.Queue

	mu           sync.Mutex
	links        map[string]*link.Link
	running      bool
	nextIndex    int64
	consumerDone chan struct{}
}

// New builds every collaborator from cfg but does not yet dial any link or
// start the watchdog; call Start for that.
func New(cfg *config.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	peNames := make([]string, 0, len(cfg.SortPEs))
	pes := make(map[string]config.PEConfig, len(cfg.SortPEs))
	for _, pe := range cfg.SortPEs {
		peNames = append(peNames, pe.Name)
		pes[pe.Name] = pe
	}

	var topo topology.Topology
	switch cfg.Topology {
	case config.TopologySingle:
		topo = topology.NewSingle(peNames[0])
	case config.TopologyMulti:
		topo = topology.NewMulti(peNames)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidTopology, cfg.Topology)
	}

	sink := events.NewInMemorySink(1024)
	wheel := timerwheel.New()
	triggers := triggerqueue.New()
	lastSlot := &pendulum.LastSlot{}
	sched := scheduler.New(sorter.ResetCommandFor(lastSlot))

	peWindows := make(map[string]parcel.Window, len(pes))
	for name, pe := range pes {
		peWindows[name] = parcel.Window{LowerMs: pe.TimeRangeLowerMs, UpperMs: pe.TimeRangeUpperMs}
	}
	table := parcel.NewTable(
		topo,
		parcel.Window{LowerMs: cfg.TriggerPE.TimeRangeLowerMs, UpperMs: cfg.TriggerPE.TimeRangeUpperMs},
		peWindows,
		cfg.StraightThroughTimeout(),
		triggers,
		wheel,
		sched,
		sink,
	)

	collector := stats.New(peNames)

	s := &Supervisor{
		cfg:       cfg,
		topo:      topo,
		decoder:   signal.New(cfg.GlobalDebounce()),
		triggers:  triggers,
		wheel:     wheel,
		lastSlot:  lastSlot,
		sched:     sched,
		table:     table,
		collector: collector,
		sink:      sink,
		notifier:  systemdNotifier{},
		sigQueue:  signalqueue.New(),
		links:     make(map[string]*link.Link),
	}

	// Every link.Link is built up front, unconnected, so the map handed to
	// the Engine is complete before Start ever calls Dial: no link is added
	// to the map concurrently with an executor goroutine reading it.
	for _, pe := range append([]config.PEConfig{cfg.TriggerPE}, cfg.SortPEs...) {
		name := pe.Name
		isTrigger := name == cfg.TriggerPE.Name
		l := link.New(name, fmt.Sprintf("%s:%d", pe.Address, pe.Port), link.DefaultCommandSet,
			func(line string) { s.onLine(name, isTrigger, line) },
			func(connected bool) { s.onConnChange(name, connected) },
		)
		s.links[name] = l
		s.sched.RegisterDevice(name, l)
	}

	s.engine = sorter.NewEngine(topo, pes, table, lastSlot, s.links, sched, wheel, sink, collector, cfg.ContinuousSortMaxInterval())
	return s, nil
}

// Collector exposes the stats collector for the monitoring HTTP server.
func (s *Supervisor) Collector() *stats.Collector { return s.collector }

// Events exposes the in-memory event sink for the `events` CLI subcommand.
func (s *Supervisor) Events() *events.InMemorySink { return s.sink }

// Start dials the trigger PE and every sort PE (their devices were already
// registered with the scheduler by New), sends the hardware startup
// sequence, arms the recurring
// watchdog, and starts the signal-matching consumer. It notifies systemd
// that the service is ready once every link has been dialed at least once
// (a link that fails to dial is logged and left disconnected; the watchdog
// will keep reporting it down -- detect, don't repair).
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.consumerDone = make(chan struct{})
	s.mu.Unlock()

	s.table.Start()

	for name, l := range s.links {
		if err := l.Dial(dialTimeout); err != nil {
			log.Errorf("supervisor: failed to dial %s: %v", name, err)
		}
	}

	s.sendHardwareCommands("startup", link.Start)
	s.armWatchdog()

	go func() {
		s.sigQueue.Consume(func(item signalqueue.Item) {
			s.engine.OnSortRising(item.PE, item.At)
		})
		close(s.consumerDone)
	}()

	if ok, err := s.notifier.Notify(false, daemon.SdNotifyReady); err != nil {
		log.Errorf("supervisor: sd_notify ready failed: %v", err)
	} else if !ok {
		log.Warning("supervisor: sd_notify not supported (NOTIFY_SOCKET unset)")
	} else {
		log.Info("supervisor: sent sd_notify ready")
	}
	return nil
}

// startupTargets returns the devices that should receive the hardware
// start/stop sequence: every connected sort PE for a multi-pendulum line,
// or the trigger PE alone for a single-pendulum line. On a single-pendulum
// line the sort PE's own link receives no start/stop sequence.
func (s *Supervisor) startupTargets() []string {
	if s.topo.Name() == "single" {
		return []string{s.cfg.TriggerPE.Name}
	}
	targets := make([]string, 0, len(s.topo.SortPEs()))
	for _, pe := range s.topo.SortPEs() {
		if s.LinkConnected(pe) {
			targets = append(targets, pe)
		}
	}
	return targets
}

// sendHardwareCommands sends startCmd (link.Start or link.Stop) followed by
// both reset commands to every target returned by startupTargets, logging
// but not failing on a send error: a disconnected target is already being
// reported by the watchdog.
func (s *Supervisor) sendHardwareCommands(phase string, startCmd link.Command) {
	for _, pe := range s.startupTargets() {
		for _, cmd := range []link.Command{startCmd, link.ResetLeft, link.ResetRight} {
			if err := s.sched.SendNow(pe, cmd); err != nil {
				log.Errorf("supervisor: %s command %s to %s failed: %v", phase, cmd, pe, err)
			}
		}
	}
}

// onLine is the Link.onLine callback: Link already frames its connection's
// bytes into single lines via scanCRLF, so only Process needs to run here.
// A sort-rising edge is handed to the signal queue rather than matched
// inline, so the reader goroutine never blocks on matching logic and every
// sort PE's edges are matched in one serial order.
func (s *Supervisor) onLine(device string, isTriggerPE bool, line string) {
	now := time.Now()
	edge, act := s.decoder.Process(device, line, isTriggerPE, now)
	if !act {
		return
	}
	switch edge {
	case signal.TriggerRising:
		s.triggers.Enqueue(now)
		s.sink.TriggerSignal(now)
	case signal.SortRising:
		s.sink.SortingSignal(device, now)
		s.sigQueue.Enqueue(device, now)
	}
}

func (s *Supervisor) onConnChange(device string, connected bool) {
	log.Infof("supervisor: %s connection changed: connected=%v", device, connected)
	s.sink.DeviceConnectionChanged(device, connected)
}

// armWatchdog arms a recurring timer-wheel entry for the configured
// watchdog interval: it audits parcel-table state counts, reaps stale
// processing-set entries, checks link connectivity, and re-notifies
// systemd's own watchdog mechanism if enabled.
func (s *Supervisor) armWatchdog() {
	interval := s.cfg.WatchdogInterval()
	var tick func()
	tick = func() {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}

		now := time.Now()
		counts := s.table.StateCounts()
		log.Debugf("watchdog: pending=%d processing=%d sorted=%d error=%d",
			counts[parcel.Pending], counts[parcel.Processing], counts[parcel.Sorted], counts[parcel.Error])

		if reaped := s.table.Reap(now, s.cfg.ProcessingSetTTL()); len(reaped) > 0 {
			log.Warnf("watchdog: reaped %d stale processing-set entries: %v", len(reaped), reaped)
		}

		s.mu.Lock()
		for name, l := range s.links {
			if !l.Connected() {
				log.Warnf("watchdog: %s is disconnected", name)
			}
		}
		s.mu.Unlock()

		if ok, err := s.notifier.Notify(false, daemon.SdNotifyWatchdog); err != nil {
			log.Errorf("watchdog: sd_notify watchdog failed: %v", err)
		} else if ok {
			log.Debug("watchdog: sent sd_notify watchdog")
		}

		s.wheel.Arm(watchdogKey, interval, tick)
	}
	s.wheel.Arm(watchdogKey, interval, tick)
}

// Ingest hands a newly-identified parcel to the pending table. It is the
// entry point the upstream barcode/DWS system calls once a parcel's
// barcode and target chute are known; presetTrigger may be the zero value
// to resolve the trigger timestamp from the trigger queue instead.
func (s *Supervisor) Ingest(barcode string, targetChute int, presetTrigger time.Time) (*parcel.Parcel, error) {
	s.mu.Lock()
	s.nextIndex++
	idx := s.nextIndex
	s.mu.Unlock()
	return s.table.Ingest(time.Now(), idx, barcode, targetChute, presetTrigger)
}

// Pendulum exposes one sort PE's pendulum state, for the status CLI.
func (s *Supervisor) Pendulum(pe string) (*pendulum.State, bool) {
	return s.engine.Pendulum(pe)
}

// LinkConnected reports whether the named PE's link is currently connected,
// for the status CLI.
func (s *Supervisor) LinkConnected(pe string) bool {
	s.mu.Lock()
	l, ok := s.links[pe]
	s.mu.Unlock()
	return ok && l.Connected()
}

// Stop sends the hardware shutdown sequence, then disposes every
// collaborator in reverse order: the parcel table first (disarming its
// per-parcel timers so no new physical commands are issued), then every
// link, then the signal queue is closed and its consumer allowed to drain,
// then the in-flight sort executors are allowed to run to natural
// completion, then the shared timer wheel is stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	links := make([]*link.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	consumerDone := s.consumerDone
	s.mu.Unlock()

	s.sendHardwareCommands("shutdown", link.Stop)

	s.table.Stop()
	for _, l := range links {
		if err := l.Close(); err != nil {
			log.Errorf("supervisor: error closing link %s: %v", l.Name, err)
		}
	}
	s.sigQueue.Close()
	if consumerDone != nil {
		<-consumerDone
	}
	s.engine.Wait()
	s.wheel.Stop()
}
