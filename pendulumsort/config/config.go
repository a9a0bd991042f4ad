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

// Package config holds the immutable configuration surface the core is
// handed at init. Following the split ptp4u/server uses, options that
// require a process restart live in StaticConfig; options that can be
// changed between runs without touching the link layer live in
// DynamicConfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Sentinel validation errors, checked with errors.Is, following the
// ptp4u/server.errInsaneUTCoffset convention rather than a typed error
// hierarchy.
var (
	ErrNoPEs             = errors.New("no sort PEs configured")
	ErrDuplicatePEName   = errors.New("duplicate sort PE name")
	ErrInvalidTimeWindow = errors.New("time range lower must be less than upper")
	ErrInvalidDelay      = errors.New("delay must not be negative")
	ErrInvalidTopology   = errors.New("unknown topology kind")
	ErrMissingAddress    = errors.New("PE address must not be empty")
)

// TopologyKind selects how chutes map to sort PEs.
type TopologyKind string

// The two supported topologies.
const (
	TopologySingle TopologyKind = "single"
	TopologyMulti  TopologyKind = "multi"
)

// PEConfig describes one photoelectric sensor link.
type PEConfig struct {
	Name             string `yaml:"name"`
	Address          string `yaml:"address"`
	Port             int    `yaml:"port"`
	TimeRangeLowerMs int    `yaml:"time_range_lower_ms"`
	TimeRangeUpperMs int    `yaml:"time_range_upper_ms"`
	SortingDelayMs   int    `yaml:"sorting_delay_ms"`
	ResetDelayMs     int    `yaml:"reset_delay_ms"`
}

// LowerWindow returns the configured lower bound of the PE's match window.
func (p PEConfig) LowerWindow() time.Duration {
	return time.Duration(p.TimeRangeLowerMs) * time.Millisecond
}

// UpperWindow returns the configured upper bound of the PE's match window.
func (p PEConfig) UpperWindow() time.Duration {
	return time.Duration(p.TimeRangeUpperMs) * time.Millisecond
}

// SortingDelay returns the configured delay before a swing command is sent.
func (p PEConfig) SortingDelay() time.Duration {
	return time.Duration(p.SortingDelayMs) * time.Millisecond
}

// ResetDelay returns the configured delay before a reset command is sent.
func (p PEConfig) ResetDelay() time.Duration {
	return time.Duration(p.ResetDelayMs) * time.Millisecond
}

// StaticConfig is a set of options which require a process restart to take
// effect.
type StaticConfig struct {
	ConfigFile     string       `yaml:"-"`
	LogLevel       string       `yaml:"log_level"`
	MonitoringPort int          `yaml:"monitoring_port"`
	PidFile        string       `yaml:"pid_file"`
	Topology       TopologyKind `yaml:"topology"`
}

// DynamicConfig is the line's topology and PE configuration, plus the
// watchdog/reaper/metric intervals that can be changed without restarting
// the link layer.
type DynamicConfig struct {
	TriggerPE                   PEConfig   `yaml:"trigger_pe"`
	SortPEs                     []PEConfig `yaml:"sort_pes"`
	GlobalDebounceMs            int        `yaml:"global_debounce_ms"`
	StraightThroughTimeoutMs    int        `yaml:"straight_through_timeout_ms"`
	ContinuousSortMaxIntervalMs int        `yaml:"continuous_sort_max_interval_ms"`
	WatchdogIntervalMs          int        `yaml:"watchdog_interval_ms"`
	ProcessingSetTTLMs          int        `yaml:"processing_set_ttl_ms"`
	MetricIntervalMs            int        `yaml:"metric_interval_ms"`
}

// GlobalDebounce returns the configured debounce interval.
func (d DynamicConfig) GlobalDebounce() time.Duration {
	return time.Duration(d.GlobalDebounceMs) * time.Millisecond
}

// StraightThroughTimeout returns the configured straight-through timeout.
func (d DynamicConfig) StraightThroughTimeout() time.Duration {
	return time.Duration(d.StraightThroughTimeoutMs) * time.Millisecond
}

// ContinuousSortMaxInterval returns the configured look-ahead window for the
// consecutive-same-chute optimization that skips an intervening reset.
func (d DynamicConfig) ContinuousSortMaxInterval() time.Duration {
	return time.Duration(d.ContinuousSortMaxIntervalMs) * time.Millisecond
}

// WatchdogInterval returns the configured watchdog tick, defaulting to 2s.
func (d DynamicConfig) WatchdogInterval() time.Duration {
	if d.WatchdogIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(d.WatchdogIntervalMs) * time.Millisecond
}

// ProcessingSetTTL returns the configured processing-set reaper TTL,
// defaulting to 30s.
func (d DynamicConfig) ProcessingSetTTL() time.Duration {
	if d.ProcessingSetTTLMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.ProcessingSetTTLMs) * time.Millisecond
}

// MetricInterval returns the configured stats-snapshot interval.
func (d DynamicConfig) MetricInterval() time.Duration {
	if d.MetricIntervalMs <= 0 {
		return time.Minute
	}
	return time.Duration(d.MetricIntervalMs) * time.Millisecond
}

// Config is the full configuration snapshot handed to the supervisor at
// init. It is immutable for the lifetime of a run.
type Config struct {
	StaticConfig  `yaml:",inline"`
	DynamicConfig `yaml:",inline"`
}

// Validate checks the sanity constraints the source leaves implicit: window
// ordering, non-negative delays, unique PE names, and a recognized topology.
func (c *Config) Validate() error {
	if c.Topology != TopologySingle && c.Topology != TopologyMulti {
		return fmt.Errorf("%w: %q", ErrInvalidTopology, c.Topology)
	}
	if len(c.SortPEs) == 0 {
		return ErrNoPEs
	}
	seen := make(map[string]bool, len(c.SortPEs))
	for _, pe := range append([]PEConfig{c.TriggerPE}, c.SortPEs...) {
		if pe.Address == "" {
			return fmt.Errorf("%w: PE %q", ErrMissingAddress, pe.Name)
		}
		if pe.TimeRangeLowerMs >= pe.TimeRangeUpperMs {
			return fmt.Errorf("%w: PE %q (%d >= %d)", ErrInvalidTimeWindow, pe.Name, pe.TimeRangeLowerMs, pe.TimeRangeUpperMs)
		}
	}
	for _, pe := range c.SortPEs {
		if seen[pe.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicatePEName, pe.Name)
		}
		seen[pe.Name] = true
		if pe.SortingDelayMs < 0 || pe.ResetDelayMs < 0 {
			return fmt.Errorf("%w: PE %q", ErrInvalidDelay, pe.Name)
		}
	}
	if c.Topology == TopologySingle && len(c.SortPEs) != 1 {
		return fmt.Errorf("%w: single topology requires exactly one sort PE, got %d", ErrInvalidTopology, len(c.SortPEs))
	}
	return nil
}

// Load reads and validates a DynamicConfig+StaticConfig from a YAML file,
// mirroring ptp4u/server.ReadDynamicConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	c.ConfigFile = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
