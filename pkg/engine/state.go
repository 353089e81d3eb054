// Package engine runs the forecast cycle and its lifecycle.
//
// State holds the active metric set, the cycle configuration and the run state
// behind a single mutex. The Runner reads it through snapshots at safe checkpoints
// (start of a wake-up, start of each batch iteration). The Controller mutates it in
// response to start and stop commands and owns the runner's execution handle.
package engine

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/HatiCode/forecastd/pkg/schedule"
)

// ErrInvalidResult marks a cycle in which at least one metric produced no usable forecast.
var ErrInvalidResult = errors.New("engine: invalid forecast result")

// RunState is whether a batch runner is live.
type RunState int

const (
	Stopped RunState = iota
	Running
)

func (s RunState) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Snapshot is a consistent copy of State.
type Snapshot struct {
	Metrics []string
	Cycle   schedule.CycleConfig
	Run     RunState
}

// State is the shared scheduler state. All access goes through its methods.
type State struct {
	mu      sync.Mutex
	metrics []string
	cycle   schedule.CycleConfig
	run     RunState

	// stop is the live runner's stop signal, nil while stopped. done belongs to the
	// most recently launched runner and is kept after a stop until that runner exits.
	stop chan struct{}
	done chan struct{}
}

// NewState creates a stopped State with the given batch size and initial margin.
func NewState(batchSize int, margin time.Duration) *State {
	if batchSize <= 0 {
		batchSize = schedule.DefaultBatchSize
	}
	return &State{
		cycle: schedule.CycleConfig{
			BatchSize:        batchSize,
			ProcessingMargin: margin,
		},
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Metrics: slices.Clone(s.metrics),
		Cycle:   s.cycle,
		Run:     s.run,
	}
}

// Contains reports whether metric is in the active set.
func (s *State) Contains(metric string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.metrics, metric)
}

// RaiseMargin sets the processing margin to d if d exceeds it. It returns the
// resulting margin and whether it changed.
func (s *State) RaiseMargin(d time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= s.cycle.ProcessingMargin {
		return s.cycle.ProcessingMargin, false
	}
	s.cycle.ProcessingMargin = d
	return d, true
}

// start installs the metric set and timing. When no runner is live it also resets
// the margin and creates a fresh execution handle, returning launch=true.
func (s *State) start(metricSet []string, epoch time.Time, horizon, margin time.Duration) (stop, done chan struct{}, launch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = slices.Clone(metricSet)
	s.cycle.EpochStart = epoch
	s.cycle.Horizon = horizon

	if s.run == Running {
		return nil, nil, false
	}

	s.cycle.ProcessingMargin = margin
	s.run = Running
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	return s.stop, s.done, true
}

// remove drops metrics from the active set. When the set becomes empty while
// running, the state flips to Stopped and the execution handle is returned so the
// caller can signal and join the runner.
func (s *State) remove(metricSet []string) (remaining int, stop, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = slices.DeleteFunc(s.metrics, func(m string) bool {
		return slices.Contains(metricSet, m)
	})

	if len(s.metrics) > 0 || s.run != Running {
		return len(s.metrics), nil, nil
	}

	stop, done = s.stop, s.done
	s.run = Stopped
	s.stop = nil
	return 0, stop, done
}

// clear empties the metric set and, if running, stops as remove does.
func (s *State) clear() (stop, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = nil
	if s.run != Running {
		return nil, nil
	}
	stop, done = s.stop, s.done
	s.run = Stopped
	s.stop = nil
	return stop, done
}

// exiting returns the done channel of a runner that was told to stop but has not
// exited yet, or nil.
func (s *State) exiting() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == Running || s.done == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
		return s.done
	}
}
