package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
)

// RestartPolicy decides, after a supervised task exits, whether and
// when to spawn it again. Grounded on
// original_source/xtras/src/supervisor.rs's always_restart/
// always_restart_after(wait_time) closures.
type RestartPolicy func(cause ExitCause) (restart bool, after time.Duration)

// AlwaysRestart restarts immediately regardless of why the task
// exited.
func AlwaysRestart() RestartPolicy {
	return func(ExitCause) (bool, time.Duration) { return true, 0 }
}

// AlwaysRestartAfter restarts after a fixed delay regardless of why
// the task exited, used for tasks whose failures are likely to recur
// immediately (e.g. a peer connection that just dropped).
func AlwaysRestartAfter(wait time.Duration) RestartPolicy {
	return func(ExitCause) (bool, time.Duration) { return true, wait }
}

// NeverRestart leaves the task stopped once it exits for any reason.
func NeverRestart() RestartPolicy {
	return func(ExitCause) (bool, time.Duration) { return false, 0 }
}

// ExitCause classifies why a supervised task's most recent run ended.
type ExitCause struct {
	// Stopped is set when the task returned nil, or returned any error
	// after ctx was cancelled: a clean, requested shutdown.
	Stopped bool

	// Err is the error the task returned, or the recovered panic value
	// wrapped as an error, when Stopped is false.
	Err error

	// Panicked distinguishes a recovered panic from an ordinary
	// returned error, mirroring supervisor.rs's Stopped/Panicked
	// message split.
	Panicked bool
}

// Metrics tracks a supervised task's spawn/panic counts across its
// whole supervised lifetime, grounded on supervisor.rs's Metrics
// struct.
type Metrics struct {
	mu        sync.Mutex
	NumSpawns int
	NumPanics int
}

func (m *Metrics) recordSpawn() {
	m.mu.Lock()
	m.NumSpawns++
	m.mu.Unlock()
}

func (m *Metrics) recordPanic() {
	m.mu.Lock()
	m.NumPanics++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() (spawns, panics int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NumSpawns, m.NumPanics
}

// Task is one run of a supervised unit of work; it should return
// promptly once ctx is cancelled.
type Task func(ctx context.Context) error

// Supervisor runs a task factory under a restart policy, catching
// panics and feeding every exit back through the policy to decide the
// next action, until its context is cancelled. Grounded on
// supervisor.rs's Actor<T,R>::spawn_new, which wraps the task in
// catch_unwind and dispatches Stopped/Panicked messages to itself;
// here there is no actor mailbox to message, so the loop simply calls
// the policy function directly after each exit.
type Supervisor struct {
	name    string
	ctor    func() Task
	policy  RestartPolicy
	log     btclog.Logger
	Metrics Metrics
}

// NewSupervisor builds a supervisor for a task factory ctor under
// policy, logging restarts and panics through log.
func NewSupervisor(name string, ctor func() Task, policy RestartPolicy, log btclog.Logger) *Supervisor {
	return &Supervisor{name: name, ctor: ctor, policy: policy, log: log}
}

// Run drives the supervised task to completion, restarting it per the
// policy until either the task's policy says stop or ctx is
// cancelled. It blocks until then.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		cause := s.spawnOnce(ctx)

		if ctx.Err() != nil {
			return
		}

		restart, after := s.policy(cause)
		if !restart {
			s.log.Infof("%s: stopping, restart policy declined", s.name)
			return
		}

		if after > 0 {
			select {
			case <-time.After(after):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Supervisor) spawnOnce(ctx context.Context) (cause ExitCause) {
	s.Metrics.recordSpawn()
	task := s.ctor()

	defer func() {
		if r := recover(); r != nil {
			s.Metrics.recordPanic()
			s.log.Errorf("%s: recovered panic: %v", s.name, r)
			cause = ExitCause{Panicked: true, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	err := task(ctx)
	if err == nil {
		return ExitCause{Stopped: true}
	}
	if ctx.Err() != nil {
		return ExitCause{Stopped: true}
	}
	s.log.Warnf("%s: task exited with error: %v", s.name, err)
	return ExitCause{Err: err}
}
