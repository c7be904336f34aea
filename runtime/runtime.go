// Package runtime hosts a model's splitter, generator, and resolver roles
// as goroutines inside one process, following the teacher's
// LifecycleComponent pattern (Initialize -> Start(ctx) -> Stop(timeout))
// but adapted to pass ctx through Initialize as well, since every role's
// setup step (creating durable consumer groups) is itself a broker call
// that must be cancellable.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/pybrook/pybrook/logging"
	"github.com/pybrook/pybrook/metric"
)

// Role is the lifecycle every splitter.Role, generator.Role, and
// resolver.Role instance satisfies.
type Role interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// roleStatus mirrors component.State's created/initialized/started/stopped/
// failed progression, recorded per role in the metrics registry.
type roleStatus int

const (
	statusCreated roleStatus = iota
	statusInitialized
	statusStarted
	statusStopped
	statusFailed
)

// entry pairs a role with the name and kind it is reported under.
type entry struct {
	name string
	kind string
	role Role
}

// Supervisor owns every role instance in one engine process and drives
// their lifecycle together: Initialize and Start run in registration
// order, Stop runs in reverse so that, e.g., generators (which read what
// splitters write) are asked to drain before the splitters feeding them
// are stopped.
type Supervisor struct {
	log     *logging.Logger
	metrics *metric.Metrics
	entries []entry
}

// New constructs an empty Supervisor. Add roles with Add before calling
// Initialize.
func New(log *logging.Logger, metrics *metric.Metrics) *Supervisor {
	if log == nil {
		log = logging.Discard()
	}
	if metrics == nil {
		metrics = metric.NewMetrics()
	}
	return &Supervisor{log: log, metrics: metrics}
}

// Add registers a role under (kind, name) — e.g. ("splitter", "telemetry")
// — for lifecycle management and metric labeling.
func (s *Supervisor) Add(kind, name string, role Role) {
	s.entries = append(s.entries, entry{name: name, kind: kind, role: role})
	s.metrics.RecordRoleStatus(name, kind, int(statusCreated))
}

// Initialize runs every registered role's Initialize in registration
// order, stopping at the first failure.
func (s *Supervisor) Initialize(ctx context.Context) error {
	for _, e := range s.entries {
		if err := e.role.Initialize(ctx); err != nil {
			s.metrics.RecordRoleStatus(e.name, e.kind, int(statusFailed))
			return fmt.Errorf("runtime: initialize %s %q: %w", e.kind, e.name, err)
		}
		s.metrics.RecordRoleStatus(e.name, e.kind, int(statusInitialized))
	}
	return nil
}

// Start runs every registered role's Start in registration order. If any
// role fails to start, the roles already started are stopped before the
// error is returned, so a partial Supervisor never keeps goroutines
// running unsupervised.
func (s *Supervisor) Start(ctx context.Context) error {
	for i, e := range s.entries {
		if err := e.role.Start(ctx); err != nil {
			s.metrics.RecordRoleStatus(e.name, e.kind, int(statusFailed))
			s.stopFrom(i-1, 5*time.Second)
			return fmt.Errorf("runtime: start %s %q: %w", e.kind, e.name, err)
		}
		s.metrics.RecordRoleStatus(e.name, e.kind, int(statusStarted))
	}
	return nil
}

// Stop stops every registered role in reverse registration order, giving
// each up to timeout to drain. The first error encountered is returned
// after every role has been asked to stop; stopping continues past an
// individual failure so one stuck role cannot block the others' shutdown.
func (s *Supervisor) Stop(timeout time.Duration) error {
	return s.stopFrom(len(s.entries)-1, timeout)
}

func (s *Supervisor) stopFrom(last int, timeout time.Duration) error {
	var firstErr error
	for i := last; i >= 0; i-- {
		e := s.entries[i]
		if err := e.role.Stop(timeout); err != nil {
			s.metrics.RecordRoleStatus(e.name, e.kind, int(statusFailed))
			s.log.Errorf("runtime: stop %s %q: %v", e.kind, e.name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("runtime: stop %s %q: %w", e.kind, e.name, err)
			}
			continue
		}
		s.metrics.RecordRoleStatus(e.name, e.kind, int(statusStopped))
	}
	return firstErr
}
