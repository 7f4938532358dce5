// Package core provides the small set of cross-cutting types every engine
// component is built on: a lifecycle state machine, an error taxonomy, and a
// tracer hook. None of this carries business logic.
package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the current lifecycle state of a component.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateNotReady
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateNotReady:
		return "not-ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ServiceBase gives a component a thread-safe ready/not-ready toggle and a
// uniform Ready(ctx) implementation. Embed it into any long-running job.
type ServiceBase struct {
	state     atomic.Int32
	name      atomic.Value
	startedAt atomic.Value
	stoppedAt atomic.Value

	mu       sync.RWMutex
	lastErr  error
	metadata map[string]string
}

// SetName records a display name used in Ready() error messages.
func (b *ServiceBase) SetName(name string) {
	b.name.Store(strings.TrimSpace(name))
}

// Name returns the stored display name, or "" if unset.
func (b *ServiceBase) Name() string {
	if v := b.name.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// State returns the current lifecycle state.
func (b *ServiceBase) State() State { return State(b.state.Load()) }

// MarkReady toggles between StateReady and StateNotReady.
func (b *ServiceBase) MarkReady(ready bool) {
	if ready {
		b.state.Store(int32(StateReady))
	} else {
		b.state.Store(int32(StateNotReady))
	}
}

// MarkStarted records the start time and flips to StateReady.
func (b *ServiceBase) MarkStarted() {
	b.startedAt.Store(time.Now())
	b.state.Store(int32(StateReady))
}

// MarkStopped records the stop time and flips to StateStopped.
func (b *ServiceBase) MarkStopped() {
	b.stoppedAt.Store(time.Now())
	b.state.Store(int32(StateStopped))
}

// MarkFailed records the failure and flips to StateFailed.
func (b *ServiceBase) MarkFailed(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.state.Store(int32(StateFailed))
}

// LastError returns the most recently recorded failure, if any.
func (b *ServiceBase) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// StartedAt returns the recorded start time, or the zero value.
func (b *ServiceBase) StartedAt() time.Time {
	if v := b.startedAt.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// Uptime reports how long the component has been running.
func (b *ServiceBase) Uptime() time.Duration {
	started := b.StartedAt()
	if started.IsZero() {
		return 0
	}
	if v := b.stoppedAt.Load(); v != nil {
		return v.(time.Time).Sub(started)
	}
	return time.Since(started)
}

// IsReady reports whether the component is in StateReady.
func (b *ServiceBase) IsReady() bool { return b.State() == StateReady }

// Ready implements the standard readiness probe used by the job supervisor.
func (b *ServiceBase) Ready(ctx context.Context) error {
	_ = ctx
	if b.State() == StateReady {
		return nil
	}
	name := b.Name()
	if err := b.LastError(); err != nil {
		if name != "" {
			return fmt.Errorf("%s: %w", name, err)
		}
		return err
	}
	if name != "" {
		return fmt.Errorf("%s: %s", name, b.State())
	}
	return fmt.Errorf("component %s", b.State())
}

// SetMetadata attaches a key/value pair surfaced by the supervisor's status().
func (b *ServiceBase) SetMetadata(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.metadata == nil {
		b.metadata = make(map[string]string)
	}
	b.metadata[key] = value
}

// AllMetadata returns a copy of the component's metadata map.
func (b *ServiceBase) AllMetadata() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.metadata))
	for k, v := range b.metadata {
		out[k] = v
	}
	return out
}

// Layer describes the architectural slice a component belongs to.
type Layer string

const (
	LayerGateway  Layer = "gateway"
	LayerAdapter  Layer = "adapter"
	LayerEngine   Layer = "engine"
	LayerSecurity Layer = "security"
)

// Descriptor advertises a component's placement for diagnostics; it never
// changes runtime behavior.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}
