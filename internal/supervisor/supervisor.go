// Package supervisor implements the job supervisor (C11): start/stop/restart
// of the engine's periodic jobs, graceful shutdown on SIGTERM/SIGINT within a
// bounded grace window, and a status() snapshot combining every job's
// lifecycle state with a host resource reading.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/flywheel-engine/engine/internal/core"
	"github.com/flywheel-engine/engine/internal/logger"
)

// Job is anything the supervisor can start, stop, and name. The engine's
// background components (chain gateway excepted, which has no independent
// lifecycle of its own) satisfy this with their existing Start/Stop
// methods, except the flywheel scheduler, whose Start takes its two cadence
// intervals and which the entrypoint wraps in an adapter.
type Job interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Healthy is optionally implemented by a Job to report fine-grained
// readiness beyond "Start returned no error". core.ServiceBase already
// provides this, so every job built on it gets it for free.
type Healthy interface {
	Ready(ctx context.Context) error
}

// IntervalSetter is optionally implemented by a Job whose cadence can be
// retuned without rebuilding it, so restart(jobName, newIntervalSec) can
// apply a new interval before the job is started again.
type IntervalSetter interface {
	SetIntervalSeconds(seconds int)
}

// Publisher is the subset of adminbus.Bus the supervisor fans job status
// transitions out through.
type Publisher interface {
	Publish(channel string, payload interface{})
}

// JobStatus is one job's entry in a Status snapshot.
type JobStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// HostStatus is a point-in-time host resource reading, sourced from
// gopsutil, folded into Status() alongside each job's own state per
// SPEC_FULL.md's C11 expansion.
type HostStatus struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	Load1         float64 `json:"load1"`
	SampledOK     bool    `json:"sampled_ok"`
	SampleError   string  `json:"sample_error,omitempty"`
}

// Status is the full snapshot returned by status().
type Status struct {
	Jobs []JobStatus `json:"jobs"`
	Host HostStatus  `json:"host"`
}

type managedJob struct {
	name    string
	job     Job
	enabled bool

	mu      sync.Mutex
	running bool
	lastErr error
}

// Supervisor is the C11 service: a named registry of managed jobs plus the
// start/stop/restart/status operations spec.md §4.9 names.
type Supervisor struct {
	core.ServiceBase

	log *logger.Logger
	pub Publisher

	mu    sync.RWMutex
	jobs  map[string]*managedJob
	order []string
}

// New builds an empty Supervisor. Register every job before calling
// StartAll.
func New(log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.NewDefault("job-supervisor")
	}
	s := &Supervisor{
		log:  log.Named("job-supervisor"),
		jobs: make(map[string]*managedJob),
	}
	s.SetName("job-supervisor")
	return s
}

// SetPublisher wires an admin bus (or any Publisher) so every start/stop/
// restart transition is fanned out on the "job_status" channel.
func (s *Supervisor) SetPublisher(pub Publisher) { s.pub = pub }

// Register adds a job to the supervisor under name. enabled controls whether
// StartAll brings it up; a disabled job can still be started individually
// with Start.
func (s *Supervisor) Register(name string, job Job, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; !exists {
		s.order = append(s.order, name)
	}
	s.jobs[name] = &managedJob{name: name, job: job, enabled: enabled}
}

func (s *Supervisor) get(name string) (*managedJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not registered", name)
	}
	return mj, nil
}

// Start starts the named job if it is not already running.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	mj, err := s.get(name)
	if err != nil {
		return err
	}
	mj.mu.Lock()
	defer mj.mu.Unlock()
	if mj.running {
		return nil
	}
	if err := mj.job.Start(ctx); err != nil {
		mj.lastErr = err
		s.publishStatus(name, "start_failed", err)
		return fmt.Errorf("start %s: %w", name, err)
	}
	mj.running = true
	mj.lastErr = nil
	s.publishStatus(name, "started", nil)
	return nil
}

// Stop stops the named job, honoring a 10s grace window per spec.md §4.9:
// outstanding work is allowed to finish its current attempt but the call
// itself will not wait past the window before returning the job's own error
// (the window is enforced by the caller passing a deadlined ctx).
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	mj, err := s.get(name)
	if err != nil {
		return err
	}
	mj.mu.Lock()
	defer mj.mu.Unlock()
	if !mj.running {
		return nil
	}
	err = mj.job.Stop(ctx)
	mj.running = false
	if err != nil {
		mj.lastErr = err
		s.publishStatus(name, "stop_failed", err)
		return fmt.Errorf("stop %s: %w", name, err)
	}
	s.publishStatus(name, "stopped", nil)
	return nil
}

// Restart stops then starts the named job. If newIntervalSec is non-nil and
// the job implements IntervalSetter, the new interval is applied between the
// stop and the start.
func (s *Supervisor) Restart(ctx context.Context, name string, newIntervalSec *int) error {
	mj, err := s.get(name)
	if err != nil {
		return err
	}
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	if newIntervalSec != nil {
		if setter, ok := mj.job.(IntervalSetter); ok {
			setter.SetIntervalSeconds(*newIntervalSec)
		}
	}
	return s.Start(ctx, name)
}

// StartAll starts every enabled job, in registration order, returning the
// first error encountered (subsequent jobs are still attempted).
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.MarkStarted()
	var firstErr error
	for _, name := range s.registeredOrder() {
		mj, _ := s.get(name)
		if !mj.enabled {
			continue
		}
		if err := s.Start(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every running job in reverse registration order. ctx should
// carry the grace-window deadline; jobs still running when it expires are
// left to their own Stop implementation's judgment (spec.md §4.9: in-flight
// C4 attempts finish, they do not retry).
func (s *Supervisor) StopAll(ctx context.Context) error {
	order := s.registeredOrder()
	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		if err := s.Stop(ctx, order[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.MarkStopped()
	return firstErr
}

// Run starts every enabled job, blocks until ctx is cancelled, then stops
// every job within shutdownGrace. This is the process's main loop, grounded
// on the teacher's signal-then-graceful-shutdown idiom.
func (s *Supervisor) Run(ctx context.Context, shutdownGrace time.Duration) error {
	if err := s.StartAll(ctx); err != nil {
		s.log.WithComponent().WithError(err).Error("one or more jobs failed to start")
	}
	<-ctx.Done()
	s.log.WithComponent().Info("shutdown signal received, stopping jobs")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.StopAll(stopCtx)
}

func (s *Supervisor) registeredOrder() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Status returns every job's current state plus a host resource snapshot.
func (s *Supervisor) Status(ctx context.Context) Status {
	names := s.registeredOrder()
	sort.Strings(names)

	out := Status{Jobs: make([]JobStatus, 0, len(names))}
	for _, name := range names {
		mj, err := s.get(name)
		if err != nil {
			continue
		}
		mj.mu.Lock()
		js := JobStatus{
			Name:    name,
			Enabled: mj.enabled,
			Running: mj.running,
		}
		if mj.lastErr != nil {
			js.Error = mj.lastErr.Error()
		}
		job := mj.job
		mj.mu.Unlock()

		js.State = "stopped"
		if healthy, ok := job.(Healthy); ok {
			if err := healthy.Ready(ctx); err != nil {
				js.State = "not_ready"
				if js.Error == "" {
					js.Error = err.Error()
				}
			} else {
				js.State = "ready"
			}
		} else if js.Running {
			js.State = "running"
		}
		out.Jobs = append(out.Jobs, js)
	}

	out.Host = hostStatus()
	return out
}

func hostStatus() HostStatus {
	var hs HostStatus
	percents, err := cpu.Percent(150*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		hs.SampleError = errString(err, "no cpu sample")
	} else {
		hs.CPUPercent = percents[0]
		hs.SampledOK = true
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		hs.MemPercent = vm.UsedPercent
	} else if hs.SampleError == "" {
		hs.SampleError = errString(err, "no memory sample")
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		hs.Load1 = avg.Load1
	}
	return hs
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

func (s *Supervisor) publishStatus(name, event string, jobErr error) {
	if s.pub == nil {
		return
	}
	payload := map[string]interface{}{
		"job":   name,
		"event": event,
	}
	if jobErr != nil {
		payload["error"] = jobErr.Error()
	}
	s.pub.Publish("job_status", payload)
}
