package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	name       string
	startErr   error
	stopErr    error
	starts     int
	stops      int
	interval   int
	ready      error
	stopLog    *[]string
}

func (f *fakeJob) Name() string { return f.name }
func (f *fakeJob) Start(ctx context.Context) error {
	f.starts++
	return f.startErr
}
func (f *fakeJob) Stop(ctx context.Context) error {
	f.stops++
	if f.stopLog != nil {
		*f.stopLog = append(*f.stopLog, f.name)
	}
	return f.stopErr
}
func (f *fakeJob) Ready(ctx context.Context) error { return f.ready }
func (f *fakeJob) SetIntervalSeconds(seconds int)  { f.interval = seconds }

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(channel string, payload interface{}) {
	p.events = append(p.events, channel)
}

func TestStartAllStartsEveryEnabledJob(t *testing.T) {
	sup := New(nil)
	a := &fakeJob{name: "a"}
	b := &fakeJob{name: "b"}
	sup.Register("a", a, true)
	sup.Register("b", b, false)

	require.NoError(t, sup.StartAll(context.Background()))
	require.Equal(t, 1, a.starts)
	require.Equal(t, 0, b.starts)
}

func TestStopAllStopsInReverseOrder(t *testing.T) {
	sup := New(nil)
	var order []string
	a := &fakeJob{name: "a", stopLog: &order}
	b := &fakeJob{name: "b", stopLog: &order}
	sup.Register("a", a, true)
	sup.Register("b", b, true)
	require.NoError(t, sup.StartAll(context.Background()))

	require.NoError(t, sup.StopAll(context.Background()))
	require.Equal(t, []string{"b", "a"}, order)
	require.Equal(t, 1, a.stops)
	require.Equal(t, 1, b.stops)
}

func TestRestartAppliesNewInterval(t *testing.T) {
	sup := New(nil)
	j := &fakeJob{name: "flywheel"}
	sup.Register("flywheel", j, true)
	require.NoError(t, sup.Start(context.Background(), "flywheel"))

	newInterval := 45
	require.NoError(t, sup.Restart(context.Background(), "flywheel", &newInterval))
	require.Equal(t, 45, j.interval)
	require.Equal(t, 2, j.starts)
	require.Equal(t, 1, j.stops)
}

func TestStartPropagatesJobError(t *testing.T) {
	sup := New(nil)
	j := &fakeJob{name: "bad", startErr: errors.New("boom")}
	sup.Register("bad", j, true)

	err := sup.Start(context.Background(), "bad")
	require.Error(t, err)

	status := sup.Status(context.Background())
	require.Len(t, status.Jobs, 1)
	require.Equal(t, "bad", status.Jobs[0].Name)
	require.False(t, status.Jobs[0].Running)
}

func TestStatusReflectsReadiness(t *testing.T) {
	sup := New(nil)
	j := &fakeJob{name: "ok"}
	sup.Register("ok", j, true)
	require.NoError(t, sup.Start(context.Background(), "ok"))

	status := sup.Status(context.Background())
	require.Len(t, status.Jobs, 1)
	require.True(t, status.Jobs[0].Running)
	require.Equal(t, "ready", status.Jobs[0].State)
}

func TestUnknownJobReturnsError(t *testing.T) {
	sup := New(nil)
	require.Error(t, sup.Start(context.Background(), "missing"))
	require.Error(t, sup.Stop(context.Background(), "missing"))
	require.Error(t, sup.Restart(context.Background(), "missing", nil))
}

func TestPublisherReceivesJobStatusEvents(t *testing.T) {
	sup := New(nil)
	pub := &recordingPublisher{}
	sup.SetPublisher(pub)
	j := &fakeJob{name: "a"}
	sup.Register("a", j, true)

	require.NoError(t, sup.Start(context.Background(), "a"))
	require.NoError(t, sup.Stop(context.Background(), "a"))

	require.Len(t, pub.events, 2)
	require.Equal(t, "job_status", pub.events[0])
	require.Equal(t, "job_status", pub.events[1])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sup := New(nil)
	j := &fakeJob{name: "a"}
	sup.Register("a", j, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, 2*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.Equal(t, 1, j.starts)
	require.Equal(t, 1, j.stops)
}
