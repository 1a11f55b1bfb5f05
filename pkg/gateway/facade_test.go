package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/llmgateway/scheduler/pkg/config"
	"github.com/llmgateway/scheduler/pkg/logging"
	"github.com/llmgateway/scheduler/pkg/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeHost is a minimal in-memory scheduler.ContainerHost, just enough to
// drive the facade's acquire/release round trip without a real daemon.
type fakeHost struct {
	mu      sync.Mutex
	running map[string]bool
}

func newFakeHost() *fakeHost { return &fakeHost{running: map[string]bool{}} }

func (f *fakeHost) Exists(ctx context.Context, name string) (bool, error) { return true, nil }
func (f *fakeHost) Create(ctx context.Context, desc config.ModelDescriptor) error {
	return nil
}
func (f *fakeHost) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = true
	return nil
}
func (f *fakeHost) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = false
	return nil
}
func (f *fakeHost) IsRunning(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name], nil
}
func (f *fakeHost) IsHealthy(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name], nil
}
func (f *fakeHost) HostnameOf(desc config.ModelDescriptor) string {
	return desc.ContainerName + ":8080"
}

type fakeProbe struct{ totalMB uint64 }

func (p *fakeProbe) Total(ctx context.Context) uint64 { return p.totalMB }
func (p *fakeProbe) Used(ctx context.Context) uint64  { return 0 }
func (p *fakeProbe) Free(ctx context.Context) uint64  { return p.totalMB }

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logging.NewLogrusAdapter(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestFacade() *Facade {
	descs := []config.ModelDescriptor{{Name: "a", ContainerName: "llm_a"}}
	sched := scheduler.NewScheduler(testLogger(), newFakeHost(), &fakeProbe{totalMB: 48000}, nil, descs, map[string]uint64{"a": 1000})
	return New(sched)
}

func TestWithBackendReleasesOnSuccess(t *testing.T) {
	f := newTestFacade()

	var gotEndpoint scheduler.Endpoint
	err := f.WithBackend(context.Background(), "a", func(ctx context.Context, ep scheduler.Endpoint) error {
		gotEndpoint = ep
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "llm_a", gotEndpoint.Host)

	// The lease must have been released: a second acquisition must not block
	// or panic on a lingering active-request count.
	err = f.WithBackend(context.Background(), "a", func(ctx context.Context, ep scheduler.Endpoint) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithBackendReleasesOnCallerError(t *testing.T) {
	f := newTestFacade()
	boom := errors.New("boom")

	err := f.WithBackend(context.Background(), "a", func(ctx context.Context, ep scheduler.Endpoint) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Released despite the error: another acquisition must succeed cleanly.
	err = f.WithBackend(context.Background(), "a", func(ctx context.Context, ep scheduler.Endpoint) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithBackendPropagatesAcquisitionError(t *testing.T) {
	f := newTestFacade()

	called := false
	err := f.WithBackend(context.Background(), "missing", func(ctx context.Context, ep scheduler.Endpoint) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.False(t, called)
}
