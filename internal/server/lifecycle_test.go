package server_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/dolcore/internal/server"
)

type mockService struct {
	name    string
	order   *stopOrder
	started atomic.Bool
	stopped atomic.Bool
	startFn func(ctx context.Context) error
	stopErr error
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) add(name string) {
	o.mu.Lock()
	o.names = append(o.names, name)
	o.mu.Unlock()
}

func (m *mockService) Start(ctx context.Context) error {
	m.started.Store(true)
	if m.startFn != nil {
		return m.startFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (m *mockService) Stop(context.Context) error {
	m.stopped.Store(true)
	if m.order != nil {
		m.order.add(m.name)
	}
	return m.stopErr
}

func TestLifecycleStartsAndStopsServicesInReverse(t *testing.T) {
	lc := server.NewLifecycle(zaptest.NewLogger(t), time.Second)

	order := &stopOrder{}
	svc1 := &mockService{name: "svc1", order: order}
	svc2 := &mockService{name: "svc2", order: order}
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc1.started.Load() && svc2.started.Load()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	assert.True(t, svc1.stopped.Load())
	assert.True(t, svc2.stopped.Load())
	assert.Equal(t, []string{"svc2", "svc1"}, order.names)
}

func TestLifecycleServiceFailureStopsAll(t *testing.T) {
	lc := server.NewLifecycle(zaptest.NewLogger(t), time.Second)

	boom := errors.New("boom")
	healthy := &mockService{name: "healthy"}
	failing := &mockService{name: "failing", startFn: func(context.Context) error { return boom }}
	lc.Add("healthy", healthy)
	lc.Add("failing", failing)

	done := make(chan error, 1)
	go func() { done <- lc.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.ErrorContains(t, err, "service failing")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down after a failure")
	}
	assert.True(t, healthy.stopped.Load())
	assert.True(t, failing.stopped.Load())
}

func TestLifecycleJoinsStopErrors(t *testing.T) {
	lc := server.NewLifecycle(zaptest.NewLogger(t), time.Second)
	stuck := errors.New("stuck")
	lc.Add("svc", &mockService{name: "svc", stopErr: stuck})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := lc.Run(ctx)
	assert.ErrorIs(t, err, stuck)
	assert.ErrorContains(t, err, "stopping svc")
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &server.FuncService{
		StartFn: func(context.Context) error {
			started = true
			return nil
		},
		StopFn: func(context.Context) error {
			stopped = true
			return nil
		},
	}

	assert.NoError(t, svc.Start(context.Background()))
	assert.True(t, started)
	assert.NoError(t, svc.Stop(context.Background()))
	assert.True(t, stopped)

	assert.NoError(t, (&server.FuncService{StartFn: svc.StartFn}).Stop(context.Background()))
}

func TestBackgroundBlocksUntilCancelled(t *testing.T) {
	var started, stopped atomic.Bool
	svc := server.Background(
		func() error { started.Store(true); return nil },
		func() { stopped.Store(true) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, started.Load, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("background service returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, svc.Stop(context.Background()))
	assert.True(t, stopped.Load())

	failing := server.Background(func() error { return errors.New("no") }, func() {})
	assert.Error(t, failing.Start(context.Background()))
}
