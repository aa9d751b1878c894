package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicService_RunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	svc := NewPeriodicService("sweep", 5*time.Millisecond, true, zerolog.Nop(), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, "sweep", svc.String())
}

func TestPeriodicService_ErrorsDoNotStopTheLoop(t *testing.T) {
	var runs atomic.Int32
	svc := NewPeriodicService("collect", 2*time.Millisecond, false, zerolog.Nop(), func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("upstream down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Serve(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestPeriodicService_RejectsZeroInterval(t *testing.T) {
	svc := NewPeriodicService("health", 0, false, zerolog.Nop(), func(context.Context) error { return nil })
	assert.Error(t, svc.Serve(context.Background()))
}

type fakeServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeServer(listenErr error) *fakeServer {
	return &fakeServer{listenErr: listenErr, stop: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	close(f.stop)
	return nil
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	srv := newFakeServer(nil)
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("http service did not stop")
	}
	assert.Equal(t, int32(1), srv.shutdowns.Load())
}

func TestHTTPService_ListenFailure(t *testing.T) {
	svc := NewHTTPService(newFakeServer(errors.New("address in use")), 0)

	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}

func TestTree_RunsJobs(t *testing.T) {
	tree := NewTree(zerolog.Nop(), TreeConfig{ShutdownTimeout: time.Second})

	var runs atomic.Int32
	tree.AddJob(NewPeriodicService("job", time.Millisecond, true, zerolog.Nop(), func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	tree.AddAPI(NewHTTPService(newFakeServer(nil), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}
