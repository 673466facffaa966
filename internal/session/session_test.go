package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/oslctl/internal/engine"
	"github.com/rbright/oslctl/internal/ipc"
	"github.com/rbright/oslctl/internal/localsock"
)

type fakeEngine struct {
	mu          sync.Mutex
	state       string
	statusErr   error
	startErr    error
	starts      []engine.StartOptions
	stops       []engine.StopOptions
	shutdownErr error
	shutdowns   []bool
	disposed    atomic.Bool
}

func (*fakeEngine) Endpoint() localsock.Endpoint { return localsock.TCP("127.0.0.1", 4711) }

func (f *fakeEngine) ProjectStatus(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.statusErr
}

func (*fakeEngine) Version(context.Context) (engine.Version, error) {
	return engine.Version{Major: 24, Minor: 1, Build: 1234}, nil
}

func (f *fakeEngine) Start(_ context.Context, opts engine.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, opts)
	if f.startErr == nil {
		f.state = "PROCESSING"
	}
	return f.startErr
}

func (f *fakeEngine) Stop(_ context.Context, opts engine.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, opts)
	f.state = "STOPPED"
	return nil
}

func (f *fakeEngine) Shutdown(_ context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, force)
	return f.shutdownErr
}

func (f *fakeEngine) Dispose(context.Context) { f.disposed.Store(true) }

func (f *fakeEngine) shutdownCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.shutdowns...)
}

type fakeProcess struct {
	exit chan int
}

func (*fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-p.exit:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func runAsync(ctx context.Context, ctrl *Controller) <-chan Result {
	done := make(chan Result, 1)
	go func() { done <- ctrl.Run(ctx) }()
	return done
}

func TestHandleStatusAndUnknownCommand(t *testing.T) {
	eng := &fakeEngine{state: "IDLE"}
	ctrl := NewController(nil, eng, &fakeProcess{})

	status := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus})
	require.True(t, status.OK)
	require.Equal(t, "IDLE", status.State)
	require.Equal(t, "tcp://127.0.0.1:4711", status.Endpoint)
	require.Equal(t, 4242, status.PID)
	require.Equal(t, "24.1.0 (1234)", status.Version)

	unknown := ctrl.Handle(context.Background(), ipc.Request{Command: "definitely-unknown"})
	require.False(t, unknown.OK)
	require.Contains(t, unknown.Error, "unknown command")
}

func TestHandleStatusError(t *testing.T) {
	eng := &fakeEngine{statusErr: errors.New("engine gone")}
	ctrl := NewController(nil, eng, nil)

	status := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus})
	require.False(t, status.OK)
	require.Equal(t, "engine gone", status.Error)
	require.Zero(t, status.PID)
}

func TestHandleStartAndStopForwardOptions(t *testing.T) {
	eng := &fakeEngine{state: "IDLE"}
	ctrl := NewController(nil, eng, nil)

	start := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStart, Wait: true, TimeoutMS: 2500})
	require.True(t, start.OK)
	require.Equal(t, "PROCESSING", start.State)
	require.Equal(t, []engine.StartOptions{{WaitStarted: true, WaitFinished: true, Timeout: 2500 * time.Millisecond}}, eng.starts)

	started := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStart, WaitStarted: true})
	require.True(t, started.OK)
	require.Equal(t, engine.StartOptions{WaitStarted: true}, eng.starts[1])

	stop := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStop, Gently: true})
	require.True(t, stop.OK)
	require.Equal(t, "STOPPED", stop.State)
	require.Equal(t, []engine.StopOptions{{Gently: true}}, eng.stops)
}

func TestHandleStartFailure(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("project execution failed")}
	ctrl := NewController(nil, eng, nil)

	resp := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStart})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "project execution failed")
}

func TestShutdownRequestEndsRun(t *testing.T) {
	eng := &fakeEngine{}
	ctrl := NewController(nil, eng, &fakeProcess{exit: make(chan int)})
	done := runAsync(context.Background(), ctrl)

	resp := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandShutdown, Force: true})
	require.True(t, resp.OK)
	require.Equal(t, "shutdown requested", resp.Message)

	select {
	case result := <-done:
		require.NoError(t, result.Err)
		require.True(t, result.ShutdownRequested)
		require.True(t, result.Forced)
		require.Equal(t, StateClosed, result.State)
		require.NotZero(t, result.FinishedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, []bool{true}, eng.shutdownCalls())

	late := ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandStart})
	require.False(t, late.OK)
	require.Contains(t, late.Error, "cannot start while closed")
}

func TestShutdownAlreadyRequested(t *testing.T) {
	ctrl := NewController(nil, &fakeEngine{}, nil)
	ctrl.shutdowns <- shutdownAction{}

	resp := ctrl.requestShutdown(false)
	require.True(t, resp.OK)
	require.Equal(t, "shutdown already requested", resp.Message)
}

func TestShutdownFailureIsReported(t *testing.T) {
	eng := &fakeEngine{shutdownErr: errors.New("busy")}
	ctrl := NewController(nil, eng, nil)
	done := runAsync(context.Background(), ctrl)

	ctrl.Handle(context.Background(), ipc.Request{Command: ipc.CommandShutdown})
	result := <-done
	require.EqualError(t, result.Err, "busy")
	require.False(t, result.Forced)
}

func TestEngineExitEndsRun(t *testing.T) {
	eng := &fakeEngine{}
	proc := &fakeProcess{exit: make(chan int, 1)}
	ctrl := NewController(nil, eng, proc)
	done := runAsync(context.Background(), ctrl)

	proc.exit <- 3
	result := <-done
	require.True(t, result.EngineExited)
	require.Equal(t, 3, result.ExitCode)
	require.EqualError(t, result.Err, "engine exited with code 3")
	require.True(t, eng.disposed.Load())
	require.Empty(t, eng.shutdownCalls())
}

func TestCancelForcesLaunchedEngineDown(t *testing.T) {
	eng := &fakeEngine{}
	ctrl := NewController(nil, eng, &fakeProcess{exit: make(chan int)})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ctrl)

	cancel()
	result := <-done
	require.ErrorIs(t, result.Err, context.Canceled)
	require.True(t, result.Forced)
	require.Equal(t, []bool{true}, eng.shutdownCalls())
}

func TestCancelAttachedSessionDetaches(t *testing.T) {
	eng := &fakeEngine{}
	ctrl := NewController(nil, eng, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ctrl)

	cancel()
	result := <-done
	require.ErrorIs(t, result.Err, context.Canceled)
	require.False(t, result.Forced)
	require.True(t, eng.disposed.Load())
	require.Empty(t, eng.shutdownCalls())
}
