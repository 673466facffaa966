//go:build unix

package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/enginetest"
	"github.com/rbright/oslctl/internal/notify"
	"github.com/rbright/oslctl/internal/supervisor"
)

// scriptedLauncher stands in for the engine binary: it starts a real placeholder process,
// serves commands from an in-process engine double, and performs the engine's startup
// handshake from the command line it was given.
type scriptedLauncher struct {
	engine  *enginetest.Engine
	sendUp  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	args    []string
	started supervisor.Started
}

func newScriptedLauncher(t *testing.T, sendUp bool) *scriptedLauncher {
	l := &scriptedLauncher{engine: enginetest.Start(t), sendUp: sendUp, stop: make(chan struct{})}
	t.Cleanup(func() {
		close(l.stop)
		l.wg.Wait()
	})
	return l
}

func (l *scriptedLauncher) Launch(spec supervisor.Spec) (supervisor.Started, error) {
	l.mu.Lock()
	l.args = spec.Args
	l.mu.Unlock()

	host, port, err := splitHostPort(argValue(spec.Args, "--register-tcp-listener="))
	if err != nil {
		return supervisor.Started{}, err
	}
	l.engine.Register(enginetest.Listener{
		UID:           argValue(spec.Args, "--tcp-listener-id="),
		Host:          host,
		Port:          port,
		Notifications: []string{notify.ServerUp, notify.ServerDown},
	})

	started, err := supervisor.ExecLauncher{}.Launch(supervisor.Spec{Path: "sleep", Args: []string{"30"}})
	if err != nil {
		return supervisor.Started{}, err
	}
	l.mu.Lock()
	l.started = started
	l.mu.Unlock()

	_, enginePort, err := l.engine.Endpoint().HostPort()
	if err != nil {
		return supervisor.Started{}, err
	}
	info := fmt.Sprintf("[server]\nserver_address=127.0.0.1\nserver_port=%d\n", enginePort)
	if err := os.WriteFile(argValue(spec.Args, "--write-server-info="), []byte(info), 0o600); err != nil {
		return supervisor.Started{}, err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if l.sendUp {
			_ = l.engine.Notify(notify.ServerUp, map[string]any{"port": enginePort})
		}
		select {
		case <-l.engine.ShutdownRequested():
		case <-l.stop:
		}
		_ = started.Process.Kill()
	}()
	return started, nil
}

func (l *scriptedLauncher) Args() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.args
}

func splitHostPort(addr string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(rawPort)
	return host, port, err
}

func argValue(args []string, prefix string) string {
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, prefix); ok {
			return v
		}
	}
	return ""
}

func launch(t *testing.T, l *scriptedLauncher) *Server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Launch(ctx, LaunchConfig{
		Supervisor: supervisor.Config{
			Executable:     "optislang",
			Batch:          true,
			StartupTimeout: 5 * time.Second,
			Grace:          time.Second,
			Launcher:       l,
		},
		Options: Options{Listener: ListenerOptions{TimeoutMS: 2000}},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Dispose(context.Background())
		_ = s.Process().Terminate(context.Background(), true)
	})
	return s
}

func TestLaunchAdoptsMainListener(t *testing.T) {
	l := newScriptedLauncher(t, true)
	s := launch(t, l)

	require.NotNil(t, s.Process())
	require.True(t, s.Process().IsRunning())
	require.Equal(t, l.engine.Endpoint(), s.Endpoint())

	args := l.Args()
	id := argValue(args, "--tcp-listener-id=")
	require.NotEmpty(t, id)
	_, port, err := net.SplitHostPort(argValue(args, "--register-tcp-listener="))
	require.NoError(t, err)
	_, err = strconv.Atoi(port)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		reg, ok := l.engine.Listener(id)
		return ok && reg.Refreshes > 0
	}, 5*time.Second, 50*time.Millisecond)
	require.Zero(t, l.engine.Count(command.NameRegisterListener))
}

func TestLaunchWithoutServerUp(t *testing.T) {
	l := newScriptedLauncher(t, false)
	s := launch(t, l)

	alive, err := s.IsAlive(context.Background())
	require.NoError(t, err)
	require.True(t, alive)
}

func TestLaunchedEngineShutdown(t *testing.T) {
	l := newScriptedLauncher(t, true)
	s := launch(t, l)
	proc := s.Process()

	require.NoError(t, s.Shutdown(context.Background(), true))
	require.False(t, proc.IsRunning())
	require.Empty(t, l.engine.Listeners())
}

func TestLaunchedEngineGracefulTerminate(t *testing.T) {
	l := newScriptedLauncher(t, true)
	s := launch(t, l)

	require.NoError(t, s.Process().Terminate(context.Background(), false))
	require.False(t, s.Process().IsRunning())
	select {
	case <-l.engine.ShutdownRequested():
	default:
		t.Fatal("engine was not asked to shut down")
	}
}

func TestLaunchFailsWhenEngineNeverAnswers(t *testing.T) {
	l := newScriptedLauncher(t, true)
	l.engine.Silence(command.WhatServerIsAlive)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := Launch(ctx, LaunchConfig{
		Supervisor: supervisor.Config{
			Executable:     "optislang",
			StartupTimeout: 5 * time.Second,
			Grace:          time.Second,
			Launcher:       l,
		},
		Options: Options{RequestTimeout: 200 * time.Millisecond, MaxAttempts: 1},
	})
	require.Error(t, err)

	l.mu.Lock()
	pid := l.started.Process.Pid()
	l.mu.Unlock()
	require.Eventually(t, func() bool {
		return !supervisor.PIDAlive(context.Background(), int32(pid))
	}, 5*time.Second, 50*time.Millisecond)
}
