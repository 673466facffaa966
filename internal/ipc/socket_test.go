package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReplacesStaleSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "oslctl.sock")
	stale, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())
	_, err = os.Stat(socketPath)
	require.NoError(t, err)

	server, err := Acquire(context.Background(), socketPath, 50*time.Millisecond, 2, nil)
	require.NoError(t, err)
	defer server.Close()
	require.Equal(t, socketPath, server.Endpoint().Address)
}

func TestAcquireReturnsAlreadyRunningWhenSocketResponsive(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "oslctl.sock")
	server := bind(t, socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- Serve(ctx, server, HandlerFunc(func(_ context.Context, _ Request) Response {
			return Response{OK: true, State: "PROCESSING"}
		}))
	}()

	_, err := Acquire(context.Background(), socketPath, 500*time.Millisecond, 1, nil)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Acquire() error = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	if serveErr := <-serverDone; serveErr != nil {
		t.Fatalf("Serve() error = %v", serveErr)
	}
}

func TestAcquireDoesNotUnlinkWhenProbeInconclusive(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "oslctl.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				time.Sleep(250 * time.Millisecond)
			}(conn)
		}
	}()

	rescued := false
	_, err = Acquire(context.Background(), socketPath, 30*time.Millisecond, 0, func(context.Context) error {
		rescued = true
		return nil
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyRunning)
	require.Contains(t, err.Error(), "probe existing socket")
	require.False(t, rescued)

	_, statErr := os.Stat(socketPath)
	require.NoError(t, statErr)
	require.NoError(t, listener.Close())
	<-acceptDone
}

func TestAcquireRejectsNonSocketPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "oslctl.sock")
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0o600))

	_, err := Acquire(context.Background(), path, 50*time.Millisecond, 1, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a socket")
}

func TestRuntimeSocketPathRequiresXDG(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	_, err := RuntimeSocketPath()
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRuntimeSocketPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	path, err := RuntimeSocketPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "oslctl.sock"), path)
}
