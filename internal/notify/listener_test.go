package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/oslctl/internal/client"
	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/enginetest"
	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/fsm"
	"github.com/rbright/oslctl/internal/localsock"
)

// engineRegistrar opens one command connection per request.
type engineRegistrar struct {
	ep localsock.Endpoint
}

func (r engineRegistrar) send(ctx context.Context, cmd command.Command) (client.Response, error) {
	c := client.New(nil)
	if err := c.Connect(ctx, r.ep, time.Second); err != nil {
		return client.Response{}, err
	}
	defer c.Disconnect()
	return c.SendCommandAndWait(command.NewEnvelope(cmd), 2*time.Second)
}

func (r engineRegistrar) RegisterListener(ctx context.Context, reg command.ListenerRegistration) (string, error) {
	cmd, err := command.RegisterListener(reg)
	if err != nil {
		return "", err
	}
	resp, err := r.send(ctx, cmd)
	if err != nil {
		return "", err
	}
	uid, _ := command.LookupString(resp.Decoded, "uid")
	return uid, nil
}

func (r engineRegistrar) RefreshListener(ctx context.Context, uid string) error {
	_, err := r.send(ctx, command.RefreshListenerRegistration(uid))
	return err
}

func (r engineRegistrar) UnregisterListener(ctx context.Context, uid string) error {
	_, err := r.send(ctx, command.UnregisterListener(uid))
	return err
}

func startRegistered(t *testing.T, engine *enginetest.Engine, opts Options) *Listener {
	t.Helper()
	opts.Registrar = engineRegistrar{ep: engine.Endpoint()}
	l := New(opts)
	t.Cleanup(func() { l.Dispose(context.Background()) })
	require.NoError(t, l.StartListening())
	require.NoError(t, l.Register(context.Background()))
	return l
}

func receive(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return Notification{}
	}
}

func TestListenerDeliversSubscribedNotifications(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "main", Notifications: []string{ExecutionFinished, ActorStateChanged}})

	require.Equal(t, fsm.StateRegistered, l.State())
	reg, ok := engine.Listener(l.UID())
	require.True(t, ok)
	require.Equal(t, []string{ExecutionFinished, ActorStateChanged}, reg.Notifications)
	require.Equal(t, command.DefaultListenerTimeoutMS, reg.TimeoutMS)
	host, port, err := l.Endpoint().HostPort()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, port, reg.Port)

	finished := l.Subscribe(ExecutionFinished)
	changed := l.Subscribe(ActorStateChanged)

	require.NoError(t, engine.Notify(ActorStateChanged, map[string]any{"actor_uid": "a1", "hid": "0.1"}))
	require.NoError(t, engine.Notify(ExecutionFinished, nil))

	n := receive(t, changed)
	require.Equal(t, ActorStateChanged, n.Type)
	require.Equal(t, "a1", n.ActorUID())
	require.Equal(t, "0.1", n.HID())

	require.Equal(t, ExecutionFinished, receive(t, finished).Type)
	require.Empty(t, finished.C())
}

func TestListenerPreservesEmissionOrder(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "order"})
	sub := l.Subscribe()

	kinds := []string{ExecutionStarted, ProcessingStarted, ActorStateChanged, ExecutionFinished}
	for _, kind := range kinds {
		require.NoError(t, engine.Notify(kind, nil))
	}
	for _, kind := range kinds {
		require.Equal(t, kind, receive(t, sub).Type)
	}
}

func TestListenerRefreshKeepsRegistrationAlive(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "refresh", TimeoutMS: 200})
	require.Equal(t, 100*time.Millisecond, l.RefreshInterval())

	uid := l.UID()
	deadline := time.Now().Add(3 * time.Second)
	for {
		reg, ok := engine.Listener(uid)
		require.True(t, ok, "registration expired between refreshes")
		if reg.Refreshes >= 5 {
			require.Less(t, reg.MaxGap, 200*time.Millisecond)
			break
		}
		require.True(t, time.Now().Before(deadline), "listener refreshed %d times", reg.Refreshes)
		time.Sleep(20 * time.Millisecond)
	}
	require.Zero(t, engine.Expired())
	require.Equal(t, 1, engine.Count(command.NameRegisterListener))

	sub := l.Subscribe(ExecutionFinished)
	require.NoError(t, engine.Notify(ExecutionFinished, nil))
	require.Equal(t, ExecutionFinished, receive(t, sub).Type)
}

func TestListenerRefreshReRegistersExpiredListener(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "expired", Notifications: []string{ExecutionFinished}})
	uid := l.UID()

	engine.Forget(uid)
	require.NoError(t, l.Refresh(context.Background()))

	reg, ok := engine.Listener(uid)
	require.True(t, ok)
	require.Equal(t, []string{ExecutionFinished}, reg.Notifications)
	require.Equal(t, 2, engine.Count(command.NameRegisterListener))
	require.Equal(t, fsm.StateRegistered, l.State())
}

func TestListenerRefreshErrorKeepsRegisteredState(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "broken"})
	engine.Handle(command.NameRefreshListenerRegistration, func(map[string]any) map[string]any {
		return map[string]any{"status": "failure", "message": "busy"}
	})

	err := l.Refresh(context.Background())
	require.Error(t, err)
	require.True(t, errs.IsCommandError(err))
	require.Equal(t, fsm.StateRegistered, l.State())
	require.Equal(t, 1, engine.Count(command.NameRegisterListener))
}

func TestListenerDisposeStopsDelivery(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "dispose"})
	uid := l.UID()
	sub := l.Subscribe()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = engine.Notify(LogInfo, nil)
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	l.Dispose(context.Background())
	close(stop)
	<-done

	_, ok := <-sub.C()
	require.False(t, ok, "delivery after dispose")
	require.Equal(t, fsm.StateDisposed, l.State())
	_, registered := engine.Listener(uid)
	require.False(t, registered)
}

func TestListenerDisposeRightAfterRegister(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "short"})
	sub := l.Subscribe()

	l.Dispose(context.Background())
	require.NoError(t, engine.Notify(ExecutionFinished, nil))

	_, ok := <-sub.C()
	require.False(t, ok)
}

func TestDisposedListenerCallsAreNoops(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "noop"})
	l.Dispose(context.Background())
	l.Dispose(context.Background())

	require.NoError(t, l.Refresh(context.Background()))
	require.ErrorIs(t, l.Register(context.Background()), errs.ErrDisposed)
	require.ErrorIs(t, l.StartListening(), errs.ErrDisposed)
	require.ErrorIs(t, l.Adopt(), errs.ErrDisposed)

	_, ok := <-l.Subscribe(ExecutionFinished).C()
	require.False(t, ok)

	_, err := l.Wait(context.Background(), time.Second, ExecutionFinished)
	require.ErrorIs(t, err, errs.ErrDisposed)
	require.Equal(t, 1, engine.Count(command.NameUnregisterListener))
}

func TestDisposeToleratesEngineGone(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "orphan"})
	engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	l.Dispose(ctx)
	require.Equal(t, fsm.StateDisposed, l.State())
}

func TestWaitReturnsFirstMatch(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "wait"})

	w := l.WaitFor(ExecutionFinished, ExecFailed).Where(func(n Notification) bool {
		return n.ActorUID() == "a2"
	})
	go func() {
		_ = engine.Notify(LogInfo, nil)
		_ = engine.Notify(ExecutionFinished, map[string]any{"actor_uid": "a1"})
		_ = engine.Notify(ExecutionFinished, map[string]any{"actor_uid": "a2"})
	}()

	n, err := w.Wait(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, ExecutionFinished, n.Type)
	require.Equal(t, "a2", n.ActorUID())
	require.False(t, n.Failed())
}

func TestWaitTimeoutAbandonsWaiter(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "timeout"})

	started := time.Now()
	_, err := l.Wait(context.Background(), 50*time.Millisecond, ExecutionFinished)
	require.ErrorIs(t, err, errs.ErrTimeout)
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)

	require.NoError(t, engine.Notify(ExecutionFinished, nil))
	require.Equal(t, fsm.StateRegistered, l.State())
}

func TestWaitHonorsContext(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "ctx"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Wait(ctx, time.Second, ExecutionFinished)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOnNotificationRunsCallback(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "callback"})

	got := make(chan string, 4)
	sub := l.OnNotification(func(n Notification) { got <- n.Type }, LogError)
	defer sub.Close()

	require.NoError(t, engine.Notify(LogInfo, nil))
	require.NoError(t, engine.Notify(LogError, map[string]any{"message": "boom"}))

	select {
	case kind := <-got:
		require.Equal(t, LogError, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestDisposeWaitsForRunningCallbackAndStartsNoMore(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "callback-dispose"})

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	l.OnNotification(func(Notification) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}, LogError)

	require.NoError(t, engine.Notify(LogError, nil))
	require.NoError(t, engine.Notify(LogError, nil))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	disposed := make(chan struct{})
	go func() {
		l.Dispose(context.Background())
		close(disposed)
	}()
	select {
	case <-disposed:
		t.Fatal("Dispose returned while a callback was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-disposed:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispose did not return")
	}
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "bounded", QueueSize: 1})
	sub := l.Subscribe(LogDebug)

	require.NoError(t, engine.Notify(LogDebug, map[string]any{"seq": 1}))
	require.NoError(t, engine.Notify(LogDebug, map[string]any{"seq": 2}))

	n := receive(t, sub)
	seq, ok := n.Int("seq")
	require.True(t, ok)
	require.Equal(t, 1, seq)
	require.Empty(t, sub.C())
}

func TestClosedSubscriptionIgnoresLaterNotifications(t *testing.T) {
	engine := enginetest.Start(t)
	l := startRegistered(t, engine, Options{Name: "closed"})
	sub := l.Subscribe()
	sub.Close()
	sub.Close()

	require.NoError(t, engine.Notify(ExecutionStarted, nil))
	_, ok := <-sub.C()
	require.False(t, ok)
}

func TestAdoptRefreshesPreRegisteredListener(t *testing.T) {
	engine := enginetest.Start(t)
	l := New(Options{Name: "main", UID: "main-listener", TimeoutMS: 200, Registrar: engineRegistrar{ep: engine.Endpoint()}})
	t.Cleanup(func() { l.Dispose(context.Background()) })
	require.NoError(t, l.StartListening())

	host, port, err := l.Endpoint().HostPort()
	require.NoError(t, err)
	engine.Register(enginetest.Listener{UID: "main-listener", Host: host, Port: port, TimeoutMS: 200})
	require.NoError(t, l.Adopt())

	require.Eventually(t, func() bool {
		reg, ok := engine.Listener("main-listener")
		return ok && reg.Refreshes >= 2
	}, 3*time.Second, 20*time.Millisecond)
	require.Zero(t, engine.Count(command.NameRegisterListener))
}

func TestRegisterPreconditions(t *testing.T) {
	l := New(Options{Name: "bare"})
	err := l.Register(context.Background())
	require.ErrorContains(t, err, "no registrar configured")

	engine := enginetest.Start(t)
	l = New(Options{Name: "unbound", Registrar: engineRegistrar{ep: engine.Endpoint()}})
	err = l.Register(context.Background())
	require.ErrorContains(t, err, "listener is created")

	err = l.Refresh(context.Background())
	require.ErrorContains(t, err, "listener is created")
}

func TestRegisterFailureLeavesListening(t *testing.T) {
	engine := enginetest.Start(t)
	engine.Handle(command.NameRegisterListener, func(map[string]any) map[string]any {
		return map[string]any{"status": "failure", "message": "too many listeners"}
	})
	l := New(Options{Name: "rejected", Registrar: engineRegistrar{ep: engine.Endpoint()}})
	t.Cleanup(func() { l.Dispose(context.Background()) })
	require.NoError(t, l.StartListening())

	err := l.Register(context.Background())
	var cmdErr *errs.CommandError
	require.True(t, errors.As(err, &cmdErr))
	require.Contains(t, cmdErr.Message, "too many listeners")
	require.Equal(t, fsm.StateListening, l.State())
}

func TestStartListeningInPortRange(t *testing.T) {
	occupied := localsock.NewServerSocket(nil)
	require.NoError(t, occupied.BindAndListen(localsock.TCP("127.0.0.1", 0), 1))
	_, taken, err := occupied.Endpoint().HostPort()
	require.NoError(t, err)
	defer occupied.Close()

	l := New(Options{Name: "range", PortMin: taken, PortMax: taken + 20})
	defer l.Dispose(context.Background())
	require.NoError(t, l.StartListening())

	_, port, err := l.Endpoint().HostPort()
	require.NoError(t, err)
	require.Greater(t, port, taken)
	require.LessOrEqual(t, port, taken+20)
}
