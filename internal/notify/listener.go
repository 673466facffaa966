package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/frame"
	"github.com/rbright/oslctl/internal/fsm"
	"github.com/rbright/oslctl/internal/localsock"
	"github.com/rbright/oslctl/internal/telemetry"
)

const (
	defaultHost        = "127.0.0.1"
	defaultBacklog     = 5
	defaultQueueSize   = 64
	defaultRecvTimeout = 5 * time.Second
	waiterQueueSize    = 16
)

// Registrar sends listener registration commands over a command connection of its own.
type Registrar interface {
	RegisterListener(ctx context.Context, reg command.ListenerRegistration) (string, error)
	RefreshListener(ctx context.Context, uid string) error
	UnregisterListener(ctx context.Context, uid string) error
}

// Options configures a Listener. Zero values select defaults.
type Options struct {
	Name string
	// Host is the bind address for TCP listeners (default 127.0.0.1).
	Host string
	// PortMin and PortMax bound the bind port; zero binds an ephemeral port.
	PortMin int
	PortMax int
	// Endpoint binds an explicit endpoint instead of Host and the port range.
	Endpoint localsock.Endpoint
	// UID is the registration id (default: random UUID).
	UID       string
	TimeoutMS int
	// RefreshInterval defaults to half of TimeoutMS.
	RefreshInterval time.Duration
	// Notifications registered with the engine; nil leaves the engine default.
	Notifications []string
	Registrar     Registrar
	// QueueSize bounds each subscription queue.
	QueueSize   int
	RecvTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *telemetry.Recorder
}

// Listener binds a socket the engine connects back to, keeps its registration alive, and
// dispatches received notifications to subscriptions.
type Listener struct {
	opts   Options
	logger *slog.Logger

	mu            sync.RWMutex
	state         fsm.State
	uid           string
	notifications []string
	server        *localsock.ServerSocket
	subs          []*Subscription
	conns         map[*localsock.Conn]struct{}
	refreshing    bool

	cancel      context.CancelFunc
	group       *errgroup.Group
	groupCtx    context.Context
	disposeOnce sync.Once
}

// New returns a listener in the created state.
func New(opts Options) *Listener {
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.TimeoutMS <= 0 {
		opts.TimeoutMS = command.DefaultListenerTimeoutMS
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = defaultRecvTimeout
	}
	uid := opts.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("listener", opts.Name)

	return &Listener{
		opts:          opts,
		logger:        logger,
		state:         fsm.StateCreated,
		uid:           uid,
		notifications: slices.Clone(opts.Notifications),
		conns:         map[*localsock.Conn]struct{}{},
	}
}

// StartListening binds the socket and starts the accept loop.
func (l *Listener) StartListening() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == fsm.StateDisposed {
		return fmt.Errorf("start listening: %w", errs.ErrDisposed)
	}
	next, err := fsm.Transition(l.state, fsm.EventListen)
	if err != nil {
		return fmt.Errorf("start listening: %w", err)
	}

	server := localsock.NewServerSocket(nil)
	switch {
	case !l.opts.Endpoint.IsZero():
		err = server.BindAndListen(l.opts.Endpoint, defaultBacklog)
	case l.opts.PortMin > 0:
		err = server.BindInRange(l.opts.Host, l.opts.PortMin, l.opts.PortMax)
	default:
		err = server.BindAndListen(localsock.TCP(l.opts.Host, 0), defaultBacklog)
	}
	if err != nil {
		return fmt.Errorf("start listening: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	l.server = server
	l.cancel = cancel
	l.group = group
	l.groupCtx = groupCtx
	l.state = next

	group.Go(func() error { return l.acceptLoop(groupCtx) })
	l.logger.Debug("listening", "endpoint", server.Endpoint().String(), "uid", l.uid)
	return nil
}

// Register sends REGISTER_LISTENER and starts the refresh loop. Non-empty notifications
// replace the configured set.
func (l *Listener) Register(ctx context.Context, notifications ...string) error {
	if l.opts.Registrar == nil {
		return errors.New("register listener: no registrar configured")
	}

	l.mu.Lock()
	if l.state == fsm.StateDisposed {
		l.mu.Unlock()
		return fmt.Errorf("register listener: %w", errs.ErrDisposed)
	}
	if l.state != fsm.StateListening {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("register listener: listener is %s", state)
	}
	if len(notifications) > 0 {
		l.notifications = slices.Clone(notifications)
	}
	reg, err := l.registrationLocked()
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	uid, err := l.opts.Registrar.RegisterListener(ctx, reg)
	if err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	l.mu.Lock()
	if l.state == fsm.StateDisposed {
		l.mu.Unlock()
		l.unregister(ctx, reg.UID)
		return fmt.Errorf("register listener: %w", errs.ErrDisposed)
	}
	if uid != "" {
		l.uid = uid
	}
	l.state, err = fsm.Transition(l.state, fsm.EventRegister)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	l.logger.Debug("registered", "uid", l.UID(), "timeout_ms", l.opts.TimeoutMS)
	l.startRefresh()
	return nil
}

// Adopt marks a listener registered out of band (for example on the engine command line)
// and starts refreshing it.
func (l *Listener) Adopt() error {
	l.mu.Lock()
	if l.state == fsm.StateDisposed {
		l.mu.Unlock()
		return fmt.Errorf("adopt listener: %w", errs.ErrDisposed)
	}
	next, err := fsm.Transition(l.state, fsm.EventRegister)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("adopt listener: %w", err)
	}
	l.state = next
	l.mu.Unlock()

	if l.opts.Registrar != nil {
		l.startRefresh()
	}
	return nil
}

// Refresh renews the registration. A registration the engine no longer knows is
// re-registered under the same uid. Refresh on a disposed listener does nothing.
func (l *Listener) Refresh(ctx context.Context) error {
	if l.opts.Registrar == nil {
		return errors.New("refresh listener: no registrar configured")
	}

	l.mu.Lock()
	switch l.state {
	case fsm.StateDisposed, fsm.StateRefreshing:
		l.mu.Unlock()
		return nil
	case fsm.StateRegistered:
	default:
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("refresh listener: listener is %s", state)
	}
	l.state, _ = fsm.Transition(l.state, fsm.EventRefresh)
	uid := l.uid
	reg, regErr := l.registrationLocked()
	l.mu.Unlock()

	event := fsm.EventRefreshed
	err := l.opts.Registrar.RefreshListener(ctx, uid)
	if err != nil && expired(err) && regErr == nil {
		l.logger.Debug("registration expired, re-registering", "uid", uid)
		_, err = l.opts.Registrar.RegisterListener(ctx, reg)
		event = fsm.EventRegister
	}
	l.opts.Metrics.ListenerRefreshed(ctx, err)

	l.mu.Lock()
	if l.state == fsm.StateRefreshing {
		l.state, _ = fsm.Transition(l.state, event)
	}
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("refresh listener %s: %w", uid, err)
	}
	return nil
}

// Subscribe returns a subscription for kinds (none means every kind). On a disposed
// listener the subscription is already closed.
func (l *Listener) Subscribe(kinds ...string) *Subscription {
	return l.subscribe(kinds, l.opts.QueueSize)
}

// OnNotification runs fn for each matching notification on a goroutine of its own, so a
// slow callback never stalls the receive loop. Close the returned subscription to stop.
// Dispose waits for a running fn to return, so fn must not dispose the listener.
func (l *Listener) OnNotification(fn func(Notification), kinds ...string) *Subscription {
	sub := l.Subscribe(kinds...)
	go func() {
		for n := range sub.C() {
			if !sub.enter() {
				continue
			}
			fn(n)
			sub.leave()
		}
	}()
	return sub
}

// WaitFor registers a one-shot waiter for the first notification of kinds.
func (l *Listener) WaitFor(kinds ...string) *Waiter {
	return &Waiter{sub: l.subscribe(kinds, waiterQueueSize)}
}

// Wait is WaitFor followed by Waiter.Wait.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration, kinds ...string) (Notification, error) {
	return l.WaitFor(kinds...).Wait(ctx, timeout)
}

func (l *Listener) State() fsm.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Listener) Disposed() bool {
	return l.State() == fsm.StateDisposed
}

// Endpoint returns the bound endpoint, or the zero endpoint before StartListening.
func (l *Listener) Endpoint() localsock.Endpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.server == nil {
		return localsock.Endpoint{}
	}
	return l.server.Endpoint()
}

func (l *Listener) UID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.uid
}

func (l *Listener) Name() string {
	return l.opts.Name
}

func (l *Listener) Notifications() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.notifications)
}

// RefreshInterval is the period of the background refresh loop.
func (l *Listener) RefreshInterval() time.Duration {
	timeout := time.Duration(l.opts.TimeoutMS) * time.Millisecond
	interval := l.opts.RefreshInterval
	if interval <= 0 || interval >= timeout {
		interval = timeout / 2
	}
	return interval
}

// Dispose stops delivery, closes the socket, and unregisters best-effort. Once it returns
// no notification is delivered. Later calls do nothing.
func (l *Listener) Dispose(ctx context.Context) {
	l.disposeOnce.Do(func() {
		l.mu.Lock()
		prev := l.state
		l.state, _ = fsm.Transition(l.state, fsm.EventDispose)
		subs := l.subs
		l.subs = nil
		conns := make([]*localsock.Conn, 0, len(l.conns))
		for c := range l.conns {
			conns = append(conns, c)
		}
		uid := l.uid
		cancel, server, group := l.cancel, l.server, l.group
		l.mu.Unlock()

		for _, s := range subs {
			s.shutdown()
		}
		for _, s := range subs {
			s.callbacks.Wait()
		}
		if cancel != nil {
			cancel()
		}
		if server != nil {
			_ = server.Close()
		}
		for _, c := range conns {
			_ = c.Close()
		}
		if group != nil {
			if err := group.Wait(); err != nil {
				l.logger.Debug("listener loop ended with error", "error", err)
			}
		}
		if prev == fsm.StateRegistered || prev == fsm.StateRefreshing {
			l.unregister(ctx, uid)
		}
		l.logger.Debug("disposed", "uid", uid)
	})
}

func (l *Listener) unregister(ctx context.Context, uid string) {
	if l.opts.Registrar == nil {
		return
	}
	if err := l.opts.Registrar.UnregisterListener(ctx, uid); err != nil {
		l.logger.Debug("unregister failed", "uid", uid, "error", err)
	}
}

func (l *Listener) registrationLocked() (command.ListenerRegistration, error) {
	if l.server == nil {
		return command.ListenerRegistration{}, errors.New("listener is not bound")
	}
	host, port, err := l.server.Endpoint().HostPort()
	if err != nil {
		return command.ListenerRegistration{}, err
	}
	return command.ListenerRegistration{
		Host:          host,
		Port:          port,
		TimeoutMS:     l.opts.TimeoutMS,
		Notifications: slices.Clone(l.notifications),
		UID:           l.uid,
	}, nil
}

func (l *Listener) startRefresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refreshing || l.group == nil || l.state == fsm.StateDisposed {
		return
	}
	l.refreshing = true
	ctx := l.groupCtx
	l.group.Go(func() error { return l.refreshLoop(ctx) })
}

func (l *Listener) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("refresh failed", "error", err)
			}
		}
	}
}

func (l *Listener) acceptLoop(ctx context.Context) error {
	for {
		conn, remote, err := l.server.Accept(0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, errs.ErrTimeout) {
				continue
			}
			return fmt.Errorf("accept notification: %w", err)
		}
		if !l.track(conn) {
			_ = conn.Close()
			return nil
		}
		l.logger.Debug("engine connected", "remote", remote.String())
		l.group.Go(func() error {
			defer l.untrack(conn)
			l.serveConn(ctx, conn)
			return nil
		})
	}
}

// serveConn dispatches each frame before acknowledging it, so the engine's next push
// cannot overtake the current one.
func (l *Listener) serveConn(ctx context.Context, conn *localsock.Conn) {
	var dec frame.Decoder
	for {
		payload, err := dec.Read(conn, l.opts.RecvTimeout)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				l.logger.Debug("notification connection ended", "error", err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		n, err := Decode(payload)
		if err != nil {
			l.logger.Warn("invalid notification", "error", err)
		} else {
			l.dispatch(ctx, n)
		}
		if err := frame.Write(conn, nil, l.opts.RecvTimeout); err != nil {
			l.logger.Debug("acknowledge notification failed", "error", err)
			return
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, n Notification) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state == fsm.StateDisposed {
		return
	}
	l.opts.Metrics.NotificationReceived(ctx, n.Type)
	for _, s := range l.subs {
		if !s.matches(n.Type) {
			continue
		}
		if !s.publish(n) {
			l.opts.Metrics.NotificationDropped(ctx, n.Type)
			l.logger.Warn("subscriber queue full, notification dropped", "type", n.Type)
		}
	}
}

func (l *Listener) subscribe(kinds []string, size int) *Subscription {
	sub := newSubscription(l, normalizeKinds(kinds), size)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == fsm.StateDisposed {
		sub.shutdown()
		return sub
	}
	l.subs = append(l.subs, sub)
	return sub
}

func (l *Listener) detach(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = slices.DeleteFunc(l.subs, func(s *Subscription) bool { return s == sub })
}

func (l *Listener) track(conn *localsock.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == fsm.StateDisposed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn *localsock.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	_ = conn.Close()
}

func normalizeKinds(kinds []string) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k != "" && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func expired(err error) bool {
	var cmdErr *errs.CommandError
	return errors.As(err, &cmdErr) && strings.Contains(cmdErr.Error(), "No such listener")
}
