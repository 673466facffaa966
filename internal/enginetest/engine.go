// Package enginetest runs an in-process engine double that speaks the framed command
// protocol and pushes notifications to registered listeners.
package enginetest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rbright/oslctl/internal/frame"
	"github.com/rbright/oslctl/internal/localsock"
)

// DefaultVersion is the SERVER_INFO version reported unless overridden.
const DefaultVersion = "24.1.0 (1234M)"

// Listener is one registration held by the engine.
type Listener struct {
	UID           string
	Host          string
	Port          int
	TimeoutMS     int
	Notifications []string
	Refreshes     int
	// LastSeen is the time of registration or of the latest refresh.
	LastSeen time.Time
	// MaxGap is the longest observed interval between two keep-alives.
	MaxGap time.Duration
}

// Received records one command or query name in arrival order.
type Received struct {
	Name     string
	ActorUID string
	HID      string
	Password string
}

// HandlerFunc answers one command entry (or one query) with a result object.
type HandlerFunc func(entry map[string]any) map[string]any

// Engine is a scripted engine double.
type Engine struct {
	server *localsock.ServerSocket

	mu        sync.Mutex
	state     string
	actors    map[string]struct{}
	listeners map[string]*Listener
	received  []Received
	handlers  map[string]HandlerFunc
	silent    map[string]bool
	conns     map[net.Conn]struct{}
	shutdown  chan struct{}
	password  string
	execDelay time.Duration
	version   string
	expired   int

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Start binds a loopback engine and closes it at test cleanup.
func Start(tb testing.TB) *Engine {
	tb.Helper()
	e, err := Listen(localsock.TCP("127.0.0.1", 0))
	if err != nil {
		tb.Fatalf("start fake engine: %v", err)
	}
	tb.Cleanup(e.Close)
	return e
}

// Listen binds ep and starts serving.
func Listen(ep localsock.Endpoint) (*Engine, error) {
	server := localsock.NewServerSocket(nil)
	if err := server.BindAndListen(ep, 8); err != nil {
		return nil, err
	}
	e := &Engine{
		version:   DefaultVersion,
		server:    server,
		state:     "IDLE",
		actors:    map[string]struct{}{},
		listeners: map[string]*Listener{},
		handlers:  map[string]HandlerFunc{},
		silent:    map[string]bool{},
		conns:     map[net.Conn]struct{}{},
		shutdown:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.serve()
	return e, nil
}

// Endpoint returns the command endpoint.
func (e *Engine) Endpoint() localsock.Endpoint {
	return e.server.Endpoint()
}

// Handle overrides the reply for a command or query name.
func (e *Engine) Handle(name string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = fn
}

// Silence makes the engine swallow name without replying.
func (e *Engine) Silence(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.silent[name] = true
}

// SetVersion changes the version reported through SERVER_INFO.
func (e *Engine) SetVersion(version string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.version = version
}

// SetPassword requires password on every subsequent request.
func (e *Engine) SetPassword(password string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.password = password
}

// SetExecDelay separates PROCESSING_STARTED and EXECUTION_FINISHED after START.
func (e *Engine) SetExecDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execDelay = d
}

// AddActor makes uid a known actor.
func (e *Engine) AddActor(uid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actors[uid] = struct{}{}
}

// SetState sets the project state reported by BASIC_PROJECT_INFO.
func (e *Engine) SetState(state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// State returns the current project state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Listeners snapshots the current registrations.
func (e *Engine) Listeners() []Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(time.Now())
	out := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, *l)
	}
	return out
}

// Listener returns one registration by uid.
func (e *Engine) Listener(uid string) (Listener, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(time.Now())
	l, ok := e.listeners[uid]
	if !ok {
		return Listener{}, false
	}
	return *l, true
}

// Forget drops a registration as if its timeout had expired.
func (e *Engine) Forget(uid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, uid)
}

// Register adds a registration directly, as the CLI --register-tcp-listener flag does.
func (e *Engine) Register(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := l
	if copied.LastSeen.IsZero() {
		copied.LastSeen = time.Now()
	}
	e.listeners[l.UID] = &copied
}

// Expired counts registrations dropped because their refresh came too late.
func (e *Engine) Expired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked(time.Now())
	return e.expired
}

// expireLocked drops registrations whose timeout elapsed without a refresh.
func (e *Engine) expireLocked(now time.Time) {
	for uid, l := range e.listeners {
		if l.TimeoutMS > 0 && now.Sub(l.LastSeen) > time.Duration(l.TimeoutMS)*time.Millisecond {
			delete(e.listeners, uid)
			e.expired++
		}
	}
}

// Received returns all request names seen so far.
func (e *Engine) Received() []Received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.received)
}

// Count returns how often name was received.
func (e *Engine) Count(name string) int {
	n := 0
	for _, r := range e.Received() {
		if r.Name == name {
			n++
		}
	}
	return n
}

// ShutdownRequested is closed once SHUTDOWN was handled.
func (e *Engine) ShutdownRequested() <-chan struct{} {
	return e.shutdown
}

// Notify pushes one notification to every listener subscribed to kind and waits for
// each acknowledgement.
func (e *Engine) Notify(kind string, fields map[string]any) error {
	msg := map[string]any{}
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = kind
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.expireLocked(time.Now())
	targets := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		if l.Notifications == nil || slices.Contains(l.Notifications, kind) || slices.Contains(l.Notifications, "ALL") {
			targets = append(targets, *l)
		}
	}
	e.mu.Unlock()

	var errs []error
	for _, l := range targets {
		if err := push(l, payload); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", l.UID, err))
		}
	}
	return errors.Join(errs...)
}

func push(l Listener, payload []byte) error {
	conn, err := localsock.Dial(context.Background(), localsock.TCP(l.Host, l.Port), time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := frame.Write(conn, payload, time.Second); err != nil {
		return err
	}
	ack, err := frame.Read(conn, 2*time.Second)
	if err != nil {
		return err
	}
	if len(ack) != 0 {
		return fmt.Errorf("unexpected ack payload %q", ack)
	}
	return nil
}

// Close stops serving and drops open connections.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		_ = e.server.Close()
		e.mu.Lock()
		for c := range e.conns {
			_ = c.Close()
		}
		e.mu.Unlock()
		e.wg.Wait()
	})
}

func (e *Engine) serve() {
	defer e.wg.Done()
	listener := e.server.Listener()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				delete(e.conns, conn)
				e.mu.Unlock()
				_ = conn.Close()
			}()
			e.serveConn(localsock.NewConn(conn))
		}()
	}
}

func (e *Engine) serveConn(conn *localsock.Conn) {
	var dec frame.Decoder
	for {
		payload, err := dec.Read(conn, 0)
		if err != nil {
			return
		}
		reply, ok := e.dispatch(payload)
		if !ok {
			continue
		}
		if err := frame.Write(conn, reply, time.Second); err != nil {
			return
		}
	}
}

func (e *Engine) dispatch(payload []byte) ([]byte, bool) {
	var request map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&request); err != nil {
		return mustJSON(failure("invalid request: " + err.Error())), true
	}

	password, _ := request["Password"].(string)

	if what, ok := request["What"].(string); ok {
		e.record(Received{Name: what, Password: password})
		if e.isSilent(what) {
			return nil, false
		}
		if !e.passwordOK(password) {
			return mustJSON(failure("invalid password")), true
		}
		return mustJSON(e.query(what, request)), true
	}

	entries := commandEntries(request)
	results := make([]any, 0, len(entries))
	silent := false
	for _, entry := range entries {
		name, _ := entry["command"].(string)
		actor, _ := entry["actor_uid"].(string)
		hid, _ := entry["hid"].(string)
		e.record(Received{Name: name, ActorUID: actor, HID: hid, Password: password})
		if e.isSilent(name) {
			silent = true
			continue
		}
		if !e.passwordOK(password) {
			results = append(results, failure("invalid password"))
			continue
		}
		results = append(results, e.command(name, entry))
	}
	if silent {
		return nil, false
	}
	return mustJSON(results), true
}

func (e *Engine) record(r Received) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, r)
}

func (e *Engine) isSilent(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.silent[name]
}

func (e *Engine) passwordOK(password string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.password == "" || e.password == password
}

func (e *Engine) handler(name string) (HandlerFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.handlers[name]
	return fn, ok
}

func (e *Engine) query(what string, request map[string]any) map[string]any {
	if fn, ok := e.handler(what); ok {
		return fn(request)
	}
	switch what {
	case "SERVER_INFO":
		e.mu.Lock()
		version := e.version
		e.mu.Unlock()
		return map[string]any{"application": map[string]any{"version": version}}
	case "SERVER_IS_ALIVE":
		return success()
	case "BASIC_PROJECT_INFO":
		return map[string]any{"projects": []any{map[string]any{"name": "project", "state": e.State()}}}
	case "ACTOR_INFO", "ACTOR_PROPERTIES", "ACTOR_STATES":
		uid, _ := request["uid"].(string)
		if !e.knownActor(uid) {
			return failure("No such actor: " + uid)
		}
		return map[string]any{"uid": uid}
	default:
		return success()
	}
}

func (e *Engine) command(name string, entry map[string]any) map[string]any {
	if fn, ok := e.handler(name); ok {
		return fn(entry)
	}

	actor, _ := entry["actor_uid"].(string)
	if actor != "" && !e.knownActor(actor) {
		return failure("No such actor: " + actor)
	}
	args, _ := entry["args"].(map[string]any)

	switch name {
	case "START":
		e.SetState("PROCESSING")
		e.wg.Add(1)
		go e.runProject()
	case "STOP", "STOP_GENTLY":
		if e.State() == "PROCESSING" {
			e.SetState("STOP_REQUESTED")
		}
	case "RESET":
		e.SetState("IDLE")
	case "REGISTER_LISTENER":
		return e.registerListener(args)
	case "REFRESH_LISTENER_REGISTRATION":
		uid, _ := args["uid"].(string)
		now := time.Now()
		e.mu.Lock()
		e.expireLocked(now)
		l, ok := e.listeners[uid]
		if ok {
			l.Refreshes++
			l.MaxGap = max(l.MaxGap, now.Sub(l.LastSeen))
			l.LastSeen = now
		}
		e.mu.Unlock()
		if !ok {
			return failure("No such listener: " + uid)
		}
	case "UNREGISTER_LISTENER":
		uid, _ := args["uid"].(string)
		e.mu.Lock()
		_, ok := e.listeners[uid]
		delete(e.listeners, uid)
		e.mu.Unlock()
		if !ok {
			return failure("No such listener: " + uid)
		}
	case "SHUTDOWN":
		e.mu.Lock()
		select {
		case <-e.shutdown:
		default:
			close(e.shutdown)
		}
		e.mu.Unlock()
	}
	return success()
}

func (e *Engine) runProject() {
	defer e.wg.Done()
	_ = e.Notify("EXECUTION_STARTED", nil)
	_ = e.Notify("PROCESSING_STARTED", nil)
	e.mu.Lock()
	delay := e.execDelay
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if e.State() == "STOP_REQUESTED" {
		e.SetState("STOPPED")
	} else {
		e.SetState("FINISHED")
	}
	_ = e.Notify("EXECUTION_FINISHED", nil)
}

func (e *Engine) registerListener(args map[string]any) map[string]any {
	host, _ := args["host"].(string)
	port := intArg(args["port"])
	if host == "" || port == 0 {
		return failure("listener host and port are required")
	}
	uid, _ := args["uid"].(string)
	if uid == "" {
		uid = fmt.Sprintf("listener-%d", time.Now().UnixNano())
	}
	l := &Listener{UID: uid, Host: host, Port: port, TimeoutMS: intArg(args["timeout"]), LastSeen: time.Now()}
	if raw, ok := args["notifications"].([]any); ok {
		l.Notifications = []string{}
		for _, n := range raw {
			if s, ok := n.(string); ok {
				l.Notifications = append(l.Notifications, s)
			}
		}
	}
	e.mu.Lock()
	e.listeners[uid] = l
	e.mu.Unlock()
	return map[string]any{"status": "success", "uid": uid}
}

func (e *Engine) knownActor(uid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.actors[uid]
	return ok
}

func commandEntries(request map[string]any) []map[string]any {
	var out []map[string]any
	projects, _ := request["projects"].([]any)
	for _, p := range projects {
		project, _ := p.(map[string]any)
		cmds, _ := project["commands"].([]any)
		for _, c := range cmds {
			if entry, ok := c.(map[string]any); ok {
				out = append(out, entry)
			}
		}
	}
	return out
}

func intArg(v any) int {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func success() map[string]any {
	return map[string]any{"status": "success"}
}

func failure(message string) map[string]any {
	return map[string]any{"status": "failure", "message": message}
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
