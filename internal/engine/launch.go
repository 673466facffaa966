package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rbright/oslctl/internal/localsock"
	"github.com/rbright/oslctl/internal/notify"
	"github.com/rbright/oslctl/internal/supervisor"
)

// serverUpWait bounds how long Launch waits for SERVER_UP once the server-info file is
// readable.
const serverUpWait = 2 * time.Second

// LaunchConfig starts a new engine. Supervisor listener fields are filled in by Launch.
type LaunchConfig struct {
	Supervisor supervisor.Config
	Options    Options
}

// Launch starts an engine process, waits until it serves commands, and returns a
// Server that owns it. The engine registers the main listener itself from its
// command line; Launch adopts that registration.
func Launch(ctx context.Context, cfg LaunchConfig) (*Server, error) {
	s := newServer(localsock.Endpoint{}, cfg.Options)

	main := s.newListener("main", []string{notify.ServerUp, notify.ServerDown})
	if err := main.StartListening(); err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	up := main.WaitFor(notify.ServerUp)

	host, port, err := main.Endpoint().HostPort()
	if err != nil {
		main.Dispose(ctx)
		return nil, fmt.Errorf("launch: main listener: %w", err)
	}

	supCfg := cfg.Supervisor
	supCfg.ListenerHost = host
	supCfg.ListenerPort = port
	supCfg.ListenerID = main.UID()
	if supCfg.Password == "" {
		supCfg.Password = cfg.Options.Password
	}
	if supCfg.Logger == nil {
		supCfg.Logger = s.logger
	}
	if supCfg.Metrics == nil {
		supCfg.Metrics = s.opts.Metrics
	}

	sup := supervisor.New(supCfg)
	if err := sup.Start(ctx); err != nil {
		main.Dispose(ctx)
		return nil, fmt.Errorf("launch: %w", err)
	}
	ep, _ := sup.Endpoint()

	s.mu.Lock()
	s.endpoint = ep
	s.process = sup
	s.mu.Unlock()
	sup.SetShutdowner(shutdownCommand{server: s})

	if n, err := up.Wait(ctx, serverUpWait); err != nil {
		s.logger.Debug("no SERVER_UP notification, relying on server info", "error", err)
	} else if p, ok := n.Int("port"); ok && p != 0 && !samePort(ep, p) {
		s.logger.Warn("SERVER_UP port differs from server info", "server_up_port", p, "endpoint", ep.String())
	}

	if err := main.Adopt(); err != nil {
		s.abortLaunch(ctx, main)
		return nil, fmt.Errorf("launch: %w", err)
	}
	if err := s.track(main); err != nil {
		s.abortLaunch(ctx, main)
		return nil, fmt.Errorf("launch: %w", err)
	}

	alive, err := s.IsAlive(ctx)
	if err == nil && !alive {
		err = fmt.Errorf("engine at %s reports it is not alive", ep)
	}
	if err != nil {
		s.abortLaunch(ctx, main)
		return nil, fmt.Errorf("launch: %w", err)
	}
	s.checkVersion(ctx)
	s.logger.Info("engine launched", "pid", sup.PID(), "endpoint", ep.String(), "project", sup.ProjectPath())
	return s, nil
}

func (s *Server) abortLaunch(ctx context.Context, main *notify.Listener) {
	main.Dispose(ctx)
	if err := s.Process().Terminate(context.WithoutCancel(ctx), true); err != nil {
		s.logger.Warn("terminate engine after failed launch", "error", err)
	}
}

func samePort(ep localsock.Endpoint, port int) bool {
	_, p, err := ep.HostPort()
	return err == nil && p == port
}
