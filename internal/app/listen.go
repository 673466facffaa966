package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rbright/oslctl/internal/cli"
	"github.com/rbright/oslctl/internal/engine"
	"github.com/rbright/oslctl/internal/notify"
)

type listenLine struct {
	Time   time.Time                  `json:"time"`
	Type   string                     `json:"type"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// Listen registers a listener with the engine and streams notifications as JSON lines.
func (r Runner) Listen(ctx context.Context, g cli.Global, opts cli.ListenOptions) error {
	e, err := r.setup("listen", g)
	if err != nil {
		return err
	}
	defer e.close()

	kinds := opts.Notifications
	if len(kinds) == 0 {
		kinds = e.loaded.Config.Listener.Notifications
	}
	kinds, err = notify.ParseKinds(kinds)
	if err != nil {
		return &cli.UsageError{Err: err}
	}

	ep, err := resolveEndpoint(ctx, e.loaded.Config, opts.Address)
	if err != nil {
		return err
	}
	srv, err := engine.Attach(ctx, ep, engine.NewOptions(e.loaded.Config, e.logger, nil))
	if err != nil {
		return err
	}
	defer srv.Dispose(context.WithoutCancel(ctx))

	l, err := srv.NewListener(ctx, "listen", kinds...)
	if err != nil {
		return err
	}
	sub := l.Subscribe()
	defer sub.Close()
	e.logger.Info("listening", "endpoint", ep.String(), "listener", l.Endpoint().String(), "uid", l.UID(), "notifications", kinds)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	enc := json.NewEncoder(r.Stdout)
	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C():
			if !ok {
				return errors.New("listener closed")
			}
			if err := enc.Encode(listenLine{Time: time.Now().UTC(), Type: n.Type, Fields: n.Fields}); err != nil {
				return err
			}
			received++
			if opts.Count > 0 && received >= opts.Count {
				return nil
			}
		}
	}
}
