package notify

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rbright/oslctl/internal/errs"
)

// Subscription is a bounded queue of notifications of the selected kinds. The channel is
// closed when the subscription or its listener is closed.
type Subscription struct {
	owner *Listener
	kinds []string

	mu     sync.Mutex
	ch     chan Notification
	closed bool
	// callbacks counts OnNotification calls in progress.
	callbacks sync.WaitGroup
}

func newSubscription(owner *Listener, kinds []string, size int) *Subscription {
	return &Subscription{owner: owner, kinds: kinds, ch: make(chan Notification, size)}
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Kinds returns the selected kinds; empty means every kind.
func (s *Subscription) Kinds() []string {
	return slices.Clone(s.kinds)
}

// Close detaches the subscription. Pending notifications are discarded.
func (s *Subscription) Close() {
	if s.owner != nil {
		s.owner.detach(s)
	}
	s.shutdown()
}

func (s *Subscription) matches(kind string) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, All) || slices.Contains(s.kinds, kind)
}

// publish never blocks. It reports false when the queue is full.
func (s *Subscription) publish(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- n:
		return true
	default:
		return false
	}
}

// enter admits one callback unless the subscription is closed. The check and the
// count change happen under mu, so shutdown never misses an admitted callback.
func (s *Subscription) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.callbacks.Add(1)
	return true
}

func (s *Subscription) leave() {
	s.callbacks.Done()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
drain:
	for {
		select {
		case <-s.ch:
		default:
			break drain
		}
	}
	close(s.ch)
}

// Waiter is a one-shot wait for the first matching notification. Register it before
// sending the command whose completion it observes.
type Waiter struct {
	sub   *Subscription
	match func(Notification) bool
}

// Where narrows the waiter to notifications accepted by match.
func (w *Waiter) Where(match func(Notification) bool) *Waiter {
	w.match = match
	return w
}

// Wait blocks for the first match. On timeout the waiter is abandoned: later
// notifications are discarded without error.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (Notification, error) {
	defer w.sub.Close()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case n, ok := <-w.sub.ch:
			if !ok {
				return Notification{}, fmt.Errorf("wait for %s: %w", w.describe(), errs.ErrDisposed)
			}
			if w.match == nil || w.match(n) {
				return n, nil
			}
		case <-expired:
			return Notification{}, fmt.Errorf("wait for %s: %w", w.describe(), errs.ErrTimeout)
		case <-ctx.Done():
			return Notification{}, fmt.Errorf("wait for %s: %w", w.describe(), ctx.Err())
		}
	}
}

// Cancel abandons the waiter without waiting.
func (w *Waiter) Cancel() {
	w.sub.Close()
}

func (w *Waiter) describe() string {
	if len(w.sub.kinds) == 0 {
		return All
	}
	return strings.Join(w.sub.kinds, "|")
}
