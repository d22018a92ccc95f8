package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gathersocial/gather/internal/protocol"
)

const subscriptionBuffer = 128

// Router demultiplexes inbound frames by subscription id and exposes the
// request (filter -> event stream) and publish (event -> ack) surface on
// top of a ConnManager.
type Router struct {
	cm       *ConnManager
	openWait time.Duration

	mu   sync.Mutex
	subs map[string]*Subscription
	onOK func(eventID string, accepted bool, message string)
}

// NewRouter wires a router into the connection manager's inbound path.
func NewRouter(cm *ConnManager) *Router {
	r := &Router{
		cm:       cm,
		openWait: defaultOpenWait,
		subs:     make(map[string]*Subscription),
	}
	cm.setFrameHandler(r.dispatch)
	cm.setResetHandler(r.reset)
	return r
}

// SetOpenWait overrides the bounded wait for an open connection that gates
// both subscribes and publishes.
func (r *Router) SetOpenWait(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openWait = d
}

func (r *Router) waitBound() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openWait
}

// SetOKHandler registers a hook for relay-level OK frames. Publish itself
// resolves on transmission; acceptance frames are surfaced here when the
// relay sends them.
func (r *Router) SetOKHandler(fn func(eventID string, accepted bool, message string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOK = fn
}

// Subscription is a live filtered query. Events are delivered in arrival
// order until the relay signals end-of-stored-results, after which the
// stream ends and the subscription unsubscribes itself.
type Subscription struct {
	ID string

	router    *Router
	events    chan *protocol.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the inbound stream. The channel is closed on EOSE, on
// Close, and when the connection never opened within the bounded wait.
func (s *Subscription) Events() <-chan *protocol.Event {
	return s.events
}

// Close terminates the subscription early: it deregisters the handler and
// best-effort sends the unsubscribe frame (a failure to send is swallowed,
// the socket may already be gone). Safe to call more than once; the
// unsubscribe frame is sent at most once per subscription.
func (s *Subscription) Close() {
	s.end(true)
}

func (s *Subscription) end(sendClose bool) {
	s.closeOnce.Do(func() {
		s.router.deregister(s.ID)
		if sendClose {
			if frame, err := protocol.EncodeClose(s.ID); err == nil {
				_ = s.router.cm.Send(frame)
			}
		}
		close(s.done)
		close(s.events)
	})
}

func (s *Subscription) deliver(ev *protocol.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Subscribe registers a fresh subscription and sends the REQ frame once the
// connection is open. If the connection never opens within the bounded
// wait, the returned subscription is already ended (an empty stream) so the
// consumer does not hang.
func (r *Router) Subscribe(ctx context.Context, filters ...protocol.Filter) (*Subscription, error) {
	sub := &Subscription{
		ID:     uuid.NewString(),
		router: r,
		events: make(chan *protocol.Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, r.waitBound())
	defer cancel()
	if err := r.cm.WaitOpen(waitCtx); err != nil {
		// Synthesized end-marker: consumer sees an ended empty stream.
		slog.Warn("subscription open wait timed out", "sub", sub.ID)
		sub.end(false)
		return sub, nil
	}

	frame, err := protocol.EncodeReq(sub.ID, filters...)
	if err != nil {
		sub.end(false)
		return nil, err
	}
	if err := r.cm.Send(frame); err != nil {
		slog.Warn("subscribe send failed", "sub", sub.ID, "error", err)
		sub.end(false)
		return sub, nil
	}
	return sub, nil
}

// Publish waits for an open connection and transmits the event. The ack is
// transport-level only: relay acceptance arrives later as an OK frame and
// is the outbox engine's concern.
func (r *Router) Publish(ctx context.Context, ev *protocol.Event) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.waitBound())
	defer cancel()
	if err := r.cm.WaitOpen(waitCtx); err != nil {
		return err
	}
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return r.cm.Send(frame)
}

func (r *Router) deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// dispatch parses and routes one inbound frame. Malformed frames and frames
// for unknown subscription ids are dropped; a frame must never crash the
// router.
func (r *Router) dispatch(data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		slog.Debug("dropping malformed frame", "error", err)
		return
	}
	switch frame.Type {
	case protocol.FrameEvent:
		if sub := r.lookup(frame.SubID); sub != nil {
			r.safeDeliver(sub, frame.Event)
		}
	case protocol.FrameEOSE:
		if sub := r.lookup(frame.SubID); sub != nil {
			sub.end(true)
		}
	case protocol.FrameOK:
		r.mu.Lock()
		fn := r.onOK
		r.mu.Unlock()
		if fn != nil {
			fn(frame.EventID, frame.Accepted, frame.Message)
		}
	case protocol.FrameNotice:
		slog.Warn("relay notice", "message", frame.Message)
	default:
		slog.Debug("dropping unknown frame", "type", frame.Type)
	}
}

func (r *Router) lookup(id string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// safeDeliver contains handler panics so one consumer cannot take down the
// read pump or starve other subscriptions.
func (r *Router) safeDeliver(sub *Subscription, ev *protocol.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("subscription handler panic", "sub", sub.ID, "panic", rec)
		}
	}()
	sub.deliver(ev)
}

// reset ends every live subscription without sending unsubscribe frames.
// Called by the connection manager on manual close.
func (r *Router) reset() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.end(false)
	}
}
