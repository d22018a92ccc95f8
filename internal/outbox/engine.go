package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gathersocial/gather/internal/protocol"
	"github.com/gathersocial/gather/internal/relay"
)

// ErrNoSigner means no signing capability is currently available. The item
// stays queued with a long pause so a signer prompt is not spammed.
var ErrNoSigner = errors.New("outbox: no signer available")

// Signer signs an unsigned event in place. May be a local key or a
// delegated signer; the engine does not care which.
type Signer interface {
	Sign(ctx context.Context, ev *protocol.Event) error
}

// Publisher transmits a signed event to the relay.
type Publisher interface {
	Publish(ctx context.Context, ev *protocol.Event) error
}

const (
	defaultInterval = 5 * time.Second
	noSignerDelay   = 5 * time.Minute
	noticeThrottle  = 10 * time.Second
	retryBackoffCap = 300 * time.Second
	passBatchLimit  = 20
)

// Engine drives the outbox: enqueue never blocks, a single worker pass at a
// time signs and publishes due items, and failures are classified into
// retry schedules or terminal failure.
type Engine struct {
	store     *Store
	publisher Publisher

	mu         sync.Mutex
	signer     Signer
	noticeFn   func(string)
	lastNotice time.Time

	running  atomic.Bool
	kick     chan struct{}
	interval time.Duration
	now      func() time.Time
}

// NewEngine creates an outbox engine over the given store and publisher.
// The signer may be attached later; the engine idles until one exists.
func NewEngine(store *Store, publisher Publisher) *Engine {
	return &Engine{
		store:     store,
		publisher: publisher,
		kick:      make(chan struct{}, 1),
		interval:  defaultInterval,
		now:       time.Now,
	}
}

// SetSigner attaches (or replaces) the signing capability.
func (e *Engine) SetSigner(s Signer) {
	e.mu.Lock()
	e.signer = s
	e.mu.Unlock()
	e.Kick()
}

// SetInterval overrides the recurring worker pass interval. Takes effect on
// the next Run.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = d
}

// SetNoticeFunc registers the user-facing notice hook for no-signer
// conditions. Notices are throttled to one per 10 seconds.
func (e *Engine) SetNoticeFunc(fn func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noticeFn = fn
}

// EnqueueGathering queues a new gathering for publication and returns
// immediately; it never blocks on signing or network.
func (e *Engine) EnqueueGathering(d GatheringDraft) (*Item, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode gathering draft: %w", err)
	}
	return e.enqueue(KindNewRecord, string(payload))
}

// EnqueueComment queues a comment on an existing record.
func (e *Engine) EnqueueComment(d CommentDraft) (*Item, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode comment draft: %w", err)
	}
	return e.enqueue(KindComment, string(payload))
}

func (e *Engine) enqueue(kind, payload string) (*Item, error) {
	now := e.now()
	item := &Item{
		ID:            uuid.NewString(),
		Kind:          kind,
		Payload:       payload,
		Status:        StatusQueued,
		Attempts:      0,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Insert(item); err != nil {
		return nil, err
	}
	e.Kick()
	return item, nil
}

// Items returns the retained outbox, oldest first.
func (e *Engine) Items() ([]Item, error) {
	return e.store.List()
}

// Retry requeues a failed item for an immediate attempt. Only failed items
// can be retried manually; everything else retries on its own schedule.
func (e *Engine) Retry(id string) error {
	item, err := e.store.Get(id)
	if err != nil {
		return fmt.Errorf("outbox item %s: %w", id, err)
	}
	if item.Status != StatusFailed {
		return fmt.Errorf("outbox item %s is %s, only failed items can be retried", id, item.Status)
	}
	item.Status = StatusQueued
	item.NextAttemptAt = e.now()
	item.LastError = ""
	if err := e.store.Update(item); err != nil {
		return err
	}
	e.Kick()
	return nil
}

// PrunePublished removes published items once a live read has confirmed the
// record id. Reconciliation is the feed's call, not the worker's, so the UI
// can show the queued->published transition first.
func (e *Engine) PrunePublished(publishedID string) {
	items, err := e.store.List()
	if err != nil {
		return
	}
	for _, item := range items {
		if item.Status == StatusPublished && item.PublishedID == publishedID {
			_ = e.store.Delete(item.ID)
		}
	}
}

// HandleOK processes a relay-level acceptance frame. A rejection after a
// transport-level publish marks the item failed with the relay's reason.
func (e *Engine) HandleOK(eventID string, accepted bool, message string) {
	if accepted {
		return
	}
	items, err := e.store.List()
	if err != nil {
		return
	}
	for _, item := range items {
		if item.PublishedID != eventID || item.Status != StatusPublished {
			continue
		}
		item.Status = StatusFailed
		item.LastError = "relay rejected event: " + message
		_ = e.store.Update(&item)
		slog.Warn("relay rejected published event", "event", eventID, "reason", message)
	}
}

// Kick requests a worker pass. Overlapping requests coalesce: a kick while
// a pass is running is a no-op and the next trigger picks up due items.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives recurring worker passes until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	interval := e.interval
	e.mu.Unlock()
	slog.Info("outbox worker started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox worker stopped")
			return ctx.Err()
		case <-ticker.C:
			e.RunPass(ctx)
		case <-e.kick:
			e.RunPass(ctx)
		}
	}
}

// RunPass executes one worker pass. At most one pass runs at a time; a
// concurrent call returns immediately.
func (e *Engine) RunPass(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	defer e.running.Store(false)

	due, err := e.store.Due(e.now(), passBatchLimit)
	if err != nil {
		slog.Error("outbox pass failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	e.mu.Lock()
	signer := e.signer
	e.mu.Unlock()
	if signer == nil {
		// Without a signer nothing can progress: push everything due out by
		// the long pause without burning attempts.
		e.notice("waiting for a signing key before publishing")
		for i := range due {
			due[i].NextAttemptAt = e.now().Add(noSignerDelay)
			_ = e.store.Update(&due[i])
		}
		return
	}

	for i := range due {
		e.attempt(ctx, signer, &due[i])
	}
}

// attempt processes a single due item. Failures never propagate: they are
// classified and reflected into item state.
func (e *Engine) attempt(ctx context.Context, signer Signer, item *Item) {
	item.Status = StatusPublishing
	item.Attempts++
	_ = e.store.Update(item)

	ev, err := e.buildEvent(item)
	if err == nil {
		err = signer.Sign(ctx, ev)
	}
	if err == nil {
		err = e.publisher.Publish(ctx, ev)
	}
	if err == nil {
		now := e.now()
		item.Status = StatusPublished
		item.PublishedID = ev.ID
		item.LastError = ""
		item.CompletedAt = &now
		_ = e.store.Update(item)
		slog.Info("outbox item published", "item", item.ID, "kind", item.Kind, "event", ev.ID)
		return
	}

	e.classify(item, err)
	_ = e.store.Update(item)
}

func (e *Engine) buildEvent(item *Item) (*protocol.Event, error) {
	switch item.Kind {
	case KindNewRecord:
		var d GatheringDraft
		if err := json.Unmarshal([]byte(item.Payload), &d); err != nil {
			return nil, fmt.Errorf("decode gathering draft: %w", err)
		}
		return protocol.NewGathering(protocol.GatheringContent{
			Title:          d.Name,
			Location:       d.Location,
			Description:    d.Description,
			Start:          d.Start,
			ImageURL:       d.ImageURL,
			LandingPageURL: d.LandingPageURL,
			Structured:     true,
		})
	case KindComment:
		var d CommentDraft
		if err := json.Unmarshal([]byte(item.Payload), &d); err != nil {
			return nil, fmt.Errorf("decode comment draft: %w", err)
		}
		return protocol.NewComment(d.ParentID, d.ParentAuthor, d.Text), nil
	default:
		return nil, fmt.Errorf("unknown outbox kind %q", item.Kind)
	}
}

// classify maps a failure onto the retry policy. The error contract is a
// closed set of sentinels from the signer and transport layers.
func (e *Engine) classify(item *Item, err error) {
	item.LastError = err.Error()
	switch {
	case errors.Is(err, ErrNoSigner):
		item.Status = StatusQueued
		item.NextAttemptAt = e.now().Add(noSignerDelay)
		e.notice("waiting for a signing key before publishing")
	case isTransient(err):
		item.Status = StatusQueued
		item.NextAttemptAt = e.now().Add(RetryBackoff(item.Attempts))
		slog.Warn("outbox item retry scheduled", "item", item.ID, "attempts", item.Attempts, "error", err)
	default:
		// Validation or unexpected: terminal. The backoff time is still set
		// so a manual retry surface has something to show.
		item.Status = StatusFailed
		item.NextAttemptAt = e.now().Add(RetryBackoff(item.Attempts))
		slog.Error("outbox item failed", "item", item.ID, "error", err)
	}
}

func isTransient(err error) bool {
	return errors.Is(err, relay.ErrNoConnection) ||
		errors.Is(err, relay.ErrSend) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RetryBackoff returns min(300s, 2s * 2^attempts).
func RetryBackoff(attempts int) time.Duration {
	if attempts > 8 {
		attempts = 8
	}
	delay := 2 * time.Second << uint(attempts)
	if delay > retryBackoffCap {
		delay = retryBackoffCap
	}
	return delay
}

func (e *Engine) notice(msg string) {
	e.mu.Lock()
	fn := e.noticeFn
	throttled := e.now().Sub(e.lastNotice) < noticeThrottle
	if !throttled {
		e.lastNotice = e.now()
	}
	e.mu.Unlock()

	if throttled {
		return
	}
	slog.Warn("outbox notice", "message", msg)
	if fn != nil {
		fn(msg)
	}
}
