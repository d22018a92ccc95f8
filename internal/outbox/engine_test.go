package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gathersocial/gather/internal/protocol"
	"github.com/gathersocial/gather/internal/relay"
)

// stubSigner completes events the way a real signer does, without real
// cryptography.
type stubSigner struct {
	err error
}

func (s *stubSigner) Sign(_ context.Context, ev *protocol.Event) error {
	if s.err != nil {
		return s.err
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = 1700000000
	}
	if ev.Tags == nil {
		ev.Tags = protocol.Tags{}
	}
	ev.PubKey = strings.Repeat("ab", 32)
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	ev.ID = id
	ev.Sig = strings.Repeat("cd", 64)
	return nil
}

type stubPublisher struct {
	mu     sync.Mutex
	err    error
	events []*protocol.Event
}

func (p *stubPublisher) Publish(_ context.Context, ev *protocol.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *stubPublisher) published() []*protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Event(nil), p.events...)
}

func newTestEngine(t *testing.T, pub *stubPublisher) *Engine {
	t.Helper()
	return NewEngine(newTestStore(t), pub)
}

func TestEnqueueNeverBlocksAndDefaults(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})

	item, err := e.EnqueueGathering(GatheringDraft{Name: "Potluck", Location: "Park", Start: 1700000000})
	if err != nil {
		t.Fatalf("EnqueueGathering: %v", err)
	}
	if item.Status != StatusQueued || item.Attempts != 0 {
		t.Errorf("fresh item = %+v", item)
	}
	if time.Until(item.NextAttemptAt) > time.Second {
		t.Errorf("next attempt not immediate: %v", item.NextAttemptAt)
	}

	got, err := e.store.Get(item.ID)
	if err != nil {
		t.Fatalf("enqueued item not persisted: %v", err)
	}
	if got.Kind != KindNewRecord {
		t.Errorf("kind = %q", got.Kind)
	}
}

func TestPassPublishesGathering(t *testing.T) {
	pub := &stubPublisher{}
	e := newTestEngine(t, pub)
	e.SetSigner(&stubSigner{})

	item, err := e.EnqueueGathering(GatheringDraft{Name: "Potluck", Location: "Park", Start: 1700000000})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	got, err := e.store.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPublished {
		t.Fatalf("status = %q (%s), want published", got.Status, got.LastError)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on publish")
	}

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if got.PublishedID != ev.ID {
		t.Errorf("PublishedID %q != event id %q", got.PublishedID, ev.ID)
	}
	if ev.Kind != protocol.KindGathering {
		t.Errorf("event kind = %d", ev.Kind)
	}
	content := protocol.ParseGathering(ev.Content)
	if !content.Structured || content.Title != "Potluck" || content.Location != "Park" || content.Start != 1700000000 {
		t.Errorf("content = %+v", content)
	}
	if ev.Tags.Value("location") != "Park" {
		t.Errorf("location tag not mirrored: %v", ev.Tags)
	}
}

func TestPassPublishesComment(t *testing.T) {
	pub := &stubPublisher{}
	e := newTestEngine(t, pub)
	e.SetSigner(&stubSigner{})

	if _, err := e.EnqueueComment(CommentDraft{ParentID: "parent1", ParentAuthor: "author1", Text: "see you there"}); err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != protocol.KindComment || ev.Content != "see you there" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Tags.Value("e") != "parent1" || ev.Tags.Value("p") != "author1" {
		t.Errorf("parent tags = %v", ev.Tags)
	}
}

func TestPassWithoutSignerPausesWithoutAttempts(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})
	var notices []string
	e.SetNoticeFunc(func(msg string) { notices = append(notices, msg) })

	item, err := e.EnqueueGathering(GatheringDraft{Name: "x", Location: "y", Start: 1})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	got, err := e.store.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want still queued", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (no signer means no attempt burned)", got.Attempts)
	}
	until := time.Until(got.NextAttemptAt)
	if until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("next attempt in %v, want about 5 minutes", until)
	}
	if len(notices) != 1 {
		t.Fatalf("notices = %v, want exactly one", notices)
	}

	// Force the item due again: a second pass inside the throttle window must
	// not produce a second notice.
	got.NextAttemptAt = time.Now()
	if err := e.store.Update(got); err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())
	if len(notices) != 1 {
		t.Errorf("notices = %v, want the repeat suppressed", notices)
	}
}

func TestSignerNoSignerSentinelStaysQueued(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})
	e.SetSigner(&stubSigner{err: ErrNoSigner})

	item, err := e.EnqueueComment(CommentDraft{ParentID: "p", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	got, err := e.store.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	until := time.Until(got.NextAttemptAt)
	if until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("next attempt in %v, want about 5 minutes", until)
	}
}

func TestTransientErrorSchedulesBackoff(t *testing.T) {
	pub := &stubPublisher{err: relay.ErrNoConnection}
	e := newTestEngine(t, pub)
	e.SetSigner(&stubSigner{})

	item, err := e.EnqueueComment(CommentDraft{ParentID: "p", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	got, err := e.store.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want queued for retry", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	// RetryBackoff(1) is 4s.
	until := time.Until(got.NextAttemptAt)
	if until < 2*time.Second || until > 5*time.Second {
		t.Errorf("next attempt in %v, want about 4s", until)
	}
	if got.LastError == "" {
		t.Error("LastError empty after transient failure")
	}
}

func TestUnexpectedErrorIsTerminal(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})
	e.SetSigner(&stubSigner{err: errors.New("key refused the payload")})

	item, err := e.EnqueueComment(CommentDraft{ParentID: "p", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	got, err := e.store.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "key refused") {
		t.Errorf("LastError = %q", got.LastError)
	}

	// Another pass must not pick the terminal item back up.
	e.RunPass(context.Background())
	got, _ = e.store.Get(item.ID)
	if got.Attempts != 1 {
		t.Errorf("terminal item re-attempted: attempts = %d", got.Attempts)
	}
}

func TestMalformedPayloadIsTerminal(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})
	e.SetSigner(&stubSigner{})

	now := time.Now()
	bad := testItem("bad", StatusQueued, now.Add(-time.Minute))
	bad.Kind = "bogus-kind"
	if err := e.store.Insert(bad); err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	got, err := e.store.Get("bad")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestCrashedPassResumesOnRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	first := NewEngine(store, &stubPublisher{})
	item, err := first.EnqueueComment(CommentDraft{ParentID: "p", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-pass: the item was marked publishing but the
	// process died before the attempt resolved.
	item.Status = StatusPublishing
	if err := store.Update(item); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	pub := &stubPublisher{}
	e := NewEngine(store, pub)
	e.SetSigner(&stubSigner{})
	e.RunPass(context.Background())

	got, err := store.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPublished {
		t.Errorf("status = %q (%s), want published after restart", got.Status, got.LastError)
	}
	if len(pub.published()) != 1 {
		t.Errorf("published %d events, want 1", len(pub.published()))
	}
}

func TestRetryRequeuesOnlyFailedItems(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})
	e.SetSigner(&stubSigner{err: errors.New("boom")})

	item, err := e.EnqueueComment(CommentDraft{ParentID: "p", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())

	if err := e.Retry(item.ID); err != nil {
		t.Fatalf("Retry failed item: %v", err)
	}
	got, _ := e.store.Get(item.ID)
	if got.Status != StatusQueued || got.LastError != "" {
		t.Errorf("after retry: %+v", got)
	}

	// A queued item cannot be manually retried.
	if err := e.Retry(item.ID); err == nil {
		t.Error("Retry on a queued item succeeded")
	}
}

func TestHandleOKRejectionFailsPublishedItem(t *testing.T) {
	pub := &stubPublisher{}
	e := newTestEngine(t, pub)
	e.SetSigner(&stubSigner{})

	item, err := e.EnqueueComment(CommentDraft{ParentID: "p", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())
	got, _ := e.store.Get(item.ID)
	if got.Status != StatusPublished {
		t.Fatalf("precondition: status = %q", got.Status)
	}

	e.HandleOK(got.PublishedID, true, "")
	got, _ = e.store.Get(item.ID)
	if got.Status != StatusPublished {
		t.Errorf("acceptance changed status to %q", got.Status)
	}

	e.HandleOK(got.PublishedID, false, "duplicate")
	got, _ = e.store.Get(item.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %q after rejection, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "duplicate") {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestPrunePublishedRemovesReconciledItem(t *testing.T) {
	pub := &stubPublisher{}
	e := newTestEngine(t, pub)
	e.SetSigner(&stubSigner{})

	item, err := e.EnqueueComment(CommentDraft{ParentID: "p", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	e.RunPass(context.Background())
	got, _ := e.store.Get(item.ID)

	e.PrunePublished("some-other-event")
	if _, err := e.store.Get(item.ID); err != nil {
		t.Fatal("unrelated prune removed the item")
	}

	e.PrunePublished(got.PublishedID)
	if _, err := e.store.Get(item.ID); err == nil {
		t.Error("reconciled item still present")
	}
}

func TestRetryBackoffBounds(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{3, 16 * time.Second},
		{7, 256 * time.Second},
		{8, 300 * time.Second},
		{50, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.attempts); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSetInterval(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})
	e.SetInterval(90 * time.Second)
	if e.interval != 90*time.Second {
		t.Errorf("interval = %v after override", e.interval)
	}
	e.SetInterval(0)
	if e.interval != 90*time.Second {
		t.Errorf("interval = %v, want zero override ignored", e.interval)
	}
}

func TestKickCoalesces(t *testing.T) {
	e := newTestEngine(t, &stubPublisher{})
	// Repeated kicks with no consumer must not block.
	for i := 0; i < 10; i++ {
		e.Kick()
	}
}
