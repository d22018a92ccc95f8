// Package feed composes relay reads and outbox writes into one surface:
// live records merged with optimistic outbox projections, reconciled once
// publications are observed on a relay.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/gathersocial/gather/internal/outbox"
	"github.com/gathersocial/gather/internal/protocol"
	"github.com/gathersocial/gather/internal/relay"
)

// Local annotates an entry that originated from the outbox rather than a
// relay-confirmed read.
type Local string

const (
	LocalNone       Local = ""
	LocalQueued     Local = "queued"
	LocalPublishing Local = "publishing"
	LocalPublished  Local = "published"
	LocalError      Local = "error"
)

// Entry is a display-shaped gathering record.
type Entry struct {
	ID        string
	Author    string
	CreatedAt int64
	Content   protocol.GatheringContent

	Local    Local
	OutboxID string
	LastErr  string
}

// Comment is a display-shaped comment record.
type Comment struct {
	ID        string
	Author    string
	CreatedAt int64
	Text      string
	Local     Local
}

// Stream is the consumed part of a relay subscription.
type Stream interface {
	Events() <-chan *protocol.Event
	Close()
}

// Reader opens filtered read streams. Satisfied by the relay router.
type Reader interface {
	Subscribe(ctx context.Context, filters ...protocol.Filter) (Stream, error)
}

// NewRelayReader adapts a relay router to the Reader interface.
func NewRelayReader(r *relay.Router) Reader {
	return relayReader{r: r}
}

type relayReader struct {
	r *relay.Router
}

func (a relayReader) Subscribe(ctx context.Context, filters ...protocol.Filter) (Stream, error) {
	return a.r.Subscribe(ctx, filters...)
}

// Sink receives each newly confirmed relay event (e.g. the Kafka archive).
type Sink interface {
	Archive(ctx context.Context, ev *protocol.Event)
}

// Feed is the orchestrator consumed by presentation code.
type Feed struct {
	reader Reader
	outbox *outbox.Engine
	sink   Sink
	limit  int

	mu         sync.Mutex
	refreshing bool
	tick       uint64
	seen       map[string]bool
	entries    []Entry
	err        error
}

// New creates a feed. sink may be nil.
func New(reader Reader, ob *outbox.Engine, sink Sink, limit int) *Feed {
	if limit <= 0 {
		limit = 50
	}
	return &Feed{
		reader: reader,
		outbox: ob,
		sink:   sink,
		limit:  limit,
		seen:   make(map[string]bool),
	}
}

// Refresh runs one read cycle. Cycles are keyed by a monotonically
// increasing tick; a refresh while one is pending is a no-op, so duplicate
// subscriptions are never created.
func (f *Feed) Refresh(ctx context.Context) error {
	f.mu.Lock()
	if f.refreshing {
		f.mu.Unlock()
		return nil
	}
	f.refreshing = true
	f.tick++
	tick := f.tick
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.refreshing = false
		f.mu.Unlock()
	}()

	sub, err := f.reader.Subscribe(ctx, protocol.Filter{
		Kinds: []int{protocol.KindGathering},
		Limit: f.limit,
	})
	if err != nil {
		f.setErr(err)
		return err
	}
	defer sub.Close()

	var fresh []Entry
	for {
		select {
		case <-ctx.Done():
			f.setErr(ctx.Err())
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				f.merge(fresh, tick)
				f.setErr(nil)
				return nil
			}
			if entry, ok := f.accept(ctx, ev); ok {
				fresh = append(fresh, entry)
			}
		}
	}
}

// accept deduplicates by record id against the process-lifetime seen-set
// and parses the payload tolerantly. A record is never dropped just because
// its content is not well-formed.
func (f *Feed) accept(ctx context.Context, ev *protocol.Event) (Entry, bool) {
	f.mu.Lock()
	if f.seen[ev.ID] {
		f.mu.Unlock()
		return Entry{}, false
	}
	f.seen[ev.ID] = true
	f.mu.Unlock()

	if f.sink != nil {
		f.sink.Archive(ctx, ev)
	}
	f.outbox.PrunePublished(ev.ID)

	return Entry{
		ID:        ev.ID,
		Author:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		Content:   protocol.ParseGathering(ev.Content),
	}, true
}

func (f *Feed) merge(fresh []Entry, tick uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tick != f.tick {
		// A newer cycle superseded this one; discard its results.
		return
	}
	f.entries = append(f.entries, fresh...)
	sort.SliceStable(f.entries, func(i, j int) bool {
		return f.entries[i].CreatedAt > f.entries[j].CreatedAt
	})
}

func (f *Feed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	if err != nil {
		slog.Warn("feed read failed", "error", err)
	}
}

// Err returns the terminal error of the last read cycle, if any. Write
// failures never show here; they surface per item in the projection.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Entries returns relay-confirmed records merged with optimistic
// projections of pending outbox items, sorted by creation time descending.
func (f *Feed) Entries() []Entry {
	f.mu.Lock()
	confirmed := make([]Entry, len(f.entries))
	copy(confirmed, f.entries)
	// Snapshot under the lock; accept writes f.seen during a refresh.
	seen := make(map[string]bool, len(f.seen))
	for id := range f.seen {
		seen[id] = true
	}
	f.mu.Unlock()

	merged := append(confirmed, f.optimistic(seen)...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})
	return merged
}

// optimistic projects non-reconciled outbox items into display entries.
func (f *Feed) optimistic(seen map[string]bool) []Entry {
	items, err := f.outbox.Items()
	if err != nil {
		return nil
	}
	var out []Entry
	for _, item := range items {
		if item.Kind != outbox.KindNewRecord {
			continue
		}
		if item.Status == outbox.StatusPublished && seen[item.PublishedID] {
			continue
		}
		entry := Entry{
			ID:        item.PublishedID,
			CreatedAt: item.CreatedAt.Unix(),
			Content:   protocol.ParseGathering(item.Payload),
			Local:     localStatus(item.Status),
			OutboxID:  item.ID,
			LastErr:   item.LastError,
		}
		if entry.ID == "" {
			entry.ID = "outbox:" + item.ID
		}
		out = append(out, entry)
	}
	return out
}

func localStatus(status string) Local {
	switch status {
	case outbox.StatusQueued:
		return LocalQueued
	case outbox.StatusPublishing:
		return LocalPublishing
	case outbox.StatusPublished:
		return LocalPublished
	case outbox.StatusFailed:
		return LocalError
	}
	return LocalNone
}

// CreateGathering enqueues a new record; it appears immediately as an
// optimistic entry while the outbox works on publication.
func (f *Feed) CreateGathering(d outbox.GatheringDraft) (*outbox.Item, error) {
	return f.outbox.EnqueueGathering(d)
}

// PostComment enqueues a comment on an existing record.
func (f *Feed) PostComment(parentID, parentAuthor, text string) (*outbox.Item, error) {
	return f.outbox.EnqueueComment(outbox.CommentDraft{
		ParentID:     parentID,
		ParentAuthor: parentAuthor,
		Text:         text,
	})
}

// Comments runs a one-shot read cycle for comments on a record, merged with
// pending outbox comments for the same parent.
func (f *Feed) Comments(ctx context.Context, parentID string) ([]Comment, error) {
	sub, err := f.reader.Subscribe(ctx, protocol.Filter{
		Kinds: []int{protocol.KindComment},
		ETags: []string{parentID},
		Limit: f.limit,
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var comments []Comment
	confirmed := make(map[string]bool)
	for ev := range sub.Events() {
		if confirmed[ev.ID] {
			continue
		}
		confirmed[ev.ID] = true
		comments = append(comments, Comment{
			ID:        ev.ID,
			Author:    ev.PubKey,
			CreatedAt: ev.CreatedAt,
			Text:      ev.Content,
		})
	}

	comments = append(comments, f.pendingComments(parentID, confirmed)...)
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt > comments[j].CreatedAt
	})
	return comments, nil
}

func (f *Feed) pendingComments(parentID string, confirmed map[string]bool) []Comment {
	items, err := f.outbox.Items()
	if err != nil {
		return nil
	}
	var out []Comment
	for _, item := range items {
		if item.Kind != outbox.KindComment {
			continue
		}
		if item.Status == outbox.StatusPublished && confirmed[item.PublishedID] {
			f.outbox.PrunePublished(item.PublishedID)
			continue
		}
		var d outbox.CommentDraft
		if json.Unmarshal([]byte(item.Payload), &d) != nil || d.ParentID != parentID {
			continue
		}
		out = append(out, Comment{
			ID:        "outbox:" + item.ID,
			CreatedAt: item.CreatedAt.Unix(),
			Text:      d.Text,
			Local:     localStatus(item.Status),
		})
	}
	return out
}
