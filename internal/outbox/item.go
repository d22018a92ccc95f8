// Package outbox implements the durable queue of pending writes and the
// retrying worker that signs and publishes them.
package outbox

import "time"

// Item statuses.
const (
	StatusQueued     = "queued"
	StatusPublishing = "publishing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// Item kinds.
const (
	KindNewRecord = "new-record"
	KindComment   = "comment"
)

// Item is one pending write. Owned exclusively by the engine: mutated only
// by enqueue operations and the worker pass.
type Item struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Payload       string     `json:"payload"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	PublishedID   string     `json:"published_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// GatheringDraft is the payload of a new-record item.
type GatheringDraft struct {
	Name           string `json:"name"`
	Location       string `json:"location"`
	Description    string `json:"description,omitempty"`
	Start          int64  `json:"start"`
	ImageURL       string `json:"image_url,omitempty"`
	LandingPageURL string `json:"landingPageUrl,omitempty"`
}

// CommentDraft is the payload of a comment item.
type CommentDraft struct {
	ParentID     string `json:"parent_id"`
	ParentAuthor string `json:"parent_author,omitempty"`
	Text         string `json:"text"`
}
