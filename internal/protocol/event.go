// Package protocol implements the relay wire protocol: signed event records,
// query filters, and the JSON array frames exchanged over a relay connection.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Event kinds used by this application.
const (
	// KindComment is a plain-text comment referencing a parent event.
	KindComment = 1
	// KindGathering is a calendar-style gathering announcement.
	KindGathering = 31923
)

// Tag is an ordered string sequence, key first (e.g. ["e", "<event id>"]).
type Tag []string

// Tags is the ordered tag list of an event.
type Tags []Tag

// First returns the first tag with the given key, or nil.
func (t Tags) First(key string) Tag {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == key {
			return tag
		}
	}
	return nil
}

// Value returns the value of the first tag with the given key, or "".
func (t Tags) Value(key string) string {
	if tag := t.First(key); len(tag) > 1 {
		return tag[1]
	}
	return ""
}

// Event is a signed, immutable, content-addressed record. ID is the sha256
// of the canonical serialization; Sig is a BIP340 signature over ID. Content
// is immutable once signed: any change requires a new event with a new ID.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize returns the canonical form hashed to produce the event ID:
// the JSON array [0, pubkey, created_at, kind, tags, content].
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	return json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
}

// ComputeID returns the hex sha256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	ser, err := e.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

// NewComment builds an unsigned comment event tagged with a back-reference
// to the parent event (and the parent author when known).
func NewComment(parentID, parentAuthor, text string) *Event {
	tags := Tags{{"e", parentID}}
	if parentAuthor != "" {
		tags = append(tags, Tag{"p", parentAuthor})
	}
	return &Event{
		Kind:    KindComment,
		Tags:    tags,
		Content: text,
	}
}
