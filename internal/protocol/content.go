package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GatheringContent is the decoded payload of a gathering event. Structured
// reports whether the content parsed as JSON; when false, Title and
// Description carry the raw-text fallback (first line / remainder).
type GatheringContent struct {
	Title          string `json:"title"`
	Location       string `json:"location"`
	Description    string `json:"description"`
	Start          int64  `json:"start"`
	ImageURL       string `json:"image_url,omitempty"`
	LandingPageURL string `json:"landingPageUrl,omitempty"`

	Structured bool `json:"-"`
}

// rawGathering accepts the aliased field spellings seen in the wild.
// Precedence: name over title, image_url over imageUrl.
type rawGathering struct {
	Name           string          `json:"name"`
	Title          string          `json:"title"`
	Location       string          `json:"location"`
	Description    string          `json:"description"`
	Start          json.RawMessage `json:"start"`
	StartTimestamp json.RawMessage `json:"startTimestamp"`
	ImageURL       string          `json:"image_url"`
	ImageURLAlt    string          `json:"imageUrl"`
	LandingPageURL string          `json:"landingPageUrl"`
}

// ParseGathering decodes event content tolerantly. A record is never dropped
// for a malformed payload: anything that is not a JSON object falls back to
// treating the first line as a title and the rest as a description.
func ParseGathering(content string) GatheringContent {
	var raw rawGathering
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &raw) == nil {
		g := GatheringContent{
			Title:          firstNonEmpty(raw.Name, raw.Title),
			Location:       raw.Location,
			Description:    raw.Description,
			ImageURL:       firstNonEmpty(raw.ImageURL, raw.ImageURLAlt),
			LandingPageURL: raw.LandingPageURL,
			Structured:     true,
		}
		if start, ok := parseTimestamp(raw.Start); ok {
			g.Start = start
		} else if start, ok := parseTimestamp(raw.StartTimestamp); ok {
			g.Start = start
		}
		return g
	}

	title, desc, _ := strings.Cut(trimmed, "\n")
	return GatheringContent{
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(desc),
	}
}

// Encode returns the canonical JSON content for publishing.
func (g GatheringContent) Encode() (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode gathering content: %w", err)
	}
	return string(data), nil
}

// NewGathering builds an unsigned gathering event. Key fields are mirrored
// into tags so relays can filter on them without parsing content.
func NewGathering(g GatheringContent) (*Event, error) {
	content, err := g.Encode()
	if err != nil {
		return nil, err
	}
	tags := Tags{
		{"title", g.Title},
		{"location", g.Location},
		{"start", strconv.FormatInt(g.Start, 10)},
	}
	if g.ImageURL != "" {
		tags = append(tags, Tag{"image", g.ImageURL})
	}
	return &Event{
		Kind:    KindGathering,
		Tags:    tags,
		Content: content,
	}, nil
}

// parseTimestamp accepts unix seconds as a JSON number or numeric string.
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
