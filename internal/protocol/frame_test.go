package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseFrameEvent(t *testing.T) {
	raw := `["EVENT","sub_A",{"id":"abc","pubkey":"def","created_at":1700000000,"kind":31923,"tags":[["title","Potluck"]],"content":"{}","sig":"00"}]`
	frame, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.Type != FrameEvent || frame.SubID != "sub_A" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Event == nil || frame.Event.ID != "abc" || frame.Event.Kind != 31923 {
		t.Errorf("event = %+v", frame.Event)
	}
}

func TestParseFrameEOSE(t *testing.T) {
	frame, err := ParseFrame([]byte(`["EOSE","sub_X"]`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.Type != FrameEOSE || frame.SubID != "sub_X" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestParseFrameOK(t *testing.T) {
	frame, err := ParseFrame([]byte(`["OK","event-id",false,"blocked: rate limited"]`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.EventID != "event-id" || frame.Accepted {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Message != "blocked: rate limited" {
		t.Errorf("message = %q", frame.Message)
	}
}

func TestParseFrameNotice(t *testing.T) {
	frame, err := ParseFrame([]byte(`["NOTICE","slow down"]`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if frame.Type != FrameNotice || frame.Message != "slow down" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`{}`,
		`[]`,
		`[42]`,
		`["EVENT"]`,
		`["EVENT","sub"]`,
		`["EOSE"]`,
		`not json at all`,
	} {
		if _, err := ParseFrame([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("ParseFrame(%q) err = %v, want ErrMalformedFrame", raw, err)
		}
	}
}

func TestParseFrameUnknownType(t *testing.T) {
	frame, err := ParseFrame([]byte(`["AUTH","challenge"]`))
	if err != nil {
		t.Fatalf("unknown frame types should parse for logging, got %v", err)
	}
	if frame.Type != "AUTH" {
		t.Errorf("type = %q", frame.Type)
	}
}

func TestEncodeReqShape(t *testing.T) {
	data, err := EncodeReq("sub_1", Filter{Kinds: []int{31923}, Limit: 10})
	if err != nil {
		t.Fatalf("EncodeReq: %v", err)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) != 3 {
		t.Fatalf("REQ frame = %s (err %v)", data, err)
	}
	if string(arr[0]) != `"REQ"` || string(arr[1]) != `"sub_1"` {
		t.Errorf("REQ frame = %s", data)
	}
	var f Filter
	if err := json.Unmarshal(arr[2], &f); err != nil {
		t.Fatalf("filter element: %v", err)
	}
	if len(f.Kinds) != 1 || f.Kinds[0] != 31923 || f.Limit != 10 {
		t.Errorf("filter = %+v", f)
	}
}

func TestEncodeCloseShape(t *testing.T) {
	data, err := EncodeClose("sub_1")
	if err != nil {
		t.Fatalf("EncodeClose: %v", err)
	}
	if string(data) != `["CLOSE","sub_1"]` {
		t.Errorf("CLOSE frame = %s", data)
	}
}

func TestFilterMatches(t *testing.T) {
	since := int64(100)
	ev := &Event{ID: "id1", PubKey: "pk1", CreatedAt: 150, Kind: 1, Tags: Tags{{"e", "parent"}}}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"kind match", Filter{Kinds: []int{1}}, true},
		{"kind mismatch", Filter{Kinds: []int{31923}}, false},
		{"etag match", Filter{ETags: []string{"parent"}}, true},
		{"etag mismatch", Filter{ETags: []string{"other"}}, false},
		{"since ok", Filter{Since: &since}, true},
		{"author mismatch", Filter{Authors: []string{"someone"}}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(ev); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}
