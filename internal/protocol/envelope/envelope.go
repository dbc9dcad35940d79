package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rforum/rforum-go/internal/model"
)

// Event tags carried in the "event" field of a frame. Ping is the only
// client->server tag; the rest arrive server->client.
const (
	TagPing            = "ping"
	TagSlideActivated  = "slide_activated"
	TagSlideUpdated    = "slide_updated"
	TagSlideDeleted    = "slide_deleted"
	TagResponseCreated = "response_created"
	TagResponseUpvoted = "response_upvoted"
)

var ErrDecode = errors.New("envelope: malformed frame")

// Envelope is the wire shape of one text frame, both directions:
// { "event": <tag>, "data": <payload> }.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StreamEvent is one decoded incremental update. Exactly one payload
// field is set, chosen by Tag; unknown tags keep only Raw so consumers
// can skip them without failing the connection.
type StreamEvent struct {
	Tag      string
	Slide    *model.Slide    // slide_activated, slide_updated
	SlideID  string          // slide_deleted
	Response *model.Response // response_created, response_upvoted
	PingMS   int64           // ping, unix milliseconds
	Raw      json.RawMessage
}

// Encode renders one outgoing frame. Payloads are domain values that are
// always serializable, so a marshal failure indicates a programming error
// and is surfaced rather than panicking.
func Encode(tag string, payload any) ([]byte, error) {
	if strings.TrimSpace(tag) == "" {
		return nil, fmt.Errorf("envelope: missing event tag")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %q: %w", tag, err)
	}
	return json.Marshal(Envelope{Event: tag, Data: data})
}

// Decode parses one incoming text frame into a StreamEvent. Any
// malformed frame fails with ErrDecode; callers log and discard it
// without tearing down the connection.
func Decode(raw []byte) (StreamEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return StreamEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return StreamEvent{}, fmt.Errorf("%w: missing event tag", ErrDecode)
	}

	ev := StreamEvent{Tag: env.Event, Raw: env.Data}
	switch env.Event {
	case TagSlideActivated, TagSlideUpdated:
		var slide model.Slide
		if err := json.Unmarshal(env.Data, &slide); err != nil {
			return StreamEvent{}, fmt.Errorf("%w: %s payload: %v", ErrDecode, env.Event, err)
		}
		if err := slide.Validate(); err != nil {
			return StreamEvent{}, fmt.Errorf("%w: %s payload: %v", ErrDecode, env.Event, err)
		}
		ev.Slide = &slide
	case TagSlideDeleted:
		var del struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &del); err != nil {
			return StreamEvent{}, fmt.Errorf("%w: %s payload: %v", ErrDecode, env.Event, err)
		}
		if strings.TrimSpace(del.ID) == "" {
			return StreamEvent{}, fmt.Errorf("%w: %s payload missing id", ErrDecode, env.Event)
		}
		ev.SlideID = del.ID
	case TagResponseCreated, TagResponseUpvoted:
		var resp model.Response
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return StreamEvent{}, fmt.Errorf("%w: %s payload: %v", ErrDecode, env.Event, err)
		}
		if err := resp.Validate(); err != nil {
			return StreamEvent{}, fmt.Errorf("%w: %s payload: %v", ErrDecode, env.Event, err)
		}
		ev.Response = &resp
	case TagPing:
		var ts int64
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ts); err != nil {
				return StreamEvent{}, fmt.Errorf("%w: ping payload: %v", ErrDecode, err)
			}
		}
		ev.PingMS = ts
	}
	return ev, nil
}
