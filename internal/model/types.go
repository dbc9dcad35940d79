package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSession  = errors.New("model: invalid session")
	ErrInvalidSlide    = errors.New("model: invalid slide")
	ErrInvalidResponse = errors.New("model: invalid response")
)

// SlideType tags the interaction variant of a slide. The content payload
// shape depends on this tag.
type SlideType string

const (
	SlidePoll      SlideType = "POLL"
	SlideQNA       SlideType = "QNA"
	SlideFeedback  SlideType = "FEEDBACK"
	SlideContent   SlideType = "CONTENT"
	SlideWordCloud SlideType = "WORD_CLOUD"
)

func (t SlideType) Valid() bool {
	switch t {
	case SlidePoll, SlideQNA, SlideFeedback, SlideContent, SlideWordCloud:
		return true
	}
	return false
}

// Session is one live presentation instance, joined by a short code.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Code      string    `json:"unique_code"`
	Title     string    `json:"title"`
	IsLive    bool      `json:"is_live"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Slides    []Slide   `json:"slides,omitempty"`
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSession)
	}
	if strings.TrimSpace(s.Code) == "" {
		return fmt.Errorf("%w: missing unique_code", ErrInvalidSession)
	}
	return nil
}

// Slide is one unit of audience interaction within a session. Order is
// unique within the owning session and defines presentation sequence.
type Slide struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      SlideType       `json:"type"`
	Order     int             `json:"order"`
	Content   json.RawMessage `json:"content_json,omitempty"`
	IsActive  bool            `json:"is_active"`
}

func (s Slide) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSlide)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSlide, s.Type)
	}
	if s.Order < 0 {
		return fmt.Errorf("%w: negative order", ErrInvalidSlide)
	}
	return nil
}

// Response is a participant's submission against one slide. The guest
// identifier correlates repeated submissions from one anonymous
// participant and is preserved verbatim through merges.
type Response struct {
	ID              string    `json:"id"`
	SlideID         string    `json:"slide_id"`
	Value           string    `json:"value"`
	GuestIdentifier string    `json:"guest_identifier"`
	Name            string    `json:"name,omitempty"`
	Rating          int       `json:"rating,omitempty"`
	Upvotes         int       `json:"upvotes"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

func (r Response) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	if strings.TrimSpace(r.SlideID) == "" {
		return fmt.Errorf("%w: missing slide_id", ErrInvalidResponse)
	}
	if r.Rating != 0 && (r.Rating < 1 || r.Rating > 5) {
		return fmt.Errorf("%w: rating out of range", ErrInvalidResponse)
	}
	return nil
}

// User is the authenticated presenter identity returned by the auth
// collaborator. Participants are anonymous and never carry one.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
