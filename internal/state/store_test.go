package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rforum/rforum-go/internal/model"
	"github.com/rforum/rforum-go/internal/protocol/envelope"
	"github.com/rforum/rforum-go/internal/stream"
	"github.com/rforum/rforum-go/internal/testutil/testlog"
)

type fakeSource struct {
	mu        sync.Mutex
	session   model.Session
	slides    []model.Slide
	responses map[string][]model.Response
	failJoins int
	joinCalls int
	gate      chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		session: model.Session{
			ID:     "sess.1",
			Code:   "AB12",
			Title:  "Q1",
			IsLive: true,
		},
		slides: []model.Slide{
			{ID: "slide.1", SessionID: "sess.1", Type: model.SlidePoll, Order: 0},
		},
		responses: map[string][]model.Response{},
	}
}

func (f *fakeSource) JoinSession(ctx context.Context, code string) (model.Session, error) {
	f.mu.Lock()
	gate := f.gate
	f.joinCalls++
	if f.failJoins > 0 {
		f.failJoins--
		f.mu.Unlock()
		return model.Session{}, errors.New("boom")
	}
	session := f.session
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Session{}, ctx.Err()
		}
	}
	return session, nil
}

func (f *fakeSource) ListSlides(ctx context.Context, sessionID string) ([]model.Slide, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Slide, len(f.slides))
	copy(out, f.slides)
	return out, nil
}

func (f *fakeSource) ListResponses(ctx context.Context, slideID string) ([]model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Response, len(f.responses[slideID]))
	copy(out, f.responses[slideID])
	return out, nil
}

func testStoreConfig() Config {
	return Config{
		Backoff: stream.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

func waitLive(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot().Status == StatusLive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store never reached live")
}

func slideEvent(tag, id string, order int) envelope.StreamEvent {
	return envelope.StreamEvent{
		Tag: tag,
		Slide: &model.Slide{
			ID:        id,
			SessionID: "sess.1",
			Type:      model.SlidePoll,
			Order:     order,
		},
	}
}

func responseEvent(tag, id, slideID, value string, upvotes int) envelope.StreamEvent {
	return envelope.StreamEvent{
		Tag: tag,
		Response: &model.Response{
			ID:              id,
			SlideID:         slideID,
			Value:           value,
			GuestIdentifier: "guest.1",
			Upvotes:         upvotes,
		},
	}
}

// stalledSource never completes a join; it tracks how many fetchers
// are running against it.
type stalledSource struct {
	mu        sync.Mutex
	starts    int
	active    int
	cancelled int
}

func (s *stalledSource) JoinSession(ctx context.Context, code string) (model.Session, error) {
	s.mu.Lock()
	s.starts++
	s.active++
	s.mu.Unlock()
	<-ctx.Done()
	s.mu.Lock()
	s.active--
	s.cancelled++
	s.mu.Unlock()
	return model.Session{}, ctx.Err()
}

func (s *stalledSource) ListSlides(context.Context, string) ([]model.Slide, error) {
	return nil, nil
}

func (s *stalledSource) ListResponses(context.Context, string) ([]model.Response, error) {
	return nil, nil
}

func (s *stalledSource) counts() (starts, active, cancelled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.active, s.cancelled
}

func TestRefreshCancelsSupersededFetch(t *testing.T) {
	logger := testlog.Start(t)
	source := &stalledSource{}
	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	store.HandleConnectionState(stream.StateOpen)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if starts, _, _ := source.counts(); starts >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Reconnect supersedes the stalled fetch; exactly one fetcher may
	// keep hammering the collaborator.
	store.HandleConnectionState(stream.StateOpen)

	for time.Now().Before(deadline) {
		starts, active, cancelled := source.counts()
		if starts == 2 && active == 1 && cancelled == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	starts, active, cancelled := source.counts()
	t.Fatalf("fetchers: starts=%d active=%d cancelled=%d, want 2/1/1", starts, active, cancelled)
}

func TestPendingBufferDropsOldestAtCapacity(t *testing.T) {
	logger := testlog.Start(t)
	source := newFakeSource()
	source.gate = make(chan struct{})

	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()

	for i := 0; i <= maxPendingEvents; i++ {
		id := fmt.Sprintf("r%d", i)
		store.HandleEvent(responseEvent(envelope.TagResponseCreated, id, "slide.1", "v", 0))
	}

	close(source.gate)
	waitLive(t, store)

	got := store.Snapshot().Responses["slide.1"]
	if len(got) != maxPendingEvents {
		t.Fatalf("responses=%d, want the buffer cap %d", len(got), maxPendingEvents)
	}
	ids := make(map[string]bool, len(got))
	for _, r := range got {
		ids[r.ID] = true
	}
	if ids["r0"] {
		t.Fatalf("oldest buffered event survived overflow")
	}
	if !ids[fmt.Sprintf("r%d", maxPendingEvents)] {
		t.Fatalf("newest buffered event lost")
	}
}

func TestBaselineLoadRetriesUntilSuccess(t *testing.T) {
	logger := testlog.Start(t)
	source := newFakeSource()
	source.failJoins = 3

	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()

	waitLive(t, store)
	snap := store.Snapshot()
	if snap.Session.Title != "Q1" || len(snap.Slides) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	source.mu.Lock()
	calls := source.joinCalls
	source.mu.Unlock()
	if calls < 4 {
		t.Fatalf("expected retries before success, joins=%d", calls)
	}
}

func TestBufferThenReplayKeepsEarlyEvents(t *testing.T) {
	logger := testlog.Start(t)
	source := newFakeSource()
	source.gate = make(chan struct{})

	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()

	// Events arrive while the baseline fetch is still in flight.
	store.HandleEvent(responseEvent(envelope.TagResponseCreated, "r1", "slide.1", "yes", 0))
	store.HandleEvent(slideEvent(envelope.TagSlideActivated, "slide.2", 1))
	if got := store.Snapshot().Status; got != StatusLoading {
		t.Fatalf("status=%v before baseline", got)
	}

	close(source.gate)
	waitLive(t, store)

	snap := store.Snapshot()
	if len(snap.Slides) != 2 {
		t.Fatalf("slides=%d, want buffered slide applied", len(snap.Slides))
	}
	if len(snap.Responses["slide.1"]) != 1 {
		t.Fatalf("buffered response lost: %+v", snap.Responses)
	}
}

func TestResponseCreatedIsIdempotent(t *testing.T) {
	logger := testlog.Start(t)
	store := NewStore("AB12", newFakeSource(), testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	waitLive(t, store)

	ev := responseEvent(envelope.TagResponseCreated, "r1", "slide.1", "yes", 0)
	store.HandleEvent(ev)
	store.HandleEvent(ev)
	store.HandleEvent(ev)

	snap := store.Snapshot()
	if got := len(snap.Responses["slide.1"]); got != 1 {
		t.Fatalf("responses=%d after duplicate delivery", got)
	}
}

func TestSlideUpsertLastWriteWins(t *testing.T) {
	logger := testlog.Start(t)
	store := NewStore("AB12", newFakeSource(), testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	waitLive(t, store)

	v1 := slideEvent(envelope.TagSlideUpdated, "slide.1", 0)
	v1.Slide.Content = []byte(`{"question":"v1"}`)
	v2 := slideEvent(envelope.TagSlideUpdated, "slide.1", 0)
	v2.Slide.Content = []byte(`{"question":"v2"}`)

	store.HandleEvent(v1)
	store.HandleEvent(v2)
	store.HandleEvent(v2) // duplicate of the latest write is a no-op

	snap := store.Snapshot()
	if len(snap.Slides) != 1 {
		t.Fatalf("slides=%d", len(snap.Slides))
	}
	if string(snap.Slides[0].Content) != `{"question":"v2"}` {
		t.Fatalf("stale content survived: %s", snap.Slides[0].Content)
	}
}

func TestSlideDeletedIsIdempotentAndCascades(t *testing.T) {
	logger := testlog.Start(t)
	store := NewStore("AB12", newFakeSource(), testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	waitLive(t, store)

	store.HandleEvent(responseEvent(envelope.TagResponseCreated, "r1", "slide.1", "yes", 0))
	del := envelope.StreamEvent{Tag: envelope.TagSlideDeleted, SlideID: "slide.1"}
	store.HandleEvent(del)
	store.HandleEvent(del)

	snap := store.Snapshot()
	if len(snap.Slides) != 0 {
		t.Fatalf("slide survived delete: %+v", snap.Slides)
	}
	if len(snap.Responses) != 0 {
		t.Fatalf("responses survived slide delete: %+v", snap.Responses)
	}
}

func TestUpvoteOverwriteIsAuthoritative(t *testing.T) {
	logger := testlog.Start(t)
	store := NewStore("AB12", newFakeSource(), testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	waitLive(t, store)

	store.HandleEvent(responseEvent(envelope.TagResponseCreated, "r1", "slide.1", "yes", 0))
	upvote := responseEvent(envelope.TagResponseUpvoted, "r1", "slide.1", "yes", 5)
	upvote.Response.GuestIdentifier = ""
	store.HandleEvent(upvote)

	snap := store.Snapshot()
	if snap.Responses["slide.1"][0].Upvotes != 5 {
		t.Fatalf("upvotes=%d want 5", snap.Responses["slide.1"][0].Upvotes)
	}
	if snap.Responses["slide.1"][0].GuestIdentifier != "guest.1" {
		t.Fatalf("guest identifier rewritten")
	}

	// The payload is the authoritative count, not a delta: a duplicate
	// re-applies the same value.
	store.HandleEvent(responseEvent(envelope.TagResponseUpvoted, "r1", "slide.1", "yes", 5))
	if got := store.Snapshot().Responses["slide.1"][0].Upvotes; got != 5 {
		t.Fatalf("upvotes=%d after duplicate", got)
	}
}

func TestConflictParkedAndRequeuedAfterRefresh(t *testing.T) {
	logger := testlog.Start(t)
	source := newFakeSource()
	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	store.HandleConnectionState(stream.StateOpen)
	waitLive(t, store)

	// Response for a slide the store cannot place yet.
	store.HandleEvent(responseEvent(envelope.TagResponseCreated, "r9", "slide.9", "later", 0))
	if got := len(store.Snapshot().Responses["slide.9"]); got != 0 {
		t.Fatalf("conflicting response applied early")
	}

	// The slide shows up in the next baseline; the parked event gets
	// exactly one more chance.
	source.mu.Lock()
	source.slides = append(source.slides, model.Slide{
		ID: "slide.9", SessionID: "sess.1", Type: model.SlideQNA, Order: 5,
	})
	source.mu.Unlock()
	store.HandleConnectionState(stream.StateOpen)
	waitLive(t, store)

	if got := len(store.Snapshot().Responses["slide.9"]); got != 1 {
		t.Fatalf("parked response not requeued: %+v", store.Snapshot().Responses)
	}
}

func TestConflictDroppedAfterSingleRequeue(t *testing.T) {
	logger := testlog.Start(t)
	source := newFakeSource()
	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	store.HandleConnectionState(stream.StateOpen)
	waitLive(t, store)

	store.HandleEvent(responseEvent(envelope.TagResponseCreated, "r9", "slide.ghost", "x", 0))

	// Two refreshes without the slide ever appearing.
	store.HandleConnectionState(stream.StateOpen)
	waitLive(t, store)
	store.HandleConnectionState(stream.StateOpen)
	waitLive(t, store)

	if got := len(store.Snapshot().Responses["slide.ghost"]); got != 0 {
		t.Fatalf("dropped event resurrected")
	}
}

func TestReconnectRefreshesBaseline(t *testing.T) {
	logger := testlog.Start(t)
	source := newFakeSource()
	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	store.HandleConnectionState(stream.StateOpen)
	waitLive(t, store)

	// Server-side change during an outage window.
	source.mu.Lock()
	source.session.Title = "Q1 (renamed)"
	source.mu.Unlock()

	store.HandleConnectionState(stream.StateOpen)
	waitLive(t, store)

	if got := store.Snapshot().Session.Title; got != "Q1 (renamed)" {
		t.Fatalf("baseline not refreshed, title=%q", got)
	}
}

func TestOrderCollisionBumpsResidentSlide(t *testing.T) {
	logger := testlog.Start(t)
	store := NewStore("AB12", newFakeSource(), testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	waitLive(t, store)

	// Incoming slide claims order 0, already held by slide.1.
	store.HandleEvent(slideEvent(envelope.TagSlideUpdated, "slide.2", 0))

	snap := store.Snapshot()
	if len(snap.Slides) != 2 {
		t.Fatalf("slides=%d", len(snap.Slides))
	}
	seen := map[int]string{}
	for _, slide := range snap.Slides {
		if prev, ok := seen[slide.Order]; ok {
			t.Fatalf("order %d held by both %s and %s", slide.Order, prev, slide.ID)
		}
		seen[slide.Order] = slide.ID
	}
	if snap.Slides[0].ID != "slide.2" {
		t.Fatalf("incoming slide did not win order 0: %+v", snap.Slides)
	}
}

func TestHeartbeatUpdatesLivenessOnly(t *testing.T) {
	logger := testlog.Start(t)
	store := NewStore("AB12", newFakeSource(), testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	waitLive(t, store)

	before := store.Snapshot()
	store.HandleEvent(envelope.StreamEvent{Tag: envelope.TagPing, PingMS: time.Now().UnixMilli()})
	after := store.Snapshot()

	if after.LastHeartbeat.IsZero() {
		t.Fatalf("heartbeat not recorded")
	}
	if len(after.Slides) != len(before.Slides) || len(after.Responses) != len(before.Responses) {
		t.Fatalf("heartbeat mutated state")
	}
}

func TestJoinScenario(t *testing.T) {
	logger := testlog.Start(t)
	source := newFakeSource()
	store := NewStore("AB12", source, testStoreConfig(), logger)
	store.Start(context.Background())
	defer store.Stop()
	waitLive(t, store)

	store.HandleEvent(slideEvent(envelope.TagSlideActivated, "slide.2", 1))
	store.HandleEvent(responseEvent(envelope.TagResponseCreated, "r1", "slide.1", "yes", 0))

	snap := store.Snapshot()
	if snap.Session.Title != "Q1" {
		t.Fatalf("title=%q", snap.Session.Title)
	}
	if len(snap.Slides) != 2 || snap.Slides[0].ID != "slide.1" || snap.Slides[1].ID != "slide.2" {
		t.Fatalf("unexpected slide ordering: %+v", snap.Slides)
	}
	responses := snap.Responses["slide.1"]
	if len(responses) != 1 || responses[0].Value != "yes" {
		t.Fatalf("unexpected responses: %+v", responses)
	}
}
