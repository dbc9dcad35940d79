package state

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rforum/rforum-go/internal/model"
	"github.com/rforum/rforum-go/internal/observability"
	"github.com/rforum/rforum-go/internal/protocol/envelope"
	"github.com/rforum/rforum-go/internal/stream"
)

// Status is the load lifecycle position of the store.
type Status string

const (
	StatusLoading Status = "loading"
	StatusLive    Status = "live"
)

// BaselineSource is the read side of the REST collaborator. Satisfied
// by *restapi.Client.
type BaselineSource interface {
	JoinSession(ctx context.Context, code string) (model.Session, error)
	ListSlides(ctx context.Context, sessionID string) ([]model.Slide, error)
	ListResponses(ctx context.Context, slideID string) ([]model.Response, error)
}

// Snapshot is one consistent view of the subscribed session. Slides are
// sorted by display order; responses per slide by upvotes descending,
// newest first on ties.
type Snapshot struct {
	Status        Status
	Session       model.Session
	Slides        []model.Slide
	Responses     map[string][]model.Response
	LastHeartbeat time.Time
}

// Config tunes the store. The baseline retry backoff is a decoupled
// instance of the same family the connection manager uses.
type Config struct {
	Backoff stream.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Backoff: stream.BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     8 * time.Second,
			Jitter:       false,
		},
	}
}

type parkedEvent struct {
	ev       envelope.StreamEvent
	requeued bool
}

// maxPendingEvents bounds the buffer of events received while a
// baseline load is in flight. A noisy stream during a long REST outage
// must not grow memory without limit; the oldest events go first since
// a later baseline reflects their effects anyway.
const maxPendingEvents = 1024

// Store merges a REST-fetched baseline with the live event sequence
// into one monotonically-advancing view of session state. Events that
// arrive before the baseline resolves are buffered and replayed in
// receipt order on top of it.
type Store struct {
	code   string
	source BaselineSource
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	status      Status
	gen         int
	session     model.Session
	slides      map[string]model.Slide
	responses   map[string]model.Response
	pending     []envelope.StreamEvent
	parked      []parkedEvent
	lastPing    time.Time
	everOpen    bool
	fetchCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

func NewStore(code string, source BaselineSource, cfg Config, logger zerolog.Logger) *Store {
	if cfg.Backoff.InitialDelay <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		code:      strings.TrimSpace(code),
		source:    source,
		cfg:       cfg,
		logger:    logger.With().Str("session_code", strings.TrimSpace(code)).Logger(),
		status:    StatusLoading,
		slides:    make(map[string]model.Slide),
		responses: make(map[string]model.Response),
	}
}

// Start kicks off the first baseline load. Non-blocking; progress is
// observed through Snapshot().Status.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	gen, fetchCtx := s.beginRefreshLocked()
	s.mu.Unlock()
	go s.fetchBaseline(fetchCtx, gen)
}

// Stop cancels any in-flight baseline fetch.
func (s *Store) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// HandleEvent is the dispatcher subscription entry point. While a
// baseline load is in flight events land in the pending buffer;
// afterwards they apply live.
func (s *Store) HandleEvent(ev envelope.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Tag == envelope.TagPing {
		s.lastPing = time.Now()
		return
	}
	if s.status == StatusLoading {
		if len(s.pending) >= maxPendingEvents {
			dropped := s.pending[0]
			s.pending = s.pending[1:]
			observability.RecordEventApplied(dropped.Tag, "overflow")
			s.logger.Warn().Str("tag", dropped.Tag).Msg("pending buffer full, oldest event dropped")
		}
		s.pending = append(s.pending, ev)
		return
	}
	s.applyLocked(ev, false)
}

// HandleConnectionState re-baselines on every reconnect: the store does
// not trust that nothing was missed during the outage window.
func (s *Store) HandleConnectionState(st stream.State) {
	if st != stream.StateOpen {
		return
	}
	s.mu.Lock()
	first := !s.everOpen
	s.everOpen = true
	if first || s.ctx == nil {
		// Initial open; Start already owns the first load.
		s.mu.Unlock()
		return
	}
	gen, fetchCtx := s.beginRefreshLocked()
	s.mu.Unlock()
	s.logger.Info().Msg("reconnected, refreshing baseline")
	go s.fetchBaseline(fetchCtx, gen)
}

// Snapshot returns a deep copy of the current merged view.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:        s.status,
		Session:       s.session,
		Slides:        make([]model.Slide, 0, len(s.slides)),
		Responses:     make(map[string][]model.Response, len(s.slides)),
		LastHeartbeat: s.lastPing,
	}
	for _, slide := range s.slides {
		snap.Slides = append(snap.Slides, slide)
	}
	sort.Slice(snap.Slides, func(i, j int) bool {
		return snap.Slides[i].Order < snap.Slides[j].Order
	})
	for _, resp := range s.responses {
		snap.Responses[resp.SlideID] = append(snap.Responses[resp.SlideID], resp)
	}
	for _, list := range snap.Responses {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Upvotes != list[j].Upvotes {
				return list[i].Upvotes > list[j].Upvotes
			}
			return list[i].CreatedAt.After(list[j].CreatedAt)
		})
	}
	return snap
}

// beginRefreshLocked marks the store Loading, cancels any fetch still
// in flight for an older generation, and hands out the context for the
// new one. At most one fetcher runs per store.
func (s *Store) beginRefreshLocked() (int, context.Context) {
	if s.fetchCancel != nil {
		s.fetchCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.fetchCancel = cancel
	s.gen++
	s.status = StatusLoading
	return s.gen, ctx
}

// fetchBaseline loads session+slides+responses, retrying with backoff
// until it succeeds or the context dies, then installs the result and
// replays buffered events on top.
func (s *Store) fetchBaseline(ctx context.Context, gen int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		session, slides, responses, err := s.loadOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			observability.RecordBaselineFetch("error")
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("baseline fetch failed")
			if !s.sleepBackoff(ctx, attempt, rng) {
				return
			}
			continue
		}
		observability.RecordBaselineFetch("ok")
		s.install(gen, session, slides, responses)
		return
	}
}

func (s *Store) loadOnce(ctx context.Context) (model.Session, []model.Slide, []model.Response, error) {
	session, err := s.source.JoinSession(ctx, s.code)
	if err != nil {
		return model.Session{}, nil, nil, err
	}
	slides, err := s.source.ListSlides(ctx, session.ID)
	if err != nil {
		return model.Session{}, nil, nil, err
	}
	var responses []model.Response
	for _, slide := range slides {
		list, err := s.source.ListResponses(ctx, slide.ID)
		if err != nil {
			return model.Session{}, nil, nil, err
		}
		responses = append(responses, list...)
	}
	return session, slides, responses, nil
}

func (s *Store) install(gen int, session model.Session, slides []model.Slide, responses []model.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// A newer refresh superseded this fetch.
		return
	}

	session.Slides = nil
	s.session = session
	s.slides = make(map[string]model.Slide, len(slides))
	for _, slide := range slides {
		s.slides[slide.ID] = slide
	}
	s.responses = make(map[string]model.Response, len(responses))
	for _, resp := range responses {
		s.responses[resp.ID] = resp
	}

	// Buffer-then-replay: buffered events go on top of the baseline in
	// receipt order before any live apply.
	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		s.applyLocked(ev, false)
	}

	// Parked conflicts get exactly one more chance after a fresh
	// baseline.
	parked := s.parked
	s.parked = nil
	for _, p := range parked {
		s.applyLocked(p.ev, true)
	}

	s.status = StatusLive
	s.logger.Info().
		Int("slides", len(s.slides)).
		Int("responses", len(s.responses)).
		Msg("baseline installed")
}

func (s *Store) applyLocked(ev envelope.StreamEvent, requeued bool) {
	switch ev.Tag {
	case envelope.TagSlideActivated, envelope.TagSlideUpdated:
		if ev.Slide == nil {
			observability.RecordEventApplied(ev.Tag, "dropped")
			return
		}
		s.upsertSlideLocked(*ev.Slide)
		observability.RecordEventApplied(ev.Tag, "applied")

	case envelope.TagSlideDeleted:
		if _, ok := s.slides[ev.SlideID]; !ok {
			observability.RecordEventApplied(ev.Tag, "noop")
			return
		}
		delete(s.slides, ev.SlideID)
		for id, resp := range s.responses {
			if resp.SlideID == ev.SlideID {
				delete(s.responses, id)
			}
		}
		observability.RecordEventApplied(ev.Tag, "applied")

	case envelope.TagResponseCreated:
		if ev.Response == nil {
			observability.RecordEventApplied(ev.Tag, "dropped")
			return
		}
		resp := *ev.Response
		if _, ok := s.responses[resp.ID]; ok {
			// At-least-once tolerance: duplicate delivery is a no-op.
			observability.RecordEventApplied(ev.Tag, "duplicate")
			return
		}
		if _, ok := s.slides[resp.SlideID]; !ok {
			s.parkLocked(ev, requeued)
			return
		}
		s.responses[resp.ID] = resp
		observability.RecordEventApplied(ev.Tag, "applied")

	case envelope.TagResponseUpvoted:
		if ev.Response == nil {
			observability.RecordEventApplied(ev.Tag, "dropped")
			return
		}
		update := *ev.Response
		current, ok := s.responses[update.ID]
		if !ok {
			s.parkLocked(ev, requeued)
			return
		}
		// The payload carries the authoritative new count, not a delta.
		// With no server sequence numbers this is a pure overwrite; the
		// guest identifier is never touched.
		current.Upvotes = update.Upvotes
		s.responses[update.ID] = current
		observability.RecordEventApplied(ev.Tag, "applied")

	default:
		observability.RecordEventApplied(ev.Tag, "ignored")
	}
}

// parkLocked holds an event that referenced an entity the store cannot
// place. It is requeued once after the next baseline refresh, then
// dropped for good.
func (s *Store) parkLocked(ev envelope.StreamEvent, requeued bool) {
	if requeued {
		observability.RecordEventApplied(ev.Tag, "dropped")
		s.logger.Warn().Str("tag", ev.Tag).Msg("event dropped after requeue")
		return
	}
	observability.RecordEventApplied(ev.Tag, "conflict")
	s.logger.Debug().Str("tag", ev.Tag).Msg("event parked: unknown entity")
	s.parked = append(s.parked, parkedEvent{ev: ev, requeued: true})
}

// upsertSlideLocked applies last-write-wins by slide id and keeps the
// order-uniqueness invariant: a resident slide occupying the incoming
// order is shifted past the current maximum until the server reorders
// it explicitly.
func (s *Store) upsertSlideLocked(slide model.Slide) {
	for id, other := range s.slides {
		if id != slide.ID && other.Order == slide.Order {
			other.Order = s.maxOrderLocked() + 1
			s.slides[id] = other
		}
	}
	s.slides[slide.ID] = slide
}

func (s *Store) maxOrderLocked() int {
	max := -1
	for _, slide := range s.slides {
		if slide.Order > max {
			max = slide.Order
		}
	}
	return max
}

func (s *Store) sleepBackoff(ctx context.Context, attempt int, rng *rand.Rand) bool {
	delay := stream.NextBackoffDelay(s.cfg.Backoff, attempt, rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
