package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rforum/rforum-go/internal/model"
	"github.com/rforum/rforum-go/internal/protocol/envelope"
	"github.com/rforum/rforum-go/internal/restapi"
	"github.com/rforum/rforum-go/internal/state"
	"github.com/rforum/rforum-go/internal/stream"
	"github.com/rforum/rforum-go/internal/testutil/testlog"
)

// Stand-in for the platform: REST endpoints the baseline load hits plus
// the /ws/<code> streaming endpoint, on one listener like the real
// server.
func newPlatformStub(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	accepts := make(chan *websocket.Conn, 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/join/AB12", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Session{
			ID: "sess.1", Code: "AB12", Title: "Q1", IsLive: true,
		})
	})
	mux.HandleFunc("/api/sessions/sess.1/slides/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.Slide{
			{ID: "slide.1", SessionID: "sess.1", Type: model.SlidePoll, Order: 0},
		})
	})
	mux.HandleFunc("/api/slides/slide.1/responses/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.Response{})
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/AB12") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts <- conn
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, accepts
}

func TestTailEndToEnd(t *testing.T) {
	logger := testlog.Start(t)
	srv, accepts := newPlatformStub(t)

	rest, err := restapi.NewClient(restapi.Config{BaseURL: srv.URL}, nil, logger)
	if err != nil {
		t.Fatalf("rest client: %v", err)
	}

	storeCfg := state.DefaultConfig()
	storeCfg.Backoff.InitialDelay = 20 * time.Millisecond
	storeCfg.Backoff.MaxDelay = 100 * time.Millisecond
	store := state.NewStore("AB12", rest, storeCfg, logger)

	dispatcher := stream.NewDispatcher(logger)
	dispatcher.Subscribe(store.HandleEvent)
	dispatcher.Subscribe(tailPrinter(logger))

	streamCfg := stream.Config{
		Origin:            srv.URL,
		ConnectTimeout:    2 * time.Second,
		WriteTimeout:      2 * time.Second,
		HeartbeatInterval: time.Hour,
		Backoff: stream.BackoffConfig{
			InitialDelay: 20 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     100 * time.Millisecond,
		},
	}
	conn, err := stream.NewConn(streamCfg, "AB12", dispatcher.Dispatch, logger)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	conn.OnStateChange(store.HandleConnectionState)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store.Start(ctx)
	defer store.Stop()
	conn.Connect()
	defer conn.Close()

	var ws *websocket.Conn
	select {
	case ws = <-accepts:
	case <-ctx.Done():
		t.Fatalf("no websocket accept")
	}
	defer ws.CloseNow()

	waitSnapshot(t, store, func(s state.Snapshot) bool {
		return s.Status == state.StatusLive
	})

	for _, frame := range []struct {
		tag     string
		payload any
	}{
		{envelope.TagSlideActivated, model.Slide{ID: "slide.2", SessionID: "sess.1", Type: model.SlideQNA, Order: 1}},
		{envelope.TagResponseCreated, model.Response{ID: "r1", SlideID: "slide.1", Value: "yes", GuestIdentifier: "g-1"}},
	} {
		raw, err := envelope.Encode(frame.tag, frame.payload)
		if err != nil {
			t.Fatalf("encode %s: %v", frame.tag, err)
		}
		if err := ws.Write(ctx, websocket.MessageText, raw); err != nil {
			t.Fatalf("write %s: %v", frame.tag, err)
		}
	}

	waitSnapshot(t, store, func(s state.Snapshot) bool {
		return len(s.Slides) == 2 && len(s.Responses["slide.1"]) == 1
	})

	snap := store.Snapshot()
	if snap.Session.Title != "Q1" {
		t.Fatalf("title=%q", snap.Session.Title)
	}
	if snap.Slides[0].ID != "slide.1" || snap.Slides[1].ID != "slide.2" {
		t.Fatalf("slide order: %+v", snap.Slides)
	}
	if snap.Responses["slide.1"][0].Value != "yes" {
		t.Fatalf("response: %+v", snap.Responses["slide.1"])
	}
}

func waitSnapshot(t *testing.T, store *state.Store, ok func(state.Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok(store.Snapshot()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("snapshot condition never met: %+v", store.Snapshot())
}
