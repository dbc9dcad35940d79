package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/rforum/rforum-go/internal/config"
	"github.com/rforum/rforum-go/internal/observability"
	"github.com/rforum/rforum-go/internal/protocol/envelope"
	"github.com/rforum/rforum-go/internal/restapi"
	"github.com/rforum/rforum-go/internal/state"
	"github.com/rforum/rforum-go/internal/status"
	"github.com/rforum/rforum-go/internal/stream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rforumtail: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "client config TOML path")
		sessionsPath = flag.String("sessions", "", "session targets TOML path")
		targetName   = flag.String("target", "", "named target from the sessions file")
		code         = flag.String("code", "", "session join code")
		origin       = flag.String("origin", "", "server origin, e.g. https://forum.example.com")
		token        = flag.String("token", "", "bearer token for authenticated REST calls")
		initKind     = flag.String("init", "", "write a starter config of this kind (client, sessions) and exit")
	)
	flag.Parse()

	// Local overrides, same precedence as the frontend's env handling.
	_ = godotenv.Load()

	if *initKind != "" {
		path := *configPath
		if path == "" {
			path = *initKind + ".toml"
		}
		return config.WriteTemplate(path, *initKind, false)
	}

	logger := observability.InitLogger("rforumtail")

	cfg := defaultClientConfig()
	if *configPath != "" {
		loaded, err := config.LoadClientConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	sessionCode := strings.TrimSpace(*code)
	if *sessionsPath != "" && *targetName != "" {
		targets, err := loadSessionTargets(*sessionsPath)
		if err != nil {
			return err
		}
		target, ok := targets.find(*targetName)
		if !ok {
			return fmt.Errorf("unknown target %q in %s", *targetName, *sessionsPath)
		}
		sessionCode = target.Code
		if target.Origin != "" {
			cfg.Server.Origin = target.Origin
		}
	}
	if v := strings.TrimSpace(*origin); v != "" {
		cfg.Server.Origin = v
	}
	if v := strings.TrimSpace(os.Getenv("RFORUM_ORIGIN")); v != "" && *origin == "" {
		cfg.Server.Origin = v
	}
	if sessionCode == "" {
		sessionCode = strings.TrimSpace(os.Getenv("RFORUM_SESSION_CODE"))
	}
	if sessionCode == "" {
		return fmt.Errorf("session code required: pass -code, -target, or RFORUM_SESSION_CODE")
	}

	bearer := strings.TrimSpace(*token)
	if bearer == "" {
		bearer = strings.TrimSpace(os.Getenv("RFORUM_TOKEN"))
	}
	var tokens restapi.TokenSource
	if bearer != "" {
		tokens = restapi.StaticToken(bearer)
	}

	rest, err := restapi.NewClient(cfg.RESTConfig(), tokens, logger)
	if err != nil {
		return err
	}

	store := state.NewStore(sessionCode, rest, cfg.StoreConfig(), logger)
	dispatcher := stream.NewDispatcher(logger)
	dispatcher.Subscribe(store.HandleEvent)
	dispatcher.Subscribe(tailPrinter(logger))

	conn, err := stream.NewConn(cfg.StreamConfig(), sessionCode, dispatcher.Dispatch, logger)
	if err != nil {
		return err
	}
	conn.OnStateChange(store.HandleConnectionState)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.Start(ctx)
	conn.Connect()

	if addr := strings.TrimSpace(cfg.Status.Addr); addr != "" {
		srv := status.New("rforumtail", addr, cfg.Status.CorsOrigins, store, conn)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("status server failed")
			}
		}()
		logger.Info().Str("addr", addr).Msg("status server listening")
	}

	logger.Info().Str("session_code", sessionCode).Str("origin", cfg.Server.Origin).Msg("tailing session")
	<-ctx.Done()

	conn.Close()
	store.Stop()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func defaultClientConfig() config.ClientConfig {
	return config.ClientConfig{
		Server: config.ServerConfig{Origin: "http://localhost:8001"},
	}
}

// tailPrinter logs each event in a compact, human-scannable form.
func tailPrinter(logger zerolog.Logger) stream.Handler {
	return func(ev envelope.StreamEvent) {
		entry := logger.Info().Str("event", ev.Tag)
		switch {
		case ev.Slide != nil:
			entry = entry.
				Str("slide_id", ev.Slide.ID).
				Str("type", string(ev.Slide.Type)).
				Int("order", ev.Slide.Order)
		case ev.Response != nil:
			entry = entry.
				Str("response_id", ev.Response.ID).
				Str("slide_id", ev.Response.SlideID).
				Int("upvotes", ev.Response.Upvotes)
		case ev.Tag == envelope.TagSlideDeleted:
			entry = entry.Str("slide_id", ev.SlideID)
		case ev.Tag == envelope.TagPing:
			return
		}
		entry.Msg("stream event")
	}
}
