package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/bidi-relay/backend/internal/browser"
	"github.com/bidi-relay/backend/internal/config"
	"github.com/bidi-relay/backend/internal/events"
	"github.com/bidi-relay/backend/internal/listener"
	"github.com/bidi-relay/backend/internal/logging"
	"github.com/bidi-relay/backend/internal/mock"
	"github.com/bidi-relay/backend/internal/session"
	"github.com/bidi-relay/backend/internal/status"
	"github.com/bidi-relay/backend/internal/ws"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to config file")
	port := pflag.IntP("port", "p", 0, "Override server port")
	host := pflag.String("host", "", "Override listen host")
	logLevel := pflag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	mockMode := pflag.Bool("mock", false, "Drive the relay with simulated browser traffic")
	genToken := pflag.Bool("generate-token", false, "Print a random auth token and exit")
	showVersion := pflag.BoolP("version", "v", false, "Print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(ws.BrowserName, ws.Version)
		return
	}
	if *genToken {
		token, err := config.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generating token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *mockMode {
		cfg.Mock.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	catalog := events.DefaultCatalog()
	for _, m := range events.FromConfig(cfg.ExtraModules) {
		if err := catalog.Register(m); err != nil {
			return fmt.Errorf("registering module %s: %w", m.Name, err)
		}
		logger.Info().Str("module", m.Name).Int("events", len(m.Events)).Msg("registered extra module")
	}

	hub := listener.NewHub()
	contexts := browser.NewRegistry(hub)
	store := session.NewStore(cfg.Session.MaxSessions, hub, catalog, contexts, logging.Component(logger, "session"))
	contexts.OnClosed(store.ContextsClosed)
	sessionLog := logging.Component(logger, "store")
	store.SetObserver(func(ev session.Event) {
		sessionLog.Info().
			Str("event", ev.Type.String()).
			Str("session", ev.Info.ID).
			Str("kind", ev.Info.Kind.String()).
			Int("sessions", ev.Count).
			Msg("session lifecycle")
	})

	reporter := status.NewReporter(store, contexts, hub, logging.Component(logger, "status"))
	server := ws.NewServer(cfg, store, contexts, reporter, logging.Component(logger, "ws"))
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Mock.Enabled {
		logger.Info().Int("tabs", cfg.Mock.Tabs).Dur("tick", cfg.Mock.Tick).Msg("starting mock browser")
		gen := mock.NewGenerator(contexts, cfg.Mock, logging.Component(logger, "mock"))
		if err := gen.Start(ctx); err != nil {
			return fmt.Errorf("starting mock browser: %w", err)
		}
		defer func() { <-gen.Done() }()
	}

	if cfg.Server.AuthToken == "" {
		logger.Warn().Msg("no auth token configured; any local client may connect")
	}

	err := ws.ListenAndServe(ctx, cfg.Addr(), server.Handler(), logger)
	stop()
	logger.Info().Msg("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := store.CloseAll(closeCtx); cerr != nil {
		logger.Warn().Err(cerr).Msg("closing sessions")
	}
	return err
}
