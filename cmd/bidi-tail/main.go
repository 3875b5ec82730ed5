// bidi-tail subscribes to relay events and prints them as they arrive.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/bidi-relay/backend/internal/client"
)

func main() {
	wsURL := pflag.StringP("url", "u", "ws://127.0.0.1:9222/session", "Relay WebSocket URL")
	token := pflag.StringP("token", "t", os.Getenv("BIDI_RELAY_TOKEN"), "Auth token (default $BIDI_RELAY_TOKEN)")
	eventNames := pflag.StringSliceP("event", "e", []string{"browsingContext", "network", "log"}, "Event or module names to subscribe to")
	contexts := pflag.StringSlice("context", nil, "Top-level or frame context ids to scope the subscription to")
	count := pflag.IntP("count", "n", 0, "Exit after this many events (0 = no limit)")
	listContexts := pflag.Bool("list-contexts", false, "List open browsing contexts and exit")
	jsonOut := pflag.Bool("json", false, "Print one JSON object per event")
	pflag.Parse()

	var logger zerolog.Logger
	if *jsonOut {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	var err error
	if *listContexts {
		err = printContexts(ctx, *wsURL, *token, logger)
	} else {
		err = tail(ctx, *wsURL, *token, *eventNames, *contexts, *count, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("bidi-tail failed")
		os.Exit(1)
	}
}

func tail(ctx context.Context, wsURL, token string, eventNames, contexts []string, count int, logger zerolog.Logger) error {
	c, err := client.Dial(ctx, wsURL, token)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("session.new: %w", err)
	}
	sub, err := c.Subscribe(ctx, eventNames, contexts)
	if err != nil {
		return fmt.Errorf("session.subscribe: %w", err)
	}
	logger.Info().Str("session", id).Str("subscription", sub).Strs("events", eventNames).Strs("contexts", contexts).Msg("subscribed")

	seen := 0
	for {
		select {
		case <-ctx.Done():
			endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = c.End(endCtx)
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			params := []byte(ev.Params)
			if len(params) == 0 {
				params = []byte("null")
			}
			logger.Info().Str("method", ev.Method).RawJSON("params", params).Msg("event")
			seen++
			if count > 0 && seen >= count {
				return c.End(ctx)
			}
		}
	}
}

func printContexts(ctx context.Context, wsURL, token string, logger zerolog.Logger) error {
	base, err := apiBase(wsURL)
	if err != nil {
		return err
	}
	list, err := client.NewHTTPClient(base, token).Contexts(ctx)
	if err != nil {
		return err
	}
	for _, info := range list {
		ev := logger.Info().Str("context", info.Context).Str("url", info.URL)
		if info.Parent != nil {
			ev = ev.Str("parent", *info.Parent)
		}
		ev.Msg("context")
	}
	return nil
}

// apiBase turns ws://host:port/session into http://host:port.
func apiBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing --url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("--url must be ws:// or wss://, got %q", wsURL)
	}
	u.Path, u.RawQuery = "", ""
	return u.String(), nil
}
