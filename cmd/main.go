package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ushauri/voicegateway/answer"
	"github.com/ushauri/voicegateway/engine"
	"github.com/ushauri/voicegateway/server"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().
		Level(parseLevel(os.Getenv("LOG_LEVEL")))

	// ---- Configuration (read only here) ----
	addr := envOr("ADDR", ":5000")
	endpoint := mustEnv(logger, "ANSWER_ENDPOINT")
	cfg := engine.Config{
		MaxPolls:        envInt("MAX_POLLS", 40),
		SpeechMaxLen:    envInt("SPEECH_MAX_CHUNK", engine.DefaultMaxChunkLen),
		ConversationTTL: time.Duration(envInt("CONVERSATION_TTL_MINUTES", 60)) * time.Minute,
		PendingTTL:      time.Duration(envInt("PENDING_TTL_MINUTES", 5)) * time.Minute,
		SweepInterval:   time.Duration(envInt("SWEEP_INTERVAL_MINUTES", 30)) * time.Minute,
	}

	client, err := answer.New(endpoint,
		answer.WithTimeout(time.Duration(envInt("ANSWER_TIMEOUT_SECONDS", 7))*time.Second))
	if err != nil {
		logger.Error().Err(err).Msg("failed to create answer client")
		os.Exit(1)
	}

	eng := engine.New(client,
		engine.WithConfig(cfg),
		engine.WithLogger(logger.With().Str("component", "engine").Logger()),
	)
	srv := server.New(eng, logger.With().Str("component", "server").Logger())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", addr).Str("answer_endpoint", endpoint).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		return eng.RunSweeper(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}

	eng.Close()
	snap := eng.Snapshot()
	logger.Info().
		Int("conversations", len(snap.Conversations)).
		Int("pending_turns", len(snap.PendingTurns)).
		Msg("shut down")
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func mustEnv(logger zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Error().Str("key", key).Msg("required environment variable is not set")
		os.Exit(1)
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
