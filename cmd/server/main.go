package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Broadcast/internal/adapters/http"
	"github.com/dkeye/Broadcast/internal/adapters/rtc"
	"github.com/dkeye/Broadcast/internal/adapters/source"
	"github.com/dkeye/Broadcast/internal/app"
	"github.com/dkeye/Broadcast/internal/app/orch"
	"github.com/dkeye/Broadcast/internal/app/sfu"
	"github.com/dkeye/Broadcast/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	engine, err := rtc.NewEngine(cfg.RTC())
	if err != nil {
		log.Error().Err(err).Msg("failed to create webrtc engine")
		os.Exit(1)
	}

	opener, err := source.NewOpener(cfg.Source)
	if err != nil {
		log.Error().Err(err).Msg("failed to configure media source")
		os.Exit(1)
	}
	relay := sfu.NewRelay(opener, sfu.WithMailbox(cfg.Source.Mailbox))
	// Acquire eagerly so the first viewer does not pay for it. A failure
	// only means sessions are answered without media.
	go func() {
		if err := relay.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("media source unavailable, serving without media")
		}
	}()

	policy, err := app.PolicyFromString(cfg.CandidatePolicy)
	if err != nil {
		log.Error().Err(err).Msg("invalid candidate policy")
		os.Exit(1)
	}

	reg := app.NewRegistry(cfg.MaxSessions)
	lifecycle := orch.NewLifecycle(reg, relay, cfg.ShutdownTimeout)
	// Keeps handling engine notifications while the HTTP server drains;
	// lifecycle.Shutdown stops it.
	go lifecycle.Run(context.Background())

	o := &orch.Orchestrator{
		Registry:      reg,
		Relay:         relay,
		Engine:        engine,
		Policy:        policy,
		Lifecycle:     lifecycle,
		GatherTimeout: cfg.GatherTimeout,
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Broadcast server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("sessions force-cleared")
	}
	log.Info().Msg("Server exited gracefully")
}
