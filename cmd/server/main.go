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

	router "github.com/mkorolev/huddle/internal/adapters/http"
	"github.com/mkorolev/huddle/internal/adapters/mediaengine"
	"github.com/mkorolev/huddle/internal/adapters/rtc"
	"github.com/mkorolev/huddle/internal/app"
	"github.com/mkorolev/huddle/internal/app/media"
	"github.com/mkorolev/huddle/internal/app/orch"
	"github.com/mkorolev/huddle/internal/config"
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
		log.Fatal().Err(err).Msg("failed to load config")
	}

	rooms := app.NewRooms()
	o := &orch.Orchestrator{
		Rooms:  rooms,
		Relay:  &app.Relay{Rooms: rooms},
		Policy: app.SimplePolicy{},
	}

	if cfg.Media == "sfu" {
		engine := mediaengine.New(rtc.ConfigWithSTUN(cfg.STUNServers))
		o.Media = media.NewCoordinator(engine, cfg.Audio)
		log.Info().Str("module", "main").Msg("selective forwarding enabled")
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("media", cfg.Media).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
