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

	"github.com/dkeye/Seance/internal/adapters/bus"
	"github.com/dkeye/Seance/internal/adapters/httpapi"
	"github.com/dkeye/Seance/internal/adapters/roomsvc"
	"github.com/dkeye/Seance/internal/adapters/rtc"
	"github.com/dkeye/Seance/internal/app"
	"github.com/dkeye/Seance/internal/config"
	"github.com/dkeye/Seance/internal/domain"
)

// exitScheduler leaves the process after a denied-consent countdown.
type exitScheduler struct {
	cancel context.CancelFunc
}

func (e exitScheduler) ScheduleExit(after time.Duration) {
	log.Warn().Str("module", "main").Dur("after", after).Msg("consent denied, leaving room")
	time.AfterFunc(after, e.cancel)
}

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
	}

	local, err := domain.NewParticipant(domain.UserID(cfg.User.ID), cfg.User.DisplayName, cfg.User.CharacterName)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid user config")
	}

	room := domain.Room{
		ID:               domain.RoomID(cfg.Room.ID),
		CreatorID:        domain.UserID(cfg.Room.CreatorID),
		Capacity:         cfg.Room.Capacity,
		RecordingEnabled: cfg.Room.RecordingEnabled,
	}

	channel := bus.New(bus.Options{
		URL:             cfg.Bus.URL,
		ReadLimit:       cfg.ReadLimit,
		PingPeriod:      cfg.PingPeriod,
		PublishLimit:    cfg.Bus.PublishLimit,
		PublishInterval: cfg.Bus.PublishInterval,
	})
	svc := roomsvc.New(cfg.RoomSvcURL, room.ID)

	sess := app.NewSession(ctx, room, *local, app.Deps{
		Bus:              channel,
		Directory:        roomsvc.NewDirectory(room),
		Snapshots:        svc,
		Markers:          svc,
		Links:            rtc.NewLinkFactory(rtc.DefaultConfig(cfg.STUNServer)),
		Retry:            app.DefaultRetryPolicy(),
		Exits:            exitScheduler{cancel: cancel},
		ConsentCountdown: cfg.Room.ConsentExitDelay,
	})
	channel.OnReconnect(func() {
		if err := sess.Resync(ctx); err != nil {
			log.Error().Err(err).Msg("resync after reconnect failed")
		}
	})

	go sess.Run(ctx)
	go func() {
		if err := channel.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("bus stopped")
		}
	}()
	if err := sess.Resync(ctx); err != nil {
		log.Warn().Err(err).Msg("initial snapshot failed, starting from events only")
	}

	r := httpapi.SetupRouter(cfg, sess)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("room", cfg.Room.ID).Msg("Seance session started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Session exited gracefully")
}
