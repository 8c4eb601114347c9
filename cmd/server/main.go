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

	"github.com/mconf/bbb-webrtc-sfu/internal/adapter"
	"github.com/mconf/bbb-webrtc-sfu/internal/app"
	"github.com/mconf/bbb-webrtc-sfu/internal/backend"
	"github.com/mconf/bbb-webrtc-sfu/internal/balancer"
	"github.com/mconf/bbb-webrtc-sfu/internal/bridge"
	"github.com/mconf/bbb-webrtc-sfu/internal/config"
	"github.com/mconf/bbb-webrtc-sfu/internal/domain"
	"github.com/mconf/bbb-webrtc-sfu/internal/events"
	"github.com/mconf/bbb-webrtc-sfu/internal/media"
	"github.com/mconf/bbb-webrtc-sfu/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	bus := events.NewBus()
	bal := balancer.New(balancer.Strategy(cfg.BalanceStrategy), cfg.ProbePeriod, bus)
	for _, h := range cfg.Hosts {
		profiles := make([]domain.MediaProfile, 0, len(h.Profiles))
		for _, p := range h.Profiles {
			profiles = append(profiles, domain.MediaProfile(p))
		}
		bal.AddHost(h.ID, h.IP, backend.NewLoopback(h.IP), profiles...)
	}
	if len(cfg.Hosts) == 0 {
		bal.AddHost("local", "127.0.0.1", backend.NewLoopback("127.0.0.1"))
	}
	go bal.Probe(ctx)

	adapters := map[domain.MediaProfile]media.Adapter{}
	if cfg.Composed {
		for _, p := range []domain.MediaProfile{domain.ProfileAudio, domain.ProfileMain, domain.ProfileContent} {
			adapters[p] = adapter.NewDriver(bal, bus, cfg.RequestTimeout)
		}
	} else {
		adapters[domain.ProfileAll] = adapter.NewDriver(bal, bus, cfg.RequestTimeout)
	}

	ctrl := app.NewController(app.Config{
		Bus:         bus,
		Adapters:    adapters,
		DtmfTimeout: cfg.DtmfTimeout,
		DtmfLength:  cfg.DtmfLength,
	})

	if br := bridge.New(cfg.RedisAddress, cfg.RedisIngressChannel, cfg.RedisEgressChannel, ctrl); br != nil {
		go br.Run(ctx)
		defer br.Close()
	}

	r := transport.SetupRouter(ctx, cfg, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("sfu control plane started")
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
	// Teardown: flag every host offline so adapters purge their state.
	for _, h := range cfg.Hosts {
		bal.MarkOffline(h.ID)
	}
	if len(cfg.Hosts) == 0 {
		bal.MarkOffline("local")
	}
	log.Info().Msg("server exited gracefully")
}
