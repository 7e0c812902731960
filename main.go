package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/d1nch8g/avsim-mixer/bus"
	"github.com/d1nch8g/avsim-mixer/config"
	"github.com/d1nch8g/avsim-mixer/engine"
	"github.com/d1nch8g/avsim-mixer/health"
	"github.com/d1nch8g/avsim-mixer/logger"
	"github.com/d1nch8g/avsim-mixer/registry"
	"github.com/d1nch8g/avsim-mixer/sound"
	"github.com/d1nch8g/avsim-mixer/telemetry"
)

// backend is a sound.Engine that needs the audio device opened first.
type backend interface {
	sound.Engine
	Initialize() error
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.Init(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	if err := run(cfg, logg); err != nil {
		logg.Error("mixer stopped with error", "error", err)
		os.Exit(1)
	}
}

func newBackend(cfg *config.Config) backend {
	playerConfig := sound.PlayerConfig{
		SampleRate:      cfg.Audio.SampleRate,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
	}
	if cfg.Audio.Backend == "beep" {
		return sound.NewBeepEngine(playerConfig)
	}
	return sound.NewPortaudioEngine(playerConfig)
}

func run(cfg *config.Config, logg *slog.Logger) error {
	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.AppName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// Initialize audio output
	player := newBackend(cfg)
	if err := player.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize %s audio: %w", cfg.Audio.Backend, err)
	}
	defer player.Close()

	sounds := registry.New(player, cfg.Extensions, logg)
	if _, err := sounds.Load(cfg.ResourceDir); err != nil {
		return err
	}
	defer sounds.Close()

	// The router publishes through the bus manager, and the manager
	// delivers into the router, so the publisher is bound after both exist.
	publisher := &latePublisher{}
	router := engine.NewEngine(engine.EngineConfig{
		Identity:    cfg.AppName,
		AlertSound:  cfg.AlertSound,
		MailboxSize: cfg.MailboxSize,
	}, sounds, publisher, logg)

	manager := bus.New(bus.Config{
		BrokerURL:   cfg.BrokerURL(),
		ClientID:    cfg.ClientID,
		Topics:      router.Topics(),
		Deliver:     router.Deliver,
		OnConnected: func() { router.NotifyActive() },
	}, logg)
	publisher.target = manager

	if cfg.HealthAddr != "" {
		healthServer, err := health.Listen(cfg.HealthAddr, logg)
		if err != nil {
			return err
		}
		manager.Watch(healthServer.Observe)
		go func() {
			if err := healthServer.Serve(ctx); err != nil {
				logg.Error("health server failed", "error", err)
			}
		}()
		logg.Info("health service listening", "addr", healthServer.Addr())
	}

	manager.Connect()
	defer manager.Close()

	if err := router.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logg.Info("mixer stopped")
	return nil
}

type latePublisher struct {
	target engine.Publisher
}

func (p *latePublisher) Publish(topic string, payload []byte) error {
	return p.target.Publish(topic, payload)
}
