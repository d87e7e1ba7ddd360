package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/hubd/internal/apps"
	"github.com/danmuck/hubd/internal/config"
	"github.com/danmuck/hubd/internal/hub"
	"github.com/danmuck/hubd/internal/logging"
	"github.com/danmuck/hubd/internal/observability"
	"github.com/danmuck/hubd/internal/storage"
	"github.com/danmuck/hubd/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// runDaemon resolves configuration, wires the hub client, app coordinator
// and supervisor, and blocks until a shutdown signal or a fault.
func runDaemon(parent context.Context, v *viper.Viper) error {
	logging.ConfigureRuntime()
	if raw := v.GetString(flagLogLevel); raw != "" && !logging.SetLevel(raw) {
		return fmt.Errorf("unknown log level %q", raw)
	}
	log := logging.For("hubd")
	log.Info().Msg("starting hubd")

	resolver := config.Resolver{
		ExeDir:     v.GetString(flagConfigDir),
		ConfigPath: v.GetString(flagConfig),
		EnvFile:    v.GetString(flagEnvFile),
		Logger:     logging.For("config"),
	}
	cfg, _, err := resolver.Resolve()
	if errors.Is(err, config.ErrNoConfig) {
		log.Error().Err(err).Msg("no configuration: set HASS_TOKEN or create " + config.FileName + ", exiting")
		return nil
	}
	if err != nil {
		return err
	}
	if addr := v.GetString(flagAdminAddr); addr != "" {
		cfg.AdminAddr = addr
	}
	if err := config.EnsureAppDirectory(&cfg, ""); err != nil {
		return err
	}

	store, err := storage.Open(cfg.StoragePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("storage close failed")
		}
	}()

	d, err := newDaemon(cfg, store, supervisor.Options{
		ProbeInterval: v.GetDuration(flagProbeInterval),
		MaxProbes:     v.GetInt(flagMaxProbes),
		Cooldown:      v.GetDuration(flagCooldown),
	}, logging.Root())
	if err != nil {
		return err
	}

	if cfg.AdminAddr != "" {
		admin := observability.NewAdmin(observability.AdminConfig{
			Addr:        cfg.AdminAddr,
			CORSOrigins: cfg.CORSOrigins,
			Token:       cfg.AdminToken,
			Logger:      logging.For("admin"),
			Status:      d.status,
		})
		if err := admin.Start(); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		defer shutdownAdmin(admin, log)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return supervise(ctx, d.sup, supervisor.RunConfig{
		Target:    cfg.Target(),
		SourceDir: cfg.SourceFolder,
	}, v.GetDuration(flagStopTimeout), log)
}

type daemon struct {
	cfg         config.HostConfig
	client      *hub.Client
	coordinator *apps.Coordinator
	sup         *supervisor.Supervisor
}

// newDaemon builds the hub client, app coordinator and supervisor. base must
// not carry a component field; each package adds its own.
func newDaemon(cfg config.HostConfig, store storage.Repository, tuning supervisor.Options, base zerolog.Logger) (*daemon, error) {
	client := hub.NewClient(hub.Config{TLS: cfg.HubTLS}, base)
	registry := apps.NewRegistry()
	if err := apps.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	coordinator := apps.NewCoordinator(registry, client, apps.Options{
		Logger:  base,
		Storage: store,
		Watch:   cfg.WatchApps,
	})
	tuning.Logger = base
	return &daemon{
		cfg:         cfg,
		client:      client,
		coordinator: coordinator,
		sup:         supervisor.New(client, coordinator, tuning),
	}, nil
}

type statusView struct {
	Supervisor supervisor.Status `json:"supervisor"`
	Apps       []string          `json:"apps"`
	HubVersion string            `json:"hub_version,omitempty"`
	Source     string            `json:"source"`
}

func (d *daemon) status() any {
	return statusView{
		Supervisor: d.sup.Status(),
		Apps:       d.coordinator.Loaded(),
		HubVersion: d.client.Version(),
		Source:     d.cfg.SourceFolder,
	}
}

type runner interface {
	Run(ctx context.Context, cfg supervisor.RunConfig) error
	Stop(timeout time.Duration)
}

// supervise runs sup until ctx ends, then stops it and waits at most
// stopTimeout for Run to return.
func supervise(ctx context.Context, sup runner, cfg supervisor.RunConfig, stopTimeout time.Duration, log zerolog.Logger) error {
	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(context.Background(), cfg)
	}()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	deadline := time.NewTimer(stopTimeout)
	defer deadline.Stop()
	sup.Stop(stopTimeout)
	select {
	case err := <-runErr:
		log.Info().Msg("hubd stopped")
		return err
	case <-deadline.C:
		log.Warn().Dur("timeout", stopTimeout).Msg("exiting before the supervisor finished")
		return nil
	}
}

func shutdownAdmin(admin *observability.Admin, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := admin.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown failed")
	}
}
