package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"deskgate/internal/activity"
	"deskgate/internal/auth"
	"deskgate/internal/auth/fileauth"
	"deskgate/internal/auth/pgauth"
	"deskgate/internal/config"
	"deskgate/internal/events"
	"deskgate/internal/logger"
	"deskgate/internal/metrics"
	"deskgate/internal/security"
	"deskgate/internal/server"
	"deskgate/internal/session"
	"deskgate/internal/tunnel"
)

func main() {
	configPath := flag.String("config", config.GetEnv("DESKGATE_CONFIG", "deskgate.yaml"), "path to the YAML configuration file")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup(os.Stderr, "info").WithError(err).Fatal("Failed to load configuration")
	}

	log := logger.Setup(os.Stdout, cfg.LogLevel)

	dispatcher := events.NewDispatcher(log)

	store := activity.NewStore(cfg.Redis, log)
	defer store.Close()

	providers, err := buildProviders(cfg, store, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize authentication providers")
	}
	defer func() {
		for _, p := range providers {
			if err := p.Shutdown(); err != nil {
				log.WithError(err).WithField("provider", p.Identifier()).Warn("Provider shutdown failed")
			}
		}
	}()

	directory := session.NewDirectory(session.Options{
		IdleTimeout:   cfg.SessionTimeout,
		TunnelMaxAge:  cfg.TunnelMaxAge,
		SweepInterval: cfg.SweepInterval,
	}, dispatcher, log)
	defer directory.Shutdown()

	authSvc := session.NewAuthenticationService(providers, directory, dispatcher, log)

	dialer := tunnel.NewDialer(log)
	defer dialer.Close()

	tunnelSvc := tunnel.NewService(dialer, store, dispatcher, log)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry, directory)
	dispatcher.Register(collector.Listener())

	audit, err := security.NewAuditLogger(os.Getenv("DESKGATE_AUDIT_DIR"))
	if err != nil {
		log.WithError(err).Fatal("Failed to open audit log")
	}
	defer audit.Close()
	dispatcher.Register(audit.Listener())

	srv := server.NewServer(cfg, log, authSvc, directory, tunnelSvc, registry, audit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("Server error")
	}

	log.Info("Gateway stopped")
}

// buildProviders instantiates the configured authentication providers in
// order. Order matters: it decides both authentication precedence and
// merge tie-breaks when providers expose overlapping identifiers.
func buildProviders(cfg *config.Config, store activity.Store, log *logrus.Logger) ([]auth.Provider, error) {
	var providers []auth.Provider
	for _, name := range cfg.Providers {
		switch name {
		case "file":
			providers = append(providers, fileauth.New(cfg.Users, store))
		case "postgres":
			p, err := pgauth.New(cfg.Postgres.DSN, log)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		}
	}
	return providers, nil
}
