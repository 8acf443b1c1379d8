package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"

	"github.com/playtrack/backend/internal/config"
	"github.com/playtrack/backend/internal/health"
	"github.com/playtrack/backend/internal/mock"
	"github.com/playtrack/backend/internal/relay"
	"github.com/playtrack/backend/internal/results"
	"github.com/playtrack/backend/internal/session"
	"github.com/playtrack/backend/internal/session/redisstore"
	"github.com/playtrack/backend/internal/ws"
)

func main() {
	os.Exit(serve(os.Args[1:]))
}

// serve returns the process exit code, so deferred cleanup such as
// stopping the profiler runs before exit.
func serve(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	mockMode := fs.Bool("mock", false, "Play scripted games for demo children")
	configPath := fs.String("config", "config.yaml", "Path to config file")
	port := fs.Int("port", 0, "Override server port")
	profileMode := fs.String("profile", "", "Enable profiling: cpu or mem")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := logrus.StandardLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to load .env")
	}

	switch *profileMode {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	default:
		log.Errorf("unknown -profile mode %q", *profileMode)
		return 2
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load config")
		return 1
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if err := configureLogger(log, cfg.Log); err != nil {
		log.WithError(err).Error("invalid log config")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, *mockMode, log); err != nil {
		log.WithError(err).Error("server stopped")
		return 1
	}
	log.Info("server stopped")
	return 0
}

func run(ctx context.Context, cfg *config.Config, configPath string, mockMode bool, log *logrus.Logger) error {
	store, closeStore, pinger, err := openSessionStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	r := relay.New(store, relay.Config{
		QueueSize:     cfg.Relay.QueueSize,
		IdleTimeout:   cfg.Relay.IdleTimeout,
		SweepInterval: cfg.Relay.SweepInterval,
	}, relay.WithLogger(log))
	go r.Run(ctx)

	resultStore, err := results.Open(ctx, cfg.Results.Driver, cfg.Results.DSN)
	if err != nil {
		return fmt.Errorf("open results store: %w", err)
	}
	defer resultStore.Close()

	hub := ws.NewHub(r, ws.HubConfig{
		MaxConnections: cfg.Server.MaxConnections,
		SendBuffer:     cfg.Server.SendBuffer,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, log)

	reporter := health.NewReporter(r, hub.ClientCount, log)
	reporter.AddCheck("results", resultStore)
	if pinger != nil {
		reporter.AddCheck("sessions", pinger)
	}

	if err := config.Watch(ctx, configPath, cfg, log, func(next *config.Config) {
		r.SetConfig(relay.Config{
			IdleTimeout:   next.Relay.IdleTimeout,
			SweepInterval: next.Relay.SweepInterval,
		})
		if err := configureLogger(log, next.Log); err != nil {
			log.WithError(err).Warn("ignoring reloaded log config")
		}
	}); err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}

	if mockMode {
		log.Info("starting demo emitter")
		mock.NewGenerator(r, resultStore, log).Start(ctx)
	}

	server := ws.NewServer(ws.ServerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
	}, hub, store, reporter, log, results.NewHandler(resultStore, log))

	return ws.ListenAndServe(ctx, cfg.Server.Addr(), server.Router(), log, hub.Close)
}

// openSessionStore returns the configured session store, a close func and,
// for networked backends, a health check.
func openSessionStore(cfg config.StoreConfig) (session.Store, func(), health.Pinger, error) {
	switch cfg.Backend {
	case "", "memory":
		return session.NewMemoryStore(), func() {}, nil, nil
	case "redis":
		rcfg, err := redisstore.LoadConfig(cfg.RedisAddr, cfg.KeyPrefix)
		if err != nil {
			return nil, nil, nil, err
		}
		rs, err := redisstore.New(rcfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open redis session store: %w", err)
		}
		return rs, func() { rs.Close() }, rs, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown session store backend %q", cfg.Backend)
	}
}

func configureLogger(log *logrus.Logger, cfg config.LogConfig) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = parsed
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
