// Package main provides the foreman service entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/obralink/foreman/internal/arbiter"
	"github.com/obralink/foreman/internal/config"
	"github.com/obralink/foreman/internal/extapi"
	"github.com/obralink/foreman/internal/fsm"
	"github.com/obralink/foreman/internal/intent"
	"github.com/obralink/foreman/internal/metrics"
	"github.com/obralink/foreman/internal/notify"
	"github.com/obralink/foreman/internal/server"
	"github.com/obralink/foreman/internal/store"
	"github.com/obralink/foreman/internal/sweep"
	"github.com/obralink/foreman/internal/userlock"
	"github.com/obralink/foreman/pkg/models"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Config file path (default: ~/.foreman/config.yaml)")
	listenAddr := flag.String("listen", "", "Listen address override")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down")
		cancel()
	}()

	// Session store (migrations run automatically).
	st, err := store.NewStore(store.Config{
		Driver:          cfg.DB.Driver,
		Path:            cfg.DB.Path,
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		LogLevel:        logger.Silent,
		ReminderAfter:   cfg.ReminderAfter,
		AbandonAfter:    cfg.AbandonAfter,
		HistoricalAfter: cfg.HistoricalAfter,
		DraftTTL:        cfg.DraftTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session store")
	}
	defer st.Close()

	// Intent registry, optionally file-backed with hot reload.
	registry := intent.Default()
	if cfg.IntentsPath != "" {
		descriptors, err := intent.LoadFile(cfg.IntentsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.IntentsPath).Msg("Failed to load intents file")
		}
		if err := registry.Replace(descriptors); err != nil {
			log.Fatal().Err(err).Msg("Invalid intents file")
		}
		watcher, err := intent.NewWatcher(cfg.IntentsPath, registry)
		if err != nil {
			log.Warn().Err(err).Msg("Intents hot reload unavailable")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Intents hot reload unavailable")
		} else {
			defer watcher.Stop()
		}
	}

	// External collaborators.
	var auth fsm.Authorizer
	var tasks fsm.TaskAPI
	if cfg.DomainAPIURL != "" {
		client := extapi.NewClient(cfg.DomainAPIURL)
		auth, tasks = client, client
	} else {
		log.Warn().Msg("No domain API configured, running permissive (all users and tasks accepted)")
		auth, tasks = extapi.Permissive{}, extapi.Permissive{}
	}

	m, err := metrics.New()
	if err != nil {
		log.Warn().Err(err).Msg("Metrics unavailable")
	}

	var notifier fsm.Notifier
	if cfg.RedisAddr != "" {
		pub := notify.NewPublisher(cfg.RedisAddr)
		defer pub.Close()
		notifier = pub
	}

	engine := fsm.NewEngine(st, auth, tasks, fsm.Options{
		Notifier: notifier,
		Recorder: m,
	})

	locks := userlock.New(cfg.LockTimeout)
	adjuster := arbiter.NewAdjuster(cfg.AmbiguousTerms)
	resolver := arbiter.NewResolver(registry)
	processor := arbiter.NewProcessor(st, engine, adjuster, resolver, registry, locks, m)

	// Expiration sweeper shares the per-user locks with the pipeline.
	sweeper := sweep.New(st, processor, locks, logReminder, m, cfg.SweepInterval)
	go sweeper.Run(ctx)

	svc := server.NewService(processor, st, Version)
	if err := svc.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}
}

// logReminder surfaces idle reminders; channel delivery is wired by the
// transport adapter in deployments that have one.
func logReminder(_ context.Context, sess *models.Session) {
	log.Info().
		Str("session", sess.ID).
		Str("user", sess.UserID).
		Msg("Idle session reminder due")
}
