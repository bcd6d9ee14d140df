// Package main is the entry point for the drasbot orchestration core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/bridge"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/classify"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/guard"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/handler"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/health"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/metrics"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/poller"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/processor"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/registration"
	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/store"
)

var (
	configDir = flag.String("config", "config", "Path to the configuration directory")
	logLevel  = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	svc := config.NewService(*configDir, nil)
	if err := svc.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := svc.Snapshot()
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := setupLogging(cfg.Logging)
	slog.SetDefault(logger)
	for _, w := range svc.Warnings() {
		logger.Warn("configuration warning", "warning", w)
	}

	logger.Info("drasbot starting",
		"config", *configDir,
		"log_level", cfg.Logging.Level,
		"bridge", cfg.Bridge.URL,
		"mock", cfg.Bridge.Mock,
	)

	if err := run(svc, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

func run(svc *config.Service, logger *slog.Logger) error {
	cfg := svc.Snapshot()

	for _, dir := range []string{
		filepath.Dir(cfg.Database.Path),
		cfg.Bridge.MediaDir,
		cfg.Logging.Dir,
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// Components come up in dependency order; everything below tears
	// down in reverse on shutdown.
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := seedOwner(ctx, db.Users, cfg, logger); err != nil {
		return err
	}

	var bridgeAPI bridge.API
	if cfg.Bridge.Mock {
		logger.Info("bridge integration is mocked; no messages leave this process")
		bridgeAPI = bridge.NewMock(logger)
	} else {
		bridgeAPI = bridge.NewClient(cfg.Bridge, logger)
	}

	g, err := guard.New(cfg.Rate, logger)
	if err != nil {
		return fmt.Errorf("create guard: %w", err)
	}

	notifier := processor.NewRegistrationNotifier(db.Users, bridgeAPI, logger)
	engine := registration.NewEngine(cfg.Registration, cfg.Messages, notifier, logger)
	engine.SetBotName(cfg.Bot.Name)
	engine.SetStateStore(db.Conversation)

	// The classifier rebuilds when the keyword tables change.
	var classifierPtr atomic.Pointer[classify.Classifier]
	classifierPtr.Store(classify.New(cfg.Classifier, cfg.Bot.CommandPrefix, "/"))
	svc.OnChange(func(evt config.ChangeEvent) {
		if evt.Section == "classifier" || evt.Section == "bot" {
			snap := svc.Snapshot()
			classifierPtr.Store(classify.New(snap.Classifier, snap.Bot.CommandPrefix, "/"))
		}
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		if client, ok := bridgeAPI.(*bridge.Client); ok {
			client.SetMetrics(m)
		}
	}

	registry := handler.NewRegistry(svc.Snapshot, g, logger)

	proc := processor.New(processor.Options{
		Config:     svc.Snapshot,
		Users:      db.Users,
		Bridge:     bridgeAPI,
		Guard:      g,
		Engine:     engine,
		Classifier: classifierPtr.Load,
		Registry:   registry,
		Metrics:    m,
		Log:        logger,
	})

	monitor := health.NewMonitor(bridgeAPI, proc, cfg.Bridge, m, logger)

	if err := handler.RegisterBuiltins(registry, handler.Deps{
		Config:       svc,
		Users:        db.Users,
		Bridge:       bridgeAPI,
		Guard:        g,
		Stats:        monitor,
		Registration: engine,
		Classifier:   classifierPtr.Load,
		MediaDir:     cfg.Bridge.MediaDir,
		Log:          logger,
	}); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	reportStartupHealth(ctx, bridgeAPI, cfg.Bridge.Mock, logger)

	var wg sync.WaitGroup

	// The metrics server only exits via Shutdown, so it lives outside
	// wg: waiting on it before shutting it down would deadlock.
	var metricsSrv *metrics.Server
	var metricsDone chan struct{}
	if m != nil && cfg.Metrics.Port > 0 {
		metricsSrv = metrics.NewServer(m, cfg.Metrics.Port, logger)
		metricsDone = make(chan struct{})
		go func() {
			defer close(metricsDone)
			if err := metricsSrv.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Watch(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	// The processor drains its queue after the poller stops feeding it.
	procCtx, procCancel := context.WithCancel(context.Background())
	procDone := make(chan struct{})
	go func() {
		proc.Run(procCtx)
		close(procDone)
	}()

	var view *store.BridgeView
	var pol *poller.Poller
	if !cfg.Bridge.Mock {
		view, err = store.NewBridgeView(cfg.Bridge.StorePath)
		if err != nil {
			procCancel()
			<-procDone
			return fmt.Errorf("open bridge message store: %w", err)
		}
		defer view.Close()
		pol = poller.New(view, proc, svc.Snapshot, logger)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweepLoop(ctx, engine, g, db.Users)
	}()

	if pol != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pol.Run(ctx)
		}()
	}

	logger.Info("drasbot ready")
	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
		cancelShutdown()
		<-metricsDone
	}

	// Reverse order: sources first, then the pipeline drains.
	wg.Wait()

	procCancel()
	select {
	case <-procDone:
	case <-time.After(30 * time.Second):
		logger.Warn("processor drain deadline exceeded")
	}

	logger.Info("drasbot stopped")
	return nil
}

// seedOwner makes sure the configured owner exists with the admin role.
func seedOwner(ctx context.Context, users store.UserRepo, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Bot.OwnerPhone == "" {
		return nil
	}
	owner := &store.User{
		Address:     cfg.Bot.OwnerPhone + "@s.whatsapp.net",
		Phone:       cfg.Bot.OwnerPhone,
		DisplayName: cfg.Bot.OwnerName,
		Role:        store.RoleAdmin,
		Language:    cfg.Bot.Language,
		Active:      true,
	}
	owner.SetRegistration(store.RegistrationData{Step: store.StepCompleted, StartedAt: time.Now()})
	saved, err := users.RegisterUser(ctx, owner)
	if err != nil {
		return fmt.Errorf("seed owner: %w", err)
	}
	logger.Info("owner registered", "phone", saved.Phone, "role", saved.Role)
	return nil
}

// reportStartupHealth logs the bridge state once and prints the
// pairing QR when the session is not linked yet.
func reportStartupHealth(ctx context.Context, b bridge.API, mock bool, logger *slog.Logger) {
	if mock {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	h := b.HealthCheck(probeCtx)
	logger.Info("bridge health at startup",
		"status", h.Status,
		"bridge_available", h.BridgeAvailable,
		"whatsapp_connected", h.WhatsAppConnected,
	)
	if h.BridgeAvailable && !h.WhatsAppConnected {
		if code, err := b.QR(probeCtx); err == nil && code != "" {
			fmt.Fprintln(os.Stderr, "Scan this QR code with WhatsApp to link the session:")
			fmt.Fprintln(os.Stderr, code)
		}
	}
}

// sweepLoop expires stale registrations and idle rate records.
func sweepLoop(ctx context.Context, engine *registration.Engine, g *guard.Guard, users store.UserRepo) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.SweepExpired(ctx, func(address string) (*store.User, error) {
				return users.GetByAddress(ctx, address)
			})
			g.Sweep(24 * time.Hour)
		}
	}
}
