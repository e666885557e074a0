// Package bootstrap wires the application dependency graph and owns the
// process lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/alert"
	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/engine"
	"autotrader/internal/exchange/binance"
	"autotrader/internal/gateway"
	"autotrader/internal/logging"
	"autotrader/internal/risk"
	"autotrader/internal/safeguard"
	"autotrader/internal/store"
	"autotrader/internal/telemetry"
)

// Runner is a component with a blocking Run that honors context
// cancellation.
type Runner interface {
	Run(ctx context.Context) error
}

// App holds the fully wired dependency graph.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Store   core.IStore
	Gateway *gateway.Gateway
	Engine  *engine.Engine
	Alerts  *alert.Manager

	runners []Runner
}

// NewApp bootstraps every dependency from the config at configPath.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := logging.NewZapLogger(cfg.System.LogLevel)
	logger.Info("Configuration loaded", "config", cfg.String())

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	exchange := binance.New(&cfg.Exchange, logger)
	gw := gateway.New(exchange, &cfg.Gateway, logger)

	alerts := alert.NewManager(logger)
	if cfg.Telegram.BotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if cfg.Slack.WebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Slack.WebhookURL))
	}

	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{
		MaxConsecutiveLosses: cfg.Safeguards.ConsecutiveLossPauseCount,
		CooldownPeriod:       time.Duration(cfg.Trading.LossStreakCooldownMinutes) * time.Minute,
	})

	safeguards := safeguard.NewEngine(&cfg.Safeguards, gw, db, logger)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	gw.SetRateLimitHook(metrics.RateLimitWindows.Inc)

	eng := engine.New(cfg, gw, db, safeguards, breaker, alerts, metrics, logger)

	app := &App{
		Cfg:     cfg,
		Logger:  logger,
		Store:   db,
		Gateway: gw,
		Engine:  eng,
		Alerts:  alerts,
		runners: []Runner{eng},
	}
	if cfg.Telemetry.EnableMetrics {
		app.runners = append(app.runners, telemetry.NewServer(cfg.Telemetry.MetricsPort, registry, logger))
	}
	return app, nil
}

// Run starts every runner and blocks until a termination signal or the
// first runner failure. Shutdown drains pending alerts and closes the store.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application")

	for _, runner := range a.runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()

	a.Alerts.Close()
	if closeErr := a.Store.Close(); closeErr != nil {
		a.Logger.Warn("Failed to close store", "error", closeErr)
	}

	if err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}
