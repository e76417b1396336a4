package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/mohammad-safakhou/arbiter/config"
	"github.com/mohammad-safakhou/arbiter/internal/alert"
	"github.com/mohammad-safakhou/arbiter/internal/arbiter"
	"github.com/mohammad-safakhou/arbiter/internal/breaker"
	"github.com/mohammad-safakhou/arbiter/internal/budget"
	"github.com/mohammad-safakhou/arbiter/internal/dampener"
	"github.com/mohammad-safakhou/arbiter/internal/lineage"
	"github.com/mohammad-safakhou/arbiter/internal/loop"
	"github.com/mohammad-safakhou/arbiter/internal/rate"
	"github.com/mohammad-safakhou/arbiter/internal/runtime"
	"github.com/mohammad-safakhou/arbiter/internal/store"
	"github.com/mohammad-safakhou/arbiter/internal/streams"
)

// Run wires the control plane and serves it. Blocks until the listener
// fails.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()

	tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, "arbiter")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(ctx) }()
	e.GET("/metrics", echo.WrapHandler(tel.MetricsHandler()))
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	pub := streams.NewPublisher(rdb)
	alerts := alert.MultiSink{
		alert.NewLogSink(nil),
		alert.NewStreamSink(pub, cfg.Dampener.AlertStream, cfg.Dampener.StreamMaxLen),
	}

	tracker := lineage.NewTracker(st, rdb, nil)
	engine := budget.NewEngine(st, budget.Limits{
		DailyCost:     cfg.Budget.DailyCostLimit,
		MonthlyCost:   cfg.Budget.MonthlyCostLimit,
		DailyTokens:   cfg.Budget.DailyTokenLimit,
		MaxConcurrent: cfg.Budget.MaxConcurrentTasks,
	}, cfg.Budget.WarningRatio, alerts, nil)
	taskRate := rate.NewController(rdb, cfg.Rate.Window, cfg.Rate.SteadyRate, cfg.Rate.BurstPerTier)
	detector := loop.NewDetector(tracker, cfg.Loop.MaxDepth, cfg.Loop.OscillationWindow,
		cfg.Loop.OscillationTasks, cfg.Loop.MinPeriod)
	brk := breaker.New(st, cfg.Breaker.Cooldown, alerts, nil)

	arb := arbiter.New(st, engine, taskRate, detector, brk, tracker, cfg.Arbiter.DedupWindow, nil)

	// Event path uses its own rate window, keyed per event type.
	eventRate := rate.NewController(rdb, cfg.Dampener.RateWindow, cfg.Dampener.RatePerType, 0)
	damp := dampener.New(dampener.Config{
		DedupTTL:         cfg.Dampener.DedupTTL,
		CascadeWindow:    cfg.Dampener.CascadeWindow,
		CascadeGrowth:    cfg.Dampener.CascadeGrowth,
		CascadeFanout:    cfg.Dampener.CascadeFanout,
		CascadeMinEvents: cfg.Dampener.CascadeMinEvents,
		Stream:           cfg.Dampener.Stream,
		StreamMaxLen:     cfg.Dampener.StreamMaxLen,
		BackpressureHigh: cfg.Dampener.BackpressureHigh,
		RetryAttempts:    cfg.Dampener.RetryAttempts,
		RetryBackoff:     cfg.Dampener.RetryBackoff,
	}, rdb, pub, eventRate, tracker, brk, alerts, nil)

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	th := &TasksHandler{Arbiter: arb, Tasks: st}
	th.Register(api.Group("/tasks"), secret)

	eh := &EventsHandler{Gate: damp}
	eh.Register(api.Group("/events"), secret)

	ah := &AdminHandler{Breaker: brk, Lineage: tracker, Agents: st, Usage: engine}
	ah.Register(api.Group("/admin"), secret)

	sweeper := &Sweeper{Store: st, Rdb: rdb, Cron: cfg.Ops.SweepCron, Stop: make(chan struct{})}
	sweeper.Start()

	if addr == "" {
		addr = cfg.General.Listen
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
