package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/zhaobenny/callcost/internal/logger"
	"github.com/zhaobenny/callcost/server/internal/auth"
	"github.com/zhaobenny/callcost/server/internal/config"
	"github.com/zhaobenny/callcost/server/internal/database"
	"github.com/zhaobenny/callcost/server/internal/handlers"
	"github.com/zhaobenny/callcost/server/internal/metrics"
	"github.com/zhaobenny/callcost/server/internal/middleware"
	"github.com/zhaobenny/callcost/server/internal/retention"
	"github.com/zhaobenny/callcost/server/internal/templates"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const summaryDelay = 5 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("CALLCOST_CONFIG")
	if cfgPath == "" {
		cfgPath = "./callcost.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	slog.SetDefault(logger.New(os.Stdout, cfg.LogLevel, "callcost-server"))

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}

	sessionMgr := scs.New()
	sessionMgr.Store = sqlite3store.New(db.DB)
	sessionMgr.Lifetime = 7 * 24 * time.Hour
	sessionMgr.Cookie.Secure = cfg.SecureCookies
	sessionMgr.Cookie.SameSite = http.SameSiteLaxMode

	tmpl, err := templates.Parse()
	if err != nil {
		return err
	}

	m := metrics.New()
	debouncer := handlers.NewSummaryDebouncer(db, summaryDelay)
	h := handlers.New(db, sessionMgr, tmpl, cfg.Prices, m, debouncer)
	authMiddleware := auth.NewMiddleware(db, sessionMgr)
	limiter := middleware.NewIPRateLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	// Browser routes
	r.Group(func(r chi.Router) {
		r.Use(sessionMgr.LoadAndSave)

		r.Get("/", h.Index)
		r.Get("/partial/auth", h.PartialAuth)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Limit)
			r.Post("/login", h.Login)
			r.Post("/register", h.Register)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.Post("/logout", h.Logout)
			r.Get("/partial/dashboard", h.PartialDashboard)
			r.Get("/partial/calls", h.PartialCalls)
			r.Get("/calls/{id}", h.CallDetail)
		})
	})

	// API routes (API key-based)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Limit)
		r.Use(authMiddleware.RequireAPIKey)
		r.Post("/api/calls", h.APIIngestCalls)
		r.Get("/api/sync/status", h.APISyncStatus)
		r.Get("/analytics/summaries", h.AnalyticsSummaries)
		r.Get("/analytics/totals", h.AnalyticsTotals)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pruner := retention.NewScheduler(db, cfg.Retention.Days, cfg.Retention.Schedule, m.RecordPruned)
	if err := pruner.Start(ctx); err != nil {
		return err
	}
	if pruner.IsRunning() {
		slog.Info("retention scheduled", "next_run", pruner.NextRun())
	}
	h.SetRetention(pruner)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting callcost-server", "addr", srv.Addr, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		pruner.Stop()
		debouncer.Flush()
		return err
	})

	return g.Wait()
}
