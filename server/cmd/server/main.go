package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bvscope/bvscope/server/internal/alerts"
	"github.com/bvscope/bvscope/server/internal/api"
	"github.com/bvscope/bvscope/server/internal/auth"
	"github.com/bvscope/bvscope/server/internal/bus"
	"github.com/bvscope/bvscope/server/internal/config"
	"github.com/bvscope/bvscope/server/internal/metrics"
	"github.com/bvscope/bvscope/server/internal/store"
	"github.com/bvscope/bvscope/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file; built-in defaults when empty")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("bvscope-server starting", "config", *configPath)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
	}
	srv := cfg.Server

	slog.Info("config loaded",
		"http_port", srv.HTTPPort,
		"auth_mode", srv.Auth.Mode,
		"report_ttl", srv.Reports.TTL,
		"encoding", srv.Evaluation.Encoding,
		"dry_weight_policy", srv.Evaluation.DryWeightPolicy,
		"sbp_drop_policy", srv.Evaluation.SBPDropPolicy,
		"alert_rules", len(srv.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Report store with background TTL eviction.
	st := store.New(srv.Reports.TTL)
	go st.Run(ctx)

	m := metrics.New()

	alertEngine := alerts.New(srv.Alerts, srv.Reports.TTL)
	alertEngine.SetObserver(m.ObserveAlert)

	publisher, err := bus.NewPublisher(srv.NATS.URL())
	if err != nil {
		// Evaluation does not depend on the bus; run without it.
		slog.Warn("nats unavailable, session events disabled", "err", err)
		publisher = bus.Nop{}
	}
	defer publisher.Close()

	hub := ws.New(st, 5*time.Second)
	go hub.Run(ctx)

	m.GaugeFunc("reports_live", "Number of reports currently held in the store.",
		func() float64 { return float64(st.Count()) })
	m.GaugeFunc("ws_clients", "Number of connected live-feed clients.",
		func() float64 { return float64(hub.Count()) })
	m.GaugeFunc("alerts_firing", "Number of alerts currently firing.",
		func() float64 { return float64(alertEngine.FiringCount()) })

	var evalSettings atomic.Pointer[config.EvaluationConfig]
	evalSettings.Store(&srv.Evaluation)

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				evalSettings.Store(&next.Server.Evaluation)
				alertEngine.Update(next.Server.Alerts)
				slog.Info("config reloaded",
					"encoding", next.Server.Evaluation.Encoding,
					"dry_weight_policy", next.Server.Evaluation.DryWeightPolicy,
					"sbp_drop_policy", next.Server.Evaluation.SBPDropPolicy,
					"alert_rules", len(next.Server.Alerts.Rules),
				)
			})
			if err != nil {
				slog.Warn("config watch stopped", "err", err)
			}
		}()
	}

	handler := api.New(api.Options{
		Store:   st,
		Alerts:  alertEngine,
		Hub:     hub,
		Bus:     publisher,
		Subject: srv.NATS.Subject,
		Metrics: m,
		Settings: func() config.EvaluationConfig {
			return *evalSettings.Load()
		},
		MaxUploadBytes: srv.MaxUploadBytes,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", m.Handler())
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(
			srv.Auth.Mode,
			srv.Auth.EffectiveHeader(),
			srv.Auth.Key(),
			[]byte(srv.Auth.Secret()),
		))
		r.Handle("/api/*", handler)
		r.Handle("/ws/stream", hub)
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", srv.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", srv.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("bvscope-server shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
