/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/airwave/internal/api"
	"github.com/friendsincode/airwave/internal/cache"
	"github.com/friendsincode/airwave/internal/config"
	"github.com/friendsincode/airwave/internal/db"
	"github.com/friendsincode/airwave/internal/eventbus"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/housekeeping"
	"github.com/friendsincode/airwave/internal/leadership"
	"github.com/friendsincode/airwave/internal/media"
	"github.com/friendsincode/airwave/internal/scheduler"
	"github.com/friendsincode/airwave/internal/store"
	"github.com/friendsincode/airwave/internal/telemetry"
	"github.com/friendsincode/airwave/internal/transport"
	"github.com/friendsincode/airwave/internal/webhooks"
)

const shutdownTimeout = 10 * time.Second

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db                   *gorm.DB
	store                *store.Store
	cache                *cache.Cache
	bus                  events.Broker
	media                *media.Service
	supervisor           *transport.Supervisor
	coordinator          *scheduler.Coordinator
	leaderAwareScheduler *scheduler.LeaderAwareScheduler
	webhookSvc           *webhooks.Service
	housekeeping         *housekeeping.Runner
	api                  *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("airwave-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Uploads and the events websocket outlive the request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") || r.URL.Path == "/api/v1/media/upload" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	if err := srv.startBackgroundWorkers(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads and websocket streams manage their own deadlines.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.store = store.New(database)

	if s.cfg.S3Bucket == "" {
		if err := os.MkdirAll(s.cfg.MediaRoot, 0o755); err != nil {
			return fmt.Errorf("failed to create media directory %s: %w", s.cfg.MediaRoot, err)
		}
		s.logger.Info().Str("path", s.cfg.MediaRoot).Msg("media directory ready")
	}

	// Redis cache for media lookups; the engine runs without it.
	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	mediaCache, err := cache.New(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
	} else {
		s.cache = mediaCache
		s.DeferClose(func() error { return mediaCache.Close() })
	}

	s.bus = eventbus.New(s.cfg, s.logger)
	s.DeferClose(func() error { return s.bus.Close() })

	s.media, err = media.NewService(s.cfg, s.store, s.cache, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize media service: %w", err)
	}

	s.supervisor = transport.New(transport.OptionsFromConfig(s.cfg), s.logger)
	s.coordinator = scheduler.New(s.store, s.supervisor, s.media, s.bus, scheduler.OptionsFromConfig(s.cfg), s.logger)

	if s.cfg.LeaderElectionEnabled {
		electionConfig := leadership.DefaultConfig()
		electionConfig.RedisAddr = s.cfg.RedisAddr
		electionConfig.RedisPassword = s.cfg.RedisPassword
		electionConfig.RedisDB = s.cfg.RedisDB
		if s.cfg.InstanceID != "" {
			electionConfig.InstanceID = s.cfg.InstanceID
		}

		election, err := leadership.NewElection(electionConfig, s.logger)
		if err != nil {
			return fmt.Errorf("create leader election: %w", err)
		}
		s.leaderAwareScheduler = scheduler.NewLeaderAware(s.coordinator, election, s.logger)

		s.logger.Info().
			Str("redis_addr", s.cfg.RedisAddr).
			Str("instance_id", electionConfig.InstanceID).
			Msg("leader election enabled for scheduler")
	}

	s.webhookSvc = webhooks.NewService(s.store, s.bus, webhooks.ConfigFromEnv(s.cfg), s.logger)

	s.housekeeping = housekeeping.New(time.Minute, s.logger)
	if err := s.housekeeping.Add("webhook_log_retention", s.cfg.HousekeepingSchedule,
		housekeeping.PruneWebhookLogs(s.store, s.cfg.WebhookLogRetention, s.logger)); err != nil {
		return err
	}
	if err := s.housekeeping.Add("db_connection_metrics", "@every 30s", housekeeping.ConnectionMetrics(database)); err != nil {
		return err
	}

	s.api = api.New(s.store, s.coordinator, s.media, s.bus, []byte(s.cfg.JWTSigningKey), s.logger)
	s.api.SetMaxUploadBytes(int64(s.cfg.MaxUploadMB) << 20)
	s.api.SetWebhookAPI(api.NewWebhookAPI(s.api, s.webhookSvc))

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close stops the control loop, terminates every supervised process and releases
// owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()

	var firstErr error
	if s.supervisor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.supervisor.ShutdownAll(ctx); err != nil {
			s.logger.Error().Err(err).Msg("transport shutdown incomplete")
			firstErr = err
		}
		cancel()
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Control loop: leader-aware when configured, otherwise this process always drives it.
	if s.leaderAwareScheduler != nil {
		s.leaderAwareScheduler.Start(ctx)
	} else {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduler loop exited")
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.webhookSvc.Start(ctx)
	}()

	if s.cache != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.media.WatchInvalidations(ctx, s.bus)
		}()
	}

	return s.housekeeping.Start(ctx)
}

func (s *Server) stopBackgroundWorkers() {
	if s.leaderAwareScheduler != nil {
		if err := s.leaderAwareScheduler.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("leader election stop failed")
		}
	}
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	if s.housekeeping != nil {
		s.housekeeping.Stop()
	}
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", telemetry.Handler())
	s.api.Routes(s.router)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := http.StatusOK
	response := `{"status":"ok"`
	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status = http.StatusServiceUnavailable
		response = `{"status":"degraded","database":false`
	}

	if s.leaderAwareScheduler != nil {
		if s.leaderAwareScheduler.IsLeader() {
			response += `,"leader":true`
		} else {
			response += `,"leader":false`
		}
	}
	response += fmt.Sprintf(`,"scheduler":%t}`, s.coordinator.Running())

	w.WriteHeader(status)
	_, _ = w.Write([]byte(response))
}
