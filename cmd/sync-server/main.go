package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sales-funnel-crm-realtime/internal/emitter"
	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/internal/fabric"
	"sales-funnel-crm-realtime/internal/middleware"
	"sales-funnel-crm-realtime/internal/presence"
	"sales-funnel-crm-realtime/internal/registry"
	"sales-funnel-crm-realtime/internal/sequence"
	"sales-funnel-crm-realtime/internal/store"
	"sales-funnel-crm-realtime/internal/ws"
	"sales-funnel-crm-realtime/shared/authx"
	"sales-funnel-crm-realtime/shared/cachex"
	"sales-funnel-crm-realtime/shared/config"
	"sales-funnel-crm-realtime/shared/dbx"
	"sales-funnel-crm-realtime/shared/httpx"
	"sales-funnel-crm-realtime/shared/influxx"
	"sales-funnel-crm-realtime/shared/logx"
	"sales-funnel-crm-realtime/shared/metricsx"
	"sales-funnel-crm-realtime/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("sync-server", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    tracerEndpoint(cfg),
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Error(context.Background(), "otel_init_failed", "tracing disabled",
			slog.String("error", err.Error()),
		)
		shutdownTracer = func(context.Context) error { return nil }
	}

	if cfg.RedisAddr == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
		cfg.RedisAddr = "localhost:6379"
	}
	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	rdb := cache.Client()

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	// Without Postgres, sequences and the durable log fall back to memory.
	// That keeps local development working but loses events on restart, so
	// readiness stays red until the database is configured.
	var seqAlloc sequence.Allocator
	var eventLog store.Log
	if dbPool != nil {
		seqAlloc = sequence.New(dbPool)
		eventLog = store.NewPGLog(dbPool)
	} else {
		logger.Warn(context.Background(), "memory_fallback", "running without durable storage")
		seqAlloc = sequence.NewMemory()
		eventLog = store.NewMemoryLog()
	}

	st := store.New(eventLog, store.NewRing(rdb, cfg.EventRingSize, cfg.Retention()), logger)
	reg := registry.New(logger)
	tracker := presence.NewTracker(rdb, cfg.PresenceTTL(), logger)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER and OIDC_AUDIENCE are required"})
	}

	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "emit stats disabled",
				slog.String("error", err.Error()),
			)
		}
	}

	local := func(ev event.Event) { ws.Dispatch(reg, ev, logger) }

	var fab fabric.Fabric
	switch cfg.FabricKind {
	case "redis":
		fab = fabric.NewRedis(rdb, cfg.FabricChannel, logger)
	case "kafka":
		fab, err = fabric.NewKafka(cfg, logger)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "failed to initialize kafka fabric"})
			logger.Error(context.Background(), "fabric_init_failed", "kafka fabric init failed",
				slog.String("error", err.Error()),
			)
			fab = nil
		}
	case "none":
		// Single-process deployments broadcast directly.
	}

	em := emitter.New(seqAlloc, st, fab, local, influx, cfg.Retention(), logger)
	emitHandler := emitter.NewHandler(em, cfg.EmitToken, logger)
	wsHandler := ws.NewHandler(reg, st, tracker, ws.Options{
		BatchLimit:     cfg.SyncBatchLimit,
		SendBuffer:     cfg.SendBufferSize,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)

	fabricCtx, stopFabric := context.WithCancel(context.Background())
	defer stopFabric()
	if fab != nil {
		go func() {
			if err := fab.Subscribe(fabricCtx, local); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(context.Background(), "fabric_subscribe_failed", "fabric subscription ended",
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		if err := cache.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: redis unavailable",
				map[string]any{"problem": "redis_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject": auth.Subject,
			"email":   auth.Email,
			"name":    auth.Name,
			"roles":   auth.Roles,
		})
	})
	mux.HandleFunc("GET /api/v1/presence/{entityType}/{entityID}", tracker.ServeGet)
	mux.HandleFunc("POST /internal/v1/emit", emitHandler.Emit)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	isPublic := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}
	// Mutation services authenticate at the emit endpoint itself, with the
	// internal token. They carry no tenant header; the tenant is in the body.
	isInternalEmit := func(r *http.Request) bool {
		return r.URL.Path == "/internal/v1/emit" && r.Header.Get("X-Internal-Token") != ""
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: func(r *http.Request) bool {
			return cfg.DatabaseURL == "" || r.URL.Path != "/internal/v1/emit"
		},
	}.Wrap(handler)
	handler = middleware.TenantMiddleware{
		Skip: func(r *http.Request) bool {
			return isPublic(r) || r.URL.Path == "/internal/v1/emit"
		},
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier:        verifier,
		AllowQueryToken: map[string]bool{"/ws": true},
		Skip: func(r *http.Request) bool {
			return isPublic(r) || isInternalEmit(r)
		},
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip: func(r *http.Request) bool {
			return isPublic(r) || r.URL.Path == "/ws"
		},
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowCredentials: true,
		MaxAge:           time.Hour,
		Skip:             isPublic,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, map[string]bool{"/ws": true}, handler)

	// The upgrade needs http.Hijacker, which the metrics writer does not
	// implement; /ws routes around the instrumented stack.
	wsChain := middleware.TenantMiddleware{}.Wrap(wsHandler)
	wsChain = middleware.AuthMiddleware{
		Verifier:        verifier,
		AllowQueryToken: map[string]bool{"/ws": true},
	}.Wrap(wsChain)

	instrumented := otelhttp.NewHandler(metricsx.Instrument(handler), "sync-server")
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			wsChain.ServeHTTP(w, r)
			return
		}
		instrumented.ServeHTTP(w, r)
	})

	var top http.Handler = root
	top = httpx.WithRequestID(top)
	top = httpx.WithRecover(logger, top)
	top = httpx.WithRequestLog(logger, httpx.RequestLogOptions{
		SkipPaths: map[string]bool{"/healthz": true, "/metrics": true, "/ws": true},
	}, top)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           top,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.String("fabric", cfg.FabricKind),
			slog.Int("ring_size", cfg.EventRingSize),
			slog.Int("retention_hours", cfg.RetentionHours),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}

	stopFabric()
	if fab != nil {
		_ = fab.Close()
	}
	reg.Close()
	if influx != nil {
		influx.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	_ = cache.Close()
	_ = shutdownTracer(shutdownCtx)
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func tracerEndpoint(cfg config.Config) string {
	if !cfg.OtelEnabled {
		return ""
	}
	return cfg.OtelEndpoint
}
