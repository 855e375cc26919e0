package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/komacorner/koma-corner/internal/platform/analytics"
	"github.com/komacorner/koma-corner/internal/platform/auth"
	"github.com/komacorner/koma-corner/internal/platform/config"
	"github.com/komacorner/koma-corner/internal/platform/db"
	"github.com/komacorner/koma-corner/internal/platform/httpserver"
	"github.com/komacorner/koma-corner/internal/platform/logging"
	"github.com/komacorner/koma-corner/internal/platform/natsconn"
	"github.com/komacorner/koma-corner/internal/platform/run"
	"github.com/komacorner/koma-corner/services/bff/internal/anilist"
	"github.com/komacorner/koma-corner/services/bff/internal/appstate"
	"github.com/komacorner/koma-corner/services/bff/internal/catalog"
	bffconfig "github.com/komacorner/koma-corner/services/bff/internal/config"
	bffhandlers "github.com/komacorner/koma-corner/services/bff/internal/handlers"
	bffhttp "github.com/komacorner/koma-corner/services/bff/internal/http"
	"github.com/komacorner/koma-corner/services/bff/internal/metrics"
	"github.com/komacorner/koma-corner/services/bff/internal/querycache"
	"github.com/komacorner/koma-corner/services/bff/internal/redirect"
	"github.com/komacorner/koma-corner/services/bff/internal/session"
	"github.com/komacorner/koma-corner/services/bff/internal/supabase"
	"github.com/komacorner/koma-corner/services/bff/internal/userdata"
	"github.com/komacorner/koma-corner/services/bff/internal/userstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	bffCfg, err := bffconfig.LoadBFF()
	if err != nil {
		log.Error("load bff config", zap.Error(err))
		run.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	// NATS is optional: without it auth events stay in-process and analytics
	// only logs.
	nc, err := natsconn.Connect(natsconn.Options{URL: bffCfg.NATSURL, Name: cfg.ServiceName})
	if err != nil {
		log.Warn("nats unavailable, running standalone", zap.Error(err))
		nc = nil
	}
	var js nats.JetStreamContext
	if nc != nil {
		if js, err = natsconn.JetStream(nc); err != nil {
			log.Warn("jetstream unavailable, analytics will not be published", zap.Error(err))
			js = nil
		}
	}

	var sink analytics.Capturer
	var posthog *analytics.PostHog
	if bffCfg.PostHog.APIKey != "" {
		posthog, err = analytics.NewPostHog(bffCfg.PostHog.APIKey, bffCfg.PostHog.Host, 5*time.Second, 50, log)
		if err != nil {
			log.Warn("posthog disabled", zap.Error(err))
		} else {
			sink = posthog
		}
	}
	events := analytics.New(bffCfg.Features.Analytics, js, sink, log)

	// Catalog: GraphQL transport behind the query cache, with the bundled
	// dataset as the fallback.
	transport := anilist.New(bffCfg.Catalog.Endpoint,
		anilist.ClientConfig{MaxRetries: bffCfg.Catalog.MaxRetries},
		anilist.WithRateLimit(bffCfg.Catalog.RPS),
		anilist.WithCircuitBreaker(anilist.NewBreaker(bffCfg.Catalog.CBFailures, log)),
		anilist.WithMetrics(rec),
		anilist.WithLogger(log),
	)
	var store querycache.Store = querycache.NewMemoryStore()
	var redisStore *querycache.RedisStore
	if bffCfg.Cache.RedisURL != "" {
		if redisStore, err = querycache.NewRedisStore(bffCfg.Cache.RedisURL); err != nil {
			log.Warn("redis query cache unavailable, using memory", zap.Error(err))
		} else {
			store = redisStore
		}
	}
	cache := querycache.New(transport,
		querycache.WithStore(store),
		querycache.WithTTL(bffCfg.Cache.TTL),
		querycache.WithMetrics(rec),
		querycache.WithLogger(log),
	)
	invalidations, err := cache.SubscribeInvalidation(nc, bffCfg.Cache.InvalidateSubject)
	if err != nil {
		log.Warn("cache invalidation subscription failed", zap.Error(err))
	}
	static, err := catalog.LoadStatic()
	if err != nil {
		log.Error("load static catalog", zap.Error(err))
		run.Exit(1)
	}
	catalogClient := catalog.New(cache, static,
		catalog.WithPageSize(bffCfg.PageSize),
		catalog.WithMetrics(rec),
		catalog.WithLogger(log),
	)

	validator, err := redirect.NewValidator(bffCfg.FrontendURL, nil, log)
	if err != nil {
		log.Error("init redirect validator", zap.Error(err))
		run.Exit(1)
	}

	// Auth and user data. Without Supabase credentials the BFF serves the
	// catalog only and user-data operations report "not signed in".
	var (
		authClient session.Auth
		backend    userdata.Backend
		closeDB    = func() {}
	)
	if bffCfg.Supabase.Configured() {
		authClient = supabase.NewAuthClient(bffCfg.Supabase.URL, bffCfg.Supabase.Key, bffCfg.Supabase.JWTSecret, supabase.WithLogger(log))
		switch bffCfg.DataBackend {
		case bffconfig.BackendPostgres:
			pool, err := db.Open(context.Background(), bffCfg.DatabaseURL, db.Options{PingAttempts: 5})
			if err != nil {
				log.Error("open database", zap.Error(err))
				run.Exit(1)
			}
			if err := userstore.RunMigrations(bffCfg.DatabaseURL); err != nil {
				pool.Close()
				log.Error("run migrations", zap.Error(err))
				run.Exit(1)
			}
			closeDB = pool.Close
			backend = userstore.New(pool, log)
		default:
			backend = supabase.NewDataClient(bffCfg.Supabase.URL, bffCfg.Supabase.Key, supabase.WithLogger(log))
		}
	} else {
		log.Warn("SUPABASE_URL/SUPABASE_KEY not set; auth and user data disabled")
	}

	bus, err := session.NewNATSBus(nc, session.DefaultSubject, cfg.ServiceName+"-"+hostID(), log)
	if err != nil {
		log.Error("init auth event bus", zap.Error(err))
		run.Exit(1)
	}

	registry := appstate.NewRegistry(appstate.Deps{
		Catalog:        catalogClient,
		Auth:           authClient,
		Bus:            bus,
		Backend:        backend,
		Redirect:       validator,
		Analytics:      events,
		Features:       bffCfg.Features,
		PageSize:       bffCfg.PageSize,
		SignOutTimeout: bffCfg.SignOutTimeout,
		IdleTTL:        bffCfg.SessionIdleTTL,
		MaxSessions:    bffCfg.MaxSessions,
		SecureCookie:   bffCfg.SecureCookies(),
		Metrics:        rec,
		Logger:         log,
	})
	limiter := bffhttp.NewRateLimiter(bffCfg.RateLimit.RPS, bffCfg.RateLimit.Burst)
	limiter.TrustedProxies = bffCfg.RateLimit.TrustedProxies

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		AllowedOrigins: bffCfg.CORSOrigins,
		Metrics:        metrics.Handler(reg),
		Logger:         log,
		ReadyFunc: func() error {
			if nc != nil && !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("koma-corner bff"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(auth.CaptureBearer)
		r.Use(registry.Middleware)
		bffhandlers.Mount(r, bffhandlers.Deps{
			Catalog:        catalogClient,
			Redirect:       validator,
			Analytics:      events,
			Features:       bffCfg.Features,
			PageSize:       bffCfg.PageSize,
			SearchDebounce: bffCfg.SearchDebounce,
			Configured:     authClient != nil,
			AllowedOrigins: strings.Split(bffCfg.CORSOrigins, ","),
			Logger:         log,
		})
	})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	runner.ShutdownTimeout = cfg.ShutdownTimeout
	code := runner.WithSignals(func(ctx context.Context) error {
		go registry.Run(ctx)
		go limiter.Run(ctx)
		return srv.Start(log)
	})

	runner.Graceful(
		srv.Shutdown,
		func(context.Context) error {
			registry.Close()
			return nil
		},
		func(context.Context) error {
			if invalidations != nil {
				_ = invalidations.Unsubscribe()
			}
			if c, ok := bus.(interface{ Close() error }); ok {
				return c.Close()
			}
			return nil
		},
		func(context.Context) error {
			if posthog != nil {
				return posthog.Close()
			}
			return nil
		},
		func(context.Context) error {
			if redisStore != nil {
				return redisStore.Close()
			}
			return nil
		},
		func(context.Context) error {
			closeDB()
			if nc != nil {
				return nc.Drain()
			}
			return nil
		},
	)

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}
