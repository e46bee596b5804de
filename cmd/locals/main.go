package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AndreLimaSa/locals/internal/api"
	"github.com/AndreLimaSa/locals/internal/auth"
	"github.com/AndreLimaSa/locals/internal/cache/redisstore"
	"github.com/AndreLimaSa/locals/internal/core/config"
	"github.com/AndreLimaSa/locals/internal/core/httpclient"
	"github.com/AndreLimaSa/locals/internal/core/model"
	"github.com/AndreLimaSa/locals/internal/core/observability"
	"github.com/AndreLimaSa/locals/internal/core/router"
	"github.com/AndreLimaSa/locals/internal/core/server"
	"github.com/AndreLimaSa/locals/internal/geo"
	"github.com/AndreLimaSa/locals/internal/invalidation/kafkaconsumer"
	"github.com/AndreLimaSa/locals/internal/logger"
	"github.com/AndreLimaSa/locals/internal/metrics"
	"github.com/AndreLimaSa/locals/internal/session"
	"github.com/AndreLimaSa/locals/internal/store"
	"github.com/AndreLimaSa/locals/internal/voteevents"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotEnv()
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "locals",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting locals",
		"addr", cfg.Addr,
		"version", Version,
		"api", cfg.APIBaseURL,
		"geo_source", cfg.Geo.Source)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		startMetrics(ctx, cfg.Metrics)
	}
	observability.ExposeBuildInfo(Version)

	httpClient := httpclient.NewOutbound(cfg.APITimeout)

	var apiOpts []api.Option
	if cfg.Breaker.Enabled {
		apiOpts = append(apiOpts, api.WithBreaker(cfg.Breaker.Failures, cfg.Breaker.Timeout))
	}
	client, err := api.New(appLog, httpClient, cfg.APIBaseURL, apiOpts...)
	if err != nil {
		appLog.Error("failed to initialize api client", "err", err)
		return 1
	}

	var (
		creds     auth.Store
		ephemeral bool
		storeOpts = store.Options{SnapshotTimeout: cfg.CacheOpTimeout}
	)
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithPoolSize(cfg.RedisPoolSize),
			redisstore.WithReadTimeout(cfg.CacheOpTimeout),
			redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
		if err != nil {
			appLog.Error("failed to connect to redis", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		storeOpts.Snapshotter = store.NewRedisSnapshotter(rc, cfg.APIBaseURL, cfg.SnapshotTTL)
		creds = auth.NewRedisStore(rc, cfg.SnapshotTTL)
		appLog.Info("redis enabled", "addr", cfg.RedisAddr)
	} else {
		creds = auth.NewMemoryStore()
		ephemeral = true
	}

	locations := store.New(client, appLog, storeOpts)
	if locations.Warm(ctx) {
		appLog.Info("warmed location store from snapshot")
	}

	static := model.Fix{
		Coordinates: model.Coordinates{Lat: cfg.Geo.StaticLat, Lon: cfg.Geo.StaticLon},
		AccuracyM:   cfg.Geo.StaticAcc,
	}
	locator := geo.NewLocator(geo.SourceFor(cfg.Geo.Source, static, cfg.Geo.IPURL, httpClient), cfg.Geo.Timeout, appLog)

	deps := session.Deps{
		Store:                locations,
		API:                  client,
		Auth:                 client,
		Creds:                creds,
		Locator:              locator,
		Logger:               appLog,
		ClusterRes:           cfg.ClusterRes,
		MaxDistanceKm:        cfg.DefaultMaxDistanceKm,
		EphemeralCredentials: ephemeral,
	}

	if cfg.Kafka.VoteEventsEnabled {
		pub, err := voteevents.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.VoteEventsTopic, 1024, appLog)
		if err != nil {
			appLog.Error("vote events disabled", "err", err)
		} else {
			defer func() { _ = pub.Close() }()
			deps.Publisher = pub
		}
	}

	if cfg.Kafka.InvalidationEnabled {
		consumer := kafkaconsumer.New(kafkaconsumer.FromConfig(cfg.Kafka), &zl, appLog, locations)
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	sessions, err := session.NewManager(cfg.SessionCapacity, deps)
	if err != nil {
		appLog.Error("failed to initialize sessions", "err", err)
		return 1
	}
	defer sessions.Close()

	handlers := router.New(appLog, sessions)
	handlers.SecureCookie = cfg.CookieSecure

	if err := server.Run(ctx, cfg, appLog, handlers, locations); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func startMetrics(ctx context.Context, mc config.MetricsCfg) {
	p := metrics.Init(metrics.Config{
		Enabled: true,
		Addr:    mc.Addr,
		Path:    mc.Path,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	mux := http.NewServeMux()
	mux.Handle(mc.Path, p.Handler())

	srv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("metrics: listening on %s%s", mc.Addr, mc.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics: shutdown error: %v", err)
		}
	}()
}
