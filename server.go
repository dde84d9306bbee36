package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"marketfeed/config"
	"marketfeed/controllers"
	"marketfeed/logger"
	"marketfeed/metrics"
	"marketfeed/middleware"
	"marketfeed/models"
	"marketfeed/routes"
	"marketfeed/scheduler"
	"marketfeed/services/archive"
	"marketfeed/services/broker"
	"marketfeed/services/cache"
	"marketfeed/services/datafetcher"
	"marketfeed/services/market"
	"marketfeed/services/relay"
	"marketfeed/services/router"
	"marketfeed/services/store"
)

// serve wires every component and blocks until ctx is cancelled and the
// HTTP server, refresh loops and background writers have stopped.
func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.Info("marketfeed starting", slog.String("environment", cfg.Environment))

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg)
		if err != nil {
			log.Warn("profiler disabled", slog.Any("error", err))
		} else {
			defer profiler.Stop()
		}
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	rt := router.New(cfg.Router, router.WithMetrics(m))
	if err := registerSources(rt, cfg.Sources, log); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	checks := map[string]controllers.Check{}

	cacheOpts := []cache.Option{cache.WithMetrics(m)}
	var mirrored bool
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		mirror := cache.NewRedisMirror(rdb, cache.MirrorOptions{
			Prefix:    cfg.Redis.Prefix,
			QueueSize: cfg.Redis.QueueSize,
			Grace:     cfg.Cache.StaleGrace,
		})
		cacheOpts = append(cacheOpts, cache.WithMirror(mirror))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		g.Go(func() error { return mirror.Run(ctx) })
		mirrored = true
	}
	c := cache.New(cfg.Cache, cacheOpts...)

	var (
		marketOpts []market.Option
		jobOpts    []scheduler.JobsOption
		st         *store.Store
	)
	if cfg.Database.URL != "" {
		db, err := config.InitDB(cfg.Database, cfg.IsProduction(), logger.Component("database"))
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		st = store.New(db, nil)
		if err := st.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		marketOpts = append(marketOpts, market.WithStore(st))
		jobOpts = append(jobOpts, scheduler.WithSnapshots(st))
		checks["database"] = st.Ping
	}

	if cfg.Mongo.URI != "" {
		client, err := archive.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(dctx)
		}()
		arc := archive.New(client.Database(cfg.Mongo.Database), nil)
		if err := arc.EnsureIndexes(ctx); err != nil {
			log.Warn("archive indexes not created", slog.Any("error", err))
		}
		marketOpts = append(marketOpts, market.WithArchive(arc))
		jobOpts = append(jobOpts, scheduler.WithBarArchive(arc))
		checks["mongodb"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
	}

	svc := market.New(cfg.Market, rt, c, marketOpts...)

	b := broker.New(cfg.Broker, broker.WithMetrics(m))
	defer b.Close()
	if len(cfg.Kafka.Brokers) > 0 {
		rl := relay.New(relay.NewKafkaWriter(cfg.Kafka), cfg.Kafka, relay.WithMetrics(m))
		b.Tap(rl.Tap)
		g.Go(func() error { return rl.Run(ctx) })
		log.Info("kafka relay enabled", slog.String("topic", cfg.Kafka.Topic))
	}

	refreshCfg := cfg.Refresh
	for _, idx := range svc.Config().Indices {
		refreshCfg.Indices = append(refreshCfg.Indices, idx.Symbol)
	}
	ref := scheduler.NewRefresher(refreshCfg, svc, b, scheduler.WithMetrics(m))
	b.OnCountChange(ref.OnCountChange)

	if st != nil {
		known, err := st.Instruments(ctx)
		if err != nil {
			log.Warn("instrument registry unavailable", slog.Any("error", err))
		}
		for _, inst := range known {
			ref.Track(inst.Symbol)
		}
	}
	if mirrored {
		n := c.Warm(ctx, warmKeys(ref.Tracked()))
		log.Info("cache warmed from redis", slog.Int("entries", n))
	}
	g.Go(func() error { return ref.Run(ctx) })

	jobs := scheduler.NewScheduler(cfg.Jobs, svc, b, c, ref, jobOpts...)
	if err := jobs.Start(); err != nil {
		return err
	}
	defer jobs.Stop()

	var limiter *middleware.RateLimiter
	if cfg.HTTP.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, 10*time.Minute)
		g.Go(func() error { return limiter.Run(ctx) })
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware())
	routes.SetupRoutes(engine, routes.Deps{
		Market:    svc,
		Sources:   rt,
		Refresher: ref,
		Broker:    b,
		Stream:    broker.NewWSHandler(b, cfg.WebSocket, broker.WithInitial(svc.InitialEnvelope)),
		Checks:    checks,
		Limiter:   limiter,
		Metrics:   m,
		Gatherer:  reg,
		Logger:    logger.Component("http"),
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           engine,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	g.Go(func() error {
		log.Info("server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("marketfeed stopped")
	return err
}

// registerSources adds every enabled adapter in priority order. Adapters
// that need a key are skipped when none is configured.
func registerSources(rt *router.Router, cfg config.SourcesConfig, log *slog.Logger) error {
	registered := 0
	for _, s := range cfg.All() {
		if !s.Config.Enabled {
			continue
		}
		if (s.Name == "alphavantage" || s.Name == "rapidapi") && s.Config.APIKey == "" {
			log.Warn("source skipped, no api key", slog.String("source", s.Name))
			continue
		}
		opts := datafetcher.Options{
			BaseURL:           s.Config.BaseURL,
			APIKey:            s.Config.APIKey,
			Timeout:           s.Config.Timeout,
			RequestsPerMinute: s.Config.RequestsPerMinute,
		}

		var (
			src  datafetcher.Source
			caps []datafetcher.Capability
		)
		switch s.Name {
		case "yahoo":
			src = datafetcher.NewYahoo(opts)
		case "alphavantage":
			src = datafetcher.NewAlphaVantage(opts)
		case "rapidapi":
			src = datafetcher.NewRapidAPI(opts)
		case "vndirect":
			src = datafetcher.NewVNDirect(opts)
			caps = []datafetcher.Capability{datafetcher.CapabilityBars}
		}
		if err := rt.Register(src, s.Config.Priority, caps...); err != nil {
			return err
		}
		registered++
		log.Info("source registered", slog.String("source", s.Name), slog.Int("priority", s.Config.Priority))
	}
	if registered == 0 {
		return errors.New("no upstream source could be registered")
	}
	return nil
}

func warmKeys(symbols []string) []cache.Key {
	keys := make([]cache.Key, 0, 2*len(symbols))
	for _, sym := range symbols {
		keys = append(keys, cache.QuoteKey(sym), cache.BarsKey(sym, models.DefaultWindow))
	}
	return keys
}

func startProfiler(cfg *config.Config) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.Profiling.AppName,
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags:            map[string]string{"env": cfg.Environment},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
