package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"movereg/config"
	"movereg/internal/crawler"
	"movereg/internal/github"
	"movereg/internal/storage"
	"movereg/pkg/cache"
	"movereg/pkg/logger"
	"movereg/pkg/metrics"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to JSON config file")
	flag.Parse()

	log := logger.NewDefault("movereg-crawler")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	store, err := storage.NewStore(storage.Config{
		ConnString:     cfg.ConnString(),
		MaxConnections: cfg.Database.MaxConnections,
		SlugRetries:    cfg.Registry.SlugRetries,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	// The seen-cache is an optimization; the crawler runs without it.
	var seen crawler.SeenCache
	redisCache, err := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Warn().Err(err).Msg("seen-cache unavailable, crawling without dedup cache")
	} else {
		seen = redisCache
		defer redisCache.Close()
	}

	opts := []github.Option{github.WithRateLimit(cfg.GitHub.RequestsPerMin)}
	if cfg.GitHub.APIBaseURL != "" && cfg.GitHub.RawBaseURL != "" {
		opts = append(opts, github.WithBaseURLs(cfg.GitHub.APIBaseURL, cfg.GitHub.RawBaseURL, "https://github.com"))
	}
	client := github.NewClient(cfg.GitHub.Token, cfg.RequestTimeout(), opts...)

	go serveMetrics(cfg.API.MetricsPort, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := crawler.New(cfg, client, client, store, seen, log)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("crawl failed")
	}
	log.Info().Msg("crawl finished")
}

func serveMetrics(port string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
