package main

import (
	"flag"

	"movereg/config"
	"movereg/internal/api"
	"movereg/internal/github"
	"movereg/internal/storage"
	"movereg/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to JSON config file")
	flag.Parse()

	log := logger.NewDefault("movereg-api")

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

	client := github.NewClient(cfg.GitHub.Token, cfg.RequestTimeout(),
		github.WithRateLimit(cfg.GitHub.RequestsPerMin))

	server := api.NewServer(api.Config{
		Port:       cfg.API.Port,
		EnableCORS: true,
	}, store, client, log)

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
