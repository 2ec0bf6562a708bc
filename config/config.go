package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	GitHub   GitHubConfig   `json:"github"`
	Crawler  CrawlerConfig  `json:"crawler"`
	Registry RegistryConfig `json:"registry"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	API      APIConfig      `json:"api"`
}

// GitHubConfig holds code-hosting API settings
type GitHubConfig struct {
	Token          string `json:"-"`
	APIBaseURL     string `json:"api_base_url"`
	RawBaseURL     string `json:"raw_base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	RequestsPerMin int    `json:"requests_per_minute"`
}

// CrawlerConfig holds crawl-loop parameters
type CrawlerConfig struct {
	MaxIterations    int `json:"max_iterations"`
	PageWindow       int `json:"page_window"`
	OrderFlipAt      int `json:"order_flip_at"`
	SkipDelayAt      int `json:"skip_delay_at"`
	DelaySeconds     int `json:"delay_seconds"`
	WorkerCount      int `json:"worker_count"`
	FetchAttempts    int `json:"fetch_attempts"`
	SeenCacheTTLMins int `json:"seen_cache_ttl_minutes"`
}

// RegistryConfig holds ingestion parameters
type RegistryConfig struct {
	SlugRetries int `json:"slug_retries"`
}

// DatabaseConfig holds database connection parameters
type DatabaseConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Database       string `json:"database"`
	User           string `json:"user"`
	Password       string `json:"password"`
	MaxConnections int    `json:"max_connections"`
}

// RedisConfig holds seen-cache connection parameters
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// APIConfig holds HTTP server parameters
type APIConfig struct {
	Port        string `json:"port"`
	MetricsPort string `json:"metrics_port"`
}

// Load reads configuration from an optional JSON file, then applies
// environment variable overrides and validates the result. A .env file
// in the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnvironmentOverrides applies environment variable overrides
func (c *Config) applyEnvironmentOverrides() {
	if token := os.Getenv("GITHUB_ACCESS_TOKEN"); token != "" {
		c.GitHub.Token = token
	}

	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Database.Port = p
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if dbname := os.Getenv("POSTGRES_DB"); dbname != "" {
		c.Database.Database = dbname
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}

	if retries := os.Getenv("SLUG_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			c.Registry.SlugRetries = n
		}
	}

	if port := os.Getenv("API_PORT"); port != "" {
		c.API.Port = port
	}
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("a GitHub access token is required")
	}
	if c.GitHub.APIBaseURL == "" {
		c.GitHub.APIBaseURL = "https://api.github.com"
	}
	if c.GitHub.RawBaseURL == "" {
		c.GitHub.RawBaseURL = "https://raw.githubusercontent.com"
	}
	if c.GitHub.TimeoutSeconds == 0 {
		c.GitHub.TimeoutSeconds = 30
	}
	if c.GitHub.RequestsPerMin == 0 {
		c.GitHub.RequestsPerMin = 30
	}

	if c.Crawler.MaxIterations == 0 {
		c.Crawler.MaxIterations = 119
	}
	if c.Crawler.PageWindow == 0 {
		c.Crawler.PageWindow = 10
	}
	if c.Crawler.OrderFlipAt == 0 {
		c.Crawler.OrderFlipAt = 61
	}
	if c.Crawler.SkipDelayAt == 0 {
		c.Crawler.SkipDelayAt = 50
	}
	if c.Crawler.DelaySeconds == 0 {
		c.Crawler.DelaySeconds = 60
	}
	if c.Crawler.FetchAttempts == 0 {
		c.Crawler.FetchAttempts = 3
	}
	if c.Crawler.SeenCacheTTLMins == 0 {
		c.Crawler.SeenCacheTTLMins = 120
	}

	if c.Registry.SlugRetries == 0 {
		c.Registry.SlugRetries = 3
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}

	if c.API.Port == "" {
		c.API.Port = "8080"
	}
	if c.API.MetricsPort == "" {
		c.API.MetricsPort = "9092"
	}

	return nil
}

// RequestTimeout returns the per-request timeout for outbound API calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.GitHub.TimeoutSeconds) * time.Second
}

// CrawlDelay returns the inter-iteration delay for the crawl loop.
func (c *Config) CrawlDelay() time.Duration {
	return time.Duration(c.Crawler.DelaySeconds) * time.Second
}

// SeenCacheTTL returns how long scraped hits stay in the seen-cache.
func (c *Config) SeenCacheTTL() time.Duration {
	return time.Duration(c.Crawler.SeenCacheTTLMins) * time.Minute
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// ConnString returns the lib/pq keyword connection string
func (c *Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Database)
}
