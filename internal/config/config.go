package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Redis struct {
		URL string
	}

	Graph struct {
		ClientID     string
		ClientSecret string
		Tenant       string
	}

	Sync struct {
		// Window bounds for full (non-incremental) passes.
		WindowPast   time.Duration
		WindowFuture time.Duration
		// Upper bound for a manually triggered pass.
		ManualTimeout time.Duration
	}

	Webhook struct {
		// Public callback path appended to BaseURL when registering subscriptions.
		CallbackPath string
		// Provider-imposed maximum subscription lifetime.
		SubscriptionTTL time.Duration
		Workers         int
		QueueSize       int
	}

	Scheduler struct {
		RenewInterval   time.Duration
		RenewLookahead  time.Duration
		CleanupInterval time.Duration
		DispatchTimeout time.Duration
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Redis.URL = getenvDefault("APP_REDIS_URL", "redis://localhost:6379/0")

	cfg.Graph.ClientID = os.Getenv("APP_GRAPH_CLIENT_ID")
	cfg.Graph.ClientSecret = os.Getenv("APP_GRAPH_CLIENT_SECRET")
	cfg.Graph.Tenant = getenvDefault("APP_GRAPH_TENANT", "common")

	var err error
	if cfg.Sync.WindowPast, err = getenvDuration("APP_SYNC_WINDOW_PAST", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Sync.WindowFuture, err = getenvDuration("APP_SYNC_WINDOW_FUTURE", 365*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Sync.ManualTimeout, err = getenvDuration("APP_SYNC_MANUAL_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	cfg.Webhook.CallbackPath = getenvDefault("APP_WEBHOOK_CALLBACK_PATH", "/webhooks/graph")
	// Graph caps subscriptions at 4230 minutes (just under 3 days).
	if cfg.Webhook.SubscriptionTTL, err = getenvDuration("APP_WEBHOOK_SUBSCRIPTION_TTL", 4230*time.Minute); err != nil {
		return nil, err
	}
	cfg.Webhook.Workers = getenvInt("APP_WEBHOOK_WORKERS", 4)
	cfg.Webhook.QueueSize = getenvInt("APP_WEBHOOK_QUEUE_SIZE", 256)

	if cfg.Scheduler.RenewInterval, err = getenvDuration("APP_RENEW_INTERVAL", 12*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Scheduler.RenewLookahead, err = getenvDuration("APP_RENEW_LOOKAHEAD", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Scheduler.CleanupInterval, err = getenvDuration("APP_CLEANUP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.Scheduler.DispatchTimeout, err = getenvDuration("APP_DISPATCH_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Graph.ClientID == "" || cfg.Graph.ClientSecret == "" {
		return nil, errors.New("graph configuration is required: APP_GRAPH_CLIENT_ID and APP_GRAPH_CLIENT_SECRET")
	}
	if !strings.HasPrefix(cfg.BaseURL, "https://") && !strings.HasPrefix(cfg.BaseURL, "http://localhost") {
		return nil, fmt.Errorf("APP_BASE_URL must be https for webhook callbacks (got %q)", cfg.BaseURL)
	}
	if cfg.Webhook.Workers < 1 || cfg.Webhook.QueueSize < 1 {
		return nil, errors.New("APP_WEBHOOK_WORKERS and APP_WEBHOOK_QUEUE_SIZE must be positive")
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. CalSync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// CallbackURL is the public notification endpoint registered with the provider.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.Webhook.CallbackPath
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
