// pkg/config/config.go
package config

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Maintenance struct {
	Enabled bool `yaml:"enabled"`
	Status  int  `yaml:"status"`
}

type Config struct {
	Env      string `yaml:"env"`
	HTTPAddr string `yaml:"http_addr"`
	BaseURL  string `yaml:"base_url"` // public URL the tracker and GitHub call back to
	AddonKey string `yaml:"addon_key"`

	// Session cookie signing (hash) and optional encryption (block) keys
	SessionHashKey  string `yaml:"session_hash_key"`
	SessionBlockKey string `yaml:"session_block_key"`

	// Redis (sessions) & Postgres (tenant records); memory fallbacks when empty
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	// TenantSecretKey seals tenant shared secrets at rest in Postgres
	TenantSecretKey string `yaml:"tenant_secret_key"`

	// GitHub OAuth App
	GitHubClientID     string `yaml:"github_client_id"`
	GitHubClientSecret string `yaml:"github_client_secret"`
	GitHubAPIURL       string `yaml:"github_api_url"`
	GitHubAuthURL      string `yaml:"github_auth_url"`
	GitHubTokenURL     string `yaml:"github_token_url"`

	VerifyTimeout time.Duration `yaml:"verify_timeout"`
	Maintenance   Maintenance   `yaml:"maintenance"`
	// Debug surfaces raw errors instead of branded pages. Never on by default.
	Debug bool `yaml:"debug"`
	// CSRFBypassMethods lists verbs exempted from anti-forgery checks (tests only).
	CSRFBypassMethods []string `yaml:"csrf_bypass_methods"`

	PurgeUninstalledAfter time.Duration `yaml:"purge_uninstalled_after"`

	// OTLP/HTTP traces endpoint; tracing export is off when empty
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Env:                   "dev",
		HTTPAddr:              ":8080",
		BaseURL:               "http://localhost:8080",
		AddonKey:              "trackbridge",
		GitHubAPIURL:          "https://api.github.com/",
		VerifyTimeout:         5 * time.Second,
		Maintenance:           Maintenance{Status: http.StatusServiceUnavailable},
		PurgeUninstalledAfter: 30 * 24 * time.Hour,
	}
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Default()
	if path := os.Getenv("BRIDGE_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			log.Printf("[WARN] config file %s ignored: %v", path, err)
		}
	}
	cfg.Env = env("BRIDGE_ENV", cfg.Env)
	cfg.HTTPAddr = env("BRIDGE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.BaseURL = strings.TrimRight(env("BASE_PUBLIC_URL", cfg.BaseURL), "/")
	cfg.AddonKey = env("ADDON_KEY", cfg.AddonKey)
	cfg.SessionHashKey = env("SESSION_HASH_KEY", cfg.SessionHashKey)
	cfg.SessionBlockKey = env("SESSION_BLOCK_KEY", cfg.SessionBlockKey)
	cfg.RedisURL = env("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = env("DATABASE_URL", cfg.DatabaseURL)
	cfg.TenantSecretKey = env("TENANT_SECRET_KEY", cfg.TenantSecretKey)
	cfg.GitHubClientID = env("GITHUB_CLIENT_ID", cfg.GitHubClientID)
	cfg.GitHubClientSecret = env("GITHUB_CLIENT_SECRET", cfg.GitHubClientSecret)
	cfg.GitHubAPIURL = env("GITHUB_API_URL", cfg.GitHubAPIURL)
	cfg.GitHubAuthURL = env("GITHUB_AUTH_URL", cfg.GitHubAuthURL)
	cfg.GitHubTokenURL = env("GITHUB_TOKEN_URL", cfg.GitHubTokenURL)
	cfg.VerifyTimeout = envDur("VERIFY_TIMEOUT", cfg.VerifyTimeout)
	cfg.Maintenance.Enabled = envBool("MAINTENANCE_MODE", cfg.Maintenance.Enabled)
	cfg.Maintenance.Status = envInt("MAINTENANCE_STATUS", cfg.Maintenance.Status)
	cfg.Debug = envBool("BRIDGE_DEBUG", cfg.Debug)
	if v := os.Getenv("CSRF_BYPASS_METHODS"); v != "" {
		cfg.CSRFBypassMethods = splitList(v)
	}
	cfg.PurgeUninstalledAfter = envDur("PURGE_UNINSTALLED_AFTER", cfg.PurgeUninstalledAfter)
	cfg.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint))

	if cfg.Maintenance.Status == 0 {
		cfg.Maintenance.Status = http.StatusServiceUnavailable
	}
	if cfg.SessionHashKey == "" {
		log.Println("[WARN] SESSION_HASH_KEY not set; session cookies will not survive a restart")
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; using in-memory tenant store for dev")
	}
	return cfg
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// envDur accepts Go durations ("90s") or bare seconds ("90").
func envDur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
