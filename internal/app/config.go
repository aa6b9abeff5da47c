package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/cdnrewriter/internal/settings"
	"github.com/jordanhubbard/cdnrewriter/internal/site"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	// Storage backend: "sqlite" (DBDSN) or "leveldb" (LevelDBPath).
	StoreDriver string
	DBDSN       string
	LevelDBPath string

	// Site layout, read from ConfigFile then overridden by env.
	ConfigFile string
	Site       site.Config

	// CDNURL seeds the CDN base URL setting when none is stored yet.
	CDNURL string

	ActiveTTL         time.Duration
	InactiveTTL       time.Duration
	FetchTimeout      time.Duration
	MaxQueueItems     int // 0 = default, negative = unbounded
	DisableIntegrity  bool
	DynamicExtensions []string

	MaintenanceInterval time.Duration

	// Security & hardening.
	AdminToken     string        // plaintext bearer token for /admin/v1 and /v1/events
	AdminTokenHash string        // bcrypt hash alternative to AdminToken
	CORSOrigins    []string      // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int           // admin and event requests per second per IP
	RateLimitBurst int           // burst capacity per IP
	IdempotencyTTL time.Duration // replay window for /v1/events Idempotency-Key

	// OpenTelemetry.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRatio float64

	// Temporal workflow engine.
	TemporalEnabled    bool
	TemporalHostPort   string
	TemporalNamespace  string
	TemporalTaskQueue  string
	TemporalMaxBatches int

	// Version is stamped by the binary, not read from env.
	Version string
}

// siteFile is the YAML layout of CDNREWRITER_CONFIG.
type siteFile struct {
	Site site.Config `yaml:"site"`
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("CDNREWRITER_LISTEN_ADDR", ":8095"),
		LogLevel:   getEnv("CDNREWRITER_LOG_LEVEL", "info"),
		LogFormat:  getEnv("CDNREWRITER_LOG_FORMAT", "json"),

		StoreDriver: getEnv("CDNREWRITER_STORE_DRIVER", "sqlite"),
		DBDSN:       getEnv("CDNREWRITER_DB_DSN", "file:/data/cdnrewriter.sqlite"),
		LevelDBPath: getEnv("CDNREWRITER_LEVELDB_PATH", "/data/cdnrewriter.ldb"),

		ConfigFile: getEnv("CDNREWRITER_CONFIG", ""),
		CDNURL:     getEnv("CDNREWRITER_CDN_URL", ""),

		ActiveTTL:         getEnvDuration("CDNREWRITER_ACTIVE_TTL", 7*24*time.Hour),
		InactiveTTL:       getEnvDuration("CDNREWRITER_INACTIVE_TTL", 7*24*time.Hour),
		FetchTimeout:      getEnvDuration("CDNREWRITER_FETCH_TIMEOUT", 30*time.Second),
		MaxQueueItems:     getEnvInt("CDNREWRITER_MAX_QUEUE_ITEMS", 5),
		DisableIntegrity:  getEnvBool("CDNREWRITER_DISABLE_INTEGRITY", false),
		DynamicExtensions: getEnvStringSlice("CDNREWRITER_DYNAMIC_EXTENSIONS", []string{"php"}),

		MaintenanceInterval: getEnvDuration("CDNREWRITER_MAINTENANCE_INTERVAL", 24*time.Hour),

		AdminToken:     getEnv("CDNREWRITER_ADMIN_TOKEN", ""),
		AdminTokenHash: getEnv("CDNREWRITER_ADMIN_TOKEN_HASH", ""),
		CORSOrigins:    getEnvStringSlice("CDNREWRITER_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("CDNREWRITER_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("CDNREWRITER_RATE_LIMIT_BURST", 20),
		IdempotencyTTL: getEnvDuration("CDNREWRITER_IDEMPOTENCY_TTL", 10*time.Minute),

		OTelEnabled:     getEnvBool("CDNREWRITER_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("CDNREWRITER_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("CDNREWRITER_OTEL_SERVICE_NAME", "cdnrewriter"),
		OTelSampleRatio: getEnvFloat("CDNREWRITER_OTEL_SAMPLE_RATIO", 1),

		TemporalEnabled:    getEnvBool("CDNREWRITER_TEMPORAL_ENABLED", false),
		TemporalHostPort:   getEnv("CDNREWRITER_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace:  getEnv("CDNREWRITER_TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue:  getEnv("CDNREWRITER_TEMPORAL_TASK_QUEUE", "cdnrewriter-queue"),
		TemporalMaxBatches: getEnvInt("CDNREWRITER_TEMPORAL_MAX_BATCHES", 20),
	}

	if cfg.ConfigFile != "" {
		sc, err := loadSiteFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Site = sc
	}
	applySiteEnv(&cfg.Site)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadSiteFile(path string) (site.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return site.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var f siteFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return site.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f.Site, nil
}

// applySiteEnv lets env vars override the file layout.
func applySiteEnv(sc *site.Config) {
	sc.SiteURL = getEnv("CDNREWRITER_SITE_URL", sc.SiteURL)
	sc.ContentURL = getEnv("CDNREWRITER_CONTENT_URL", sc.ContentURL)
	sc.Multisite = getEnvBool("CDNREWRITER_MULTISITE", sc.Multisite)
	sc.MainSite = getEnvBool("CDNREWRITER_MAIN_SITE", sc.MainSite)
	sc.NetworkSiteURL = getEnv("CDNREWRITER_NETWORK_SITE_URL", sc.NetworkSiteURL)
	sc.NetworkContentURL = getEnv("CDNREWRITER_NETWORK_CONTENT_URL", sc.NetworkContentURL)
	sc.PluginsURL = getEnv("CDNREWRITER_PLUGINS_URL", sc.PluginsURL)
	sc.ThemesURL = getEnv("CDNREWRITER_THEMES_URL", sc.ThemesURL)
	sc.DefaultDirs = getEnvStringSlice("CDNREWRITER_DEFAULT_DIRS", sc.DefaultDirs)
	sc.PluginBasename = getEnv("CDNREWRITER_PLUGIN_BASENAME", sc.PluginBasename)
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "leveldb":
	default:
		return fmt.Errorf("CDNREWRITER_STORE_DRIVER must be sqlite or leveldb, got %q", c.StoreDriver)
	}
	if err := c.Site.Normalized().Validate(); err != nil {
		return fmt.Errorf("site config: %w", err)
	}
	if c.CDNURL != "" {
		if _, err := settings.Sanitize(c.CDNURL); err != nil {
			return fmt.Errorf("CDNREWRITER_CDN_URL: %w", err)
		}
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("CDNREWRITER_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("CDNREWRITER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("CDNREWRITER_IDEMPOTENCY_TTL must be > 0, got %s", c.IdempotencyTTL)
	}
	if c.ActiveTTL <= 0 {
		return fmt.Errorf("CDNREWRITER_ACTIVE_TTL must be > 0, got %s", c.ActiveTTL)
	}
	if c.InactiveTTL <= 0 {
		return fmt.Errorf("CDNREWRITER_INACTIVE_TTL must be > 0, got %s", c.InactiveTTL)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("CDNREWRITER_FETCH_TIMEOUT must be > 0, got %s", c.FetchTimeout)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("CDNREWRITER_MAINTENANCE_INTERVAL must be > 0, got %s", c.MaintenanceInterval)
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("CDNREWRITER_OTEL_SAMPLE_RATIO must be within [0,1], got %g", c.OTelSampleRatio)
	}
	if c.TemporalEnabled && c.TemporalMaxBatches <= 0 {
		return fmt.Errorf("CDNREWRITER_TEMPORAL_MAX_BATCHES must be > 0, got %d", c.TemporalMaxBatches)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
