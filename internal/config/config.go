package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"transport-timemachine/internal/transport"
)

type Config struct {
	DatabaseURL string

	// Query API server.
	APIListenAddr  string
	AllowedOrigins []string

	// Replay service.
	SimAPIBaseURL    string
	ReplayListenAddr string
	BaseFrameRate    int
	FrameInterval    time.Duration
	ChunkDuration    time.Duration
	CacheCapacity    int
	PrefetchCount    int
	SpeedMultiplier  float64
	TransportTypes   []transport.Type
	Interpolate      bool

	// Collector.
	UpstreamBaseURL   string
	PollInterval      time.Duration
	DepartureInterval time.Duration
	RetentionDays     int
	TrackedStops      []string

	// Shared.
	NATSURL     string
	MetricsAddr string
	LogLevel    string
	LogFormat   string
	Location    *time.Location
}

// Load reads configuration from .env and the environment. Missing optional
// values fall back to defaults; malformed values fail loudly.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := getenvDefault("PGDATABASE", "berlin_transport")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.APIListenAddr = getenvDefault("API_LISTEN_ADDR", ":8081")
	cfg.ReplayListenAddr = getenvDefault("REPLAY_LISTEN_ADDR", ":8082")
	cfg.SimAPIBaseURL = getenvDefault("SIM_API_BASE_URL", "http://127.0.0.1:8081")
	cfg.UpstreamBaseURL = getenvDefault("TRANSPORT_API_BASE_URL", "https://v6.bvg.transport.rest")
	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "console")

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitTrim(v)
	} else {
		cfg.AllowedOrigins = []string{"*"}
	}

	var err error
	if cfg.BaseFrameRate, err = intEnv("BASE_FRAME_RATE", 30); err != nil {
		return nil, err
	}
	if cfg.BaseFrameRate <= 0 {
		return nil, errors.New("BASE_FRAME_RATE must be positive")
	}
	if cfg.CacheCapacity, err = intEnv("CHUNK_CACHE_CAPACITY", 10); err != nil {
		return nil, err
	}
	if cfg.PrefetchCount, err = intEnv("PREFETCH_LOOKAHEAD", 2); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = intEnv("RETENTION_DAYS", 30); err != nil {
		return nil, err
	}

	if cfg.FrameInterval, err = secondsEnv("FRAME_INTERVAL_SEC", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ChunkDuration, err = minutesEnv("CHUNK_DURATION_MIN", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = secondsEnv("POLL_INTERVAL_SEC", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DepartureInterval, err = secondsEnv("DEPARTURE_INTERVAL_SEC", 60*time.Second); err != nil {
		return nil, err
	}

	if v := os.Getenv("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	} else {
		cfg.SpeedMultiplier = 1.0
	}

	if v := os.Getenv("TRANSPORT_TYPES"); v != "" {
		for _, s := range splitTrim(v) {
			t, ok := transport.ParseType(s)
			if !ok {
				return nil, fmt.Errorf("invalid TRANSPORT_TYPES entry: %q", s)
			}
			cfg.TransportTypes = append(cfg.TransportTypes, t)
		}
	}
	cfg.TransportTypes = transport.NormalizeFilter(cfg.TransportTypes)

	cfg.Interpolate = boolEnv("INTERPOLATE_FRAMES", true)
	cfg.TrackedStops = splitTrim(os.Getenv("TRACKED_STOPS"))

	tzName := os.Getenv("TZ")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func secondsEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func minutesEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	min, err := strconv.Atoi(v)
	if err != nil || min <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(min) * time.Minute, nil
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func splitTrim(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
