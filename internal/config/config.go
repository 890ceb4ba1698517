package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	ZonesFile    string
	OSRMEndpoint string
	StaticETAMin int

	// Dispatch policy. The bearing tolerance and hard radius are tunable
	// heuristics, not load-bearing business constants.
	Phase1Timeout       time.Duration
	SecondChanceTimeout time.Duration
	InitialRadiusM      float64
	HardRadiusM         float64
	RadiusGrowth        float64
	MaxAttempts         int
	QueueTTL            time.Duration
	StalenessWindow     time.Duration
	DriverCapacity      int
	BearingToleranceDeg float64

	LogLevel      string
	LogFormat     string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		StaticETAMin:    5,

		Phase1Timeout:       30 * time.Second,
		SecondChanceTimeout: 180 * time.Second,
		InitialRadiusM:      200,
		HardRadiusM:         500,
		RadiusGrowth:        2,
		MaxAttempts:         3,
		QueueTTL:            5 * time.Minute,
		StalenessWindow:     5 * time.Minute,
		DriverCapacity:      5,
		BearingToleranceDeg: 45,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.ZonesFile, "ZONES_FILE")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setIntFromEnv(&cfg.StaticETAMin, "STATIC_ETA_MINUTES", &errs)

	setDurationFromEnv(&cfg.Phase1Timeout, "DISPATCH_PHASE1_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SecondChanceTimeout, "DISPATCH_SECOND_CHANCE_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.InitialRadiusM, "DISPATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.HardRadiusM, "DIRECTORY_HARD_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.RadiusGrowth, "DISPATCH_RADIUS_GROWTH", &errs)
	setIntFromEnv(&cfg.MaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.QueueTTL, "DISPATCH_QUEUE_TTL", &errs)
	setDurationFromEnv(&cfg.StalenessWindow, "DIRECTORY_STALENESS_WINDOW", &errs)
	setIntFromEnv(&cfg.DriverCapacity, "DRIVER_CAPACITY", &errs)
	setFloatFromEnv(&cfg.BearingToleranceDeg, "DISPATCH_BEARING_TOLERANCE_DEG", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.DriverCapacity <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_CAPACITY must be > 0"))
	}
	if cfg.RadiusGrowth <= 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_GROWTH must be > 1"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
