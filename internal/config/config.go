package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// MemoryArtifacts selects the in-memory artifact backend when used as ARTIFACT_DIR.
const MemoryArtifacts = "memory"

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Job execution.
	WorkerConcurrency int
	MaxActiveJobs     int
	MaxTilesPerJob    int
	CircleTrim        bool

	// Artifact retention.
	ArtifactDir           string
	ArtifactTTL           time.Duration
	ArtifactSweepInterval time.Duration

	RateLimit  int
	RateWindow time.Duration

	// Elevation source.
	SRTMDir       string
	SRTMURL       string
	SRTMTimeout   time.Duration
	SRTMCacheSize int

	// Kafka request intake and job events.
	KafkaEnabled      bool
	KafkaBrokers      []string
	KafkaRequestTopic string
	KafkaEventsTopic  string
	KafkaGroupID       string
	BatchSize          int
	BatchFlushInterval time.Duration

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		ArtifactDir: sharedcfg.EnvOrDefault("ARTIFACT_DIR", "./userRequestTerrain"),
		SRTMDir:     sharedcfg.EnvOrDefault("SRTM_DIR", "./srtm"),
		SRTMURL:     os.Getenv("SRTM_URL"),

		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaRequestTopic:  sharedcfg.EnvOrDefault("KAFKA_REQUEST_TOPIC", "terrain-requests"),
		KafkaEventsTopic:   sharedcfg.EnvOrDefault("KAFKA_EVENTS_TOPIC", "terrain-job-events"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "terrain-tile-service"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"WORKER_CONCURRENCY", runtime.NumCPU(), &cfg.WorkerConcurrency},
		{"MAX_ACTIVE_JOBS", 4, &cfg.MaxActiveJobs},
		{"MAX_TILES_PER_JOB", 20000, &cfg.MaxTilesPerJob},
		{"RATE_LIMIT", 50, &cfg.RateLimit},
		{"SRTM_CACHE_SIZE", 64, &cfg.SRTMCacheSize},
	}
	for _, f := range ints {
		if *f.dst, err = positiveInt(f.key, f.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"ARTIFACT_TTL", "24h", &cfg.ArtifactTTL},
		{"ARTIFACT_SWEEP_INTERVAL", "10m", &cfg.ArtifactSweepInterval},
		{"RATE_WINDOW", "1h", &cfg.RateWindow},
		{"SRTM_TIMEOUT", "30s", &cfg.SRTMTimeout},
	}
	for _, f := range durations {
		if *f.dst, err = positiveDuration(f.key, f.def); err != nil {
			return nil, err
		}
	}

	if cfg.CircleTrim, err = boolEnv("CIRCLE_TRIM", true); err != nil {
		return nil, err
	}
	if cfg.KafkaEnabled, err = boolEnv("KAFKA_ENABLED", false); err != nil {
		return nil, err
	}

	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if cfg.KafkaRequestTopic == "" {
			return nil, errors.New("KAFKA_REQUEST_TOPIC is required when KAFKA_ENABLED is true")
		}
	}

	return cfg, nil
}

// MemoryBackend reports whether artifacts are kept in memory only.
func (c *Config) MemoryBackend() bool { return c.ArtifactDir == MemoryArtifacts }

func positiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func positiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func boolEnv(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: must be true or false", key)
	}
	return b, nil
}
