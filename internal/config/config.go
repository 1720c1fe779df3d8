// Package config loads the crawl orchestration plane's configuration
// from environment variables, with an optional YAML file overlay,
// grounded on the teacher's struct-of-structs-with-env-defaults idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Queue      QueueConfig      `yaml:"queue"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	API        APIConfig        `yaml:"api"`
}

// RedisConfig points at the Cache Store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MongoConfig points at the Index Store.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// QueueConfig tunes the priority queue (§4.1).
type QueueConfig struct {
	Prefix        string        `yaml:"prefix"`
	DeadLetterTTL time.Duration `yaml:"dead_letter_ttl"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryFactor   float64       `yaml:"retry_factor"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
}

// DedupConfig tunes the deduplication engine (§4.2).
type DedupConfig struct {
	TitleWindow         time.Duration `yaml:"title_window"`
	TimeWindow          time.Duration `yaml:"time_window"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	BloomCapacity       int           `yaml:"bloom_capacity"`
	BloomFalsePositive  float64       `yaml:"bloom_false_positive"`
}

// SchedulerConfig tunes worker selection and rebalancing (§4.3).
type SchedulerConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval"`
}

// OptimizerConfig tunes the adaptive pool optimizer (§4.4).
type OptimizerConfig struct {
	MonitoringInterval   time.Duration `yaml:"monitoring_interval"`
	OptimizationInterval time.Duration `yaml:"optimization_interval"`
	Mode                 string        `yaml:"mode"`
	MinWorkers           int           `yaml:"min_workers"`
	MaxWorkers           int           `yaml:"max_workers"`
}

// RecoveryConfig tunes the circuit breakers of the recovery engine (§4.6).
type RecoveryConfig struct {
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold"`
	BreakerOpenTimeout      time.Duration `yaml:"breaker_open_timeout"`
}

// WorkerPoolConfig tunes the fetch-loop pool (§4.5).
type WorkerPoolConfig struct {
	NumWorkers     int           `yaml:"num_workers"`
	Capacity       int           `yaml:"capacity"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	HeartbeatTimer time.Duration `yaml:"heartbeat_timer"`
}

// APIConfig tunes the optional status/health HTTP surface (§6).
type APIConfig struct {
	Listen         string   `yaml:"listen"`
	CORSEnabled    bool     `yaml:"cors_enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	BearerSecret   string   `yaml:"bearer_secret"`
}

// DefaultConfig returns configuration seeded from environment
// variables, falling back to development defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
		},
		Mongo: MongoConfig{
			URI:      getEnvOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnvOrDefault("MONGO_DATABASE", "crawld"),
		},
		Queue: QueueConfig{
			Prefix:        getEnvOrDefault("QUEUE_PREFIX", "crawl_queue"),
			DeadLetterTTL: getEnvDurationOrDefault("QUEUE_DEAD_LETTER_TTL", 7*24*time.Hour),
			RetryBase:     getEnvDurationOrDefault("QUEUE_RETRY_BASE", 2*time.Second),
			RetryFactor:   getEnvFloatOrDefault("QUEUE_RETRY_FACTOR", 2.0),
			RetryMaxDelay: getEnvDurationOrDefault("QUEUE_RETRY_MAX_DELAY", 60*time.Second),
			HeartbeatTTL:  getEnvDurationOrDefault("QUEUE_HEARTBEAT_TTL", 60*time.Second),
		},
		Dedup: DedupConfig{
			TitleWindow:         getEnvDurationOrDefault("DEDUP_TITLE_WINDOW", 24*time.Hour),
			TimeWindow:          getEnvDurationOrDefault("DEDUP_TIME_WINDOW", 24*time.Hour),
			SimilarityThreshold: getEnvFloatOrDefault("DEDUP_SIMILARITY_THRESHOLD", 0.85),
			BloomCapacity:       getEnvIntOrDefault("DEDUP_BLOOM_CAPACITY", 1_000_000),
			BloomFalsePositive:  getEnvFloatOrDefault("DEDUP_BLOOM_FALSE_POSITIVE", 0.01),
		},
		Scheduler: SchedulerConfig{
			IdleTimeout:       getEnvDurationOrDefault("SCHEDULER_IDLE_TIMEOUT", 90*time.Second),
			RebalanceInterval: getEnvDurationOrDefault("SCHEDULER_REBALANCE_INTERVAL", 30*time.Second),
		},
		Optimizer: OptimizerConfig{
			MonitoringInterval:   getEnvDurationOrDefault("OPTIMIZER_MONITORING_INTERVAL", 10*time.Second),
			OptimizationInterval: getEnvDurationOrDefault("OPTIMIZER_OPTIMIZATION_INTERVAL", time.Minute),
			Mode:                 getEnvOrDefault("OPTIMIZER_MODE", "balanced"),
			MinWorkers:           getEnvIntOrDefault("OPTIMIZER_MIN_WORKERS", 1),
			MaxWorkers:           getEnvIntOrDefault("OPTIMIZER_MAX_WORKERS", 50),
		},
		Recovery: RecoveryConfig{
			BreakerFailureThreshold: uint32(getEnvIntOrDefault("RECOVERY_BREAKER_FAILURE_THRESHOLD", 5)),
			BreakerOpenTimeout:      getEnvDurationOrDefault("RECOVERY_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		WorkerPool: WorkerPoolConfig{
			NumWorkers:     getEnvIntOrDefault("WORKERPOOL_NUM_WORKERS", 4),
			Capacity:       getEnvIntOrDefault("WORKERPOOL_CAPACITY", 10),
			PollTimeout:    getEnvDurationOrDefault("WORKERPOOL_POLL_TIMEOUT", 2*time.Second),
			TaskTimeout:    getEnvDurationOrDefault("WORKERPOOL_TASK_TIMEOUT", 30*time.Second),
			HeartbeatTimer: getEnvDurationOrDefault("WORKERPOOL_HEARTBEAT_TIMER", 30*time.Second),
		},
		API: APIConfig{
			Listen:         getEnvOrDefault("API_LISTEN", "0.0.0.0:8080"),
			CORSEnabled:    getEnvBoolOrDefault("API_CORS_ENABLED", true),
			AllowedOrigins: []string{"*"},
			BearerSecret:   getEnvOrDefault("API_BEARER_SECRET", ""),
		},
	}
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	return DefaultConfig()
}

// LoadConfigFile starts from the environment-derived defaults and
// overlays any fields set in the YAML file at path. A field absent
// from the file leaves the environment/default value in place, since
// yaml.Unmarshal only writes keys present in the document; a key that
// is present, even with a zero value, overwrites it.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
