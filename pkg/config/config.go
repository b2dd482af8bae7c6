// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xyzplatform/dispatchd/pkg/broker"
	"github.com/xyzplatform/dispatchd/pkg/scheduler"
)

// QueueConfig sizes the three topic consumers.
type QueueConfig struct {
	ReadyListeners   int
	ReadyWorkers     int
	RunningListeners int
	RunningWorkers   int
	ReviewListeners  int
	ReviewWorkers    int
}

// LoadQueueConfig reads consumer sizing with production defaults: ready and
// running run 5 listeners of 10 workers each, review runs a single listener.
func LoadQueueConfig() QueueConfig {
	return QueueConfig{
		ReadyListeners:   getEnvInt("QUEUE_READY_LISTENERS", 5),
		ReadyWorkers:     getEnvInt("QUEUE_READY_WORKERS", 10),
		RunningListeners: getEnvInt("QUEUE_RUNNING_LISTENERS", 5),
		RunningWorkers:   getEnvInt("QUEUE_RUNNING_WORKERS", 10),
		ReviewListeners:  getEnvInt("QUEUE_REVIEW_LISTENERS", 1),
		ReviewWorkers:    getEnvInt("QUEUE_REVIEW_WORKERS", 10),
	}
}

// LoadRedisConfig reads the Redis connection settings. Sentinels are
// semicolon-separated host:port pairs.
func LoadRedisConfig() broker.RedisConfig {
	var sentinels []string
	for _, addr := range strings.Split(os.Getenv("REDIS_SENTINELS"), ";") {
		if addr = strings.TrimSpace(addr); addr != "" {
			sentinels = append(sentinels, addr)
		}
	}
	return broker.RedisConfig{
		Sentinels:  sentinels,
		MasterName: os.Getenv("REDIS_MASTER_NAME"),
		Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
		Password:   os.Getenv("REDIS_PASSWORD"),
		DB:         getEnvInt("REDIS_DB", 0),
	}
}

// LoadSchedulerConfig reads the producer loop timings.
func LoadSchedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.AdmissionInterval = getEnvDuration("SCHEDULER_ADMISSION_INTERVAL", cfg.AdmissionInterval)
	cfg.ReviewInterval = getEnvDuration("SCHEDULER_REVIEW_INTERVAL", cfg.ReviewInterval)
	cfg.ReviewThreshold = getEnvDuration("SCHEDULER_REVIEW_THRESHOLD", cfg.ReviewThreshold)
	return cfg
}

// ServerConfig is the HTTP listen configuration.
type ServerConfig struct {
	Host string
	Port int
}

// LoadServerConfig reads the HTTP listen settings.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Host: getEnv("HTTP_HOST", "0.0.0.0"),
		Port: getEnvInt("HTTP_PORT", 8080),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
