package config

import (
	"os"
	"strconv"
	"time"
)

// SchedulerConfig controls the retry sweep loop.
type SchedulerConfig struct {
	Enabled       bool
	SweepInterval time.Duration
	LeaseTTL      time.Duration
	SweepOnStart  bool
}

func LoadSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Enabled:       getEnvAsBool("RETRY_SCHEDULER_ENABLED", true),
		SweepInterval: getEnvAsDuration("RETRY_SWEEP_INTERVAL", 6*time.Hour),
		LeaseTTL:      getEnvAsDuration("RETRY_SWEEP_LEASE_TTL", 6*time.Hour),
		SweepOnStart:  getEnvAsBool("RETRY_SWEEP_ON_START", false),
	}
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
