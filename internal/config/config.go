// Package config loads the engine's process-wide tunables from
// environment variables with a defensive getEnv*/defaultValue style,
// rather than a config file or flag parser. The engine is embedded
// as a library, not run as its own process.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/odbcx/engine/internal/pool"
	"github.com/odbcx/engine/internal/wire"
)

// EngineConfig holds every environment-tunable engine setting.
type EngineConfig struct {
	PoolMax               int
	PoolIdleTimeout       time.Duration
	AcquireTimeout        time.Duration
	CompressionThreshold  int
	PreparedCacheCapacity int
}

// FromEnv loads an EngineConfig from the process environment, falling
// back to the documented defaults for any variable that is absent or
// fails to parse.
func FromEnv() EngineConfig {
	return EngineConfig{
		PoolMax:               getEnvInt("ODBC_FAST_POOL_MAX", 10),
		PoolIdleTimeout:       getEnvMillis("ODBC_FAST_POOL_IDLE_MS", 5*time.Minute),
		AcquireTimeout:        getEnvMillis("ODBC_FAST_ACQUIRE_TIMEOUT_MS", 30*time.Second),
		CompressionThreshold: getEnvInt("ODBC_FAST_COMPRESSION_THRESHOLD", wire.DefaultCompressionThreshold),
		PreparedCacheCapacity: 32,
	}
}

// PoolOptions derives the default per-identity pool.Options implied by
// this configuration; individual connects may still override Max via
// their own connection string parameters in a future revision.
func (c EngineConfig) PoolOptions() pool.Options {
	return pool.Options{
		Max:            c.PoolMax,
		IdleTimeout:    c.PoolIdleTimeout,
		AcquireTimeout: c.AcquireTimeout,
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvMillis reads key as a millisecond count, matching the
// engine's *_MS-suffixed environment variable naming convention.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
