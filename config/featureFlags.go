package config

import (
	"os"
	"strings"
)

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SnapshotCacheEnabled keeps record index snapshots in redis so another instance serving the
// same session can skip the platform refetch.
//
// Set via env:
// - RECORD_INDEX_REDIS_CACHE=true
func SnapshotCacheEnabled() bool {
	return boolFromEnv("RECORD_INDEX_REDIS_CACHE")
}

// MutationEventsEnabled publishes an audit message after each executed mutation.
//
// Set via env:
// - MUTATION_EVENTS_TOPIC=<topic> (publishing is off when empty)
func MutationEventsEnabled() bool {
	return strings.TrimSpace(os.Getenv("MUTATION_EVENTS_TOPIC")) != ""
}

// DatabaseEnabled is false when DB_HOST is unset; the service then keeps state in memory.
func DatabaseEnabled() bool {
	return strings.TrimSpace(os.Getenv("DB_HOST")) != ""
}

// RedisEnabled is false when REDIS_ADDRESS is unset; locks then fall back to MySQL advisory
// locks, or to in-process mutexes without a database.
func RedisEnabled() bool {
	return strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != ""
}
