package config

import "time"

// CacheConfig controls the Redis response cache on the seat snapshot
// endpoint.  TTL is one broadcast cycle: viewers that need fresher state
// hold a presence socket.
type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		TTL:          envDur("CACHE_TTL", time.Second),
		Prefix:       envStr("CACHE_PREFIX", "seating:cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
	}
}
