package rules

import "time"

// RulesCache holds the validated active rule set of one tenant between
// catalog writes.
type RulesCache interface {
	// Get returns the cached rules, or nil on a miss.
	Get() []*Rule
	Set(rules []*Rule)
	// Invalidate forces the next Get to miss.
	Invalidate()
	IsValid() bool
}

// CacheConfig bounds how long a warmed rule set is trusted.
type CacheConfig struct {
	// TTL of zero keeps entries until the catalog invalidates them.
	TTL time.Duration
}

// DefaultCacheConfig invalidates on catalog writes only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{}
}
