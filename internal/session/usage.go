// Package session tracks per-session usage and resolves session ids to
// Claude Code project directories.
package session

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const usageCacheSize = 100

// Usage is the last observed token usage for a session, taken from
// upstream message_delta / response usage blocks.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
}

// Total returns the effective context size: input plus cache tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// UsageCache keeps recent sessions' usage. Bounded; old sessions are
// evicted LRU.
type UsageCache struct {
	cache *lru.Cache[string, Usage]
}

func NewUsageCache() *UsageCache {
	c, _ := lru.New[string, Usage](usageCacheSize)
	return &UsageCache{cache: c}
}

func (u *UsageCache) Get(sessionID string) (Usage, bool) {
	if sessionID == "" {
		return Usage{}, false
	}
	return u.cache.Get(sessionID)
}

func (u *UsageCache) Put(sessionID string, usage Usage) {
	if sessionID == "" {
		return
	}
	u.cache.Add(sessionID, usage)
}
