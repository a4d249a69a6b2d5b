package token

import "sync"

// Metrics tracks operational statistics of the token store
type Metrics struct {
	mu             sync.RWMutex
	TokensIssued   int64
	TokensReused   int64
	TokensReplaced int64
	TokensRevoked  int64
	SelfHeals      int64
	CacheHits      int64
	CacheMisses    int64
}

func (m *Metrics) IncrementTokensIssued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokensIssued++
}

func (m *Metrics) IncrementTokensReused() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokensReused++
}

func (m *Metrics) IncrementTokensReplaced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokensReplaced++
}

func (m *Metrics) IncrementTokensRevoked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokensRevoked++
}

func (m *Metrics) IncrementSelfHeals() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SelfHeals++
}

func (m *Metrics) IncrementCacheHits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CacheHits++
}

func (m *Metrics) IncrementCacheMisses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CacheMisses++
}

func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int64{
		"tokens_issued":   m.TokensIssued,
		"tokens_reused":   m.TokensReused,
		"tokens_replaced": m.TokensReplaced,
		"tokens_revoked":  m.TokensRevoked,
		"self_heals":      m.SelfHeals,
		"cache_hits":      m.CacheHits,
		"cache_misses":    m.CacheMisses,
	}
}
