package provenance

import "sync/atomic"

// Stats holds the process-wide counters. All fields are safe for concurrent
// use. Nothing here is persisted across restarts.
type Stats struct {
	LedgerQueries   atomic.Uint64
	BlocksProtected atomic.Uint64
	Fallbacks       atomic.Uint64
	CacheHits       atomic.Uint64
	CacheMisses     atomic.Uint64
	Explosions      atomic.Uint64
}

type StatsSnapshot struct {
	LedgerQueries   uint64 `json:"ledger_queries"`
	BlocksProtected uint64 `json:"blocks_protected"`
	Fallbacks       uint64 `json:"fallbacks"`
	CacheHits       uint64 `json:"cache_hits"`
	CacheMisses     uint64 `json:"cache_misses"`
	Explosions      uint64 `json:"explosions"`
}

// HitRatio is hits/(hits+misses), 0 when nothing was looked up yet.
func (s StatsSnapshot) HitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		LedgerQueries:   s.LedgerQueries.Load(),
		BlocksProtected: s.BlocksProtected.Load(),
		Fallbacks:       s.Fallbacks.Load(),
		CacheHits:       s.CacheHits.Load(),
		CacheMisses:     s.CacheMisses.Load(),
		Explosions:      s.Explosions.Load(),
	}
}

// Reset zeroes every counter. Only the operator command surface calls it.
func (s *Stats) Reset() {
	s.LedgerQueries.Store(0)
	s.BlocksProtected.Store(0)
	s.Fallbacks.Store(0)
	s.CacheHits.Store(0)
	s.CacheMisses.Store(0)
	s.Explosions.Store(0)
}
