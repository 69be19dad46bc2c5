// Package provenance decides whether a block was placed by a player, using the
// block-change ledger and a short-lived verdict cache.
package provenance

import (
	"context"
	"io"
	"log/slog"
	"time"

	"blastguard.ai/internal/ledger"
)

const DefaultLedgerTimeout = 250 * time.Millisecond

// Verdict is the outcome of one provenance check.
type Verdict struct {
	PlayerPlaced bool   `json:"player_placed"`
	Cached       bool   `json:"cached"`
	Actor        string `json:"actor,omitempty"`
}

// Decide scans records newest first; the first PLACE decides. A PLACE by a
// present actor without the system marker is a player placement. Anything
// else, including a history with no PLACE at all, is not.
func Decide(records []ledger.ChangeRecord, marker string) Verdict {
	v, _ := decide(records, marker)
	return v
}

func decide(records []ledger.ChangeRecord, marker string) (Verdict, int) {
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Action != ledger.ActionPlace {
			continue
		}
		placed := r.HasActor && !r.IsSystemActor(marker)
		return Verdict{PlayerPlaced: placed, Actor: r.Actor}, i
	}
	return Verdict{}, -1
}

type EngineConfig struct {
	// Timeout bounds a single ledger lookup.
	Timeout time.Duration
	// Marker prefixes non-player actors. Defaults to ledger.SystemActorMarker.
	Marker   string
	Reporter FallbackReporter
	Logger   *slog.Logger
	// ObserveLookup, when set, receives the duration of every ledger lookup.
	ObserveLookup func(time.Duration)
}

type Engine struct {
	client ledger.Client
	cache  *Cache
	stats  *Stats
	cfg    EngineConfig
	log    *slog.Logger
	now    func() time.Time
}

func NewEngine(client ledger.Client, cache *Cache, stats *Stats, cfg EngineConfig) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLedgerTimeout
	}
	if cfg.Marker == "" {
		cfg.Marker = ledger.SystemActorMarker
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cache == nil {
		cache = NewCache(CacheConfig{Shards: 1})
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Engine{client: client, cache: cache, stats: stats, cfg: cfg, log: cfg.Logger, now: time.Now}
}

func (e *Engine) Cache() *Cache { return e.cache }
func (e *Engine) Stats() *Stats { return e.stats }

// Evaluate returns the verdict for c. On a ledger problem it returns a
// *LedgerError together with a negative verdict, which is also cached so the
// same block is not retried until the entry expires.
func (e *Engine) Evaluate(ctx context.Context, c ledger.Coord) (Verdict, error) {
	if placed, ok := e.cache.Get(c); ok {
		e.stats.CacheHits.Add(1)
		return Verdict{PlayerPlaced: placed, Cached: true}, nil
	}
	e.stats.CacheMisses.Add(1)

	records, err := e.history(ctx, c)
	if err != nil {
		lerr := classify(c, err)
		e.fallback(lerr)
		e.cache.Put(c, false)
		return Verdict{}, lerr
	}
	v := Decide(records, e.cfg.Marker)
	e.cache.Put(c, v.PlayerPlaced)
	return v, nil
}

// IsPlayerPlaced is Evaluate with errors already reported and folded into a
// negative answer.
func (e *Engine) IsPlayerPlaced(ctx context.Context, c ledger.Coord) bool {
	v, _ := e.Evaluate(ctx, c)
	return v.PlayerPlaced
}

// ReportPanic records a recovered panic raised while handling c.
func (e *Engine) ReportPanic(c ledger.Coord, recovered any) {
	e.fallback(&LedgerError{Kind: FallbackPanic, Coord: c, Err: panicError{recovered}})
}

func (e *Engine) history(ctx context.Context, c ledger.Coord) ([]ledger.ChangeRecord, error) {
	e.stats.LedgerQueries.Add(1)
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := e.now()
	raws, err := e.client.Lookup(ctx, c, 0)
	if e.cfg.ObserveLookup != nil {
		e.cfg.ObserveLookup(e.now().Sub(start))
	}
	if err != nil {
		return nil, err
	}
	records := make([]ledger.ChangeRecord, 0, len(raws))
	for _, raw := range raws {
		r, err := e.client.Parse(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func (e *Engine) fallback(lerr *LedgerError) {
	e.stats.Fallbacks.Add(1)
	ev := FallbackEvent{At: e.now().UTC(), Coord: lerr.Coord, Kind: lerr.Kind, Err: lerr.Err.Error()}
	if e.cfg.Reporter != nil {
		e.cfg.Reporter.ReportFallback(ev)
		return
	}
	e.log.Error("provenance fallback", "kind", ev.Kind, "coord", ev.Coord.String(), "err", ev.Err)
}

// Explanation is the full history behind a verdict.
type Explanation struct {
	Coord    ledger.Coord          `json:"coord"`
	Records  []ledger.ChangeRecord `json:"records"`
	Deciding int                   `json:"deciding"` // index into Records, -1 when no PLACE exists
	Verdict  Verdict               `json:"verdict"`
}

// Explain reads the ledger for c, bypassing and not updating the cache.
func (e *Engine) Explain(ctx context.Context, c ledger.Coord) (Explanation, error) {
	records, err := e.history(ctx, c)
	if err != nil {
		return Explanation{Coord: c, Deciding: -1}, classify(c, err)
	}
	v, idx := decide(records, e.cfg.Marker)
	return Explanation{Coord: c, Records: records, Deciding: idx, Verdict: v}, nil
}
