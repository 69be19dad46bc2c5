package provenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blastguard.ai/internal/ledger"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []FallbackEvent
}

func (r *recordingReporter) ReportFallback(ev FallbackEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingReporter) kinds() []FallbackKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FallbackKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func place(actor string, tick uint64) ledger.ChangeRecord {
	return ledger.ChangeRecord{Actor: actor, HasActor: actor != "", Action: ledger.ActionPlace, Tick: tick}
}

func brk(actor string, tick uint64) ledger.ChangeRecord {
	return ledger.ChangeRecord{Actor: actor, HasActor: actor != "", Action: ledger.ActionBreak, Tick: tick}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name    string
		records []ledger.ChangeRecord
		want    bool
	}{
		{"empty", nil, false},
		{"player place", []ledger.ChangeRecord{place("Alice", 1)}, true},
		{"system place", []ledger.ChangeRecord{place("#worldedit", 1)}, false},
		{"no actor", []ledger.ChangeRecord{place("", 1)}, false},
		{"break only", []ledger.ChangeRecord{brk("Alice", 1)}, false},
		{"latest place wins", []ledger.ChangeRecord{place("Alice", 1), place("#regen", 2)}, false},
		{"break after place is skipped", []ledger.ChangeRecord{place("Alice", 1), brk("Bob", 2)}, true},
		{"system then player", []ledger.ChangeRecord{place("#regen", 1), brk("Bob", 2), place("Carol", 3)}, true},
		{"other ignored", []ledger.ChangeRecord{place("Alice", 1), {Actor: "#x", HasActor: true, Action: ledger.ActionOther, Tick: 2}}, true},
	}
	for _, c := range cases {
		if got := Decide(c.records, ledger.SystemActorMarker).PlayerPlaced; got != c.want {
			t.Fatalf("%s: got=%v want=%v", c.name, got, c.want)
		}
	}
}

func TestDecide_CustomMarker(t *testing.T) {
	if !Decide([]ledger.ChangeRecord{place("#Alice", 1)}, "@").PlayerPlaced {
		t.Fatalf("# actor should be a player under marker @")
	}
	if Decide([]ledger.ChangeRecord{place("@regen", 1)}, "@").PlayerPlaced {
		t.Fatalf("@ actor should be automation under marker @")
	}
}

func newTestEngine(t *testing.T, mem *ledger.Memory, cacheCfg CacheConfig) (*Engine, *recordingReporter) {
	t.Helper()
	rep := &recordingReporter{}
	e := NewEngine(mem, NewCache(cacheCfg), &Stats{}, EngineConfig{Reporter: rep})
	return e, rep
}

func TestEvaluate_Idempotent(t *testing.T) {
	mem := ledger.NewMemory()
	c := ledger.Coord{World: "w", X: 1, Y: 64, Z: 1}
	mem.Append("w", ledger.AuditEntry{Tick: 1, Actor: "Alice", Action: "PLACE", Pos: [3]int{1, 64, 1}})
	e, _ := newTestEngine(t, mem, CacheConfig{})

	first, err := e.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	second, err := e.Evaluate(context.Background(), c)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !first.PlayerPlaced || !second.PlayerPlaced {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if first.Cached || !second.Cached {
		t.Fatalf("cached flags first=%v second=%v", first.Cached, second.Cached)
	}
	if mem.Lookups() != 1 {
		t.Fatalf("lookups=%d want=1", mem.Lookups())
	}
	s := e.Stats().Snapshot()
	if s.LedgerQueries != 1 || s.CacheHits != 1 || s.CacheMisses != 1 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestEvaluate_SystemActorAndEmptyHistory(t *testing.T) {
	mem := ledger.NewMemory()
	mem.Append("w", ledger.AuditEntry{Tick: 1, Actor: "#WorldEdit", Action: "PLACE", Pos: [3]int{0, 0, 0}})
	e, _ := newTestEngine(t, mem, CacheConfig{})

	if e.IsPlayerPlaced(context.Background(), ledger.Coord{World: "w"}) {
		t.Fatalf("system-placed block reported as player placed")
	}
	if e.IsPlayerPlaced(context.Background(), ledger.Coord{World: "w", X: 9}) {
		t.Fatalf("block without history reported as player placed")
	}
}

func TestEvaluate_TTLExpiryRequeries(t *testing.T) {
	mem := ledger.NewMemory()
	c := ledger.Coord{World: "w", X: 2}
	mem.Append("w", ledger.AuditEntry{Tick: 1, Actor: "Alice", Action: "PLACE", Pos: [3]int{2, 0, 0}})
	e, _ := newTestEngine(t, mem, CacheConfig{TTL: 40 * time.Millisecond})

	if !e.IsPlayerPlaced(context.Background(), c) {
		t.Fatalf("want player placed")
	}
	// The ledger changes; the cached verdict hides it until expiry.
	mem.Append("w", ledger.AuditEntry{Tick: 2, Actor: "#regen", Action: "PLACE", Pos: [3]int{2, 0, 0}})
	if !e.IsPlayerPlaced(context.Background(), c) {
		t.Fatalf("want cached verdict before expiry")
	}
	time.Sleep(80 * time.Millisecond)
	if e.IsPlayerPlaced(context.Background(), c) {
		t.Fatalf("want fresh verdict after expiry")
	}
	if mem.Lookups() != 2 {
		t.Fatalf("lookups=%d want=2", mem.Lookups())
	}
}

func TestEvaluate_ClearRequeries(t *testing.T) {
	mem := ledger.NewMemory()
	c := ledger.Coord{World: "w", X: 3}
	e, _ := newTestEngine(t, mem, CacheConfig{})

	_ = e.IsPlayerPlaced(context.Background(), c)
	_ = e.IsPlayerPlaced(context.Background(), c)
	e.Cache().Clear()
	if e.Cache().Len() != 0 {
		t.Fatalf("len after clear=%d", e.Cache().Len())
	}
	_ = e.IsPlayerPlaced(context.Background(), c)
	if mem.Lookups() != 2 {
		t.Fatalf("lookups=%d want=2", mem.Lookups())
	}
}

func TestEvaluate_LedgerFailureFailsOpen(t *testing.T) {
	mem := ledger.NewMemory()
	c := ledger.Coord{World: "w", X: 4}
	mem.Append("w", ledger.AuditEntry{Tick: 1, Actor: "Alice", Action: "PLACE", Pos: [3]int{4, 0, 0}})
	mem.Fail(c, errors.New("connection refused"))
	e, rep := newTestEngine(t, mem, CacheConfig{})

	v, err := e.Evaluate(context.Background(), c)
	if v.PlayerPlaced {
		t.Fatalf("want fail open")
	}
	var lerr *LedgerError
	if !errors.As(err, &lerr) || !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("err=%v want ledger unavailable", err)
	}

	// Negative verdict is cached: no retry within the TTL.
	mem.Fail(c, nil)
	if e.IsPlayerPlaced(context.Background(), c) {
		t.Fatalf("want cached negative verdict")
	}
	if mem.Lookups() != 1 {
		t.Fatalf("lookups=%d want=1", mem.Lookups())
	}
	if got := rep.kinds(); len(got) != 1 || got[0] != FallbackLedgerUnavailable {
		t.Fatalf("fallbacks=%v", got)
	}
	if e.Stats().Fallbacks.Load() != 1 {
		t.Fatalf("fallback counter=%d want=1", e.Stats().Fallbacks.Load())
	}
}

func TestEvaluate_MalformedRecord(t *testing.T) {
	mem := ledger.NewMemory()
	c := ledger.Coord{World: "w", X: 5}
	mem.AppendRaw(c, 1, ledger.RawEntry(`{"tick":`))
	e, rep := newTestEngine(t, mem, CacheConfig{})

	_, err := e.Evaluate(context.Background(), c)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("err=%v want malformed", err)
	}
	if got := rep.kinds(); len(got) != 1 || got[0] != FallbackMalformedRecord {
		t.Fatalf("fallbacks=%v", got)
	}
}

type slowLedger struct{ *ledger.Memory }

func (s slowLedger) Lookup(ctx context.Context, c ledger.Coord, radius int) ([]ledger.RawEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEvaluate_Timeout(t *testing.T) {
	rep := &recordingReporter{}
	e := NewEngine(slowLedger{ledger.NewMemory()}, nil, nil, EngineConfig{Timeout: 10 * time.Millisecond, Reporter: rep})

	_, err := e.Evaluate(context.Background(), ledger.Coord{World: "w"})
	if !errors.Is(err, ErrLedgerTimeout) {
		t.Fatalf("err=%v want timeout", err)
	}
	if got := rep.kinds(); len(got) != 1 || got[0] != FallbackLedgerTimeout {
		t.Fatalf("fallbacks=%v", got)
	}
}

func TestExplain_BypassesCache(t *testing.T) {
	mem := ledger.NewMemory()
	c := ledger.Coord{World: "w", X: 6}
	mem.Append("w", ledger.AuditEntry{Tick: 1, Actor: "Alice", Action: "PLACE", Pos: [3]int{6, 0, 0}})
	mem.Append("w", ledger.AuditEntry{Tick: 2, Actor: "Bob", Action: "BREAK", Pos: [3]int{6, 0, 0}})
	e, _ := newTestEngine(t, mem, CacheConfig{})

	ex, err := e.Explain(context.Background(), c)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if len(ex.Records) != 2 || ex.Deciding != 0 || !ex.Verdict.PlayerPlaced || ex.Verdict.Actor != "Alice" {
		t.Fatalf("explanation=%+v", ex)
	}
	if e.Cache().Len() != 0 {
		t.Fatalf("explain populated cache")
	}
}
