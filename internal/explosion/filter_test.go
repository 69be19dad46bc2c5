package explosion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/provenance"
)

type countingReporter struct {
	mu     sync.Mutex
	events []provenance.FallbackEvent
}

func (r *countingReporter) ReportFallback(ev provenance.FallbackEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *countingReporter) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func at(x int) ledger.Coord { return ledger.Coord{World: "world", X: x, Y: 64, Z: 0} }

func placedBy(mem *ledger.Memory, x int, actor string) {
	mem.Append("world", ledger.AuditEntry{Tick: uint64(x + 1), Actor: actor, Action: "PLACE", Pos: [3]int{x, 64, 0}})
}

func newFilter(client ledger.Client, policy Policy) (*Filter, *countingReporter) {
	rep := &countingReporter{}
	eng := provenance.NewEngine(client, nil, nil, provenance.EngineConfig{Reporter: rep})
	return NewFilter(eng, policy, nil), rep
}

var defaultPolicy = NewPolicy([]string{"TNT"}, []string{"RESPAWN_ANCHOR", "BED"}, false)

func TestApply_ChainDetonation(t *testing.T) {
	mem := ledger.NewMemory()
	placedBy(mem, 0, "Alice") // the primed TNT itself was placed by a player
	placedBy(mem, 1, "Alice")

	f, rep := newFilter(mem, defaultPolicy)
	ev := &Event{Cause: CauseEntity, Source: "TNT", Blocks: []Block{
		{Coord: at(0), Material: "TNT"},
		{Coord: at(1), Material: "STONE"},
		{Coord: at(2), Material: "DIRT"},
	}}
	n := f.Apply(context.Background(), ev)
	if n != 1 {
		t.Fatalf("removed=%d want=1", n)
	}
	if len(ev.Blocks) != 2 || ev.Blocks[0].Material != "TNT" || ev.Blocks[1].Material != "DIRT" {
		t.Fatalf("remaining=%+v", ev.Blocks)
	}
	if got := f.engine.Stats().BlocksProtected.Load(); got != 1 {
		t.Fatalf("protected counter=%d want=1", got)
	}
	// The explosive block never reached the ledger.
	if mem.Lookups() != 2 {
		t.Fatalf("lookups=%d want=2", mem.Lookups())
	}
	if rep.len() != 0 {
		t.Fatalf("unexpected fallbacks=%d", rep.len())
	}
}

func TestApply_OneFailingBlockOfFive(t *testing.T) {
	mem := ledger.NewMemory()
	for x := 0; x < 5; x++ {
		placedBy(mem, x, "Bob")
	}
	mem.Fail(at(2), errors.New("ledger down"))

	f, rep := newFilter(mem, defaultPolicy)
	ev := &Event{Cause: CauseBlock, Source: "RESPAWN_ANCHOR"}
	for x := 0; x < 5; x++ {
		ev.Blocks = append(ev.Blocks, Block{Coord: at(x), Material: "OAK_PLANKS"})
	}
	n := f.Apply(context.Background(), ev)
	if n != 4 {
		t.Fatalf("removed=%d want=4", n)
	}
	if len(ev.Blocks) != 1 || ev.Blocks[0].Coord != at(2) {
		t.Fatalf("remaining=%+v", ev.Blocks)
	}
	if rep.len() != 1 {
		t.Fatalf("fallbacks=%d want=1", rep.len())
	}
}

type panickyLedger struct {
	*ledger.Memory
	bad ledger.Coord
}

func (p panickyLedger) Lookup(ctx context.Context, c ledger.Coord, radius int) ([]ledger.RawEntry, error) {
	if c == p.bad {
		var m map[string]int
		m["boom"]++ // nil map write
	}
	return p.Memory.Lookup(ctx, c, radius)
}

func TestApply_PanicLeavesBlockDestructible(t *testing.T) {
	mem := ledger.NewMemory()
	placedBy(mem, 0, "Carol")
	placedBy(mem, 1, "Carol")

	f, rep := newFilter(panickyLedger{Memory: mem, bad: at(0)}, defaultPolicy)
	ev := &Event{Cause: CauseEntity, Source: "CREEPER", Blocks: []Block{
		{Coord: at(0), Material: "GLASS"},
		{Coord: at(1), Material: "GLASS"},
	}}
	if n := f.Apply(context.Background(), ev); n != 1 {
		t.Fatalf("removed=%d want=1", n)
	}
	if len(ev.Blocks) != 1 || ev.Blocks[0].Coord != at(0) {
		t.Fatalf("remaining=%+v", ev.Blocks)
	}
	if rep.len() != 1 || rep.events[0].Kind != provenance.FallbackPanic {
		t.Fatalf("fallbacks=%+v", rep.events)
	}
}

func TestApply_SpecialBlocksPolicy(t *testing.T) {
	mem := ledger.NewMemory()
	ev := func() *Event {
		return &Event{Cause: CauseBlock, Source: "BED", Blocks: []Block{
			{Coord: at(0), Material: "red_bed"},
			{Coord: at(1), Material: "respawn_anchor"},
		}}
	}
	p := NewPolicy([]string{"TNT"}, []string{"RED_BED", "RESPAWN_ANCHOR"}, true)
	f, _ := newFilter(mem, p)
	if n := f.Apply(context.Background(), ev()); n != 2 {
		t.Fatalf("protect special removed=%d want=2", n)
	}
	if mem.Lookups() != 0 {
		t.Fatalf("special blocks queried the ledger: %d", mem.Lookups())
	}

	p.ProtectSpecial = false
	f.SetPolicy(p)
	if n := f.Apply(context.Background(), ev()); n != 0 {
		t.Fatalf("without protect special removed=%d want=0", n)
	}
}

func TestApply_Disabled(t *testing.T) {
	mem := ledger.NewMemory()
	placedBy(mem, 0, "Alice")
	f, _ := newFilter(mem, defaultPolicy)
	f.SetEnabled(false)
	ev := &Event{Cause: CauseEntity, Source: "TNT", Blocks: []Block{{Coord: at(0), Material: "STONE"}}}
	if n := f.Apply(context.Background(), ev); n != 0 || len(ev.Blocks) != 1 {
		t.Fatalf("disabled filter changed event: n=%d blocks=%d", n, len(ev.Blocks))
	}
	if mem.Lookups() != 0 {
		t.Fatalf("disabled filter queried the ledger")
	}
}

func TestParseCause(t *testing.T) {
	for in, want := range map[string]Cause{"entity": CauseEntity, "BLOCK_EXPLOSIVE": CauseBlock} {
		got, err := ParseCause(in)
		if err != nil || got != want {
			t.Fatalf("ParseCause(%q)=%v,%v want=%v", in, got, err, want)
		}
	}
	if _, err := ParseCause("meteor"); err == nil {
		t.Fatalf("expected error for unknown cause")
	}
}
