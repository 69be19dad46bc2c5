// Package explosion filters an explosion's destruction set, keeping
// player-placed blocks intact.
package explosion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/provenance"
)

type Cause uint8

const (
	// CauseEntity is a detonating entity (primed explosive, creeper, ...).
	CauseEntity Cause = iota + 1
	// CauseBlock is a block that exploded on interaction (bed, respawn anchor).
	CauseBlock
)

func (c Cause) String() string {
	switch c {
	case CauseEntity:
		return "ENTITY"
	case CauseBlock:
		return "BLOCK"
	default:
		return fmt.Sprintf("Cause(%d)", uint8(c))
	}
}

// ParseCause accepts the wire names ENTITY and BLOCK.
func ParseCause(s string) (Cause, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENTITY", "ENTITY_EXPLOSIVE":
		return CauseEntity, nil
	case "BLOCK", "BLOCK_EXPLOSIVE":
		return CauseBlock, nil
	}
	return 0, fmt.Errorf("unknown explosion cause %q", s)
}

type Block struct {
	Coord    ledger.Coord
	Material string
}

// Event is one explosion. Blocks is the destruction set; Apply removes
// protected blocks from it in place.
type Event struct {
	Cause  Cause
	Source string // material of the exploding entity or block
	Blocks []Block
}

// Policy is the material exemption rule set.
type Policy struct {
	// Explosive materials are always destructible and never looked up.
	Explosive map[string]bool
	// AlwaysProtected materials are kept without a lookup when ProtectSpecial
	// is set.
	AlwaysProtected map[string]bool
	ProtectSpecial  bool
}

func normMaterial(m string) string { return strings.ToUpper(strings.TrimSpace(m)) }

// NewPolicy builds a policy from material lists.
func NewPolicy(explosive, alwaysProtected []string, protectSpecial bool) Policy {
	p := Policy{
		Explosive:       map[string]bool{},
		AlwaysProtected: map[string]bool{},
		ProtectSpecial:  protectSpecial,
	}
	for _, m := range explosive {
		if m = normMaterial(m); m != "" {
			p.Explosive[m] = true
		}
	}
	for _, m := range alwaysProtected {
		if m = normMaterial(m); m != "" {
			p.AlwaysProtected[m] = true
		}
	}
	return p
}

func (p Policy) IsExplosive(material string) bool {
	return p.Explosive[normMaterial(material)]
}

type decision uint8

const (
	destroy decision = iota
	lookup
	keep
)

// classify applies the material rules for one block. Only blocks that come
// back as lookup may reach the cache or the ledger.
func (p Policy) classify(ev *Event, material string) decision {
	m := normMaterial(material)
	switch ev.Cause {
	case CauseEntity:
		// Chain detonation: the source's own material always goes.
		if src := normMaterial(ev.Source); src != "" && m == src && p.Explosive[src] {
			return destroy
		}
	}
	if p.Explosive[m] {
		return destroy
	}
	if p.ProtectSpecial && p.AlwaysProtected[m] {
		return keep
	}
	return lookup
}

type Filter struct {
	engine  *provenance.Engine
	log     *slog.Logger
	policy  atomic.Pointer[Policy]
	enabled atomic.Bool
}

func NewFilter(engine *provenance.Engine, policy Policy, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &Filter{engine: engine, log: logger}
	f.policy.Store(&policy)
	f.enabled.Store(true)
	return f
}

func (f *Filter) Enabled() bool      { return f.enabled.Load() }
func (f *Filter) SetEnabled(on bool) { f.enabled.Store(on) }
func (f *Filter) Policy() Policy     { return *f.policy.Load() }
func (f *Filter) SetPolicy(p Policy) { f.policy.Store(&p) }

// Apply removes every protected block from ev.Blocks and returns how many
// were removed. It never fails: ledger problems and panics while handling a
// block leave that block destructible.
func (f *Filter) Apply(ctx context.Context, ev *Event) int {
	return len(f.Protect(ctx, ev))
}

// Protect is Apply returning the removed blocks instead of their count.
func (f *Filter) Protect(ctx context.Context, ev *Event) []Block {
	if ev == nil || !f.enabled.Load() {
		return nil
	}
	stats := f.engine.Stats()
	stats.Explosions.Add(1)
	policy := f.policy.Load()

	var protected []Block
	kept := ev.Blocks[:0]
	for _, b := range ev.Blocks {
		if f.protect(ctx, policy, ev, b) {
			protected = append(protected, b)
			continue
		}
		kept = append(kept, b)
	}
	// Zero the tail so dropped blocks are not retained by the backing array.
	for i := len(kept); i < len(ev.Blocks); i++ {
		ev.Blocks[i] = Block{}
	}
	ev.Blocks = kept

	if n := len(protected); n > 0 {
		stats.BlocksProtected.Add(uint64(n))
	}
	return protected
}

func (f *Filter) protect(ctx context.Context, policy *Policy, ev *Event, b Block) (protected bool) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("explosion filter panic", "coord", b.Coord.String(), "material", b.Material, "panic", r)
			f.engine.ReportPanic(b.Coord, r)
			protected = false
		}
	}()
	switch policy.classify(ev, b.Material) {
	case destroy:
		return false
	case keep:
		return true
	}
	v, err := f.engine.Evaluate(ctx, b.Coord)
	if err != nil {
		return false
	}
	return v.PlayerPlaced
}
