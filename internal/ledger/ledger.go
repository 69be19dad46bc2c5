// Package ledger models the external block-change audit trail that the world
// server writes, and the backends able to read it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SystemActorMarker prefixes actors that are automation (plugins, world
// regeneration, rollbacks) rather than players.
const SystemActorMarker = "#"

// MinAPIVersion is the oldest ledger API the engine understands.
const MinAPIVersion = 10

// airBlock is palette id 0 in every world catalog.
const airBlock uint16 = 0

// Coord identifies one block. It is comparable and is used directly as a map
// and cache key.
type Coord struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}

func (c Coord) String() string {
	return fmt.Sprintf("%s@%d,%d,%d", c.World, c.X, c.Y, c.Z)
}

type ActionKind uint8

const (
	ActionOther ActionKind = iota
	ActionPlace
	ActionBreak
)

func (k ActionKind) String() string {
	switch k {
	case ActionPlace:
		return "PLACE"
	case ActionBreak:
		return "BREAK"
	default:
		return "OTHER"
	}
}

// ChangeRecord is one parsed ledger entry.
type ChangeRecord struct {
	Actor    string
	HasActor bool
	Action   ActionKind
	Tick     uint64
	Seq      int
	From     uint16
	To       uint16
	Reason   string
}

// IsSystemActor reports whether the record was written by automation, i.e.
// its actor carries marker. An empty marker means SystemActorMarker.
func (r ChangeRecord) IsSystemActor(marker string) bool {
	if marker == "" {
		marker = SystemActorMarker
	}
	return r.HasActor && strings.HasPrefix(r.Actor, marker)
}

// RawEntry is one audit line exactly as the ledger stores it.
type RawEntry []byte

// AuditEntry is the world server's audit line format.
type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Seq    int    `json:"seq,omitempty"`
	Actor  string `json:"actor"`
	Action string `json:"action"` // PLACE, BREAK or SET_BLOCK
	Pos    [3]int `json:"pos"`
	From   uint16 `json:"from"`
	To     uint16 `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (e AuditEntry) Coord(world string) Coord {
	return Coord{World: world, X: e.Pos[0], Y: e.Pos[1], Z: e.Pos[2]}
}

// Client is what the decision engine needs from a ledger.
type Client interface {
	// Lookup returns the history of every block within radius of c, oldest
	// first.
	Lookup(ctx context.Context, c Coord, radius int) ([]RawEntry, error)
	Parse(raw RawEntry) (ChangeRecord, error)
}

// Info describes a backend for the startup precondition check.
type Info struct {
	Name       string `json:"name"`
	APIVersion int    `json:"api_version"`
	Enabled    bool   `json:"enabled"`
}

// Backend is a Client with a lifecycle.
type Backend interface {
	Client
	Info(ctx context.Context) (Info, error)
	Close() error
}

var (
	ErrMalformed    = errors.New("malformed ledger entry")
	ErrIncompatible = errors.New("ledger backend incompatible")
	ErrUnknownWorld = errors.New("unknown world")
)

// ParseEntry decodes a raw audit line. Shared by every backend that stores
// the world server's JSON format.
func ParseEntry(raw RawEntry) (ChangeRecord, error) {
	if len(raw) == 0 {
		return ChangeRecord{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	var e AuditEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ChangeRecord{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	actor := strings.TrimSpace(e.Actor)
	return ChangeRecord{
		Actor:    actor,
		HasActor: actor != "",
		Action:   actionKind(e),
		Tick:     e.Tick,
		Seq:      e.Seq,
		From:     e.From,
		To:       e.To,
		Reason:   e.Reason,
	}, nil
}

func actionKind(e AuditEntry) ActionKind {
	switch strings.ToUpper(strings.TrimSpace(e.Action)) {
	case "PLACE":
		return ActionPlace
	case "BREAK":
		return ActionBreak
	case "SET_BLOCK":
		// Replacing one solid block with another counts as a placement.
		if e.To == airBlock {
			return ActionBreak
		}
		return ActionPlace
	default:
		return ActionOther
	}
}
