package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
)

func init() {
	Register("memory", func(ctx context.Context, opts Options) (Backend, error) {
		return NewMemory(), nil
	})
}

type memEntry struct {
	tick uint64
	seq  int
	raw  RawEntry
}

// Memory is an in-process ledger. Used for dev runs and tests.
type Memory struct {
	mu       sync.RWMutex
	entries  map[Coord][]memEntry
	failures map[Coord]error
	info     Info
	nextSeq  int

	lookups atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{
		entries:  map[Coord][]memEntry{},
		failures: map[Coord]error{},
		info:     Info{Name: "memory", APIVersion: MinAPIVersion, Enabled: true},
	}
}

// Append records one audit line for world. Entries must be appended in
// chronological order.
func (m *Memory) Append(world string, e AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	if e.Seq == 0 {
		e.Seq = m.nextSeq
	}
	raw, _ := json.Marshal(e)
	c := e.Coord(world)
	m.entries[c] = append(m.entries[c], memEntry{tick: e.Tick, seq: e.Seq, raw: raw})
}

// AppendRaw stores an arbitrary line, including ones that will not parse.
func (m *Memory) AppendRaw(c Coord, tick uint64, raw RawEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	m.entries[c] = append(m.entries[c], memEntry{tick: tick, seq: m.nextSeq, raw: raw})
}

// Fail makes every lookup touching c return err. A nil err clears it.
func (m *Memory) Fail(c Coord, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, c)
		return
	}
	m.failures[c] = err
}

func (m *Memory) SetInfo(info Info) {
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
}

// Lookups counts Lookup calls.
func (m *Memory) Lookups() int64 { return m.lookups.Load() }

func (m *Memory) Lookup(ctx context.Context, c Coord, radius int) ([]RawEntry, error) {
	m.lookups.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if radius < 0 {
		radius = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []memEntry
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			for dz := -radius; dz <= radius; dz++ {
				p := Coord{World: c.World, X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}
				if err := m.failures[p]; err != nil {
					return nil, err
				}
				hits = append(hits, m.entries[p]...)
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].tick != hits[j].tick {
			return hits[i].tick < hits[j].tick
		}
		return hits[i].seq < hits[j].seq
	})
	out := make([]RawEntry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.raw)
	}
	return out, nil
}

func (m *Memory) Parse(raw RawEntry) (ChangeRecord, error) { return ParseEntry(raw) }

func (m *Memory) Info(ctx context.Context) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info, nil
}

func (m *Memory) Close() error { return nil }
