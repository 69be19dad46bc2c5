// Package catalogs loads the material catalog shared with the world server.
package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// MaterialCatalog maps the world server's block palette to the flags the
// explosion policy cares about. Palette order matches the world server: AIR
// first, then ids sorted, so ledger from/to ids resolve to the same names.
type MaterialCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]MaterialDef
	PaletteDigest string
	DefsDigest    string
}

type MaterialDef struct {
	ID    string `json:"id"`
	Solid bool   `json:"solid"`
	// Explosive materials detonate and are never protected.
	Explosive bool `json:"explosive,omitempty"`
	// Special materials (beds, respawn anchors) may be protected
	// unconditionally by policy.
	Special bool `json:"special,omitempty"`
}

func Load(path string) (*MaterialCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*MaterialCatalog, error) {
	out := &MaterialCatalog{DefsDigest: sha256Hex(raw)}

	var defs []MaterialDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	out.Defs = map[string]MaterialDef{}
	for _, d := range defs {
		d.ID = strings.ToUpper(strings.TrimSpace(d.ID))
		if d.ID == "" {
			return nil, fmt.Errorf("blocks.json: empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return nil, fmt.Errorf("blocks.json: duplicate id %s", d.ID)
		}
		out.Defs[d.ID] = d
	}

	// AIR must exist and is palette id 0.
	if _, ok := out.Defs["AIR"]; !ok {
		return nil, fmt.Errorf("blocks.json: missing AIR")
	}
	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		if id != "AIR" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ids = append([]string{"AIR"}, ids...)

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return out, nil
}

// Name resolves a palette id, or returns "#<id>" for ids outside the palette.
func (c *MaterialCatalog) Name(id uint16) string {
	if c == nil || int(id) >= len(c.Palette) {
		return fmt.Sprintf("#%d", id)
	}
	return c.Palette[id]
}

// Explosive lists explosive material ids in palette order.
func (c *MaterialCatalog) Explosive() []string {
	return c.filter(func(d MaterialDef) bool { return d.Explosive })
}

// Special lists special material ids in palette order.
func (c *MaterialCatalog) Special() []string {
	return c.filter(func(d MaterialDef) bool { return d.Special })
}

func (c *MaterialCatalog) filter(keep func(MaterialDef) bool) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, id := range c.Palette {
		if keep(c.Defs[id]) {
			out = append(out, id)
		}
	}
	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
