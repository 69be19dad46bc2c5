package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"blastguard.ai/internal/catalogs"
	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/provenance"
	"blastguard.ai/internal/telemetry"
)

// verdictCmd answers "would this block survive an explosion" straight from a
// ledger, without a running server.
func verdictCmd(args []string) {
	fs := flag.NewFlagSet("verdict", flag.ExitOnError)
	backend := fs.String("backend", "sqlite", "ledger backend: sqlite, jsonl, http")
	dataDir := fs.String("data", "./data/worlds", "ledger data directory (sqlite, jsonl)")
	endpoint := fs.String("endpoint", "", "ledger service url (http)")
	token := fs.String("token", "", "ledger service token (http)")
	worldID := fs.String("world", "", "world id")
	pos := fs.String("pos", "", "block position x,y,z")
	catalogPath := fs.String("catalog", "./configs/blocks.json", "material catalog for block names")
	asJSON := fs.Bool("json", false, "print the explanation as JSON")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" || strings.TrimSpace(*pos) == "" {
		fmt.Fprintln(os.Stderr, "missing -world or -pos")
		os.Exit(2)
	}
	p, err := parseVec3(*pos)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -pos:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l, err := ledger.Open(ctx, ledger.Options{
		Backend:  *backend,
		DataDir:  *dataDir,
		Endpoint: *endpoint,
		Token:    *token,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open ledger:", err)
		os.Exit(1)
	}
	defer l.Close()

	eng := newOneShotEngine(l)
	c := ledger.Coord{World: *worldID, X: p[0], Y: p[1], Z: p[2]}
	ex, err := eng.Explain(ctx, c)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lookup:", err)
		os.Exit(1)
	}
	if *asJSON {
		printJSON(ex)
		return
	}

	name := func(id uint16) string { return fmt.Sprintf("#%d", id) }
	if cat, err := catalogs.Load(*catalogPath); err == nil {
		name = cat.Name
	}
	for i, r := range ex.Records {
		mark := " "
		if i == ex.Deciding {
			mark = "*"
		}
		actor := r.Actor
		if !r.HasActor {
			actor = "<none>"
		}
		fmt.Printf("%s tick %d %s by %s (%s -> %s)\n", mark, r.Tick, r.Action, actor, name(r.From), name(r.To))
	}
	fmt.Printf("%s: player placed = %t (%d records)\n", c, ex.Verdict.PlayerPlaced, len(ex.Records))
}

// newOneShotEngine builds an engine for a single Explain. Explain never
// touches the cache, so it gets one shard: each shard pins a sweeper
// goroutine for the life of the process.
func newOneShotEngine(l ledger.Client) *provenance.Engine {
	cache := provenance.NewCache(provenance.CacheConfig{MaxEntries: 1, Shards: 1})
	return provenance.NewEngine(l, cache, nil, provenance.EngineConfig{Timeout: 5 * time.Second})
}

func incidentsCmd(args []string) {
	fs := flag.NewFlagSet("incidents", flag.ExitOnError)
	dir := fs.String("dir", "./data/incidents", "incident log directory")
	limit := fs.Int("n", 20, "newest incidents to print (0 = all)")
	_ = fs.Parse(args)

	evs, err := telemetry.ReadIncidents(*dir, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read incidents:", err)
		os.Exit(1)
	}
	if len(evs) == 0 {
		fmt.Println("no incidents")
		return
	}
	printJSON(evs)
}
