package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"blastguard.ai/internal/catalogs"
	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/persistence/indexdb"
	plog "blastguard.ai/internal/persistence/log"
)

// indexCmd rebuilds a world's sqlite audit index from its JSONL audit logs so
// the sqlite ledger backend can serve it.
func indexCmd(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	dataDir := fs.String("data", "./data/worlds", "ledger data directory")
	worldID := fs.String("world", "", "world id")
	catalogPath := fs.String("catalog", "./configs/blocks.json", "material catalog stored alongside the audits (empty to skip)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	path := indexdb.Path(*dataDir, *worldID)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintln(os.Stderr, "index exists:", path, "(remove it to rebuild)")
		os.Exit(2)
	}

	idx, err := indexdb.OpenSQLite(path, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}

	if p := strings.TrimSpace(*catalogPath); p != "" {
		raw, err := os.ReadFile(p)
		if err == nil {
			var cat *catalogs.MaterialCatalog
			if cat, err = catalogs.Parse(raw); err == nil {
				err = idx.UpsertCatalog(raw, cat)
			}
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "catalog:", err)
		}
	}

	ctx := context.Background()
	var bad int
	err = plog.Scan(filepath.Join(*dataDir, *worldID, "audit"), "audit", func(line []byte) error {
		var e ledger.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			bad++
			return nil
		}
		return idx.Import(ctx, e)
	})
	cerr := idx.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	if cerr != nil {
		fmt.Fprintln(os.Stderr, "close index:", cerr)
		os.Exit(1)
	}
	st := idx.Stats()
	fmt.Printf("indexed=%d failed=%d malformed=%d path=%s\n", st.Written, st.Failed, bad, path)
	if st.Failed > 0 {
		os.Exit(1)
	}
}
