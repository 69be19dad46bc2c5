package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const sqliteAPIVersion = 10

func init() {
	Register("sqlite", func(ctx context.Context, opts Options) (Backend, error) {
		return OpenSQLite(opts.DataDir)
	})
}

// SQLiteLedger reads the audits table of each world's index db
// (<dataDir>/<world>/index/world.sqlite). Databases are opened read-only on
// first use.
type SQLiteLedger struct {
	dataDir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func OpenSQLite(dataDir string) (*SQLiteLedger, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, fmt.Errorf("empty data dir")
	}
	return &SQLiteLedger{dataDir: dataDir, dbs: map[string]*sql.DB{}}, nil
}

func (s *SQLiteLedger) dbPath(world string) string {
	return filepath.Join(s.dataDir, world, "index", "world.sqlite")
}

func (s *SQLiteLedger) db(world string) (*sql.DB, error) {
	if world == "" || strings.ContainsAny(world, `/\`) || world == "." || world == ".." {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorld, world)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db := s.dbs[world]; db != nil {
		return db, nil
	}
	path := s.dbPath(world)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownWorld, world, err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)
	s.dbs[world] = db
	return db, nil
}

func (s *SQLiteLedger) Lookup(ctx context.Context, c Coord, radius int) ([]RawEntry, error) {
	if radius < 0 {
		radius = 0
	}
	db, err := s.db(c.World)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT raw_json FROM audits
		 WHERE x BETWEEN ? AND ? AND z BETWEEN ? AND ? AND y BETWEEN ? AND ?
		 ORDER BY tick ASC, seq ASC`,
		c.X-radius, c.X+radius, c.Z-radius, c.Z+radius, c.Y-radius, c.Y+radius,
	)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	defer rows.Close()

	var out []RawEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan audits: %w", err)
		}
		out = append(out, RawEntry(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows audits: %w", err)
	}
	return out, nil
}

func (s *SQLiteLedger) Parse(raw RawEntry) (ChangeRecord, error) { return ParseEntry(raw) }

func (s *SQLiteLedger) Info(ctx context.Context) (Info, error) {
	st, err := os.Stat(s.dataDir)
	if err != nil {
		return Info{}, err
	}
	return Info{Name: "sqlite", APIVersion: sqliteAPIVersion, Enabled: st.IsDir()}, nil
}

func (s *SQLiteLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for world, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, world)
	}
	return firstErr
}
