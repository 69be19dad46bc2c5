// Package indexdb builds the per-world sqlite audit index that the sqlite
// ledger backend reads (<data>/<world>/index/world.sqlite).
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"blastguard.ai/internal/catalogs"
	"blastguard.ai/internal/ledger"
)

const defaultQueue = 65536

var ErrClosed = errors.New("index closed")

type SQLiteIndex struct {
	db *sql.DB

	// mu is held for reading across every send on ch and for writing while
	// ch is closed, so a send never races the close.
	mu     sync.RWMutex
	ch     chan ledger.AuditEntry
	wg     sync.WaitGroup
	once   sync.Once
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Path is where the index for world lives under dataDir.
func Path(dataDir, world string) string {
	return filepath.Join(dataDir, world, "index", "world.sqlite")
}

// OpenSQLite opens or creates the index at path. queue bounds the write
// backlog; <= 0 picks a default.
func OpenSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if queue <= 0 {
		queue = defaultQueue
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan ledger.AuditEntry, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL lets the ledger backend read while the index is being extended.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_block INTEGER NOT NULL,
			to_block INTEGER NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos_tick ON audits(x, z, y, tick);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Written       uint64 `json:"written"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
		Dropped:       s.dropped.Load(),
	}
}

// WriteAudit queues e without blocking. Entries are dropped when the writer
// falls behind; the JSONL audit logs remain the source of truth.
func (s *SQLiteIndex) WriteAudit(e ledger.AuditEntry) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Import queues e and waits for room. Used by offline rebuilds where nothing
// may be dropped.
func (s *SQLiteIndex) Import(ctx context.Context, e ledger.AuditEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertCatalog stores the material catalog next to the audits so names can
// be resolved from the index alone.
func (s *SQLiteIndex) UpsertCatalog(raw []byte, cat *catalogs.MaterialCatalog) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	palette, err := json.Marshal(cat.Palette)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if len(raw) > 0 {
		if _, err := stmt.Exec("blocks_defs", cat.DefsDigest, string(raw), now); err != nil {
			return err
		}
	}
	if _, err := stmt.Exec("blocks_palette", cat.PaletteDigest, string(palette), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,actor,action,x,y,z,from_block,to_block,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
	}()

	var (
		tx            *sql.Tx
		pending       uint64
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(tick),0), COALESCE(MAX(seq)+1,0) FROM audits WHERE tick=(SELECT MAX(tick) FROM audits)`).Scan(&lastAuditTick, &auditSeq); err != nil {
		lastAuditTick, auditSeq = 0, 0
	}

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		pending = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(pending)
		} else {
			s.written.Add(pending)
		}
		tx = nil
		pending = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(pending)
		tx = nil
		pending = 0
		lastCommit = time.Now()
	}

	for a := range s.ch {
		begin()
		if tx == nil || insertAudit == nil {
			s.failed.Add(1)
			continue
		}
		if a.Tick != lastAuditTick {
			lastAuditTick = a.Tick
			auditSeq = 0
		}
		seq := auditSeq
		auditSeq++
		a.Seq = seq
		raw, _ := json.Marshal(a)
		if _, err := tx.Stmt(insertAudit).Exec(
			int64(a.Tick),
			seq,
			a.Actor,
			a.Action,
			a.Pos[0], a.Pos[1], a.Pos[2],
			int64(a.From),
			int64(a.To),
			a.Reason,
			string(raw),
		); err != nil {
			s.failed.Add(1)
			rollback()
			continue
		}
		pending++
		if int(pending) >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
