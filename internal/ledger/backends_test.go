package ledger

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func writeIndexDB(t *testing.T, dataDir, world string, entries []AuditEntry) {
	t.Helper()
	path := filepath.Join(dataDir, world, "index", "world.sqlite")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE audits (
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
	)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, e := range entries {
		raw, _ := json.Marshal(e)
		if _, err := db.Exec(`INSERT INTO audits(tick,seq,actor,action,x,y,z,from_block,to_block,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			int64(e.Tick), i, e.Actor, e.Action, e.Pos[0], e.Pos[1], e.Pos[2], int64(e.From), int64(e.To), e.Reason, string(raw)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestSQLiteLedger_Lookup(t *testing.T) {
	dir := t.TempDir()
	writeIndexDB(t, dir, "world_1", []AuditEntry{
		{Tick: 20, Actor: "#rollback", Action: "SET_BLOCK", Pos: [3]int{4, 10, 4}, From: 3, To: 0},
		{Tick: 10, Actor: "A1", Action: "SET_BLOCK", Pos: [3]int{4, 10, 4}, From: 0, To: 3},
		{Tick: 15, Actor: "A2", Action: "SET_BLOCK", Pos: [3]int{9, 10, 9}, From: 0, To: 3},
	})

	l, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer l.Close()

	got, err := l.Lookup(context.Background(), Coord{World: "world_1", X: 4, Y: 10, Z: 4}, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries=%d want=2", len(got))
	}
	first, err := l.Parse(got[0])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if first.Tick != 10 || first.Action != ActionPlace || first.Actor != "A1" {
		t.Fatalf("first=%#v", first)
	}

	if _, err := l.Lookup(context.Background(), Coord{World: "missing", X: 0}, 0); !errors.Is(err, ErrUnknownWorld) {
		t.Fatalf("missing world err=%v want ErrUnknownWorld", err)
	}
	if _, err := l.Lookup(context.Background(), Coord{World: "../etc"}, 0); !errors.Is(err, ErrUnknownWorld) {
		t.Fatalf("path world err=%v want ErrUnknownWorld", err)
	}

	info, err := l.Info(context.Background())
	if err != nil || !info.Enabled || info.APIVersion < MinAPIVersion {
		t.Fatalf("info=%#v err=%v", info, err)
	}
}

func writeAuditLog(t *testing.T, dataDir, world, name string, lines []string) {
	t.Helper()
	dir := filepath.Join(dataDir, world, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	w := bufio.NewWriter(enc)
	for _, l := range lines {
		_, _ = w.WriteString(l + "\n")
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("enc close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestJSONLLedger_LookupAndReload(t *testing.T) {
	dir := t.TempDir()
	writeAuditLog(t, dir, "OVERWORLD", "audit-2026-01-01-00.jsonl.zst", []string{
		`{"tick":1,"actor":"A1","action":"SET_BLOCK","pos":[1,2,3],"from":0,"to":7}`,
		`not json`,
		`{"tick":2,"actor":"A9","action":"SET_BLOCK","pos":[5,5,5],"from":0,"to":7}`,
	})
	writeAuditLog(t, dir, "OVERWORLD", "audit-2026-01-01-01.jsonl.zst", []string{
		`{"tick":8,"actor":"A2","action":"SET_BLOCK","pos":[1,2,3],"from":7,"to":0}`,
	})

	l, err := OpenJSONL(dir, nil)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}
	defer l.Close()

	c := Coord{World: "OVERWORLD", X: 1, Y: 2, Z: 3}
	got, err := l.Lookup(context.Background(), c, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries=%d want=2", len(got))
	}
	last, _ := l.Parse(got[1])
	if last.Action != ActionBreak || last.Actor != "A2" {
		t.Fatalf("last=%#v", last)
	}

	writeAuditLog(t, dir, "OVERWORLD", "audit-2026-01-01-02.jsonl.zst", []string{
		`{"tick":12,"actor":"A3","action":"SET_BLOCK","pos":[1,2,3],"from":0,"to":7}`,
	})
	if err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got, _ = l.Lookup(context.Background(), c, 0)
	if len(got) != 3 {
		t.Fatalf("after reload entries=%d want=3", len(got))
	}
}

func TestHTTPLedger_LookupAndInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tokenHeader) != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/info":
			_, _ = w.Write([]byte(`{"name":"remote","api_version":11,"enabled":true}`))
		case "/v1/lookup":
			if r.URL.Query().Get("world") != "w" || r.URL.Query().Get("x") != "1" {
				http.Error(w, "bad query", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"entries":[{"tick":1,"actor":"A1","action":"PLACE","pos":[1,2,3]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b, err := Open(context.Background(), Options{Backend: "http", Endpoint: srv.URL + "/", Token: "secret"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	got, err := b.Lookup(context.Background(), Coord{World: "w", X: 1, Y: 2, Z: 3}, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries=%d want=1", len(got))
	}

	bad, _ := OpenHTTP(HTTPConfig{Endpoint: srv.URL, Token: "wrong"})
	if _, err := bad.Lookup(context.Background(), Coord{World: "w"}, 0); err == nil {
		t.Fatalf("expected unauthorized lookup to fail")
	}
}
