package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/provenance"
)

func fallback(x int) provenance.FallbackEvent {
	return provenance.FallbackEvent{
		Coord: ledger.Coord{World: "w", X: x},
		Kind:  provenance.FallbackLedgerUnavailable,
		Err:   "down",
	}
}

func TestReporter_RingAndIncidentLog(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(ReporterConfig{IncidentDir: dir, Recent: 3})
	for x := 0; x < 5; x++ {
		r.ReportFallback(fallback(x))
	}
	recent := r.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("recent=%d want=3", len(recent))
	}
	if recent[0].Coord.X != 4 || recent[2].Coord.X != 2 {
		t.Fatalf("recent not newest first: %+v", recent)
	}
	if recent[0].ID == "" || recent[0].At.IsZero() {
		t.Fatalf("incident missing id/time: %+v", recent[0])
	}
	if got := r.Recent(1); len(got) != 1 || got[0].Coord.X != 4 {
		t.Fatalf("recent(1)=%+v", got)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	logged, err := ReadIncidents(dir, 0)
	if err != nil {
		t.Fatalf("ReadIncidents: %v", err)
	}
	if len(logged) != 5 || logged[0].Coord.X != 4 {
		t.Fatalf("logged=%+v", logged)
	}
}

func TestReporter_NotificationsAreRateLimited(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(16)
	defer cancel()

	// A negligible refill rate leaves only the burst.
	r := NewReporter(ReporterConfig{Hub: hub, RatePerSec: 0.0001, Burst: 2})
	for x := 0; x < 5; x++ {
		r.ReportFallback(fallback(x))
	}
	if len(ch) != 2 {
		t.Fatalf("notifications=%d want=2", len(ch))
	}
	if r.Suppressed() != 3 {
		t.Fatalf("suppressed=%d want=3", r.Suppressed())
	}
	first := <-ch
	if first.Event.Coord.X != 0 || first.Suppressed != 0 {
		t.Fatalf("first=%+v", first)
	}
}

func TestHub_SubscribeCancel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers=%d want=1", hub.Subscribers())
	}
	hub.Publish(Notification{Event: fallback(1)})
	hub.Publish(Notification{Event: fallback(2)})
	if hub.Dropped() != 1 {
		t.Fatalf("dropped=%d want=1", hub.Dropped())
	}
	cancel()
	cancel()
	if hub.Subscribers() != 0 {
		t.Fatalf("subscribers after cancel=%d", hub.Subscribers())
	}
	<-ch
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after cancel")
	}
}

func TestMetrics_Exposition(t *testing.T) {
	mem := ledger.NewMemory()
	mem.Fail(ledger.Coord{World: "w", X: 1}, errors.New("down"))
	stats := &provenance.Stats{}
	cache := provenance.NewCache(provenance.CacheConfig{})
	m := NewMetrics(stats, cache, NewHub(), func() bool { return true })
	eng := provenance.NewEngine(mem, cache, stats, provenance.EngineConfig{ObserveLookup: m.ObserveLookup})

	_ = eng.IsPlayerPlaced(context.Background(), ledger.Coord{World: "w", X: 1})
	_ = eng.IsPlayerPlaced(context.Background(), ledger.Coord{World: "w", X: 1})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		"blastguard_ledger_queries_total 1",
		"blastguard_fallbacks_total 1",
		"blastguard_cache_hits_total 1",
		"blastguard_cache_entries 1",
		"blastguard_enabled 1",
		"blastguard_ledger_lookup_seconds_count 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q:\n%s", want, text)
		}
	}
}

// gatedWriter blocks every Write until release is closed.
type gatedWriter struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	written int
	closed  bool
}

func (w *gatedWriter) Write(v any) error {
	w.entered <- struct{}{}
	<-w.release
	w.mu.Lock()
	w.written++
	w.mu.Unlock()
	return nil
}

func (w *gatedWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestReporter_SlowIncidentLogDoesNotBlock(t *testing.T) {
	w := &gatedWriter{entered: make(chan struct{}, 8), release: make(chan struct{})}
	r := newReporter(ReporterConfig{IncidentQueue: 1}, w)

	r.ReportFallback(fallback(0))
	select {
	case <-w.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("writer never picked up the first incident")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ReportFallback(fallback(1)) // queued
		r.ReportFallback(fallback(2)) // queue full, dropped
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("ReportFallback blocked on the incident writer")
	}
	if r.IncidentsDropped() != 1 {
		t.Fatalf("dropped=%d want=1", r.IncidentsDropped())
	}
	if got := len(r.Recent(0)); got != 3 {
		t.Fatalf("recent=%d want=3", got)
	}

	close(w.release)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written != 2 || !w.closed {
		t.Fatalf("written=%d closed=%v want=2,true", w.written, w.closed)
	}
	r.ReportFallback(fallback(3))
}
