// Package telemetry makes fallbacks observable: error logs, a compressed
// incident log, a recent-incident ring, rate limited operator notifications
// and Prometheus metrics.
package telemetry

import (
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	plog "blastguard.ai/internal/persistence/log"
	"blastguard.ai/internal/provenance"
)

const (
	DefaultRecent     = 64
	DefaultRatePerSec = 1.0
	DefaultBurst      = 5
	DefaultQueue      = 256
	incidentLogPrefix = "incidents"
)

type ReporterConfig struct {
	// IncidentDir enables the incident log when non-empty.
	IncidentDir string
	// IncidentQueue bounds incidents waiting for the log writer.
	IncidentQueue int
	Recent        int
	RatePerSec    float64
	Burst         int
	Logger        *slog.Logger
	Hub           *Hub
}

type incidentWriter interface {
	Write(v any) error
	Close() error
}

// Reporter implements provenance.FallbackReporter. Incident log writes
// happen on a background goroutine; ReportFallback never waits on disk.
type Reporter struct {
	log     *slog.Logger
	hub     *Hub
	limiter *rate.Limiter

	incidents incidentWriter
	qmu       sync.RWMutex
	queue     chan provenance.FallbackEvent
	qclosed   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Uint64
	writeErrs atomic.Uint64

	mu         sync.Mutex
	ring       []provenance.FallbackEvent
	next       int
	full       bool
	suppressed uint64
}

func NewReporter(cfg ReporterConfig) *Reporter {
	var w incidentWriter
	if cfg.IncidentDir != "" {
		w = plog.NewJSONLZstdWriter(cfg.IncidentDir, incidentLogPrefix)
	}
	return newReporter(cfg, w)
}

func newReporter(cfg ReporterConfig, w incidentWriter) *Reporter {
	if cfg.Recent <= 0 {
		cfg.Recent = DefaultRecent
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.IncidentQueue <= 0 {
		cfg.IncidentQueue = DefaultQueue
	}
	r := &Reporter{
		log:     cfg.Logger,
		hub:     cfg.Hub,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		ring:    make([]provenance.FallbackEvent, cfg.Recent),
	}
	if w != nil {
		r.incidents = w
		r.queue = make(chan provenance.FallbackEvent, cfg.IncidentQueue)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.writeIncidents()
		}()
	}
	return r
}

func (r *Reporter) writeIncidents() {
	for ev := range r.queue {
		if err := r.incidents.Write(ev); err != nil {
			r.writeErrs.Add(1)
			r.log.Warn("incident log write failed", "id", ev.ID, "err", err)
		}
	}
}

// logIncident queues ev for the incident log, dropping it when the writer is
// behind.
func (r *Reporter) logIncident(ev provenance.FallbackEvent) {
	r.qmu.RLock()
	defer r.qmu.RUnlock()
	if r.queue == nil || r.qclosed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

func (r *Reporter) ReportFallback(ev provenance.FallbackEvent) {
	if ev.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			ev.ID = id.String()
		} else {
			ev.ID = uuid.NewString()
		}
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r.log.Error("ledger fallback",
		"id", ev.ID,
		"kind", string(ev.Kind),
		"coord", ev.Coord.String(),
		"err", ev.Err,
	)

	r.logIncident(ev)

	r.mu.Lock()
	r.ring[r.next] = ev
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	if r.hub == nil {
		r.mu.Unlock()
		return
	}
	if !r.limiter.Allow() {
		r.suppressed++
		r.mu.Unlock()
		return
	}
	n := Notification{Event: ev, Suppressed: r.suppressed}
	r.suppressed = 0
	r.mu.Unlock()

	r.hub.Publish(n)
}

// Recent returns up to n incidents, newest first. n <= 0 means all kept.
func (r *Reporter) Recent(n int) []provenance.FallbackEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]provenance.FallbackEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Suppressed is the number of notifications currently held back by the rate
// limit.
func (r *Reporter) Suppressed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}

// IncidentsDropped counts incidents that never reached the log because the
// writer queue was full.
func (r *Reporter) IncidentsDropped() uint64 { return r.dropped.Load() }

// IncidentWriteErrors counts failed incident log writes.
func (r *Reporter) IncidentWriteErrors() uint64 { return r.writeErrs.Load() }

// Close flushes queued incidents and closes the log.
func (r *Reporter) Close() error {
	if r.incidents == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		r.qmu.Lock()
		r.qclosed = true
		close(r.queue)
		r.qmu.Unlock()
		r.wg.Wait()
		err = r.incidents.Close()
	})
	return err
}

// ReadIncidents loads an incident log directory, newest first. limit <= 0
// returns everything.
func ReadIncidents(dir string, limit int) ([]provenance.FallbackEvent, error) {
	var all []provenance.FallbackEvent
	err := plog.Scan(dir, incidentLogPrefix, func(line []byte) error {
		var ev provenance.FallbackEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		all = append(all, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
