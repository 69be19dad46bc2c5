// Package guard assembles the process-lifetime pieces (ledger backend, verdict
// cache, counters, telemetry, filter and command surface) into one service.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"blastguard.ai/internal/admin"
	"blastguard.ai/internal/catalogs"
	"blastguard.ai/internal/config"
	"blastguard.ai/internal/explosion"
	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/provenance"
	"blastguard.ai/internal/telemetry"
)

type Service struct {
	cfg     config.Config
	log     *slog.Logger
	started time.Time

	backend  ledger.Backend
	catalog  *catalogs.MaterialCatalog
	stats    *provenance.Stats
	cache    *provenance.Cache
	engine   *provenance.Engine
	filter   *explosion.Filter
	hub      *telemetry.Hub
	reporter *telemetry.Reporter
	metrics  *telemetry.Metrics
	admin    *admin.Dispatcher

	hostSessions func() int64
}

// Open resolves the configured ledger backend and builds the service. A
// missing or incompatible ledger is fatal: protection never activates on top
// of it.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := cfg.LedgerOptions()
	opts.Logger = logger.With("component", "ledger")
	backend, err := ledger.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	info, _ := backend.Info(ctx)
	logger.Info("ledger ready", "backend", info.Name, "api_version", info.APIVersion)
	return New(cfg, backend, logger), nil
}

// New builds the service on an already opened backend. The service owns the
// backend from here on.
func New(cfg config.Config, backend ledger.Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		cfg:     cfg,
		log:     logger,
		started: time.Now(),
		backend: backend,
		stats:   &provenance.Stats{},
		cache:   provenance.NewCache(cfg.CacheConfig()),
		hub:     telemetry.NewHub(),
	}

	if cfg.Policy.Catalog != "" {
		cat, err := catalogs.Load(cfg.Policy.Catalog)
		if err != nil {
			logger.Warn("material catalog unavailable; using configured lists only", "path", cfg.Policy.Catalog, "err", err)
		} else {
			s.catalog = cat
			logger.Info("material catalog loaded", "materials", len(cat.Palette), "digest", cat.DefsDigest[:12])
		}
	}

	s.reporter = telemetry.NewReporter(telemetry.ReporterConfig{
		IncidentDir: cfg.Notify.IncidentDir,
		Recent:      cfg.Notify.Recent,
		RatePerSec:  cfg.Notify.RatePerSec,
		Burst:       cfg.Notify.Burst,
		Logger:      logger.With("component", "fallback"),
		Hub:         s.hub,
	})
	s.metrics = telemetry.NewMetrics(s.stats, s.cache, s.hub, s.Enabled)
	s.engine = provenance.NewEngine(backend, s.cache, s.stats, provenance.EngineConfig{
		Timeout:       cfg.Ledger.Timeout,
		Marker:        cfg.Ledger.SystemMarker,
		Reporter:      s.reporter,
		Logger:        logger.With("component", "engine"),
		ObserveLookup: s.metrics.ObserveLookup,
	})
	s.filter = explosion.NewFilter(s.engine, s.policy(), logger.With("component", "filter"))
	s.filter.SetEnabled(cfg.Enabled)
	s.admin = admin.NewDispatcher(s, admin.Options{Permission: cfg.AdminPermission, Locale: cfg.Locale})
	return s
}

func (s *Service) policy() explosion.Policy {
	explosive := append([]string(nil), s.cfg.Policy.Explosive...)
	special := append([]string(nil), s.cfg.Policy.AlwaysProtected...)
	if s.catalog != nil {
		explosive = append(explosive, s.catalog.Explosive()...)
		special = append(special, s.catalog.Special()...)
	}
	return explosion.NewPolicy(explosive, special, s.cfg.Policy.ProtectSpecial)
}

// Filter removes protected blocks from ev and returns them.
func (s *Service) Filter(ctx context.Context, ev *explosion.Event) []explosion.Block {
	return s.filter.Protect(ctx, ev)
}

// Command runs an operator command for sender.
func (s *Service) Command(ctx context.Context, sender admin.Sender, args []string) admin.Reply {
	reply := s.admin.Execute(ctx, sender, args)
	if errors.Is(reply.Err, admin.ErrPermissionDenied) {
		s.log.Warn("command rejected", "sender", sender.Name, "args", args)
	}
	return reply
}

func (s *Service) Hub() *telemetry.Hub         { return s.hub }
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }
func (s *Service) Policy() explosion.Policy    { return s.filter.Policy() }

// State is the operator status document.
type State struct {
	Enabled     bool                     `json:"enabled"`
	UptimeSec   int64                    `json:"uptime_sec"`
	Ledger      ledger.Info              `json:"ledger"`
	Stats       provenance.StatsSnapshot `json:"stats"`
	Cache       provenance.CacheStatus   `json:"cache"`
	Subscribers int                      `json:"notify_subscribers"`
	Hosts       int64                    `json:"host_sessions"`
	Catalog     string                   `json:"catalog_digest,omitempty"`
}

func (s *Service) State(ctx context.Context) State {
	info, err := s.backend.Info(ctx)
	if err != nil {
		info = ledger.Info{Name: fmt.Sprintf("error: %v", err)}
	}
	st := State{
		Enabled:     s.Enabled(),
		UptimeSec:   int64(time.Since(s.started).Seconds()),
		Ledger:      info,
		Stats:       s.stats.Snapshot(),
		Cache:       s.cache.Status(),
		Subscribers: s.hub.Subscribers(),
	}
	if s.hostSessions != nil {
		st.Hosts = s.hostSessions()
	}
	if s.catalog != nil {
		st.Catalog = s.catalog.DefsDigest
	}
	return st
}

// TrackHostSessions reports the connected host count in State and on
// /metrics. Call it once, before serving.
func (s *Service) TrackHostSessions(count func() int64) {
	s.hostSessions = count
	s.metrics.TrackHostSessions(count)
}

func (s *Service) Close() error {
	err := s.reporter.Close()
	if cerr := s.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

// admin.Controls

func (s *Service) Enabled() bool { return s.filter != nil && s.filter.Enabled() }

func (s *Service) SetEnabled(on bool) {
	s.filter.SetEnabled(on)
	s.log.Info("explosion protection toggled", "enabled", on)
}

func (s *Service) Stats() provenance.StatsSnapshot     { return s.stats.Snapshot() }
func (s *Service) ResetStats()                         { s.stats.Reset() }
func (s *Service) CacheStatus() provenance.CacheStatus { return s.cache.Status() }
func (s *Service) ClearCache()                         { s.cache.Clear() }

func (s *Service) RecentFallbacks(n int) []provenance.FallbackEvent {
	return s.reporter.Recent(n)
}

func (s *Service) Explain(ctx context.Context, c ledger.Coord) (provenance.Explanation, error) {
	return s.engine.Explain(ctx, c)
}

func (s *Service) MaterialName(id uint16) string {
	if s.catalog == nil {
		return fmt.Sprintf("#%d", id)
	}
	return s.catalog.Name(id)
}
