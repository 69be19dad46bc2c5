// Package config loads blastguard.yaml. Problems never stop startup: any
// field that cannot be read or fails validation keeps its default, and the
// problem is returned as a warning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/provenance"
	"blastguard.ai/internal/telemetry"
)

const DefaultAdminPermission = "explosionprotector.admin"

type Config struct {
	Locale          string `yaml:"locale"`
	Enabled         bool   `yaml:"enabled"`
	AdminPermission string `yaml:"admin_permission"`

	Cache  CacheConfig  `yaml:"cache"`
	Host   HostConfig   `yaml:"host"`
	Ledger LedgerConfig `yaml:"ledger"`
	Policy PolicyConfig `yaml:"policy"`
	Notify NotifyConfig `yaml:"notify"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Shards     int           `yaml:"shards"`
}

// HostConfig guards the /v1/ws host connection. With an empty token only
// loopback hosts may connect.
type HostConfig struct {
	Token string `yaml:"token"`
}

type LedgerConfig struct {
	Backend       string        `yaml:"backend"`
	DataDir       string        `yaml:"data_dir"`
	Endpoint      string        `yaml:"endpoint"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	MinAPIVersion int           `yaml:"min_api_version"`
	ReloadEvery   time.Duration `yaml:"reload_every"`
	// SystemMarker prefixes actors that are automation, not players.
	SystemMarker string `yaml:"system_marker"`
}

type PolicyConfig struct {
	// Catalog is a material catalog (blocks.json). Its explosive and special
	// flags are merged with the lists below.
	Catalog         string   `yaml:"catalog"`
	Explosive       []string `yaml:"explosive"`
	AlwaysProtected []string `yaml:"always_protected"`
	ProtectSpecial  bool     `yaml:"protect_special"`
}

type NotifyConfig struct {
	RatePerSec  float64 `yaml:"rate_per_sec"`
	Burst       int     `yaml:"burst"`
	IncidentDir string  `yaml:"incident_dir"`
	Recent      int     `yaml:"recent"`
}

// Warning is a configuration problem that was resolved by a default.
type Warning struct {
	Field string
	Msg   string
}

func (w Warning) String() string {
	if w.Field == "" {
		return w.Msg
	}
	return w.Field + ": " + w.Msg
}

func Defaults() Config {
	return Config{
		Locale:          "en",
		Enabled:         true,
		AdminPermission: DefaultAdminPermission,
		Cache: CacheConfig{
			TTL:        provenance.DefaultCacheTTL,
			MaxEntries: provenance.DefaultCacheMaxEntries,
			Shards:     provenance.DefaultCacheShards,
		},
		Ledger: LedgerConfig{
			Backend:       "sqlite",
			DataDir:       "./data/worlds",
			Timeout:       provenance.DefaultLedgerTimeout,
			MinAPIVersion: ledger.MinAPIVersion,
			ReloadEvery:   30 * time.Second,
			SystemMarker:  ledger.SystemActorMarker,
		},
		Policy: PolicyConfig{
			Catalog:         "./configs/blocks.json",
			Explosive:       []string{"TNT"},
			AlwaysProtected: []string{"RESPAWN_ANCHOR", "BED"},
		},
		Notify: NotifyConfig{
			RatePerSec: telemetry.DefaultRatePerSec,
			Burst:      telemetry.DefaultBurst,
			Recent:     telemetry.DefaultRecent,
		},
	}
}

// Load reads path, applies environment overrides and validates. An empty
// path means defaults plus environment.
func Load(path string) (Config, []Warning) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (Config, []Warning) {
	cfg := Defaults()
	var warns []Warning

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			warns = append(warns, Warning{Msg: fmt.Sprintf("read %s: %v; using defaults", path, err)})
		} else {
			warns = append(warns, decode(b, &cfg)...)
		}
	}
	warns = append(warns, applyEnv(&cfg, environ)...)
	cfg.Normalize()
	warns = append(warns, cfg.Validate()...)
	return cfg, warns
}

// decode unmarshals over cfg. yaml.v3 keeps going past type errors, so a
// field with a bad value simply keeps its default.
func decode(b []byte, cfg *Config) []Warning {
	snapshot := *cfg
	err := yaml.Unmarshal(b, cfg)
	if err == nil {
		return nil
	}
	var te *yaml.TypeError
	if errors.As(err, &te) {
		warns := make([]Warning, 0, len(te.Errors))
		for _, msg := range te.Errors {
			warns = append(warns, Warning{Msg: msg + "; keeping default"})
		}
		return warns
	}
	*cfg = snapshot
	return []Warning{{Msg: fmt.Sprintf("blastguard.yaml: %v; using defaults", err)}}
}

type envOverrides struct {
	LedgerBackend  *string `env:"BG_LEDGER_BACKEND"`
	LedgerDataDir  *string `env:"BG_LEDGER_DATA_DIR"`
	LedgerEndpoint *string `env:"BG_LEDGER_ENDPOINT"`
	LedgerToken    *string `env:"BG_LEDGER_TOKEN"`
	HostToken      *string `env:"BG_HOST_TOKEN"`
	Locale         *string `env:"BG_LOCALE"`
	Enabled        *bool   `env:"BG_ENABLED"`
}

func applyEnv(cfg *Config, environ map[string]string) []Warning {
	var o envOverrides
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return []Warning{{Field: "env", Msg: fmt.Sprintf("%v; ignoring environment overrides", err)}}
	}
	if o.LedgerBackend != nil {
		cfg.Ledger.Backend = *o.LedgerBackend
	}
	if o.LedgerDataDir != nil {
		cfg.Ledger.DataDir = *o.LedgerDataDir
	}
	if o.LedgerEndpoint != nil {
		cfg.Ledger.Endpoint = *o.LedgerEndpoint
	}
	if o.LedgerToken != nil {
		cfg.Ledger.Token = *o.LedgerToken
	}
	if o.HostToken != nil {
		cfg.Host.Token = *o.HostToken
	}
	if o.Locale != nil {
		cfg.Locale = *o.Locale
	}
	if o.Enabled != nil {
		cfg.Enabled = *o.Enabled
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Locale = strings.ToLower(strings.TrimSpace(c.Locale))
	c.AdminPermission = strings.TrimSpace(c.AdminPermission)
	c.Host.Token = strings.TrimSpace(c.Host.Token)
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	c.Ledger.DataDir = strings.TrimSpace(c.Ledger.DataDir)
	c.Ledger.Endpoint = strings.TrimSpace(c.Ledger.Endpoint)
	c.Ledger.SystemMarker = strings.TrimSpace(c.Ledger.SystemMarker)
	c.Policy.Explosive = normList(c.Policy.Explosive)
	c.Policy.AlwaysProtected = normList(c.Policy.AlwaysProtected)
}

func normList(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Validate resets every invalid field to its default and reports it.
func (c *Config) Validate() []Warning {
	d := Defaults()
	var warns []Warning
	reset := func(field string, got any, fix func()) {
		fix()
		warns = append(warns, Warning{Field: field, Msg: fmt.Sprintf("invalid value %v; using default", got)})
	}

	if c.Locale == "" {
		reset("locale", `""`, func() { c.Locale = d.Locale })
	}
	if c.AdminPermission == "" {
		reset("admin_permission", `""`, func() { c.AdminPermission = d.AdminPermission })
	}
	if c.Cache.TTL <= 0 {
		reset("cache.ttl", c.Cache.TTL, func() { c.Cache.TTL = d.Cache.TTL })
	}
	if c.Cache.MaxEntries <= 0 {
		reset("cache.max_entries", c.Cache.MaxEntries, func() { c.Cache.MaxEntries = d.Cache.MaxEntries })
	}
	if c.Cache.Shards <= 0 || c.Cache.Shards > c.Cache.MaxEntries {
		reset("cache.shards", c.Cache.Shards, func() { c.Cache.Shards = min(d.Cache.Shards, c.Cache.MaxEntries) })
	}
	if c.Ledger.Backend == "" {
		reset("ledger.backend", `""`, func() { c.Ledger.Backend = d.Ledger.Backend })
	}
	if c.Ledger.Timeout <= 0 || c.Ledger.Timeout > 5*time.Second {
		reset("ledger.timeout", c.Ledger.Timeout, func() { c.Ledger.Timeout = d.Ledger.Timeout })
	}
	if c.Ledger.MinAPIVersion < ledger.MinAPIVersion {
		reset("ledger.min_api_version", c.Ledger.MinAPIVersion, func() { c.Ledger.MinAPIVersion = d.Ledger.MinAPIVersion })
	}
	if c.Ledger.SystemMarker == "" {
		reset("ledger.system_marker", `""`, func() { c.Ledger.SystemMarker = d.Ledger.SystemMarker })
	}
	if c.Ledger.ReloadEvery < 0 {
		reset("ledger.reload_every", c.Ledger.ReloadEvery, func() { c.Ledger.ReloadEvery = d.Ledger.ReloadEvery })
	}
	if c.Notify.RatePerSec <= 0 {
		reset("notify.rate_per_sec", c.Notify.RatePerSec, func() { c.Notify.RatePerSec = d.Notify.RatePerSec })
	}
	if c.Notify.Burst <= 0 {
		reset("notify.burst", c.Notify.Burst, func() { c.Notify.Burst = d.Notify.Burst })
	}
	if c.Notify.Recent <= 0 {
		reset("notify.recent", c.Notify.Recent, func() { c.Notify.Recent = d.Notify.Recent })
	}
	return warns
}

func (c Config) CacheConfig() provenance.CacheConfig {
	return provenance.CacheConfig{TTL: c.Cache.TTL, MaxEntries: c.Cache.MaxEntries, Shards: c.Cache.Shards}
}

func (c Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		Backend:       c.Ledger.Backend,
		DataDir:       c.Ledger.DataDir,
		Endpoint:      c.Ledger.Endpoint,
		Token:         c.Ledger.Token,
		Timeout:       c.Ledger.Timeout,
		ReloadEvery:   c.Ledger.ReloadEvery,
		MinAPIVersion: c.Ledger.MinAPIVersion,
	}
}
