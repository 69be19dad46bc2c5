package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options configures backend discovery. Each backend reads the fields it needs.
type Options struct {
	Backend       string
	DataDir       string
	Endpoint      string
	Token         string
	Timeout       time.Duration
	ReloadEvery   time.Duration
	MinAPIVersion int
	Logger        *slog.Logger
}

// Opener builds a backend from options.
type Opener func(ctx context.Context, opts Options) (Backend, error)

var registry = struct {
	mu      sync.RWMutex
	openers map[string]Opener
}{openers: map[string]Opener{}}

// Register makes a backend discoverable by name. Registering the same name
// twice panics; registrations happen from init.
func Register(name string, open Opener) {
	name = strings.ToLower(strings.TrimSpace(name))
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.openers[name]; exists {
		panic(fmt.Sprintf("ledger backend %s already registered", name))
	}
	registry.openers[name] = open
}

// Backends lists registered backend names.
func Backends() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.openers))
	for name := range registry.openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open resolves the configured backend and checks that it is usable. A
// backend that is missing, disabled or older than MinAPIVersion is refused:
// the caller must not activate protection on top of it.
func Open(ctx context.Context, opts Options) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Backend))
	registry.mu.RLock()
	open, ok := registry.openers[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not found (have %s)", ErrIncompatible, opts.Backend, strings.Join(Backends(), ","))
	}
	if opts.MinAPIVersion <= 0 {
		opts.MinAPIVersion = MinAPIVersion
	}

	b, err := open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", name, err)
	}
	info, err := b.Info(ctx)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: probe %s: %v", ErrIncompatible, name, err)
	}
	if !info.Enabled {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s is disabled", ErrIncompatible, name)
	}
	if info.APIVersion < opts.MinAPIVersion {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s api_version=%d want>=%d", ErrIncompatible, name, info.APIVersion, opts.MinAPIVersion)
	}
	return b, nil
}
