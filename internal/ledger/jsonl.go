package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	plog "blastguard.ai/internal/persistence/log"
)

const jsonlAPIVersion = 10

func init() {
	Register("jsonl", func(ctx context.Context, opts Options) (Backend, error) {
		l, err := OpenJSONL(opts.DataDir, opts.Logger)
		if err != nil {
			return nil, err
		}
		if opts.ReloadEvery > 0 {
			l.Watch(opts.ReloadEvery)
		}
		return l, nil
	})
}

type jsonlEntry struct {
	tick uint64
	seq  uint64
	raw  RawEntry
}

// JSONLLedger indexes the world server's compressed audit logs
// (<dataDir>/<world>/audit/audit-*.jsonl.zst) in memory.
type JSONLLedger struct {
	dataDir string
	log     *slog.Logger

	mu      sync.RWMutex
	index   map[Coord][]jsonlEntry
	loaded  time.Time
	skipped int

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func OpenJSONL(dataDir string, logger *slog.Logger) (*JSONLLedger, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		return nil, fmt.Errorf("empty data dir")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &JSONLLedger{
		dataDir: dataDir,
		log:     logger,
		index:   map[Coord][]jsonlEntry{},
		stop:    make(chan struct{}),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rebuilds the index from disk. On error the previous index stays.
func (l *JSONLLedger) Reload() error {
	worlds, err := os.ReadDir(l.dataDir)
	if err != nil {
		return err
	}
	index := map[Coord][]jsonlEntry{}
	skipped := 0
	for _, w := range worlds {
		if !w.IsDir() {
			continue
		}
		n, err := readAuditDir(filepath.Join(l.dataDir, w.Name(), "audit"), w.Name(), index)
		if err != nil {
			return fmt.Errorf("world %s: %w", w.Name(), err)
		}
		skipped += n
	}
	for c := range index {
		h := index[c]
		sort.SliceStable(h, func(i, j int) bool {
			if h[i].tick != h[j].tick {
				return h[i].tick < h[j].tick
			}
			return h[i].seq < h[j].seq
		})
	}

	l.mu.Lock()
	l.index = index
	l.loaded = time.Now()
	l.skipped = skipped
	l.mu.Unlock()
	if skipped > 0 {
		l.log.Warn("jsonl ledger skipped malformed lines", "skipped", skipped)
	}
	return nil
}

// readAuditDir adds every line of dir's audit files to index and returns the
// number of lines it could not decode. A missing dir is an empty world.
func readAuditDir(dir, world string, index map[Coord][]jsonlEntry) (int, error) {
	var seq uint64
	skipped := 0
	err := plog.Scan(dir, "audit", func(line []byte) error {
		seq++
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			return nil
		}
		raw := make(RawEntry, len(line))
		copy(raw, line)
		c := e.Coord(world)
		index[c] = append(index[c], jsonlEntry{tick: e.Tick, seq: seq, raw: raw})
		return nil
	})
	return skipped, err
}

// Watch reloads the index every interval until Close.
func (l *JSONLLedger) Watch(every time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-t.C:
				if err := l.Reload(); err != nil {
					l.log.Error("jsonl ledger reload failed", "err", err)
				}
			}
		}
	}()
}

func (l *JSONLLedger) Lookup(ctx context.Context, c Coord, radius int) ([]RawEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if radius < 0 {
		radius = 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var hits []jsonlEntry
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			for dz := -radius; dz <= radius; dz++ {
				hits = append(hits, l.index[Coord{World: c.World, X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}]...)
			}
		}
	}
	if radius > 0 {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].tick != hits[j].tick {
				return hits[i].tick < hits[j].tick
			}
			return hits[i].seq < hits[j].seq
		})
	}
	out := make([]RawEntry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.raw)
	}
	return out, nil
}

func (l *JSONLLedger) Parse(raw RawEntry) (ChangeRecord, error) { return ParseEntry(raw) }

func (l *JSONLLedger) Info(ctx context.Context) (Info, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Info{Name: "jsonl", APIVersion: jsonlAPIVersion, Enabled: !l.loaded.IsZero()}, nil
}

func (l *JSONLLedger) Close() error {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
	})
	return nil
}
