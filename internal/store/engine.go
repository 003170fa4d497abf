package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"walletmesh/internal/record"
)

// Engine is the durable storage capability behind Records.
type Engine interface {
	LoadAll(ctx context.Context) ([]record.WalletRecord, error)
	Persist(ctx context.Context, rec record.WalletRecord) error
	Close() error
}

const (
	EngineMemory = "memory"
	EngineJSONL  = "jsonl"
	EngineSQLite = "sqlite"
)

// OpenEngine builds the engine named by kind rooted at path.
func OpenEngine(kind, path string) (Engine, error) {
	switch kind {
	case EngineMemory, "":
		return NewMemoryEngine(), nil
	case EngineJSONL:
		return OpenJSONLEngine(path)
	case EngineSQLite:
		return OpenSQLiteEngine(path)
	}
	return nil, fmt.Errorf("unknown storage engine %q", kind)
}

type MemoryEngine struct {
	mu     sync.Mutex
	recs   map[string]record.WalletRecord
	closed bool
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{recs: make(map[string]record.WalletRecord)}
}

func (e *MemoryEngine) LoadAll(ctx context.Context) ([]record.WalletRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	out := make([]record.WalletRecord, 0, len(e.recs))
	for _, r := range e.recs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e *MemoryEngine) Persist(ctx context.Context, rec record.WalletRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.recs[rec.ID] = rec.Clone()
	return nil
}

func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// JSONLEngine appends every persisted state to a log and keeps the last line
// per record on load. The log is compacted when it grows past twice the
// number of live records.
type JSONLEngine struct {
	mu     sync.Mutex
	path   string
	lines  int
	closed bool
}

func OpenJSONLEngine(path string) (*JSONLEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &JSONLEngine{path: path}, nil
}

func (e *JSONLEngine) LoadAll(ctx context.Context) ([]record.WalletRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	latest := make(map[string]record.WalletRecord)
	lines := 0
	err := ScanJSONL(e.path, func(r record.WalletRecord) {
		lines++
		latest[r.ID] = r
	})
	if err != nil {
		return nil, err
	}
	out := make([]record.WalletRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	e.lines = lines
	if lines > 2*len(out) && len(out) > 0 {
		if err := RewriteJSONL(e.path, out); err != nil {
			return nil, err
		}
		e.lines = len(out)
	}
	return out, nil
}

func (e *JSONLEngine) Persist(ctx context.Context, rec record.WalletRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := AppendJSONL(e.path, rec); err != nil {
		return err
	}
	e.lines++
	return nil
}

func (e *JSONLEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
