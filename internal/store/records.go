package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"walletmesh/internal/record"
)

const (
	DefaultShards        = 32
	DefaultRetryAttempts = 3
	DefaultRetryBase     = 50 * time.Millisecond
	DefaultRetryMax      = 2 * time.Second
)

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	originReplay
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	}
	return "replay"
}

// Change is emitted for every merge that altered state.
type Change struct {
	Record  record.WalletRecord
	Outcome record.Outcome
	Origin  Origin
	// Err is a *StorageError when the change is held only in memory.
	Err error
}

type Options struct {
	Engine        Engine
	Logger        *zap.Logger
	Shards        int
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	// OnChange runs under the record's lock, so changes to one record are
	// observed in merge order. It must not block.
	OnChange func(Change)
}

type slot struct {
	mu      sync.Mutex
	rec     record.WalletRecord
	present bool
	// dropped is set once the slot has left its shard; holders must look
	// the id up again.
	dropped bool
}

type shard struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// Records is the authoritative in-memory view of all wallet records. Every
// mutation goes through the conflict resolver under a per-record lock.
type Records struct {
	engine   Engine
	log      *zap.Logger
	shards   []*shard
	attempts int
	base     time.Duration
	max      time.Duration
	onChange func(Change)

	degraded atomic.Bool
	lastErr  atomic.Pointer[StorageError]
}

func NewRecords(opts Options) *Records {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	engine := opts.Engine
	if engine == nil {
		engine = NewMemoryEngine()
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	base := opts.RetryBase
	if base <= 0 {
		base = DefaultRetryBase
	}
	max := opts.RetryMax
	if max <= 0 {
		max = DefaultRetryMax
	}
	r := &Records{
		engine:   engine,
		log:      lg.Named("store"),
		shards:   make([]*shard, n),
		attempts: attempts,
		base:     base,
		max:      max,
		onChange: opts.OnChange,
	}
	for i := range r.shards {
		r.shards[i] = &shard{slots: make(map[string]*slot)}
	}
	return r
}

// SetOnChange installs the change hook. Call before any merge.
func (r *Records) SetOnChange(fn func(Change)) {
	r.onChange = fn
}

func (r *Records) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

func (r *Records) slotFor(id string, create bool) *slot {
	sh := r.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.slots[id]
	sh.mu.RUnlock()
	if ok || !create {
		return s
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok = sh.slots[id]; ok {
		return s
	}
	s = &slot{}
	sh.slots[id] = s
	return s
}

// lockSlot returns the live slot for id with its lock held.
func (r *Records) lockSlot(id string) *slot {
	for {
		s := r.slotFor(id, true)
		s.mu.Lock()
		if !s.dropped {
			return s
		}
		s.mu.Unlock()
	}
}

// dropLocked removes an empty slot from its shard. s.mu must be held.
func (r *Records) dropLocked(id string, s *slot) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	if sh.slots[id] == s {
		delete(sh.slots, id)
	}
	sh.mu.Unlock()
	s.dropped = true
}

func (r *Records) Get(id string) (record.WalletRecord, bool) {
	s := r.slotFor(id, false)
	if s == nil {
		return record.WalletRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return record.WalletRecord{}, false
	}
	return s.rec.Clone(), true
}

// Enumerate returns a snapshot of every record, tombstones included, sorted by id.
func (r *Records) Enumerate() []record.WalletRecord {
	var slots []*slot
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.slots {
			slots = append(slots, s)
		}
		sh.mu.RUnlock()
	}
	out := make([]record.WalletRecord, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.present {
			out = append(out, s.rec.Clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Digest maps every record id to its version vector.
func (r *Records) Digest() map[string]record.VersionVector {
	recs := r.Enumerate()
	out := make(map[string]record.VersionVector, len(recs))
	for _, rec := range recs {
		out[rec.ID] = rec.Version
	}
	return out
}

func (r *Records) Len() int {
	return len(r.Enumerate())
}

// Put stores rec as a local write. It is resolved like any other merge.
func (r *Records) Put(ctx context.Context, rec record.WalletRecord) error {
	_, err := r.MergeInto(ctx, rec, OriginLocal)
	return err
}

// MergeInto resolves incoming against the current state of its record. The
// returned error is either a validation error, in which case nothing changed,
// or a *StorageError, in which case the merge is applied in memory only.
func (r *Records) MergeInto(ctx context.Context, incoming record.WalletRecord, origin Origin) (record.Outcome, error) {
	if err := incoming.Validate(); err != nil {
		return record.NoOp, err
	}
	s := r.lockSlot(incoming.ID)
	defer s.mu.Unlock()
	return r.mergeLocked(ctx, s, incoming, origin)
}

// Mutate runs fn on the current state of id under the record's lock and
// merges the result. fn receives ok=false for an unknown record. Returning
// changed=false leaves the record untouched, and an unknown id leaves no
// trace behind.
func (r *Records) Mutate(ctx context.Context, id string, fn func(cur record.WalletRecord, ok bool) (record.WalletRecord, bool, error)) (record.WalletRecord, record.Outcome, error) {
	s := r.lockSlot(id)
	defer s.mu.Unlock()
	defer func() {
		if !s.present {
			r.dropLocked(id, s)
		}
	}()
	next, changed, err := fn(s.rec.Clone(), s.present)
	if err != nil {
		return record.WalletRecord{}, record.NoOp, err
	}
	if !changed {
		return s.rec.Clone(), record.NoOp, nil
	}
	if next.ID != id {
		return record.WalletRecord{}, record.NoOp, fmt.Errorf("%w: %q != %q", record.ErrIDMismatch, next.ID, id)
	}
	if err := next.Validate(); err != nil {
		return record.WalletRecord{}, record.NoOp, err
	}
	out, err := r.mergeLocked(ctx, s, next, OriginLocal)
	return s.rec.Clone(), out, err
}

func (r *Records) mergeLocked(ctx context.Context, s *slot, incoming record.WalletRecord, origin Origin) (record.Outcome, error) {
	var (
		merged  record.WalletRecord
		outcome record.Outcome
	)
	if !s.present {
		merged, outcome = incoming.Clone(), record.Applied
	} else {
		merged, outcome = record.Merge(s.rec, incoming)
	}
	if !outcome.Changed() {
		return outcome, nil
	}
	s.rec = merged
	s.present = true
	if origin == originReplay {
		return outcome, nil
	}
	err := r.persist(ctx, merged)
	if r.onChange != nil {
		r.onChange(Change{Record: merged.Clone(), Outcome: outcome, Origin: origin, Err: err})
	}
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (r *Records) persist(ctx context.Context, rec record.WalletRecord) error {
	delay := r.base
	var err error
	attempt := 1
	for ; ; attempt++ {
		if err = r.engine.Persist(ctx, rec); err == nil {
			if r.degraded.Swap(false) {
				r.log.Info("storage recovered", zap.String("record", rec.ID))
			}
			return nil
		}
		if ctx.Err() != nil || attempt >= r.attempts {
			break
		}
		r.log.Warn("persist failed, retrying",
			zap.String("record", rec.ID), zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		if !sleepCtx(ctx, delay) {
			err = ctx.Err()
			break
		}
		delay *= 2
		if delay > r.max {
			delay = r.max
		}
	}
	serr := &StorageError{Op: "persist", RecordID: rec.ID, Attempts: attempt, Err: err}
	r.lastErr.Store(serr)
	if !r.degraded.Swap(true) {
		r.log.Error("storage degraded, serving in-memory state", zap.String("record", rec.ID), zap.Error(err))
	}
	return serr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Rehydrate loads every durable record into memory. Invalid rows are skipped.
func (r *Records) Rehydrate(ctx context.Context) (int, error) {
	recs, err := r.engine.LoadAll(ctx)
	if err != nil {
		return 0, &StorageError{Op: "load", Attempts: 1, Err: err}
	}
	n := 0
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			r.log.Warn("skipping invalid stored record", zap.String("record", rec.ID), zap.Error(err))
			continue
		}
		s := r.lockSlot(rec.ID)
		_, _ = r.mergeLocked(ctx, s, rec, originReplay)
		s.mu.Unlock()
		n++
	}
	return n, nil
}

// Degraded reports whether the last persist attempt failed.
func (r *Records) Degraded() bool {
	return r.degraded.Load()
}

func (r *Records) LastError() *StorageError {
	return r.lastErr.Load()
}

func (r *Records) Close() error {
	return r.engine.Close()
}
