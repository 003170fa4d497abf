package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletmesh/internal/record"
)

const addrA = "0x52908400098527886E0F7030069857D2E4169EE7"

func newWallet(t *testing.T, self string, mut func(*record.Wallet)) record.WalletRecord {
	t.Helper()
	base, err := record.Empty(record.Wallet{Chain: record.ChainEthereum, Address: addrA})
	require.NoError(t, err)
	return editAs(t, base, self, mut)
}

func editAs(t *testing.T, cur record.WalletRecord, self string, mut func(*record.Wallet)) record.WalletRecord {
	t.Helper()
	w := cur.Wallet()
	mut(&w)
	next, changed := record.Edit(cur, w, self)
	require.True(t, changed)
	return next
}

type flakyEngine struct {
	*MemoryEngine
	failing atomic.Bool
	calls   atomic.Int64
}

func (f *flakyEngine) Persist(ctx context.Context, rec record.WalletRecord) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return errors.New("disk unavailable")
	}
	return f.MemoryEngine.Persist(ctx, rec)
}

func TestMergeIntoOutcomes(t *testing.T) {
	ctx := context.Background()
	var changes []Change
	recs := NewRecords(Options{OnChange: func(c Change) { changes = append(changes, c) }})

	v1 := newWallet(t, "p1", func(w *record.Wallet) { w.Label = "main" })
	out, err := recs.MergeInto(ctx, v1, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, record.Applied, out)

	out, err = recs.MergeInto(ctx, v1, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, record.NoOp, out)

	v2 := editAs(t, v1, "p1", func(w *record.Wallet) { w.Balance = "5" })
	out, err = recs.MergeInto(ctx, v2, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, record.Applied, out)

	out, err = recs.MergeInto(ctx, v1, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, record.NoOp, out, "stale version must not regress")

	other := newWallet(t, "p2", func(w *record.Wallet) { w.Label = "savings" })
	out, err = recs.MergeInto(ctx, other, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, record.Conflict, out)

	got, ok := recs.Get(v1.ID)
	require.True(t, ok)
	assert.Equal(t, "5", got.Balance.Value)
	assert.Equal(t, record.VersionVector{"p1": 2, "p2": 1}, got.Version)
	require.Len(t, changes, 3)
	assert.Equal(t, OriginRemote, changes[0].Origin)
}

func TestMergeIntoRejectsInvalid(t *testing.T) {
	recs := NewRecords(Options{})
	bad := newWallet(t, "p1", func(w *record.Wallet) { w.Label = "x" })
	bad.ID = "ethereum:0xdeadbeef"
	_, err := recs.MergeInto(context.Background(), bad, OriginRemote)
	require.Error(t, err)
	assert.Equal(t, 0, recs.Len())
}

func TestMutateSerializesWithRemoteMerges(t *testing.T) {
	ctx := context.Background()
	recs := NewRecords(Options{Shards: 4})
	seed := newWallet(t, "p1", func(w *record.Wallet) { w.Label = "main" })
	_, err := recs.MergeInto(ctx, seed, OriginLocal)
	require.NoError(t, err)

	const n = 50
	remote := make([]record.WalletRecord, n)
	cur := seed
	for i := range remote {
		cur = editAs(t, cur, "p2", func(w *record.Wallet) { w.BlockHeight = uint64(i + 1) })
		remote[i] = cur
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := recs.Mutate(ctx, seed.ID, func(cur record.WalletRecord, ok bool) (record.WalletRecord, bool, error) {
				w := cur.Wallet()
				w.Nonce++
				next, changed := record.Edit(cur, w, "p1")
				return next, changed, nil
			})
			assert.NoError(t, err)
		}()
		go func(r record.WalletRecord) {
			defer wg.Done()
			_, err := recs.MergeInto(ctx, r, OriginRemote)
			assert.NoError(t, err)
		}(remote[i])
	}
	wg.Wait()

	got, ok := recs.Get(seed.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(n+1), got.Version["p1"], "no local increment may be lost")
	assert.Equal(t, uint64(n), got.Version["p2"])
	assert.Equal(t, uint64(n), got.Nonce.Value)
	assert.Equal(t, uint64(n), got.BlockHeight.Value)
}

func slotCount(r *Records) int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.slots)
		sh.mu.RUnlock()
	}
	return n
}

func TestMutateOnUnknownIDLeavesNoSlot(t *testing.T) {
	ctx := context.Background()
	recs := NewRecords(Options{Shards: 4})
	missing := errors.New("missing")
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("ethereum:0x%040x", i)
		_, out, err := recs.Mutate(ctx, id, func(_ record.WalletRecord, ok bool) (record.WalletRecord, bool, error) {
			require.False(t, ok)
			if i%2 == 0 {
				return record.WalletRecord{}, false, missing
			}
			return record.WalletRecord{}, false, nil
		})
		assert.Equal(t, record.NoOp, out)
		if i%2 == 0 {
			require.ErrorIs(t, err, missing)
		}
	}
	assert.Zero(t, slotCount(recs))
	assert.Zero(t, recs.Len())
}

func TestDroppedSlotDoesNotLoseConcurrentMerge(t *testing.T) {
	ctx := context.Background()
	recs := NewRecords(Options{Shards: 1})
	rec := newWallet(t, "p1", func(w *record.Wallet) { w.Label = "main" })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = recs.Mutate(ctx, rec.ID, func(record.WalletRecord, bool) (record.WalletRecord, bool, error) {
				return record.WalletRecord{}, false, nil
			})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := recs.MergeInto(ctx, rec, OriginRemote)
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, ok := recs.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "main", got.Label.Value)
	assert.Equal(t, 1, slotCount(recs))
}

func TestStorageFailureDegradesButKeepsMemory(t *testing.T) {
	ctx := context.Background()
	eng := &flakyEngine{MemoryEngine: NewMemoryEngine()}
	eng.failing.Store(true)
	var changes []Change
	recs := NewRecords(Options{
		Engine:        eng,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
		OnChange:      func(c Change) { changes = append(changes, c) },
	})

	v1 := newWallet(t, "p1", func(w *record.Wallet) { w.Label = "main" })
	out, err := recs.MergeInto(ctx, v1, OriginLocal)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 3, serr.Attempts)
	assert.Equal(t, record.Applied, out)
	assert.EqualValues(t, 3, eng.calls.Load())
	assert.True(t, recs.Degraded())

	_, ok := recs.Get(v1.ID)
	assert.True(t, ok, "in-memory state must remain available")
	require.Len(t, changes, 1)
	assert.Error(t, changes[0].Err)

	eng.failing.Store(false)
	v2 := editAs(t, v1, "p1", func(w *record.Wallet) { w.Label = "cold" })
	_, err = recs.MergeInto(ctx, v2, OriginLocal)
	require.NoError(t, err)
	assert.False(t, recs.Degraded())
}

func TestEnginesRehydrate(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		open func() (Engine, error)
	}{
		{"jsonl", func() (Engine, error) { return OpenEngine(EngineJSONL, filepath.Join(dir, "wallets.jsonl")) }},
		{"sqlite", func() (Engine, error) { return OpenEngine(EngineSQLite, filepath.Join(dir, "wallets.db")) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			eng, err := tc.open()
			require.NoError(t, err)
			recs := NewRecords(Options{Engine: eng})
			v1 := newWallet(t, "p1", func(w *record.Wallet) { w.Label = "main" })
			v2 := editAs(t, v1, "p1", func(w *record.Wallet) { w.Deleted = true })
			_, err = recs.MergeInto(ctx, v1, OriginLocal)
			require.NoError(t, err)
			_, err = recs.MergeInto(ctx, v2, OriginLocal)
			require.NoError(t, err)
			require.NoError(t, recs.Close())

			eng2, err := tc.open()
			require.NoError(t, err)
			defer eng2.Close()
			fresh := NewRecords(Options{Engine: eng2})
			n, err := fresh.Rehydrate(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			got, ok := fresh.Get(v1.ID)
			require.True(t, ok)
			assert.True(t, got.Tombstoned())
			assert.True(t, got.Equal(v2))
		})
	}
}

func TestJSONLEngineCompacts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wallets.jsonl")
	eng, err := OpenJSONLEngine(path)
	require.NoError(t, err)
	cur := newWallet(t, "p1", func(w *record.Wallet) { w.Label = "a" })
	for i := 0; i < 5; i++ {
		cur = editAs(t, cur, "p1", func(w *record.Wallet) { w.Nonce = uint64(i + 1) })
		require.NoError(t, eng.Persist(ctx, cur))
	}
	recs, err := eng.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	lines := 0
	require.NoError(t, ScanJSONL(path, func(record.WalletRecord) { lines++ }))
	assert.Equal(t, 1, lines)
}
