package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"walletmesh/internal/gossip"
	"walletmesh/internal/metrics"
	"walletmesh/internal/record"
	"walletmesh/internal/store"
)

const DefaultInterval = 5 * time.Second

type Options struct {
	Records *store.Records
	Gossip  *gossip.Engine
	// Self is the local node id written into version vectors.
	Self     string
	Interval time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Health is a point-in-time view of the node's sync state.
type Health struct {
	Degraded       bool
	StorageError   string
	Wallets        int
	Peers          int
	ConnectedPeers int
	PendingRumors  int
	Rounds         uint64
	LastRound      time.Time
	LastRoundStats gossip.RoundStats
}

// Coordinator is the public API of a node: local writes, reads, change
// subscriptions and the periodic gossip round loop.
type Coordinator struct {
	records  *store.Records
	gossip   *gossip.Engine
	self     string
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	runMu     sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	rounds    uint64
	lastRound time.Time
	lastStats gossip.RoundStats
}

func New(opts Options) (*Coordinator, error) {
	if opts.Records == nil || opts.Gossip == nil || opts.Self == "" {
		return nil, errors.New("coordinator: records, gossip and self are required")
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Coordinator{
		records:  opts.Records,
		gossip:   opts.Gossip,
		self:     opts.Self,
		interval: interval,
		log:      lg.Named("coordinator"),
		metrics:  m,
		now:      now,
		subs:     make(map[*Subscription]struct{}),
	}
	c.records.SetOnChange(c.publish)
	return c, nil
}

// UpdateWallet writes w as a local edit. The edit is serialized with remote
// merges of the same record and queued for gossip. Writing a deleted wallet
// with Deleted unset resurrects it.
func (c *Coordinator) UpdateWallet(ctx context.Context, w record.Wallet) error {
	id, err := record.RecordID(w.Chain, w.Address)
	if err != nil {
		return &SyncError{Op: "update", Err: err}
	}
	_, out, err := c.records.Mutate(ctx, id, func(cur record.WalletRecord, ok bool) (record.WalletRecord, bool, error) {
		if !ok {
			empty, err := record.Empty(w)
			if err != nil {
				return record.WalletRecord{}, false, err
			}
			cur = empty
		}
		next, changed := record.Edit(cur, w, c.self)
		return next, changed, nil
	})
	return c.finish("update", id, out, err)
}

// DeleteWallet tombstones the record with id.
func (c *Coordinator) DeleteWallet(ctx context.Context, id string) error {
	_, out, err := c.records.Mutate(ctx, id, func(cur record.WalletRecord, ok bool) (record.WalletRecord, bool, error) {
		if !ok || cur.Tombstoned() {
			return record.WalletRecord{}, false, ErrNotFound
		}
		desired := cur.Wallet()
		desired.Deleted = true
		next, changed := record.Edit(cur, desired, c.self)
		return next, changed, nil
	})
	return c.finish("delete", id, out, err)
}

// RefreshChainState records an on-chain read of balance and nonce taken at
// height. Only those three fields are stamped; the rest of the record is
// left to whoever owns it. Unknown and deleted wallets are skipped, as are
// reads that match what is already stored. It reports whether a write
// happened.
func (c *Coordinator) RefreshChainState(ctx context.Context, id, balance string, nonce, height uint64) (bool, error) {
	_, out, err := c.records.Mutate(ctx, id, func(cur record.WalletRecord, ok bool) (record.WalletRecord, bool, error) {
		if !ok || cur.Tombstoned() {
			return record.WalletRecord{}, false, nil
		}
		if cur.Balance.Value == balance && cur.Nonce.Value == nonce {
			return record.WalletRecord{}, false, nil
		}
		desired := cur.Wallet()
		desired.Balance = balance
		desired.Nonce = nonce
		desired.BlockHeight = height
		next, changed := record.Edit(cur, desired, c.self)
		return next, changed, nil
	})
	return out.Changed(), c.finish("refresh", id, out, err)
}

func (c *Coordinator) finish(op, id string, out record.Outcome, err error) error {
	if out.Changed() {
		c.gossip.MarkDirty(id)
	}
	if err == nil {
		return nil
	}
	var se *store.StorageError
	if errors.As(err, &se) {
		c.metrics.IncStorageFailure()
		c.log.Warn("local write held in memory", zap.String("record", id), zap.Error(err))
		return &SyncError{Op: op, RecordID: id, Degraded: true, Err: err}
	}
	return &SyncError{Op: op, RecordID: id, Err: err}
}

// Get returns the record with id, tombstones included.
func (c *Coordinator) Get(id string) (record.WalletRecord, bool) {
	return c.records.Get(id)
}

// List returns the live wallets sorted by id.
func (c *Coordinator) List() []record.WalletRecord {
	all := c.records.Enumerate()
	out := all[:0]
	for _, rec := range all {
		if !rec.Tombstoned() {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshot returns every record including tombstones.
func (c *Coordinator) Snapshot() []record.WalletRecord {
	return c.records.Enumerate()
}

// Subscribe starts a new change stream. Each call gets an independent
// stream beginning at the time of the call.
func (c *Coordinator) Subscribe() *Subscription {
	s := newSubscription(c)
	c.subMu.Lock()
	c.subs[s] = struct{}{}
	c.subMu.Unlock()
	return s
}

func (c *Coordinator) unsubscribe(s *Subscription) {
	c.subMu.Lock()
	delete(c.subs, s)
	c.subMu.Unlock()
}

func (c *Coordinator) publish(ch store.Change) {
	ev := Event{
		Record:   ch.Record,
		Origin:   ch.Origin,
		Outcome:  ch.Outcome,
		Degraded: ch.Err != nil,
	}
	if ch.Origin == store.OriginLocal {
		c.metrics.IncMerge(ch.Outcome.String())
		c.metrics.Recent().Add(metrics.MergeHeader{
			RecordID: ch.Record.ID,
			Outcome:  ch.Outcome.String(),
			Origin:   ch.Origin.String(),
			Clock:    ch.Record.Clock(),
			At:       c.now().UTC(),
		})
	}
	c.subMu.RLock()
	for s := range c.subs {
		s.push(ev)
	}
	c.subMu.RUnlock()
}

// Sync runs one gossip round now.
func (c *Coordinator) Sync(ctx context.Context) gossip.RoundStats {
	stats := c.gossip.Round(ctx)
	c.metrics.SetWallets(len(c.List()))
	c.runMu.Lock()
	c.rounds++
	c.lastRound = c.now()
	c.lastStats = stats
	c.runMu.Unlock()
	if stats.Failed > 0 {
		c.log.Debug("round finished with failures", zap.Int("ok", stats.OK), zap.Int("failed", stats.Failed))
	}
	return stats
}

// Start serves inbound gossip and runs rounds every interval until Stop or
// ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.gossip.Serve(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("gossip serve stopped", zap.Error(err))
		}
	}()
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sync(ctx)
			}
		}
	}()
	c.log.Info("sync started", zap.Duration("interval", c.interval))
	return nil
}

// Stop cancels the round loop and waits for it. Open subscriptions stay
// usable for reads of already queued events.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.log.Info("sync stopped")
}

func (c *Coordinator) Health() Health {
	h := Health{
		Degraded:      c.records.Degraded(),
		Wallets:       len(c.List()),
		PendingRumors: c.gossip.PendingRumors(),
	}
	if se := c.records.LastError(); se != nil && h.Degraded {
		h.StorageError = se.Error()
	}
	for _, p := range c.gossip.Peers() {
		h.Peers++
		if p.Connected {
			h.ConnectedPeers++
		}
	}
	c.runMu.Lock()
	h.Rounds = c.rounds
	h.LastRound = c.lastRound
	h.LastRoundStats = c.lastStats
	c.runMu.Unlock()
	return h
}
