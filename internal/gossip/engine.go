package gossip

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"walletmesh/internal/admission"
	"walletmesh/internal/identity"
	"walletmesh/internal/logx"
	"walletmesh/internal/metrics"
	"walletmesh/internal/network"
	"walletmesh/internal/proto"
	"walletmesh/internal/record"
	"walletmesh/internal/store"
)

const (
	DefaultFanout          = 3
	DefaultMaxPeers        = 64
	DefaultExchangeTimeout = 5 * time.Second
	DefaultMaxSkew         = 2 * time.Minute
	DefaultMaxAge          = 10 * time.Minute
	DefaultPushChunk       = 256
	dropLogInterval        = 10 * time.Second
)

// Members answers whether a node belongs to the sync group.
type Members interface {
	Has(id identity.NodeID) bool
}

type Options struct {
	Identity  *identity.Module
	Records   *store.Records
	Transport network.Transport
	Members   Members
	// Admission limits verified node ids. HostAdmission limits remote hosts
	// before signature checks; zero derives a looser copy of Admission.
	Admission       admission.Config
	HostAdmission   admission.Config
	Fanout          int
	MaxPeers        int
	ExchangeTimeout time.Duration
	MaxSkew         time.Duration
	MaxAge          time.Duration
	CompressAbove   int
	PushChunk       int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
	Rand            *rand.Rand
}

// RoundStats summarizes one anti-entropy round.
type RoundStats struct {
	Peers  int
	OK     int
	Failed int
	Rumors int
}

// Engine runs push-pull anti-entropy over a Transport and admits inbound
// messages into the record store.
type Engine struct {
	ident     *identity.Module
	records   *store.Records
	transport network.Transport
	members   Members
	state     *State
	log       *zap.Logger
	drops     *logx.Limiter
	metrics   *metrics.Metrics
	now       func() time.Time

	fanout        int
	timeout       time.Duration
	maxSkew       time.Duration
	maxAge        time.Duration
	compressAbove int
	pushChunk     int

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Identity == nil || opts.Records == nil || opts.Transport == nil || opts.Members == nil {
		return nil, errors.New("gossip: identity, records, transport and members are required")
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
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	nodeCfg := opts.Admission
	hostCfg := opts.HostAdmission
	if hostCfg == (admission.Config{}) {
		hostCfg = hostDefaults(nodeCfg)
	}
	e := &Engine{
		ident:         opts.Identity,
		records:       opts.Records,
		transport:     opts.Transport,
		members:       opts.Members,
		state:         newState(orDefault(opts.MaxPeers, DefaultMaxPeers), hostCfg, nodeCfg),
		log:           lg.Named("gossip"),
		drops:         logx.NewLimiter(dropLogInterval),
		metrics:       m,
		now:           now,
		fanout:        orDefault(opts.Fanout, DefaultFanout),
		timeout:       orDefaultDur(opts.ExchangeTimeout, DefaultExchangeTimeout),
		maxSkew:       orDefaultDur(opts.MaxSkew, DefaultMaxSkew),
		maxAge:        orDefaultDur(opts.MaxAge, DefaultMaxAge),
		compressAbove: opts.CompressAbove,
		pushChunk:     orDefault(opts.PushChunk, DefaultPushChunk),
		rand:          rnd,
	}
	return e, nil
}

func hostDefaults(node admission.Config) admission.Config {
	d := admission.DefaultConfig()
	c := node
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	c.Rate *= 4
	c.Burst *= 4
	return c
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func orDefaultDur(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}

// AddPeer registers p as reachable at addr and trusts its key.
func (e *Engine) AddPeer(p identity.PeerIdentity, addr string) error {
	if p.ID == e.ident.Self().ID {
		return ErrSelfPeer
	}
	if err := e.ident.Add(p); err != nil {
		return err
	}
	if err := e.state.addPeer(p, addr); err != nil {
		return err
	}
	e.metrics.SetPeers(len(e.state.handles()))
	e.log.Info("peer added", zap.String("peer", p.ID.Short()), zap.String("addr", addr))
	return nil
}

func (e *Engine) RemovePeer(id identity.NodeID) {
	h, ok := e.state.peer(id)
	if !e.state.removePeer(id) {
		return
	}
	e.ident.Forget(id)
	if ok && h.addr != "" {
		e.transport.Disconnect(h.addr)
	}
	e.metrics.SetPeers(len(e.state.handles()))
	e.log.Info("peer removed", zap.String("peer", id.Short()))
}

func (e *Engine) Peers() []PeerStatus {
	hs := e.state.handles()
	out := make([]PeerStatus, 0, len(hs))
	for _, h := range hs {
		out = append(out, PeerStatus{
			ID:           h.identity.ID,
			Addr:         h.addr,
			Connected:    h.connected,
			LastSeen:     h.identity.LastSeen,
			LastExchange: h.lastExchange,
			Failures:     h.failures,
		})
	}
	return out
}

// MarkDirty queues record ids for push on the next round.
func (e *Engine) MarkDirty(ids ...string) {
	e.state.markDirty(ids...)
}

func (e *Engine) PendingRumors() int {
	return e.state.pendingRumors()
}

// Banned reports whether a remote host or node id is currently banned.
func (e *Engine) Banned(key string) bool {
	now := e.now()
	return e.state.hosts.Banned(network.HostOf(key), now) || e.state.nodes.Banned(key, now)
}

// Serve answers inbound exchanges until ctx is canceled.
func (e *Engine) Serve(ctx context.Context) error {
	return e.transport.Serve(ctx, e.Handle)
}

func (e *Engine) Close() {
	e.state.clear()
}

func (e *Engine) pickRandomPeers(peers []peerHandle, fanout int) []peerHandle {
	if fanout <= 0 || len(peers) == 0 {
		return nil
	}
	if fanout > len(peers) {
		fanout = len(peers)
	}
	out := make([]peerHandle, len(peers))
	copy(out, peers)
	e.randMu.Lock()
	e.rand.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	e.randMu.Unlock()
	return out[:fanout]
}

// Round exchanges digests and pending rumors with up to fanout member peers
// in parallel. A canceled round leaves the store consistent; unsent rumors
// are retried next round.
func (e *Engine) Round(ctx context.Context) RoundStats {
	e.metrics.IncRound()
	e.metrics.SetTracked(e.state.hosts.Tracked() + e.state.nodes.Tracked())
	var eligible []peerHandle
	for _, h := range e.state.handles() {
		if h.addr != "" && e.members.Has(h.identity.ID) {
			eligible = append(eligible, h)
		}
	}
	targets := e.pickRandomPeers(eligible, e.fanout)
	rumorIDs := e.state.takeDirty()
	rumors := make([]record.WalletRecord, 0, len(rumorIDs))
	for _, id := range rumorIDs {
		if rec, ok := e.records.Get(id); ok {
			rumors = append(rumors, rec)
		}
	}
	stats := RoundStats{Peers: len(targets), Rumors: len(rumors)}
	if len(targets) == 0 {
		e.state.markDirty(rumorIDs...)
		return stats
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range targets {
		wg.Add(1)
		go func(p peerHandle) {
			defer wg.Done()
			err := e.exchangeWith(ctx, p, rumors)
			ok := err == nil
			e.state.exchanged(p.identity.ID, ok, e.now())
			e.metrics.IncExchange(ok)
			if !ok {
				e.log.Debug("exchange failed", zap.String("peer", p.identity.ID.Short()), zap.String("addr", p.addr), zap.Error(err))
			}
			mu.Lock()
			if ok {
				stats.OK++
			} else {
				stats.Failed++
			}
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	if stats.OK == 0 {
		e.state.markDirty(rumorIDs...)
	} else {
		e.metrics.AddRumorsSent(len(rumors) * stats.OK)
	}
	return stats
}

func (e *Engine) exchangeWith(ctx context.Context, p peerHandle, rumors []record.WalletRecord) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if len(rumors) > 0 {
		frames, err := e.pushFrames(rumors)
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := e.send(ctx, p, f, true); err != nil {
				return err
			}
		}
	}
	digests, err := e.digestFrames()
	if err != nil {
		return err
	}
	for _, f := range digests {
		if err := e.send(ctx, p, f, true); err != nil {
			return err
		}
	}
	return nil
}

// send delivers one frame to p and processes its responses. Pulls in the
// responses are answered once when followUp is set.
func (e *Engine) send(ctx context.Context, p peerHandle, frame []byte, followUp bool) error {
	out, err := e.transport.Exchange(ctx, p.addr, frame)
	if err != nil {
		return err
	}
	for _, resp := range out {
		replies := e.accept(ctx, p.addr, resp, &p.identity.ID)
		if !followUp {
			continue
		}
		for _, r := range replies {
			if err := e.send(ctx, p, r, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) seal(msgType string, body any) ([]byte, error) {
	self := e.ident.Self()
	m, err := proto.NewMessage(msgType, body, self.ID.String(), self.PubKey, e.now(), e.compressAbove)
	if err != nil {
		return nil, err
	}
	m, err = proto.Sign(m, e.ident.Sign)
	if err != nil {
		return nil, err
	}
	return proto.EncodeSyncMessage(m)
}

// digestFrames covers the whole id space with Digest messages of adjacent
// ranges. A digest never lists more ids than one Pull may name.
func (e *Engine) digestFrames() ([][]byte, error) {
	recs := e.records.Enumerate()
	if len(recs) == 0 {
		return e.digestChunked(nil, "", "")
	}
	var out [][]byte
	for start := 0; start < len(recs); start += proto.MaxPullIDs {
		end := min(start+proto.MaxPullIDs, len(recs))
		var from, to string
		if start > 0 {
			from = recs[start].ID
		}
		if end < len(recs) {
			to = recs[end].ID
		}
		frames, err := e.digestChunked(recs[start:end], from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

// digestChunked halves sorted recs at an id boundary until each digest fits.
func (e *Engine) digestChunked(recs []record.WalletRecord, from, to string) ([][]byte, error) {
	entries := make(map[string]record.VersionVector, len(recs))
	for _, rec := range recs {
		entries[rec.ID] = rec.Version
	}
	frame, err := e.seal(proto.MsgTypeDigest, proto.DigestBody{Entries: entries, From: from, To: to})
	if err == nil {
		return [][]byte{frame}, nil
	}
	if len(recs) <= 1 {
		return nil, err
	}
	half := len(recs) / 2
	mid := recs[half].ID
	left, err := e.digestChunked(recs[:half], from, mid)
	if err != nil {
		return nil, err
	}
	right, err := e.digestChunked(recs[half:], mid, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// pushFrames splits recs into Push messages that fit the frame limit.
func (e *Engine) pushFrames(recs []record.WalletRecord) ([][]byte, error) {
	var out [][]byte
	for start := 0; start < len(recs); start += e.pushChunk {
		end := min(start+e.pushChunk, len(recs))
		frames, err := e.pushChunked(recs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	return out, nil
}

func (e *Engine) pushChunked(recs []record.WalletRecord) ([][]byte, error) {
	frame, err := e.seal(proto.MsgTypePush, proto.PushBody{Records: recs})
	if err == nil {
		return [][]byte{frame}, nil
	}
	if len(recs) == 1 {
		return nil, err
	}
	half := len(recs) / 2
	left, err := e.pushChunked(recs[:half])
	if err != nil {
		return nil, err
	}
	right, err := e.pushChunked(recs[half:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}
