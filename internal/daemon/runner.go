package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"walletmesh/internal/chainadapter"
	"walletmesh/internal/config"
	"walletmesh/internal/coordinator"
	"walletmesh/internal/crypto"
	"walletmesh/internal/discovery"
	"walletmesh/internal/gossip"
	"walletmesh/internal/identity"
	"walletmesh/internal/metrics"
	"walletmesh/internal/network"
	"walletmesh/internal/peer"
	"walletmesh/internal/pprofutil"
	"walletmesh/internal/store"
)

type Options struct {
	// Vault overrides opening the sealed vault under the node home.
	Vault crypto.Vault
	// Transport overrides the QUIC listener.
	Transport network.Transport
	// Reader overrides dialing chain.evm_rpc.
	Reader  chainadapter.BalanceReader
	Metrics *metrics.Metrics
}

// Runner owns every component of one node.
type Runner struct {
	Config  *config.Config
	Self    identity.PeerIdentity
	Book    *peer.Book
	Members *peer.MemberStore
	Revoked *peer.RevokeStore
	Records *store.Records
	Gossip  *gossip.Engine
	Coord   *coordinator.Coordinator
	Metrics *metrics.Metrics

	log       *zap.Logger
	transport network.Transport
	refresher *chainadapter.Refresher
	evm       *chainadapter.EVMReader
	closeOnce sync.Once
}

// group is the sync group: configured members minus revoked ids.
type group struct {
	members *peer.MemberStore
	revoked *peer.RevokeStore
}

func (g group) Has(id identity.NodeID) bool {
	return g.members.Has(id) && !g.revoked.IsRevoked(id)
}

// OpenVault unlocks the node's key vault, creating it on first use.
func OpenVault(cfg *config.Config) (*crypto.KeyVault, error) {
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("missing passphrase: set %sPASSPHRASE", config.EnvPrefix)
	}
	return crypto.OpenKeyVault(cfg.VaultDir(), []byte(cfg.Passphrase))
}

func NewRunner(ctx context.Context, cfg *config.Config, lg *zap.Logger, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("missing config")
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	vault := opts.Vault
	if vault == nil {
		kv, err := OpenVault(cfg)
		if err != nil {
			return nil, err
		}
		vault = kv
	}
	self, err := identity.FromVault(vault)
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	r := &Runner{Config: cfg, Self: self, Metrics: m, log: lg.With(zap.String("node", self.ID.Short()))}

	if r.Revoked, err = peer.NewRevokeStore(cfg.RevokedPath()); err != nil {
		return nil, err
	}
	if r.Members, err = peer.NewMemberStore(cfg.MembersPath()); err != nil {
		return nil, err
	}
	if err := r.Members.Add(self.ID, false); err != nil {
		return nil, err
	}
	for _, s := range cfg.Members {
		id, err := identity.ParseNodeID(s)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", s, err)
		}
		if err := r.Members.Add(id, false); err != nil {
			return nil, err
		}
	}
	if r.Book, err = peer.NewBook(cfg.BookPath(), peer.BookOptions{}); err != nil {
		return nil, err
	}
	for _, pc := range cfg.Peers {
		p, err := peerFromConfig(pc)
		if err != nil {
			return nil, err
		}
		if err := r.Book.Upsert(p, false); err != nil {
			return nil, fmt.Errorf("peer %s: %w", pc.NodeID, err)
		}
		if err := r.Members.Add(p.NodeID, false); err != nil {
			return nil, err
		}
	}
	allow := make([]identity.NodeID, 0, len(cfg.Allow))
	for _, s := range cfg.Allow {
		id, err := identity.ParseNodeID(s)
		if err != nil {
			return nil, fmt.Errorf("allow %q: %w", s, err)
		}
		allow = append(allow, id)
	}
	ident, err := identity.NewModule(vault, identity.Options{
		Allow:   allow,
		Revoked: r.Revoked,
		OnLearn: r.learned,
	})
	if err != nil {
		return nil, err
	}

	engine, err := store.OpenEngine(cfg.Storage.Engine, cfg.Resolve(cfg.Storage.Path))
	if err != nil {
		return nil, err
	}
	r.Records = store.NewRecords(store.Options{
		Engine:        engine,
		Logger:        lg,
		RetryAttempts: cfg.Storage.RetryAttempts,
		RetryBase:     cfg.Storage.RetryBase,
	})
	n, err := r.Records.Rehydrate(ctx)
	if err != nil {
		_ = r.Records.Close()
		return nil, err
	}

	r.transport = opts.Transport
	if r.transport == nil {
		qt, err := network.ListenQUIC(network.QUICOptions{
			ListenAddr:      cfg.Node.ListenAddr,
			Vault:           vault,
			Logger:          lg,
			MaxConnsPerHost: cfg.Node.MaxConnsPerHost,
			MaxStreamsPerIP: cfg.Node.MaxStreamsPerIP,
			PeerKey: func(addr string) ([]byte, bool) {
				p, ok := r.Book.ByAddr(addr)
				return p.PubKey, ok
			},
			OnMalformed: func(remote string, err error) {
				if r.Gossip != nil {
					r.Gossip.RejectFrame(remote, err)
				}
			},
		})
		if err != nil {
			_ = r.Records.Close()
			return nil, err
		}
		r.transport = qt
	}

	r.Gossip, err = gossip.NewEngine(gossip.Options{
		Identity:        ident,
		Records:         r.Records,
		Transport:       r.transport,
		Members:         group{members: r.Members, revoked: r.Revoked},
		Admission:       cfg.Admission.Controller(),
		Fanout:          cfg.Gossip.Fanout,
		MaxPeers:        cfg.Node.MaxPeers,
		ExchangeTimeout: cfg.Gossip.ExchangeTimeout,
		MaxSkew:         cfg.Gossip.MaxSkew,
		MaxAge:          cfg.Gossip.MaxAge,
		CompressAbove:   cfg.Gossip.CompressThreshold,
		PushChunk:       cfg.Gossip.PushChunk,
		Logger:          lg,
		Metrics:         m,
	})
	if err != nil {
		r.Close()
		return nil, err
	}
	for _, p := range r.Book.List() {
		if r.Revoked.IsRevoked(p.NodeID) || p.Addr == "" {
			continue
		}
		if err := r.Gossip.AddPeer(p.Identity(), p.Addr); err != nil {
			r.log.Warn("skipping peer", zap.String("peer", p.NodeID.Short()), zap.Error(err))
		}
	}
	r.Coord, err = coordinator.New(coordinator.Options{
		Records:  r.Records,
		Gossip:   r.Gossip,
		Self:     self.ID.String(),
		Interval: cfg.Gossip.Interval,
		Logger:   lg,
		Metrics:  m,
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	reader := opts.Reader
	if reader == nil && cfg.Chain.EVMRPC != "" {
		r.evm, err = chainadapter.DialEVM(ctx, cfg.Chain.EVMRPC, cfg.Chain.ChainID)
		if err != nil {
			r.Close()
			return nil, err
		}
		reader = r.evm
	}
	if reader != nil {
		r.refresher = chainadapter.NewRefresher(r.Coord, reader, cfg.Chain.RefreshInterval, lg)
	}
	m.SetWallets(len(r.Coord.List()))
	m.SetPeers(len(r.Gossip.Peers()))
	r.log.Info("node ready",
		zap.String("node_id", self.ID.String()),
		zap.String("addr", r.transport.Addr()),
		zap.Int("records", n),
		zap.Int("peers", len(r.Gossip.Peers())),
		zap.String("storage", cfg.Storage.Engine))
	return r, nil
}

// learned keeps allow-listed keys across restarts once they have been seen.
func (r *Runner) learned(p identity.PeerIdentity) {
	if err := r.Book.Upsert(peer.Peer{NodeID: p.ID, PubKey: p.PubKey}, true); err != nil {
		r.log.Warn("persist learned peer", zap.String("peer", p.ID.Short()), zap.Error(err))
		return
	}
	r.log.Info("learned peer", zap.String("peer", p.ID.Short()))
}

// discovered dials a sync group member announced on the local network when
// no address is known for it yet. The announced key must match any key
// already pinned for the id.
func (r *Runner) discovered(f discovery.Found) {
	id := f.Identity.ID
	if id == r.Self.ID || !r.Members.Has(id) || r.Revoked.IsRevoked(id) {
		return
	}
	if cur, ok := r.Book.Get(id); ok && cur.Addr != "" {
		return
	}
	if err := r.Book.Upsert(peer.Peer{NodeID: id, PubKey: f.Identity.PubKey, Addr: f.Addr}, false); err != nil {
		r.log.Warn("discovered peer rejected", zap.String("peer", id.Short()), zap.String("addr", f.Addr), zap.Error(err))
		return
	}
	if err := r.Gossip.AddPeer(f.Identity, f.Addr); err != nil {
		r.log.Warn("discovered peer not added", zap.String("peer", id.Short()), zap.Error(err))
		return
	}
	r.log.Info("discovered peer", zap.String("peer", id.Short()), zap.String("addr", f.Addr))
}

func (r *Runner) startDiscovery() (*discovery.MDNS, error) {
	_, portStr, err := net.SplitHostPort(r.transport.Addr())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return discovery.Start(discovery.Options{
		Self:     r.Self,
		Port:     port,
		IPs:      discovery.AdvertiseIPs(r.transport.Addr()),
		Service:  r.Config.Discovery.Service,
		Interval: r.Config.Discovery.Interval,
		Logger:   r.log,
		OnFound:  r.discovered,
	})
}

// OpenOffline loads the node state without listening. Writes made through it
// are durable and reach peers through digest exchange once the node runs.
func OpenOffline(ctx context.Context, cfg *config.Config, lg *zap.Logger) (*Runner, error) {
	c := *cfg
	c.Chain.EVMRPC = ""
	return NewRunner(ctx, &c, lg, Options{Transport: network.NewMemNet().Endpoint("offline")})
}

func peerFromConfig(pc config.PeerConfig) (peer.Peer, error) {
	id, err := identity.ParseNodeID(pc.NodeID)
	if err != nil {
		return peer.Peer{}, fmt.Errorf("peer node_id: %w", err)
	}
	pub, err := hex.DecodeString(pc.PubKey)
	if err != nil {
		return peer.Peer{}, fmt.Errorf("peer pubkey: %w", err)
	}
	return peer.Peer{NodeID: id, PubKey: pub, Addr: pc.Addr}, nil
}

func (r *Runner) Addr() string {
	return r.transport.Addr()
}

// Run serves gossip, runs rounds, refreshes balances and writes metrics
// snapshots until ctx is canceled. ready, when set, receives the listen
// address once inbound traffic is accepted.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if addr := r.Config.Debug.PprofAddr; addr != "" {
		srv, err := pprofutil.Start(addr, r.Config.Debug.PprofAllowPublic, r.log)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}
	if err := r.Coord.Start(ctx); err != nil {
		return err
	}
	defer r.Coord.Stop()
	if ready != nil {
		ready <- r.transport.Addr()
	}
	var wg sync.WaitGroup
	if r.refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.refresher.Run(ctx)
		}()
	}
	if r.Config.Discovery.MDNS {
		md, err := r.startDiscovery()
		if err != nil {
			r.log.Warn("mdns discovery unavailable", zap.Error(err))
		} else {
			defer md.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				md.Run(ctx)
			}()
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.snapshotLoop(ctx)
	}()
	<-ctx.Done()
	r.log.Info("shutting down")
	wg.Wait()
	return nil
}

func (r *Runner) snapshotLoop(ctx context.Context) {
	path := r.Config.Resolve(r.Config.Metrics.SnapshotPath)
	if path == "" {
		return
	}
	interval := r.Config.Metrics.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = r.Metrics.WriteSnapshot(path)
			return
		case <-ticker.C:
			r.Metrics.SetPeers(len(r.Gossip.Peers()))
			r.Metrics.SetWallets(len(r.Coord.List()))
			if err := r.Metrics.WriteSnapshot(path); err != nil {
				r.log.Warn("metrics snapshot failed", zap.Error(err))
			}
		}
	}
}

// Close releases the transport, storage and chain client.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		if r.Coord != nil {
			r.Coord.Stop()
		}
		if r.Gossip != nil {
			r.Gossip.Close()
		}
		if r.transport != nil {
			_ = r.transport.Close()
		}
		if r.evm != nil {
			r.evm.Close()
		}
		if r.Records != nil {
			if err := r.Records.Close(); err != nil {
				r.log.Warn("close storage", zap.Error(err))
			}
		}
	})
}
