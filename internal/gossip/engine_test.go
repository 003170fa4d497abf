package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"walletmesh/internal/admission"
	"walletmesh/internal/crypto"
	"walletmesh/internal/identity"
	"walletmesh/internal/metrics"
	"walletmesh/internal/network"
	"walletmesh/internal/proto"
	"walletmesh/internal/record"
	"walletmesh/internal/store"
	"walletmesh/internal/testutil"
)

const testAddr = "0x52908400098527886e0f7030069857d2e4169ee7"

type memberSet struct {
	mu  sync.RWMutex
	ids map[identity.NodeID]bool
}

func newMemberSet() *memberSet {
	return &memberSet{ids: make(map[identity.NodeID]bool)}
}

func (s *memberSet) add(id identity.NodeID) {
	s.mu.Lock()
	s.ids[id] = true
	s.mu.Unlock()
}

func (s *memberSet) Has(id identity.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[id]
}

type testNode struct {
	name    string
	vault   *crypto.KeyVault
	self    identity.PeerIdentity
	records *store.Records
	engine  *Engine
	ep      *network.MemTransport
	logs    *observer.ObservedLogs
	metrics *metrics.Metrics
	changes atomic.Int64
}

func testAdmission() admission.Config {
	return admission.Config{
		Rate:           1,
		Burst:          10,
		StrikeLimit:    5,
		StrikeWindow:   time.Minute,
		BackoffBase:    time.Second,
		MaxBackoffs:    3,
		BanDuration:    10 * time.Minute,
		MalformedLimit: 3,
	}
}

func newTestNode(t *testing.T, mn *network.MemNet, name string, members *memberSet, clock *testutil.Clock) *testNode {
	t.Helper()
	return newTestNodeWith(t, mn, name, members, clock, testAdmission())
}

func newTestNodeWith(t *testing.T, mn *network.MemNet, name string, members *memberSet, clock *testutil.Clock, adm admission.Config) *testNode {
	t.Helper()
	self, vault, err := identity.Generate()
	require.NoError(t, err)
	ident, err := identity.NewModule(vault, identity.Options{Now: clock.Now})
	require.NoError(t, err)
	n := &testNode{name: name, vault: vault, self: self, metrics: metrics.New()}
	n.records = store.NewRecords(store.Options{OnChange: func(store.Change) { n.changes.Add(1) }})
	lg, logs := testutil.ObservedLogger()
	n.logs = logs
	n.ep = mn.Endpoint(name)
	n.engine, err = NewEngine(Options{
		Identity:  ident,
		Records:   n.records,
		Transport: n.ep,
		Members:   members,
		Admission: adm,
		Fanout:    8,
		Logger:    lg,
		Metrics:   n.metrics,
		Now:       clock.Now,
		Rand:      rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	members.add(self.ID)
	t.Cleanup(n.engine.Close)
	return n
}

func (n *testNode) serve(t *testing.T, ctx context.Context) {
	t.Helper()
	go func() { _ = n.engine.Serve(ctx) }()
	testutil.Eventually(t, time.Second, n.ep.Serving, n.name+" serving")
}

func link(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.engine.AddPeer(b.self, b.name))
	require.NoError(t, b.engine.AddPeer(a.self, a.name))
}

func (n *testNode) put(t *testing.T, w record.Wallet) record.WalletRecord {
	t.Helper()
	id, err := record.RecordID(w.Chain, w.Address)
	require.NoError(t, err)
	rec, _, err := n.records.Mutate(context.Background(), id, func(cur record.WalletRecord, ok bool) (record.WalletRecord, bool, error) {
		if !ok {
			empty, err := record.Empty(w)
			if err != nil {
				return record.WalletRecord{}, false, err
			}
			cur = empty
		}
		next, changed := record.Edit(cur, w, n.self.ID.String())
		return next, changed, nil
	})
	require.NoError(t, err)
	n.engine.MarkDirty(id)
	return rec
}

func (n *testNode) get(t *testing.T, addr string) (record.WalletRecord, bool) {
	t.Helper()
	id, err := record.RecordID(record.ChainEthereum, addr)
	require.NoError(t, err)
	return n.records.Get(id)
}

func signedFrame(t *testing.T, v crypto.Vault, self identity.PeerIdentity, msgType string, body any, now time.Time) []byte {
	t.Helper()
	m, err := proto.NewMessage(msgType, body, self.ID.String(), self.PubKey, now, 0)
	require.NoError(t, err)
	m, err = proto.Sign(m, v.Sign)
	require.NoError(t, err)
	data, err := proto.EncodeSyncMessage(m)
	require.NoError(t, err)
	return data
}

func walletFor(t *testing.T, self identity.PeerIdentity, addr, label string) record.WalletRecord {
	t.Helper()
	w := record.Wallet{Chain: record.ChainEthereum, Address: addr, Label: label}
	empty, err := record.Empty(w)
	require.NoError(t, err)
	rec, changed := record.Edit(empty, w, self.ID.String())
	require.True(t, changed)
	return rec
}

func dropped(logs *observer.ObservedLogs, reason string) int {
	return logs.FilterMessage("message dropped").FilterField(zap.String("reason", reason)).Len()
}

func TestRoundConvergesConcurrentCreates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	p1 := newTestNode(t, mn, "p1", members, clock)
	p2 := newTestNode(t, mn, "p2", members, clock)
	p1.serve(t, ctx)
	p2.serve(t, ctx)

	p1.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "main"})
	p2.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "savings"})
	link(t, p1, p2)

	stats := p1.engine.Round(ctx)
	require.Equal(t, 1, stats.OK)

	r1, ok := p1.get(t, testAddr)
	require.True(t, ok)
	r2, ok := p2.get(t, testAddr)
	require.True(t, ok)
	require.Equal(t, r1, r2)
	assert.Equal(t, record.VersionVector{p1.self.ID.String(): 1, p2.self.ID.String(): 1}, r1.Version)

	want := "savings"
	if p1.self.ID.String() > p2.self.ID.String() {
		want = "main"
	}
	assert.Equal(t, want, r1.Label.Value)

	a, err := json.Marshal(r1)
	require.NoError(t, err)
	b, err := json.Marshal(r2)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestTombstoneSurvivesConcurrentUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	p1 := newTestNode(t, mn, "p1", members, clock)
	p2 := newTestNode(t, mn, "p2", members, clock)
	p1.serve(t, ctx)
	p2.serve(t, ctx)
	link(t, p1, p2)

	p1.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "main"})
	p1.engine.Round(ctx)
	_, ok := p2.get(t, testAddr)
	require.True(t, ok)

	mn.Partition("p1", "p2")
	p1.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "main", Deleted: true})
	stale := p2.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "main", Balance: "42"})
	mn.Heal("p1", "p2")
	p1.engine.Round(ctx)

	r1, _ := p1.get(t, testAddr)
	r2, _ := p2.get(t, testAddr)
	require.Equal(t, r1, r2)
	require.True(t, r1.Tombstoned())

	// Replaying the stale concurrent update changes nothing.
	out := p1.engine.Handle(ctx, "p2", signedFrame(t, p2.vault, p2.self, proto.MsgTypePush, proto.PushBody{Records: []record.WalletRecord{stale}}, clock.Now()))
	require.Empty(t, out)
	r1, _ = p1.get(t, testAddr)
	require.True(t, r1.Tombstoned())

	p1.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "main", Balance: "42"})
	p1.engine.Round(ctx)
	r1, _ = p1.get(t, testAddr)
	r2, _ = p2.get(t, testAddr)
	require.Equal(t, r1, r2)
	require.False(t, r1.Tombstoned())
}

func TestForgedAndNonMemberMessagesNeverApplied(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	victim := newTestNode(t, mn, "victim", members, clock)

	stranger, strangerVault, err := identity.Generate()
	require.NoError(t, err)
	push := proto.PushBody{Records: []record.WalletRecord{walletFor(t, stranger, testAddr, "evil")}}

	// Unknown key.
	out := victim.engine.Handle(ctx, "10.0.0.1:4000", signedFrame(t, strangerVault, stranger, proto.MsgTypePush, push, clock.Now()))
	assert.Empty(t, out)

	// Known key, not in the sync group.
	require.NoError(t, victim.engine.ident.Add(stranger))
	out = victim.engine.Handle(ctx, "10.0.0.2:4000", signedFrame(t, strangerVault, stranger, proto.MsgTypePush, push, clock.Now()))
	assert.Empty(t, out)

	// Member id with a body that no longer matches the signature.
	members.add(stranger.ID)
	var m proto.SyncMessage
	require.NoError(t, json.Unmarshal(signedFrame(t, strangerVault, stranger, proto.MsgTypePush, push, clock.Now()), &m))
	m.Body = []byte(`{"records":[]}`)
	tampered, err := json.Marshal(m)
	require.NoError(t, err)
	out = victim.engine.Handle(ctx, "10.0.0.3:4000", tampered)
	assert.Empty(t, out)

	require.Zero(t, victim.changes.Load())
	require.Zero(t, victim.records.Len())
	assert.Equal(t, 1, dropped(victim.logs, metrics.DropNonMember))
	assert.Equal(t, 2, dropped(victim.logs, metrics.DropAuth))
	nonMember := victim.logs.FilterField(zap.String("reason", metrics.DropNonMember)).All()[0]
	assert.Contains(t, nonMember.ContextMap()["error"], "not a sync group member")
	snap := victim.metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.DropByReason[metrics.DropAuth])
	assert.Equal(t, uint64(1), snap.DropByReason[metrics.DropNonMember])
}

func TestPushFloodIsBannedWithoutAffectingHonestPeers(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	victim := newTestNode(t, mn, "victim", members, clock)
	flooder := newTestNode(t, mn, "flooder", members, clock)
	honest := newTestNode(t, mn, "honest", members, clock)
	require.NoError(t, victim.engine.AddPeer(flooder.self, "flooder:1"))
	require.NoError(t, victim.engine.AddPeer(honest.self, "honest:1"))

	for i := 0; i < 1000; i++ {
		rec := walletFor(t, flooder.self, fmt.Sprintf("0x%040x", i+1), "spam")
		frame := signedFrame(t, flooder.vault, flooder.self, proto.MsgTypePush, proto.PushBody{Records: []record.WalletRecord{rec}}, clock.Now())
		victim.engine.Handle(ctx, "flooder:1", frame)
	}
	require.Equal(t, 10, victim.records.Len())
	require.True(t, victim.engine.Banned(flooder.self.ID.String()))
	require.True(t, victim.engine.Banned("flooder:1"))
	require.Contains(t, victim.ep.Disconnected(), "flooder:1")

	snap := victim.metrics.Snapshot()
	assert.GreaterOrEqual(t, snap.Bans, uint64(1))
	assert.Greater(t, snap.DropByReason[metrics.DropRate], uint64(0))
	assert.Greater(t, snap.DropByReason[metrics.DropBanned], uint64(0))

	rec := walletFor(t, honest.self, testAddr, "honest")
	victim.engine.Handle(ctx, "honest:1", signedFrame(t, honest.vault, honest.self, proto.MsgTypePush, proto.PushBody{Records: []record.WalletRecord{rec}}, clock.Now()))
	got, ok := victim.get(t, testAddr)
	require.True(t, ok)
	assert.Equal(t, "honest", got.Label.Value)
	assert.False(t, victim.engine.Banned(honest.self.ID.String()))
}

func TestImpersonationBansHostAtOnce(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	victim := newTestNode(t, mn, "victim", members, clock)
	peer := newTestNode(t, mn, "peer", members, clock)
	require.NoError(t, victim.engine.AddPeer(peer.self, "peer:1"))

	impostor, impostorVault, err := identity.Generate()
	require.NoError(t, err)
	claimed := identity.PeerIdentity{ID: peer.self.ID, PubKey: impostor.PubKey}
	forged := walletFor(t, peer.self, testAddr, "forged")
	victim.engine.Handle(ctx, "10.6.6.6:1", signedFrame(t, impostorVault, claimed, proto.MsgTypePush, proto.PushBody{Records: []record.WalletRecord{forged}}, clock.Now()))

	require.Zero(t, victim.records.Len())
	assert.True(t, victim.engine.Banned("10.6.6.6:1"))
	assert.Contains(t, victim.ep.Disconnected(), "10.6.6.6:1")
	assert.False(t, victim.engine.Banned(peer.self.ID.String()))
	assert.Equal(t, uint64(1), victim.metrics.Snapshot().Bans)

	genuine := walletFor(t, peer.self, testAddr, "genuine")
	victim.engine.Handle(ctx, "10.7.7.7:1", signedFrame(t, peer.vault, peer.self, proto.MsgTypePush, proto.PushBody{Records: []record.WalletRecord{genuine}}, clock.Now()))
	got, ok := victim.get(t, testAddr)
	require.True(t, ok)
	assert.Equal(t, "genuine", got.Label.Value)

	victim.engine.Round(ctx)
	assert.GreaterOrEqual(t, victim.metrics.Snapshot().Tracked, int64(3))
}

func TestMalformedRepeatOffenderDisconnected(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	victim := newTestNode(t, mn, "victim", members, clock)
	peer := newTestNode(t, mn, "peer", members, clock)
	require.NoError(t, victim.engine.AddPeer(peer.self, "junk:9"))

	for i := 0; i < 3; i++ {
		assert.Empty(t, victim.engine.Handle(ctx, "junk:9", []byte("{not json")))
	}
	require.Contains(t, victim.ep.Disconnected(), "junk:9")
	require.True(t, victim.engine.Banned("junk:9"))

	rec := walletFor(t, peer.self, testAddr, "late")
	victim.engine.Handle(ctx, "junk:9", signedFrame(t, peer.vault, peer.self, proto.MsgTypePush, proto.PushBody{Records: []record.WalletRecord{rec}}, clock.Now()))
	require.Zero(t, victim.records.Len())
	snap := victim.metrics.Snapshot()
	assert.Equal(t, uint64(3), snap.DropByReason[metrics.DropMalformed])
	assert.Equal(t, uint64(1), snap.DropByReason[metrics.DropBanned])
}

func TestUnreadableFramesCountTowardsBan(t *testing.T) {
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	victim := newTestNode(t, network.NewMemNet(), "victim", newMemberSet(), clock)

	_, err := proto.ReadRequestFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	var bad *proto.MalformedMessageError
	require.ErrorAs(t, err, &bad)
	for i := 0; i < 3; i++ {
		victim.engine.RejectFrame("junk:9", err)
	}
	require.Contains(t, victim.ep.Disconnected(), "junk:9")
	assert.True(t, victim.engine.Banned("junk:9"))
	assert.Equal(t, uint64(3), victim.metrics.Snapshot().DropByReason[metrics.DropMalformed])
}

func TestReplayedAndStaleMessagesDropped(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	victim := newTestNode(t, mn, "victim", members, clock)
	peer := newTestNode(t, mn, "peer", members, clock)
	require.NoError(t, victim.engine.AddPeer(peer.self, "peer:1"))

	rec := walletFor(t, peer.self, testAddr, "once")
	frame := signedFrame(t, peer.vault, peer.self, proto.MsgTypePush, proto.PushBody{Records: []record.WalletRecord{rec}}, clock.Now())
	victim.engine.Handle(ctx, "peer:1", frame)
	victim.engine.Handle(ctx, "peer:1", frame)
	require.Equal(t, int64(1), victim.changes.Load())

	old := signedFrame(t, peer.vault, peer.self, proto.MsgTypeDigest, proto.DigestBody{}, clock.Now().Add(-DefaultMaxAge-time.Minute))
	assert.Empty(t, victim.engine.Handle(ctx, "peer:1", old))
	future := signedFrame(t, peer.vault, peer.self, proto.MsgTypeDigest, proto.DigestBody{}, clock.Now().Add(DefaultMaxSkew+time.Minute))
	assert.Empty(t, victim.engine.Handle(ctx, "peer:1", future))

	snap := victim.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.DropByReason[metrics.DropDuplicate])
	assert.Equal(t, uint64(2), snap.DropByReason[metrics.DropReplay])
}

func TestDigestAnsweredWithPushAndPull(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	a := newTestNode(t, mn, "a", members, clock)
	b := newTestNode(t, mn, "b", members, clock)
	require.NoError(t, a.engine.AddPeer(b.self, "b"))

	onlyA := a.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "a"})
	onlyB := walletFor(t, b.self, "0x0000000000000000000000000000000000000001", "b")
	digest := proto.DigestBody{Entries: map[string]record.VersionVector{onlyB.ID: onlyB.Version}}

	out := a.engine.Handle(ctx, "b", signedFrame(t, b.vault, b.self, proto.MsgTypeDigest, digest, clock.Now()))
	require.Len(t, out, 2)

	var types []string
	for _, f := range out {
		m, err := proto.DecodeSyncMessage(f)
		require.NoError(t, err)
		types = append(types, m.Type)
		switch m.Type {
		case proto.MsgTypePush:
			body, err := m.PushBody()
			require.NoError(t, err)
			require.Len(t, body.Records, 1)
			assert.Equal(t, onlyA.ID, body.Records[0].ID)
		case proto.MsgTypePull:
			body, err := m.PullBody()
			require.NoError(t, err)
			assert.Equal(t, []string{onlyB.ID}, body.IDs)
		}
	}
	assert.Equal(t, []string{proto.MsgTypePush, proto.MsgTypePull}, types)
}

func TestRangedDigestLeavesOtherIDsAlone(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	a := newTestNode(t, mn, "a", members, clock)
	b := newTestNode(t, mn, "b", members, clock)

	outside := a.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "a"})
	inside := walletFor(t, b.self, "0x0000000000000000000000000000000000000001", "b")
	digest := proto.DigestBody{
		Entries: map[string]record.VersionVector{inside.ID: inside.Version},
		To:      "ethereum:0x1",
	}
	require.False(t, digest.Covers(outside.ID))

	out := a.engine.Handle(ctx, "b", signedFrame(t, b.vault, b.self, proto.MsgTypeDigest, digest, clock.Now()))
	require.Len(t, out, 1)
	m, err := proto.DecodeSyncMessage(out[0])
	require.NoError(t, err)
	require.Equal(t, proto.MsgTypePull, m.Type)
	body, err := m.PullBody()
	require.NoError(t, err)
	assert.Equal(t, []string{inside.ID}, body.IDs)
}

func TestLargeStoresConvergeWithSplitDigests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	adm := testAdmission()
	adm.Rate, adm.Burst = 1000, 1000
	p1 := newTestNodeWith(t, mn, "p1", members, clock, adm)
	p2 := newTestNodeWith(t, mn, "p2", members, clock, adm)
	p1.serve(t, ctx)
	p2.serve(t, ctx)

	const n = 8000
	for i := 1; i <= n; i++ {
		rec := walletFor(t, p2.self, fmt.Sprintf("0x%040x", i), fmt.Sprintf("w%d", i))
		_, err := p2.records.MergeInto(ctx, rec, store.OriginLocal)
		require.NoError(t, err)
	}
	p1.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "from-p1"})
	link(t, p1, p2)

	frames, err := p2.engine.digestFrames()
	require.NoError(t, err)
	require.Greater(t, len(frames), 1)
	var from string
	for i, f := range frames {
		m, err := proto.DecodeSyncMessage(f)
		require.NoError(t, err)
		body, err := m.DigestBody()
		require.NoError(t, err)
		assert.Equal(t, from, body.From, "digest %d must start where the previous ended", i)
		assert.LessOrEqual(t, len(body.Entries), proto.MaxPullIDs)
		from = body.To
	}
	assert.Empty(t, from, "last digest must be open ended")

	stats := p2.engine.Round(ctx)
	require.Equal(t, 1, stats.OK)
	got, ok := p2.get(t, testAddr)
	require.True(t, ok)
	assert.Equal(t, "from-p1", got.Label.Value)
	assert.Equal(t, n+1, p1.records.Len())
}

func TestPartitionedPeerCatchesUpAfterHeal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	a := newTestNode(t, mn, "a", members, clock)
	b := newTestNode(t, mn, "b", members, clock)
	a.serve(t, ctx)
	b.serve(t, ctx)
	link(t, a, b)

	mn.Partition("a", "b")
	a.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "offline"})
	stats := a.engine.Round(ctx)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, a.engine.PendingRumors())
	_, ok := b.get(t, testAddr)
	require.False(t, ok)
	peers := a.engine.Peers()
	require.Len(t, peers, 1)
	assert.False(t, peers[0].Connected)
	assert.Equal(t, 1, peers[0].Failures)

	mn.Heal("a", "b")
	stats = a.engine.Round(ctx)
	assert.Equal(t, 1, stats.OK)
	assert.Zero(t, a.engine.PendingRumors())
	got, ok := b.get(t, testAddr)
	require.True(t, ok)
	assert.Equal(t, "offline", got.Label.Value)
	assert.True(t, a.engine.Peers()[0].Connected)
}

func TestAppliedRecordsAreRegossiped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	a := newTestNode(t, mn, "a", members, clock)
	b := newTestNode(t, mn, "b", members, clock)
	c := newTestNode(t, mn, "c", members, clock)
	for _, n := range []*testNode{a, b, c} {
		n.serve(t, ctx)
	}
	link(t, a, b)
	link(t, b, c)

	a.put(t, record.Wallet{Chain: record.ChainEthereum, Address: testAddr, Label: "rumor"})
	a.engine.Round(ctx)
	require.Equal(t, 1, b.engine.PendingRumors())
	_, ok := c.get(t, testAddr)
	require.False(t, ok)

	stats := b.engine.Round(ctx)
	assert.Equal(t, 1, stats.Rumors)
	got, ok := c.get(t, testAddr)
	require.True(t, ok)
	assert.Equal(t, "rumor", got.Label.Value)
	assert.Positive(t, b.metrics.Snapshot().Sync.RumorsSent)
}

func TestPeerSetIsBounded(t *testing.T) {
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	mn := network.NewMemNet()
	members := newMemberSet()
	self, vault, err := identity.Generate()
	require.NoError(t, err)
	ident, err := identity.NewModule(vault, identity.Options{Now: clock.Now})
	require.NoError(t, err)
	e, err := NewEngine(Options{
		Identity:  ident,
		Records:   store.NewRecords(store.Options{}),
		Transport: mn.Endpoint("self"),
		Members:   members,
		MaxPeers:  1,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	require.ErrorIs(t, e.AddPeer(self, "self"), ErrSelfPeer)

	p1, _, err := identity.Generate()
	require.NoError(t, err)
	p2, _, err := identity.Generate()
	require.NoError(t, err)
	require.NoError(t, e.AddPeer(p1, "p1"))
	require.ErrorIs(t, e.AddPeer(p2, "p2"), ErrPeerSetFull)
	e.RemovePeer(p1.ID)
	require.NoError(t, e.AddPeer(p2, "p2"))
	ids := []identity.NodeID{}
	for _, p := range e.Peers() {
		ids = append(ids, p.ID)
	}
	assert.True(t, slices.Contains(ids, p2.ID))
	_, known := ident.Lookup(p1.ID)
	assert.False(t, known)
}
