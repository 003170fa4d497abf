package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Drop reasons recorded by the gossip admission pipeline.
const (
	DropOversize  = "oversize"
	DropMalformed = "malformed"
	DropReplay    = "replay"
	DropDuplicate = "duplicate"
	DropRate      = "rate"
	DropAuth      = "auth"
	DropNonMember = "non_member"
	DropBanned    = "banned"
)

// MergeHeader summarizes one state-changing merge for the recent list.
type MergeHeader struct {
	RecordID string    `json:"record_id"`
	Outcome  string    `json:"outcome"`
	Origin   string    `json:"origin"`
	Clock    uint64    `json:"clock"`
	At       time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Sync         SyncMetrics       `json:"sync"`
	Merge        MergeMetrics      `json:"merge"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	Bans         uint64            `json:"bans"`
	Disconnects  uint64            `json:"disconnects"`
	StorageFails uint64            `json:"storage_failures"`
	Peers        int64             `json:"peers"`
	Wallets      int64             `json:"wallets"`
	Tracked      int64             `json:"admission_tracked"`
	Recent       []MergeHeader     `json:"recent"`
}

type SyncMetrics struct {
	Rounds          uint64 `json:"rounds"`
	ExchangesOK     uint64 `json:"exchanges_ok"`
	ExchangesFailed uint64 `json:"exchanges_failed"`
	RumorsSent      uint64 `json:"rumors_sent"`
}

type MergeMetrics struct {
	Applied  uint64 `json:"applied"`
	NoOp     uint64 `json:"noop"`
	Conflict uint64 `json:"conflict"`
}

type Metrics struct {
	rounds          atomic.Uint64
	exchangesOK     atomic.Uint64
	exchangesFailed atomic.Uint64
	rumorsSent      atomic.Uint64
	mergeApplied    atomic.Uint64
	mergeNoOp       atomic.Uint64
	mergeConflict   atomic.Uint64
	bans            atomic.Uint64
	disconnects     atomic.Uint64
	storageFails    atomic.Uint64
	peers           atomic.Int64
	wallets         atomic.Int64
	tracked         atomic.Int64

	mu           sync.Mutex
	dropByReason map[string]uint64
	recvByType   map[string]uint64
	recent       *MergeRecent
}

func New() *Metrics {
	return &Metrics{
		dropByReason: make(map[string]uint64),
		recvByType:   make(map[string]uint64),
		recent:       NewMergeRecent(64),
	}
}

func (m *Metrics) Recent() *MergeRecent {
	return m.recent
}

func (m *Metrics) IncRound() {
	m.rounds.Add(1)
}

func (m *Metrics) IncExchange(ok bool) {
	if ok {
		m.exchangesOK.Add(1)
		return
	}
	m.exchangesFailed.Add(1)
}

func (m *Metrics) AddRumorsSent(n int) {
	m.rumorsSent.Add(uint64(n))
}

// IncMerge counts a merge by its outcome name.
func (m *Metrics) IncMerge(outcome string) {
	switch outcome {
	case "applied":
		m.mergeApplied.Add(1)
	case "conflict":
		m.mergeConflict.Add(1)
	default:
		m.mergeNoOp.Add(1)
	}
}

func (m *Metrics) IncBan() {
	m.bans.Add(1)
}

func (m *Metrics) IncDisconnect() {
	m.disconnects.Add(1)
}

func (m *Metrics) IncStorageFailure() {
	m.storageFails.Add(1)
}

func (m *Metrics) SetPeers(n int) {
	m.peers.Store(int64(n))
}

func (m *Metrics) SetWallets(n int) {
	m.wallets.Store(int64(n))
}

func (m *Metrics) SetTracked(n int) {
	m.tracked.Store(int64(n))
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncRecvByType(msgType string) {
	if msgType == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[msgType]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	m.mu.Unlock()
	recent := []MergeHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Sync: SyncMetrics{
			Rounds:          m.rounds.Load(),
			ExchangesOK:     m.exchangesOK.Load(),
			ExchangesFailed: m.exchangesFailed.Load(),
			RumorsSent:      m.rumorsSent.Load(),
		},
		Merge: MergeMetrics{
			Applied:  m.mergeApplied.Load(),
			NoOp:     m.mergeNoOp.Load(),
			Conflict: m.mergeConflict.Load(),
		},
		DropByReason: drops,
		RecvByType:   recv,
		Bans:         m.bans.Load(),
		Disconnects:  m.disconnects.Load(),
		StorageFails: m.storageFails.Load(),
		Peers:        m.peers.Load(),
		Wallets:      m.wallets.Load(),
		Tracked:      m.tracked.Load(),
		Recent:       recent,
	}
}

// DropReasons returns the reasons seen so far, sorted.
func (s Snapshot) DropReasons() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type MergeRecent struct {
	mu   sync.Mutex
	cap  int
	list []MergeHeader
}

func NewMergeRecent(capacity int) *MergeRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &MergeRecent{cap: capacity}
}

func (r *MergeRecent) Add(h MergeHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *MergeRecent) List() []MergeHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MergeHeader, len(r.list))
	copy(out, r.list)
	return out
}
