package gossip

import (
	"sort"
	"sync"
	"time"

	"walletmesh/internal/admission"
	"walletmesh/internal/identity"
)

const maxSeen = 1 << 16

type peerHandle struct {
	identity     identity.PeerIdentity
	addr         string
	connected    bool
	lastExchange time.Time
	failures     int
}

// PeerStatus is a read-only view of one entry in the peer set.
type PeerStatus struct {
	ID           identity.NodeID
	Addr         string
	Connected    bool
	LastSeen     time.Time
	LastExchange time.Time
	Failures     int
}

// State is the per-node gossip state: the peer set, pending rumors and the
// admission counters. Only the engine mutates it.
type State struct {
	mu       sync.Mutex
	maxPeers int
	peers    map[identity.NodeID]*peerHandle
	dirty    map[string]struct{}
	seen     map[string]time.Time

	hosts *admission.Controller
	nodes *admission.Controller
}

func newState(maxPeers int, hostCfg, nodeCfg admission.Config) *State {
	return &State{
		maxPeers: maxPeers,
		peers:    make(map[identity.NodeID]*peerHandle),
		dirty:    make(map[string]struct{}),
		seen:     make(map[string]time.Time),
		hosts:    admission.New(hostCfg),
		nodes:    admission.New(nodeCfg),
	}
}

func (s *State) addPeer(p identity.PeerIdentity, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.peers[p.ID]; ok {
		h.identity = p
		h.addr = addr
		return nil
	}
	if s.maxPeers > 0 && len(s.peers) >= s.maxPeers {
		return ErrPeerSetFull
	}
	s.peers[p.ID] = &peerHandle{identity: p, addr: addr}
	return nil
}

func (s *State) removePeer(id identity.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	delete(s.peers, id)
	return ok
}

func (s *State) peer(id identity.NodeID) (peerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.peers[id]
	if !ok {
		return peerHandle{}, false
	}
	return *h, true
}

func (s *State) handles() []peerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peerHandle, 0, len(s.peers))
	for _, h := range s.peers {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].identity.ID.String() < out[j].identity.ID.String() })
	return out
}

func (s *State) seenFrom(id identity.NodeID, at time.Time) {
	s.mu.Lock()
	if h, ok := s.peers[id]; ok && at.After(h.identity.LastSeen) {
		h.identity.LastSeen = at
	}
	s.mu.Unlock()
}

func (s *State) exchanged(id identity.NodeID, ok bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, found := s.peers[id]
	if !found {
		return
	}
	h.connected = ok
	if ok {
		h.lastExchange = now
		h.failures = 0
		return
	}
	h.failures++
}

func (s *State) markDirty(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		s.dirty[id] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *State) takeDirty() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dirty) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		out = append(out, id)
	}
	s.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out
}

func (s *State) pendingRumors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// seenBefore reports whether msgID was already accepted inside the replay
// window.
func (s *State) seenBefore(msgID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.seen[msgID]
	return ok && now.Before(exp)
}

func (s *State) remember(msgID string, expires, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) >= maxSeen {
		for k, exp := range s.seen {
			if !now.Before(exp) {
				delete(s.seen, k)
			}
		}
		// A reset admits duplicates, which merge as no-ops.
		if len(s.seen) >= maxSeen {
			s.seen = make(map[string]time.Time)
		}
	}
	s.seen[msgID] = expires
}

func (s *State) clear() {
	s.mu.Lock()
	s.peers = make(map[identity.NodeID]*peerHandle)
	s.dirty = make(map[string]struct{})
	s.seen = make(map[string]time.Time)
	s.mu.Unlock()
}
