package peer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"walletmesh/internal/identity"
	"walletmesh/internal/store"
)

// idSet is a persisted set of node ids backed by an add/remove JSONL log.
type idSet struct {
	mu   sync.RWMutex
	path string
	ids  map[identity.NodeID]time.Time
}

type diskID struct {
	NodeID  string `json:"node_id"`
	At      int64  `json:"at"`
	Removed bool   `json:"removed,omitempty"`
}

func newIDSet(path string) (*idSet, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}
	s := &idSet{path: path, ids: make(map[identity.NodeID]time.Time)}
	if path == "" {
		return s, nil
	}
	err := store.ScanJSONL(path, func(rec diskID) {
		id, err := identity.ParseNodeID(rec.NodeID)
		if err != nil {
			return
		}
		if rec.Removed {
			delete(s.ids, id)
			return
		}
		s.ids[id] = time.Unix(rec.At, 0)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *idSet) add(id identity.NodeID, persist bool) error {
	if id.IsZero() {
		return fmt.Errorf("missing node_id")
	}
	now := time.Now()
	s.mu.Lock()
	_, exists := s.ids[id]
	if !exists {
		s.ids[id] = now
	}
	s.mu.Unlock()
	if exists || !persist || s.path == "" {
		return nil
	}
	return store.AppendJSONL(s.path, diskID{NodeID: id.String(), At: now.Unix()})
}

func (s *idSet) remove(id identity.NodeID, persist bool) error {
	s.mu.Lock()
	_, exists := s.ids[id]
	delete(s.ids, id)
	s.mu.Unlock()
	if !exists || !persist || s.path == "" {
		return nil
	}
	return store.AppendJSONL(s.path, diskID{NodeID: id.String(), At: time.Now().Unix(), Removed: true})
}

func (s *idSet) has(id identity.NodeID) bool {
	s.mu.RLock()
	_, ok := s.ids[id]
	s.mu.RUnlock()
	return ok
}

func (s *idSet) list() []identity.NodeID {
	s.mu.RLock()
	out := make([]identity.NodeID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// MemberStore is the synchronization group: the peers allowed to exchange
// wallet state with this node.
type MemberStore struct {
	set *idSet
}

func NewMemberStore(path string) (*MemberStore, error) {
	set, err := newIDSet(path)
	if err != nil {
		return nil, err
	}
	return &MemberStore{set: set}, nil
}

func (s *MemberStore) Add(id identity.NodeID, persist bool) error {
	return s.set.add(id, persist)
}

func (s *MemberStore) Remove(id identity.NodeID, persist bool) error {
	return s.set.remove(id, persist)
}

func (s *MemberStore) Has(id identity.NodeID) bool {
	return s.set.has(id)
}

func (s *MemberStore) List() []identity.NodeID {
	return s.set.list()
}

func (s *MemberStore) Len() int {
	return len(s.set.list())
}
