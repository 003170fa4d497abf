package peer

import "walletmesh/internal/identity"

// RevokeStore records identities that must never authenticate again.
type RevokeStore struct {
	set *idSet
}

func NewRevokeStore(path string) (*RevokeStore, error) {
	set, err := newIDSet(path)
	if err != nil {
		return nil, err
	}
	return &RevokeStore{set: set}, nil
}

func (s *RevokeStore) Revoke(id identity.NodeID, persist bool) error {
	return s.set.add(id, persist)
}

func (s *RevokeStore) IsRevoked(id identity.NodeID) bool {
	if s == nil {
		return false
	}
	return s.set.has(id)
}

func (s *RevokeStore) List() []identity.NodeID {
	return s.set.list()
}
