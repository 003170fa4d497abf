package identity

import (
	"sync"
	"time"

	"walletmesh/internal/crypto"
)

// Revocations answers whether an id has been revoked by the group owner.
type Revocations interface {
	IsRevoked(id NodeID) bool
}

type Options struct {
	// Allow lists ids that may be learned on first valid contact.
	Allow []NodeID
	// Revoked is consulted on every verification.
	Revoked Revocations
	// OnLearn is called after an allow-listed identity is first verified.
	OnLearn func(PeerIdentity)
	Now     func() time.Time
}

// Module owns the local identity and the table of known remote identities.
type Module struct {
	vault crypto.Vault
	self  PeerIdentity

	mu      sync.RWMutex
	known   map[NodeID]*PeerIdentity
	allow   map[NodeID]struct{}
	revoked Revocations
	onLearn func(PeerIdentity)
	now     func() time.Time
}

func NewModule(v crypto.Vault, opts Options) (*Module, error) {
	self, err := FromVault(v)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Module{
		vault:   v,
		self:    self,
		known:   make(map[NodeID]*PeerIdentity),
		allow:   make(map[NodeID]struct{}),
		revoked: opts.Revoked,
		onLearn: opts.OnLearn,
		now:     now,
	}
	for _, id := range opts.Allow {
		m.allow[id] = struct{}{}
	}
	return m, nil
}

func (m *Module) Self() PeerIdentity {
	return m.self
}

func (m *Module) Sign(data []byte) ([]byte, error) {
	return m.vault.Sign(data)
}

// Add registers a known identity, replacing nothing if the id is already
// present with the same key.
func (m *Module) Add(p PeerIdentity) error {
	if !p.Consistent() {
		return &AuthenticationError{Peer: p.ID, Reason: ReasonIDMismatch}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.known[p.ID]; ok {
		if !cur.SameKey(p) {
			return &AuthenticationError{Peer: p.ID, Reason: ReasonKeyMismatch}
		}
		return nil
	}
	cp := p
	m.known[p.ID] = &cp
	return nil
}

// Forget drops a remote identity, e.g. when a peer is removed.
func (m *Module) Forget(id NodeID) {
	m.mu.Lock()
	delete(m.known, id)
	m.mu.Unlock()
}

func (m *Module) Lookup(id NodeID) (PeerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == m.self.ID {
		return m.self, true
	}
	p, ok := m.known[id]
	if !ok {
		return PeerIdentity{}, false
	}
	return *p, true
}

// Verify authenticates message as signed by claimed. On success the stored
// identity is returned with LastSeen refreshed.
func (m *Module) Verify(message, sig []byte, claimed PeerIdentity) (PeerIdentity, error) {
	if !claimed.Consistent() {
		return PeerIdentity{}, &AuthenticationError{Peer: claimed.ID, Reason: ReasonIDMismatch}
	}
	if m.revoked != nil && m.revoked.IsRevoked(claimed.ID) {
		return PeerIdentity{}, &AuthenticationError{Peer: claimed.ID, Reason: ReasonRevoked}
	}
	m.mu.RLock()
	cur, known := m.known[claimed.ID]
	_, allowed := m.allow[claimed.ID]
	m.mu.RUnlock()
	if known && !cur.SameKey(claimed) {
		return PeerIdentity{}, &AuthenticationError{Peer: claimed.ID, Reason: ReasonKeyMismatch}
	}
	if !known && !allowed {
		return PeerIdentity{}, &AuthenticationError{Peer: claimed.ID, Reason: ReasonUnknown}
	}
	if !crypto.Verify(claimed.PubKey, message, sig) {
		return PeerIdentity{}, &AuthenticationError{Peer: claimed.ID, Reason: ReasonBadSignature}
	}

	now := m.now()
	m.mu.Lock()
	cur, known = m.known[claimed.ID]
	if !known {
		cp := PeerIdentity{ID: claimed.ID, PubKey: append([]byte(nil), claimed.PubKey...)}
		cur = &cp
		m.known[claimed.ID] = cur
	}
	cur.LastSeen = now
	out := *cur
	m.mu.Unlock()
	if !known && m.onLearn != nil {
		m.onLearn(out)
	}
	return out, nil
}
