package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"walletmesh/internal/crypto"
)

const nodeIDLabel = "walletmesh:nodeid:v1"

// NodeID is the SHA3-256 of a domain label and the peer's Ed25519 public key.
type NodeID [32]byte

func DeriveNodeID(pub []byte) NodeID {
	var id NodeID
	copy(id[:], crypto.KDF(nodeIDLabel, pub))
	return id
}

func ParseNodeID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(NodeID{}) {
		return NodeID{}, fmt.Errorf("bad node id %q", s)
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the log form of an id.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// PeerIdentity binds a node id to its public key. LastSeen is the only field
// that changes after creation.
type PeerIdentity struct {
	ID       NodeID    `json:"id"`
	PubKey   []byte    `json:"pub"`
	LastSeen time.Time `json:"last_seen"`
}

// NewPeerIdentity checks pub and derives the id.
func NewPeerIdentity(pub []byte) (PeerIdentity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return PeerIdentity{}, fmt.Errorf("bad public key size %d", len(pub))
	}
	cp := make([]byte, len(pub))
	copy(cp, pub)
	return PeerIdentity{ID: DeriveNodeID(cp), PubKey: cp}, nil
}

// Generate creates a fresh keypair-backed identity inside a new vault.
func Generate() (PeerIdentity, *crypto.KeyVault, error) {
	v, err := crypto.NewKeyVault()
	if err != nil {
		return PeerIdentity{}, nil, err
	}
	id, err := FromVault(v)
	return id, v, err
}

func FromVault(v crypto.Vault) (PeerIdentity, error) {
	id, err := NewPeerIdentity(v.PublicKey())
	if err != nil {
		return PeerIdentity{}, err
	}
	id.LastSeen = time.Now()
	return id, nil
}

// Consistent reports whether ID is derived from PubKey.
func (p PeerIdentity) Consistent() bool {
	return len(p.PubKey) == ed25519.PublicKeySize && DeriveNodeID(p.PubKey) == p.ID
}

func (p PeerIdentity) SameKey(o PeerIdentity) bool {
	return p.ID == o.ID && bytes.Equal(p.PubKey, o.PubKey)
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
