package gossip

import (
	"errors"
	"fmt"

	"walletmesh/internal/identity"
)

var (
	ErrPeerSetFull = errors.New("peer set full")
	ErrSelfPeer    = errors.New("cannot add self as peer")
	ErrUnexpected  = errors.New("unexpected response sender")
)

// UnauthorizedPeerError marks a correctly signed message from a peer that is
// not a member of the sync group.
type UnauthorizedPeerError struct {
	Peer identity.NodeID
}

func (e *UnauthorizedPeerError) Error() string {
	return fmt.Sprintf("peer %s is not a sync group member", e.Peer.Short())
}
