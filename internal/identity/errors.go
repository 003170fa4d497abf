package identity

import "fmt"

const (
	ReasonBadSignature = "bad signature"
	ReasonIDMismatch   = "node id does not match public key"
	ReasonKeyMismatch  = "public key differs from known identity"
	ReasonUnknown      = "unknown identity"
	ReasonRevoked      = "revoked identity"
)

// AuthenticationError reports a message whose sender could not be
// authenticated. The message must be dropped and the sender flagged.
type AuthenticationError struct {
	Peer   NodeID
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Peer.Short(), e.Reason)
}
