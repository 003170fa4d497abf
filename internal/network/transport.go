package network

import (
	"context"
	"errors"
	"net"
)

var ErrClosed = errors.New("transport closed")

// Handler answers one inbound request with zero or more response payloads.
// remote identifies the sending endpoint for admission bookkeeping.
type Handler func(ctx context.Context, remote string, payload []byte) [][]byte

// Transport carries framed request/response exchanges between peers.
type Transport interface {
	// Exchange sends payload to addr and returns every response payload.
	Exchange(ctx context.Context, addr string, payload []byte) ([][]byte, error)
	// Serve dispatches inbound requests to h until ctx is canceled.
	Serve(ctx context.Context, h Handler) error
	// Disconnect tears down connections to or from remote.
	Disconnect(remote string)
	Addr() string
	Close() error
}

// HostOf strips the port from addr when it has one.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
