package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"walletmesh/internal/proto"
)

var ErrUnreachable = errors.New("peer unreachable")

// MemNet is an in-process network of MemTransports with controllable
// partitions.
type MemNet struct {
	mu    sync.RWMutex
	nodes map[string]*MemTransport
	cut   map[[2]string]bool
}

func NewMemNet() *MemNet {
	return &MemNet{nodes: make(map[string]*MemTransport), cut: make(map[[2]string]bool)}
}

// Endpoint registers a transport reachable at addr.
func (n *MemNet) Endpoint(addr string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemTransport{net: n, addr: addr}
	n.nodes[addr] = t
	return t
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Partition drops all traffic between a and b until Heal.
func (n *MemNet) Partition(a, b string) {
	n.mu.Lock()
	n.cut[pairKey(a, b)] = true
	n.mu.Unlock()
}

func (n *MemNet) Heal(a, b string) {
	n.mu.Lock()
	delete(n.cut, pairKey(a, b))
	n.mu.Unlock()
}

func (n *MemNet) route(from, to string) (*MemTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[pairKey(from, to)] {
		return nil, fmt.Errorf("%w: %s partitioned", ErrUnreachable, to)
	}
	t, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return t, nil
}

type MemTransport struct {
	net  *MemNet
	addr string

	mu           sync.Mutex
	handler      Handler
	closed       bool
	disconnected []string
}

func (t *MemTransport) Addr() string {
	return t.addr
}

func (t *MemTransport) Serve(ctx context.Context, h Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.handler = h
	t.mu.Unlock()
	<-ctx.Done()
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) Serving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler != nil
}

func (t *MemTransport) Exchange(ctx context.Context, addr string, payload []byte) ([][]byte, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if _, err := proto.EncodeFrame(payload); err != nil {
		return nil, err
	}
	dst, err := t.net.route(t.addr, addr)
	if err != nil {
		return nil, err
	}
	dst.mu.Lock()
	h := dst.handler
	dst.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s not serving", ErrUnreachable, addr)
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	done := make(chan [][]byte, 1)
	in := append([]byte(nil), payload...)
	go func() { done <- h(ctx, t.addr, in) }()
	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect is recorded; in-process exchanges hold no connection state.
func (t *MemTransport) Disconnect(remote string) {
	t.mu.Lock()
	t.disconnected = append(t.disconnected, remote)
	t.mu.Unlock()
}

func (t *MemTransport) Disconnected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.disconnected...)
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.handler = nil
	t.mu.Unlock()
	return nil
}
