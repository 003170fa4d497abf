package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const (
	clientMaxRetries  = 2
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
	clientTimeout     = 8 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

// clientPool reuses outbound connections per address and counts consecutive
// failures for backoff.
type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]*addrFailure
	idleAfter time.Duration
	log       *zap.Logger
}

func newClientPool(idleAfter time.Duration, lg *zap.Logger) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]*addrFailure),
		idleAfter: idleAfter,
		log:       lg,
	}
}

func (p *clientPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	p.log.Debug("quic dial", zap.String("addr", addr))
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn.Context().Err() == nil {
		// lost a dial race; keep the first connection
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return ent.conn, nil
	}
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) touch(addr string, conn *quic.Conn) {
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		ent.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

func (p *clientPool) drop(addr string, conn *quic.Conn, reason string) {
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && (conn == nil || ent.conn == conn) {
		conn = ent.conn
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(0, reason)
	}
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}

func (p *clientPool) recordFailure(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	ent := p.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[addr] = ent
	}
	// Failures spread out over more than the idle window start a new streak.
	if now.Sub(ent.last) > p.idleAfter {
		ent.count = 0
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (p *clientPool) resetFailures(addr string) {
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(min(failures-1, 10)))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
