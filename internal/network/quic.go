package network

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"walletmesh/internal/crypto"
	"walletmesh/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second
	maxResponseFrames    = 64
)

type QUICOptions struct {
	ListenAddr      string
	Vault           crypto.Vault
	Logger          *zap.Logger
	MaxConnsPerHost int
	MaxStreamsPerIP int
	// PeerKey returns the public key expected at addr, if known.
	PeerKey func(addr string) ([]byte, bool)
	// OnMalformed is told about inbound frames that break the framing rules.
	OnMalformed func(remote string, err error)
}

// QUICTransport runs one bidirectional stream per exchange over pooled QUIC
// connections. TLS certificates are self-signed by the node identity key.
type QUICTransport struct {
	listener *quic.Listener
	cert     tls.Certificate
	quicConf *quic.Config
	pool     *clientPool
	limits   *hostLimiter
	peerKey  func(string) ([]byte, bool)
	badFrame func(string, error)
	log      *zap.Logger

	mu      sync.Mutex
	inbound map[string]map[*quic.Conn]struct{}
	closed  bool
}

func ListenQUIC(opts QUICOptions) (*QUICTransport, error) {
	if opts.Vault == nil {
		return nil, errors.New("missing vault")
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	lg = lg.Named("quic")
	cert, err := selfCert(opts.Vault)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	ln, err := quic.ListenAddr(opts.ListenAddr, serverTLSConfig(cert), quicConf)
	if err != nil {
		return nil, err
	}
	lg.Info("quic listen ready", zap.String("addr", ln.Addr().String()))
	return &QUICTransport{
		listener: ln,
		cert:     cert,
		quicConf: quicConf,
		pool:     newClientPool(clientConnIdle, lg),
		limits:   newHostLimiter(opts.MaxConnsPerHost, opts.MaxStreamsPerIP),
		peerKey:  opts.PeerKey,
		badFrame: opts.OnMalformed,
		log:      lg,
		inbound:  make(map[string]map[*quic.Conn]struct{}),
	}, nil
}

func (t *QUICTransport) Addr() string {
	return t.listener.Addr().String()
}

func (t *QUICTransport) Serve(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		_ = t.listener.Close()
	}()
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		remote := conn.RemoteAddr().String()
		host := HostOf(remote)
		if !t.limits.acquireConn(host) {
			t.log.Warn("conn limit reached", zap.String("remote", remote))
			_ = conn.CloseWithError(0, "conn limit")
			continue
		}
		t.track(remote, conn)
		go t.serveConn(ctx, conn, remote, host, h)
	}
}

func (t *QUICTransport) serveConn(ctx context.Context, conn *quic.Conn, remote, host string, h Handler) {
	defer t.limits.releaseConn(host)
	defer t.untrack(remote, conn)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !t.limits.acquireStream(host) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer t.limits.releaseStream(host)
			defer s.Close()
			_ = s.SetDeadline(time.Now().Add(streamRWTimeout))
			payload, err := proto.ReadRequestFrame(s)
			if err != nil {
				t.log.Debug("read frame failed", zap.String("remote", remote), zap.Error(err))
				s.CancelRead(0)
				var bad *proto.MalformedMessageError
				if errors.As(err, &bad) && t.badFrame != nil {
					t.badFrame(remote, err)
				}
				return
			}
			for _, resp := range h(ctx, remote, payload) {
				if err := proto.WriteFrame(s, resp); err != nil {
					t.log.Debug("write response failed", zap.String("remote", remote), zap.Error(err))
					return
				}
			}
		}(stream)
	}
}

func (t *QUICTransport) track(remote string, conn *quic.Conn) {
	t.mu.Lock()
	set := t.inbound[remote]
	if set == nil {
		set = make(map[*quic.Conn]struct{})
		t.inbound[remote] = set
	}
	set[conn] = struct{}{}
	t.mu.Unlock()
}

func (t *QUICTransport) untrack(remote string, conn *quic.Conn) {
	t.mu.Lock()
	if set := t.inbound[remote]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(t.inbound, remote)
		}
	}
	t.mu.Unlock()
}

// Exchange writes payload on a fresh stream, half-closes it and collects
// response frames until the responder closes its side.
func (t *QUICTransport) Exchange(ctx context.Context, addr string, payload []byte) ([][]byte, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	var expect []byte
	if t.peerKey != nil {
		expect, _ = t.peerKey(addr)
	}
	tlsConf := clientTLSConfig(t.cert, expect)
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		conn, err := t.pool.get(ctx, addr, tlsConf, t.quicConf)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrPeerKeyMismatch) || !backoffRetry(ctx, t.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		out, err := t.roundTrip(ctx, conn, payload)
		if err != nil {
			lastErr = err
			t.pool.drop(addr, conn, "exchange failed")
			if !backoffRetry(ctx, t.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		t.pool.touch(addr, conn)
		t.pool.resetFailures(addr)
		return out, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("exchange failed")
	}
	return nil, lastErr
}

func (t *QUICTransport) roundTrip(ctx context.Context, conn *quic.Conn, payload []byte) ([][]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(streamRWTimeout)
	}
	_ = stream.SetDeadline(deadline)
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelRead(0)
		return nil, err
	}
	if err := stream.Close(); err != nil {
		return nil, err
	}
	var out [][]byte
	for len(out) < maxResponseFrames {
		frame, err := proto.ReadFrame(stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, frame)
	}
	stream.CancelRead(0)
	return out, nil
}

func (t *QUICTransport) Disconnect(remote string) {
	t.mu.Lock()
	set := t.inbound[remote]
	delete(t.inbound, remote)
	t.mu.Unlock()
	for conn := range set {
		_ = conn.CloseWithError(0, "disconnected")
	}
	t.pool.drop(remote, nil, "disconnected")
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	inbound := t.inbound
	t.inbound = make(map[string]map[*quic.Conn]struct{})
	t.mu.Unlock()
	for _, set := range inbound {
		for conn := range set {
			_ = conn.CloseWithError(0, "shutdown")
		}
	}
	t.pool.closeAll()
	return t.listener.Close()
}
