package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"walletmesh/internal/crypto"
	"walletmesh/internal/testutil"
)

func echoHandler(_ context.Context, remote string, payload []byte) [][]byte {
	return [][]byte{[]byte(remote), payload}
}

func TestMemNetExchangeAndPartition(t *testing.T) {
	n := NewMemNet()
	a, b := n.Endpoint("a"), n.Endpoint("b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Serve(ctx, echoHandler) }()
	testutil.Eventually(t, time.Second, b.Serving, "b serving")

	out, err := a.Exchange(ctx, "b", []byte("digest"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if len(out) != 2 || string(out[0]) != "a" || string(out[1]) != "digest" {
		t.Fatalf("unexpected responses %q", out)
	}

	n.Partition("a", "b")
	if _, err := a.Exchange(ctx, "b", []byte("digest")); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected partition to make b unreachable, got %v", err)
	}
	n.Heal("a", "b")
	if _, err := a.Exchange(ctx, "b", []byte("digest")); err != nil {
		t.Fatalf("expected exchange after heal, got %v", err)
	}
}

func TestMemNetExchangeTimeout(t *testing.T) {
	n := NewMemNet()
	a, b := n.Endpoint("a"), n.Endpoint("b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	go func() {
		_ = b.Serve(ctx, func(context.Context, string, []byte) [][]byte { <-block; return nil })
	}()
	testutil.Eventually(t, time.Second, b.Serving, "b serving")
	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	if _, err := a.Exchange(short, "b", []byte("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestQUICExchangeLoopback(t *testing.T) {
	srvVault, err := crypto.NewKeyVault()
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	cliVault, err := crypto.NewKeyVault()
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	srv, err := ListenQUIC(QUICOptions{ListenAddr: "127.0.0.1:0", Vault: srvVault, MaxConnsPerHost: 8, MaxStreamsPerIP: 32})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = srv.Serve(ctx, func(_ context.Context, _ string, payload []byte) [][]byte {
			return [][]byte{payload, []byte("second")}
		})
	}()

	cli, err := ListenQUIC(QUICOptions{
		ListenAddr: "127.0.0.1:0",
		Vault:      cliVault,
		PeerKey:    func(string) ([]byte, bool) { return srvVault.PublicKey(), true },
	})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer cli.Close()

	exCtx, exCancel := context.WithTimeout(ctx, 5*time.Second)
	defer exCancel()
	out, err := cli.Exchange(exCtx, srv.Addr(), []byte(`{"type":"digest"}`))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if len(out) != 2 || string(out[0]) != `{"type":"digest"}` || string(out[1]) != "second" {
		t.Fatalf("unexpected responses %q", out)
	}

	wrong, err := ListenQUIC(QUICOptions{
		ListenAddr: "127.0.0.1:0",
		Vault:      cliVault,
		PeerKey:    func(string) ([]byte, bool) { return cliVault.PublicKey(), true },
	})
	if err != nil {
		t.Fatalf("listen wrong: %v", err)
	}
	defer wrong.Close()
	if _, err := wrong.Exchange(exCtx, srv.Addr(), []byte(`{"type":"digest"}`)); err == nil {
		t.Fatalf("expected pinned key mismatch to fail")
	}
}

func TestQUICReportsMalformedFrames(t *testing.T) {
	srvVault, err := crypto.NewKeyVault()
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	cliVault, err := crypto.NewKeyVault()
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	reported := make(chan error, 8)
	srv, err := ListenQUIC(QUICOptions{
		ListenAddr:      "127.0.0.1:0",
		Vault:           srvVault,
		MaxConnsPerHost: 8,
		MaxStreamsPerIP: 32,
		OnMalformed: func(_ string, err error) {
			select {
			case reported <- err:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handled := make(chan struct{}, 1)
	go func() {
		_ = srv.Serve(ctx, func(context.Context, string, []byte) [][]byte {
			handled <- struct{}{}
			return nil
		})
	}()

	cli, err := ListenQUIC(QUICOptions{
		ListenAddr: "127.0.0.1:0",
		Vault:      cliVault,
		PeerKey:    func(string) ([]byte, bool) { return srvVault.PublicKey(), true },
	})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer cli.Close()

	exCtx, exCancel := context.WithTimeout(ctx, 5*time.Second)
	defer exCancel()
	junk := []byte(`{"note":"` + strings.Repeat("x", 80<<10) + `"}`)
	_, _ = cli.Exchange(exCtx, srv.Addr(), junk)

	select {
	case err := <-reported:
		if !strings.Contains(err.Error(), "must lead with type") {
			t.Fatalf("unexpected malformed reason: %v", err)
		}
	case <-exCtx.Done():
		t.Fatalf("expected malformed frame to be reported")
	}
	select {
	case <-handled:
		t.Fatalf("expected malformed frame to never reach the handler")
	default:
	}
}
