package network

import "testing"

func TestHostLimiterConnCap(t *testing.T) {
	lim := newHostLimiter(1, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestHostLimiterStreamCap(t *testing.T) {
	lim := newHostLimiter(0, 2)
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.releaseStream("1.2.3.4")
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
	if !lim.acquireStream("2.3.4.5") {
		t.Fatalf("expected separate host unaffected")
	}
}

func TestHostOf(t *testing.T) {
	if got := HostOf("127.0.0.1:4100"); got != "127.0.0.1" {
		t.Fatalf("expected host, got %s", got)
	}
	if got := HostOf("node-a"); got != "node-a" {
		t.Fatalf("expected bare name unchanged, got %s", got)
	}
}
