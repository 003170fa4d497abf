package main

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"walletmesh/internal/identity"
)

func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var out bytes.Buffer
	code := run(args, &out, &out)
	return out.String(), code
}

func TestHelp(t *testing.T) {
	out, code := runCLI(t, "--help")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "walletmesh") {
		t.Fatalf("expected help output to mention walletmesh")
	}
}

func TestUnknownCommandFails(t *testing.T) {
	if _, code := runCLI(t, "frobnicate"); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestWalletLifecycle(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WALLETMESH_PASSPHRASE", "correct horse battery staple")

	out, code := runCLI(t, "--home", home, "init", "--listen", "127.0.0.1:7950")
	if code != 0 {
		t.Fatalf("init failed: %s", out)
	}
	if !strings.Contains(out, "node_id=") {
		t.Fatalf("expected node id in init output, got %q", out)
	}
	idOut, code := runCLI(t, "--home", home, "id")
	if code != 0 || idOut != out {
		t.Fatalf("expected id to match init output, got %q", idOut)
	}
	if _, code := runCLI(t, "--home", home, "init"); code != 1 {
		t.Fatalf("expected second init to fail")
	}

	const addr = "0x52908400098527886e0f7030069857d2e4169ee7"
	out, code = runCLI(t, "--home", home, "wallet", "put", "--chain", "ethereum", "--address", addr, "--label", "main", "--balance", "42")
	if code != 0 {
		t.Fatalf("put failed: %s", out)
	}
	id := strings.TrimSpace(out)
	if !strings.HasPrefix(id, "ethereum:0x") {
		t.Fatalf("unexpected record id %q", id)
	}
	if out, code = runCLI(t, "--home", home, "wallet", "put", "--chain", "ethereum", "--address", addr, "--label", "cold"); code != 0 {
		t.Fatalf("relabel failed: %s", out)
	}
	out, _ = runCLI(t, "--home", home, "wallet", "ls")
	if !strings.Contains(out, `label="cold"`) || !strings.Contains(out, "balance=42") {
		t.Fatalf("expected relabeled wallet to keep balance, got %q", out)
	}
	out, _ = runCLI(t, "--home", home, "wallet", "show", id)
	if !strings.Contains(out, `"version"`) {
		t.Fatalf("expected version vector in show output, got %q", out)
	}

	if out, code = runCLI(t, "--home", home, "wallet", "rm", id); code != 0 {
		t.Fatalf("rm failed: %s", out)
	}
	if out, _ = runCLI(t, "--home", home, "wallet", "ls"); strings.TrimSpace(out) != "" {
		t.Fatalf("expected no live wallets, got %q", out)
	}
	out, _ = runCLI(t, "--home", home, "wallet", "ls", "--all")
	if !strings.Contains(out, "deleted") {
		t.Fatalf("expected tombstone in --all listing, got %q", out)
	}
	if _, code = runCLI(t, "--home", home, "wallet", "rm", id); code != 1 {
		t.Fatalf("expected second rm to fail")
	}
}

func TestPeersMembersAndRevoke(t *testing.T) {
	home := t.TempDir()
	other, _, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	nodeID := other.ID.String()
	out, code := runCLI(t, "--home", home, "peers", "add", nodeID, hex.EncodeToString(other.PubKey), "10.0.0.7:7946")
	if code != 0 {
		t.Fatalf("peers add failed: %s", out)
	}
	out, _ = runCLI(t, "--home", home, "peers", "ls")
	if !strings.Contains(out, nodeID+" addr=10.0.0.7:7946") {
		t.Fatalf("expected peer listed, got %q", out)
	}
	out, _ = runCLI(t, "--home", home, "members", "ls")
	if strings.TrimSpace(out) != nodeID {
		t.Fatalf("expected peer to be a member, got %q", out)
	}
	if out, code = runCLI(t, "--home", home, "revoke", nodeID); code != 0 {
		t.Fatalf("revoke failed: %s", out)
	}
	out, _ = runCLI(t, "--home", home, "members", "ls")
	if !strings.Contains(out, "revoked") {
		t.Fatalf("expected revoked marker, got %q", out)
	}
	if out, code = runCLI(t, "--home", home, "members", "rm", nodeID); code != 0 {
		t.Fatalf("members rm failed: %s", out)
	}
	if _, code = runCLI(t, "--home", home, "members", "rm", nodeID); code != 1 {
		t.Fatalf("expected removing a non-member to fail")
	}
	if _, code = runCLI(t, "--home", home, "peers", "add", "zz", "00", "x"); code != 1 {
		t.Fatalf("expected bad node id to fail")
	}
}

func TestStatusWithoutSnapshot(t *testing.T) {
	out, code := runCLI(t, "--home", t.TempDir(), "status")
	if code != 0 || !strings.Contains(out, "no metrics snapshot") {
		t.Fatalf("unexpected status output %q (code %d)", out, code)
	}
}
