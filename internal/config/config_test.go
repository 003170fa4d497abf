package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "jsonl", cfg.Storage.Engine)
	assert.Equal(t, 3, cfg.Gossip.Fanout)
	assert.Equal(t, filepath.Join(home, "wallets.jsonl"), cfg.Resolve(cfg.Storage.Path))
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	file := `
node:
  listen_addr: 127.0.0.1:9000
gossip:
  interval: 250ms
  fanout: 5
storage:
  engine: sqlite
  path: /var/lib/walletmesh/wallets.db
members:
  - 0101010101010101010101010101010101010101010101010101010101010101
`
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(file), 0o600))
	t.Setenv("WALLETMESH_GOSSIP_FANOUT", "7")
	t.Setenv("WALLETMESH_PASSPHRASE", "hunter2")

	cfg, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Node.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Gossip.Interval)
	assert.Equal(t, 7, cfg.Gossip.Fanout)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "/var/lib/walletmesh/wallets.db", cfg.Resolve(cfg.Storage.Path))
	assert.Equal(t, "hunter2", cfg.Passphrase)
	assert.Len(t, cfg.Members, 1)
	assert.Equal(t, time.Minute, cfg.Admission.StrikeWindow)
}

func TestLoadRejectsInvalid(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte("storage:\n  engine: leveldb\n"), 0o600))
	_, err := Load(home)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte("members: [nothex]\n"), 0o600))
	_, err = Load(home)
	require.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	home := filepath.Join(t.TempDir(), "node")
	cfg := Default(home)
	cfg.Passphrase = "secret"
	cfg.Peers = []PeerConfig{{
		NodeID: "0202020202020202020202020202020202020202020202020202020202020202",
		PubKey: "0303030303030303030303030303030303030303030303030303030303030303",
		Addr:   "10.0.0.2:7946",
	}}
	require.NoError(t, Write(home, cfg))
	data, err := os.ReadFile(filepath.Join(home, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	loaded, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, cfg.Peers, loaded.Peers)
	assert.Equal(t, cfg.Gossip, loaded.Gossip)
	assert.Equal(t, cfg.Admission.Controller(), loaded.Admission.Controller())
}

func TestDiscoveryConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WALLETMESH_DISCOVERY_MDNS", "true")
	t.Setenv("WALLETMESH_DISCOVERY_INTERVAL", "5s")
	cfg, err := Load(home)
	require.NoError(t, err)
	assert.True(t, cfg.Discovery.MDNS)
	assert.Equal(t, "_walletmesh._udp", cfg.Discovery.Service)
	assert.Equal(t, 5*time.Second, cfg.Discovery.Interval)

	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte("discovery:\n  service: \"\"\n"), 0o600))
	_, err = Load(home)
	require.Error(t, err, "mdns without a service name must be rejected")
}
