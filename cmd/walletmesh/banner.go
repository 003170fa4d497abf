package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"walletmesh/internal/config"
	"walletmesh/internal/daemon"
)

// banner prints the startup summary of a node.
func banner(w io.Writer, r *daemon.Runner) {
	cfg := r.Config
	title := color.New(color.FgCyan, color.Bold)
	key := color.New(color.Faint)
	title.Fprintln(w, "walletmesh node")
	line := func(k, format string, args ...any) {
		key.Fprintf(w, "  %s: ", k)
		fmt.Fprintf(w, format+"\n", args...)
	}
	line("Node", "%s", r.Self.ID)
	line("Listen", "%s", r.Addr())
	line("Storage", "%s", storageSummary(cfg))
	line("Limits", "max_peers=%d fanout=%d rate=%.0f/s burst=%d", cfg.Node.MaxPeers, cfg.Gossip.Fanout, cfg.Admission.Rate, cfg.Admission.Burst)
	line("Peers", "%d known, %d members", r.Book.Len(), r.Members.Len())
	if cfg.Chain.EVMRPC != "" {
		line("Chain", "evm chain_id=%d refresh=%s", cfg.Chain.ChainID, cfg.Chain.RefreshInterval)
	}
	if r.Records.Degraded() {
		color.New(color.FgYellow).Fprintln(w, "  storage degraded: changes are held in memory")
	}
}

func storageSummary(cfg *config.Config) string {
	if cfg.Storage.Engine == "memory" {
		return "memory (not durable)"
	}
	return cfg.Storage.Engine + " " + cfg.Resolve(cfg.Storage.Path)
}
