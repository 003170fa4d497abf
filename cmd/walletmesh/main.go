package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"walletmesh/internal/config"
	"walletmesh/internal/daemon"
	"walletmesh/internal/identity"
	"walletmesh/internal/logx"
	"walletmesh/internal/metrics"
	"walletmesh/internal/peer"
	"walletmesh/internal/record"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type cli struct {
	home string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "walletmesh",
		Short:         "Peer-to-peer wallet state synchronization node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.home, "home", defaultHome(), "node data directory")
	root.AddCommand(
		c.initCmd(),
		c.idCmd(),
		c.runCmd(),
		c.statusCmd(),
		c.walletCmd(),
		c.peersCmd(),
		c.membersCmd(),
		c.revokeCmd(),
	)
	return root
}

func defaultHome() string {
	if h := os.Getenv(config.EnvPrefix + "HOME_DIR"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".walletmesh")
}

func (c *cli) load() (*config.Config, error) {
	return config.Load(c.home)
}

func (c *cli) initCmd() *cobra.Command {
	var listen, engine string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the key vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(filepath.Join(c.home, config.FileName)); err == nil {
				return fmt.Errorf("%s already initialized", c.home)
			}
			cfg := config.Default(c.home)
			if listen != "" {
				cfg.Node.ListenAddr = listen
			}
			switch engine {
			case "":
			case "sqlite":
				cfg.Storage.Engine, cfg.Storage.Path = engine, "wallets.db"
			default:
				cfg.Storage.Engine = engine
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			vault, err := daemon.OpenVault(withPassphrase(cfg))
			if err != nil {
				return err
			}
			if err := config.Write(c.home, cfg); err != nil {
				return err
			}
			self, err := identity.FromVault(vault)
			if err != nil {
				return err
			}
			printIdentity(cmd.OutOrStdout(), self)
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (host:port)")
	cmd.Flags().StringVar(&engine, "storage", "", "storage engine: memory, jsonl or sqlite")
	return cmd
}

// withPassphrase picks up the passphrase from the environment for a config
// that has not been written yet.
func withPassphrase(cfg config.Config) *config.Config {
	cfg.Passphrase = os.Getenv(config.EnvPrefix + "PASSPHRASE")
	return &cfg
}

func printIdentity(w io.Writer, self identity.PeerIdentity) {
	fmt.Fprintf(w, "node_id=%s\n", self.ID)
	fmt.Fprintf(w, "pubkey=%s\n", hex.EncodeToString(self.PubKey))
}

func (c *cli) idCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the local node id and public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			vault, err := daemon.OpenVault(cfg)
			if err != nil {
				return err
			}
			self, err := identity.FromVault(vault)
			if err != nil {
				return err
			}
			printIdentity(cmd.OutOrStdout(), self)
			return nil
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if level != "" {
				cfg.Log.Level = level
			}
			lg, cleanup, err := logx.New(logx.Options{
				Level: cfg.Log.Level,
				Dir:   cfg.Resolve(cfg.Log.Dir),
				JSON:  cfg.Log.JSON,
			})
			if err != nil {
				return err
			}
			defer cleanup()
			defer func() { _ = lg.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			r, err := daemon.NewRunner(ctx, cfg, lg, daemon.Options{})
			if err != nil {
				lg.Error("load node failed", zap.Error(err))
				return err
			}
			defer r.Close()
			banner(cmd.ErrOrStderr(), r)
			ready := make(chan string, 1)
			go func() {
				select {
				case addr := <-ready:
					fmt.Fprintf(cmd.OutOrStdout(), "READY addr=%s node_id=%s\n", addr, r.Self.ID)
				case <-ctx.Done():
				}
			}()
			return r.Run(ctx, ready)
		},
	}
	cmd.Flags().StringVar(&level, "log-level", "", "override log.level")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the last metrics snapshot of a running node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			snap, ok := readSnapshot(cfg.Resolve(cfg.Metrics.SnapshotPath))
			if !ok {
				fmt.Fprintln(out, "status: no metrics snapshot")
				return nil
			}
			fmt.Fprintf(out, "snapshot at %s\n", snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
			fmt.Fprintf(out, "  wallets: %d\n", snap.Wallets)
			fmt.Fprintf(out, "  peers: %d admission tracked: %d\n", snap.Peers, snap.Tracked)
			fmt.Fprintf(out, "  rounds: %d (exchanges ok=%d failed=%d, rumors sent=%d)\n",
				snap.Sync.Rounds, snap.Sync.ExchangesOK, snap.Sync.ExchangesFailed, snap.Sync.RumorsSent)
			fmt.Fprintf(out, "  merges: applied=%d noop=%d conflict=%d\n", snap.Merge.Applied, snap.Merge.NoOp, snap.Merge.Conflict)
			fmt.Fprintf(out, "  bans: %d disconnects: %d storage failures: %d\n", snap.Bans, snap.Disconnects, snap.StorageFails)
			for _, reason := range snap.DropReasons() {
				fmt.Fprintf(out, "  dropped %s: %d\n", reason, snap.DropByReason[reason])
			}
			return nil
		},
	}
}

func readSnapshot(path string) (metrics.Snapshot, bool) {
	if path == "" {
		return metrics.Snapshot{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, false
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, false
	}
	return snap, true
}

// offline opens the node's state without networking for a one-shot edit.
func (c *cli) offline(ctx context.Context, fn func(r *daemon.Runner) error) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	r, err := daemon.OpenOffline(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

func (c *cli) walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "Edit and inspect wallet records"}

	var chain, address, label, balance string
	var nonce uint64
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or update a wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := record.ParseChain(chain)
			if err != nil {
				return err
			}
			id, err := record.RecordID(ch, address)
			if err != nil {
				return err
			}
			return c.offline(cmd.Context(), func(r *daemon.Runner) error {
				w := record.Wallet{Chain: ch, Address: address}
				if cur, ok := r.Coord.Get(id); ok && !cur.Tombstoned() {
					w = cur.Wallet()
				}
				flags := cmd.Flags()
				if flags.Changed("label") {
					w.Label = label
				}
				if flags.Changed("balance") {
					w.Balance = balance
				}
				if flags.Changed("nonce") {
					w.Nonce = nonce
				}
				w.Deleted = false
				if err := r.Coord.UpdateWallet(cmd.Context(), w); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	put.Flags().StringVar(&chain, "chain", "", "ethereum, solana or bitcoin")
	put.Flags().StringVar(&address, "address", "", "wallet address")
	put.Flags().StringVar(&label, "label", "", "display label")
	put.Flags().StringVar(&balance, "balance", "", "balance in base units")
	put.Flags().Uint64Var(&nonce, "nonce", 0, "account nonce")
	_ = put.MarkFlagRequired("chain")
	_ = put.MarkFlagRequired("address")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.offline(cmd.Context(), func(r *daemon.Runner) error {
				return r.Coord.DeleteWallet(cmd.Context(), args[0])
			})
		},
	}

	var all bool
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.offline(cmd.Context(), func(r *daemon.Runner) error {
				recs := r.Coord.List()
				if all {
					recs = r.Coord.Snapshot()
				}
				sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
				for _, rec := range recs {
					line := fmt.Sprintf("%s label=%q balance=%s nonce=%d", rec.ID, rec.Label.Value, orDash(rec.Balance.Value), rec.Nonce.Value)
					if rec.Tombstoned() {
						line += " deleted"
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
	ls.Flags().BoolVar(&all, "all", false, "include deleted wallets")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a wallet record with its replication metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.offline(cmd.Context(), func(r *daemon.Runner) error {
				rec, ok := r.Coord.Get(args[0])
				if !ok {
					return fmt.Errorf("wallet %s not found", args[0])
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	}
	cmd.AddCommand(put, rm, ls, show)
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *cli) peersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "peers", Short: "Manage the peer address book"}
	add := &cobra.Command{
		Use:   "add <node_id> <pubkey> <addr>",
		Short: "Add or move a peer; it also becomes a group member",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			id, err := identity.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			pub, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("pubkey: %w", err)
			}
			book, err := peer.NewBook(cfg.BookPath(), peer.BookOptions{})
			if err != nil {
				return err
			}
			if err := book.Upsert(peer.Peer{NodeID: id, PubKey: pub, Addr: args[2]}, true); err != nil {
				return err
			}
			members, err := peer.NewMemberStore(cfg.MembersPath())
			if err != nil {
				return err
			}
			return members.Add(id, true)
		},
	}
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List known peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			book, err := peer.NewBook(cfg.BookPath(), peer.BookOptions{})
			if err != nil {
				return err
			}
			peers := book.List()
			sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID.String() < peers[j].NodeID.String() })
			for _, p := range peers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s addr=%s\n", p.NodeID, orDash(p.Addr))
			}
			return nil
		},
	}
	cmd.AddCommand(add, ls)
	return cmd
}

func (c *cli) membersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "members", Short: "Manage the sync group"}
	edit := func(use, short string, fn func(*peer.MemberStore, identity.NodeID) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <node_id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := c.load()
				if err != nil {
					return err
				}
				id, err := identity.ParseNodeID(args[0])
				if err != nil {
					return err
				}
				members, err := peer.NewMemberStore(cfg.MembersPath())
				if err != nil {
					return err
				}
				return fn(members, id)
			},
		}
	}
	add := edit("add", "Add a node to the group", func(m *peer.MemberStore, id identity.NodeID) error {
		return m.Add(id, true)
	})
	rm := edit("rm", "Remove a node from the group", func(m *peer.MemberStore, id identity.NodeID) error {
		if !m.Has(id) {
			return errors.New("not a member")
		}
		return m.Remove(id, true)
	})
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List group members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			members, err := peer.NewMemberStore(cfg.MembersPath())
			if err != nil {
				return err
			}
			revoked, err := peer.NewRevokeStore(cfg.RevokedPath())
			if err != nil {
				return err
			}
			for _, id := range members.List() {
				if revoked.IsRevoked(id) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s revoked\n", id)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.AddCommand(add, rm, ls)
	return cmd
}

func (c *cli) revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <node_id>",
		Short: "Permanently reject a node's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			id, err := identity.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			revoked, err := peer.NewRevokeStore(cfg.RevokedPath())
			if err != nil {
				return err
			}
			return revoked.Revoke(id, true)
		},
	}
}
