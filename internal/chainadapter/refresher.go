package chainadapter

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"walletmesh/internal/record"
)

// Wallets is the coordinator surface the refresher reads from and writes
// through. RefreshChainState must apply against the record's current state,
// not the copy List returned, since the read may race with remote edits.
type Wallets interface {
	List() []record.WalletRecord
	RefreshChainState(ctx context.Context, id, balance string, nonce, height uint64) (bool, error)
}

// Refresher keeps cached EVM balances current. It only writes when balance
// or nonce moved, stamping the height they were read at.
type Refresher struct {
	wallets  Wallets
	reader   BalanceReader
	interval time.Duration
	log      *zap.Logger
}

func NewRefresher(wallets Wallets, reader BalanceReader, interval time.Duration, lg *zap.Logger) *Refresher {
	if lg == nil {
		lg = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{wallets: wallets, reader: reader, interval: interval, log: lg.Named("chain")}
}

// RefreshOnce reads every live EVM wallet and returns how many were updated.
// Read failures for one wallet do not stop the others.
func (r *Refresher) RefreshOnce(ctx context.Context) (int, error) {
	var (
		updated int
		errs    []error
	)
	for _, rec := range r.wallets.List() {
		if rec.Chain != record.ChainEthereum {
			continue
		}
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		snap, err := r.reader.Snapshot(ctx, rec.Address)
		if err != nil {
			r.log.Warn("balance read failed", zap.String("record", rec.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		wrote, err := r.wallets.RefreshChainState(ctx, rec.ID, snap.Balance.String(), snap.Nonce, snap.BlockHeight)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if wrote {
			updated++
		}
	}
	return updated, errors.Join(errs...)
}

func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RefreshOnce(ctx)
			if n > 0 {
				r.log.Info("balances refreshed", zap.Int("updated", n))
			}
			if err != nil && ctx.Err() == nil {
				r.log.Debug("refresh incomplete", zap.Error(err))
			}
		}
	}
}
