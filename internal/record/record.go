package record

import (
	"fmt"
)

// Wallet is the user-facing content of a wallet record, without replication
// metadata.
type Wallet struct {
	Chain       ChainType `json:"chain"`
	Address     string    `json:"address"`
	Label       string    `json:"label,omitempty"`
	Balance     string    `json:"balance,omitempty"`
	Nonce       uint64    `json:"nonce,omitempty"`
	BlockHeight uint64    `json:"block_height,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// WalletRecord is the replicated form of a Wallet. Chain and Address are fixed
// by ID; every mutable field is a last-writer-wins register.
type WalletRecord struct {
	ID          string           `json:"id"`
	Chain       ChainType        `json:"chain"`
	Address     string           `json:"address"`
	Label       Register[string] `json:"label"`
	Balance     Register[string] `json:"balance"`
	Nonce       Register[uint64] `json:"nonce"`
	BlockHeight Register[uint64] `json:"block_height"`
	Deleted     Register[bool]   `json:"deleted"`
	Version     VersionVector    `json:"version"`
}

func (r WalletRecord) Wallet() Wallet {
	return Wallet{
		Chain:       r.Chain,
		Address:     r.Address,
		Label:       r.Label.Value,
		Balance:     r.Balance.Value,
		Nonce:       r.Nonce.Value,
		BlockHeight: r.BlockHeight.Value,
		Deleted:     r.Deleted.Value,
	}
}

func (r WalletRecord) Tombstoned() bool {
	return r.Deleted.Value
}

func (r WalletRecord) Clone() WalletRecord {
	out := r
	out.Version = r.Version.Clone()
	return out
}

// Clock is the highest field stamp clock the record has seen.
func (r WalletRecord) Clock() uint64 {
	var max uint64
	for _, st := range r.stamps() {
		if st.Clock > max {
			max = st.Clock
		}
	}
	return max
}

func (r WalletRecord) stamps() []Stamp {
	return []Stamp{r.Label.Stamp, r.Balance.Stamp, r.Nonce.Stamp, r.BlockHeight.Stamp, r.Deleted.Stamp}
}

// Equal compares content and version, ignoring map nil-ness.
func (r WalletRecord) Equal(o WalletRecord) bool {
	if r.ID != o.ID || r.Chain != o.Chain || r.Address != o.Address {
		return false
	}
	if r.Label != o.Label || r.Balance != o.Balance || r.Nonce != o.Nonce ||
		r.BlockHeight != o.BlockHeight || r.Deleted != o.Deleted {
		return false
	}
	return r.Version.Compare(o.Version) == Equal
}

// Validate checks a record received from the network or loaded from disk.
func (r WalletRecord) Validate() error {
	id, err := RecordID(r.Chain, r.Address)
	if err != nil {
		return err
	}
	if id != r.ID {
		return fmt.Errorf("%w: %q != %q", ErrIDMismatch, r.ID, id)
	}
	if len(r.Version) == 0 {
		return ErrEmptyVersion
	}
	for _, st := range r.stamps() {
		if st.IsZero() {
			continue
		}
		if st.Peer == "" || r.Version[st.Peer] == 0 {
			return fmt.Errorf("%w: %q", ErrBadStamp, st.Peer)
		}
	}
	return nil
}

// Empty returns the zero record for w's id, the base for a first local edit.
func Empty(w Wallet) (WalletRecord, error) {
	addr, err := NormalizeAddress(w.Chain, w.Address)
	if err != nil {
		return WalletRecord{}, err
	}
	return WalletRecord{
		ID:      string(w.Chain) + ":" + addr,
		Chain:   w.Chain,
		Address: addr,
		Version: VersionVector{},
	}, nil
}

// Edit applies the desired content as a local write by self. Only fields whose
// value differs from current are stamped; they all share one stamp whose clock
// is above every clock current has seen. The version vector entry for self is
// incremented. changed is false when desired matches an existing record.
func Edit(current WalletRecord, desired Wallet, self string) (next WalletRecord, changed bool) {
	next = current.Clone()
	st := Stamp{Clock: current.Clock() + 1, Peer: self}
	if next.Label.set(desired.Label, st) {
		changed = true
	}
	if next.Balance.set(desired.Balance, st) {
		changed = true
	}
	if next.Nonce.set(desired.Nonce, st) {
		changed = true
	}
	if next.BlockHeight.set(desired.BlockHeight, st) {
		changed = true
	}
	if next.Deleted.set(desired.Deleted, st) {
		changed = true
	}
	if !changed && len(current.Version) > 0 {
		return current, false
	}
	next.Version[self]++
	return next, true
}
