package record

// Outcome classifies the effect of merging an incoming record into local state.
type Outcome int

const (
	// NoOp: local state already covers the incoming record.
	NoOp Outcome = iota
	// Applied: the incoming record was new or causally newer and replaced local state.
	Applied
	// Conflict: the versions were concurrent and were merged field by field.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case NoOp:
		return "noop"
	case Applied:
		return "applied"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Changed reports whether the outcome altered local state.
func (o Outcome) Changed() bool {
	return o == Applied || o == Conflict
}

// Merge combines local and incoming versions of the same record. The result
// depends only on the two inputs, never on which side is local.
func Merge(local, incoming WalletRecord) (WalletRecord, Outcome) {
	switch local.Version.Compare(incoming.Version) {
	case Dominates:
		return local, NoOp
	case DominatedBy:
		return incoming.Clone(), Applied
	case Equal:
		merged := join(local, incoming)
		if merged.Equal(local) {
			return local, NoOp
		}
		return merged, Conflict
	}
	return join(local, incoming), Conflict
}

func join(a, b WalletRecord) WalletRecord {
	out := a.Clone()
	out.Label = a.Label.Join(b.Label)
	out.Balance = a.Balance.Join(b.Balance)
	out.Nonce = a.Nonce.Join(b.Nonce)
	out.BlockHeight = a.BlockHeight.Join(b.BlockHeight)
	out.Deleted = a.Deleted.Join(b.Deleted)
	out.Version = a.Version.Join(b.Version)
	return out
}
