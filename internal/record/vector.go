package record

import "sort"

// VersionVector maps a peer id (hex node id) to the number of edits that peer
// has made to a record.
type VersionVector map[string]uint64

type Ordering int

const (
	Equal Ordering = iota
	Dominates
	DominatedBy
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case DominatedBy:
		return "dominated_by"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, n := range v {
		if n > 0 {
			out[k] = n
		}
	}
	return out
}

// Compare reports how v relates to o. Missing entries count as zero.
func (v VersionVector) Compare(o VersionVector) Ordering {
	greater, less := false, false
	for k, n := range v {
		m := o[k]
		if n > m {
			greater = true
		} else if n < m {
			less = true
		}
	}
	for k, m := range o {
		if _, ok := v[k]; !ok && m > 0 {
			less = true
		}
	}
	switch {
	case greater && less:
		return Concurrent
	case greater:
		return Dominates
	case less:
		return DominatedBy
	}
	return Equal
}

// Covers reports whether v[i] >= o[i] for every i.
func (v VersionVector) Covers(o VersionVector) bool {
	c := v.Compare(o)
	return c == Equal || c == Dominates
}

// Join returns the element-wise maximum of v and o.
func (v VersionVector) Join(o VersionVector) VersionVector {
	out := v.Clone()
	for k, m := range o {
		if m > out[k] {
			out[k] = m
		}
	}
	return out
}

func (v VersionVector) Total() uint64 {
	var n uint64
	for _, c := range v {
		n += c
	}
	return n
}

// Peers returns the vector's peer ids in sorted order.
func (v VersionVector) Peers() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
