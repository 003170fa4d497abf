package record

import (
	"fmt"
	"strings"
)

// Stamp orders writes to a single field. Clock is the writer's logical clock
// for the record at the time of the write; Peer breaks ties between equal clocks.
type Stamp struct {
	Clock uint64 `json:"clock"`
	Peer  string `json:"peer,omitempty"`
}

func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Peer == ""
}

// Compare returns -1, 0 or +1 ordering by Clock first, then by Peer compared
// lexicographically. A higher clock always wins whichever peer wrote it.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Clock < o.Clock:
		return -1
	case s.Clock > o.Clock:
		return 1
	}
	return strings.Compare(s.Peer, o.Peer)
}

// Register is a last-writer-wins field.
type Register[T comparable] struct {
	Value T     `json:"value"`
	Stamp Stamp `json:"stamp"`
}

func (r Register[T]) Join(o Register[T]) Register[T] {
	switch c := r.Stamp.Compare(o.Stamp); {
	case c > 0:
		return r
	case c < 0:
		return o
	}
	if r.Value == o.Value {
		return r
	}
	// Two writes under one stamp only come from a misbehaving writer; pick
	// by value so every replica still lands on the same register.
	if fmt.Sprint(r.Value) >= fmt.Sprint(o.Value) {
		return r
	}
	return o
}

func (r *Register[T]) set(v T, st Stamp) bool {
	if r.Value == v {
		return false
	}
	r.Value = v
	r.Stamp = st
	return true
}
