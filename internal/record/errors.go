package record

import "errors"

var (
	// ErrUnknownChain is returned for chain types outside the supported set.
	ErrUnknownChain = errors.New("unknown chain type")

	// ErrInvalidAddress is returned when an address does not parse for its chain.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrBadChecksum is returned for mixed-case EVM addresses whose EIP-55 checksum does not match.
	ErrBadChecksum = errors.New("address checksum mismatch")

	// ErrIDMismatch is returned when a record id does not match its chain and address.
	ErrIDMismatch = errors.New("record id mismatch")

	ErrEmptyVersion = errors.New("empty version vector")
	ErrBadStamp     = errors.New("field stamp outside version vector")
)
