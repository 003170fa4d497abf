package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// A frame is a 4-byte big-endian length followed by one encoded SyncMessage.
const (
	MaxFrameSize = 1 << 20
	// SoftMaxFrameSize is the largest inbound frame read before its message
	// type has been checked against MaxSizeForType.
	SoftMaxFrameSize = 64 << 10

	typePeekBytes = 64
)

// MaxSizeForType caps frames per message type. Only push frames carry
// records; digests and pulls are bounded by id count.
func MaxSizeForType(t string) int {
	switch t {
	case MsgTypePush:
		return MaxFrameSize
	case MsgTypeDigest:
		return MaxDigestSize
	case MsgTypePull:
		return MaxPullSize
	}
	return SoftMaxFrameSize
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}
	out := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads a response frame from a peer we dialed. Framing errors are
// *MalformedMessageError; transport errors pass through unchanged.
func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadRequestFrame reads an inbound request. A frame above SoftMaxFrameSize
// is only read in full once its leading type field names a message type
// whose cap allows that length.
func ReadRequestFrame(r io.Reader) ([]byte, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	head := 0
	if n > SoftMaxFrameSize {
		head = typePeekBytes
		if _, err := io.ReadFull(r, payload[:head]); err != nil {
			return nil, err
		}
		msgType, err := leadingType(payload[:head])
		if err != nil {
			return nil, err
		}
		if limit := MaxSizeForType(msgType); n > limit {
			return nil, malformed(fmt.Sprintf("%s frame of %d bytes over %d", msgType, n, limit), nil)
		}
	}
	if _, err := io.ReadFull(r, payload[head:]); err != nil {
		return nil, err
	}
	return payload, nil
}

func readLength(r io.Reader) (int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	switch {
	case n == 0:
		return 0, malformed("empty frame", nil)
	case n > MaxFrameSize:
		return 0, malformed(fmt.Sprintf("frame of %d bytes over %d", n, MaxFrameSize), nil)
	}
	return int(n), nil
}

// leadingType reads the type of a SyncMessage from the start of its
// encoding. The encoder always writes type first, so anything else is
// rejected.
func leadingType(head []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(head))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", malformed("frame is not a sync message", err)
	}
	if key, err := dec.Token(); err != nil || key != "type" {
		return "", malformed("sync message must lead with type", err)
	}
	val, err := dec.Token()
	msgType, ok := val.(string)
	if err != nil || !ok || !knownType(msgType) {
		return "", malformed(fmt.Sprintf("unknown msg type %v", val), err)
	}
	return msgType, nil
}
