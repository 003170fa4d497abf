package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"walletmesh/internal/crypto"
	"walletmesh/internal/record"
)

const (
	ProtoVersion = "walletmesh/1"

	MsgTypeDigest = "digest"
	MsgTypePull   = "pull"
	MsgTypePush   = "push"

	MaxDigestSize = 512 << 10
	MaxPullSize   = 256 << 10
	MaxPullIDs    = 4096

	signLabel = "walletmesh:sync:v1"
)

// SyncMessage is the signed envelope for every gossip exchange. Body holds the
// JSON of a DigestBody, PullBody or PushBody, optionally zstd-compressed.
type SyncMessage struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	MsgID        string `json:"msg_id"`
	From         string `json:"from_node_id"`
	FromPub      string `json:"from_pub"`
	SentAt       int64  `json:"sent_at"`
	Encoding     string `json:"encoding,omitempty"`
	Body         []byte `json:"body"`
	Sig          string `json:"sig,omitempty"`
}

// DigestBody lists the version vectors of every record whose id falls in
// [From, To). An empty bound is open, so a digest with neither bound covers
// the whole store. Large stores send several digests with adjacent ranges.
type DigestBody struct {
	Entries map[string]record.VersionVector `json:"entries"`
	From    string                          `json:"from,omitempty"`
	To      string                          `json:"to,omitempty"`
}

// Covers reports whether id lies in the digest's range.
func (d DigestBody) Covers(id string) bool {
	return id >= d.From && (d.To == "" || id < d.To)
}

type PullBody struct {
	IDs []string `json:"ids"`
}

type PushBody struct {
	Records []record.WalletRecord `json:"records"`
}

func knownType(t string) bool {
	return t == MsgTypeDigest || t == MsgTypePull || t == MsgTypePush
}

// NewMessage builds an unsigned message carrying body. Push bodies larger
// than compressAbove are zstd-compressed; compressAbove <= 0 disables it.
func NewMessage(msgType string, body any, fromID string, fromPub []byte, now time.Time, compressAbove int) (SyncMessage, error) {
	if !knownType(msgType) {
		return SyncMessage{}, fmt.Errorf("unknown msg type: %s", msgType)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return SyncMessage{}, err
	}
	m := SyncMessage{
		Type:         msgType,
		ProtoVersion: ProtoVersion,
		MsgID:        uuid.NewString(),
		From:         fromID,
		FromPub:      hex.EncodeToString(fromPub),
		SentAt:       now.Unix(),
		Encoding:     EncodingJSON,
		Body:         raw,
	}
	if msgType == MsgTypePush && compressAbove > 0 && len(raw) > compressAbove {
		packed, err := compressBody(raw)
		if err != nil {
			return SyncMessage{}, err
		}
		m.Body = packed
		m.Encoding = EncodingZstd
	}
	return m, nil
}

// SignBytes is the domain-separated input to the sender's signature. The body
// enters as its SHA3-256 digest over the bytes on the wire.
func SignBytes(m SyncMessage) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, signLabel...)
	for _, f := range []string{m.Type, m.ProtoVersion, m.MsgID, m.From, m.FromPub, m.Encoding} {
		buf = append(buf, 0)
		buf = append(buf, f...)
	}
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.SentAt))
	buf = append(buf, crypto.SHA3_256(m.Body)...)
	return buf
}

// Sign fills in Sig using sign over SignBytes.
func Sign(m SyncMessage, sign func([]byte) ([]byte, error)) (SyncMessage, error) {
	sig, err := sign(SignBytes(m))
	if err != nil {
		return SyncMessage{}, err
	}
	m.Sig = hex.EncodeToString(sig)
	return m, nil
}

func EncodeSyncMessage(m SyncMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if limit := MaxSizeForType(m.Type); len(data) > limit {
		return nil, fmt.Errorf("payload too large for type %s", m.Type)
	}
	return data, nil
}

// DecodeSyncMessage parses and structurally validates an envelope. It does
// not verify the signature.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SyncMessage{}, malformed("decode envelope", err)
	}
	if !knownType(m.Type) {
		return SyncMessage{}, malformed(fmt.Sprintf("unexpected msg type %q", m.Type), nil)
	}
	if len(data) > MaxSizeForType(m.Type) {
		return SyncMessage{}, malformed("payload too large for type "+m.Type, nil)
	}
	if m.ProtoVersion != ProtoVersion {
		return SyncMessage{}, malformed(fmt.Sprintf("unsupported proto_version %q", m.ProtoVersion), nil)
	}
	if _, err := uuid.Parse(m.MsgID); err != nil {
		return SyncMessage{}, malformed("msg_id", err)
	}
	if !isHexLen(m.From, 32) {
		return SyncMessage{}, malformed("from_node_id", nil)
	}
	if !isHexLen(m.FromPub, 32) {
		return SyncMessage{}, malformed("from_pub", nil)
	}
	if !isHexLen(m.Sig, 64) {
		return SyncMessage{}, malformed("sig", nil)
	}
	if m.Encoding != EncodingJSON && m.Encoding != EncodingZstd {
		return SyncMessage{}, malformed(fmt.Sprintf("unknown encoding %q", m.Encoding), nil)
	}
	if len(m.Body) == 0 {
		return SyncMessage{}, malformed("empty body", nil)
	}
	return m, nil
}

func (m SyncMessage) PubKey() []byte {
	b, _ := hex.DecodeString(m.FromPub)
	return b
}

func (m SyncMessage) Signature() []byte {
	b, _ := hex.DecodeString(m.Sig)
	return b
}

func (m SyncMessage) plainBody() ([]byte, error) {
	if m.Encoding == EncodingZstd {
		return decompressBody(m.Body)
	}
	return m.Body, nil
}

func (m SyncMessage) DigestBody() (DigestBody, error) {
	var b DigestBody
	if err := m.decodeBody(MsgTypeDigest, &b); err != nil {
		return DigestBody{}, err
	}
	if b.Entries == nil {
		b.Entries = map[string]record.VersionVector{}
	}
	if b.To != "" && b.From >= b.To {
		return DigestBody{}, malformed("empty digest range", nil)
	}
	for id := range b.Entries {
		if !b.Covers(id) {
			return DigestBody{}, malformed("digest entry outside range", nil)
		}
	}
	return b, nil
}

func (m SyncMessage) PullBody() (PullBody, error) {
	var b PullBody
	if err := m.decodeBody(MsgTypePull, &b); err != nil {
		return PullBody{}, err
	}
	if len(b.IDs) > MaxPullIDs {
		return PullBody{}, malformed("too many pull ids", nil)
	}
	return b, nil
}

func (m SyncMessage) PushBody() (PushBody, error) {
	var b PushBody
	if err := m.decodeBody(MsgTypePush, &b); err != nil {
		return PushBody{}, err
	}
	return b, nil
}

func (m SyncMessage) decodeBody(want string, v any) error {
	if m.Type != want {
		return malformed(fmt.Sprintf("body type %s on %s message", want, m.Type), nil)
	}
	raw, err := m.plainBody()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed("decode "+want+" body", err)
	}
	return nil
}

func isHexLen(s string, n int) bool {
	if len(s) != 2*n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
