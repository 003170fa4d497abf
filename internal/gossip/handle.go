package gossip

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"walletmesh/internal/admission"
	"walletmesh/internal/identity"
	"walletmesh/internal/metrics"
	"walletmesh/internal/network"
	"walletmesh/internal/proto"
	"walletmesh/internal/record"
	"walletmesh/internal/store"
)

const dropSelf = "self"

// Handle admits one inbound request and returns the response frames.
// Rejected messages are logged and counted; errors never leave the engine.
func (e *Engine) Handle(ctx context.Context, remote string, payload []byte) [][]byte {
	m, from, ok := e.admit(remote, payload, true, nil)
	if !ok {
		return nil
	}
	return e.dispatch(ctx, remote, m, from, false)
}

// accept runs a response frame from a peer we dialed through the same
// checks, minus rate limiting, and requires it to come from expect.
func (e *Engine) accept(ctx context.Context, remote string, payload []byte, expect *identity.NodeID) [][]byte {
	m, from, ok := e.admit(remote, payload, false, expect)
	if !ok {
		return nil
	}
	return e.dispatch(ctx, remote, m, from, true)
}

func (e *Engine) admit(remote string, payload []byte, limit bool, expect *identity.NodeID) (proto.SyncMessage, identity.PeerIdentity, bool) {
	now := e.now()
	host := network.HostOf(remote)
	if limit && e.state.hosts.Banned(host, now) {
		e.drop(metrics.DropBanned, remote, nil, nil)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	if len(payload) > proto.MaxFrameSize {
		e.drop(metrics.DropOversize, remote, nil, nil)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	m, err := proto.DecodeSyncMessage(payload)
	if err != nil {
		e.drop(metrics.DropMalformed, remote, nil, err)
		e.penalize(remote, host, now)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	sent := time.Unix(m.SentAt, 0)
	if sent.After(now.Add(e.maxSkew)) || now.Sub(sent) > e.maxAge {
		e.drop(metrics.DropReplay, remote, &m, nil)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	if e.state.seenBefore(m.MsgID, now) {
		e.drop(metrics.DropDuplicate, remote, &m, nil)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	if limit {
		if err := e.state.hosts.Admit(host, now); err != nil {
			e.rateLimited(remote, &m, err)
			return proto.SyncMessage{}, identity.PeerIdentity{}, false
		}
	}
	claimedID, err := identity.ParseNodeID(m.From)
	if err != nil {
		e.drop(metrics.DropMalformed, remote, &m, err)
		e.penalize(remote, host, now)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	if claimedID == e.ident.Self().ID {
		e.drop(dropSelf, remote, &m, nil)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	from, err := e.ident.Verify(proto.SignBytes(m), m.Signature(), identity.PeerIdentity{ID: claimedID, PubKey: m.PubKey()})
	if err != nil {
		e.drop(metrics.DropAuth, remote, &m, err)
		if impersonation(err) {
			e.state.hosts.Ban(host, now)
			e.metrics.IncBan()
			e.disconnect(remote, "impersonation")
		} else {
			e.penalize(remote, host, now)
		}
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	if expect != nil && from.ID != *expect {
		e.drop(metrics.DropAuth, remote, &m, ErrUnexpected)
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	if !e.members.Has(from.ID) {
		e.drop(metrics.DropNonMember, remote, &m, &UnauthorizedPeerError{Peer: from.ID})
		return proto.SyncMessage{}, identity.PeerIdentity{}, false
	}
	if limit {
		key := from.ID.String()
		if e.state.nodes.Banned(key, now) {
			e.drop(metrics.DropBanned, remote, &m, nil)
			return proto.SyncMessage{}, identity.PeerIdentity{}, false
		}
		if err := e.state.nodes.Admit(key, now); err != nil {
			e.rateLimited(remote, &m, err)
			return proto.SyncMessage{}, identity.PeerIdentity{}, false
		}
	}
	e.state.remember(m.MsgID, sent.Add(e.maxAge), now)
	e.state.seenFrom(from.ID, from.LastSeen)
	e.metrics.IncRecvByType(m.Type)
	return m, from, true
}

func (e *Engine) dispatch(ctx context.Context, remote string, m proto.SyncMessage, from identity.PeerIdentity, solicited bool) [][]byte {
	switch m.Type {
	case proto.MsgTypeDigest:
		if solicited {
			e.log.Debug("unexpected digest in response", zap.String("peer", from.ID.Short()))
			return nil
		}
		body, err := m.DigestBody()
		if err != nil {
			e.badBody(remote, &m, err)
			return nil
		}
		return e.answerDigest(body)
	case proto.MsgTypePull:
		body, err := m.PullBody()
		if err != nil {
			e.badBody(remote, &m, err)
			return nil
		}
		return e.answerPull(body)
	case proto.MsgTypePush:
		body, err := m.PushBody()
		if err != nil {
			e.badBody(remote, &m, err)
			return nil
		}
		e.applyPush(ctx, remote, from, body)
	}
	return nil
}

// answerDigest pushes records the sender lacks or has concurrent versions
// of, and pulls records the sender has newer or concurrent versions of. Only
// ids inside the digest's range count as missing on the sender.
func (e *Engine) answerDigest(d proto.DigestBody) [][]byte {
	local := e.records.Digest()
	var push []record.WalletRecord
	for id, lv := range local {
		if !d.Covers(id) {
			continue
		}
		rv, ok := d.Entries[id]
		if ok {
			if ord := lv.Compare(rv); ord != record.Dominates && ord != record.Concurrent {
				continue
			}
		}
		if rec, found := e.records.Get(id); found {
			push = append(push, rec)
		}
	}
	var pull []string
	for id, rv := range d.Entries {
		lv, ok := local[id]
		if ok {
			if ord := lv.Compare(rv); ord != record.DominatedBy && ord != record.Concurrent {
				continue
			}
		}
		pull = append(pull, id)
	}
	sort.Slice(push, func(i, j int) bool { return push[i].ID < push[j].ID })
	sort.Strings(pull)
	if len(pull) > proto.MaxPullIDs {
		pull = pull[:proto.MaxPullIDs]
	}

	var out [][]byte
	if len(push) > 0 {
		frames, err := e.pushFrames(push)
		if err != nil {
			e.log.Error("build push failed", zap.Error(err))
		}
		out = append(out, frames...)
	}
	if len(pull) > 0 {
		frame, err := e.seal(proto.MsgTypePull, proto.PullBody{IDs: pull})
		if err != nil {
			e.log.Error("build pull failed", zap.Error(err))
		} else {
			out = append(out, frame)
		}
	}
	return out
}

func (e *Engine) answerPull(p proto.PullBody) [][]byte {
	ids := p.IDs
	if len(ids) > proto.MaxPullIDs {
		ids = ids[:proto.MaxPullIDs]
	}
	recs := make([]record.WalletRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := e.records.Get(id); ok {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return nil
	}
	frames, err := e.pushFrames(recs)
	if err != nil {
		e.log.Error("build push failed", zap.Error(err))
	}
	return frames
}

func (e *Engine) applyPush(ctx context.Context, remote string, from identity.PeerIdentity, body proto.PushBody) {
	for _, rec := range body.Records {
		out, err := e.records.MergeInto(ctx, rec, store.OriginRemote)
		if err != nil {
			var se *store.StorageError
			if !errors.As(err, &se) {
				e.drop(metrics.DropMalformed, remote, nil, err)
				continue
			}
			e.metrics.IncStorageFailure()
			e.log.Warn("remote merge not persisted", zap.String("record", rec.ID), zap.Error(err))
		}
		e.metrics.IncMerge(out.String())
		if !out.Changed() {
			continue
		}
		e.state.markDirty(rec.ID)
		e.metrics.Recent().Add(metrics.MergeHeader{
			RecordID: rec.ID,
			Outcome:  out.String(),
			Origin:   store.OriginRemote.String(),
			Clock:    rec.Clock(),
			At:       e.now().UTC(),
		})
		e.log.Debug("merged", zap.String("record", rec.ID), zap.String("outcome", out.String()), zap.String("peer", from.ID.Short()))
	}
}

// impersonation reports an authentication failure where the sender claimed
// an id its key cannot own.
func impersonation(err error) bool {
	var ae *identity.AuthenticationError
	return errors.As(err, &ae) && (ae.Reason == identity.ReasonIDMismatch || ae.Reason == identity.ReasonKeyMismatch)
}

// RejectFrame accounts for an inbound frame the transport could not read as
// a sync message. It counts against the sender like any malformed message.
func (e *Engine) RejectFrame(remote string, err error) {
	e.badBody(remote, nil, err)
}

func (e *Engine) badBody(remote string, m *proto.SyncMessage, err error) {
	now := e.now()
	e.drop(metrics.DropMalformed, remote, m, err)
	e.penalize(remote, network.HostOf(remote), now)
}

// penalize counts a malformed or forged message against host and
// disconnects it once it is banned.
func (e *Engine) penalize(remote, host string, now time.Time) {
	if !e.state.hosts.Penalize(host, now) {
		return
	}
	e.metrics.IncBan()
	e.disconnect(remote, "malformed")
}

func (e *Engine) rateLimited(remote string, m *proto.SyncMessage, err error) {
	e.drop(metrics.DropRate, remote, m, err)
	var rl *admission.RateLimitExceeded
	if errors.As(err, &rl) && rl.Level == admission.Banned {
		e.metrics.IncBan()
		e.disconnect(remote, "rate")
	}
}

func (e *Engine) disconnect(remote, reason string) {
	e.metrics.IncDisconnect()
	e.transport.Disconnect(remote)
	e.log.Warn("peer disconnected", zap.String("remote", remote), zap.String("reason", reason))
}

func (e *Engine) drop(reason, remote string, m *proto.SyncMessage, err error) {
	e.metrics.IncDropByReason(reason)
	if !e.drops.Allow(reason+"|"+network.HostOf(remote), e.now()) {
		return
	}
	fields := []zap.Field{zap.String("reason", reason), zap.String("remote", remote)}
	if m != nil {
		fields = append(fields, zap.String("peer", m.From), zap.String("msg_type", m.Type), zap.String("msg_id", m.MsgID))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	e.log.Warn("message dropped", fields...)
}
