package peer

import (
	"bytes"
	"container/list"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"walletmesh/internal/identity"
	"walletmesh/internal/store"
)

const DefaultBookCap = 512

// Peer is an address book entry.
type Peer struct {
	NodeID identity.NodeID
	PubKey []byte
	Addr   string
}

func (p Peer) Identity() identity.PeerIdentity {
	return identity.PeerIdentity{ID: p.NodeID, PubKey: p.PubKey}
}

type BookOptions struct {
	Cap int
}

// Book maps node ids to public keys and dial addresses. It is bounded; the
// least recently touched entry is evicted first.
type Book struct {
	mu        sync.Mutex
	path      string
	cap       int
	hot       map[identity.NodeID]*list.Element
	order     *list.List
	addrIndex map[string]identity.NodeID
}

type diskPeer struct {
	NodeID  string `json:"node_id"`
	PubKey  string `json:"pubkey,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

var (
	ErrAddrConflict = errors.New("addr conflict")
	ErrIDMismatch   = errors.New("node id does not match pubkey")
	ErrKeyChanged   = errors.New("pubkey differs from stored peer")
)

func NewBook(path string, opts BookOptions) (*Book, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultBookCap
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}
	b := &Book{
		path:      path,
		cap:       capacity,
		hot:       make(map[identity.NodeID]*list.Element),
		order:     list.New(),
		addrIndex: make(map[string]identity.NodeID),
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

// Upsert adds or refreshes p. An empty Addr keeps the stored address.
func (b *Book) Upsert(p Peer, persist bool) error {
	if identity.DeriveNodeID(p.PubKey) != p.NodeID {
		return ErrIDMismatch
	}
	b.mu.Lock()
	if p.Addr != "" {
		if owner, ok := b.addrIndex[p.Addr]; ok && owner != p.NodeID {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAddrConflict, p.Addr)
		}
	}
	if el, ok := b.hot[p.NodeID]; ok {
		cur := el.Value.(*Peer)
		if !bytes.Equal(cur.PubKey, p.PubKey) {
			b.mu.Unlock()
			return ErrKeyChanged
		}
		if p.Addr != "" && p.Addr != cur.Addr {
			delete(b.addrIndex, cur.Addr)
			cur.Addr = p.Addr
			b.addrIndex[p.Addr] = p.NodeID
		}
		b.order.MoveToFront(el)
		p = *cur
	} else {
		if len(b.hot) >= b.cap {
			b.evictLocked()
		}
		cp := p
		cp.PubKey = append([]byte(nil), p.PubKey...)
		b.hot[p.NodeID] = b.order.PushFront(&cp)
		if p.Addr != "" {
			b.addrIndex[p.Addr] = p.NodeID
		}
	}
	b.mu.Unlock()
	if !persist {
		return nil
	}
	return b.append(diskPeer{
		NodeID: p.NodeID.String(),
		PubKey: hex.EncodeToString(p.PubKey),
		Addr:   p.Addr,
	})
}

func (b *Book) Remove(id identity.NodeID, persist bool) error {
	b.mu.Lock()
	el, ok := b.hot[id]
	if ok {
		b.dropLocked(el)
	}
	b.mu.Unlock()
	if !ok || !persist {
		return nil
	}
	return b.append(diskPeer{NodeID: id.String(), Removed: true})
}

func (b *Book) Get(id identity.NodeID) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.hot[id]
	if !ok {
		return Peer{}, false
	}
	return *el.Value.(*Peer), true
}

// ByAddr returns the peer registered for a dial address.
func (b *Book) ByAddr(addr string) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.addrIndex[addr]
	if !ok {
		return Peer{}, false
	}
	el, ok := b.hot[id]
	if !ok {
		return Peer{}, false
	}
	return *el.Value.(*Peer), true
}

// List returns peers most recently touched first.
func (b *Book) List() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Peer, 0, len(b.hot))
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Peer))
	}
	return out
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hot)
}

func (b *Book) evictLocked() {
	if el := b.order.Back(); el != nil {
		b.dropLocked(el)
	}
}

func (b *Book) dropLocked(el *list.Element) {
	p := el.Value.(*Peer)
	delete(b.hot, p.NodeID)
	if b.addrIndex[p.Addr] == p.NodeID {
		delete(b.addrIndex, p.Addr)
	}
	b.order.Remove(el)
}

func (b *Book) append(rec diskPeer) error {
	if b.path == "" {
		return nil
	}
	return store.AppendJSONL(b.path, rec)
}

func (b *Book) load() error {
	if b.path == "" {
		return nil
	}
	return store.ScanJSONL(b.path, func(rec diskPeer) {
		id, err := identity.ParseNodeID(rec.NodeID)
		if err != nil {
			return
		}
		if rec.Removed {
			_ = b.Remove(id, false)
			return
		}
		pub, err := hex.DecodeString(rec.PubKey)
		if err != nil {
			return
		}
		_ = b.Upsert(Peer{NodeID: id, PubKey: pub, Addr: rec.Addr}, false)
	})
}
