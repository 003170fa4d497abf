// Package discovery announces the node on the local network and reports
// sync peers announced by others. Announcements are hints: a found peer is
// still authenticated by its signatures and its pinned TLS key.
package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"walletmesh/internal/identity"
)

const (
	DefaultService  = "_walletmesh._udp"
	DefaultInterval = 30 * time.Second

	txtID  = "id="
	txtPub = "pub="
)

// Found is a peer announced on the local network.
type Found struct {
	Identity identity.PeerIdentity
	Addr     string
}

type Options struct {
	Self identity.PeerIdentity
	// Port is the QUIC listen port announced to others.
	Port int
	// IPs are announced instead of the addresses the hostname resolves to.
	IPs      []net.IP
	Service  string
	Interval time.Duration
	Logger   *zap.Logger
	OnFound  func(Found)
}

// MDNS answers queries for the node's service and browses for peers every
// interval until its context ends.
type MDNS struct {
	self     identity.PeerIdentity
	service  string
	interval time.Duration
	onFound  func(Found)
	log      *zap.Logger
	server   *mdns.Server

	mu   sync.Mutex
	seen map[identity.NodeID]string
}

func Start(opts Options) (*MDNS, error) {
	if opts.Port <= 0 {
		return nil, fmt.Errorf("mdns: bad port %d", opts.Port)
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	service := opts.Service
	if service == "" {
		service = DefaultService
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	zone, err := mdns.NewMDNSService(opts.Self.ID.Short(), service, "", "", opts.Port, opts.IPs, announcement(opts.Self))
	if err != nil {
		return nil, fmt.Errorf("mdns zone: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	lg = lg.Named("mdns")
	lg.Info("announcing", zap.String("service", service), zap.Int("port", opts.Port))
	return &MDNS{
		self:     opts.Self,
		service:  service,
		interval: interval,
		onFound:  opts.OnFound,
		log:      lg,
		server:   server,
		seen:     make(map[identity.NodeID]string),
	}, nil
}

// Run browses once immediately and then every interval.
func (m *MDNS) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.browse(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MDNS) browse(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			m.handle(e)
		}
	}()
	params := mdns.DefaultParams(m.service)
	params.Entries = entries
	params.Timeout = min(m.interval/2, 3*time.Second)
	if err := mdns.Query(params); err != nil && ctx.Err() == nil {
		m.log.Debug("query failed", zap.Error(err))
	}
	close(entries)
	<-done
}

func (m *MDNS) handle(e *mdns.ServiceEntry) {
	f, err := parseEntry(e)
	if err != nil {
		m.log.Debug("ignoring announcement", zap.String("name", e.Name), zap.Error(err))
		return
	}
	if f.Identity.ID == m.self.ID {
		return
	}
	m.mu.Lock()
	prev, ok := m.seen[f.Identity.ID]
	m.seen[f.Identity.ID] = f.Addr
	m.mu.Unlock()
	if ok && prev == f.Addr {
		return
	}
	m.log.Debug("peer announced", zap.String("peer", f.Identity.ID.Short()), zap.String("addr", f.Addr))
	if m.onFound != nil {
		m.onFound(f)
	}
}

func (m *MDNS) Close() error {
	return m.server.Shutdown()
}

func announcement(self identity.PeerIdentity) []string {
	return []string{txtID + self.ID.String(), txtPub + hex.EncodeToString(self.PubKey)}
}

// parseEntry checks that an announcement names a key that owns the announced
// id and has a dialable address.
func parseEntry(e *mdns.ServiceEntry) (Found, error) {
	var idHex, pubHex string
	for _, field := range e.InfoFields {
		switch {
		case strings.HasPrefix(field, txtID):
			idHex = strings.TrimPrefix(field, txtID)
		case strings.HasPrefix(field, txtPub):
			pubHex = strings.TrimPrefix(field, txtPub)
		}
	}
	id, err := identity.ParseNodeID(idHex)
	if err != nil {
		return Found{}, err
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return Found{}, fmt.Errorf("bad pubkey: %w", err)
	}
	p := identity.PeerIdentity{ID: id, PubKey: pub}
	if !p.Consistent() {
		return Found{}, errors.New("announced id does not match pubkey")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return Found{}, fmt.Errorf("bad port %d", e.Port)
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.AddrV6
	}
	if ip == nil || ip.IsUnspecified() {
		return Found{}, errors.New("no address")
	}
	return Found{Identity: p, Addr: net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))}, nil
}

// AdvertiseIPs lists the addresses to announce for a listen address. A
// specific host is announced as is; a wildcard expands to the machine's
// non-loopback unicast addresses.
func AdvertiseIPs(listenAddr string) []net.IP {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		return []net.IP{ip}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() || ipn.IP.IsLinkLocalUnicast() || ipn.IP.IsMulticast() {
			continue
		}
		out = append(out, ipn.IP)
	}
	return out
}
