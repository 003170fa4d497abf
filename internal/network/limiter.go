package network

import "sync"

// hostLimiter caps concurrent connections and streams per remote host.
type hostLimiter struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	conns      map[string]int
	streams    map[string]int
}

func newHostLimiter(maxConns, maxStreams int) *hostLimiter {
	return &hostLimiter{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
	}
}

func acquire(mu *sync.Mutex, counts map[string]int, limit int, host string) bool {
	if limit <= 0 {
		return true
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[host] >= limit {
		return false
	}
	counts[host]++
	return true
}

func release(mu *sync.Mutex, counts map[string]int, limit int, host string) {
	if limit <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[host] <= 1 {
		delete(counts, host)
		return
	}
	counts[host]--
}

func (l *hostLimiter) acquireConn(host string) bool {
	return acquire(&l.mu, l.conns, l.maxConns, host)
}

func (l *hostLimiter) releaseConn(host string) {
	release(&l.mu, l.conns, l.maxConns, host)
}

func (l *hostLimiter) acquireStream(host string) bool {
	return acquire(&l.mu, l.streams, l.maxStreams, host)
}

func (l *hostLimiter) releaseStream(host string) {
	release(&l.mu, l.streams, l.maxStreams, host)
}
