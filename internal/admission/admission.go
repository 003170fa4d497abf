package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

type Level int

const (
	Throttled Level = iota + 1
	BackedOff
	Banned
)

func (l Level) String() string {
	switch l {
	case Throttled:
		return "throttled"
	case BackedOff:
		return "backoff"
	case Banned:
		return "banned"
	}
	return "ok"
}

// RateLimitExceeded is returned for messages over a peer's budget.
type RateLimitExceeded struct {
	Key        string
	Level      Level
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s (retry after %s)", e.Key, e.Level, e.RetryAfter)
}

type Config struct {
	// Rate is the sustained messages per second per key; Burst the bucket size.
	Rate  float64
	Burst int
	// StrikeLimit over-limit messages escalate the backoff one step.
	StrikeLimit int
	// StrikeWindow without strikes resets a key's escalation.
	StrikeWindow time.Duration
	BackoffBase  time.Duration
	// MaxBackoffs escalation steps are tolerated before a ban.
	MaxBackoffs int
	BanDuration time.Duration
	// MalformedLimit malformed messages within StrikeWindow ban the key.
	MalformedLimit int
	IdleTTL        time.Duration
	Shards         int
}

func DefaultConfig() Config {
	return Config{
		Rate:           20,
		Burst:          40,
		StrikeLimit:    10,
		StrikeWindow:   time.Minute,
		BackoffBase:    time.Second,
		MaxBackoffs:    4,
		BanDuration:    10 * time.Minute,
		MalformedLimit: 5,
		IdleTTL:        10 * time.Minute,
		Shards:         16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.StrikeLimit <= 0 {
		c.StrikeLimit = d.StrikeLimit
	}
	if c.StrikeWindow <= 0 {
		c.StrikeWindow = d.StrikeWindow
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.MaxBackoffs <= 0 {
		c.MaxBackoffs = d.MaxBackoffs
	}
	if c.BanDuration <= 0 {
		c.BanDuration = d.BanDuration
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = d.MalformedLimit
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	return c
}

type peerState struct {
	limiter      *rate.Limiter
	strikes      int
	level        int
	lastStrike   time.Time
	backoffUntil time.Time
	bannedUntil  time.Time
	malformed    int
	lastBad      time.Time
	lastSeen     time.Time
}

type shard struct {
	mu    sync.Mutex
	peers map[string]*peerState
	sweep time.Time
}

// Controller tracks per-key budgets: token-bucket throttling, escalating
// backoff on repeated overruns, and temporary bans.
type Controller struct {
	cfg    Config
	shards []*shard
}

func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = &shard{peers: make(map[string]*peerState)}
	}
	return c
}

func (c *Controller) Config() Config {
	return c.cfg
}

func (c *Controller) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func (c *Controller) stateLocked(sh *shard, key string, now time.Time) *peerState {
	if now.Sub(sh.sweep) > c.cfg.IdleTTL {
		for k, st := range sh.peers {
			if now.Sub(st.lastSeen) > c.cfg.IdleTTL && now.After(st.bannedUntil) {
				delete(sh.peers, k)
			}
		}
		sh.sweep = now
	}
	st, ok := sh.peers[key]
	if !ok {
		st = &peerState{limiter: rate.NewLimiter(rate.Limit(c.cfg.Rate), c.cfg.Burst)}
		sh.peers[key] = st
	}
	st.lastSeen = now
	return st
}

// Admit charges one message to key. A nil result means the message may be
// processed.
func (c *Controller) Admit(key string, now time.Time) error {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := c.stateLocked(sh, key, now)

	if now.Before(st.bannedUntil) {
		return &RateLimitExceeded{Key: key, Level: Banned, RetryAfter: st.bannedUntil.Sub(now)}
	}
	if !st.bannedUntil.IsZero() {
		c.resetLocked(st)
	}
	if st.strikes > 0 && now.Sub(st.lastStrike) > c.cfg.StrikeWindow {
		st.strikes, st.level = 0, 0
	}
	inBackoff := now.Before(st.backoffUntil)
	if !inBackoff && st.limiter.AllowN(now, 1) {
		return nil
	}
	return c.strikeLocked(key, st, now)
}

func (c *Controller) strikeLocked(key string, st *peerState, now time.Time) error {
	st.strikes++
	st.lastStrike = now
	if st.strikes >= c.cfg.StrikeLimit {
		st.strikes = 0
		st.level++
		if st.level > c.cfg.MaxBackoffs {
			st.bannedUntil = now.Add(c.cfg.BanDuration)
			return &RateLimitExceeded{Key: key, Level: Banned, RetryAfter: c.cfg.BanDuration}
		}
		wait := c.cfg.BackoffBase << (st.level - 1)
		st.backoffUntil = now.Add(wait)
		return &RateLimitExceeded{Key: key, Level: BackedOff, RetryAfter: wait}
	}
	if now.Before(st.backoffUntil) {
		return &RateLimitExceeded{Key: key, Level: BackedOff, RetryAfter: st.backoffUntil.Sub(now)}
	}
	return &RateLimitExceeded{Key: key, Level: Throttled, RetryAfter: time.Duration(float64(time.Second) / c.cfg.Rate)}
}

func (c *Controller) resetLocked(st *peerState) {
	st.limiter = rate.NewLimiter(rate.Limit(c.cfg.Rate), c.cfg.Burst)
	st.strikes, st.level, st.malformed = 0, 0, 0
	st.backoffUntil = time.Time{}
	st.bannedUntil = time.Time{}
}

// Penalize records a malformed message from key and reports whether the key
// is now banned and should be disconnected.
func (c *Controller) Penalize(key string, now time.Time) bool {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := c.stateLocked(sh, key, now)
	if now.Before(st.bannedUntil) {
		return true
	}
	if now.Sub(st.lastBad) > c.cfg.StrikeWindow {
		st.malformed = 0
	}
	st.malformed++
	st.lastBad = now
	if st.malformed >= c.cfg.MalformedLimit {
		st.bannedUntil = now.Add(c.cfg.BanDuration)
		return true
	}
	return false
}

// Ban bans key immediately, e.g. after failed authentication.
func (c *Controller) Ban(key string, now time.Time) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	st := c.stateLocked(sh, key, now)
	st.bannedUntil = now.Add(c.cfg.BanDuration)
	sh.mu.Unlock()
}

func (c *Controller) Banned(key string, now time.Time) bool {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.peers[key]
	return ok && now.Before(st.bannedUntil)
}

// Unban lifts a ban and resets the key's budget.
func (c *Controller) Unban(key string) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	if st, ok := sh.peers[key]; ok {
		c.resetLocked(st)
	}
	sh.mu.Unlock()
}

func (c *Controller) Tracked() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.peers)
		sh.mu.Unlock()
	}
	return n
}
