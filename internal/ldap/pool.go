package ldap

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxIdle is how long a pooled session may sit unused before it is
// considered stale and replaced.
const DefaultMaxIdle = 300 * time.Second

// DialFunc opens and authenticates a new session.
type DialFunc func(cfg SessionConfig) (*Session, error)

// Pool caches live sessions keyed by (host, port, principal).
//
// It is a cache, not a lease manager: Acquire does not check sessions out
// exclusively, and concurrent callers may share one session. Eviction is
// lazy-primary: a stale entry is always caught and replaced on the next
// Acquire, whether or not the periodic Sweep ran. The sweep only reclaims
// resources for keys that fall out of use.
//
// The secret is deliberately not part of the key. Rotating a principal's
// secret does not force a reconnect until the old session goes idle-stale.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry

	maxIdle time.Duration
	dial    DialFunc
	now     func() time.Time
	group   singleflight.Group
	logger  *slog.Logger
}

type poolEntry struct {
	session  *Session
	lastUsed time.Time
}

// NewPool returns an empty pool. A maxIdle of zero selects DefaultMaxIdle.
func NewPool(maxIdle time.Duration, logger *slog.Logger) *Pool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		entries: make(map[string]*poolEntry),
		maxIdle: maxIdle,
		dial:    defaultDial,
		now:     time.Now,
		logger:  logger.With("component", "pool"),
	}
}

func defaultDial(cfg SessionConfig) (*Session, error) {
	return Connect(cfg, nil)
}

func poolKey(cfg SessionConfig) string {
	return fmt.Sprintf("%s:%d:%s", cfg.Endpoint.Host, cfg.Endpoint.Port, cfg.BindDN)
}

// Acquire returns the pooled session for the key when its idle age is within
// bounds; otherwise it closes the stale session and opens a fresh one.
// Concurrent dials for the same key are collapsed so that one connect serves
// all racing callers.
func (p *Pool) Acquire(cfg SessionConfig) (*Session, error) {
	key := poolKey(cfg)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		age := p.now().Sub(e.lastUsed)
		if age < p.maxIdle {
			e.lastUsed = p.now()
			p.mu.Unlock()
			p.logger.Debug("reusing pooled session", "key", key, "age", age)
			return e.session, nil
		}
		delete(p.entries, key)
		stale := e.session
		p.mu.Unlock()

		p.logger.Info("session stale, reconnecting", "key", key, "age", age)
		if err := stale.Close(); err != nil {
			p.logger.Warn("closing stale session", "key", key, "error", err)
		}
	} else {
		p.mu.Unlock()
	}

	// The dial happens outside the lock; singleflight keeps two callers
	// racing on the same key from opening two sessions.
	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.dial(cfg)
	})
	if err != nil {
		return nil, err
	}
	sess := v.(*Session)

	var displaced *Session
	p.mu.Lock()
	if prev, ok := p.entries[key]; ok && prev.session != sess {
		displaced = prev.session
	}
	p.entries[key] = &poolEntry{session: sess, lastUsed: p.now()}
	p.mu.Unlock()

	// An overwritten session must be closed, never merely dropped.
	if displaced != nil {
		if err := displaced.Close(); err != nil {
			p.logger.Warn("closing displaced session", "key", key, "error", err)
		}
	}
	return sess, nil
}

// Release refreshes the entry's timestamp. Sessions stay pooled; there is
// nothing else to give back.
func (p *Pool) Release(cfg SessionConfig) {
	key := poolKey(cfg)
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.lastUsed = p.now()
	}
	p.mu.Unlock()
}

// WithSession acquires a pooled session, invokes fn with it and refreshes
// the entry afterwards. The session is retained for reuse.
func (p *Pool) WithSession(cfg SessionConfig, fn func(*Session) error) error {
	sess, err := p.Acquire(cfg)
	if err != nil {
		return err
	}
	defer p.Release(cfg)
	return fn(sess)
}

// Close disconnects and removes the entry for the key, if present.
func (p *Pool) Close(cfg SessionConfig) {
	key := poolKey(cfg)
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok {
		if err := e.session.Close(); err != nil {
			p.logger.Warn("closing session", "key", key, "error", err)
		}
		p.logger.Info("closed pooled session", "key", key)
	}
}

// Sweep disconnects and removes every entry whose idle age exceeds the
// bound, and returns how many were removed. A disconnect error does not
// abort the sweep of remaining entries. Intended to run on a timer.
func (p *Pool) Sweep() int {
	type victim struct {
		key     string
		session *Session
		age     time.Duration
	}

	p.mu.Lock()
	now := p.now()
	var stale []victim
	for key, e := range p.entries {
		if age := now.Sub(e.lastUsed); age > p.maxIdle {
			stale = append(stale, victim{key: key, session: e.session, age: age})
			delete(p.entries, key)
		}
	}
	p.mu.Unlock()

	for _, v := range stale {
		if err := v.session.Close(); err != nil {
			p.logger.Warn("sweep disconnect", "key", v.key, "error", err)
		} else {
			p.logger.Info("swept stale session", "key", v.key, "age", v.age)
		}
	}
	return len(stale)
}

// Stats returns a read-only snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := PoolStats{
		Size:    len(p.entries),
		MaxIdle: p.maxIdle,
		Entries: make([]PoolEntryStats, 0, len(p.entries)),
	}
	for key, e := range p.entries {
		age := now.Sub(e.lastUsed)
		stats.Entries = append(stats.Entries, PoolEntryStats{
			Key:        key,
			AgeSeconds: int(age.Seconds()),
			Stale:      age > p.maxIdle,
		})
	}
	sort.Slice(stats.Entries, func(i, j int) bool { return stats.Entries[i].Key < stats.Entries[j].Key })
	return stats
}

// Drain disconnects and removes everything. Used at shutdown.
func (p *Pool) Drain() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for key, e := range entries {
		if err := e.session.Close(); err != nil {
			p.logger.Warn("drain disconnect", "key", key, "error", err)
		}
	}
	if len(entries) > 0 {
		p.logger.Info("drained connection pool", "sessions", len(entries))
	}
}
