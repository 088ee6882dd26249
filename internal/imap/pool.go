package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/vdavid/mailsync/internal/models"
)

// PoolConfig tunes the per-account connection pool.
type PoolConfig struct {
	MaxConnectionsPerAccount int
	// HealthCheckThreshold is the idle time after which a connection is NOOPed before reuse.
	HealthCheckThreshold time.Duration
	// KeepaliveInterval is how often idle connections get a background NOOP.
	KeepaliveInterval time.Duration
	// IdleTimeout closes connections nobody checked out for this long.
	IdleTimeout time.Duration
	// ConnectInitialInterval is the first backoff delay between connect attempts.
	ConnectInitialInterval time.Duration
	// ConnectMaxElapsed caps reconnect-with-backoff for one checkout.
	ConnectMaxElapsed time.Duration
	// BreakerTimeout is how long the per-account breaker stays open after repeated connect failures.
	BreakerTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnectionsPerAccount: 3,
		HealthCheckThreshold:     time.Minute,
		KeepaliveInterval:        5 * time.Minute,
		IdleTimeout:              10 * time.Minute,
		ConnectInitialInterval:   500 * time.Millisecond,
		ConnectMaxElapsed:        2 * time.Minute,
		BreakerTimeout:           time.Minute,
	}
}

// Pool keeps warm IMAP connections per account.
//
// Each connection carries its own mutex; holding it means the caller owns the
// session, including whatever folder it has selected. Different connections of
// one account are used concurrently by different folder syncs, but a single
// connection is never shared mid-select.
type Pool struct {
	connector Connector
	cfg       PoolConfig
	logger    zerolog.Logger

	sets map[int64]*sessionSet
	mu   sync.RWMutex

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool starts the keepalive goroutine; call Close to stop it.
func NewPool(connector Connector, cfg PoolConfig, logger zerolog.Logger) *Pool {
	defaults := DefaultPoolConfig()
	if cfg.MaxConnectionsPerAccount <= 0 {
		cfg.MaxConnectionsPerAccount = defaults.MaxConnectionsPerAccount
	}
	if cfg.HealthCheckThreshold <= 0 {
		cfg.HealthCheckThreshold = defaults.HealthCheckThreshold
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaults.KeepaliveInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.ConnectInitialInterval <= 0 {
		cfg.ConnectInitialInterval = defaults.ConnectInitialInterval
	}
	if cfg.ConnectMaxElapsed <= 0 {
		cfg.ConnectMaxElapsed = defaults.ConnectMaxElapsed
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		connector:     connector,
		cfg:           cfg,
		logger:        logger.With().Str("component", "imap_pool").Logger(),
		sets:          make(map[int64]*sessionSet),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startKeepaliveGoroutine()
	return p
}

// Get checks out a session for the account. The returned release function must
// be called exactly once; prefer With, which guarantees it.
func (p *Pool) Get(ctx context.Context, account *models.Account) (Session, func(), error) {
	set, ps, err := p.checkout(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return ps.session, func() {
		once.Do(func() { p.checkin(set, ps, false) })
	}, nil
}

// With runs fn on a checked-out session and releases it on every exit path,
// panics included. A session that failed with a network error is discarded
// instead of going back to the pool.
func (p *Pool) With(ctx context.Context, account *models.Account, fn func(Session) error) (err error) {
	set, ps, err := p.checkout(ctx, account)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			p.checkin(set, ps, true)
			panic(r)
		}
		p.checkin(set, ps, IsRetryable(err))
	}()

	return fn(ps.session)
}

// Remove closes all connections of an account, e.g. after its credentials changed.
func (p *Pool) Remove(accountID int64) {
	p.mu.Lock()
	set, ok := p.sets[accountID]
	delete(p.sets, accountID)
	p.mu.Unlock()

	if ok {
		set.close()
	}
}

// Size is the number of open connections for an account.
func (p *Pool) Size(accountID int64) int {
	p.mu.RLock()
	set, ok := p.sets[accountID]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return set.size()
}

// Close stops the keepalive goroutine and closes every idle connection.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	sets := p.sets
	p.sets = make(map[int64]*sessionSet)
	p.mu.Unlock()

	for _, set := range sets {
		set.close()
	}
}

// getOrCreateSet uses double-checked locking so the hot path only takes the read lock.
func (p *Pool) getOrCreateSet(accountID int64) *sessionSet {
	p.mu.RLock()
	set, exists := p.sets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.sets[accountID]; exists {
		return set
	}

	set = &sessionSet{
		semaphore: make(chan struct{}, p.cfg.MaxConnectionsPerAccount),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("imap-connect-%d", accountID),
			MaxRequests: 1,
			Timeout:     p.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	p.sets[accountID] = set
	return set
}
