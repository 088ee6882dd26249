package imap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

// checkout blocks for a free slot, then reuses an idle healthy connection or opens one.
// The returned session is locked.
func (p *Pool) checkout(ctx context.Context, account *models.Account) (*sessionSet, *pooledSession, error) {
	if p.cleanupCtx.Err() != nil {
		return nil, nil, ErrPoolClosed
	}
	set, err := p.acquireSlot(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}

	for ps := set.takeIdle(); ps != nil; ps = set.takeIdle() {
		if p.usable(ps) {
			ps.lastUsed = time.Now()
			return set, ps, nil
		}
		p.logger.Debug().Int64("account_id", account.ID).Msg("Discarding dead IMAP connection")
		set.remove(ps)
		_ = ps.session.Logout()
		ps.mu.Unlock()
	}

	sess, err := p.connect(ctx, account, set)
	if err != nil {
		<-set.semaphore
		return nil, nil, err
	}

	now := time.Now()
	ps := &pooledSession{session: sess, lastUsed: now, lastNoop: now}
	ps.mu.Lock()
	set.add(ps)
	return set, ps, nil
}

// acquireSlot takes a semaphore slot of the account's live set. A held slot
// keeps the keepalive from retiring the set, so a set seen open after the slot
// was taken stays in the pool until the slot is given back.
func (p *Pool) acquireSlot(ctx context.Context, accountID int64) (*sessionSet, error) {
	for {
		set := p.getOrCreateSet(accountID)
		select {
		case set.semaphore <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.cleanupCtx.Done():
			return nil, ErrPoolClosed
		}
		if !set.isClosed() {
			return set, nil
		}
		<-set.semaphore
		p.mu.Lock()
		if p.sets[accountID] == set {
			delete(p.sets, accountID)
		}
		p.mu.Unlock()
	}
}

// usable checks state and, past the idle threshold, round-trips a NOOP.
// The caller holds ps.mu.
func (p *Pool) usable(ps *pooledSession) bool {
	if !ps.session.Alive() {
		return false
	}
	if time.Since(ps.lastUsed) <= p.cfg.HealthCheckThreshold {
		return true
	}
	if err := ps.session.Noop(); err != nil {
		return false
	}
	ps.lastNoop = time.Now()
	return true
}

// checkin clears the selected folder and returns the session, or drops it.
func (p *Pool) checkin(set *sessionSet, ps *pooledSession, discard bool) {
	defer func() { <-set.semaphore }()
	defer ps.mu.Unlock()

	if !discard {
		if err := ps.session.ClearSelection(); err != nil || !ps.session.Alive() {
			discard = true
		}
	}
	if !discard && (set.isClosed() || !set.contains(ps)) {
		// The account was removed from the pool while this session was out.
		discard = true
	}

	if discard {
		set.remove(ps)
		_ = ps.session.Logout()
		return
	}
	ps.lastUsed = time.Now()
}

// connect opens a session with exponential backoff. Rejected credentials and an
// open breaker stop the retries immediately.
func (p *Pool) connect(ctx context.Context, account *models.Account, set *sessionSet) (Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.ConnectInitialInterval
	b.MaxElapsedTime = p.cfg.ConnectMaxElapsed

	attempt := 0
	op := func() (Session, error) {
		attempt++
		res, err := set.breaker.Execute(func() (interface{}, error) {
			return p.connector.Connect(ctx, account)
		})
		switch {
		case err == nil:
			metrics.IMAPConnections.WithLabelValues("ok").Inc()
			return res.(Session), nil
		case errors.Is(err, ErrAuthFailed):
			metrics.IMAPConnections.WithLabelValues("auth_error").Inc()
			return nil, backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.IMAPConnections.WithLabelValues("breaker_open").Inc()
			return nil, backoff.Permanent(err)
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		default:
			metrics.IMAPConnections.WithLabelValues("error").Inc()
			p.logger.Warn().Err(err).Int64("account_id", account.ID).Int("attempt", attempt).Msg("IMAP connect failed, retrying")
			return nil, err
		}
	}

	sess, err := backoff.RetryWithData(op, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect account %d: %w", account.ID, err)
	}
	return sess, nil
}
