package imap

import (
	"time"
)

// startKeepaliveGoroutine NOOPs idle connections and closes stale ones until Close.
func (p *Pool) startKeepaliveGoroutine() {
	interval := p.cfg.KeepaliveInterval / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.keepaliveIdleConnections()
			}
		}
	}()
}

// keepaliveIdleConnections visits every connection nobody holds. Network calls
// happen outside the pool and set locks.
func (p *Pool) keepaliveIdleConnections() {
	p.mu.RLock()
	sets := make(map[int64]*sessionSet, len(p.sets))
	for id, set := range p.sets {
		sets[id] = set
	}
	p.mu.RUnlock()

	now := time.Now()
	for accountID, set := range sets {
		for _, ps := range set.snapshot() {
			if !ps.mu.TryLock() {
				continue
			}

			switch {
			case now.Sub(ps.lastUsed) > p.cfg.IdleTimeout:
				set.remove(ps)
				_ = ps.session.Logout()
			case now.Sub(ps.lastNoop) >= p.cfg.KeepaliveInterval:
				if err := ps.session.Noop(); err != nil {
					p.logger.Debug().Err(err).Int64("account_id", accountID).Msg("Keepalive failed, dropping connection")
					set.remove(ps)
					_ = ps.session.Logout()
				} else {
					ps.lastNoop = now
				}
			}
			ps.mu.Unlock()
		}

		if set.size() == 0 && len(set.semaphore) == 0 {
			p.mu.Lock()
			if p.sets[accountID] == set && set.retireIfUnused() {
				delete(p.sets, accountID)
			}
			p.mu.Unlock()
		}
	}
}
