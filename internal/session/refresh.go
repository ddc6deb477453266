package session

import (
	"context"
	"time"

	"github.com/ehr/medidiag/internal/domain/identity"
)

// StartRefresh applies the refresh policy for an authenticated session and
// keeps it applied: an expired credential logs out, a credential within the
// anticipation window is refreshed now, and a timer re-checks at
// expiry - anticipation. A failed refresh logs out. ctx bounds every
// refresh issued by the timer.
func (c *Controller) StartRefresh(ctx context.Context) {
	c.timerMu.Lock()
	c.refreshCtx = ctx
	c.timerMu.Unlock()
	c.checkRefresh(ctx)
}

// StopRefresh cancels the pending refresh timer.
func (c *Controller) StopRefresh() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// NextRefresh returns the delay until the scheduled re-check, false when
// none is pending.
func (c *Controller) NextRefresh() (time.Duration, bool) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer == nil {
		return 0, false
	}
	return c.nextAt.Sub(c.clock.Now()), true
}

func (c *Controller) checkRefresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	snap := c.Snapshot()
	if !snap.IsAuthenticated() {
		c.StopRefresh()
		return
	}

	now := c.clock.Now()
	exp, err := identity.Expiry(c.AccessToken())
	if err != nil || !exp.After(now) {
		c.logger.Info().Msg("access credential expired, logging out")
		c.Logout()
		return
	}

	if exp.Sub(now) <= c.anticipation {
		if err := c.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("credential refresh failed, logging out")
			c.Logout()
			return
		}
		if exp, err = identity.Expiry(c.AccessToken()); err != nil {
			c.Logout()
			return
		}
		now = c.clock.Now()
	}

	delay := exp.Sub(now) - c.anticipation
	if delay < 0 {
		// the refreshed credential is shorter-lived than the window
		delay = exp.Sub(now) / 2
	}
	c.schedule(delay)
}

func (c *Controller) schedule(delay time.Duration) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	ctx := c.refreshCtx
	if ctx == nil {
		ctx = context.Background()
	}
	c.nextAt = c.clock.Now().Add(delay)
	c.timer = c.clock.AfterFunc(delay, func() {
		c.timerMu.Lock()
		stale := gen != c.timerGen
		if !stale {
			c.timer = nil
		}
		c.timerMu.Unlock()
		if stale {
			return
		}
		c.checkRefresh(ctx)
	})
}
