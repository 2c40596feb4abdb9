package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultSessionTimeoutMinutes = 30
	DefaultSessionCheckInterval  = time.Minute
)

// SessionClock tracks the last user interaction.
type SessionClock struct {
	TimeoutMinutes int       `json:"session_timeout_minutes"`
	LastActivity   time.Time `json:"last_activity_time"`
}

func NewSessionClock(timeoutMinutes int, now time.Time) SessionClock {
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultSessionTimeoutMinutes
	}
	return SessionClock{TimeoutMinutes: timeoutMinutes, LastActivity: now}
}

func (c *SessionClock) Touch(now time.Time) {
	if now.After(c.LastActivity) {
		c.LastActivity = now
	}
}

func (c SessionClock) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

func (c SessionClock) Idle(now time.Time) time.Duration {
	return now.Sub(c.LastActivity)
}

// Expired reports whether the idle time exceeds the timeout.
func (c SessionClock) Expired(now time.Time) bool {
	return c.Idle(now) > c.Timeout()
}

// Expirer performs the session expiry for the owning store. It reports whether the
// session had expired.
type Expirer interface {
	CheckSession(ctx context.Context, now time.Time) bool
}

// SessionMonitor asks the store to check for idle expiry at a coarse interval.
type SessionMonitor struct {
	expirer Expirer
	now     func() time.Time
	loop    *loop
}

func NewSessionMonitor(interval time.Duration, expirer Expirer) *SessionMonitor {
	if interval <= 0 {
		interval = DefaultSessionCheckInterval
	}
	m := &SessionMonitor{expirer: expirer, now: time.Now}
	m.loop = newLoop(interval, m.tick)
	return m
}

// UseClock replaces the time source. Intended for tests.
func (m *SessionMonitor) UseClock(now func() time.Time) { m.now = now }

func (m *SessionMonitor) tick(ctx context.Context) {
	if m.expirer.CheckSession(ctx, m.now()) {
		log.Info().Msg("session expired after inactivity")
	}
}

func (m *SessionMonitor) Start(ctx context.Context) { m.loop.start(ctx) }
func (m *SessionMonitor) Stop()                     { m.loop.stop() }
func (m *SessionMonitor) Running() bool             { return m.loop.running() }
