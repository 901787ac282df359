// Package schedule holds the timer-derived state of a monitored permit: the
// periodic safety-check countdown and the lone-worker counter. All timing is
// driven by the controller's tick with an explicit now, so tests feed
// synthetic clocks.
package schedule

import (
	"time"
)

// EmptyGracePeriod is how long a permit's space may stay continuously empty
// while Active before the permit is auto-suspended as unattended.
const EmptyGracePeriod = 45 * time.Minute

// CheckStatus is the scheduler's view at one tick.
type CheckStatus struct {
	// SpaceEmpty is true when nobody is inside; Remaining/Overdue are not
	// meaningful for announcements in that case.
	SpaceEmpty bool
	// EmptyFor is how long the space has been continuously empty.
	EmptyFor time.Duration
	// Remaining is the time left until the next required safety check.
	Remaining time.Duration
	// Overdue is sticky once the interval elapses, until a reset event.
	Overdue bool
}

// EmptyBeyondGrace reports whether the unattended-space grace period has been
// exceeded.
func (s CheckStatus) EmptyBeyondGrace() bool {
	return s.SpaceEmpty && s.EmptyFor > EmptyGracePeriod
}

// Checker tracks the periodic safety-check interval for one permit.
type Checker struct {
	interval      time.Duration
	referenceTime time.Time
	overdue       bool
	emptySince    *time.Time
}

// NewChecker starts a checker whose first interval counts from start.
func NewChecker(interval time.Duration, start time.Time) *Checker {
	return &Checker{
		interval:      interval,
		referenceTime: start,
	}
}

// Reset restarts the interval from now and clears the overdue flag. Called on
// a confirmed safety check, on a safe gas test, and on the 0 -> 1 occupancy
// transition.
func (c *Checker) Reset(now time.Time) {
	c.referenceTime = now
	c.overdue = false
}

// RestartEmptyTimer restarts the unattended-space grace window from now.
// Called when a suspended permit resumes: time the space sat empty during the
// suspension must not count against the fresh Active period, or the permit
// would be re-suspended on the very next tick.
func (c *Checker) RestartEmptyTimer(now time.Time) {
	if c.emptySince != nil {
		t := now
		c.emptySince = &t
	}
}

// Tick evaluates the countdown for the current occupancy.
func (c *Checker) Tick(now time.Time, occupancy int) CheckStatus {
	if occupancy == 0 {
		if c.emptySince == nil {
			t := now
			c.emptySince = &t
		}
		return CheckStatus{
			SpaceEmpty: true,
			EmptyFor:   now.Sub(*c.emptySince),
			Overdue:    c.overdue,
		}
	}

	c.emptySince = nil
	remaining := c.referenceTime.Add(c.interval).Sub(now)
	if remaining <= 0 {
		c.overdue = true
	}
	return CheckStatus{
		Remaining: remaining,
		Overdue:   c.overdue,
	}
}

// Overdue reports the sticky overdue flag.
func (c *Checker) Overdue() bool {
	return c.overdue
}
