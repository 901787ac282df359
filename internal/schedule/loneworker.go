package schedule

// LoneWorkerGraceTicks is how many consecutive single-occupant ticks (at
// 1 Hz, seconds) are tolerated before the lone-worker condition raises.
const LoneWorkerGraceTicks = 300

// LoneWorkerDetector raises a condition when a multi-person work zone has
// held exactly one occupant for longer than the grace period. Disabled for
// work types that permit single entry.
type LoneWorkerDetector struct {
	enabled     bool
	consecutive int
	raised      bool
}

// NewLoneWorkerDetector creates a detector; enabled should be true only for
// enclosed-space class permits.
func NewLoneWorkerDetector(enabled bool) *LoneWorkerDetector {
	return &LoneWorkerDetector{enabled: enabled}
}

// Tick advances the counter for this tick's occupancy and reports whether the
// lone-worker condition is active.
func (d *LoneWorkerDetector) Tick(occupancy int) bool {
	if !d.enabled {
		return false
	}

	if occupancy != 1 {
		d.consecutive = 0
		d.raised = false
		return false
	}

	d.consecutive++
	if d.consecutive >= LoneWorkerGraceTicks {
		d.raised = true
	}
	return d.raised
}

// Raised reports the current condition without advancing the counter.
func (d *LoneWorkerDetector) Raised() bool {
	return d.raised
}
