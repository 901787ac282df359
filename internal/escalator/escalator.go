// Package escalator merges the scheduler, lone-worker, and evacuation signals
// into a single prioritized alert stream and drives the external alert sink
// on the cadence each condition requires.
package escalator

import (
	"errors"
	"fmt"
	"time"

	"ptw-monitor/internal/models"

	"go.uber.org/zap"
)

// AlertSink abstracts the audible/haptic alert channel. The escalator never
// performs I/O itself; implementations live in internal/alert.
type AlertSink interface {
	Announce(message string, severity models.Severity)
}

// ErrOccupantsPresent rejects an evacuation stand-down while anyone is still
// inside the work zone.
var ErrOccupantsPresent = errors.New("cannot stand down evacuation with occupants present")

// Announcement cadences per condition.
const (
	EvacuationCadence = 5 * time.Second
	OverdueCadence    = 20 * time.Second
	LoneWorkerCadence = 20 * time.Second
)

// Escalator holds the alarm state for one permit.
type Escalator struct {
	permitLabel string
	sink        AlertSink
	logger      *zap.Logger

	state      models.AlarmState
	evacuation bool

	// lastAnnounced is the cadence guard per condition; cleared when a
	// condition drops so the next raise announces immediately.
	lastAnnounced map[models.AlarmCondition]time.Time
}

// New creates an escalator for the permit identified by its human label.
func New(permitLabel string, sink AlertSink, logger *zap.Logger) *Escalator {
	return &Escalator{
		permitLabel:   permitLabel,
		sink:          sink,
		logger:        logger,
		lastAnnounced: make(map[models.AlarmCondition]time.Time),
	}
}

// State returns the current alarm state.
func (e *Escalator) State() models.AlarmState {
	return e.state
}

// Condition returns the current leading condition.
func (e *Escalator) Condition() models.AlarmCondition {
	return e.state.Condition
}

// EvacuationActive reports whether the evacuation latch is set.
func (e *Escalator) EvacuationActive() bool {
	return e.evacuation
}

// TriggerEvacuation latches the evacuation condition and announces it at
// once. Idempotent: repeated triggers while latched are no-ops.
func (e *Escalator) TriggerEvacuation(now time.Time) {
	if e.evacuation {
		return
	}
	e.evacuation = true
	e.enter(models.AlarmEvacuation, now)
	e.announce(models.AlarmEvacuation, now)

	e.logger.Warn("Evacuation triggered",
		zap.String("permit_id", e.permitLabel),
	)
}

// StandDown clears the evacuation latch. It fails while anyone remains
// inside; repeated stand-downs at zero occupancy are no-ops.
func (e *Escalator) StandDown(now time.Time, occupancy int) error {
	if occupancy > 0 {
		return ErrOccupantsPresent
	}
	if !e.evacuation {
		return nil
	}
	e.evacuation = false
	delete(e.lastAnnounced, models.AlarmEvacuation)
	e.state = models.AlarmState{Condition: models.AlarmNone, EnteredAt: now}

	e.sink.Announce(
		fmt.Sprintf("Evacuation stood down (permit %s)", e.permitLabel),
		models.SeverityInformational,
	)
	e.logger.Info("Evacuation stood down",
		zap.String("permit_id", e.permitLabel),
	)
	return nil
}

// Notify forwards a one-off announcement through the sink. Used by the
// controller so automatic transitions are never silent.
func (e *Escalator) Notify(message string, severity models.Severity) {
	e.sink.Announce(message, severity)
}

// Tick recomputes the leading condition from this tick's signals and fires
// the sink when the leader's cadence has elapsed.
func (e *Escalator) Tick(now time.Time, checkOverdue bool, loneWorker bool) {
	lead := models.AlarmNone
	if loneWorker {
		lead = models.AlarmLoneWorker
	}
	if checkOverdue {
		lead = models.AlarmCheckOverdue
	}
	if e.evacuation {
		lead = models.AlarmEvacuation
	}

	if lead != e.state.Condition {
		e.enter(lead, now)
	}
	if lead == models.AlarmNone {
		return
	}

	last, seen := e.lastAnnounced[lead]
	if !seen || now.Sub(last) >= cadenceFor(lead) {
		e.announce(lead, now)
	}
}

// enter switches the leading condition, dropping the cadence guard of the one
// being left so it fires immediately if it ever leads again.
func (e *Escalator) enter(cond models.AlarmCondition, now time.Time) {
	delete(e.lastAnnounced, e.state.Condition)
	e.state = models.AlarmState{Condition: cond, EnteredAt: now}
}

func (e *Escalator) announce(cond models.AlarmCondition, now time.Time) {
	e.sink.Announce(e.messageFor(cond), severityFor(cond))
	e.lastAnnounced[cond] = now
}

func (e *Escalator) messageFor(cond models.AlarmCondition) string {
	switch cond {
	case models.AlarmEvacuation:
		return fmt.Sprintf("EVACUATE: all personnel muster immediately (permit %s)", e.permitLabel)
	case models.AlarmCheckOverdue:
		return fmt.Sprintf("Safety check overdue (permit %s)", e.permitLabel)
	case models.AlarmLoneWorker:
		return fmt.Sprintf("Single-person entry not permitted (permit %s)", e.permitLabel)
	default:
		return ""
	}
}

func severityFor(cond models.AlarmCondition) models.Severity {
	if cond == models.AlarmEvacuation {
		return models.SeverityEmergency
	}
	return models.SeverityWarning
}

func cadenceFor(cond models.AlarmCondition) time.Duration {
	switch cond {
	case models.AlarmEvacuation:
		return EvacuationCadence
	case models.AlarmCheckOverdue:
		return OverdueCadence
	default:
		return LoneWorkerCadence
	}
}
