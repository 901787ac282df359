// Package monitor implements the permit lifecycle controller: the top-level
// state machine that owns a permit aggregate, validates every external
// command against current state, and applies the automatic transitions each
// tick (suspend-on-empty, expiry, forced evacuation).
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"ptw-monitor/internal/escalator"
	"ptw-monitor/internal/gas"
	"ptw-monitor/internal/ledger"
	"ptw-monitor/internal/models"
	"ptw-monitor/internal/schedule"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newRecordID() string {
	return uuid.New().String()
}

// CrewDirectory resolves names against the vessel's authorized crew list.
// Implemented by the crew repository; the monitor only reads from it.
type CrewDirectory interface {
	ListAuthorized(ctx context.Context) ([]models.CrewMember, error)
}

// Closure checklist items required before a JobComplete permit may close.
const (
	ChecklistToolsRemoved = "tools_removed"
	ChecklistSpaceSecured = "space_secured"
)

// Controller drives one permit. All methods are synchronous and must be
// serialized by the caller (single writer per permit instance).
type Controller struct {
	permit *models.Permit
	crew   CrewDirectory
	logger *zap.Logger

	ledger    *ledger.Ledger
	checker   *schedule.Checker
	lone      *schedule.LoneWorkerDetector
	escalator *escalator.Escalator

	// mandatory gas table applied when the permit has no gas profile
	defaultGas []models.GasReading

	suspendedAt      *time.Time
	closureChecklist map[string]bool
	lastCheckStatus  schedule.CheckStatus
	lastTick         time.Time
	dirty            bool
}

// NewController builds the runtime state for a permit loaded from the store.
func NewController(
	permit *models.Permit,
	crew CrewDirectory,
	sink escalator.AlertSink,
	defaultGas []models.GasReading,
	logger *zap.Logger,
	now time.Time,
) *Controller {
	c := &Controller{
		permit:           permit,
		crew:             crew,
		logger:           logger,
		defaultGas:       defaultGas,
		closureChecklist: make(map[string]bool),
		escalator:        escalator.New(permit.PermitID, sink, logger),
		lone:             schedule.NewLoneWorkerDetector(permit.RequiresMultiPersonEntry()),
	}

	// the current check interval counts from the last recorded check, or
	// from now for a permit that has never been checked
	start := now
	if permit.LastCheckAt != nil {
		start = *permit.LastCheckAt
	}
	c.checker = schedule.NewChecker(permit.CheckInterval(), start)

	c.ledger = ledger.New(permit)
	c.ledger.OnFirstEntry = func(at time.Time) {
		c.checker.Reset(at)
	}

	// a permit reloaded mid-suspension counts its suspension from the last
	// update it saw
	if permit.Status == models.StatusSuspended {
		at := permit.UpdatedAt
		c.suspendedAt = &at
	}

	return c
}

// Permit returns the owned aggregate.
func (c *Controller) Permit() *models.Permit {
	return c.permit
}

// Dirty reports whether state changed since the last ClearDirty.
func (c *Controller) Dirty() bool {
	return c.dirty
}

// ClearDirty marks the aggregate as persisted.
func (c *Controller) ClearDirty() {
	c.dirty = false
}

// ============================================
// External commands
// ============================================

// RecordEntry logs a person into the work zone.
func (c *Controller) RecordEntry(name string, now time.Time) error {
	if name == "" {
		return ErrNameRequired
	}
	if c.permit.Status != models.StatusActive {
		return fmt.Errorf("%w: status is %s", ErrPermitNotActive, c.permit.Status)
	}
	if err := c.ledger.RecordEntry(name, now); err != nil {
		return err
	}
	c.touch(now)
	return nil
}

// RecordExit logs a person out of the work zone. Exits are accepted in any
// state except Closed so a muster can always complete.
func (c *Controller) RecordExit(name string, now time.Time) error {
	if name == "" {
		return ErrNameRequired
	}
	if c.permit.Status == models.StatusClosed {
		return ErrPermitReadOnly
	}
	if err := c.ledger.RecordExit(name, now); err != nil {
		return err
	}
	c.touch(now)
	return nil
}

// RecordGasTest evaluates and stores an atmosphere test. A safe result
// resets the safety-check interval; an unsafe result forces evacuation when
// anyone is inside.
func (c *Controller) RecordGasTest(readings []models.GasReading, performedBy string, now time.Time) (models.GasTestResult, error) {
	if performedBy == "" {
		return models.GasTestResult{}, ErrNameRequired
	}
	switch c.permit.Status {
	case models.StatusActive, models.StatusSuspended:
	case models.StatusClosed:
		return models.GasTestResult{}, ErrPermitReadOnly
	default:
		return models.GasTestResult{}, fmt.Errorf("%w: cannot record gas test in status %s", ErrInvalidTransition, c.permit.Status)
	}

	if err := c.checkMandatoryGases(readings); err != nil {
		return models.GasTestResult{}, err
	}

	safe, err := gas.Evaluate(readings)
	if err != nil {
		return models.GasTestResult{}, err
	}

	result := gas.BuildResult(readings, performedBy, safe, now)
	c.permit.GasLogs = append(c.permit.GasLogs, result)

	if safe {
		t := now
		c.permit.LastCheckAt = &t
		c.checker.Reset(now)
		// a verified safe atmosphere lifts a suspension
		if c.permit.Status == models.StatusSuspended {
			c.permit.Status = models.StatusActive
			c.suspendedAt = nil
			c.checker.RestartEmptyTimer(now)
			c.escalator.Notify(
				fmt.Sprintf("Permit %s resumed after safe gas test", c.permit.PermitID),
				models.SeverityInformational,
			)
		}
	} else if c.ledger.Count() > 0 {
		c.escalator.TriggerEvacuation(now)
	}

	c.touch(now)

	c.logger.Info("Gas test recorded",
		zap.String("permit_id", c.permit.PermitID),
		zap.String("performed_by", performedBy),
		zap.Bool("safe", safe),
	)
	return result, nil
}

// ConfirmSafetyCheck records a periodic check and resets the interval.
func (c *Controller) ConfirmSafetyCheck(confirmedBy string, now time.Time) error {
	if confirmedBy == "" {
		return ErrNameRequired
	}
	switch c.permit.Status {
	case models.StatusActive, models.StatusSuspended:
	case models.StatusClosed:
		return ErrPermitReadOnly
	default:
		return fmt.Errorf("%w: cannot confirm check in status %s", ErrInvalidTransition, c.permit.Status)
	}

	c.permit.SafetyCheckLogs = append(c.permit.SafetyCheckLogs, models.SafetyCheckRecord{
		ID:        newRecordID(),
		Timestamp: now,
		CheckedBy: confirmedBy,
	})
	t := now
	c.permit.LastCheckAt = &t
	c.checker.Reset(now)
	c.touch(now)
	return nil
}

// TriggerEvacuation latches the evacuation alarm.
func (c *Controller) TriggerEvacuation(now time.Time) error {
	if c.permit.Status == models.StatusClosed {
		return ErrPermitReadOnly
	}
	if c.escalator.EvacuationActive() {
		return nil
	}
	c.escalator.TriggerEvacuation(now)
	c.touch(now)
	return nil
}

// StandDownEvacuation clears the evacuation alarm once the space is empty.
func (c *Controller) StandDownEvacuation(now time.Time) error {
	if occ := c.ledger.Count(); occ > 0 {
		return fmt.Errorf("%w: %d still inside", ErrOccupantsPresent, occ)
	}
	wasActive := c.escalator.EvacuationActive()
	if err := c.escalator.StandDown(now, c.ledger.Count()); err != nil {
		return err
	}
	if wasActive {
		c.touch(now)
	}
	return nil
}

// ConfirmClosure ticks one closure checklist item on a JobComplete permit.
func (c *Controller) ConfirmClosure(item string, confirmedBy string, now time.Time) error {
	if c.permit.Status != models.StatusJobComplete {
		return fmt.Errorf("%w: closure checklist applies to JobComplete permits", ErrInvalidTransition)
	}
	if item != ChecklistToolsRemoved && item != ChecklistSpaceSecured {
		return fmt.Errorf("%w: %s", ErrUnknownChecklistItem, item)
	}
	c.closureChecklist[item] = true
	c.permit.SafetyCheckLogs = append(c.permit.SafetyCheckLogs, models.SafetyCheckRecord{
		ID:        newRecordID(),
		Timestamp: now,
		CheckedBy: confirmedBy,
		Notes:     "closure: " + item,
	})
	c.touch(now)
	return nil
}

// ChangeStatus applies a manual lifecycle transition.
func (c *Controller) ChangeStatus(ctx context.Context, target models.PermitStatus, authorizer string, now time.Time) error {
	current := c.permit.Status
	if current == models.StatusClosed {
		return ErrPermitReadOnly
	}

	switch target {
	case models.StatusSuspended:
		if current != models.StatusActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}
		c.suspend(now, "by command")
		return nil

	case models.StatusActive:
		if current != models.StatusSuspended {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}
		if c.permit.RequiresGasTest() && !c.freshSafeGasTest() {
			return ErrGasTestRequired
		}
		c.permit.Status = models.StatusActive
		c.suspendedAt = nil
		c.checker.Reset(now)
		c.checker.RestartEmptyTimer(now)
		c.touch(now)
		c.escalator.Notify(
			fmt.Sprintf("Permit %s resumed", c.permit.PermitID),
			models.SeverityInformational,
		)
		return nil

	case models.StatusJobComplete:
		if current != models.StatusActive && current != models.StatusSuspended {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}
		if occ := c.ledger.Count(); occ > 0 {
			return fmt.Errorf("%w: %d still inside", ErrOccupantsPresent, occ)
		}
		if err := c.authorizeSenior(ctx, authorizer); err != nil {
			return err
		}
		c.permit.Status = models.StatusJobComplete
		c.appendSignature("Job Completion Authority", authorizer, now)
		c.touch(now)
		c.escalator.Notify(
			fmt.Sprintf("Permit %s job complete", c.permit.PermitID),
			models.SeverityInformational,
		)
		return nil

	case models.StatusClosed:
		if current != models.StatusJobComplete {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}
		if !c.closureChecklist[ChecklistToolsRemoved] || !c.closureChecklist[ChecklistSpaceSecured] {
			return ErrChecklistIncomplete
		}
		if err := c.authorizeSenior(ctx, authorizer); err != nil {
			return err
		}
		c.permit.Status = models.StatusClosed
		c.appendSignature("Closing Authority", authorizer, now)
		c.touch(now)
		c.escalator.Notify(
			fmt.Sprintf("Permit %s closed", c.permit.PermitID),
			models.SeverityInformational,
		)
		return nil

	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
}

// ============================================
// Tick
// ============================================

// Tick advances all derived timers for the given instant. Called at 1 Hz;
// idempotent for a repeated now.
func (c *Controller) Tick(now time.Time) {
	if !now.After(c.lastTick) {
		return
	}
	c.lastTick = now

	status := c.permit.Status
	if status != models.StatusActive && status != models.StatusSuspended && status != models.StatusExpired {
		return
	}

	occ := c.ledger.Count()
	c.permit.PersonnelCount = occ

	// automatic expiry
	if (status == models.StatusActive || status == models.StatusSuspended) && !now.Before(c.permit.ExpiresAt) {
		if occ > 0 {
			c.escalator.TriggerEvacuation(now)
		}
		c.permit.Status = models.StatusExpired
		c.touch(now)
		c.escalator.Notify(
			fmt.Sprintf("Permit %s expired", c.permit.PermitID),
			models.SeverityWarning,
		)
		status = models.StatusExpired
	}

	switch status {
	case models.StatusActive:
		st := c.checker.Tick(now, occ)
		c.lastCheckStatus = st
		if st.EmptyBeyondGrace() {
			c.suspend(now, "space unattended beyond grace period")
			c.escalator.Tick(now, false, false)
			return
		}
		overdue := st.Overdue && occ > 0
		lone := c.lone.Tick(occ)
		c.escalator.Tick(now, overdue, lone)

	case models.StatusSuspended:
		// keep tracking the empty timer; no countdown alarms while paused
		c.lastCheckStatus = c.checker.Tick(now, occ)
		c.lone.Tick(0)
		c.escalator.Tick(now, false, false)

	case models.StatusExpired:
		// nothing to schedule; the evacuation latch keeps announcing until
		// the space clears and a stand-down arrives
		c.lone.Tick(0)
		c.escalator.Tick(now, false, false)
	}
}

// ============================================
// Snapshot
// ============================================

// Snapshot is the live view of one monitored permit, mirrored to Redis for
// the station dashboards.
type Snapshot struct {
	ID                string              `json:"id"`
	PermitID          string              `json:"permit_id"`
	Status            models.PermitStatus `json:"status"`
	Occupancy         []string            `json:"occupancy"`
	PersonnelCount    int                 `json:"personnel_count"`
	SpaceEmpty        bool                `json:"space_empty"`
	EmptyForSec       int                 `json:"empty_for_sec"`
	CheckRemainingSec int                 `json:"check_remaining_sec"`
	CheckOverdue      bool                `json:"check_overdue"`
	AlarmCondition    string              `json:"alarm_condition"`
	AlarmEnteredAt    time.Time           `json:"alarm_entered_at,omitempty"`
	EvacuationActive  bool                `json:"evacuation_active"`
	Version           int64               `json:"version"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Snapshot builds the current live view.
func (c *Controller) Snapshot() Snapshot {
	occ := c.ledger.Occupancy()
	st := c.lastCheckStatus
	alarm := c.escalator.State()

	return Snapshot{
		ID:                c.permit.ID,
		PermitID:          c.permit.PermitID,
		Status:            c.permit.Status,
		Occupancy:         occ,
		PersonnelCount:    len(occ),
		SpaceEmpty:        st.SpaceEmpty,
		EmptyForSec:       int(st.EmptyFor.Seconds()),
		CheckRemainingSec: int(st.Remaining.Seconds()),
		CheckOverdue:      st.Overdue,
		AlarmCondition:    alarm.Condition.String(),
		AlarmEnteredAt:    alarm.EnteredAt,
		EvacuationActive:  c.escalator.EvacuationActive(),
		Version:           c.permit.Version,
		UpdatedAt:         c.permit.UpdatedAt,
	}
}

// ============================================
// internals
// ============================================

func (c *Controller) touch(now time.Time) {
	c.permit.Touch(now)
	c.dirty = true
}

func (c *Controller) suspend(now time.Time, reason string) {
	c.permit.Status = models.StatusSuspended
	t := now
	c.suspendedAt = &t
	c.touch(now)
	c.escalator.Notify(
		fmt.Sprintf("Permit %s suspended: %s", c.permit.PermitID, reason),
		models.SeverityWarning,
	)
	c.logger.Warn("Permit suspended",
		zap.String("permit_id", c.permit.PermitID),
		zap.String("reason", reason),
	)
}

// freshSafeGasTest reports whether a safe gas test has been recorded since
// the permit was suspended.
func (c *Controller) freshSafeGasTest() bool {
	if c.suspendedAt == nil {
		return false
	}
	for i := len(c.permit.GasLogs) - 1; i >= 0; i-- {
		log := c.permit.GasLogs[i]
		if !log.Timestamp.Before(*c.suspendedAt) && log.IsSafe {
			return true
		}
	}
	return false
}

// checkMandatoryGases verifies every non-custom gas of the permit's profile
// is present in the submitted readings.
func (c *Controller) checkMandatoryGases(readings []models.GasReading) error {
	required := c.permit.GasConfig
	if len(required) == 0 {
		required = c.defaultGas
	}
	submitted := make(map[string]bool, len(readings))
	for _, r := range readings {
		submitted[r.ID] = true
	}
	for _, r := range required {
		if r.IsCustom {
			continue
		}
		if !submitted[r.ID] {
			return fmt.Errorf("%w: gas %s not submitted", gas.ErrIncompleteReading, r.ID)
		}
	}
	return nil
}

func (c *Controller) authorizeSenior(ctx context.Context, name string) error {
	if name == "" {
		return ErrUnknownCrew
	}
	crew, err := c.crew.ListAuthorized(ctx)
	if err != nil {
		return fmt.Errorf("failed to list crew: %w", err)
	}
	for _, member := range crew {
		if member.Name == name {
			if !models.IsSeniorRank(member.Rank) {
				return fmt.Errorf("%w: %s is %s", ErrInsufficientRank, name, member.Rank)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownCrew, name)
}

func (c *Controller) appendSignature(role, name string, now time.Time) {
	sum := sha256.Sum256([]byte(name + "|" + now.UTC().Format(time.RFC3339Nano)))
	c.permit.Signatures = append(c.permit.Signatures, models.Signature{
		Role:        role,
		Name:        name,
		SignedAt:    now,
		DigitalHash: hex.EncodeToString(sum[:]),
	})
}
