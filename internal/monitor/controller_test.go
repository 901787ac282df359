package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"ptw-monitor/internal/gas"
	"ptw-monitor/internal/ledger"
	"ptw-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type recordedAlert struct {
	Message  string
	Severity models.Severity
}

type fakeSink struct {
	alerts []recordedAlert
}

func (s *fakeSink) Announce(message string, severity models.Severity) {
	s.alerts = append(s.alerts, recordedAlert{Message: message, Severity: severity})
}

func (s *fakeSink) containing(substr string) []recordedAlert {
	var out []recordedAlert
	for _, a := range s.alerts {
		if strings.Contains(a.Message, substr) {
			out = append(out, a)
		}
	}
	return out
}

type fakeCrew struct {
	members []models.CrewMember
}

func (f *fakeCrew) ListAuthorized(ctx context.Context) ([]models.CrewMember, error) {
	return f.members, nil
}

func testCrew() *fakeCrew {
	return &fakeCrew{members: []models.CrewMember{
		{ID: "c1", Name: "Capt. James Hook", Rank: "Master"},
		{ID: "c2", Name: "William Smee", Rank: "Chief Officer"},
		{ID: "c3", Name: "John Silver", Rank: "Bosun"},
		{ID: "c4", Name: "Jack Sparrow", Rank: "AB"},
	}}
}

func testPermit(workTypes ...models.WorkType) *models.Permit {
	if len(workTypes) == 0 {
		workTypes = []models.WorkType{models.WorkTypeHotWork}
	}
	return &models.Permit{
		ID:             "7c2f8e14-0000-0000-0000-000000000001",
		PermitID:       "PTW-2024-010",
		Status:         models.StatusActive,
		CreatedAt:      t0,
		UpdatedAt:      t0,
		Version:        1,
		Location:       "Pump Room",
		WorkTypes:      workTypes,
		ValidFrom:      t0,
		ExpiresAt:      t0.Add(8 * time.Hour),
		CheckFrequency: 15,
		Attendant:      "Davy Jones",
		GasConfig:      models.DefaultGasConfig(),
	}
}

func newTestController(p *models.Permit) (*Controller, *fakeSink) {
	sink := &fakeSink{}
	c := NewController(p, testCrew(), sink, models.DefaultGasConfig(), zap.NewNop(), t0)
	return c, sink
}

func safeReadings() []models.GasReading {
	readings := models.DefaultGasConfig()
	for i := range readings {
		v := "0"
		if readings[i].ID == models.OxygenGasID {
			v = "21.0"
		}
		readings[i].Top, readings[i].Mid, readings[i].Bot = v, v, v
	}
	return readings
}

func unsafeReadings() []models.GasReading {
	readings := safeReadings()
	readings[0].Top, readings[0].Mid, readings[0].Bot = "19.5", "19.5", "19.5"
	return readings
}

// tickSpan drives the controller at 1 Hz from just after start for the whole
// span.
func tickSpan(c *Controller, start time.Time, span time.Duration) time.Time {
	now := start
	for elapsed := time.Second; elapsed <= span; elapsed += time.Second {
		now = start.Add(elapsed)
		c.Tick(now)
	}
	return now
}

// ============================================
// Entry / exit commands
// ============================================

func TestRecordEntry_OnlyWhileActive(t *testing.T) {
	p := testPermit()
	p.Status = models.StatusSuspended
	c, _ := newTestController(p)

	err := c.RecordEntry("Jack Sparrow", t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrPermitNotActive)
}

func TestRecordEntry_BumpsVersion(t *testing.T) {
	c, _ := newTestController(testPermit())

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Minute)))
	assert.Equal(t, int64(2), c.Permit().Version)
	assert.True(t, c.Dirty())
}

func TestRecordExit_AllowedDuringEvacuation(t *testing.T) {
	c, _ := newTestController(testPermit())

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Minute)))
	require.NoError(t, c.TriggerEvacuation(t0.Add(2*time.Minute)))
	assert.NoError(t, c.RecordExit("Jack Sparrow", t0.Add(3*time.Minute)))
}

// ============================================
// Gas tests
// ============================================

func TestRecordGasTest_MissingMandatoryGas_Rejected(t *testing.T) {
	c, _ := newTestController(testPermit())

	readings := safeReadings()[:3] // co2, ch4 rows not submitted
	_, err := c.RecordGasTest(readings, "Jack Sparrow", t0.Add(time.Minute))

	assert.ErrorIs(t, err, gas.ErrIncompleteReading)
	assert.Empty(t, c.Permit().GasLogs)
}

func TestRecordGasTest_SafeResetsCheckInterval(t *testing.T) {
	c, sink := newTestController(testPermit())
	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))

	// run until the 15-minute check is overdue
	now := tickSpan(c, t0, 16*time.Minute)
	require.NotEmpty(t, sink.containing("check overdue"))

	result, err := c.RecordGasTest(safeReadings(), "Jack Sparrow", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, result.IsSafe)
	require.NotNil(t, c.Permit().LastCheckAt)

	// overdue cleared on the next tick
	before := len(sink.containing("check overdue"))
	c.Tick(now.Add(2 * time.Second))
	assert.Len(t, sink.containing("check overdue"), before)
	assert.Equal(t, "NONE", c.Snapshot().AlarmCondition)
}

func TestRecordGasTest_UnsafeWithOccupants_TriggersEvacuation(t *testing.T) {
	c, sink := newTestController(testPermit())
	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))

	result, err := c.RecordGasTest(unsafeReadings(), "Jack Sparrow", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, result.IsSafe)
	assert.NotEmpty(t, sink.containing("EVACUATE"))
	assert.True(t, c.Snapshot().EvacuationActive)
	// the unsafe result is still stored
	require.Len(t, c.Permit().GasLogs, 1)
}

func TestRecordGasTest_UnsafeEmptySpace_NoEvacuation(t *testing.T) {
	c, sink := newTestController(testPermit())

	_, err := c.RecordGasTest(unsafeReadings(), "Jack Sparrow", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, sink.containing("EVACUATE"))
}

// ============================================
// Suspension
// ============================================

func TestAutoSuspend_AfterEmptyGracePeriod(t *testing.T) {
	c, sink := newTestController(testPermit(models.WorkTypeEnclosedSpace))

	tickSpan(c, t0, 46*time.Minute)

	assert.Equal(t, models.StatusSuspended, c.Permit().Status)
	assert.NotEmpty(t, sink.containing("suspended"))
}

func TestAutoSuspend_SafeGasTestReturnsToActive(t *testing.T) {
	c, sink := newTestController(testPermit(models.WorkTypeEnclosedSpace))

	now := tickSpan(c, t0, 46*time.Minute)
	require.Equal(t, models.StatusSuspended, c.Permit().Status)

	_, err := c.RecordGasTest(safeReadings(), "Jack Sparrow", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, c.Permit().Status)
	assert.NotEmpty(t, sink.containing("resumed"))
}

func TestAutoSuspend_ResumedPermitStaysActiveOnNextTick(t *testing.T) {
	c, _ := newTestController(testPermit(models.WorkTypeEnclosedSpace))

	now := tickSpan(c, t0, 46*time.Minute)
	require.Equal(t, models.StatusSuspended, c.Permit().Status)

	resumeAt := now.Add(time.Minute)
	_, err := c.RecordGasTest(safeReadings(), "Jack Sparrow", resumeAt)
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, c.Permit().Status)

	// the unattended-space grace window restarts at resumption; the permit
	// must not fall straight back into Suspended
	c.Tick(resumeAt.Add(time.Second))
	assert.Equal(t, models.StatusActive, c.Permit().Status)

	end := tickSpan(c, resumeAt.Add(time.Second), 44*time.Minute)
	assert.Equal(t, models.StatusActive, c.Permit().Status)

	// a full fresh grace period with the space still empty suspends again
	tickSpan(c, end, 2*time.Minute)
	assert.Equal(t, models.StatusSuspended, c.Permit().Status)
}

func TestManualResume_RestartsEmptyGraceWindow(t *testing.T) {
	// working aloft needs no gas test, so the manual resume path is exercised
	c, _ := newTestController(testPermit(models.WorkTypeWorkingAloft))
	ctx := context.Background()

	now := tickSpan(c, t0, 46*time.Minute)
	require.Equal(t, models.StatusSuspended, c.Permit().Status)

	resumeAt := now.Add(time.Minute)
	require.NoError(t, c.ChangeStatus(ctx, models.StatusActive, "Anna Larsen", resumeAt))
	require.Equal(t, models.StatusActive, c.Permit().Status)

	c.Tick(resumeAt.Add(time.Second))
	assert.Equal(t, models.StatusActive, c.Permit().Status)

	tickSpan(c, resumeAt.Add(time.Second), 44*time.Minute)
	assert.Equal(t, models.StatusActive, c.Permit().Status)
}

func TestAutoSuspend_UnsafeGasTestKeepsSuspended(t *testing.T) {
	c, _ := newTestController(testPermit(models.WorkTypeEnclosedSpace))

	now := tickSpan(c, t0, 46*time.Minute)
	require.Equal(t, models.StatusSuspended, c.Permit().Status)

	_, err := c.RecordGasTest(unsafeReadings(), "Jack Sparrow", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, c.Permit().Status)
}

func TestManualSuspend_UnsafeGasTestWithOccupants_RaisesEvacuation(t *testing.T) {
	c, sink := newTestController(testPermit(models.WorkTypeEnclosedSpace))
	ctx := context.Background()

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	require.NoError(t, c.RecordEntry("John Silver", t0.Add(2*time.Second)))
	require.NoError(t, c.ChangeStatus(ctx, models.StatusSuspended, "", t0.Add(time.Minute)))

	_, err := c.RecordGasTest(unsafeReadings(), "Jack Sparrow", t0.Add(2*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuspended, c.Permit().Status)
	assert.NotEmpty(t, sink.containing("EVACUATE"))
}

func TestResume_WithoutGasTest_RejectedForGasWork(t *testing.T) {
	c, _ := newTestController(testPermit(models.WorkTypeEnclosedSpace))
	ctx := context.Background()

	require.NoError(t, c.ChangeStatus(ctx, models.StatusSuspended, "", t0.Add(time.Minute)))

	err := c.ChangeStatus(ctx, models.StatusActive, "", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrGasTestRequired)
	assert.Equal(t, models.StatusSuspended, c.Permit().Status)
}

func TestResume_ManualAllowedForNonGasWork(t *testing.T) {
	c, _ := newTestController(testPermit(models.WorkTypeWorkingAloft))
	ctx := context.Background()

	require.NoError(t, c.ChangeStatus(ctx, models.StatusSuspended, "", t0.Add(time.Minute)))
	require.NoError(t, c.ChangeStatus(ctx, models.StatusActive, "", t0.Add(2*time.Minute)))
	assert.Equal(t, models.StatusActive, c.Permit().Status)
}

// ============================================
// Lone worker
// ============================================

func TestLoneWorker_RaisedThroughController(t *testing.T) {
	c, sink := newTestController(testPermit(models.WorkTypeEnclosedSpace))

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	tickSpan(c, t0.Add(time.Second), 301*time.Second)

	assert.NotEmpty(t, sink.containing("Single-person"))
	assert.Equal(t, "LONE_WORKER", c.Snapshot().AlarmCondition)
}

func TestLoneWorker_ClearedBySecondEntrant(t *testing.T) {
	c, _ := newTestController(testPermit(models.WorkTypeEnclosedSpace))

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	now := tickSpan(c, t0.Add(time.Second), 301*time.Second)
	require.Equal(t, "LONE_WORKER", c.Snapshot().AlarmCondition)

	require.NoError(t, c.RecordEntry("John Silver", now.Add(time.Second)))
	c.Tick(now.Add(2 * time.Second))
	assert.Equal(t, "NONE", c.Snapshot().AlarmCondition)
}

func TestLoneWorker_NotRaisedForHotWork(t *testing.T) {
	c, sink := newTestController(testPermit(models.WorkTypeHotWork))

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	tickSpan(c, t0.Add(time.Second), 400*time.Second)

	assert.Empty(t, sink.containing("Single-person"))
}

// ============================================
// Expiry
// ============================================

func TestExpiry_WithOccupants_ForcesEvacuation(t *testing.T) {
	p := testPermit()
	p.ExpiresAt = t0.Add(30 * time.Minute)
	c, sink := newTestController(p)

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	now := tickSpan(c, t0.Add(time.Second), 31*time.Minute)

	assert.Equal(t, models.StatusExpired, c.Permit().Status)
	assert.NotEmpty(t, sink.containing("expired"))
	assert.NotEmpty(t, sink.containing("EVACUATE"))

	// stand-down impossible while someone is still inside
	err := c.StandDownEvacuation(now.Add(time.Second))
	assert.ErrorIs(t, err, ErrOccupantsPresent)

	// muster completes, stand-down succeeds
	require.NoError(t, c.RecordExit("Jack Sparrow", now.Add(2*time.Second)))
	assert.NoError(t, c.StandDownEvacuation(now.Add(3*time.Second)))
	assert.False(t, c.Snapshot().EvacuationActive)
}

func TestExpiry_EmptySpace_NoEvacuation(t *testing.T) {
	p := testPermit()
	p.ExpiresAt = t0.Add(10 * time.Minute)
	c, sink := newTestController(p)

	tickSpan(c, t0, 11*time.Minute)

	assert.Equal(t, models.StatusExpired, c.Permit().Status)
	assert.Empty(t, sink.containing("EVACUATE"))
}

func TestExpiry_EvacuationKeepsAnnouncingAfterTransition(t *testing.T) {
	p := testPermit()
	p.ExpiresAt = t0.Add(5 * time.Minute)
	c, sink := newTestController(p)

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	now := tickSpan(c, t0.Add(time.Second), 5*time.Minute)

	before := len(sink.containing("EVACUATE"))
	tickSpan(c, now, 30*time.Second)
	assert.Greater(t, len(sink.containing("EVACUATE")), before)
}

// ============================================
// Completion and closure
// ============================================

func TestJobComplete_JuniorRankRejected(t *testing.T) {
	c, _ := newTestController(testPermit())
	ctx := context.Background()

	err := c.ChangeStatus(ctx, models.StatusJobComplete, "John Silver", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInsufficientRank)
	assert.Equal(t, models.StatusActive, c.Permit().Status)
}

func TestJobComplete_UnknownAuthorizerRejected(t *testing.T) {
	c, _ := newTestController(testPermit())
	ctx := context.Background()

	err := c.ChangeStatus(ctx, models.StatusJobComplete, "Blackbeard", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrUnknownCrew)
}

func TestJobComplete_OccupantsPresentRejected(t *testing.T) {
	c, _ := newTestController(testPermit())
	ctx := context.Background()

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))

	err := c.ChangeStatus(ctx, models.StatusJobComplete, "Capt. James Hook", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrOccupantsPresent)
}

func TestJobComplete_MasterSucceedsAtZeroOccupancy(t *testing.T) {
	c, _ := newTestController(testPermit())
	ctx := context.Background()

	require.NoError(t, c.ChangeStatus(ctx, models.StatusJobComplete, "Capt. James Hook", t0.Add(time.Hour)))
	assert.Equal(t, models.StatusJobComplete, c.Permit().Status)

	require.Len(t, c.Permit().Signatures, 1)
	sig := c.Permit().Signatures[0]
	assert.Equal(t, "Job Completion Authority", sig.Role)
	assert.Equal(t, "Capt. James Hook", sig.Name)
	assert.NotEmpty(t, sig.DigitalHash)
}

func TestClose_ChecklistAndSecondAuthRequired(t *testing.T) {
	c, _ := newTestController(testPermit())
	ctx := context.Background()

	require.NoError(t, c.ChangeStatus(ctx, models.StatusJobComplete, "Capt. James Hook", t0.Add(time.Hour)))

	// checklist incomplete
	err := c.ChangeStatus(ctx, models.StatusClosed, "William Smee", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrChecklistIncomplete)

	require.NoError(t, c.ConfirmClosure(ChecklistToolsRemoved, "Jack Sparrow", t0.Add(2*time.Hour)))
	err = c.ChangeStatus(ctx, models.StatusClosed, "William Smee", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrChecklistIncomplete)

	require.NoError(t, c.ConfirmClosure(ChecklistSpaceSecured, "Jack Sparrow", t0.Add(2*time.Hour)))

	// junior rank still rejected
	err = c.ChangeStatus(ctx, models.StatusClosed, "John Silver", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInsufficientRank)

	require.NoError(t, c.ChangeStatus(ctx, models.StatusClosed, "William Smee", t0.Add(2*time.Hour)))
	assert.Equal(t, models.StatusClosed, c.Permit().Status)
	assert.Len(t, c.Permit().Signatures, 2)
}

func TestClosedPermit_IsReadOnly(t *testing.T) {
	c, _ := newTestController(testPermit())
	ctx := context.Background()

	require.NoError(t, c.ChangeStatus(ctx, models.StatusJobComplete, "Capt. James Hook", t0.Add(time.Hour)))
	require.NoError(t, c.ConfirmClosure(ChecklistToolsRemoved, "Jack Sparrow", t0.Add(time.Hour)))
	require.NoError(t, c.ConfirmClosure(ChecklistSpaceSecured, "Jack Sparrow", t0.Add(time.Hour)))
	require.NoError(t, c.ChangeStatus(ctx, models.StatusClosed, "William Smee", t0.Add(time.Hour)))

	assert.ErrorIs(t, c.RecordEntry("Jack Sparrow", t0.Add(2*time.Hour)), ErrPermitNotActive)
	assert.ErrorIs(t, c.RecordExit("Jack Sparrow", t0.Add(2*time.Hour)), ErrPermitReadOnly)
	_, err := c.RecordGasTest(safeReadings(), "Jack Sparrow", t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrPermitReadOnly)
	assert.ErrorIs(t, c.ChangeStatus(ctx, models.StatusActive, "", t0.Add(2*time.Hour)), ErrPermitReadOnly)
}

func TestConfirmClosure_UnknownItemRejected(t *testing.T) {
	c, _ := newTestController(testPermit())
	ctx := context.Background()

	require.NoError(t, c.ChangeStatus(ctx, models.StatusJobComplete, "Capt. James Hook", t0.Add(time.Hour)))

	err := c.ConfirmClosure("hatch_welded", "Jack Sparrow", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrUnknownChecklistItem)
}

func TestChangeStatus_ManualExpiryRejected(t *testing.T) {
	c, _ := newTestController(testPermit())

	err := c.ChangeStatus(context.Background(), models.StatusExpired, "Capt. James Hook", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// ============================================
// Tick semantics
// ============================================

func TestTick_IdempotentForSameInstant(t *testing.T) {
	c, sink := newTestController(testPermit())

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	require.NoError(t, c.TriggerEvacuation(t0.Add(2*time.Second)))

	now := t0.Add(10 * time.Second)
	c.Tick(now)
	count := len(sink.alerts)
	c.Tick(now)
	c.Tick(now)
	assert.Len(t, sink.alerts, count)
}

func TestTick_RefreshesCachedPersonnelCount(t *testing.T) {
	p := testPermit()
	p.PersonnelCount = 99 // drifted cache from a previous writer
	c, _ := newTestController(p)

	c.Tick(t0.Add(time.Second))
	assert.Equal(t, 0, p.PersonnelCount)
}

func TestTick_IgnoresDraftPermits(t *testing.T) {
	p := testPermit()
	p.Status = models.StatusDraft
	c, sink := newTestController(p)

	tickSpan(c, t0, time.Hour)
	assert.Empty(t, sink.alerts)
	assert.Equal(t, models.StatusDraft, p.Status)
}

func TestLedgerErrors_SurfaceThroughController(t *testing.T) {
	c, _ := newTestController(testPermit())

	require.NoError(t, c.RecordEntry("Jack Sparrow", t0.Add(time.Second)))
	assert.ErrorIs(t, c.RecordEntry("Jack Sparrow", t0.Add(2*time.Second)), ledger.ErrAlreadyInside)
	assert.ErrorIs(t, c.RecordExit("John Silver", t0.Add(2*time.Second)), ledger.ErrNotInside)
	assert.ErrorIs(t, c.RecordEntry("Davy Jones", t0.Add(2*time.Second)), ledger.ErrRoleConflict)
}

func TestStandDown_NoEvacuationIsNoOp(t *testing.T) {
	c, _ := newTestController(testPermit())

	assert.NoError(t, c.StandDownEvacuation(t0.Add(time.Minute)))
	assert.False(t, c.Dirty())
}

func TestCommands_RequireAName(t *testing.T) {
	p := testPermit()
	c, _ := newTestController(p)

	assert.ErrorIs(t, c.RecordEntry("", t0.Add(time.Second)), ErrNameRequired)
	assert.ErrorIs(t, c.RecordExit("", t0.Add(time.Second)), ErrNameRequired)
	_, err := c.RecordGasTest(safeReadings(), "", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrNameRequired)
	assert.ErrorIs(t, c.ConfirmSafetyCheck("", t0.Add(time.Second)), ErrNameRequired)
	assert.False(t, c.Dirty())
}
