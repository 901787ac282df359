// Package ledger maintains the permit's append-only entry/exit log and
// derives occupancy from it by replay. The log is the single source of truth
// for who is inside the work zone; the cached personnel count on the permit
// is refreshed from it, never trusted.
package ledger

import (
	"errors"
	"sort"
	"time"

	"ptw-monitor/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyInside rejects a second IN for a person already inside.
	ErrAlreadyInside = errors.New("person is already inside")
	// ErrNotInside rejects an OUT for a person not currently inside.
	ErrNotInside = errors.New("person is not inside")
	// ErrRoleConflict rejects entry by someone holding a standby role.
	ErrRoleConflict = errors.New("standby role holders cannot enter")
)

// Ledger wraps a permit's entry log.
type Ledger struct {
	permit *models.Permit

	// OnFirstEntry fires on the 0 -> 1 occupancy transition. The scheduler
	// hooks this to restart its check interval.
	OnFirstEntry func(now time.Time)
}

// New creates a ledger over the permit's entry log.
func New(permit *models.Permit) *Ledger {
	return &Ledger{permit: permit}
}

// Occupancy replays the entry log and returns the names currently inside,
// in order of first entry. Replay is ordered by event timestamp; ties keep
// append order.
func (l *Ledger) Occupancy() []string {
	logs := make([]models.EntrantRecord, len(l.permit.EntryLogs))
	copy(logs, l.permit.EntryLogs)
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].Timestamp.Before(logs[j].Timestamp)
	})

	inside := make([]string, 0, 4)
	for _, rec := range logs {
		switch rec.Direction {
		case models.DirectionIn:
			if !contains(inside, rec.Name) {
				inside = append(inside, rec.Name)
			}
		case models.DirectionOut:
			inside = remove(inside, rec.Name)
		}
	}
	return inside
}

// Count returns the current number of occupants.
func (l *Ledger) Count() int {
	return len(l.Occupancy())
}

// IsInside reports whether name is currently inside.
func (l *Ledger) IsInside(name string) bool {
	return contains(l.Occupancy(), name)
}

// RecordEntry appends an IN event for name.
func (l *Ledger) RecordEntry(name string, now time.Time) error {
	if l.permit.HoldsRestrictedRole(name) {
		return ErrRoleConflict
	}

	inside := l.Occupancy()
	if contains(inside, name) {
		return ErrAlreadyInside
	}

	l.append(name, models.DirectionIn, now)

	if len(inside) == 0 && l.OnFirstEntry != nil {
		l.OnFirstEntry(now)
	}
	return nil
}

// RecordExit appends an OUT event for name.
func (l *Ledger) RecordExit(name string, now time.Time) error {
	if !l.IsInside(name) {
		return ErrNotInside
	}
	l.append(name, models.DirectionOut, now)
	return nil
}

func (l *Ledger) append(name string, dir models.Direction, now time.Time) {
	l.permit.EntryLogs = append(l.permit.EntryLogs, models.EntrantRecord{
		ID:        uuid.New().String(),
		Timestamp: now,
		Name:      name,
		Direction: dir,
	})
	l.permit.PersonnelCount = l.Count()
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func remove(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
