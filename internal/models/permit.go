package models

import (
	"time"
)

// PermitStatus is the lifecycle state of a permit.
type PermitStatus string

const (
	StatusDraft       PermitStatus = "Draft"
	StatusPending     PermitStatus = "Pending" // waiting for issuance authorization
	StatusActive      PermitStatus = "Active"
	StatusSuspended   PermitStatus = "Suspended"
	StatusJobComplete PermitStatus = "JobComplete"
	StatusClosed      PermitStatus = "Closed"
	StatusExpired     PermitStatus = "Expired"
)

// Monitorable reports whether the safety monitor should hold this permit in
// memory and accept commands for it. Expired permits stay monitorable so an
// evacuation forced at expiry keeps running until the space is clear.
func (s PermitStatus) Monitorable() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusJobComplete, StatusExpired:
		return true
	}
	return false
}

// WorkType classifies the hazardous work covered by a permit.
type WorkType string

const (
	WorkTypeHotWork       WorkType = "hot_work"
	WorkTypeEnclosedSpace WorkType = "enclosed_space"
	WorkTypeWorkingAloft  WorkType = "working_aloft"
	WorkTypeElectrical    WorkType = "electrical"
	WorkTypeDiving        WorkType = "diving"
	WorkTypeGeneral       WorkType = "general"
)

// RequiresMultiPersonEntry reports whether single-person entry is forbidden
// for this work type.
func (w WorkType) RequiresMultiPersonEntry() bool {
	return w == WorkTypeEnclosedSpace
}

// RequiresGasTest reports whether atmosphere testing is mandatory for this
// work type.
func (w WorkType) RequiresGasTest() bool {
	return w == WorkTypeEnclosedSpace || w == WorkTypeHotWork
}

// Direction marks an entry log record as going in or out of the work zone.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// EntrantRecord is one append-only entry/exit event. Immutable once appended.
type EntrantRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
}

// SafetyCheckRecord is one confirmed periodic safety check.
type SafetyCheckRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	CheckedBy string    `json:"checked_by"`
	Notes     string    `json:"notes,omitempty"`
}

// Signature is one authorization record in the permit's audit chain.
type Signature struct {
	Role        string    `json:"role"` // e.g. "Job Completion Authority"
	Name        string    `json:"name"`
	SignedAt    time.Time `json:"signed_at"`
	DigitalHash string    `json:"digital_hash"`
}

// Permit is the aggregate root for one permit-to-work.
type Permit struct {
	ID       string       `json:"id" db:"id"`
	PermitID string       `json:"permit_id" db:"permit_id"` // human readable, e.g. PTW-2024-085
	Status   PermitStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	Version   int64     `json:"version" db:"version"` // optimistic concurrency guard

	Location    string     `json:"location" db:"location"`
	Description string     `json:"description" db:"description"`
	WorkTypes   []WorkType `json:"work_types" db:"work_types"`

	ValidFrom      time.Time `json:"valid_from" db:"valid_from"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	CheckFrequency int       `json:"check_frequency" db:"check_frequency"` // minutes between required checks

	// PersonnelCount is a cached view of the entry log; occupancy is always
	// re-derived by replay, never trusted from this field.
	PersonnelCount int `json:"personnel_count" db:"personnel_count"`

	Attendant        string   `json:"attendant,omitempty" db:"attendant"`
	FireWatch        string   `json:"fire_watch,omitempty" db:"fire_watch"`
	RescueTeam       []string `json:"rescue_team,omitempty" db:"rescue_team"`
	FireFightingTeam []string `json:"fire_fighting_team,omitempty" db:"fire_fighting_team"`

	LastCheckAt *time.Time `json:"last_check_at,omitempty" db:"last_check_at"`

	GasConfig       []GasReading        `json:"gas_config" db:"gas_config"`
	GasLogs         []GasTestResult     `json:"gas_logs" db:"gas_logs"`
	EntryLogs       []EntrantRecord     `json:"entry_logs" db:"entry_logs"`
	SafetyCheckLogs []SafetyCheckRecord `json:"safety_check_logs" db:"safety_check_logs"`
	Signatures      []Signature         `json:"signatures" db:"signatures"`
}

// RequiresGasTest reports whether any work type on the permit requires
// atmosphere testing.
func (p *Permit) RequiresGasTest() bool {
	for _, w := range p.WorkTypes {
		if w.RequiresGasTest() {
			return true
		}
	}
	return false
}

// RequiresMultiPersonEntry reports whether any work type forbids single
// entry (enclosed-space class).
func (p *Permit) RequiresMultiPersonEntry() bool {
	for _, w := range p.WorkTypes {
		if w.RequiresMultiPersonEntry() {
			return true
		}
	}
	return false
}

// HoldsRestrictedRole reports whether name is assigned a standby role on this
// permit (attendant, fire-watch, rescue team, fire-fighting team). Standby
// roles may not simultaneously be logged as entrants.
func (p *Permit) HoldsRestrictedRole(name string) bool {
	if name == "" {
		return false
	}
	if p.Attendant == name || p.FireWatch == name {
		return true
	}
	for _, n := range p.RescueTeam {
		if n == name {
			return true
		}
	}
	for _, n := range p.FireFightingTeam {
		if n == name {
			return true
		}
	}
	return false
}

// Touch bumps the version counter and the update timestamp. Every applied
// command or automatic transition goes through here.
func (p *Permit) Touch(now time.Time) {
	p.Version++
	p.UpdatedAt = now
}

// CheckInterval returns the required safety-check interval as a duration.
func (p *Permit) CheckInterval() time.Duration {
	return time.Duration(p.CheckFrequency) * time.Minute
}

// CrewMember is one entry in the vessel's crew directory.
type CrewMember struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Rank string `json:"rank" db:"rank"`
}

// SeniorRanks may authorize JobComplete and Closed transitions.
var SeniorRanks = map[string]bool{
	"Master":         true,
	"Chief Officer":  true,
	"Chief Engineer": true,
	"First Engineer": true,
}

// IsSeniorRank reports whether rank may sign off permit completion.
func IsSeniorRank(rank string) bool {
	return SeniorRanks[rank]
}
