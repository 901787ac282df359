package models

import (
	"time"
)

// AlarmCondition is one of the monitor's alarm states, ordered by priority.
// Only the highest active condition drives the alert sink.
type AlarmCondition int

const (
	AlarmNone AlarmCondition = iota
	AlarmLoneWorker
	AlarmCheckOverdue
	AlarmEvacuation
)

// String returns the wire name of the condition.
func (c AlarmCondition) String() string {
	switch c {
	case AlarmLoneWorker:
		return "LONE_WORKER"
	case AlarmCheckOverdue:
		return "CHECK_OVERDUE"
	case AlarmEvacuation:
		return "EVACUATION"
	default:
		return "NONE"
	}
}

// AlarmState is the current leading condition and when it was entered.
type AlarmState struct {
	Condition AlarmCondition `json:"condition"`
	EnteredAt time.Time      `json:"entered_at"`
}

// Severity grades an alert sink announcement.
type Severity string

const (
	SeverityEmergency     Severity = "EMERGENCY"
	SeverityWarning       Severity = "WARNING"
	SeverityInformational Severity = "INFORMATIONAL"
)
