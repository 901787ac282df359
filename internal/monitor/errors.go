package monitor

import (
	"errors"
)

// Command rejection reason codes. Every rejected command leaves the permit
// exactly as it was; none of these are fatal to the monitor.
var (
	// state violations
	ErrPermitNotActive   = errors.New("permit is not active")
	ErrPermitReadOnly    = errors.New("permit is closed and read-only")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOccupantsPresent  = errors.New("occupancy must be zero")
	ErrGasTestRequired   = errors.New("a fresh safe gas test is required")

	// validation
	ErrNameRequired         = errors.New("a person name is required")
	ErrChecklistIncomplete  = errors.New("closure checklist incomplete")
	ErrUnknownChecklistItem = errors.New("unknown closure checklist item")

	// authorization
	ErrInsufficientRank = errors.New("authorizer rank not sufficient")
	ErrUnknownCrew      = errors.New("authorizer not found in crew directory")
)
