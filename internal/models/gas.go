package models

import (
	"time"
)

// OxygenGasID identifies the oxygen row in a gas table. Oxygen is judged
// against a fixed safe band (20.9–23.5 vol%), not against its stored TLV.
const OxygenGasID = "o2"

// GasReading is one gas row with its three positional measurements.
// Values are kept as strings the way the measuring tablets submit them;
// an empty string means the position was not measured.
type GasReading struct {
	ID       string `json:"id"`   // e.g. "o2", "h2s"
	Name     string `json:"name"` // display name, e.g. "H2S"
	TLV      string `json:"tlv"`  // threshold limit value; "0" means no enforced ceiling
	Unit     string `json:"unit"` // "%" or "ppm"
	Top      string `json:"top"`
	Mid      string `json:"mid"`
	Bot      string `json:"bot"`
	IsCustom bool   `json:"is_custom"`
}

// GasTestResult is one recorded atmosphere test with its reading snapshot.
type GasTestResult struct {
	ID          string       `json:"id"`
	Timestamp   time.Time    `json:"timestamp"`
	PerformedBy string       `json:"performed_by"`
	Readings    []GasReading `json:"readings"`
	IsSafe      bool         `json:"is_safe"`
	Notes       string       `json:"notes,omitempty"`
}

// DefaultGasConfig returns the mandatory gas table applied when a permit
// carries no gas profile of its own.
func DefaultGasConfig() []GasReading {
	return []GasReading{
		{ID: "o2", Name: "O2", TLV: "20.9", Unit: "%"},
		{ID: "h2s", Name: "H2S", TLV: "10", Unit: "ppm"},
		{ID: "co", Name: "CO", TLV: "25", Unit: "ppm"},
		{ID: "co2", Name: "CO2", TLV: "5000", Unit: "ppm"},
		{ID: "ch4_vol", Name: "CH4 (Vol)", TLV: "0", Unit: "%"},
		{ID: "ch4_lel", Name: "CH4 (LEL)", TLV: "0", Unit: "%"},
	}
}
