// Package gas evaluates atmosphere test readings against the permit's gas
// thresholds. Evaluation is pure: the caller persists the resulting
// GasTestResult.
package gas

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"ptw-monitor/internal/models"

	"github.com/google/uuid"
)

// ErrIncompleteReading rejects a test where a mandatory gas is missing one of
// its three positional values.
var ErrIncompleteReading = errors.New("incomplete gas reading")

// Oxygen safe band in vol%. Anything outside the band is unsafe regardless of
// the TLV stored on the oxygen row.
const (
	OxygenMin = 20.9
	OxygenMax = 23.5
)

// Evaluate derives the safe/unsafe verdict for a full set of readings.
//
// A mandatory (non-custom) gas must carry parseable top/mid/bot values or the
// test is rejected. A custom gas with missing values, or with a TLV of zero,
// is stored but never makes the test unsafe by itself.
func Evaluate(readings []models.GasReading) (bool, error) {
	safe := true

	for _, r := range readings {
		values, complete := positions(r)
		if !complete {
			if r.IsCustom {
				continue
			}
			return false, fmt.Errorf("%w: gas %s", ErrIncompleteReading, r.ID)
		}

		if r.ID == models.OxygenGasID {
			for _, v := range values {
				if v < OxygenMin || v > OxygenMax {
					safe = false
				}
			}
			continue
		}

		tlv, err := strconv.ParseFloat(r.TLV, 64)
		if err != nil || tlv <= 0 {
			// no enforced ceiling
			continue
		}
		for _, v := range values {
			if v > tlv {
				safe = false
			}
		}
	}

	return safe, nil
}

// BuildResult assembles a GasTestResult snapshot for the given verdict.
func BuildResult(readings []models.GasReading, performedBy string, isSafe bool, now time.Time) models.GasTestResult {
	snapshot := make([]models.GasReading, len(readings))
	copy(snapshot, readings)

	return models.GasTestResult{
		ID:          uuid.New().String(),
		Timestamp:   now,
		PerformedBy: performedBy,
		Readings:    snapshot,
		IsSafe:      isSafe,
	}
}

// positions parses the three positional values of a reading. complete is
// false when any position is empty or not a number.
func positions(r models.GasReading) (values [3]float64, complete bool) {
	raw := [3]string{r.Top, r.Mid, r.Bot}
	for i, s := range raw {
		if s == "" {
			return values, false
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return values, false
		}
		values[i] = v
	}
	return values, true
}
