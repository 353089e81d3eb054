// Package schedule computes when the next forecast batch must run.
//
// Forecast targets are aligned to slot boundaries counted from a fixed epoch:
//
//	epochStart, epochStart+horizon, epochStart+2*horizon, ...
//
// A batch that starts predicting at boundary B always predicts for B+horizon, so one
// full horizon of lead time is reserved between "start predicting" and "the time
// point predicted for". When the expected processing time would overrun the next
// boundary, whole horizons are skipped until the estimated finish lies strictly
// before the chosen start boundary.
package schedule

import (
	"context"
	"time"
)

// DefaultBatchSize is the number of successive targets produced per wake-up.
const DefaultBatchSize = 8

// CycleConfig describes the timing of the forecast cycle.
type CycleConfig struct {
	// EpochStart is the reference instant all slot boundaries are aligned to.
	EpochStart time.Time
	// Horizon is the fixed distance between successive targets.
	Horizon time.Duration
	// ProcessingMargin is the current worst-case job duration estimate.
	ProcessingMargin time.Duration
	// BatchSize is the number of successive targets per wake-up.
	BatchSize int
}

// Valid reports whether the configuration can drive a schedule.
func (c CycleConfig) Valid() bool {
	return c.Horizon > 0 && c.ProcessingMargin >= 0 && c.BatchSize > 0
}

// NextTarget returns the first target timestamp of the next batch.
//
// The result is always strictly after now and an exact multiple of horizon away
// from epochStart. horizon must be positive; a negative margin is treated as zero.
func NextTarget(now, epochStart time.Time, horizon, margin time.Duration) time.Time {
	if margin < 0 {
		margin = 0
	}

	k := floorDiv(now.Sub(epochStart), horizon)
	boundary := epochStart.Add(time.Duration(k+1) * horizon)
	finish := now.Add(margin)

	if !finish.After(boundary) {
		return boundary.Add(horizon)
	}

	skip := int64(finish.Sub(boundary)/horizon) + 1
	return boundary.Add(time.Duration(skip+1) * horizon)
}

// Wait returns how long to sleep before predicting for target.
// A non-positive result means the batch should start immediately.
func Wait(target time.Time, horizon time.Duration, now time.Time) time.Duration {
	return target.Add(-horizon).Sub(now)
}

// Sleep blocks for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func floorDiv(d, horizon time.Duration) int64 {
	q := int64(d / horizon)
	if d%horizon != 0 && d < 0 {
		q--
	}
	return q
}
