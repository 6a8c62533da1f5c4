// Package metrics derives progress figures from a batch snapshot. Nothing
// here is stored: callers recompute on every read.
package metrics

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// Snapshot holds the derived figures for one batch at one instant.
type Snapshot struct {
	PercentComplete     float64
	ProcessingRate      float64
	Remaining           *time.Duration
	EstimatedCompletion *time.Time
}

// Calculate derives every metric for b as of now. PercentComplete is
// rounded to two decimal places; the ETA uses the unrounded value.
func Calculate(b models.Batch, now time.Time) Snapshot {
	snap := Snapshot{
		PercentComplete: RoundPercent(percent(b)),
		ProcessingRate:  ProcessingRate(b, now),
	}
	if remaining, ok := EstimatedTimeRemaining(b, now); ok {
		snap.Remaining = &remaining
	}
	if completion, ok := EstimatedCompletion(b, now); ok {
		snap.EstimatedCompletion = &completion
	}
	return snap
}

// PercentComplete is processed/total*100, or 0 for an empty batch.
func PercentComplete(b models.Batch) float64 {
	return percent(b).InexactFloat64()
}

func percent(b models.Batch) decimal.Decimal {
	if b.TotalTransactions <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(b.ProcessedTransactions)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(b.TotalTransactions)))
}

// RoundPercent rounds half away from zero to two decimal places.
func RoundPercent(p decimal.Decimal) float64 {
	return p.Round(2).InexactFloat64()
}

// ProcessingRate is processed transactions per second since creation.
func ProcessingRate(b models.Batch, now time.Time) float64 {
	elapsed := now.Sub(b.CreatedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return decimal.NewFromInt(int64(b.ProcessedTransactions)).
		Div(decimal.NewFromFloat(elapsed)).
		Round(2).
		InexactFloat64()
}

// EstimatedTimeRemaining extrapolates elapsed time linearly. It is
// undefined for finished batches and batches with no progress.
func EstimatedTimeRemaining(b models.Batch, now time.Time) (time.Duration, bool) {
	if b.Status.Terminal() {
		return 0, false
	}
	pct := PercentComplete(b)
	if pct <= 0 {
		return 0, false
	}
	elapsed := now.Sub(b.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := time.Duration(float64(elapsed) * (100/pct - 1))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// EstimatedCompletion is now plus the remaining time. It is undefined
// whenever the remaining time is, or when it rounds to zero seconds.
func EstimatedCompletion(b models.Batch, now time.Time) (time.Time, bool) {
	remaining, ok := EstimatedTimeRemaining(b, now)
	if !ok || remaining.Round(time.Second) == 0 {
		return time.Time{}, false
	}
	return now.Add(remaining), true
}
