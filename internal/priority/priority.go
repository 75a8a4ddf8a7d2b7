// Package priority converts a risk assessment plus dynamic factors into the integer
// priority that totally orders the triage queue.
package priority

import (
	"slices"

	"triage-queue-backend/internal/model"
)

const (
	// CriticalBase is the floor of every CRITICAL priority. Non-critical priorities stay below it.
	CriticalBase = 100000

	MinRiskScore = 0
	MaxRiskScore = 100

	riskWeight          = 1000
	waitWeight          = 2
	ageWeight           = 100
	specialNeedsBonus   = 50
	providerMatchWeight = 25
)

// Compute returns the priority of an entry. CRITICAL entries get CriticalBase plus their
// wait; everything else is a weighted sum in which risk dominates and wait counts least.
func Compute(riskScore int, band model.Band, waitMinutes, ageFactor int, specialNeeds bool, providerMatchScore int) int {
	if band == model.BandCritical {
		return CriticalBase + waitMinutes
	}

	score := riskScore*riskWeight +
		waitMinutes*waitWeight +
		ageFactor*ageWeight +
		providerMatchScore*providerMatchWeight
	if specialNeeds {
		score += specialNeedsBonus
	}
	return score
}

// BandFromScore maps a risk score in [0,100] to its band. Lower bounds are inclusive.
func BandFromScore(score int) model.Band {
	switch {
	case score >= 90:
		return model.BandCritical
	case score >= 70:
		return model.BandHigh
	case score >= 40:
		return model.BandMedium
	default:
		return model.BandLow
	}
}

// ValidScore reports whether score lies in [MinRiskScore, MaxRiskScore].
func ValidScore(score int) bool {
	return score >= MinRiskScore && score <= MaxRiskScore
}

// Less reports whether a sorts before b: higher priority first, earlier arrival breaks ties,
// and QueueID settles same-millisecond arrivals so every reader agrees on one order.
func Less(a, b model.Entry) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.QueueID < b.QueueID
}

// Sort orders entries in place by Less.
func Sort(entries []model.Entry) {
	slices.SortStableFunc(entries, func(a, b model.Entry) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})
}
