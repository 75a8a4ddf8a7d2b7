package model

import "time"

// Band is the coarse risk classification of an encounter.
type Band string

const (
	BandLow      Band = "LOW"
	BandMedium   Band = "MEDIUM"
	BandHigh     Band = "HIGH"
	BandCritical Band = "CRITICAL"
)

// Valid reports whether b is one of the four recognized bands.
func (b Band) Valid() bool {
	switch b {
	case BandLow, BandMedium, BandHigh, BandCritical:
		return true
	}
	return false
}

// Status is the lifecycle position of a queue entry. Statuses only move forward.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusAssigned Status = "assigned"
	StatusInRoom   Status = "in_room"
	StatusComplete Status = "complete"
)

// AllStatuses lists the statuses in lifecycle order.
var AllStatuses = []Status{StatusWaiting, StatusAssigned, StatusInRoom, StatusComplete}

// Rank returns the lifecycle position of s, or -1 if s is not recognized.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusAssigned:
		return 1
	case StatusInRoom:
		return 2
	case StatusComplete:
		return 3
	}
	return -1
}

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Entry is one patient's queue record, keyed by EncounterID.
type Entry struct {
	QueueID            string  `gorm:"primaryKey;size:64" json:"queueId"`
	EncounterID        string  `gorm:"uniqueIndex;size:64;not null" json:"encounterId"`
	Band               Band    `gorm:"size:16;not null" json:"band"`
	RiskScore          int     `gorm:"not null" json:"-"`
	PriorityScore      int     `gorm:"not null;index" json:"priorityScore"`
	WaitMinutes        int     `gorm:"-" json:"waitMinutes"` // Derived on read, never stored
	AgeFactor          int     `gorm:"not null" json:"ageFactor"`
	SpecialNeeds       bool    `gorm:"not null" json:"specialNeeds"`
	ProviderMatchScore int     `gorm:"not null" json:"providerMatchScore"`
	Status             Status  `gorm:"size:16;not null;index" json:"status"`
	AssignedProviderID *string `gorm:"size:64" json:"assignedProviderId"`
	CreatedAt          int64   `gorm:"not null;autoCreateTime:false" json:"createdAt"` // ms since epoch
	UpdatedAt          int64   `gorm:"not null;autoUpdateTime:false" json:"updatedAt"` // ms since epoch
}

// TableName overrides the default "entries".
func (Entry) TableName() string {
	return "queue_entries"
}

// WaitMinutes returns whole minutes elapsed since createdAt (ms), never negative.
func WaitMinutes(createdAt int64, now time.Time) int {
	elapsed := now.UnixMilli() - createdAt
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / 60000)
}

// WithWait returns a copy of e with WaitMinutes computed for now.
func (e Entry) WithWait(now time.Time) Entry {
	e.WaitMinutes = WaitMinutes(e.CreatedAt, now)
	return e
}
