package model

// Provider is a clinician who can be assigned to a queue entry. Providers are seeded, not created through the API.
type Provider struct {
	ProviderID string `gorm:"primaryKey;size:64" json:"providerId"`
	Name       string `gorm:"size:128;not null" json:"name"`
	Specialty  string `gorm:"size:128" json:"specialty"`
	Status     string `gorm:"size:32;not null" json:"status"`
}
