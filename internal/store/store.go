package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"triage-queue-backend/internal/apperr"
	"triage-queue-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	LoadEntries(ctx context.Context) ([]model.Entry, error)
	SaveEntry(ctx context.Context, entry model.Entry) error
	ListProviders(ctx context.Context) ([]model.Provider, error)
	SeedProviders(ctx context.Context, providers []model.Provider) (int, error)
	PutSubscription(ctx context.Context, sub model.PushSubscription, providerIDs []string) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsFor(ctx context.Context, providerID string) ([]model.PushSubscription, error)
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying connection.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// LoadEntries returns every persisted queue entry. WaitMinutes is left for the caller to derive.
func (s *gormStore) LoadEntries(ctx context.Context) ([]model.Entry, error) {
	var entries []model.Entry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load queue entries: %w", err)
	}
	return entries, nil
}

// SaveEntry inserts the entry or overwrites its mutable columns.
func (s *gormStore) SaveEntry(ctx context.Context, entry model.Entry) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "queue_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"band", "risk_score", "priority_score", "age_factor", "special_needs",
			"provider_match_score", "status", "assigned_provider_id", "updated_at",
		}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to save queue entry %s: %w", entry.EncounterID, err)
	}
	return nil
}

// ListProviders returns all providers ordered by name.
func (s *gormStore) ListProviders(ctx context.Context) ([]model.Provider, error) {
	var providers []model.Provider
	if err := s.db.WithContext(ctx).Order("name").Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

// SeedProviders inserts the given providers only when the table is empty.
func (s *gormStore) SeedProviders(ctx context.Context, providers []model.Provider) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Provider{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count providers: %w", err)
	}
	if count > 0 || len(providers) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).Create(&providers).Error; err != nil {
		return 0, fmt.Errorf("failed to seed providers: %w", err)
	}
	log.Info().Int("count", len(providers)).Msg("seeded providers")
	return len(providers), nil
}

// PutSubscription creates or replaces a subscription and its provider links.
func (s *gormStore) PutSubscription(ctx context.Context, sub model.PushSubscription, providerIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Omit("Providers").Create(&sub).Error; err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}

		var providers []*model.Provider
		if len(providerIDs) > 0 {
			if err := tx.Where("provider_id IN ?", providerIDs).Find(&providers).Error; err != nil {
				return fmt.Errorf("failed to look up providers: %w", err)
			}
		}

		if err := tx.Model(&sub).Association("Providers").Replace(providers); err != nil {
			return fmt.Errorf("failed to link providers: %w", err)
		}
		return nil
	})
}

// GetSubscription returns a subscription with its providers preloaded.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).Preload("Providers").First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("subscription not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription and its provider links.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	sub := model.PushSubscription{Endpoint: endpoint}
	if err := s.db.WithContext(ctx).Select("Providers").Delete(&sub).Error; err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", endpoint, err)
	}
	return nil
}

// SubscriptionsFor returns the subscriptions linked to providerID, or every subscription when providerID is empty.
func (s *gormStore) SubscriptionsFor(ctx context.Context, providerID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	q := s.db.WithContext(ctx)
	if providerID != "" {
		q = q.Joins("JOIN subscription_provider_mapping spm ON spm.push_subscription_endpoint = push_subscriptions.endpoint").
			Where("spm.provider_provider_id = ?", providerID)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}
	return subs, nil
}
