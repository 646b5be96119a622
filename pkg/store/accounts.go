// Package store provides the gorm-backed persistence layer consumed by the
// scraping orchestrator.
package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
)

// AccountStore reads the tracked account roster. Accounts are created and
// edited by the management layer; the scraper only reads them.
type AccountStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewAccountStore creates an AccountStore over the given database
func NewAccountStore(db *gorm.DB, logger *logrus.Logger) *AccountStore {
	return &AccountStore{db: db, logger: logger}
}

// ListActive returns active accounts, restricted to one category when
// categoryID is non-nil
func (s *AccountStore) ListActive(ctx context.Context, categoryID *string) ([]models.Account, error) {
	query := s.db.WithContext(ctx).Where("accounts.is_active = ?", true)
	if categoryID != nil {
		query = query.
			Joins("JOIN account_categories ON account_categories.account_id = accounts.id").
			Where("account_categories.category_id = ?", *categoryID)
	}

	var accounts []models.Account
	if err := query.Order("accounts.name").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"count":  len(accounts),
		"scoped": categoryID != nil,
	}).Debug("Loaded active accounts")

	return accounts, nil
}
