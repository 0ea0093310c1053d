package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"gorm.io/gorm"
)

// CycleLeaseName is the lease shared by ingestion cycles and backfills.
const CycleLeaseName = "ingest-cycle"

// AcquireLease takes the named lease for holder until ttl from now. A holder
// may renew its own lease; an expired lease may be taken over by anyone.
// Returns ErrLeaseHeld otherwise.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) error {
	now := domain.Clock().Now().UTC()
	expires := now.Add(ttl)
	db := s.db.WithContext(ctx)

	res := db.Model(&CycleLease{}).
		Where("name = ? AND (expires_at <= ? OR holder = ?)", name, now, holder).
		Updates(map[string]any{"holder": holder, "expires_at": expires})
	if res.Error != nil {
		return fmt.Errorf("renew lease %s: %w", name, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	createErr := db.Create(&CycleLease{Name: name, Holder: holder, ExpiresAt: expires}).Error
	if createErr == nil {
		return nil
	}

	var current CycleLease
	if err := db.Where("name = ?", name).Take(&current).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("create lease %s: %w", name, createErr)
		}
		return fmt.Errorf("read lease %s: %w", name, err)
	}
	if current.Holder == holder {
		return nil
	}
	return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, current.Holder, current.ExpiresAt.Format(time.RFC3339))
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	err := s.db.WithContext(ctx).
		Where("name = ? AND holder = ?", name, holder).
		Delete(&CycleLease{}).Error
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
