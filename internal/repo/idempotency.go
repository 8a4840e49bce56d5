// Package repo implements the data persistence layer for ticket sessions and
// related records, backed by GORM. This file provides helpers for the
// Idempotency model used to deduplicate external webhook deliveries
// (Telegram update ids, deploy webhook delivery ids).
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
)

// ErrDuplicate indicates that a delivery with the same id was already
// recorded within its TTL.
var ErrDuplicate = errors.New("duplicate delivery")

// SeenDelivery reports whether a delivery id was already processed and is
// still within its TTL.
func SeenDelivery(ctx context.Context, db *gorm.DB, scope, id string, now time.Time) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("id = ? AND scope = ? AND expires_at > ?", id, scope, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RecordDelivery inserts a delivery id and returns ErrDuplicate when the id
// already exists. The unique primary key makes concurrent duplicate
// deliveries race-safe: exactly one insert wins.
func RecordDelivery(ctx context.Context, db *gorm.DB, scope, id string, ttl time.Duration) error {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        id,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// PurgeExpiredDeliveries removes idempotency records past their TTL.
func PurgeExpiredDeliveries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
