// Package repo implements the data persistence layer for ticket sessions and
// related records, backed by GORM. This file provides repository functions
// for the RepoSelection model (the explicit /repo choice per chat/user).
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
)

// GetSelection returns the explicit repository selection for a chat/user
// key, or "" when none was made.
func GetSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) (string, error) {
	var sel domain.RepoSelection
	err := db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&sel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sel.ShortName, nil
}

// PutSelection records (or replaces) the explicit repository selection.
func PutSelection(ctx context.Context, db *gorm.DB, chatID, userID int64, short string) error {
	now := time.Now().UTC()
	sel := &domain.RepoSelection{
		ChatID:    chatID,
		UserID:    userID,
		ShortName: short,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"short_name", "updated_at"}),
		}).
		Create(sel).Error
}

// DeleteSelection clears the explicit selection for a key. Missing rows are
// not an error.
func DeleteSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) error {
	return db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&domain.RepoSelection{}).Error
}
