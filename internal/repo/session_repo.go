// Package repo implements the data persistence layer for ticket sessions and
// related records, backed by GORM. This file provides repository functions
// for the TicketSession model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no state-machine rules here, only CRUD persistence and query
// composition. Transition legality is enforced by services.SessionService.
//
// Error semantics:
//   - When a session is not found, functions return ErrNotFound
//     (an alias for gorm.ErrRecordNotFound).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// GetSession fetches the session row for a chat/user key, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, chatID, userID int64) (*domain.TicketSession, error) {
	var s domain.TicketSession
	err := db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSession upserts the session row for its chat/user key. The caller
// holds the per-key lock; the write must be durable before the triggering
// command is acknowledged.
func SaveSession(ctx context.Context, db *gorm.DB, s *domain.TicketSession) error {
	s.UpdatedAt = time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(s).Error
}

// ListPendingByRepoBranch returns Pending sessions for a repository+branch,
// most recently updated first. The ordering implements the correlator's
// deliberate tie-break when two developers collide on a branch name.
func ListPendingByRepoBranch(ctx context.Context, db *gorm.DB, ownerRepo, branch string) ([]domain.TicketSession, error) {
	var out []domain.TicketSession
	err := db.WithContext(ctx).
		Where("state = ? AND owner_repo = ? AND branch = ?", domain.StatePending, ownerRepo, branch).
		Order("updated_at DESC").
		Find(&out).Error
	return out, err
}

// ListCompletedByRepoBranch returns Completed sessions for a repository+
// branch still inside the history window, for duplicate-delivery detection.
func ListCompletedByRepoBranch(ctx context.Context, db *gorm.DB, ownerRepo, branch string) ([]domain.TicketSession, error) {
	var out []domain.TicketSession
	err := db.WithContext(ctx).
		Where("state = ? AND owner_repo = ? AND branch = ?", domain.StateCompleted, ownerRepo, branch).
		Order("updated_at DESC").
		Find(&out).Error
	return out, err
}

// ListArmedExpired returns Armed sessions whose window has elapsed at now.
// The boundary instant counts as expired.
func ListArmedExpired(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.TicketSession, error) {
	var out []domain.TicketSession
	err := db.WithContext(ctx).
		Where("state = ? AND armed_until <= ?", domain.StateArmed, now).
		Find(&out).Error
	return out, err
}

// DeleteCompletedBefore evicts Completed sessions whose last update is older
// than the cutoff, ending their duplicate-delivery history window.
func DeleteCompletedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", domain.StateCompleted, cutoff).
		Delete(&domain.TicketSession{})
	return res.RowsAffected, res.Error
}

// CountSessions returns the total number of session rows (admin listing).
func CountSessions(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.TicketSession{}).Count(&n).Error
	return n, err
}

// ListSessionsPage returns a page of sessions ordered by last update
// descending (admin listing).
func ListSessionsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.TicketSession, error) {
	var out []domain.TicketSession
	err := db.WithContext(ctx).
		Order("updated_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
