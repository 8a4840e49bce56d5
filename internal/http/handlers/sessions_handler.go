package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/http/middleware"
	"github.com/avoran/go-ticketbot-backend/internal/utils"
)

// maxSessionsPageSize caps the admin listing page size.
const maxSessionsPageSize = 100

// SessionLister pages over persisted ticket sessions.
type SessionLister interface {
	CountSessions(ctx context.Context) (int64, error)
	ListSessionsPage(ctx context.Context, offset, limit int) ([]domain.TicketSession, error)
}

// SessionsHandler serves the read-only operator listing of sessions.
type SessionsHandler struct {
	Store SessionLister
}

// List handles GET /api/v1/sessions?page=&page_size=. Sessions are returned
// newest-first with a pagination envelope.
func (h *SessionsHandler) List(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)
	page, pageSize = utils.ClampPage(page, pageSize, 20, maxSessionsPageSize)

	ctx := c.Request.Context()

	total, err := h.Store.CountSessions(ctx)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("count sessions")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to list sessions")
		return
	}

	offset := (page - 1) * pageSize
	items, err := h.Store.ListSessionsPage(ctx, offset, pageSize)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("list sessions")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to list sessions")
		return
	}
	if items == nil {
		items = []domain.TicketSession{}
	}

	ok(c, http.StatusOK, gin.H{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}
