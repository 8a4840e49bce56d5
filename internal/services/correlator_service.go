// Package services – CorrelatorService
//
// This file implements deploy correlation: ingesting asynchronous, unordered,
// possibly duplicated deploy webhooks and matching each one back to the
// Pending ticket session that caused it. The deploy site name only maps to a
// repository, not to a developer, so the match key is repository+branch; when
// two sessions collide on that key the most recently updated one wins. That
// tie-break is a deliberate heuristic inherited from the ambiguous source
// data, not an error.
package services

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/registry"
)

// CorrelatorRepo defines the persistence contract required by
// CorrelatorService.
type CorrelatorRepo interface {
	// GetSession fetches the session row for a key, or gorm.ErrRecordNotFound.
	GetSession(ctx context.Context, db *gorm.DB, chatID, userID int64) (*domain.TicketSession, error)

	// SaveSession upserts the session row for its key.
	SaveSession(ctx context.Context, db *gorm.DB, s *domain.TicketSession) error

	// ListPendingByRepoBranch returns Pending sessions for repo+branch,
	// most recently updated first.
	ListPendingByRepoBranch(ctx context.Context, db *gorm.DB, ownerRepo, branch string) ([]domain.TicketSession, error)

	// ListCompletedByRepoBranch returns Completed sessions for repo+branch
	// still inside the history window.
	ListCompletedByRepoBranch(ctx context.Context, db *gorm.DB, ownerRepo, branch string) ([]domain.TicketSession, error)
}

// CorrelatorService matches deploy events to Pending sessions and produces
// notification plans. The notifier collaborator is invoked by the webhook
// handler with the returned plan, keeping external calls off the matching
// path.
type CorrelatorService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the session repository used by this service.
	Repo CorrelatorRepo
	// Registry provides the site->repository snapshot.
	Registry *registry.Registry
	// Locks is the per-key lock table shared with SessionService.
	Locks *KeyedLocks

	// mu serializes the scan-and-transition step across deploy events so
	// two concurrent events can never both match the same Pending session.
	mu sync.Mutex
}

// OnDeployEvent correlates one deploy event. It returns a NotificationPlan
// on a successful match, or an *IgnoredError describing why the event
// produced nothing. Any other error is an infrastructure failure.
func (c *CorrelatorService) OnDeployEvent(ctx context.Context, ev domain.DeployEvent) (*domain.NotificationPlan, error) {
	snap := c.Registry.Current()

	site, ok := snap.BySiteName(ev.SiteName)
	if !ok {
		return nil, c.ignored(&IgnoredError{Reason: UnknownSite, SiteName: ev.SiteName, Branch: ev.Branch})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.Repo.ListPendingByRepoBranch(ctx, c.DB, site.OwnerRepo, ev.Branch)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		// A duplicate delivery for an already-completed session is
		// acknowledged idempotently rather than re-notified.
		done, err := c.Repo.ListCompletedByRepoBranch(ctx, c.DB, site.OwnerRepo, ev.Branch)
		if err != nil {
			return nil, err
		}
		if len(done) > 0 {
			return nil, c.ignored(&IgnoredError{
				Reason:    AlreadyCompleted,
				SiteName:  ev.SiteName,
				Branch:    ev.Branch,
				TicketRef: done[0].TicketRef,
			})
		}
		return nil, c.ignored(&IgnoredError{Reason: NoMatchingSession, SiteName: ev.SiteName, Branch: ev.Branch})
	}

	// Most recently updated first; take the first and finish the transition
	// under the session's own key lock so session commands stay serialized.
	match := pending[0]
	unlock := c.Locks.Lock(match.Key())
	defer unlock()

	sess, err := c.Repo.GetSession(ctx, c.DB, match.ChatID, match.UserID)
	if err != nil {
		return nil, err
	}
	if sess.State == domain.StateCompleted && sess.TicketRef == match.TicketRef {
		return nil, c.ignored(&IgnoredError{
			Reason:    AlreadyCompleted,
			SiteName:  ev.SiteName,
			Branch:    ev.Branch,
			TicketRef: sess.TicketRef,
		})
	}
	if sess.State != domain.StatePending {
		return nil, c.ignored(&IgnoredError{Reason: NoMatchingSession, SiteName: ev.SiteName, Branch: ev.Branch})
	}

	sess.State = domain.StateCompleted
	sess.BuildURL = ev.BuildURL
	if err := c.Repo.SaveSession(ctx, c.DB, sess); err != nil {
		return nil, err
	}
	sessionTransitions.WithLabelValues(string(domain.StateCompleted)).Inc()
	deployEvents.WithLabelValues("matched").Inc()

	plan := &domain.NotificationPlan{
		ChatID:    sess.ChatID,
		UserID:    sess.UserID,
		TicketRef: sess.TicketRef,
		TicketURL: sess.TicketURL,
		Status:    ev.Status,
		BuildURL:  ev.BuildURL,
	}
	if dev, ok := snap.ByUserID(sess.UserID); ok {
		plan.Developer = dev.Name
	}
	return plan, nil
}

// ignored counts the disposition and passes the outcome through.
func (c *CorrelatorService) ignored(ig *IgnoredError) error {
	deployEvents.WithLabelValues(string(ig.Reason)).Inc()
	return ig
}

// Notifier is the external chat-delivery collaborator. It is called exactly
// once per successful correlation; delivery retries are the collaborator's
// concern, not the correlator's.
type Notifier interface {
	Notify(ctx context.Context, plan *domain.NotificationPlan) error
}

// NormalizeDeployStatus maps raw deploy-platform states onto the two
// terminal outcomes. Unknown states return false and the event is dropped.
func NormalizeDeployStatus(raw string) (domain.DeployStatus, bool) {
	switch raw {
	case "succeeded", "ready":
		return domain.DeploySucceeded, true
	case "failed", "error":
		return domain.DeployFailed, true
	default:
		return "", false
	}
}

// EventTimestamp defaults a missing webhook timestamp to now.
func EventTimestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
