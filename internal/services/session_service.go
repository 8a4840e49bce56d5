// Package services – SessionService
//
// This file implements the per-(chat,user) ticket session state machine:
//
//	Idle -> Armed -> Pending -> Completed -> (Idle on next command)
//
// Arming records the resolved repository/branch/label and opens a bounded
// window for supplementary content (typically a transcribed voice note).
// Content arriving inside the window triggers exactly one remote ticket
// creation and moves the session to Pending, where it waits for the deploy
// correlator. Expiry is an explicit timestamp checked lazily on every access
// plus a background sweep; there is no timer object per session.
//
// All transitions for one session key are serialized through KeyedLocks, and
// every Armed/Pending write is persisted before the triggering command is
// acknowledged, so a crash cannot leave an acknowledged intake without a row
// for the correlator to find.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/registry"
	"github.com/avoran/go-ticketbot-backend/internal/routing"
)

// SessionRepo defines the persistence contract required by SessionService.
// Implementations are thin wrappers over the repo package (see the shim in
// the router).
type SessionRepo interface {
	// GetSession fetches the session row for a key, or gorm.ErrRecordNotFound.
	GetSession(ctx context.Context, db *gorm.DB, chatID, userID int64) (*domain.TicketSession, error)

	// SaveSession upserts the session row for its key.
	SaveSession(ctx context.Context, db *gorm.DB, s *domain.TicketSession) error

	// GetSelection returns the explicit /repo choice for a key, or "".
	GetSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) (string, error)

	// PutSelection records the explicit /repo choice for a key.
	PutSelection(ctx context.Context, db *gorm.DB, chatID, userID int64, short string) error

	// DeleteSelection removes the explicit /repo choice for a key.
	DeleteSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) error

	// ListArmedExpired returns Armed sessions whose window elapsed at now.
	ListArmedExpired(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.TicketSession, error)

	// DeleteCompletedBefore evicts Completed sessions older than cutoff.
	DeleteCompletedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// TicketCreator is the external issue-tracker collaborator. It is called
// exactly once per Armed->Pending transition.
type TicketCreator interface {
	// CreateTicket creates a remote ticket and returns its reference (issue
	// number or id) and human-facing URL.
	CreateTicket(ctx context.Context, ownerRepo, branch, label, title, body string) (ref, url string, err error)
}

// SessionService owns all ticket session transitions.
type SessionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the session repository used by this service.
	Repo SessionRepo
	// Registry provides the mapping-table snapshot for resolution.
	Registry *registry.Registry
	// Tickets is the remote ticket-creation collaborator.
	Tickets TicketCreator
	// Locks serializes transitions per session key. Shared with the
	// correlator so both sides contend on the same mutex.
	Locks *KeyedLocks

	// ArmTTL bounds the Armed window.
	ArmTTL time.Duration
	// HistoryTTL bounds how long Completed sessions are retained for
	// duplicate-delivery detection.
	HistoryTTL time.Duration
	// ConfirmBeforeCreate holds content as a draft awaiting an explicit
	// confirmation instead of creating the ticket immediately.
	ConfirmBeforeCreate bool

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (s *SessionService) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

// SelectRepo validates and persists the explicit repository choice for a
// chat/user key. Later intakes resolve against it until replaced.
func (s *SessionService) SelectRepo(ctx context.Context, chatID, userID int64, short string) (domain.RepoBinding, error) {
	repo, ok := s.Registry.Current().ByShortName(short)
	if !ok {
		return domain.RepoBinding{}, routing.Errf(routing.UnknownRepo, "no repository with short name %q", short)
	}
	if err := s.Repo.PutSelection(ctx, s.DB, chatID, userID, short); err != nil {
		return domain.RepoBinding{}, err
	}
	return repo, nil
}

// ClearRepo removes the explicit repository choice so later intakes fall
// back to the developer and chat bindings.
func (s *SessionService) ClearRepo(ctx context.Context, chatID, userID int64) error {
	return s.Repo.DeleteSelection(ctx, s.DB, chatID, userID)
}

// Get returns the current session row for a key, or nil when none exists.
func (s *SessionService) Get(ctx context.Context, chatID, userID int64) (*domain.TicketSession, error) {
	sess, err := s.Repo.GetSession(ctx, s.DB, chatID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return sess, err
}

// Arm opens a ticket intake for the key. A session that is Armed or Pending
// rejects the command with routing.SessionBusy; Idle and Completed sessions
// are replaced. Optional immediate content (from "/ticket <text>") advances
// straight through the Armed window.
func (s *SessionService) Arm(ctx context.Context, chatID, userID int64, author, content string) (*domain.TicketSession, error) {
	unlock := s.Locks.Lock(domain.SessionKey(chatID, userID))
	defer unlock()

	now := s.now()
	cur, err := s.loadCurrent(ctx, chatID, userID, now)
	if err != nil {
		return nil, err
	}
	if cur != nil && (cur.State == domain.StateArmed || cur.State == domain.StatePending) {
		return nil, routing.Errf(routing.SessionBusy, "a ticket for this chat/user is already %s", cur.State)
	}

	explicit, err := s.Repo.GetSelection(ctx, s.DB, chatID, userID)
	if err != nil {
		return nil, err
	}
	target, err := routing.Resolve(s.Registry.Current(), chatID, userID, explicit)
	if err != nil {
		return nil, err
	}

	sess := &domain.TicketSession{
		ChatID:     chatID,
		UserID:     userID,
		State:      domain.StateArmed,
		OwnerRepo:  target.Repo.OwnerRepo,
		ShortName:  target.Repo.ShortName,
		Branch:     target.Branch,
		Label:      target.Label,
		ArmedUntil: now.Add(s.ArmTTL),
	}
	if cur != nil {
		sess.CreatedAt = cur.CreatedAt
	}
	if err := s.Repo.SaveSession(ctx, s.DB, sess); err != nil {
		return nil, err
	}
	sessionTransitions.WithLabelValues(string(domain.StateArmed)).Inc()

	if content != "" {
		if err := s.acceptContent(ctx, sess, author, content); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// SubmitContent delivers intake content (transcribed voice or text) for an
// Armed session. At or past armed_until the session reverts to Idle and the
// content is discarded (ErrIntakeExpired). In confirm mode the content is
// stored as a draft awaiting ConfirmDraft; otherwise the ticket is created
// and the session moves to Pending.
func (s *SessionService) SubmitContent(ctx context.Context, chatID, userID int64, author, content string) (*domain.TicketSession, error) {
	unlock := s.Locks.Lock(domain.SessionKey(chatID, userID))
	defer unlock()

	sess, err := s.armedOrFail(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.acceptContent(ctx, sess, author, content); err != nil {
		return sess, err
	}
	return sess, nil
}

// ConfirmDraft accepts the held draft (confirm mode), creating the remote
// ticket and moving the session to Pending.
func (s *SessionService) ConfirmDraft(ctx context.Context, chatID, userID int64, author string) (*domain.TicketSession, error) {
	unlock := s.Locks.Lock(domain.SessionKey(chatID, userID))
	defer unlock()

	sess, err := s.armedOrFail(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if sess.Draft == "" {
		return sess, ErrNoDraft
	}
	if err := s.createTicket(ctx, sess, author, sess.Draft); err != nil {
		return sess, err
	}
	return sess, nil
}

// CancelDraft disarms an Armed session, discarding any held draft.
func (s *SessionService) CancelDraft(ctx context.Context, chatID, userID int64) error {
	unlock := s.Locks.Lock(domain.SessionKey(chatID, userID))
	defer unlock()

	sess, err := s.armedOrFail(ctx, chatID, userID)
	if err != nil {
		return err
	}
	sess.State = domain.StateIdle
	sess.ArmedUntil = time.Time{}
	sess.Draft = ""
	if err := s.Repo.SaveSession(ctx, s.DB, sess); err != nil {
		return err
	}
	sessionTransitions.WithLabelValues(string(domain.StateIdle)).Inc()
	return nil
}

// SweepExpired reverts Armed sessions past their window and evicts
// Completed sessions beyond the history window. It returns the number of
// reverted sessions. Run periodically; lazy checks on access cover the gaps
// between runs.
func (s *SessionService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.Repo.ListArmedExpired(ctx, s.DB, now)
	if err != nil {
		return 0, err
	}
	reverted := 0
	for i := range expired {
		sess := expired[i]
		unlock := s.Locks.Lock(sess.Key())
		// Re-check under the key lock: content may have landed meanwhile.
		cur, err := s.Repo.GetSession(ctx, s.DB, sess.ChatID, sess.UserID)
		if err == nil && cur.State == domain.StateArmed && !now.Before(cur.ArmedUntil) {
			if err := s.revertExpired(ctx, cur); err == nil {
				reverted++
			}
		}
		unlock()
	}
	if s.HistoryTTL > 0 {
		if _, err := s.Repo.DeleteCompletedBefore(ctx, s.DB, now.Add(-s.HistoryTTL)); err != nil {
			return reverted, err
		}
	}
	return reverted, nil
}

// loadCurrent fetches the session row for a key with the lazy expiry check
// applied. Callers hold the key lock.
func (s *SessionService) loadCurrent(ctx context.Context, chatID, userID int64, now time.Time) (*domain.TicketSession, error) {
	cur, err := s.Repo.GetSession(ctx, s.DB, chatID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cur.State == domain.StateArmed && !now.Before(cur.ArmedUntil) {
		if err := s.revertExpired(ctx, cur); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// armedOrFail fetches the session for a key and verifies it is Armed and
// inside its window. Callers hold the key lock.
func (s *SessionService) armedOrFail(ctx context.Context, chatID, userID int64) (*domain.TicketSession, error) {
	now := s.now()
	sess, err := s.loadCurrent(ctx, chatID, userID, now)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != domain.StateArmed {
		if sess != nil && sess.State == domain.StateIdle && !sess.ArmedUntil.IsZero() {
			// Just reverted by the lazy check above.
			return nil, ErrIntakeExpired
		}
		return nil, ErrNoActiveIntake
	}
	return sess, nil
}

// acceptContent routes content either into the draft (confirm mode) or
// straight into ticket creation. Callers hold the key lock and have
// verified the session is Armed.
func (s *SessionService) acceptContent(ctx context.Context, sess *domain.TicketSession, author, content string) error {
	content = NormalizeContent(content)
	if content == "" {
		return ErrEmptyContent
	}
	if s.ConfirmBeforeCreate {
		sess.Draft = content
		return s.Repo.SaveSession(ctx, s.DB, sess)
	}
	return s.createTicket(ctx, sess, author, content)
}

// createTicket invokes the collaborator and, on success, persists the
// Armed->Pending transition. On collaborator failure the session is left
// unchanged (still Armed), so the operation is safely retryable.
func (s *SessionService) createTicket(ctx context.Context, sess *domain.TicketSession, author, content string) error {
	target := routing.Target{
		Repo: domain.RepoBinding{
			OwnerRepo:     sess.OwnerRepo,
			ShortName:     sess.ShortName,
			DefaultBranch: sess.Branch,
		},
		Branch: sess.Branch,
		Label:  sess.Label,
	}
	title, body := FormatIssue(content, target, sess.ChatID, author)

	ref, url, err := s.Tickets.CreateTicket(ctx, sess.OwnerRepo, sess.Branch, sess.Label, title, body)
	if err != nil {
		ticketsCreated.WithLabelValues("error").Inc()
		return err
	}
	ticketsCreated.WithLabelValues("ok").Inc()

	sess.State = domain.StatePending
	sess.ArmedUntil = time.Time{}
	sess.Draft = ""
	sess.TicketRef = ref
	sess.TicketURL = url
	if err := s.Repo.SaveSession(ctx, s.DB, sess); err != nil {
		return err
	}
	sessionTransitions.WithLabelValues(string(domain.StatePending)).Inc()
	return nil
}

// revertExpired persists an Armed->Idle expiry. ArmedUntil is retained so
// armedOrFail can distinguish a fresh expiry from a plain Idle session.
// Callers hold the key lock.
func (s *SessionService) revertExpired(ctx context.Context, sess *domain.TicketSession) error {
	sess.State = domain.StateIdle
	sess.Draft = ""
	if err := s.Repo.SaveSession(ctx, s.DB, sess); err != nil {
		return err
	}
	armedExpired.Inc()
	sessionTransitions.WithLabelValues(string(domain.StateIdle)).Inc()
	return nil
}
