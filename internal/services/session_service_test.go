package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/registry"
	"github.com/avoran/go-ticketbot-backend/internal/routing"
)

// ----- Fakes -----

type fakeSessionRepo struct {
	mu         sync.Mutex
	sessions   map[string]domain.TicketSession
	selections map[string]string

	saveErr       error
	deletedBefore time.Time
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions:   make(map[string]domain.TicketSession),
		selections: make(map[string]string),
	}
}

func (r *fakeSessionRepo) GetSession(ctx context.Context, db *gorm.DB, chatID, userID int64) (*domain.TicketSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[domain.SessionKey(chatID, userID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := s
	return &cp, nil
}

func (r *fakeSessionRepo) SaveSession(ctx context.Context, db *gorm.DB, s *domain.TicketSession) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.Key()] = *s
	return nil
}

func (r *fakeSessionRepo) GetSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selections[domain.SessionKey(chatID, userID)], nil
}

func (r *fakeSessionRepo) PutSelection(ctx context.Context, db *gorm.DB, chatID, userID int64, short string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selections[domain.SessionKey(chatID, userID)] = short
	return nil
}

func (r *fakeSessionRepo) DeleteSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.selections, domain.SessionKey(chatID, userID))
	return nil
}

func (r *fakeSessionRepo) ListArmedExpired(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.TicketSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TicketSession
	for _, s := range r.sessions {
		if s.State == domain.StateArmed && !now.Before(s.ArmedUntil) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) DeleteCompletedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletedBefore = cutoff
	var n int64
	for k, s := range r.sessions {
		if s.State == domain.StateCompleted && s.UpdatedAt.Before(cutoff) {
			delete(r.sessions, k)
			n++
		}
	}
	return n, nil
}

// stored returns the persisted row, bypassing the service.
func (r *fakeSessionRepo) stored(chatID, userID int64) (domain.TicketSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[domain.SessionKey(chatID, userID)]
	return s, ok
}

type fakeTickets struct {
	mu    sync.Mutex
	calls int
	err   error

	lastOwnerRepo string
	lastBranch    string
	lastLabel     string
	lastTitle     string
	lastBody      string
}

func (f *fakeTickets) CreateTicket(ctx context.Context, ownerRepo, branch, label, title, body string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	f.lastOwnerRepo, f.lastBranch, f.lastLabel, f.lastTitle, f.lastBody = ownerRepo, branch, label, title, body
	return fmt.Sprintf("%s#%d", ownerRepo, f.calls), fmt.Sprintf("https://github.com/%s/issues/%d", ownerRepo, f.calls), nil
}

// ----- Harness -----

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	snap, err := registry.Load(registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
		Developers:   "7:dev/ana:frontend:Ana",
		Sites:        "site-ana:acme/site",
		Chats:        "-100:acme/site",
	})
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	return registry.New(snap)
}

func newTestSessionService(t *testing.T, repo *fakeSessionRepo, tickets *fakeTickets, confirm bool) (*SessionService, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := &SessionService{
		Repo:                repo,
		Registry:            testRegistry(t),
		Tickets:             tickets,
		Locks:               NewKeyedLocks(),
		ArmTTL:              2 * time.Minute,
		HistoryTTL:          24 * time.Hour,
		ConfirmBeforeCreate: confirm,
		Clock:               clk.now,
	}
	return svc, clk
}

// ----- Tests -----

func TestArmPersistsBeforeReturn(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, clk := newTestSessionService(t, repo, &fakeTickets{}, false)

	sess, err := svc.Arm(context.Background(), -100, 7, "ana", "")
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if sess.State != domain.StateArmed {
		t.Fatalf("state = %s, want armed", sess.State)
	}
	if got, want := sess.ArmedUntil, clk.now().Add(2*time.Minute); !got.Equal(want) {
		t.Fatalf("armed_until = %v, want %v", got, want)
	}
	if sess.OwnerRepo != "acme/site" || sess.Branch != "dev/ana" || sess.Label != "frontend" {
		t.Fatalf("resolution captured wrong: %+v", sess)
	}

	stored, ok := repo.stored(-100, 7)
	if !ok || stored.State != domain.StateArmed {
		t.Fatalf("armed session not durable: %+v, %v", stored, ok)
	}
}

func TestArmWhileArmedOrPendingIsBusy(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, false)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	_, err := svc.Arm(ctx, -100, 7, "ana", "")
	var rerr *routing.Error
	if !errors.As(err, &rerr) || rerr.Code != routing.SessionBusy {
		t.Fatalf("expected session_busy, got %v", err)
	}

	// Same answer once the ticket is created and the session is Pending.
	if _, err := svc.SubmitContent(ctx, -100, 7, "ana", "fix the header"); err != nil {
		t.Fatalf("SubmitContent: %v", err)
	}
	_, err = svc.Arm(ctx, -100, 7, "ana", "")
	if !errors.As(err, &rerr) || rerr.Code != routing.SessionBusy {
		t.Fatalf("expected session_busy while pending, got %v", err)
	}
}

func TestArmSeparateKeysDoNotInterfere(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, false)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm user 7: %v", err)
	}
	// Same chat, different user: independent session key.
	if _, err := svc.Arm(ctx, -100, 9, "bob", ""); err != nil {
		t.Fatalf("Arm user 9: %v", err)
	}
}

func TestArmWithImmediateContentCreatesTicket(t *testing.T) {
	repo := newFakeSessionRepo()
	tickets := &fakeTickets{}
	svc, _ := newTestSessionService(t, repo, tickets, false)

	sess, err := svc.Arm(context.Background(), -100, 7, "ana", "fix the broken header on mobile")
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if sess.State != domain.StatePending {
		t.Fatalf("state = %s, want pending", sess.State)
	}
	if tickets.calls != 1 {
		t.Fatalf("tickets.calls = %d, want 1", tickets.calls)
	}
	if sess.TicketRef == "" || sess.TicketURL == "" {
		t.Fatalf("ticket identity missing: %+v", sess)
	}
	if tickets.lastOwnerRepo != "acme/site" || tickets.lastBranch != "dev/ana" || tickets.lastLabel != "frontend" {
		t.Fatalf("collaborator args: %s %s %s", tickets.lastOwnerRepo, tickets.lastBranch, tickets.lastLabel)
	}
}

func TestSubmitContentWithoutSession(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, false)

	_, err := svc.SubmitContent(context.Background(), -100, 7, "ana", "anything")
	if !errors.Is(err, ErrNoActiveIntake) {
		t.Fatalf("expected ErrNoActiveIntake, got %v", err)
	}
}

func TestSubmitContentAtExactExpiryDiscards(t *testing.T) {
	repo := newFakeSessionRepo()
	tickets := &fakeTickets{}
	svc, clk := newTestSessionService(t, repo, tickets, false)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	// The boundary counts as expired: content at armed_until is discarded.
	clk.advance(2 * time.Minute)
	_, err := svc.SubmitContent(ctx, -100, 7, "ana", "too late")
	if !errors.Is(err, ErrIntakeExpired) {
		t.Fatalf("expected ErrIntakeExpired, got %v", err)
	}
	if tickets.calls != 0 {
		t.Fatalf("ticket created despite expiry")
	}
	stored, _ := repo.stored(-100, 7)
	if stored.State != domain.StateIdle {
		t.Fatalf("state = %s, want idle after lazy expiry", stored.State)
	}

	// The key is free again immediately.
	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("re-arm after expiry: %v", err)
	}
}

func TestSubmitContentJustInsideWindow(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, clk := newTestSessionService(t, repo, &fakeTickets{}, false)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	clk.advance(2*time.Minute - time.Second)
	sess, err := svc.SubmitContent(ctx, -100, 7, "ana", "still in time")
	if err != nil {
		t.Fatalf("SubmitContent: %v", err)
	}
	if sess.State != domain.StatePending {
		t.Fatalf("state = %s, want pending", sess.State)
	}
}

func TestCollaboratorFailureLeavesSessionArmed(t *testing.T) {
	repo := newFakeSessionRepo()
	tickets := &fakeTickets{err: errors.New("github: 502")}
	svc, _ := newTestSessionService(t, repo, tickets, false)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, err := svc.SubmitContent(ctx, -100, 7, "ana", "fix the header"); err == nil {
		t.Fatalf("expected collaborator error")
	}

	stored, _ := repo.stored(-100, 7)
	if stored.State != domain.StateArmed {
		t.Fatalf("state = %s, want armed after failure", stored.State)
	}
	if stored.TicketRef != "" {
		t.Fatalf("ticket ref set despite failure")
	}

	// Retry inside the window succeeds.
	tickets.err = nil
	sess, err := svc.SubmitContent(ctx, -100, 7, "ana", "fix the header")
	if err != nil {
		t.Fatalf("retry SubmitContent: %v", err)
	}
	if sess.State != domain.StatePending || tickets.calls != 2 {
		t.Fatalf("retry did not complete: state=%s calls=%d", sess.State, tickets.calls)
	}
}

func TestSubmitContentEmptyAfterNormalization(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, false)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, err := svc.SubmitContent(ctx, -100, 7, "ana", "   \n\t "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	stored, _ := repo.stored(-100, 7)
	if stored.State != domain.StateArmed {
		t.Fatalf("state = %s, want armed after empty content", stored.State)
	}
}

func TestConfirmModeHoldsDraft(t *testing.T) {
	repo := newFakeSessionRepo()
	tickets := &fakeTickets{}
	svc, _ := newTestSessionService(t, repo, tickets, true)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	sess, err := svc.SubmitContent(ctx, -100, 7, "ana", "fix the footer")
	if err != nil {
		t.Fatalf("SubmitContent: %v", err)
	}
	if sess.State != domain.StateArmed || sess.Draft != "fix the footer" {
		t.Fatalf("draft not held: %+v", sess)
	}
	if tickets.calls != 0 {
		t.Fatalf("ticket created before confirmation")
	}

	confirmed, err := svc.ConfirmDraft(ctx, -100, 7, "ana")
	if err != nil {
		t.Fatalf("ConfirmDraft: %v", err)
	}
	if confirmed.State != domain.StatePending || tickets.calls != 1 {
		t.Fatalf("confirmation did not create: state=%s calls=%d", confirmed.State, tickets.calls)
	}
	if confirmed.Draft != "" {
		t.Fatalf("draft survived confirmation")
	}
}

func TestConfirmDraftWithoutDraft(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, true)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, err := svc.ConfirmDraft(ctx, -100, 7, "ana"); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
}

func TestCancelDraftDisarms(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, true)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, err := svc.SubmitContent(ctx, -100, 7, "ana", "draft text"); err != nil {
		t.Fatalf("SubmitContent: %v", err)
	}
	if err := svc.CancelDraft(ctx, -100, 7); err != nil {
		t.Fatalf("CancelDraft: %v", err)
	}
	stored, _ := repo.stored(-100, 7)
	if stored.State != domain.StateIdle || stored.Draft != "" {
		t.Fatalf("cancel left %+v", stored)
	}
	// Re-arm works right away.
	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("re-arm after cancel: %v", err)
	}
}

func TestSelectRepoValidatesAndSticks(t *testing.T) {
	repo := newFakeSessionRepo()
	tickets := &fakeTickets{}
	svc, _ := newTestSessionService(t, repo, tickets, false)
	ctx := context.Background()

	_, err := svc.SelectRepo(ctx, 5, 9, "ghost")
	var rerr *routing.Error
	if !errors.As(err, &rerr) || rerr.Code != routing.UnknownRepo {
		t.Fatalf("expected unknown_repo, got %v", err)
	}

	if _, err := svc.SelectRepo(ctx, 5, 9, "api"); err != nil {
		t.Fatalf("SelectRepo: %v", err)
	}
	// User 9 has no developer binding and chat 5 no chat binding; the
	// explicit selection is what resolves the intake.
	sess, err := svc.Arm(ctx, 5, 9, "bob", "")
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if sess.OwnerRepo != "acme/api" || sess.Branch != "develop" {
		t.Fatalf("selection not honored: %+v", sess)
	}
}

func TestClearRepoRemovesSelection(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, false)
	ctx := context.Background()

	if _, err := svc.SelectRepo(ctx, 5, 9, "api"); err != nil {
		t.Fatalf("SelectRepo: %v", err)
	}
	if err := svc.ClearRepo(ctx, 5, 9); err != nil {
		t.Fatalf("ClearRepo: %v", err)
	}
	// No selection, no developer or chat binding: nothing resolves.
	_, err := svc.Arm(ctx, 5, 9, "bob", "")
	var rerr *routing.Error
	if !errors.As(err, &rerr) || rerr.Code != routing.NoTargetResolved {
		t.Fatalf("expected no_target after clear, got %v", err)
	}
}

func TestSweepExpiredRevertsAndPurges(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, clk := newTestSessionService(t, repo, &fakeTickets{}, false)
	ctx := context.Background()

	if _, err := svc.Arm(ctx, -100, 7, "ana", ""); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	// A stale completed session far past the history window.
	old := domain.TicketSession{
		ChatID: 1, UserID: 2,
		State:     domain.StateCompleted,
		TicketRef: "acme/site#1",
		UpdatedAt: clk.now().Add(-48 * time.Hour),
	}
	repo.sessions[old.Key()] = old

	clk.advance(3 * time.Minute)
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reverted = %d, want 1", n)
	}
	stored, _ := repo.stored(-100, 7)
	if stored.State != domain.StateIdle {
		t.Fatalf("state = %s, want idle after sweep", stored.State)
	}
	if _, ok := repo.stored(1, 2); ok {
		t.Fatalf("stale completed session survived the sweep")
	}
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	repo := newFakeSessionRepo()
	svc, _ := newTestSessionService(t, repo, &fakeTickets{}, false)

	sess, err := svc.Get(context.Background(), 1, 2)
	if err != nil || sess != nil {
		t.Fatalf("Get = %+v, %v; want nil, nil", sess, err)
	}
}

func TestIssueBodyCarriesRoutingFooter(t *testing.T) {
	repo := newFakeSessionRepo()
	tickets := &fakeTickets{}
	svc, _ := newTestSessionService(t, repo, tickets, false)

	if _, err := svc.Arm(context.Background(), -100, 7, "Ana", "Fix the search box. It drops the last character."); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if tickets.lastTitle != "Fix the search box" {
		t.Fatalf("title = %q", tickets.lastTitle)
	}
	for _, want := range []string{"acme/site", "dev/ana", "frontend", "Ana"} {
		if !strings.Contains(tickets.lastBody, want) {
			t.Fatalf("body missing %q:\n%s", want, tickets.lastBody)
		}
	}
}
