// Package routing resolves an incoming chat command to a concrete
// repository/branch/label target using one registry snapshot.
//
// Resolve is a pure function: no side effects, and identical inputs against
// the same snapshot always produce the same target. That determinism matters
// because the same resolution runs again at ticket-creation time and must
// agree with the correlation key the deploy correlator uses later.
package routing

import (
	"fmt"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/registry"
)

// Code is the stable machine-readable routing error code.
type Code string

const (
	// UnknownRepo: an explicit short name has no repository binding.
	UnknownRepo Code = "unknown_repo"
	// AmbiguousRepo: a developer binding applies but more than one
	// repository is eligible and none was made explicit.
	AmbiguousRepo Code = "ambiguous_repo"
	// NoTargetResolved: no rule produced a target.
	NoTargetResolved Code = "no_target"
	// SessionBusy: the session for the key is Armed or Pending; returned by
	// the session layer, defined here to keep the taxonomy in one place.
	SessionBusy Code = "session_busy"
)

// Error is a user-visible, retryable routing failure.
type Error struct {
	Code Code
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string { return fmt.Sprintf("routing: %s: %s", e.Code, e.Msg) }

// Errf builds a routing Error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Target is the fully resolved destination for a ticket intake.
type Target struct {
	Repo   domain.RepoBinding
	Branch string
	Label  string
	// Developer is the display name of the bound developer, when rule 2 fired.
	Developer string
}

// Resolve picks the active repository, branch and label for a chat/user
// context. explicitShort, when non-empty, is the short name chosen with the
// selection command. First matching rule wins:
//
//  1. explicit short name
//  2. developer binding (branch+label) with the chat's repository, or the
//     single configured repository as fallback
//  3. chat binding with the repository's default branch
//  4. single-repo mode
func Resolve(snap *registry.Snapshot, chatID, userID int64, explicitShort string) (Target, error) {
	if explicitShort != "" {
		repo, ok := snap.ByShortName(explicitShort)
		if !ok {
			return Target{}, Errf(UnknownRepo, "no repository with short name %q", explicitShort)
		}
		t := Target{Repo: repo, Branch: repo.DefaultBranch}
		if dev, ok := snap.ByUserID(userID); ok {
			t.Branch = dev.Branch
			t.Label = dev.Label
			t.Developer = dev.Name
		}
		return t, nil
	}

	if dev, ok := snap.ByUserID(userID); ok {
		repo, ok := repoForContext(snap, chatID)
		if !ok {
			if snap.RepoCount() == 0 {
				return Target{}, Errf(NoTargetResolved, "no repositories configured")
			}
			return Target{}, Errf(AmbiguousRepo, "user %d is bound to branch %q but %d repositories are eligible; select one explicitly", userID, dev.Branch, snap.RepoCount())
		}
		return Target{Repo: repo, Branch: dev.Branch, Label: dev.Label, Developer: dev.Name}, nil
	}

	if cb, ok := snap.ByChatID(chatID); ok {
		if repo, ok := snap.ByOwnerRepo(cb.OwnerRepo); ok {
			return Target{Repo: repo, Branch: repo.DefaultBranch}, nil
		}
	}

	if snap.RepoCount() == 1 {
		repo := snap.Repos()[0]
		return Target{Repo: repo, Branch: repo.DefaultBranch}, nil
	}

	return Target{}, Errf(NoTargetResolved, "no repository resolved for chat %d", chatID)
}

// repoForContext finds the single eligible repository for rule 2: the chat's
// bound repository when present, otherwise the sole configured repository.
func repoForContext(snap *registry.Snapshot, chatID int64) (domain.RepoBinding, bool) {
	if cb, ok := snap.ByChatID(chatID); ok {
		if repo, ok := snap.ByOwnerRepo(cb.OwnerRepo); ok {
			return repo, true
		}
	}
	if snap.RepoCount() == 1 {
		return snap.Repos()[0], true
	}
	return domain.RepoBinding{}, false
}
