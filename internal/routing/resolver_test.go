package routing

import (
	"errors"
	"testing"

	"github.com/avoran/go-ticketbot-backend/internal/registry"
)

func snapFrom(t *testing.T, tab registry.Tables) *registry.Snapshot {
	t.Helper()
	s, err := registry.Load(tab)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func wantCode(t *testing.T, err error, code Code) {
	t.Helper()
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected routing.Error, got %v", err)
	}
	if rerr.Code != code {
		t.Fatalf("code = %s, want %s (%v)", rerr.Code, code, err)
	}
}

func TestResolveExplicitShortName(t *testing.T) {
	snap := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
	})

	got, err := Resolve(snap, 1, 2, "api")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Repo.OwnerRepo != "acme/api" || got.Branch != "develop" || got.Label != "" {
		t.Fatalf("target = %+v", got)
	}
}

func TestResolveExplicitShortNameWithDeveloperBranch(t *testing.T) {
	snap := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
		Developers:   "7:dev/ana:frontend:Ana",
	})

	got, err := Resolve(snap, 1, 7, "api")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Repo.OwnerRepo != "acme/api" || got.Branch != "dev/ana" || got.Label != "frontend" || got.Developer != "Ana" {
		t.Fatalf("target = %+v", got)
	}
}

func TestResolveExplicitUnknownShortName(t *testing.T) {
	snap := snapFrom(t, registry.Tables{Repositories: "acme/site:site:main"})
	_, err := Resolve(snap, 1, 2, "ghost")
	wantCode(t, err, UnknownRepo)
}

func TestResolveDeveloperBindingWithChatRepo(t *testing.T) {
	snap := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
		Developers:   "7:dev/ana:frontend:Ana",
		Chats:        "-100:acme/site",
	})

	got, err := Resolve(snap, -100, 7, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Repo.OwnerRepo != "acme/site" || got.Branch != "dev/ana" || got.Label != "frontend" {
		t.Fatalf("target = %+v", got)
	}
}

func TestResolveDeveloperBindingSingleRepoFallback(t *testing.T) {
	snap := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main",
		Developers:   "7:dev/ana:frontend",
	})

	got, err := Resolve(snap, 1, 7, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Repo.OwnerRepo != "acme/site" || got.Branch != "dev/ana" {
		t.Fatalf("target = %+v", got)
	}
}

func TestResolveDeveloperBindingAmbiguous(t *testing.T) {
	snap := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
		Developers:   "7:dev/ana:frontend",
	})
	_, err := Resolve(snap, 1, 7, "")
	wantCode(t, err, AmbiguousRepo)
}

func TestResolveChatBinding(t *testing.T) {
	snap := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
		Chats:        "-100:acme/api",
	})

	got, err := Resolve(snap, -100, 9, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Repo.OwnerRepo != "acme/api" || got.Branch != "develop" || got.Label != "" {
		t.Fatalf("target = %+v", got)
	}
}

func TestResolveSingleRepoMode(t *testing.T) {
	snap := snapFrom(t, registry.Tables{Repositories: "acme/site:site:main"})

	got, err := Resolve(snap, 1, 9, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Repo.OwnerRepo != "acme/site" || got.Branch != "main" {
		t.Fatalf("target = %+v", got)
	}
}

func TestResolveNoTarget(t *testing.T) {
	multi := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
	})
	_, err := Resolve(multi, 1, 9, "")
	wantCode(t, err, NoTargetResolved)

	empty := snapFrom(t, registry.Tables{})
	_, err = Resolve(empty, 1, 9, "")
	wantCode(t, err, NoTargetResolved)

	// With a developer binding but zero repositories the answer is still
	// "nothing to target", not ambiguity.
	devOnly := snapFrom(t, registry.Tables{Developers: "7:dev/ana:frontend"})
	_, err = Resolve(devOnly, 1, 7, "")
	wantCode(t, err, NoTargetResolved)
}

func TestResolveIsDeterministic(t *testing.T) {
	snap := snapFrom(t, registry.Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
		Developers:   "7:dev/ana:frontend:Ana",
		Chats:        "-100:acme/site",
	})

	first, err := Resolve(snap, -100, 7, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 50; i++ {
		got, err := Resolve(snap, -100, 7, "")
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
		if got != first {
			t.Fatalf("resolution drifted on run %d: %+v vs %+v", i, got, first)
		}
	}
}
