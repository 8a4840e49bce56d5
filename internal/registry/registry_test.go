package registry

import (
	"errors"
	"testing"
)

func validTables() Tables {
	return Tables{
		Repositories: "acme/site:site:main,acme/api:api:develop",
		Developers:   "42692410:dev/gleb:developer:Gleb,555:dev/ana:frontend",
		Sites:        "site-gleb:acme/site,site-ana:acme/site,api-preview:acme/api",
		Chats:        "-100200300:acme/site",
	}
}

func TestLoadValidTables(t *testing.T) {
	s, err := Load(validTables())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	repo, ok := s.ByShortName("site")
	if !ok || repo.OwnerRepo != "acme/site" || repo.DefaultBranch != "main" {
		t.Fatalf("ByShortName(site) = %+v, %v", repo, ok)
	}
	if _, ok := s.ByOwnerRepo("acme/api"); !ok {
		t.Fatalf("ByOwnerRepo(acme/api) missing")
	}

	dev, ok := s.ByUserID(42692410)
	if !ok || dev.Branch != "dev/gleb" || dev.Label != "developer" || dev.Name != "Gleb" {
		t.Fatalf("ByUserID = %+v, %v", dev, ok)
	}
	// Three-field developer rows have no display name.
	dev2, _ := s.ByUserID(555)
	if dev2.Name != "" {
		t.Fatalf("expected empty name, got %q", dev2.Name)
	}

	site, ok := s.BySiteName("site-ana")
	if !ok || site.OwnerRepo != "acme/site" {
		t.Fatalf("BySiteName = %+v, %v", site, ok)
	}

	chat, ok := s.ByChatID(-100200300)
	if !ok || chat.OwnerRepo != "acme/site" {
		t.Fatalf("ByChatID = %+v, %v", chat, ok)
	}

	if s.RepoCount() != 2 {
		t.Fatalf("RepoCount = %d, want 2", s.RepoCount())
	}
	repos := s.Repos()
	if len(repos) != 2 || repos[0].ShortName != "site" || repos[1].ShortName != "api" {
		t.Fatalf("Repos order = %+v", repos)
	}
}

func TestLoadEmptyTables(t *testing.T) {
	s, err := Load(Tables{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.RepoCount() != 0 {
		t.Fatalf("RepoCount = %d, want 0", s.RepoCount())
	}
}

func TestLoadMalformedEntries(t *testing.T) {
	cases := []struct {
		name  string
		tab   Tables
		table string
	}{
		{"repo missing field", Tables{Repositories: "acme/site:site"}, "repositories"},
		{"repo bad slug", Tables{Repositories: "acmesite:site:main"}, "repositories"},
		{"repo empty branch", Tables{Repositories: "acme/site:site:"}, "repositories"},
		{"developer non-numeric id", Tables{Developers: "abc:dev/x:label"}, "developers"},
		{"developer missing label", Tables{Developers: "42:dev/x"}, "developers"},
		{"site without repo", Tables{Sites: "lonely-site"}, "sites"},
		{"chat non-numeric id", Tables{Repositories: "acme/site:site:main", Chats: "nope:acme/site"}, "chats"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.tab)
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cerr.Kind != MalformedEntry || cerr.Table != tc.table {
				t.Fatalf("got %+v, want malformed_entry in %s", cerr, tc.table)
			}
		})
	}
}

func TestLoadDuplicateShortNameConflicting(t *testing.T) {
	_, err := Load(Tables{
		Repositories: "acme/site:site:main,acme/other:site:main",
	})
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Kind != DuplicateKey {
		t.Fatalf("expected duplicate_key, got %v", err)
	}
}

func TestLoadDuplicateIdenticalEntriesAccepted(t *testing.T) {
	s, err := Load(Tables{
		Repositories: "acme/site:site:main,acme/site:site:main",
		Developers:   "42:dev/x:label,42:dev/x:label",
	})
	if err != nil {
		t.Fatalf("identical duplicates must load: %v", err)
	}
	if s.RepoCount() != 1 {
		t.Fatalf("RepoCount = %d, want 1", s.RepoCount())
	}
}

func TestLoadAliasedOwnerRepoSameBranchRejected(t *testing.T) {
	// Two short names for one owner/repo on the same branch would make
	// deploy correlation ambiguous.
	_, err := Load(Tables{
		Repositories: "acme/site:site:main,acme/site:www:main",
	})
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Kind != DuplicateKey {
		t.Fatalf("expected duplicate_key, got %v", err)
	}

	// Distinct branches are fine.
	if _, err := Load(Tables{
		Repositories: "acme/site:site:main,acme/site:site-dev:develop",
	}); err != nil {
		t.Fatalf("distinct branches must load: %v", err)
	}
}

func TestLoadChatBoundToMultiBranchOwnerRejected(t *testing.T) {
	multi := "acme/site:site:main,acme/site:site-dev:develop"

	// A chat binding resolves to the owner's default branch; with the owner
	// on two branches the pick would depend on table order.
	_, err := Load(Tables{
		Repositories: multi,
		Chats:        "-100:acme/site",
	})
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Kind != AmbiguousReference || cerr.Table != "chats" {
		t.Fatalf("expected ambiguous_reference in chats, got %v", err)
	}

	// Sites carry no branch of their own; the correlator matches on the
	// event's branch, so a site may reference a multi-branch owner.
	if _, err := Load(Tables{
		Repositories: multi,
		Sites:        "site-prod:acme/site",
	}); err != nil {
		t.Fatalf("site binding to multi-branch owner must load: %v", err)
	}

	// Chats bound to single-branch owners are unaffected.
	if _, err := Load(Tables{
		Repositories: multi + ",acme/api:api:main",
		Chats:        "-100:acme/api",
	}); err != nil {
		t.Fatalf("single-branch chat binding must load: %v", err)
	}
}

func TestLoadDanglingReferences(t *testing.T) {
	_, err := Load(Tables{Sites: "ghost:acme/nowhere"})
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Kind != DanglingReference || cerr.Table != "sites" {
		t.Fatalf("expected dangling_reference in sites, got %v", err)
	}

	_, err = Load(Tables{Chats: "-100:acme/nowhere"})
	if !errors.As(err, &cerr) || cerr.Kind != DanglingReference || cerr.Table != "chats" {
		t.Fatalf("expected dangling_reference in chats, got %v", err)
	}
}

func TestRegistrySwapIsAtomicPerOperation(t *testing.T) {
	first, err := Load(validTables())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg := New(first)

	snap := reg.Current()

	second, err := Load(Tables{Repositories: "acme/new:new:main"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg.Swap(second)

	// The reference taken before the swap still answers from the old view.
	if _, ok := snap.ByShortName("site"); !ok {
		t.Fatalf("held snapshot lost its bindings after swap")
	}
	if _, ok := reg.Current().ByShortName("site"); ok {
		t.Fatalf("current snapshot still has the old binding")
	}
	if _, ok := reg.Current().ByShortName("new"); !ok {
		t.Fatalf("current snapshot missing the new binding")
	}
}

func TestLoadRejectionLeavesRegistryUntouched(t *testing.T) {
	first, err := Load(validTables())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg := New(first)

	if _, err := Load(Tables{Repositories: "broken"}); err == nil {
		t.Fatalf("expected load failure")
	}
	// Caller never swaps on error; the registry keeps serving.
	if _, ok := reg.Current().ByShortName("site"); !ok {
		t.Fatalf("registry lost its snapshot after a failed load")
	}
}
