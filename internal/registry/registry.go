// Package registry parses the flat multi-tenant mapping tables (repositories,
// developers, deploy sites, chats) into an immutable lookup snapshot.
//
// Design notes, mirrored from the rest of the codebase:
//
//   - No logging in the library (callers decide how/what to log)
//   - Immutable, read-only snapshot after construction (safe for concurrent use)
//   - Reloads produce a fresh snapshot swapped in atomically; every operation
//     reads exactly one snapshot reference, so resolution and correlation
//     always observe a consistent view without per-lookup locking
//
// Table formats (entries comma-separated, fields colon-separated):
//
//	repositories: owner/repo:short:branch,...
//	developers:   userID:branch:label[:name],...
//	sites:        site:owner/repo,...
//	chats:        chatID:owner/repo,...
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/avoran/go-ticketbot-backend/internal/domain"
)

// ErrorKind classifies configuration failures. All of them are fatal to a
// load: a snapshot is either fully valid or rejected.
type ErrorKind string

const (
	// MalformedEntry means an entry had the wrong field count or an
	// unparseable field.
	MalformedEntry ErrorKind = "malformed_entry"
	// DuplicateKey means a unique key repeated with conflicting values.
	// Byte-identical duplicate entries are accepted silently.
	DuplicateKey ErrorKind = "duplicate_key"
	// DanglingReference means a site or chat row referenced an owner/repo
	// absent from the repository table.
	DanglingReference ErrorKind = "dangling_reference"
	// AmbiguousReference means a chat row referenced an owner/repo that is
	// configured on more than one branch, so no single default branch exists
	// for the chat to resolve to.
	AmbiguousReference ErrorKind = "ambiguous_reference"
)

// ConfigError reports why a load was rejected, with enough context to fix
// the offending table entry.
type ConfigError struct {
	Kind  ErrorKind
	Table string
	Entry string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("registry: %s in %s table: %q", e.Kind, e.Table, e.Entry)
}

// Tables carries the raw table strings, typically straight from environment
// configuration.
type Tables struct {
	Repositories string
	Developers   string
	Sites        string
	Chats        string
}

// Snapshot is one immutable, fully validated view of the mapping tables.
// All fields are unexported; use the lookup methods.
type Snapshot struct {
	byShortName map[string]domain.RepoBinding
	byOwnerRepo map[string]domain.RepoBinding
	byUserID    map[int64]domain.DeveloperBinding
	bySiteName  map[string]domain.SiteBinding
	byChatID    map[int64]domain.ChatBinding
	repoOrder   []string // short names in input order, for deterministic listings
}

// Load parses and validates all four tables. On any failure it returns a
// *ConfigError and no snapshot; a previously loaded snapshot stays in force.
func Load(t Tables) (*Snapshot, error) {
	s := &Snapshot{
		byShortName: make(map[string]domain.RepoBinding),
		byOwnerRepo: make(map[string]domain.RepoBinding),
		byUserID:    make(map[int64]domain.DeveloperBinding),
		bySiteName:  make(map[string]domain.SiteBinding),
		byChatID:    make(map[int64]domain.ChatBinding),
	}
	// Owners configured on more than one branch (distinct short names).
	multiBranch := make(map[string]bool)

	for _, entry := range splitEntries(t.Repositories) {
		f := strings.Split(entry, ":")
		if len(f) != 3 || !validOwnerRepo(f[0]) || f[1] == "" || f[2] == "" {
			return nil, &ConfigError{Kind: MalformedEntry, Table: "repositories", Entry: entry}
		}
		b := domain.RepoBinding{OwnerRepo: f[0], ShortName: f[1], DefaultBranch: f[2]}
		if prev, ok := s.byShortName[b.ShortName]; ok {
			if prev == b {
				continue
			}
			return nil, &ConfigError{Kind: DuplicateKey, Table: "repositories", Entry: entry}
		}
		// Two short names aliasing one owner/repo on the same branch would
		// make deploy correlation ambiguous.
		if prev, ok := s.byOwnerRepo[b.OwnerRepo]; ok {
			if prev.DefaultBranch == b.DefaultBranch {
				return nil, &ConfigError{Kind: DuplicateKey, Table: "repositories", Entry: entry}
			}
			multiBranch[b.OwnerRepo] = true
		}
		s.byShortName[b.ShortName] = b
		// Last row wins for multi-branch owners; chat rows referencing them
		// are rejected below, so no resolution path observes the tie.
		s.byOwnerRepo[b.OwnerRepo] = b
		s.repoOrder = append(s.repoOrder, b.ShortName)
	}

	for _, entry := range splitEntries(t.Developers) {
		f := strings.Split(entry, ":")
		if len(f) != 3 && len(f) != 4 {
			return nil, &ConfigError{Kind: MalformedEntry, Table: "developers", Entry: entry}
		}
		uid, err := strconv.ParseInt(f[0], 10, 64)
		if err != nil || f[1] == "" || f[2] == "" {
			return nil, &ConfigError{Kind: MalformedEntry, Table: "developers", Entry: entry}
		}
		b := domain.DeveloperBinding{UserID: uid, Branch: f[1], Label: f[2]}
		if len(f) == 4 {
			b.Name = f[3]
		}
		if prev, ok := s.byUserID[uid]; ok {
			if prev == b {
				continue
			}
			return nil, &ConfigError{Kind: DuplicateKey, Table: "developers", Entry: entry}
		}
		s.byUserID[uid] = b
	}

	for _, entry := range splitEntries(t.Sites) {
		name, repo, ok := strings.Cut(entry, ":")
		if !ok || name == "" || !validOwnerRepo(repo) {
			return nil, &ConfigError{Kind: MalformedEntry, Table: "sites", Entry: entry}
		}
		b := domain.SiteBinding{SiteName: name, OwnerRepo: repo}
		if prev, ok := s.bySiteName[name]; ok {
			if prev == b {
				continue
			}
			return nil, &ConfigError{Kind: DuplicateKey, Table: "sites", Entry: entry}
		}
		if _, ok := s.byOwnerRepo[repo]; !ok {
			return nil, &ConfigError{Kind: DanglingReference, Table: "sites", Entry: entry}
		}
		s.bySiteName[name] = b
	}

	for _, entry := range splitEntries(t.Chats) {
		idStr, repo, ok := strings.Cut(entry, ":")
		if !ok || !validOwnerRepo(repo) {
			return nil, &ConfigError{Kind: MalformedEntry, Table: "chats", Entry: entry}
		}
		cid, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, &ConfigError{Kind: MalformedEntry, Table: "chats", Entry: entry}
		}
		b := domain.ChatBinding{ChatID: cid, OwnerRepo: repo}
		if prev, ok := s.byChatID[cid]; ok {
			if prev == b {
				continue
			}
			return nil, &ConfigError{Kind: DuplicateKey, Table: "chats", Entry: entry}
		}
		if _, ok := s.byOwnerRepo[repo]; !ok {
			return nil, &ConfigError{Kind: DanglingReference, Table: "chats", Entry: entry}
		}
		// A chat binding resolves to the owner's default branch; with the
		// owner on several branches there is no single branch to pick.
		if multiBranch[repo] {
			return nil, &ConfigError{Kind: AmbiguousReference, Table: "chats", Entry: entry}
		}
		s.byChatID[cid] = b
	}

	return s, nil
}

// ByShortName looks up a repository binding by its short name.
func (s *Snapshot) ByShortName(short string) (domain.RepoBinding, bool) {
	b, ok := s.byShortName[short]
	return b, ok
}

// ByOwnerRepo looks up a repository binding by its owner/repo slug. When the
// owner is configured on several branches the last loaded row is returned;
// chat rows may not reference such owners (rejected at load), so chat
// resolution never depends on row order.
func (s *Snapshot) ByOwnerRepo(ownerRepo string) (domain.RepoBinding, bool) {
	b, ok := s.byOwnerRepo[ownerRepo]
	return b, ok
}

// ByUserID looks up a developer binding.
func (s *Snapshot) ByUserID(userID int64) (domain.DeveloperBinding, bool) {
	b, ok := s.byUserID[userID]
	return b, ok
}

// BySiteName looks up a deploy-site binding.
func (s *Snapshot) BySiteName(site string) (domain.SiteBinding, bool) {
	b, ok := s.bySiteName[site]
	return b, ok
}

// ByChatID looks up a chat's default repository binding.
func (s *Snapshot) ByChatID(chatID int64) (domain.ChatBinding, bool) {
	b, ok := s.byChatID[chatID]
	return b, ok
}

// RepoCount reports how many repositories are configured.
func (s *Snapshot) RepoCount() int { return len(s.repoOrder) }

// Repos returns the configured repositories in input order.
func (s *Snapshot) Repos() []domain.RepoBinding {
	out := make([]domain.RepoBinding, 0, len(s.repoOrder))
	for _, short := range s.repoOrder {
		out = append(out, s.byShortName[short])
	}
	return out
}

// Registry holds the current snapshot and swaps it atomically on reload.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// New builds a Registry seeded with the given snapshot.
func New(s *Snapshot) *Registry {
	r := &Registry{}
	r.snap.Store(s)
	return r
}

// Current returns the snapshot in force. Callers must hold on to the result
// for the whole operation rather than calling Current repeatedly.
func (r *Registry) Current() *Snapshot { return r.snap.Load() }

// Swap installs a freshly loaded snapshot. In-flight operations keep the
// snapshot they already read.
func (r *Registry) Swap(s *Snapshot) { r.snap.Store(s) }

// splitEntries splits a comma-separated table into trimmed non-empty entries.
func splitEntries(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// validOwnerRepo reports whether v looks like "owner/repo".
func validOwnerRepo(v string) bool {
	owner, repo, ok := strings.Cut(v, "/")
	return ok && owner != "" && repo != "" && !strings.Contains(repo, "/")
}
