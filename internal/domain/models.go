// Package domain defines the persistence and wire models of the ticket bot:
// registry bindings parsed from configuration, the per-user ticket session
// that is persisted with GORM, deploy events received from the deploy
// platform, and the notification plan produced by a successful correlation.
package domain

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RepoBinding maps a short repository name to its owner/repo slug and the
// default branch used when no developer branch applies.
type RepoBinding struct {
	OwnerRepo     string `json:"owner_repo"`
	ShortName     string `json:"short_name"`
	DefaultBranch string `json:"default_branch"`
}

// DeveloperBinding pins a chat user to a personal branch and issue label.
// Name is optional display text used in notifications.
type DeveloperBinding struct {
	UserID int64  `json:"user_id"`
	Branch string `json:"branch"`
	Label  string `json:"label"`
	Name   string `json:"name,omitempty"`
}

// SiteBinding maps a deploy-site identity to the repository it previews.
// Several sites (one per developer) may point at the same repository.
type SiteBinding struct {
	SiteName  string `json:"site_name"`
	OwnerRepo string `json:"owner_repo"`
}

// ChatBinding is the optional default repository for a chat that has not
// explicitly selected one.
type ChatBinding struct {
	ChatID    int64  `json:"chat_id"`
	OwnerRepo string `json:"owner_repo"`
}

// SessionState enumerates the ticket session lifecycle.
type SessionState string

const (
	// StateIdle means no intake is active for the key.
	StateIdle SessionState = "idle"
	// StateArmed means the session awaits content within the TTL window.
	StateArmed SessionState = "armed"
	// StatePending means a remote ticket exists and a deploy outcome is awaited.
	StatePending SessionState = "pending"
	// StateCompleted means a deploy event was correlated; terminal, retained
	// for a bounded history window for duplicate-delivery idempotency.
	StateCompleted SessionState = "completed"
)

// TicketSession is the per-(chat,user) state machine row. One row per key;
// the composite primary key is the session key.
//
// Armed/Pending rows must be durable before the triggering command is
// acknowledged: a session lost on crash is a dangling deploy notification.
type TicketSession struct {
	ChatID int64        `json:"chat_id" gorm:"primaryKey;autoIncrement:false"`
	UserID int64        `json:"user_id" gorm:"primaryKey;autoIncrement:false"`
	State  SessionState `json:"state"   gorm:"type:varchar(16);not null;index:idx_state_repo_branch,priority:1"`

	// Resolution captured at arm time so correlation later agrees with it.
	OwnerRepo string `json:"owner_repo" gorm:"type:varchar(255);index:idx_state_repo_branch,priority:2"`
	ShortName string `json:"short_name" gorm:"type:varchar(64)"`
	Branch    string `json:"branch"     gorm:"type:varchar(255);index:idx_state_repo_branch,priority:3"`
	Label     string `json:"label"      gorm:"type:varchar(128)"`

	// ArmedUntil bounds the Armed window; zero outside Armed.
	ArmedUntil time.Time `json:"armed_until,omitempty"`

	// Draft holds intake content awaiting confirmation (confirm mode only).
	Draft string `json:"-" gorm:"type:text"`

	// TicketRef and TicketURL identify the remote issue once Pending.
	TicketRef string `json:"ticket_ref,omitempty" gorm:"type:varchar(128)"`
	TicketURL string `json:"ticket_url,omitempty" gorm:"type:varchar(512)"`

	// BuildURL is attached on completion.
	BuildURL string `json:"build_url,omitempty" gorm:"type:varchar(512)"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for TicketSession.
func (TicketSession) TableName() string { return "ticket_sessions" }

// Key renders the canonical "<chat>:<user>" session key used for logging
// and per-key locking.
func (s TicketSession) Key() string { return SessionKey(s.ChatID, s.UserID) }

// SessionKey renders the canonical session key for a chat/user pair.
func SessionKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}

// RepoSelection is the explicit repository choice made with the selection
// command. It overrides chat defaults at resolution time until replaced.
type RepoSelection struct {
	ChatID    int64  `json:"chat_id"    gorm:"primaryKey;autoIncrement:false"`
	UserID    int64  `json:"user_id"    gorm:"primaryKey;autoIncrement:false"`
	ShortName string `json:"short_name" gorm:"type:varchar(64);not null"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for RepoSelection.
func (RepoSelection) TableName() string { return "repo_selections" }

// DeployStatus is the terminal outcome reported by the deploy platform.
type DeployStatus string

const (
	DeploySucceeded DeployStatus = "succeeded"
	DeployFailed    DeployStatus = "failed"
)

// DeployEvent is the normalized deploy webhook payload. Ephemeral; consumed
// once by the correlator.
type DeployEvent struct {
	SiteName  string       `json:"site_name"`
	Status    DeployStatus `json:"status"`
	Branch    string       `json:"branch"`
	BuildURL  string       `json:"build_url"`
	CommitRef string       `json:"commit_ref,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NotificationPlan is the completion artifact handed to the notifier after a
// deploy event was matched to a session.
type NotificationPlan struct {
	ChatID    int64        `json:"chat_id"`
	UserID    int64        `json:"user_id"`
	TicketRef string       `json:"ticket_ref"`
	TicketURL string       `json:"ticket_url,omitempty"`
	Status    DeployStatus `json:"status"`
	BuildURL  string       `json:"build_url"`
	Developer string       `json:"developer,omitempty"`
}

// Idempotency records a processed external delivery (deploy webhook id or
// Telegram update id) so duplicate deliveries can short-circuit.
type Idempotency struct {
	ID        string    `json:"id"    gorm:"type:varchar(255);primaryKey"`
	Scope     string    `json:"scope" gorm:"type:varchar(32);not null;index"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
}

// TableName returns the database table name for Idempotency.
func (Idempotency) TableName() string { return "idempotency_keys" }
