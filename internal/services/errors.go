// Package services implements the ticket-session state machine and the
// deploy correlator. This file centralizes service-level error values and
// the Ignored outcome type so they can be consistently returned by service
// methods and checked by callers.
//
// Translation into chat replies or HTTP status codes is performed at the
// handler layer. Ignored outcomes are logged there and never surfaced to a
// chat user: they represent external noise, not user error.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveIntake is returned when content arrives for a key with no
	// Armed session; the content is discarded.
	ErrNoActiveIntake = errors.New("no active intake")

	// ErrIntakeExpired is returned when content arrives at or after the
	// armed_until boundary; the session has reverted to Idle.
	ErrIntakeExpired = errors.New("intake window expired")

	// ErrEmptyContent is returned when intake content is blank after
	// normalization (e.g. an unrecognizable voice note).
	ErrEmptyContent = errors.New("content is empty")

	// ErrNoDraft is returned when a confirm/edit action arrives for an
	// Armed session that holds no draft.
	ErrNoDraft = errors.New("no draft to act on")

	// ErrNotAuthor is returned when a confirmation button is pressed by a
	// user other than the draft's author.
	ErrNotAuthor = errors.New("not the draft author")
)

// IgnoreReason classifies why a deploy event produced no notification.
type IgnoreReason string

const (
	// UnknownSite: the event's site name has no binding in the registry.
	UnknownSite IgnoreReason = "unknown_site"
	// NoMatchingSession: no Pending session exists for the repository and
	// branch the event maps to.
	NoMatchingSession IgnoreReason = "no_matching_session"
	// AlreadyCompleted: a duplicate delivery for a session that was already
	// completed with the same ticket reference.
	AlreadyCompleted IgnoreReason = "already_completed"
)

// IgnoredError is the non-fatal outcome of deploy correlation. It is an
// error only so it can travel the usual return path; callers log it and
// acknowledge the webhook.
type IgnoredError struct {
	Reason    IgnoreReason
	SiteName  string
	Branch    string
	TicketRef string
}

// Error implements the error interface.
func (e *IgnoredError) Error() string {
	return fmt.Sprintf("deploy event ignored (%s): site=%q branch=%q", e.Reason, e.SiteName, e.Branch)
}

// AsIgnored unwraps err into an *IgnoredError when it is one.
func AsIgnored(err error) (*IgnoredError, bool) {
	var ig *IgnoredError
	if errors.As(err, &ig) {
		return ig, true
	}
	return nil, false
}
