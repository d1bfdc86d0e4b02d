// Package session holds the persisted state of the authenticated user's
// session and the rules for its inactivity deadline.
package session

import (
	"fmt"
	"time"
)

// Phase is the lifecycle phase of a session.
type Phase string

const (
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseActive          Phase = "active"
	PhaseRefreshing      Phase = "refreshing"
	PhaseWarning         Phase = "warning"
	PhaseExpired         Phase = "expired"
)

// Reasons passed to session-invalidated and session-expired.
const (
	ReasonLogout               = "logout"
	ReasonSessionTimeout       = "session_timeout"
	ReasonMaxRefreshAttempts   = "max_refresh_attempts"
	ReasonRefreshTokenRejected = "refresh_token_rejected"
	ReasonRememberMeExpired    = "remember_me_expired"
)

// WarningKind identifies a one-shot session warning.
type WarningKind string

const (
	WarningInactivity     WarningKind = "inactivity"
	WarningRefreshFailing WarningKind = "refresh_failing"
)

// ActivityKind is the source of a user-activity signal.
type ActivityKind string

const (
	ActivityPointer  ActivityKind = "pointer"
	ActivityKeyboard ActivityKind = "keyboard"
	ActivityTouch    ActivityKind = "touch"
	ActivityScroll   ActivityKind = "scroll"
	ActivityFocus    ActivityKind = "focus"
	// ActivityManual is recorded by an explicit session extension.
	ActivityManual ActivityKind = "manual"
)

// ParseActivityKind validates an activity kind name.
func ParseActivityKind(s string) (ActivityKind, error) {
	switch k := ActivityKind(s); k {
	case ActivityPointer, ActivityKeyboard, ActivityTouch, ActivityScroll, ActivityFocus, ActivityManual:
		return k, nil
	default:
		return "", fmt.Errorf("unknown activity kind %q", s)
	}
}

// ActivityRecord is one entry of the persisted activity log.
type ActivityRecord struct {
	Kind ActivityKind `json:"type"`
	At   time.Time    `json:"timestamp"`
}

// MaxActivityRecords bounds the persisted activity log.
const MaxActivityRecords = 50

// State is the persisted session snapshot. Tokens are stored separately.
type State struct {
	IsAuthenticated   bool                 `json:"isAuthenticated"`
	UserID            string               `json:"userId,omitempty"`
	LastActivityAt    time.Time            `json:"lastActivity"`
	SessionStartAt    time.Time            `json:"sessionStart"`
	TokenExpiresAt    time.Time            `json:"tokenExpiry"`
	IsRefreshing      bool                 `json:"isRefreshing"`
	RefreshAttempts   int                  `json:"refreshAttempts"`
	DeviceFingerprint string               `json:"deviceFingerprint,omitempty"`
	WarningsShown     map[WarningKind]bool `json:"warningsShown,omitempty"`
	RememberMe        bool                 `json:"rememberMe"`
}

// Remaining is the time left on each component of a session.
type Remaining struct {
	Activity time.Duration `json:"activity"`
	Token    time.Duration `json:"token"`
}
