package event

import "github.com/Sentinel-Gate/portalguard/internal/domain/offline"

// Name identifies an event kind.
type Name string

// Session lifecycle events.
const (
	// SessionInitialized carries SessionInitializedPayload.
	SessionInitialized Name = "session-initialized"
	// TokenRefreshed carries no payload.
	TokenRefreshed Name = "token-refreshed"
	// RefreshFailed carries RefreshFailedPayload.
	RefreshFailed Name = "refresh-failed"
	// SessionTimeout carries no payload.
	SessionTimeout Name = "session-timeout"
	// SessionWarning carries SessionWarningPayload.
	SessionWarning Name = "session-warning"
	// SessionInvalidated carries ReasonPayload.
	SessionInvalidated Name = "session-invalidated"
	// SessionExpired carries ReasonPayload.
	SessionExpired Name = "session-expired"
	// SessionExtended carries no payload.
	SessionExtended Name = "session-extended"
)

// Offline queue and connectivity events.
const (
	// RequestQueued carries RequestQueuedPayload.
	RequestQueued Name = "request-queued"
	// SyncStarted carries no payload.
	SyncStarted Name = "sync-started"
	// SyncCompleted carries offline.SyncResult.
	SyncCompleted Name = "sync-completed"
	// NetworkOnline carries no payload.
	NetworkOnline Name = "network-online"
	// NetworkOffline carries no payload.
	NetworkOffline Name = "network-offline"
)

// Error log events.
const (
	// ErrorLogged carries errlog.Entry.
	ErrorLogged Name = "error-logged"
	// ErrorResolved carries errlog.Entry.
	ErrorResolved Name = "error-resolved"
	// LogsCleared carries no payload.
	LogsCleared Name = "logs-cleared"
	// ErrorsReported carries ErrorsReportedPayload.
	ErrorsReported Name = "errors-reported"
)

// SessionInitializedPayload is emitted after a successful login.
type SessionInitializedPayload struct {
	UserID string `json:"userId"`
}

// RefreshFailedPayload reports a failed token refresh attempt.
type RefreshFailedPayload struct {
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"maxAttempts"`
}

// SessionWarningPayload is a one-shot warning shown to the user.
type SessionWarningPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ReasonPayload carries the reason for a terminal session transition.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// RequestQueuedPayload is emitted when a request is persisted for later replay.
type RequestQueuedPayload struct {
	Request offline.Request `json:"request"`
}

// ErrorsReportedPayload is emitted after a batch was accepted by the collector.
type ErrorsReportedPayload struct {
	Count int `json:"count"`
}
