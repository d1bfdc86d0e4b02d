// Package inbound defines the interfaces the loopback HTTP adapter calls.
package inbound

import (
	"context"

	"github.com/Sentinel-Gate/portalguard/internal/domain/event"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
)

// Gateway executes requests on behalf of the UI layer.
type Gateway interface {
	Call(ctx context.Context, req *request.Request) (*request.Response, error)
}

// SessionStatus is the public view of the session.
type SessionStatus struct {
	Phase     session.Phase     `json:"phase"`
	Valid     bool              `json:"valid"`
	UserID    string            `json:"userId,omitempty"`
	Remaining session.Remaining `json:"remaining"`
}

// SessionControl is the subset of the session manager exposed to the UI.
type SessionControl interface {
	Status() SessionStatus
	RecordActivity(ctx context.Context, kind session.ActivityKind)
	ExtendSession(ctx context.Context)
	RefreshSession(ctx context.Context) bool
}

// EventSource lets the UI subscribe to lifecycle events.
type EventSource interface {
	OnAny(h event.Handler) event.Subscription
	Off(sub event.Subscription)
}
