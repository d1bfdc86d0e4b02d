package outbound

import (
	"context"

	"github.com/Sentinel-Gate/portalguard/internal/domain/errlog"
	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
)

// LogReporter ships a batch of error log entries to a remote collector.
// A nil error means the whole batch was accepted.
type LogReporter interface {
	Report(ctx context.Context, entries []errlog.Entry) error
}

// PriorityClassifier assigns a replay priority to a request queued offline
// without an explicit one.
type PriorityClassifier interface {
	Classify(ctx context.Context, draft offline.Draft) (offline.Priority, error)
}
