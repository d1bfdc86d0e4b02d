// Package offline contains the persisted request records replayed by the
// offline queue once connectivity returns.
package offline

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Priority orders replay of queued requests.
type Priority string

const (
	// PriorityLow requests replay last.
	PriorityLow Priority = "low"
	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"
	// PriorityHigh requests replay first.
	PriorityHigh Priority = "high"
)

// ErrUnknownPriority is returned by ParsePriority for unrecognized input.
var ErrUnknownPriority = errors.New("unknown priority")

// ParsePriority converts a string to a Priority. The empty string is
// returned as-is so callers can defer to classification rules.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "", PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

// Rank returns a sortable weight; higher replays first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Draft is the caller-supplied part of an offline request.
type Draft struct {
	URL    string      `json:"url"`
	Method string      `json:"method"`
	Header http.Header `json:"headers,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Request is a persisted, replayable HTTP request. It is pure data: no
// closures are stored, so it survives process restarts.
type Request struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Header     http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"timestamp"`
	Retries    int         `json:"retries"`
	Priority   Priority    `json:"priority"`
}

// SyncFailure describes a request dropped after exhausting its retries.
type SyncFailure struct {
	Request Request `json:"request"`
	Error   string  `json:"error"`
}

// SyncResult summarizes one replay pass.
type SyncResult struct {
	// Succeeded holds ids of requests replayed and removed.
	Succeeded []string `json:"success"`
	// Failed holds requests dropped permanently during this pass. A request
	// appears here at most once over its lifetime.
	Failed []SyncFailure `json:"failed"`
	// Remaining is the queue length after the pass.
	Remaining int `json:"remaining"`
}

// SortForReplay orders requests by priority (high first) then by enqueue
// time (oldest first). The sort is stable for equal keys.
func SortForReplay(reqs []Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		ri, rj := reqs[i].Priority.Rank(), reqs[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return reqs[i].EnqueuedAt.Before(reqs[j].EnqueuedAt)
	})
}

// EvictionCandidate returns the index of the request to drop when the queue
// is full: the oldest request of the lowest priority. It returns -1 for an
// empty slice.
func EvictionCandidate(reqs []Request) int {
	idx := -1
	for i, r := range reqs {
		if idx < 0 {
			idx = i
			continue
		}
		best := reqs[idx]
		if r.Priority.Rank() < best.Priority.Rank() ||
			(r.Priority.Rank() == best.Priority.Rank() && r.EnqueuedAt.Before(best.EnqueuedAt)) {
			idx = i
		}
	}
	return idx
}
