// Package errlog defines diagnostic log entries collected on the client and
// shipped in batches to a remote collector.
package errlog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of an entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// Levels lists all levels in ascending severity.
var Levels = []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}

// ParseLevel converts a case-insensitive level name. "warning" is accepted
// as an alias of warn.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		l = LevelWarn
	}
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// AtLeast reports whether l is at least as severe as min.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// Category groups entries by subsystem.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategorySession Category = "session"
	CategoryAPI     Category = "api"
	CategoryUI      Category = "ui"
	CategoryNetwork Category = "network"
	CategoryStorage Category = "storage"
	CategoryGeneral Category = "general"
)

// Categories lists every category.
var Categories = []Category{
	CategoryAuth, CategorySession, CategoryAPI, CategoryUI,
	CategoryNetwork, CategoryStorage, CategoryGeneral,
}

// Entry is a single diagnostic record.
type Entry struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	Level             Level          `json:"level"`
	Category          Category       `json:"category"`
	Message           string         `json:"message"`
	Details           map[string]any `json:"details,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	Stack             string         `json:"stack,omitempty"`
	Source            string         `json:"source,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	Resolved          bool           `json:"resolved"`
	Resolution        string         `json:"resolution,omitempty"`
	Reported          bool           `json:"reported"`
}

// Filter selects entries. Zero-valued fields match everything.
type Filter struct {
	Level    Level
	Category Category
	Since    time.Time
	Until    time.Time
	Resolved *bool
}

// Match reports whether e satisfies the filter.
func (f Filter) Match(e Entry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Resolved != nil && e.Resolved != *f.Resolved {
		return false
	}
	return true
}

// Statistics aggregates the current log.
type Statistics struct {
	Total      int              `json:"total"`
	ByLevel    map[Level]int    `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
	Resolved   int              `json:"resolved"`
	Unresolved int              `json:"unresolved"`
	LastHour   int              `json:"lastHour"`
}

// Compute builds statistics over entries relative to now.
func Compute(entries []Entry, now time.Time) Statistics {
	st := Statistics{
		Total:      len(entries),
		ByLevel:    make(map[Level]int, len(Levels)),
		ByCategory: make(map[Category]int, len(Categories)),
	}
	hourAgo := now.Add(-time.Hour)
	for _, e := range entries {
		st.ByLevel[e.Level]++
		st.ByCategory[e.Category]++
		if e.Resolved {
			st.Resolved++
		} else {
			st.Unresolved++
		}
		if e.Timestamp.After(hourAgo) {
			st.LastHour++
		}
	}
	return st
}

// Recorder is the write side of the error log. Services that only need to
// report failures depend on this rather than the full log service.
type Recorder interface {
	// Log records an entry. It returns nil when the entry was filtered out by
	// the minimum level.
	Log(ctx context.Context, level Level, category Category, message string, details map[string]any) *Entry
}

// NopRecorder discards everything.
type NopRecorder struct{}

// Log implements Recorder.
func (NopRecorder) Log(context.Context, Level, Category, string, map[string]any) *Entry {
	return nil
}

var _ Recorder = NopRecorder{}
