package errlog

import (
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "WARN", want: LevelWarn},
		{in: "warning", want: LevelWarn},
		{in: " fatal ", want: LevelFatal},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_AtLeast(t *testing.T) {
	if !LevelError.AtLeast(LevelWarn) {
		t.Error("error should be at least warn")
	}
	if LevelInfo.AtLeast(LevelWarn) {
		t.Error("info should not be at least warn")
	}
	if !LevelDebug.AtLeast(LevelDebug) {
		t.Error("level should be at least itself")
	}
}

func TestFilter_Match(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{Level: LevelError, Category: CategoryNetwork, Timestamp: now}
	yes, no := true, false

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter", filter: Filter{}, want: true},
		{name: "level match", filter: Filter{Level: LevelError}, want: true},
		{name: "level mismatch", filter: Filter{Level: LevelWarn}, want: false},
		{name: "category mismatch", filter: Filter{Category: CategoryAuth}, want: false},
		{name: "since after", filter: Filter{Since: now.Add(time.Minute)}, want: false},
		{name: "until before", filter: Filter{Until: now.Add(-time.Minute)}, want: false},
		{name: "window contains", filter: Filter{Since: now.Add(-time.Minute), Until: now.Add(time.Minute)}, want: true},
		{name: "unresolved", filter: Filter{Resolved: &no}, want: true},
		{name: "resolved", filter: Filter{Resolved: &yes}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(e); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompute(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Level: LevelError, Category: CategoryAPI, Timestamp: now.Add(-10 * time.Minute)},
		{Level: LevelError, Category: CategoryNetwork, Timestamp: now.Add(-2 * time.Hour), Resolved: true},
		{Level: LevelWarn, Category: CategoryAPI, Timestamp: now.Add(-30 * time.Minute)},
	}

	st := Compute(entries, now)

	if st.Total != 3 {
		t.Errorf("Total = %d, want 3", st.Total)
	}
	if st.ByLevel[LevelError] != 2 || st.ByLevel[LevelWarn] != 1 {
		t.Errorf("ByLevel = %v", st.ByLevel)
	}
	if st.ByCategory[CategoryAPI] != 2 {
		t.Errorf("ByCategory[api] = %d, want 2", st.ByCategory[CategoryAPI])
	}
	if st.Resolved != 1 || st.Unresolved != 2 {
		t.Errorf("Resolved/Unresolved = %d/%d, want 1/2", st.Resolved, st.Unresolved)
	}
	if st.LastHour != 2 {
		t.Errorf("LastHour = %d, want 2", st.LastHour)
	}
}
