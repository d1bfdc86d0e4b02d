package session

import "time"

// NewState returns an unauthenticated state bound to a device.
func NewState(fingerprint string) State {
	return State{
		DeviceFingerprint: fingerprint,
		WarningsShown:     map[WarningKind]bool{},
	}
}

// Start marks the state authenticated for userID at now.
func (s *State) Start(userID string, now time.Time, tokenExpiry time.Time, rememberMe bool) {
	s.IsAuthenticated = true
	s.UserID = userID
	s.SessionStartAt = now
	s.LastActivityAt = now
	s.TokenExpiresAt = tokenExpiry
	s.IsRefreshing = false
	s.RefreshAttempts = 0
	s.RememberMe = rememberMe
	s.WarningsShown = map[WarningKind]bool{}
}

// Reset returns the state to unauthenticated, keeping the device fingerprint.
func (s *State) Reset() {
	*s = NewState(s.DeviceFingerprint)
}

// Touch records user activity and re-arms the inactivity warning.
func (s *State) Touch(now time.Time) {
	s.LastActivityAt = now
	delete(s.WarningsShown, WarningInactivity)
}

// InactivityDeadline is when the session times out without further activity.
func (s *State) InactivityDeadline(timeout time.Duration) time.Time {
	return s.LastActivityAt.Add(timeout)
}

// TimedOut reports whether the inactivity deadline has passed.
func (s *State) TimedOut(now time.Time, timeout time.Duration) bool {
	return !now.Before(s.InactivityDeadline(timeout))
}

// TokenExpired reports whether the access token has expired at now.
func (s *State) TokenExpired(now time.Time) bool {
	return !s.TokenExpiresAt.IsZero() && !now.Before(s.TokenExpiresAt)
}

// RememberMeExpired reports whether a remembered session has outlived max.
func (s *State) RememberMeExpired(now time.Time, max time.Duration) bool {
	return s.RememberMe && max > 0 && now.Sub(s.SessionStartAt) > max
}

// MarkWarning records that kind was shown. It returns false if it had
// already been shown.
func (s *State) MarkWarning(kind WarningKind) bool {
	if s.WarningsShown == nil {
		s.WarningsShown = map[WarningKind]bool{}
	}
	if s.WarningsShown[kind] {
		return false
	}
	s.WarningsShown[kind] = true
	return true
}

// RemainingAt computes the time left on each session component.
func (s *State) RemainingAt(now time.Time, timeout time.Duration) Remaining {
	if !s.IsAuthenticated {
		return Remaining{}
	}
	r := Remaining{
		Activity: s.InactivityDeadline(timeout).Sub(now),
		Token:    s.TokenExpiresAt.Sub(now),
	}
	if r.Activity < 0 {
		r.Activity = 0
	}
	if r.Token < 0 {
		r.Token = 0
	}
	return r
}

// AppendActivity appends rec to log, keeping only the most recent
// MaxActivityRecords entries.
func AppendActivity(log []ActivityRecord, rec ActivityRecord) []ActivityRecord {
	log = append(log, rec)
	if over := len(log) - MaxActivityRecords; over > 0 {
		log = append([]ActivityRecord(nil), log[over:]...)
	}
	return log
}
