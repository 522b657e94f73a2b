package types

import "time"

// Expiry governs how long a stored value remains valid. Positive values are
// absolute expiry times in epoch seconds; the negative constants are policies.
type Expiry int64

const (
	// ExpiryForever never expires.
	ExpiryForever Expiry = -1
	// ExpirySession is removed when the current session ends.
	ExpirySession Expiry = -2
	// ExpiryUntilRestart is removed the next time the store is opened.
	ExpiryUntilRestart Expiry = -3
)

// ExpiryAt expires at t.
func ExpiryAt(t time.Time) Expiry { return Expiry(t.Unix()) }

// ExpiryAfter expires d after now.
func ExpiryAfter(now time.Time, d time.Duration) Expiry { return ExpiryAt(now.Add(d)) }

// IsPolicy reports whether e is one of the non-time policies.
func (e Expiry) IsPolicy() bool { return e < 0 }

// IsExpired reports whether an absolute expiry is at or before now. Policies
// never report expired; they are removed by lifecycle events instead.
func (e Expiry) IsExpired(now time.Time) bool {
	if e.IsPolicy() {
		return false
	}
	return int64(e) <= now.Unix()
}

// Time returns the absolute expiry time. ok is false for policies.
func (e Expiry) Time() (t time.Time, ok bool) {
	if e.IsPolicy() {
		return time.Time{}, false
	}
	return time.Unix(int64(e), 0), true
}

func (e Expiry) String() string {
	switch e {
	case ExpiryForever:
		return "forever"
	case ExpirySession:
		return "session"
	case ExpiryUntilRestart:
		return "until_restart"
	}
	t, _ := e.Time()
	return t.UTC().Format(time.RFC3339)
}
