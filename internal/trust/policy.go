// Package trust maps session age to a baseline pacing profile. The profile
// seeds pacer defaults and caps SmartGuard so a fresh account can never be
// tuned up to veteran throughput.
package trust

import "time"

// Profile is the baseline pacing for one trust level.
type Profile struct {
	Level      int
	MinDelayMs int
	MaxDelayMs int
	RPM        int
}

var levels = []struct {
	maxAge  time.Duration
	profile Profile
}{
	{3 * 24 * time.Hour, Profile{Level: 1, MinDelayMs: 20000, MaxDelayMs: 40000, RPM: 3}},
	{7 * 24 * time.Hour, Profile{Level: 2, MinDelayMs: 10000, MaxDelayMs: 15000, RPM: 5}},
	{14 * 24 * time.Hour, Profile{Level: 3, MinDelayMs: 5000, MaxDelayMs: 8000, RPM: 10}},
}

// veteran is the profile for sessions at least 14 days old.
var veteran = Profile{Level: 4, MinDelayMs: 2000, MaxDelayMs: 4000, RPM: 20}

// ForAge returns the profile for a session of the given age.
func ForAge(age time.Duration) Profile {
	for _, l := range levels {
		if age < l.maxAge {
			return l.profile
		}
	}
	return veteran
}

// ForCreatedAt resolves the profile from the roster's createdAt string
// (RFC3339 or epoch-ms). Unparseable values are treated as brand new, which
// is the safe direction.
func ForCreatedAt(createdAt string, now time.Time) Profile {
	if createdAt == "" {
		return levels[0].profile
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		return ForAge(now.Sub(t))
	}
	if ms, ok := parseEpochMilli(createdAt); ok {
		return ForAge(now.Sub(time.UnixMilli(ms)))
	}
	return levels[0].profile
}

func parseEpochMilli(s string) (int64, bool) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	if n == 0 {
		return 0, false
	}
	return n, true
}
