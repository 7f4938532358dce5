package registry

import "strconv"

const (
	DefaultTradeHistoryLimit = 25
	MaxTradeHistoryLimit     = 500
)

// ClampLimit returns a sane page size using the provided default and
// maximum. Non-positive values yield the default; values above max clamp
// to max.
func ClampLimit(limit, defaultLimit, max int) int {
	if defaultLimit <= 0 {
		defaultLimit = DefaultTradeHistoryLimit
	}
	if max <= 0 {
		max = defaultLimit
	}
	if limit <= 0 {
		return defaultLimit
	}
	if limit > max {
		return max
	}
	return limit
}

// ParseLimit parses a limit string and clamps it to the given bounds. Empty
// strings or parse errors return the default limit.
func ParseLimit(s string, defaultLimit, maxLimit int) int {
	if s == "" {
		return ClampLimit(0, defaultLimit, maxLimit)
	}
	limit, err := strconv.Atoi(s)
	if err != nil {
		return ClampLimit(0, defaultLimit, maxLimit)
	}
	return ClampLimit(limit, defaultLimit, maxLimit)
}
