package sqlguard

import "strings"

// Sentinel strings the model emits instead of SQL when no query should run.
const (
	// SentinelNoQuery means the question can be answered without data.
	SentinelNoQuery = "-- no query needed"

	// SentinelDeniedPrefix precedes a reason when the model refuses,
	// e.g. "-- denied: request asks for another user's private data".
	SentinelDeniedPrefix = "-- denied:"
)

// SentinelKind classifies a recognized sentinel.
type SentinelKind int

const (
	SentinelNone SentinelKind = iota
	SentinelKindNoQuery
	SentinelKindDenied
)

// ClassifySentinel reports whether sql is a sentinel rather than a
// statement, and for refusals extracts the reason text.
func ClassifySentinel(sql string) (SentinelKind, string) {
	trimmed := strings.TrimSpace(sql)
	if strings.EqualFold(trimmed, SentinelNoQuery) {
		return SentinelKindNoQuery, ""
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, SentinelDeniedPrefix) {
		reason := strings.TrimSpace(trimmed[len(SentinelDeniedPrefix):])
		if reason == "" {
			reason = "denied by model"
		}
		return SentinelKindDenied, reason
	}
	return SentinelNone, ""
}
