package sqlguard

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxLimit is the largest row limit a statement may request.
const MaxLimit = 50

// DefaultMaxInputLen caps how much SQL the validator will look at.
const DefaultMaxInputLen = 16384

// Result is the verdict on one candidate statement.
type Result struct {
	// Allowed is true when the statement may be executed as-is.
	Allowed bool

	// NoQuery is true when the model signaled that no data is needed.
	NoQuery bool

	// Denied is true when the model refused; Reason carries its text.
	Denied bool

	// Reason explains a rejection in operator-readable terms.
	Reason string

	// Pattern names the rejection pattern that fired, if any.
	Pattern string

	// Category classifies the rejection, if a pattern fired.
	Category Category

	// Input is a sanitized snippet for logging.
	Input string

	// Duration is how long validation took.
	Duration time.Duration
}

// Validator checks model-generated SQL against the read-only dialect.
type Validator struct {
	patterns    *PatternSet
	maxInputLen int
	snippetLen  int
}

// Option is a functional option for configuring a Validator.
type Option func(*Validator)

// WithPatternSet sets a custom pattern set.
func WithPatternSet(ps *PatternSet) Option {
	return func(v *Validator) {
		v.patterns = ps
	}
}

// WithMaxInputLength sets the maximum statement length to accept.
func WithMaxInputLength(maxLen int) Option {
	return func(v *Validator) {
		v.maxInputLen = maxLen
	}
}

// NewValidator creates a validator with the given options.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		patterns:    NewPatternSet(),
		maxInputLen: DefaultMaxInputLen,
		snippetLen:  100,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var limitClauseRegex = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)

// Validate checks one candidate statement. declaredSafe is the model's
// own claim about the statement; a false claim rejects immediately, a
// true claim earns no trust and the full check still runs.
func (v *Validator) Validate(sql string, declaredSafe bool) *Result {
	start := time.Now()
	trimmed := strings.TrimSpace(sql)

	reject := func(reason, pattern string, category Category) *Result {
		return &Result{
			Allowed:  false,
			Reason:   reason,
			Pattern:  pattern,
			Category: category,
			Input:    v.snippet(trimmed),
			Duration: time.Since(start),
		}
	}

	if kind, reason := ClassifySentinel(trimmed); kind != SentinelNone {
		r := &Result{Input: v.snippet(trimmed), Duration: time.Since(start)}
		switch kind {
		case SentinelKindNoQuery:
			r.NoQuery = true
		case SentinelKindDenied:
			r.Denied = true
			r.Reason = reason
		}
		return r
	}

	if trimmed == "" {
		return reject("empty statement", "", "")
	}
	if len(trimmed) > v.maxInputLen {
		return reject("statement exceeds maximum length", "", "")
	}
	if !declaredSafe {
		return reject("model declared the statement unsafe", "", "")
	}

	stmt := strings.TrimSuffix(trimmed, ";")
	if strings.Contains(stmt, ";") {
		return reject("multiple statements are not allowed", "semicolon_split", CategoryMultiStmt)
	}

	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return reject("only SELECT statements are allowed", "", "")
	}

	for _, pattern := range v.patterns.Patterns() {
		if pattern.Regex.MatchString(stmt) {
			return reject(pattern.Description, pattern.Name, pattern.Category)
		}
	}

	m := limitClauseRegex.FindStringSubmatch(stmt)
	if m == nil {
		return reject("an explicit LIMIT of at most "+strconv.Itoa(MaxLimit)+" is required", "limit_missing", "")
	}
	if n, err := strconv.Atoi(m[1]); err != nil || n > MaxLimit {
		return reject("LIMIT exceeds the maximum of "+strconv.Itoa(MaxLimit), "limit_too_large", "")
	}

	return &Result{
		Allowed:  true,
		Input:    v.snippet(trimmed),
		Duration: time.Since(start),
	}
}

// snippet creates a safe, bounded copy of the input for logging.
func (v *Validator) snippet(input string) string {
	if len(input) <= v.snippetLen {
		return sanitizeForLog(input)
	}
	return sanitizeForLog(input[:v.snippetLen]) + "..."
}

var (
	passwordMaskRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	tokenMaskRegex    = regexp.MustCompile(`(?i)(token|bearer|secret)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
)

// sanitizeForLog masks credential-shaped substrings before logging.
func sanitizeForLog(input string) string {
	input = strings.ReplaceAll(input, "\n", " ")
	input = passwordMaskRegex.ReplaceAllString(input, "[REDACTED_PASSWORD]")
	input = tokenMaskRegex.ReplaceAllString(input, "[REDACTED_TOKEN]")
	return input
}
