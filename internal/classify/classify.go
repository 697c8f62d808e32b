// Package classify inspects the combined stdout+stderr text of one
// iteration's subprocess run and reports completion, blocked, and
// retryable-error signals, per spec.md §4.E.
package classify

import (
	"regexp"
	"time"
)

// Result is the classification of one iteration's subprocess output.
type Result struct {
	Complete bool
	Blocked  bool
	// ErrorClass is the empty string when no error pattern matched.
	ErrorClass string
}

// ErrorClass describes a retryable failure pattern: its max retry
// count and backoff duration.
type ErrorClass struct {
	Name       string
	Pattern    *regexp.Regexp
	MaxRetries int
	Backoff    time.Duration
}

var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bPRD_COMPLETE\b`),
	regexp.MustCompile(`<PRD_COMPLETE>`),
	regexp.MustCompile(`(?i)all stories (?:are )?complete`),
	regexp.MustCompile(`(?i)PRD (?:is )?complete`),
	regexp.MustCompile(`"passes"\s*:\s*true`),
}

var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^BLOCKED$`),
	regexp.MustCompile(`<BLOCKED>`),
	regexp.MustCompile(`\bALL_BLOCKED\b`),
	regexp.MustCompile(`(?i)all stories (?:are )?blocked`),
	regexp.MustCompile(`(?i)story is blocked by`),
	regexp.MustCompile(`(?i)manual intervention required`),
}

// PromiseComplete and PromiseAllBlocked are the explicit promise tags
// the driver honors in addition to the looser completion/blocked
// patterns above (spec.md §4.E).
var (
	PromiseComplete   = regexp.MustCompile(`<promise>PRD_COMPLETE</promise>`)
	PromiseAllBlocked = regexp.MustCompile(`<promise>ALL_BLOCKED</promise>`)
)

// ErrorClasses is checked in order; the first match wins, matching
// spec.md §4.E's "matched in order of specificity".
var ErrorClasses = []ErrorClass{
	{
		Name:       "no_messages",
		Pattern:    regexp.MustCompile(`(?i)no messages returned`),
		MaxRetries: 3,
		Backoff:    30 * time.Second,
	},
	{
		Name:       "connection_reset",
		Pattern:    regexp.MustCompile(`(?i)ECONNRESET|EAGAIN|fetch failed`),
		MaxRetries: 5,
		Backoff:    15 * time.Second,
	},
	{
		Name:       "timeout",
		Pattern:    regexp.MustCompile(`(?i)ETIMEDOUT|socket hang up`),
		MaxRetries: 5,
		Backoff:    15 * time.Second,
	},
	{
		Name:       "rate_limit",
		Pattern:    regexp.MustCompile(`(?i)rate limit|overloaded`),
		MaxRetries: 5,
		Backoff:    15 * time.Second,
	},
	{
		Name:       "server_error",
		Pattern:    regexp.MustCompile(`(?:\b5\d\d\b)|(?i)Error:\s*5\d\d`),
		MaxRetries: 5,
		Backoff:    15 * time.Second,
	},
	{
		Name:       "unknown",
		Pattern:    regexp.MustCompile(`(?i)\bError\b`),
		MaxRetries: 5,
		Backoff:    15 * time.Second,
	},
}

// Classify inspects combined stdout+stderr text and returns the
// completion, blocked, and error-class signals found in it.
func Classify(text string) Result {
	var r Result

	for _, p := range completionPatterns {
		if p.MatchString(text) {
			r.Complete = true
			break
		}
	}

	for _, p := range blockedPatterns {
		if p.MatchString(text) {
			r.Blocked = true
			break
		}
	}

	for _, ec := range ErrorClasses {
		if ec.Pattern.MatchString(text) {
			r.ErrorClass = ec.Name
			break
		}
	}

	return r
}

// ErrorClassByName looks up an ErrorClass's retry policy by name.
func ErrorClassByName(name string) (ErrorClass, bool) {
	for _, ec := range ErrorClasses {
		if ec.Name == name {
			return ec, true
		}
	}
	return ErrorClass{}, false
}

// HasPromiseComplete reports whether the assistant emitted the
// explicit PRD_COMPLETE promise tag.
func HasPromiseComplete(text string) bool { return PromiseComplete.MatchString(text) }

// HasPromiseAllBlocked reports whether the assistant emitted the
// explicit ALL_BLOCKED promise tag.
func HasPromiseAllBlocked(text string) bool { return PromiseAllBlocked.MatchString(text) }
