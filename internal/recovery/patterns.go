package recovery

import (
	"regexp"
	"time"

	"github.com/khryptorgraphics/crawld/internal/task"
)

// Pattern is one row of the ordered classification table: (regex,
// category, severity, strategy, max_retries, base_delay,
// backoff_factor, timeout_multiplier) per §4.6 step 1.
type Pattern struct {
	Name             string
	Match            *regexp.Regexp
	Category         task.ErrorCategory
	Severity         task.ErrorSeverity
	Strategy         task.RecoveryStrategy
	MaxRetries       int
	BaseDelay        time.Duration
	BackoffFactor    float64
	TimeoutMultiplier float64
}

// DefaultPatterns is the ordered pattern library scanned in
// declaration order; the first match wins.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:          "connection_refused",
			Match:         regexp.MustCompile(`(?i)connection refused|connection reset|no such host|dial tcp`),
			Category:      task.CategoryNetwork,
			Severity:      task.SeverityMedium,
			Strategy:      task.StrategyExponential,
			MaxRetries:    5,
			BaseDelay:     2 * time.Second,
			BackoffFactor: 2.0,
		},
		{
			Name:          "timeout",
			Match:         regexp.MustCompile(`(?i)timeout|deadline exceeded|context canceled`),
			Category:      task.CategoryTimeout,
			Severity:      task.SeverityMedium,
			Strategy:      task.StrategyLinear,
			MaxRetries:    3,
			BaseDelay:     3 * time.Second,
			BackoffFactor: 1.0,
			TimeoutMultiplier: 1.5,
		},
		{
			Name:          "rate_limited",
			Match:         regexp.MustCompile(`(?i)rate limit|too many requests|429`),
			Category:      task.CategoryRateLimit,
			Severity:      task.SeverityLow,
			Strategy:      task.StrategyExponential,
			MaxRetries:    5,
			BaseDelay:     30 * time.Second,
			BackoffFactor: 2.0,
		},
		{
			Name:          "auth_failure",
			Match:         regexp.MustCompile(`(?i)unauthorized|forbidden|invalid credentials|401|403`),
			Category:      task.CategoryAuth,
			Severity:      task.SeverityHigh,
			Strategy:      task.StrategyFallback,
			MaxRetries:    1,
			BaseDelay:     0,
			BackoffFactor: 1.0,
		},
		{
			Name:          "parse_error",
			Match:         regexp.MustCompile(`(?i)parse error|unexpected token|malformed|invalid character`),
			Category:      task.CategoryParsing,
			Severity:      task.SeverityMedium,
			Strategy:      task.StrategyFallback,
			MaxRetries:    1,
			BaseDelay:     0,
			BackoffFactor: 1.0,
		},
		{
			Name:          "browser_crash",
			Match:         regexp.MustCompile(`(?i)target closed|browser.*crash|chromedp|devtools`),
			Category:      task.CategoryBrowser,
			Severity:      task.SeverityHigh,
			Strategy:      task.StrategyDelayedRetry,
			MaxRetries:    2,
			BaseDelay:     5 * time.Second,
			BackoffFactor: 1.0,
		},
		{
			Name:          "database_error",
			Match:         regexp.MustCompile(`(?i)mongo|redis|connection pool exhausted|database`),
			Category:      task.CategoryDatabase,
			Severity:      task.SeverityHigh,
			Strategy:      task.StrategyCircuitBreaker,
			MaxRetries:    3,
			BaseDelay:     1 * time.Second,
			BackoffFactor: 2.0,
		},
		{
			Name:          "validation_error",
			Match:         regexp.MustCompile(`(?i)validation failed|invalid (url|payload|schema)`),
			Category:      task.CategoryValidation,
			Severity:      task.SeverityLow,
			Strategy:      task.StrategySkip,
			MaxRetries:    0,
			BaseDelay:     0,
			BackoffFactor: 1.0,
		},
		{
			Name:          "out_of_memory",
			Match:         regexp.MustCompile(`(?i)out of memory|cannot allocate|oom`),
			Category:      task.CategorySystem,
			Severity:      task.SeverityCritical,
			Strategy:      task.StrategyEscalate,
			MaxRetries:    0,
			BaseDelay:     0,
			BackoffFactor: 1.0,
		},
	}
}

// HTTPStatusOverride returns the category the spec mandates for a
// given HTTP status code, overriding whatever the pattern library
// matched, and true if an override applies.
func HTTPStatusOverride(status int) (task.ErrorCategory, bool) {
	switch {
	case status == 401 || status == 403:
		return task.CategoryAuth, true
	case status == 429:
		return task.CategoryRateLimit, true
	case status >= 500 && status < 600:
		return task.CategorySystem, true
	case status >= 400 && status < 500:
		return task.CategoryContent, true
	default:
		return "", false
	}
}

// categoryDefaultStrategy maps a category to its default recovery
// strategy when no pattern in the library matched (§4.6 step 3).
func categoryDefaultStrategy(category task.ErrorCategory, severity task.ErrorSeverity) task.RecoveryStrategy {
	if severity == task.SeverityCritical {
		return task.StrategyEscalate
	}
	switch category {
	case task.CategoryNetwork:
		return task.StrategyExponential
	case task.CategoryTimeout:
		return task.StrategyLinear
	case task.CategoryRateLimit:
		return task.StrategyExponential
	case task.CategoryAuth, task.CategoryParsing:
		return task.StrategyFallback
	default:
		return task.StrategyDelayedRetry
	}
}
