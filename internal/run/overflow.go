package run

import "strings"

// overflowPatterns are the provider error fragments that signal the session
// context no longer fits. Matched case-insensitively.
var overflowPatterns = []string{
	"context_length_exceeded",
	"context window",
	"http 413",
	"payload too large",
	"request entity too large",
	"string too long",
	"maximum length",
}

// isContextOverflow reports whether an error message indicates the session
// blew its context budget.
func isContextOverflow(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range overflowPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// nonRetryableLabels excludes failures where a blind re-run cannot help or
// would fight the user.
var nonRetryableLabels = []string{
	"user_requested",
	"interrupted",
	"new_session",
	"timeout",
}

// isRetryableZeroAnswer reports whether a failed, answerless run should be
// retried once: assistant_error-family failures that are not overflow and
// not user-driven.
func isRetryableZeroAnswer(errMsg string) bool {
	if errMsg == "" || isContextOverflow(errMsg) {
		return false
	}
	lower := strings.ToLower(errMsg)
	if !strings.Contains(lower, "assistant_error") {
		return false
	}
	for _, label := range nonRetryableLabels {
		if strings.Contains(lower, label) {
			return false
		}
	}
	return true
}

// retryLabel sanitizes an error message into a short label safe to embed in
// the retry notice prompt.
func retryLabel(errMsg string) string {
	label := errMsg
	if idx := strings.IndexByte(label, '\n'); idx >= 0 {
		label = label[:idx]
	}
	return truncate(strings.TrimSpace(label), 120)
}
