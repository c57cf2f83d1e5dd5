// Package faults defines the error taxonomy shared by the runtime: every
// failure that crosses a component boundary is carried as a Detail with a
// classified kind and a retryability flag.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindProtocol   Kind = "protocol"
	KindRuntime    Kind = "runtime"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindUnknown    Kind = "unknown"
)

// Detail is the structured error record attached to tasks, steps, and
// status events. It implements error so it can flow through normal
// return paths and be recovered with errors.As.
type Detail struct {
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"statusCode,omitempty"`
	URL        string `json:"url,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Step       int    `json:"step,omitempty"`
}

// Error implements the error interface.
func (d *Detail) Error() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// New builds a Detail with the default retryability for its kind.
func New(kind Kind, msg string) *Detail {
	return &Detail{Kind: kind, Message: msg, Retryable: RetryableByDefault(kind)}
}

// Newf builds a Detail from a format string.
func Newf(kind Kind, format string, args ...interface{}) *Detail {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithURL records the URL the failure occurred on.
func (d *Detail) WithURL(url string) *Detail {
	d.URL = url
	return d
}

// WithStep records the loop step the failure occurred on.
func (d *Detail) WithStep(step int) *Detail {
	d.Step = step
	return d
}

// WithStatusCode records an HTTP-like status code.
func (d *Detail) WithStatusCode(code int) *Detail {
	d.StatusCode = code
	return d
}

// WithRetryable overrides the default retryability.
func (d *Detail) WithRetryable(retryable bool) *Detail {
	d.Retryable = retryable
	return d
}

// RetryableByDefault reports whether failures of the given kind are worth
// retrying absent other signals. Runtime and unknown failures are only
// retried when a crash signal accompanies them.
func RetryableByDefault(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindProtocol:
		return true
	default:
		return false
	}
}

// crashSignatures are matched case-insensitively against error text to
// detect a dead renderer behind an otherwise opaque failure.
var crashSignatures = []string{
	"target closed",
	"target crashed",
	"page closed",
	"session closed",
	"renderer crashed",
	"browser has been closed",
}

// IsCrashSignal reports whether the error text carries a crash signature.
func IsCrashSignal(err error) bool {
	if err == nil {
		return false
	}
	return CrashMessage(err.Error())
}

// CrashMessage reports whether the message carries a crash signature.
func CrashMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range crashSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// messagePatterns maps substrings to kinds, checked in order. First match
// wins, so the more specific categories come first.
var messagePatterns = []struct {
	substrings []string
	kind       Kind
}{
	{[]string{"deadline exceeded", "timed out", "timeout"}, KindTimeout},
	{[]string{"net::", "dns", "connection refused", "connection reset", "no such host", "network is unreachable", "network error"}, KindNetwork},
	{[]string{"cdp error", "protocol error", "devtools", "websocket"}, KindProtocol},
	{[]string{"illegal transition", "invalid state", "state machine"}, KindState},
	{[]string{"malformed", "schema", "validation", "invalid argument", "invalid decision"}, KindValidation},
	{[]string{"crashed", "target closed", "page closed", "session closed", "browser has been closed"}, KindRuntime},
}

// ClassifyMessage maps raw error text to a kind by pattern.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		for _, sub := range p.substrings {
			if strings.Contains(lower, sub) {
				return p.kind
			}
		}
	}
	return KindUnknown
}

// Classify converts an arbitrary error into a Detail. Existing Details
// pass through untouched; context errors map to their natural kinds; the
// rest are classified by message pattern. Crash signals force the
// retryable flag on so the scheduler can distinguish a recoverable dead
// renderer from a genuine runtime failure.
func Classify(err error) *Detail {
	if err == nil {
		return nil
	}

	var detail *Detail
	if errors.As(err, &detail) {
		return detail
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return &Detail{Kind: KindRuntime, Message: err.Error(), Retryable: false}
	}

	msg := err.Error()
	kind := ClassifyMessage(msg)
	d := New(kind, msg)
	if CrashMessage(msg) {
		d.Retryable = true
	}
	return d
}

// AsDetail unwraps err to a Detail when one is present.
func AsDetail(err error) (*Detail, bool) {
	var detail *Detail
	if errors.As(err, &detail) {
		return detail, true
	}
	return nil, false
}
