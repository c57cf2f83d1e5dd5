package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want Kind
	}{
		{"dns failure", "net::ERR_NAME_NOT_RESOLVED", KindNetwork},
		{"connection refused", "dial tcp 127.0.0.1:9222: connection refused", KindNetwork},
		{"nav timeout", "navigation timed out after 30s", KindTimeout},
		{"ctx deadline text", "context deadline exceeded", KindTimeout},
		{"cdp", "cdp error: -32000 Cannot find context", KindProtocol},
		{"websocket", "websocket: close 1006 (abnormal closure)", KindProtocol},
		{"bad transition", "illegal transition from idle to acting", KindState},
		{"malformed output", "malformed navigator response", KindValidation},
		{"schema reject", "jsonschema validation failed", KindValidation},
		{"crash", "renderer crashed while evaluating", KindRuntime},
		{"target closed", "rod: target closed", KindRuntime},
		{"opaque", "something odd happened", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyMessage(tt.msg); got != tt.want {
				t.Errorf("ClassifyMessage(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestClassifyRetryability(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  Kind
		retryable bool
	}{
		{"network retryable", errors.New("net::ERR_CONNECTION_RESET"), KindNetwork, true},
		{"timeout retryable", errors.New("operation timed out"), KindTimeout, true},
		{"protocol retryable", errors.New("cdp error: session detached"), KindProtocol, true},
		{"validation not retryable", errors.New("malformed decision payload"), KindValidation, false},
		{"state not retryable", errors.New("illegal transition from acting to loading"), KindState, false},
		{"unknown not retryable", errors.New("mystery"), KindUnknown, false},
		{"crash forces retryable", errors.New("rod: page closed"), KindRuntime, true},
		{"ctx deadline", context.DeadlineExceeded, KindTimeout, true},
		{"ctx canceled", context.Canceled, KindRuntime, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.err)
			if d.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", d.Kind, tt.wantKind)
			}
			if d.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", d.Retryable, tt.retryable)
			}
		})
	}
}

func TestClassifyPassesThroughDetail(t *testing.T) {
	orig := New(KindValidation, "bad key field").WithStep(4)
	wrapped := fmt.Errorf("step failed: %w", orig)

	got := Classify(wrapped)
	if got != orig {
		t.Errorf("Classify did not unwrap existing Detail: got %+v", got)
	}
	if got.Step != 4 {
		t.Errorf("step lost in classification: %d", got.Step)
	}
}

func TestCrashSignal(t *testing.T) {
	crashy := []string{
		"rod: Target Closed",
		"evaluate: session closed",
		"Renderer Crashed (code 11)",
		"browser has been closed",
	}
	for _, msg := range crashy {
		if !CrashMessage(msg) {
			t.Errorf("CrashMessage(%q) = false, want true", msg)
		}
	}

	if CrashMessage("connection refused") {
		t.Error("connection refused should not read as a crash")
	}
	if IsCrashSignal(nil) {
		t.Error("nil error should not read as a crash")
	}
}

func TestDetailError(t *testing.T) {
	d := Newf(KindNetwork, "fetch %s failed", "https://example.com").WithURL("https://example.com").WithStatusCode(502)
	if d.Error() != "network: fetch https://example.com failed" {
		t.Errorf("unexpected Error(): %s", d.Error())
	}
	if d.StatusCode != 502 {
		t.Errorf("status code = %d, want 502", d.StatusCode)
	}

	var asErr error = d
	found, ok := AsDetail(asErr)
	if !ok || found.Kind != KindNetwork {
		t.Errorf("AsDetail failed to recover detail")
	}
}
