package errortypes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestAppErrorMessageAndUnwrap(t *testing.T) {
	baseErr := errors.New("connection refused")
	appErr := FetchError(baseErr, "failed to download image")

	if appErr.Type != ErrorTypeFetch {
		t.Errorf("Expected error type %s, got %s", ErrorTypeFetch, appErr.Type)
	}
	if appErr.Error() != "failed to download image: connection refused" {
		t.Errorf("Unexpected error message: %s", appErr.Error())
	}
	if !errors.Is(appErr, baseErr) {
		t.Error("Expected errors.Is to find the base error")
	}
	if appErr.StackInfo == "" {
		t.Error("Expected stack info to be captured")
	}
}

func TestKindAndIsType(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorType
		transient bool
	}{
		{"fetch", FetchError(errors.New("x"), "fetch"), ErrorTypeFetch, true},
		{"store", StoreError(errors.New("x"), "store"), ErrorTypeStore, true},
		{"decode", DecodeError(errors.New("x"), "decode"), ErrorTypeDecode, false},
		{"model", ModelError(errors.New("x"), "model"), ErrorTypeModel, false},
		{"parse", ParseError(errors.New("x"), "parse"), ErrorTypeParse, false},
		{"wrapped fetch", fmt.Errorf("outer: %w", FetchError(errors.New("x"), "fetch")), ErrorTypeFetch, true},
		{"fetch after deadline", FetchError(context.DeadlineExceeded, "fetch"), ErrorTypeFetch, false},
		{"plain", errors.New("plain"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", got, tt.wantKind)
			}
			if tt.wantKind != "" && !IsType(tt.err, tt.wantKind) {
				t.Errorf("IsType(%q) = false", tt.wantKind)
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := StoreError(errors.New("timeout"), "failed to fetch candidates").
		WithField("page", 3)
	LogError(logger, err)

	out := buf.String()
	for _, want := range []string{"failed to fetch candidates", "type=store", "page=3", "original_error=timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in log output, got: %s", want, out)
		}
	}

	buf.Reset()
	LogError(logger, errors.New("plain failure"))
	if !strings.Contains(buf.String(), "plain failure") {
		t.Errorf("Expected plain error in log output, got: %s", buf.String())
	}
}
