package relay

import (
	"errors"
	"fmt"
	"testing"
)

// TestSafeError tests that recognized errors pass through verbatim and
// everything else is replaced by an opaque internal-server-error.
func TestSafeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantKind string
		wantCode int
	}{
		{
			name:     "recognized error passes through",
			err:      ErrForbidden(),
			wantKind: KindForbidden,
			wantCode: 403,
		},
		{
			name:     "wrapped recognized error passes through",
			err:      fmt.Errorf("subscribe: %w", ErrTooManyRequests()),
			wantKind: KindTooManyRequests,
			wantCode: 429,
		},
		{
			name:     "application error becomes opaque",
			err:      errors.New("pq: connection refused to db-internal-host"),
			wantKind: KindInternalServerError,
			wantCode: 500,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			safe := SafeError(tt.err)
			if safe.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", safe.Kind, tt.wantKind)
			}
			if safe.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", safe.Code, tt.wantCode)
			}
		})
	}
}

// TestSafeErrorNeverLeaksMessage tests that raw application error text never
// reaches the client-safe form.
func TestSafeErrorNeverLeaksMessage(t *testing.T) {
	t.Parallel()

	leaky := errors.New("secret internal detail")
	safe := SafeError(leaky)

	if safe.Message == leaky.Error() {
		t.Error("SafeError leaked the original message")
	}
	if safe.Message != "Internal Server Error" {
		t.Errorf("Message = %q, want opaque message", safe.Message)
	}
}

// TestIsError tests error kind detection through wrapping
func TestIsError(t *testing.T) {
	t.Parallel()

	if !IsError(ErrNotAuthenticated()) {
		t.Error("IsError() = false for a typed error")
	}
	if !IsError(fmt.Errorf("call: %w", ErrInvalidRequest())) {
		t.Error("IsError() = false for a wrapped typed error")
	}
	if IsError(errors.New("plain")) {
		t.Error("IsError() = true for a plain error")
	}
}

// TestErrorConstructors tests codes and kinds of the taxonomy
func TestErrorConstructors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *Error
		kind string
		code int
	}{
		{ErrConnectionClosed(), KindConnectionClosed, 410},
		{ErrForbidden(), KindForbidden, 403},
		{ErrInternalServer(), KindInternalServerError, 500},
		{ErrInvalidRequest(), KindInvalidRequest, 400},
		{ErrNotAuthenticated(), KindNotAuthenticated, 401},
		{ErrTooManyRequests(), KindTooManyRequests, 429},
		{ErrTopicNotFound("room"), KindTopicNotFound, 404},
		{ErrUnsupported(), KindUnsupported, 501},
		{ErrEndpointNotFound("echo"), KindEndpointNotFound, 404},
	}

	for _, tt := range tests {
		if tt.err.Kind != tt.kind {
			t.Errorf("Kind = %q, want %q", tt.err.Kind, tt.kind)
		}
		if tt.err.Code != tt.code {
			t.Errorf("%s: Code = %d, want %d", tt.kind, tt.err.Code, tt.code)
		}
		if tt.err.Error() == "" {
			t.Errorf("%s: empty Error() string", tt.kind)
		}
	}
}
