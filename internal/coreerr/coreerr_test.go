package coreerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Unauthenticated, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{Validation, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{Precondition, http.StatusConflict},
		{Transient, http.StatusBadGateway},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(New(tt.kind, "boom")); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Errorf("HTTPStatus(plain) = %d", got)
	}
}

func TestKindAndReasonThroughWrapping(t *testing.T) {
	base := WithReason(Forbidden, "role_denied", "no")
	wrapped := fmt.Errorf("handling request: %w", base)

	if KindOf(wrapped) != Forbidden {
		t.Errorf("KindOf(wrapped) = %s", KindOf(wrapped))
	}
	if ReasonOf(wrapped) != "role_denied" {
		t.Errorf("ReasonOf(wrapped) = %q", ReasonOf(wrapped))
	}
	if KindOf(errors.New("plain")) != Internal {
		t.Error("plain error not treated as internal")
	}
}

func TestPublicMessageMasksInternal(t *testing.T) {
	internal := Wrap(Internal, errors.New("pq: connection refused at 10.0.0.3"), "query users")
	if msg := PublicMessage(internal); msg != "internal error" {
		t.Errorf("internal detail leaked: %q", msg)
	}

	visible := WithReason(Validation, "WEAK_PASSWORD", "password too short")
	if msg := PublicMessage(visible); msg != "VALIDATION: password too short" {
		t.Errorf("PublicMessage = %q", msg)
	}
}

func TestErrorString(t *testing.T) {
	if got := New(NotFound, "dataset %s not found", "2025-01-01").Error(); got != "NOT_FOUND: dataset 2025-01-01 not found" {
		t.Errorf("Error() = %q", got)
	}
	bare := &Error{Kind: Conflict}
	if bare.Error() != "CONFLICT" {
		t.Errorf("bare Error() = %q", bare.Error())
	}
}
