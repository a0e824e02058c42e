// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCode(t *testing.T) {
	server := ServerError{StatusCode: 400, Code: "invalid_grant", Description: "bad"}
	tests := []struct {
		desc string
		err  error
		want string
	}{
		{"foreign error", errors.New("x"), ""},
		{"not implemented", NotImplemented("Storage", "getItem"), CodeCapabilityNotImplemented},
		{"invalid configuration", InvalidConfiguration("client id %q", ""), CodeInvalidConfiguration},
		{"network", NetworkError{Err: errors.New("reset")}, CodeNetwork},
		{"server with code", server, "invalid_grant"},
		{"server without code", ServerError{StatusCode: 503}, CodeServer},
		{"interaction required", InteractionRequiredError{server}, "invalid_grant"},
		{"no tokens", NoTokensFound("nothing cached"), CodeNoTokensFound},
		{"throttled", ThrottledError{Cause: server}, CodeThrottled},
		{"cache", CacheStorageError{Op: "set", Err: errors.New("disk")}, CodeCacheStorage},
		{"validation", TokenValidationError{Reason: "aud"}, CodeTokenValidation},
		{"malformed", MalformedEntityError{Entity: "access token", Field: "realm"}, CodeMalformedEntity},
		{"cancelled", CancelledError{Err: context.Canceled}, CodeCancelled},
		{"wrapped", fmt.Errorf("acquiring: %w", NetworkError{Err: errors.New("reset")}), CodeNetwork},
		{"call error", CallErr{Err: server}, "invalid_grant"},
		{"call error without code", CallErr{Err: errors.New("x")}, CodeServer},
	}
	for _, test := range tests {
		if got := Code(test.err); got != test.want {
			t.Errorf("TestCode(%s): got %q, want %q", test.desc, got, test.want)
		}
	}
}

func TestNotImplementedDescription(t *testing.T) {
	var ce ClientConfigurationError
	if !errors.As(NotImplemented("Crypto", "sign"), &ce) {
		t.Fatal("TestNotImplementedDescription: not a ClientConfigurationError")
	}
	if want := "Crypto interface - sign() has not been implemented"; ce.Description != want {
		t.Errorf("TestNotImplementedDescription: got %q, want %q", ce.Description, want)
	}
}

func TestUnwrap(t *testing.T) {
	server := ServerError{StatusCode: 400, Code: "interaction_required"}

	var se ServerError
	if !errors.As(InteractionRequiredError{server}, &se) || se.Code != "interaction_required" {
		t.Errorf("TestUnwrap: InteractionRequiredError does not unwrap to its ServerError")
	}
	var ir InteractionRequiredError
	if !errors.As(ThrottledError{Cause: InteractionRequiredError{server}}, &ir) {
		t.Errorf("TestUnwrap: ThrottledError does not unwrap to its cause")
	}
	if !errors.Is(CancelledError{Err: context.DeadlineExceeded}, context.DeadlineExceeded) {
		t.Errorf("TestUnwrap: CancelledError does not unwrap to the context error")
	}
	disk := errors.New("disk full")
	if !errors.Is(CacheStorageError{Op: "set", Key: "k", Err: disk}, disk) {
		t.Errorf("TestUnwrap: CacheStorageError does not unwrap to the storage error")
	}
}

func TestServerErrorMessage(t *testing.T) {
	err := ServerError{StatusCode: 401, Code: "invalid_client", Description: "bad secret", CorrelationID: "cid"}
	want := "server error (HTTP 401): invalid_client: bad secret (correlation id cid)"
	if got := err.Error(); got != want {
		t.Errorf("TestServerErrorMessage: got %q, want %q", got, want)
	}
	until := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got := ThrottledError{Cause: err, Until: until}.Error()
	if !strings.Contains(got, "2024-03-01T12:00:00Z") || !strings.Contains(got, "invalid_client") {
		t.Errorf("TestServerErrorMessage: throttled message %q lacks the deadline or cause", got)
	}
}

func TestVerbose(t *testing.T) {
	plain := errors.New("plain")
	if got := Verbose(plain); got != "plain" {
		t.Errorf("TestVerbose(plain): got %q", got)
	}

	err := CallErr{
		Method:     http.MethodPost,
		URL:        "https://login.example/tenant/oauth2/v2.0/token",
		StatusCode: 400,
		Header:     http.Header{"X-Ms-Request-Id": {"rid"}},
		Err:        ServerError{StatusCode: 400, Code: "invalid_request"},
	}
	got := Verbose(err)
	for _, want := range []string{"POST https://login.example/tenant/oauth2/v2.0/token", "400", "X-Ms-Request-Id", "rid"} {
		if !strings.Contains(got, want) {
			t.Errorf("TestVerbose: %q missing from %q", want, got)
		}
	}
	if err.Error() != err.Err.Error() {
		t.Errorf("TestVerbose: CallErr.Error() = %q, want the wrapped message", err.Error())
	}
}
