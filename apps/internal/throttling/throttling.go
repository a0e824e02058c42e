// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package throttling keeps requests that recently failed at the identity provider from
being sent again before a cooldown passes. Requests are matched by Signature; a
matching request during the cooldown fails with errors.ThrottledError without
touching the network.
*/
package throttling

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	tcerrors "github.com/tokencore/tokencore-go/apps/errors"
)

const (
	// MaxCooldown caps a provider's Retry-After hint.
	MaxCooldown = time.Hour
	// InvalidRequestCooldown applies to 4xx responses other than 429.
	InvalidRequestCooldown = 60 * time.Second
	// TransientCooldown applies to 429 without Retry-After, 5xx and transport failures.
	TransientCooldown = 5 * time.Second
)

type record struct {
	until time.Time
	cause error
}

// Guard records failures per request signature. It is safe for concurrent use.
type Guard struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]record
}

// New creates a Guard reading time from now. A nil now uses time.Now.
func New(now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{now: now, records: map[string]record{}}
}

// Signature derives the key requests are matched by. Scope order and case do not matter.
// grantDigest identifies the code or token a grant redeems, empty when there is none.
func Signature(clientID, authority, grant string, scopes []string, account, grantDigest string) string {
	norm := make([]string, 0, len(scopes))
	for _, s := range scopes {
		norm = append(norm, strings.ToLower(s))
	}
	sort.Strings(norm)
	return strings.Join([]string{
		strings.ToLower(clientID),
		strings.ToLower(authority),
		grant,
		strings.Join(norm, " "),
		account,
		grantDigest,
	}, "|")
}

// Check returns a ThrottledError wrapping the recorded failure when a request with
// signature must not be sent yet, and nil otherwise. Expired records are removed.
func (g *Guard) Check(signature string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.records[signature]
	if !ok {
		return nil
	}
	if !g.now().Before(r.until) {
		delete(g.records, signature)
		return nil
	}
	return tcerrors.ThrottledError{Cause: r.cause, Until: r.until}
}

// RecordFailure starts a cooldown for signature after err. retryAfter is the provider's
// hint, zero when there was none. Errors the provider did not cause, and errors only
// the user can resolve, are not recorded.
func (g *Guard) RecordFailure(signature string, err error, retryAfter time.Duration) {
	if err == nil || Exempt(err) {
		return
	}
	cooldown := Cooldown(err, retryAfter)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[signature] = record{until: g.now().Add(cooldown), cause: err}
}

// Clear forgets any failure recorded for signature.
func (g *Guard) Clear(signature string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, signature)
}

// Len is the number of records held, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

// Exempt reports whether err must never start a cooldown.
func Exempt(err error) bool {
	var (
		cancelled   tcerrors.CancelledError
		interaction tcerrors.InteractionRequiredError
		server      tcerrors.ServerError
		network     tcerrors.NetworkError
	)
	switch {
	case errors.As(err, &cancelled), errors.As(err, &interaction):
		return true
	case errors.As(err, &server):
		switch server.Code {
		case "authorization_pending", "slow_down":
			return true
		}
		return false
	case errors.As(err, &network):
		return false
	}
	// Configuration, validation and storage failures are local.
	return true
}

// Cooldown is how long a request stays blocked after err.
func Cooldown(err error, retryAfter time.Duration) time.Duration {
	var server tcerrors.ServerError
	isServer := errors.As(err, &server)
	if retryAfter <= 0 && isServer {
		retryAfter = server.RetryAfter
	}
	if retryAfter > 0 {
		if retryAfter > MaxCooldown {
			return MaxCooldown
		}
		return retryAfter
	}
	if isServer && server.StatusCode >= 400 && server.StatusCode < 500 && server.StatusCode != 429 {
		return InvalidRequestCooldown
	}
	return TransientCooldown
}
