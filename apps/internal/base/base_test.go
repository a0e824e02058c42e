// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kylelemons/godebug/pretty"
	"github.com/tokencore/tokencore-go/apps/cache"
	"github.com/tokencore/tokencore-go/apps/cryptoprovider"
	tcerrors "github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/mock"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/internal/shared"
	"github.com/tokencore/tokencore-go/apps/network"
)

const (
	testClientID  = "client-id"
	testHost      = "login.example"
	testTenant    = "tenant"
	testAuthority = "https://login.example/tenant"
	testIssuer    = "https://login.example/tenant/v2.0"
	testUID       = "uid"
)

var (
	testNow       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	testEndpoints = authority.NewEndpoints(
		testAuthority+"/oauth2/v2.0/authorize",
		testAuthority+"/oauth2/v2.0/token",
		testAuthority+"/oauth2/v2.0/devicecode",
		testIssuer,
		testHost,
	)
	testSecret = &accesstokens.Credential{Secret: "secret"}
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func newTestClient(t *testing.T, mc *mock.Client, store cache.Storage, c *clock, opts ...Option) Client {
	t.Helper()
	cfg := Config{Crypto: cryptoprovider.NewDefault(), Storage: store, Network: mc}
	opts = append([]Option{WithClock(c.now), WithAuthorityMetadata(testAuthority, testEndpoints)}, opts...)
	client, err := New(testClientID, testAuthority, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	client.wait = func(context.Context, time.Duration) error { return nil }
	return client
}

func userTokenBody(at, rt, scope string, now time.Time) []byte {
	idToken := mock.GetIDToken(testClientID, testTenant, testIssuer, "oid", "user@example.com", now)
	return mock.GetAccessTokenBody(at, idToken, rt, mock.GetClientInfo(testUID, testTenant), 3600, scope)
}

func formBody(t *testing.T, req network.Request) url.Values {
	t.Helper()
	qv, err := url.ParseQuery(req.Body)
	if err != nil {
		t.Fatal(err)
	}
	return qv
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		desc      string
		clientID  string
		authority string
		opts      []Option
	}{
		{desc: "empty client id", clientID: " ", authority: testAuthority},
		{desc: "http authority", clientID: testClientID, authority: "http://login.example/tenant"},
		{desc: "authority without tenant", clientID: testClientID, authority: "https://login.example"},
		{desc: "negative renewal offset", clientID: testClientID, authority: testAuthority, opts: []Option{WithTokenRenewalOffset(-time.Second)}},
	}
	for _, test := range tests {
		_, err := New(test.clientID, test.authority, Config{}, test.opts...)
		var ce tcerrors.ClientConfigurationError
		if !errors.As(err, &ce) {
			t.Errorf("TestNewValidation(%s): got err == %v, want ClientConfigurationError", test.desc, err)
		}
	}
}

func TestUnimplementedCapabilities(t *testing.T) {
	client, err := New(testClientID, testAuthority, Config{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.AcquireToken(context.Background(), TokenRequest{Scopes: []string{"s"}, Grant: ClientCredentialGrant{Credential: testSecret}})
	if tcerrors.Code(err) != tcerrors.CodeCapabilityNotImplemented {
		t.Errorf("TestUnimplementedCapabilities: got %v, want %s", err, tcerrors.CodeCapabilityNotImplemented)
	}
}

func TestOnBehalfOfCache(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client := newTestClient(t, mc, cache.NewMemory(), c)

	obo := func(scopes []string, skip bool) (AuthResult, error) {
		return client.AcquireToken(ctx, TokenRequest{
			Scopes:    scopes,
			Grant:     OnBehalfOfGrant{Assertion: "user-assertion", Credential: testSecret},
			SkipCache: skip,
		})
	}

	mc.AppendResponse(
		mock.WithBody(userTokenBody("at-1", "rt-1", "User.Read Mail.Read Files.Read", testNow)),
		mock.WithCallback(func(u string, req network.Request) {
			qv := formBody(t, req)
			if qv.Get("assertion") != "user-assertion" || qv.Get("requested_token_use") != "on_behalf_of" {
				t.Errorf("TestOnBehalfOfCache: unexpected on-behalf-of body %v", qv)
			}
		}),
	)
	first, err := obo([]string{"User.Read", "Mail.Read"}, false)
	if err != nil {
		t.Fatalf("TestOnBehalfOfCache: %s", err)
	}
	if first.FromCache || first.CacheWriteError != nil {
		t.Fatalf("TestOnBehalfOfCache: first result FromCache=%v CacheWriteError=%v", first.FromCache, first.CacheWriteError)
	}
	if first.Account.HomeAccountID != "uid.tenant" {
		t.Errorf("TestOnBehalfOfCache: home account %q, want uid.tenant", first.Account.HomeAccountID)
	}

	calls := len(mc.Calls())
	cached, err := obo([]string{"mail.read", "USER.READ", "openid"}, false)
	if err != nil {
		t.Fatalf("TestOnBehalfOfCache(cached): %s", err)
	}
	if n := len(mc.Calls()) - calls; n != 0 {
		t.Errorf("TestOnBehalfOfCache(cached): made %d network calls, want 0", n)
	}
	if !cached.FromCache {
		t.Errorf("TestOnBehalfOfCache(cached): FromCache = false")
	}
	if cached.AccessToken != "at-1" {
		t.Errorf("TestOnBehalfOfCache(cached): access token %q, want at-1", cached.AccessToken)
	}
	if cached.IDToken.RawToken != first.IDToken.RawToken {
		t.Errorf("TestOnBehalfOfCache(cached): id token is not the one cached with the access token")
	}
	if diff := pretty.Compare(first.Account, cached.Account); diff != "" {
		t.Errorf("TestOnBehalfOfCache(cached): account -want/+got:\n%s", diff)
	}

	mc.AppendResponse(mock.WithBody(userTokenBody("at-2", "rt-2", "User.Read Mail.Read", testNow)))
	skipped, err := obo([]string{"User.Read"}, true)
	if err != nil {
		t.Fatalf("TestOnBehalfOfCache(skip cache): %s", err)
	}
	if n := len(mc.Calls()) - calls; n != 1 {
		t.Errorf("TestOnBehalfOfCache(skip cache): made %d network calls, want 1", n)
	}
	if skipped.FromCache || skipped.AccessToken != "at-2" {
		t.Errorf("TestOnBehalfOfCache(skip cache): got FromCache=%v token %q", skipped.FromCache, skipped.AccessToken)
	}

	// Another user's assertion never sees the cached token.
	mc.AppendResponse(mock.WithBody(userTokenBody("at-3", "", "User.Read", testNow)))
	other, err := client.AcquireToken(ctx, TokenRequest{
		Scopes: []string{"User.Read"},
		Grant:  OnBehalfOfGrant{Assertion: "other-assertion", Credential: testSecret},
	})
	if err != nil {
		t.Fatal(err)
	}
	if other.FromCache {
		t.Errorf("TestOnBehalfOfCache(other assertion): token came from the cache")
	}
}

func TestClientCredentials(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	c := &clock{t: testNow}
	store := cache.NewMemory()
	client := newTestClient(t, mc, store, c)
	req := TokenRequest{Scopes: []string{"api://resource/.default"}, Grant: ClientCredentialGrant{Credential: testSecret}}

	mc.AppendResponse(
		mock.WithBody(mock.GetAccessTokenBody("app-token", "", "", "", 3600, "")),
		mock.WithCallback(func(u string, r network.Request) {
			qv := formBody(t, r)
			if qv.Get("scope") != "api://resource/.default" || qv.Get("client_secret") != "secret" || qv.Get("client_info") != "" {
				t.Errorf("TestClientCredentials: unexpected body %v", qv)
			}
			if u != testEndpoints.TokenEndpoint {
				t.Errorf("TestClientCredentials: token sent to %q", u)
			}
		}),
	)
	ar, err := client.AcquireToken(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if ar.FromCache || !ar.Account.IsZero() {
		t.Errorf("TestClientCredentials: got FromCache=%v account %+v", ar.FromCache, ar.Account)
	}
	if !ar.ExpiresOn.Equal(testNow.Add(time.Hour)) {
		t.Errorf("TestClientCredentials: ExpiresOn %v, want %v", ar.ExpiresOn, testNow.Add(time.Hour))
	}

	ar, err = client.AcquireToken(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !ar.FromCache || ar.AccessToken != "app-token" {
		t.Errorf("TestClientCredentials(cached): got FromCache=%v token %q", ar.FromCache, ar.AccessToken)
	}

	// Inside the renewal window the cached token is not used.
	c.t = testNow.Add(time.Hour - DefaultTokenRenewalOffset)
	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("app-token-2", "", "", "", 3600, "")))
	ar, err = client.AcquireToken(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if ar.FromCache || ar.AccessToken != "app-token-2" {
		t.Errorf("TestClientCredentials(renewal): got FromCache=%v token %q", ar.FromCache, ar.AccessToken)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "-login.example-accesstoken-client-id-tenant-") {
		t.Errorf("TestClientCredentials: cache keys %v, want one application access token", keys)
	}
}

func TestThrottling(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client := newTestClient(t, mc, cache.NewMemory(), c)
	req := TokenRequest{Scopes: []string{"s"}, Grant: ClientCredentialGrant{Credential: testSecret}}

	mc.AppendResponse(mock.WithHTTPStatusCode(http.StatusServiceUnavailable), mock.WithBody(mock.GetErrorBody("temporarily_unavailable", "try later")))
	_, err := client.AcquireToken(ctx, req)
	var se tcerrors.ServerError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("TestThrottling: got %v, want a 503 ServerError", err)
	}

	calls := len(mc.Calls())
	_, err = client.AcquireToken(ctx, req)
	var te tcerrors.ThrottledError
	if !errors.As(err, &te) {
		t.Fatalf("TestThrottling: got %v, want ThrottledError", err)
	}
	if !errors.As(err, &se) {
		t.Errorf("TestThrottling: ThrottledError does not wrap the server error")
	}
	if len(mc.Calls()) != calls {
		t.Errorf("TestThrottling: throttled request reached the network")
	}

	// A different request is not throttled.
	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("other", "", "", "", 3600, "")))
	if _, err := client.AcquireToken(ctx, TokenRequest{Scopes: []string{"other"}, Grant: ClientCredentialGrant{Credential: testSecret}}); err != nil {
		t.Errorf("TestThrottling(other scopes): %s", err)
	}

	c.t = c.t.Add(6 * time.Second)
	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("app-token", "", "", "", 3600, "")))
	if _, err := client.AcquireToken(ctx, req); err != nil {
		t.Errorf("TestThrottling(after cooldown): %s", err)
	}
}

func TestThrottlingGrantMaterial(t *testing.T) {
	tests := []struct {
		desc         string
		stale, fresh Grant
	}{
		{
			desc:  "auth code",
			stale: AuthCodeGrant{Code: "used-code", RedirectURI: "http://localhost"},
			fresh: AuthCodeGrant{Code: "new-code", RedirectURI: "http://localhost"},
		},
		{
			desc:  "refresh token",
			stale: RefreshTokenGrant{RefreshToken: "revoked-rt"},
			fresh: RefreshTokenGrant{RefreshToken: "valid-rt"},
		},
		{
			desc:  "device code",
			stale: DeviceCodeGrant{DeviceCode: "expired-dc"},
			fresh: DeviceCodeGrant{DeviceCode: "new-dc"},
		},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			ctx := context.Background()
			mc := mock.NewClient()
			client := newTestClient(t, mc, cache.NewMemory(), &clock{t: testNow})
			scopes := []string{"User.Read"}

			mc.AppendResponse(mock.WithHTTPStatusCode(http.StatusBadRequest), mock.WithBody(mock.GetErrorBody("invalid_grant", "grant rejected")))
			if _, err := client.AcquireToken(ctx, TokenRequest{Scopes: scopes, Grant: test.stale}); err == nil {
				t.Fatal("rejected grant: got err == nil")
			}

			calls := len(mc.Calls())
			_, err := client.AcquireToken(ctx, TokenRequest{Scopes: scopes, Grant: test.stale})
			var te tcerrors.ThrottledError
			if !errors.As(err, &te) {
				t.Fatalf("same grant again: got %v, want ThrottledError", err)
			}
			if len(mc.Calls()) != calls {
				t.Errorf("same grant again: throttled request reached the network")
			}

			mc.AppendResponse(mock.WithBody(userTokenBody("at", "rt", "User.Read", testNow)))
			ar, err := client.AcquireToken(ctx, TokenRequest{Scopes: scopes, Grant: test.fresh})
			if err != nil {
				t.Fatalf("different grant: got err == %s, want err == nil", err)
			}
			if ar.AccessToken != "at" || ar.FromCache {
				t.Errorf("different grant: got access token %q (from cache %v), want a fresh token", ar.AccessToken, ar.FromCache)
			}
			if len(mc.Calls()) != calls+1 {
				t.Errorf("different grant: got %d network calls, want 1", len(mc.Calls())-calls)
			}
		})
	}
}

func TestCancelledNotThrottled(t *testing.T) {
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client := newTestClient(t, mc, cache.NewMemory(), c)
	req := TokenRequest{Scopes: []string{"s"}, Grant: ClientCredentialGrant{Credential: testSecret}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.AcquireToken(ctx, req)
	var ce tcerrors.CancelledError
	if !errors.As(err, &ce) {
		t.Fatalf("TestCancelledNotThrottled: got %v, want CancelledError", err)
	}

	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("app-token", "", "", "", 3600, "")))
	if _, err := client.AcquireToken(context.Background(), req); err != nil {
		t.Errorf("TestCancelledNotThrottled: request after cancellation failed: %s", err)
	}
}

func TestAcquireTokenSilent(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client := newTestClient(t, mc, cache.NewMemory(), c)
	scopes := []string{"User.Read"}

	mc.AppendResponse(
		mock.WithBody(userTokenBody("at-1", "rt-1", "User.Read", testNow)),
		mock.WithCallback(func(u string, r network.Request) {
			qv := formBody(t, r)
			if qv.Get("code") != "code" || qv.Get("code_verifier") != "verifier" || qv.Get("redirect_uri") != "http://localhost" {
				t.Errorf("TestAcquireTokenSilent: unexpected auth code body %v", qv)
			}
		}),
	)
	first, err := client.AcquireToken(ctx, TokenRequest{
		Scopes: scopes,
		Grant:  AuthCodeGrant{Code: "code", CodeVerifier: "verifier", RedirectURI: "http://localhost"},
	})
	if err != nil {
		t.Fatal(err)
	}

	silent, err := client.AcquireTokenSilent(ctx, SilentRequest{Scopes: scopes, Account: first.Account})
	if err != nil {
		t.Fatal(err)
	}
	if !silent.FromCache || silent.AccessToken != "at-1" {
		t.Errorf("TestAcquireTokenSilent(cached): got FromCache=%v token %q", silent.FromCache, silent.AccessToken)
	}

	c.t = testNow.Add(2 * time.Hour)
	mc.AppendResponse(
		mock.WithBody(userTokenBody("at-2", "rt-2", "User.Read", c.t)),
		mock.WithCallback(func(u string, r network.Request) {
			qv := formBody(t, r)
			if qv.Get("grant_type") != "refresh_token" || qv.Get("refresh_token") != "rt-1" {
				t.Errorf("TestAcquireTokenSilent(refresh): unexpected body %v", qv)
			}
		}),
	)
	refreshed, err := client.AcquireTokenSilent(ctx, SilentRequest{Scopes: scopes, Account: first.Account})
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.FromCache || refreshed.AccessToken != "at-2" {
		t.Errorf("TestAcquireTokenSilent(refresh): got FromCache=%v token %q", refreshed.FromCache, refreshed.AccessToken)
	}

	stranger := first.Account
	stranger.HomeAccountID = "someone.else"
	_, err = client.AcquireTokenSilent(ctx, SilentRequest{Scopes: scopes, Account: stranger})
	var ir tcerrors.InteractionRequiredError
	if !errors.As(err, &ir) || ir.Code != tcerrors.CodeNoTokensFound {
		t.Errorf("TestAcquireTokenSilent(unknown account): got %v, want no_tokens_found", err)
	}
}

type failingStorage struct {
	*cache.Memory
}

func (failingStorage) SetItem(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestCacheWriteError(t *testing.T) {
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client := newTestClient(t, mc, failingStorage{cache.NewMemory()}, c)

	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("app-token", "", "", "", 3600, "")))
	ar, err := client.AcquireToken(context.Background(), TokenRequest{Scopes: []string{"s"}, Grant: ClientCredentialGrant{Credential: testSecret}})
	if err != nil {
		t.Fatalf("TestCacheWriteError: a cache failure failed the call: %s", err)
	}
	if ar.AccessToken != "app-token" {
		t.Errorf("TestCacheWriteError: token %q, want app-token", ar.AccessToken)
	}
	var cse tcerrors.CacheStorageError
	if !errors.As(ar.CacheWriteError, &cse) {
		t.Errorf("TestCacheWriteError: CacheWriteError = %v, want CacheStorageError", ar.CacheWriteError)
	}
}

func TestIDTokenValidation(t *testing.T) {
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client := newTestClient(t, mc, cache.NewMemory(), c)

	idToken := mock.GetIDToken("another-client", testTenant, testIssuer, "oid", "user", testNow)
	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("at", idToken, "rt", mock.GetClientInfo(testUID, testTenant), 3600, "")))
	_, err := client.AcquireToken(context.Background(), TokenRequest{
		Scopes: []string{"User.Read"},
		Grant:  AuthCodeGrant{Code: "code", RedirectURI: "http://localhost"},
	})
	var tv tcerrors.TokenValidationError
	if !errors.As(err, &tv) {
		t.Errorf("TestIDTokenValidation: got %v, want TokenValidationError", err)
	}
	accounts, err := client.Accounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 0 {
		t.Errorf("TestIDTokenValidation: rejected response was cached")
	}
}

func TestDeviceCodePolling(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client := newTestClient(t, mc, cache.NewMemory(), c)
	var waits []time.Duration
	client.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	mc.AppendResponse(
		mock.WithBody([]byte(`{"device_code":"dc","user_code":"UC","verification_uri":"https://login.example/device","expires_in":900,"interval":5,"message":"sign in"}`)),
		mock.WithCallback(func(u string, r network.Request) {
			if u != testEndpoints.DeviceCodeEndpoint {
				t.Errorf("TestDeviceCodePolling: device code requested from %q", u)
			}
		}),
	)
	req := TokenRequest{Scopes: []string{"User.Read"}}
	dc, err := client.DeviceCode(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if dc.UserCode != "UC" || dc.Interval != 5 || !dc.ExpiresOn.Equal(testNow.Add(900*time.Second)) {
		t.Errorf("TestDeviceCodePolling: unexpected device code %+v", dc)
	}

	mc.AppendResponse(mock.WithHTTPStatusCode(http.StatusBadRequest), mock.WithBody(mock.GetErrorBody("authorization_pending", "")))
	mc.AppendResponse(mock.WithHTTPStatusCode(http.StatusBadRequest), mock.WithBody(mock.GetErrorBody("slow_down", "")))
	mc.AppendResponse(
		mock.WithBody(userTokenBody("at", "rt", "User.Read", testNow)),
		mock.WithCallback(func(u string, r network.Request) {
			qv := formBody(t, r)
			if qv.Get("device_code") != "dc" || qv.Get("grant_type") != "urn:ietf:params:oauth:grant-type:device_code" {
				t.Errorf("TestDeviceCodePolling: unexpected body %v", qv)
			}
		}),
	)
	ar, err := client.PollDeviceCode(ctx, dc, req)
	if err != nil {
		t.Fatal(err)
	}
	if ar.AccessToken != "at" {
		t.Errorf("TestDeviceCodePolling: token %q, want at", ar.AccessToken)
	}
	if diff := pretty.Compare([]time.Duration{5 * time.Second, 10 * time.Second}, waits); diff != "" {
		t.Errorf("TestDeviceCodePolling: waits -want/+got:\n%s", diff)
	}

	c.t = dc.ExpiresOn
	_, err = client.PollDeviceCode(ctx, dc, req)
	var ir tcerrors.InteractionRequiredError
	if !errors.As(err, &ir) || ir.Code != "expired_token" {
		t.Errorf("TestDeviceCodePolling(expired): got %v, want expired_token", err)
	}

	c.t = testNow
	mc.AppendResponse(mock.WithHTTPStatusCode(http.StatusBadRequest), mock.WithBody(mock.GetErrorBody("access_denied", "")))
	if _, err := client.PollDeviceCode(ctx, dc, req); err == nil {
		t.Errorf("TestDeviceCodePolling(denied): got err == nil")
	}
}

func TestAuthCodeURL(t *testing.T) {
	client := newTestClient(t, mock.NewClient(), cache.NewMemory(), &clock{t: testNow}, WithClientCapabilities([]string{"CP1"}))
	got, err := client.AuthCodeURL(context.Background(), AuthCodeURLRequest{
		Scopes:              []string{"User.Read", "openid"},
		RedirectURI:         "http://localhost:8080",
		State:               "state",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: cryptoprovider.ChallengeMethod,
	})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme+"://"+u.Host+u.Path != testEndpoints.AuthorizationEndpoint {
		t.Errorf("TestAuthCodeURL: endpoint %q", got)
	}
	want := url.Values{
		"client_id":             {testClientID},
		"response_type":         {"code"},
		"redirect_uri":          {"http://localhost:8080"},
		"scope":                 {"User.Read openid profile offline_access"},
		"client_info":           {"1"},
		"state":                 {"state"},
		"code_challenge":        {"challenge"},
		"code_challenge_method": {"S256"},
		"claims":                {`{"access_token":{"xms_cc":{"values":["CP1"]}}}`},
	}
	if diff := pretty.Compare(want, u.Query()); diff != "" {
		t.Errorf("TestAuthCodeURL: -want/+got:\n%s", diff)
	}
}

func TestProofOfPossession(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	client := newTestClient(t, mc, cache.NewMemory(), &clock{t: testNow})
	req := TokenRequest{
		Scopes: []string{"s"},
		Grant:  ClientCredentialGrant{Credential: testSecret},
		PoP:    &PoPRequest{Method: "get", URL: "https://api.example/items?id=1"},
	}

	mc.AppendResponse(
		mock.WithBody([]byte(`{"access_token":"pop-token","token_type":"pop","expires_in":3600}`)),
		mock.WithCallback(func(u string, r network.Request) {
			qv := formBody(t, r)
			if qv.Get("token_type") != "pop" || qv.Get("req_cnf") == "" {
				t.Errorf("TestProofOfPossession: unexpected body %v", qv)
			}
		}),
	)
	for i, wantCache := range []bool{false, true} {
		ar, err := client.AcquireToken(ctx, req)
		if err != nil {
			t.Fatalf("TestProofOfPossession(%d): %s", i, err)
		}
		if ar.FromCache != wantCache || ar.TokenType != "pop" {
			t.Errorf("TestProofOfPossession(%d): got FromCache=%v type %q", i, ar.FromCache, ar.TokenType)
		}
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(ar.AccessToken, claims); err != nil {
			t.Fatalf("TestProofOfPossession(%d): access token is not a signed request: %s", i, err)
		}
		if claims["at"] != "pop-token" || claims["m"] != "GET" || claims["u"] != "api.example" || claims["p"] != "/items" {
			t.Errorf("TestProofOfPossession(%d): unexpected claims %v", i, claims)
		}
	}

	// A bearer request never receives the PoP token.
	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("bearer", "", "", "", 3600, "")))
	ar, err := client.AcquireToken(ctx, TokenRequest{Scopes: []string{"s"}, Grant: ClientCredentialGrant{Credential: testSecret}})
	if err != nil {
		t.Fatal(err)
	}
	if ar.FromCache || ar.AccessToken != "bearer" {
		t.Errorf("TestProofOfPossession(bearer): got FromCache=%v token %q", ar.FromCache, ar.AccessToken)
	}
}

func TestDiscoveryThroughNetwork(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	c := &clock{t: testNow}
	client, err := New(testClientID, testAuthority, Config{Crypto: cryptoprovider.NewDefault(), Storage: cache.NewMemory(), Network: mc}, WithClock(c.now))
	if err != nil {
		t.Fatal(err)
	}
	mc.AppendResponse(mock.WithBody(mock.GetInstanceDiscoveryBody(testHost, testTenant)))
	mc.AppendResponse(mock.WithBody(mock.GetTenantDiscoveryBody(testHost, testTenant)))
	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("app-token", "", "", "", 3600, "")))

	req := TokenRequest{Scopes: []string{"s"}, Grant: ClientCredentialGrant{Credential: testSecret}}
	if _, err := client.AcquireToken(ctx, req); err != nil {
		t.Fatal(err)
	}
	calls := mc.Calls()
	if len(calls) != 3 {
		t.Fatalf("TestDiscoveryThroughNetwork: got %d calls, want 3", len(calls))
	}
	if !strings.Contains(calls[0].URL, "/common/discovery/instance") || !strings.HasSuffix(calls[1].URL, "/v2.0/.well-known/openid-configuration") {
		t.Errorf("TestDiscoveryThroughNetwork: unexpected discovery calls %q, %q", calls[0].URL, calls[1].URL)
	}

	mc.AppendResponse(mock.WithBody(mock.GetAccessTokenBody("app-token-2", "", "", "", 3600, "")))
	req.SkipCache = true
	if _, err := client.AcquireToken(ctx, req); err != nil {
		t.Fatal(err)
	}
	if n := len(mc.Calls()); n != 4 {
		t.Errorf("TestDiscoveryThroughNetwork: got %d calls after a second request, want 4", n)
	}
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	mc := mock.NewClient()
	client := newTestClient(t, mc, cache.NewMemory(), &clock{t: testNow})

	mc.AppendResponse(mock.WithBody(userTokenBody("at", "rt", "User.Read", testNow)))
	ar, err := client.AcquireToken(ctx, TokenRequest{Scopes: []string{"User.Read"}, Grant: AuthCodeGrant{Code: "code"}})
	if err != nil {
		t.Fatal(err)
	}
	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]shared.Account{ar.Account}, accounts); diff != "" {
		t.Errorf("TestAccounts: -want/+got:\n%s", diff)
	}
	if ar.Account.PreferredUsername != "user@example.com" || ar.Account.Realm != testTenant || ar.Account.Environment != testHost {
		t.Errorf("TestAccounts: unexpected account %+v", ar.Account)
	}

	if err := client.RemoveAccount(ctx, ar.Account); err != nil {
		t.Fatal(err)
	}
	accounts, err = client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 0 {
		t.Errorf("TestAccounts: account still present after RemoveAccount")
	}
	_, err = client.AcquireTokenSilent(ctx, SilentRequest{Scopes: []string{"User.Read"}, Account: ar.Account})
	if tcerrors.Code(err) != tcerrors.CodeNoTokensFound {
		t.Errorf("TestAccounts: silent after removal got %v, want no_tokens_found", err)
	}
}
