// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package mock provides a network capability that replays canned responses, and
// helpers that build the bodies an authority returns.
package mock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tokencore/tokencore-go/apps/network"
)

type response struct {
	body     []byte
	callback func(url string, req network.Request)
	code     int
	headers  http.Header
	err      error
}

type responseOption interface {
	apply(*response)
}

type respOpt func(*response)

func (fn respOpt) apply(r *response) {
	fn(r)
}

// WithBody sets the HTTP response's body to the specified value.
func WithBody(b []byte) responseOption {
	return respOpt(func(r *response) {
		r.body = b
	})
}

// WithCallback sets a callback to invoke before returning the response.
func WithCallback(callback func(url string, req network.Request)) responseOption {
	return respOpt(func(r *response) {
		r.callback = callback
	})
}

// WithHTTPHeader sets the HTTP headers of the response to the specified value.
func WithHTTPHeader(header http.Header) responseOption {
	return respOpt(func(r *response) {
		r.headers = header
	})
}

// WithHTTPStatusCode sets the HTTP statusCode of response to the specified value.
func WithHTTPStatusCode(statusCode int) responseOption {
	return respOpt(func(r *response) {
		r.code = statusCode
	})
}

// WithError makes the call fail as if no response was received.
func WithError(err error) responseOption {
	return respOpt(func(r *response) {
		r.err = err
	})
}

// Call is one request the Client received.
type Call struct {
	URL     string
	Request network.Request
}

// Client is a mock network capability that returns a sequence of responses. Use
// AppendResponse to specify the sequence. It is safe for concurrent use.
type Client struct {
	mu    sync.Mutex
	resp  []response
	calls []Call
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) AppendResponse(opts ...responseOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := response{code: http.StatusOK, headers: http.Header{}}
	for _, o := range opts {
		o.apply(&r)
	}
	c.resp = append(c.resp, r)
}

// SendRequest implements network.Client.
func (c *Client) SendRequest(ctx context.Context, url string, req network.Request) (network.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{URL: url, Request: req})
	if err := ctx.Err(); err != nil {
		return network.Response{}, err
	}
	if len(c.resp) == 0 {
		return network.Response{}, fmt.Errorf("no response for %q", url)
	}
	resp := c.resp[0]
	c.resp = c.resp[1:]
	if resp.callback != nil {
		resp.callback(url, req)
	}
	if resp.err != nil {
		return network.Response{}, resp.err
	}
	return network.Response{StatusCode: resp.code, Header: resp.headers, Body: resp.body}, nil
}

// Calls returns the requests received so far.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Pending is the number of responses not yet returned.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resp)
}

// GetAccessTokenBody returns a token endpoint response. Empty arguments are omitted.
func GetAccessTokenBody(accessToken, idToken, refreshToken, clientInfo string, expiresIn int, scope string) []byte {
	body := map[string]any{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "Bearer",
	}
	optional := map[string]string{
		"id_token":      idToken,
		"refresh_token": refreshToken,
		"client_info":   clientInfo,
		"scope":         scope,
	}
	for k, v := range optional {
		if v != "" {
			body[k] = v
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return b
}

// GetErrorBody returns an OAuth error response.
func GetErrorBody(code, description string) []byte {
	return []byte(fmt.Sprintf(`{"error": %q, "error_description": %q, "correlation_id": "corr"}`, code, description))
}

// GetIDToken returns an HS256 signed id token for clientID issued by issuer at now.
func GetIDToken(clientID, tenant, issuer, oid, username string, now time.Time) string {
	return GetIDTokenWithNonce(clientID, tenant, issuer, oid, username, "", now)
}

// GetIDTokenWithNonce is GetIDToken with a nonce claim. An empty nonce is omitted.
func GetIDTokenWithNonce(clientID, tenant, issuer, oid, username, nonce string, now time.Time) string {
	claims := jwt.MapClaims{
		"aud":                clientID,
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"iss":                issuer,
		"tid":                tenant,
		"oid":                oid,
		"sub":                oid,
		"preferred_username": username,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("mock"))
	if err != nil {
		panic(err)
	}
	return s
}

// GetClientInfo returns the client_info value for uid and utid.
func GetClientInfo(uid, utid string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"uid":%q,"utid":%q}`, uid, utid)))
}

func GetInstanceDiscoveryBody(host, tenant string) []byte {
	authority := fmt.Sprintf("https://%s/%s", host, tenant)
	body := fmt.Sprintf(`{"tenant_discovery_endpoint": "%s/v2.0/.well-known/openid-configuration","api-version": "1.1","metadata": [{"preferred_network": "%s","preferred_cache": "%s","aliases": ["%s"]}]}`,
		authority, host, host, host,
	)
	return []byte(body)
}

func GetTenantDiscoveryBody(host, tenant string) []byte {
	authority := fmt.Sprintf("https://%s/%s", host, tenant)
	content := strings.ReplaceAll(`{"token_endpoint": "{authority}/oauth2/v2.0/token",
		"token_endpoint_auth_methods_supported": [
			"client_secret_post",
			"private_key_jwt"
		],
		"jwks_uri": "{authority}/discovery/v2.0/keys",
		"response_types_supported": [
			"code",
			"id_token"
		],
		"scopes_supported": [
			"openid",
			"profile",
			"offline_access"
		],
		"issuer": "{authority}/v2.0",
		"authorization_endpoint": "{authority}/oauth2/v2.0/authorize",
		"device_authorization_endpoint": "{authority}/oauth2/v2.0/devicecode",
		"end_session_endpoint": "{authority}/oauth2/v2.0/logout"
	}`, "{authority}", authority)
	return []byte(content)
}

// Authority is a network capability that acts as the token service of one tenant. It
// answers tenant discovery and issues a fresh token for every token request, so it can
// serve any number of requests. It is safe for concurrent use.
type Authority struct {
	host, tenant, clientID string
	issued                 atomic.Int64
}

func NewAuthority(host, tenant, clientID string) *Authority {
	return &Authority{host: host, tenant: tenant, clientID: clientID}
}

// Issued is the number of tokens issued so far.
func (a *Authority) Issued() int64 {
	return a.issued.Load()
}

// SendRequest implements network.Client. User tokens are issued to the account named by
// the on-behalf-of assertion, or to "uid" for other grants.
func (a *Authority) SendRequest(ctx context.Context, u string, req network.Request) (network.Response, error) {
	if err := ctx.Err(); err != nil {
		return network.Response{}, err
	}
	base := fmt.Sprintf("https://%s/%s", a.host, a.tenant)
	switch u {
	case base + "/v2.0/.well-known/openid-configuration":
		return a.ok(GetTenantDiscoveryBody(a.host, a.tenant)), nil
	case base + "/oauth2/v2.0/token":
	default:
		return network.Response{StatusCode: http.StatusNotFound, Header: http.Header{}}, nil
	}

	form, err := neturl.ParseQuery(req.Body)
	if err != nil {
		return network.Response{}, err
	}
	var scopes []string
	for _, s := range strings.Fields(form.Get("scope")) {
		switch strings.ToLower(s) {
		case "openid", "profile", "offline_access":
			continue
		}
		scopes = append(scopes, s)
	}
	n := a.issued.Add(1)
	at := fmt.Sprintf("at-%d", n)
	if form.Get("grant_type") == "client_credentials" {
		return a.ok(GetAccessTokenBody(at, "", "", "", 3600, strings.Join(scopes, " "))), nil
	}
	uid := "uid"
	if assertion := form.Get("assertion"); assertion != "" {
		uid = assertion
	}
	idToken := GetIDToken(a.clientID, a.tenant, base+"/v2.0", uid, uid+"@example.com", time.Now())
	body := GetAccessTokenBody(at, idToken, fmt.Sprintf("rt-%d", n), GetClientInfo(uid, a.tenant), 3600, strings.Join(scopes, " "))
	return a.ok(body), nil
}

func (a *Authority) ok(body []byte) network.Response {
	return network.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}
}
