// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package accesstokens exposes a REST client for querying backend systems to get various types of
access tokens (oauth) for use in authentication.

These calls are of type "application/x-www-form-urlencoded".  This means we use url.Values to
represent arguments and then encode them into the POST body message.  We receive JSON in
return for the requests.  The request definition is defined in https://tools.ietf.org/html/rfc7521#section-4.2 .
*/
package accesstokens

import (
	"context"
	"crypto"
	"crypto/rsa"

	/* #nosec */
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/internal/version"
)

const (
	grantType     = "grant_type"
	clientID      = "client_id"
	clientInfo    = "client_info"
	clientInfoVal = "1"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// assertionLifetime is how long a signed client assertion is valid for.
	assertionLifetime = 10 * time.Minute
	// assertionRenewal is how long before expiry a cached assertion is replaced.
	assertionRenewal = time.Minute
)

type urlFormCaller interface {
	URLFormCall(ctx context.Context, endpoint string, qv url.Values, resp interface{}) error
}

// AssertionRequestOptions has information required to generate a client assertion
type AssertionRequestOptions struct {
	// ClientID identifies the application for which an assertion is requested. Used as the assertion's "iss" and "sub" claims.
	ClientID string

	// TokenEndpoint is the intended token endpoint. Used as the assertion's "aud" claim.
	TokenEndpoint string
}

// Credential represents the credential used in confidential client flows. This can be either
// a Secret, a Cert/Key pair or an assertion callback.
type Credential struct {
	// Secret contains the credential secret if we are doing auth by secret.
	Secret string

	// Cert is the public x509 certificate if we are doing any auth other than secret.
	Cert *x509.Certificate
	// Key is the private key for signing if we are doing any auth other than secret.
	Key crypto.PrivateKey
	// X5c is the JWT assertion's x5c header value, required for SN/I authentication.
	X5c []string

	// AssertionCallback is a function provided by the application, if we're authenticating by assertion.
	AssertionCallback func(context.Context, AssertionRequestOptions) (string, error)

	// mu protects everything below.
	mu sync.Mutex
	// Assertion is the JWT assertion if we have retrieved it. Public to allow faking in tests.
	Assertion string
	// Expires is when the Assertion expires. Public to allow faking in tests.
	Expires time.Time
}

// Apply sets the client authentication parameters of qv.
func (c *Credential) Apply(ctx context.Context, params authority.AuthParams, qv url.Values, now time.Time) error {
	if c.Secret != "" {
		qv.Set("client_secret", c.Secret)
		return nil
	}
	if c.AssertionCallback != nil {
		assertion, err := c.AssertionCallback(ctx, AssertionRequestOptions{ClientID: params.ClientID, TokenEndpoint: params.Endpoints.TokenEndpoint})
		if err != nil {
			return err
		}
		qv.Set("client_assertion", assertion)
		qv.Set("client_assertion_type", clientAssertionType)
		return nil
	}
	if c.Cert == nil || c.Key == nil {
		return errors.InvalidConfiguration("credential has neither a secret, a certificate nor an assertion callback")
	}
	assertion, err := c.jwt(params, now)
	if err != nil {
		return err
	}
	qv.Set("client_assertion", assertion)
	qv.Set("client_assertion_type", clientAssertionType)
	return nil
}

// jwt gets the certificate-signed assertion, reusing the last one until a minute before it expires.
func (c *Credential) jwt(params authority.AuthParams, now time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Assertion != "" && now.Before(c.Expires.Add(-assertionRenewal)) {
		return c.Assertion, nil
	}
	if _, ok := c.Key.(*rsa.PrivateKey); !ok {
		return "", errors.InvalidConfiguration("certificate credential requires an RSA private key, got %T", c.Key)
	}
	expires := now.Add(assertionLifetime)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": params.Endpoints.TokenEndpoint,
		"exp": expires.Unix(),
		"iat": now.Unix(),
		"iss": params.ClientID,
		"jti": uuid.New().String(),
		"nbf": now.Unix(),
		"sub": params.ClientID,
	})
	token.Header["x5t"] = base64.RawURLEncoding.EncodeToString(thumbprint(c.Cert))
	if len(c.X5c) > 0 {
		token.Header["x5c"] = c.X5c
	}

	assertion, err := token.SignedString(c.Key)
	if err != nil {
		return "", fmt.Errorf("unable to sign a JWT token using private key: %w", err)
	}
	c.Assertion = assertion
	c.Expires = expires
	return assertion, nil
}

// thumbprint runs the asn1.Der bytes through sha1 for use in the x5t parameter of JWT.
// https://tools.ietf.org/html/rfc7517#section-4.8
func thumbprint(cert *x509.Certificate) []byte {
	/* #nosec */
	a := sha1.Sum(cert.Raw)
	return a[:]
}

// Client represents the REST calls to get tokens from token generator backends.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm urlFormCaller

	// Now is the clock token lifetimes are computed against. Defaults to time.Now.
	Now func() time.Time
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// FromClientCredentials redeems the application's own credential.
func (c Client) FromClientCredentials(ctx context.Context, params authority.AuthParams, cred *Credential) (TokenResponse, error) {
	qv := url.Values{}
	return c.doTokenResp(ctx, params, cred, qv)
}

// FromOnBehalfOf exchanges the user assertion in params for a token to a downstream API.
func (c Client) FromOnBehalfOf(ctx context.Context, params authority.AuthParams, cred *Credential) (TokenResponse, error) {
	qv := url.Values{}
	qv.Set("assertion", params.UserAssertion)
	qv.Set("requested_token_use", "on_behalf_of")
	return c.doTokenResp(ctx, params, cred, qv)
}

// FromRefreshToken redeems refreshToken. cred is nil for public clients.
func (c Client) FromRefreshToken(ctx context.Context, params authority.AuthParams, cred *Credential, refreshToken string) (TokenResponse, error) {
	qv := url.Values{}
	qv.Set("refresh_token", refreshToken)
	return c.doTokenResp(ctx, params, cred, qv)
}

// AuthCodeRequest stores the values required to request a token from the authority using an authorization code
type AuthCodeRequest struct {
	AuthParams authority.AuthParams
	Code       string
	// CodeVerifier is the PKCE verifier matching the challenge sent to the authorize endpoint.
	CodeVerifier string
	// Credential is nil for public clients.
	Credential *Credential
}

// FromAuthCode redeems an authorization code.
func (c Client) FromAuthCode(ctx context.Context, req AuthCodeRequest) (TokenResponse, error) {
	qv := url.Values{}
	qv.Set("code", req.Code)
	if req.CodeVerifier != "" {
		qv.Set("code_verifier", req.CodeVerifier)
	}
	qv.Set("redirect_uri", req.AuthParams.Redirecturi)
	return c.doTokenResp(ctx, req.AuthParams, req.Credential, qv)
}

// FromDeviceCode polls the token endpoint once for the outcome of a device code flow.
func (c Client) FromDeviceCode(ctx context.Context, params authority.AuthParams, deviceCode string) (TokenResponse, error) {
	qv := url.Values{}
	qv.Set("device_code", deviceCode)
	return c.doTokenResp(ctx, params, nil, qv)
}

// DeviceCode starts a device code flow.
func (c Client) DeviceCode(ctx context.Context, params authority.AuthParams) (DeviceCodeResult, error) {
	qv := url.Values{}
	qv.Set(clientID, params.ClientID)
	addScopeQueryParam(qv, params, true)
	addTelemetry(qv, params)

	endpoint := params.Endpoints.DeviceCodeEndpoint
	if endpoint == "" {
		endpoint = strings.Replace(params.Endpoints.TokenEndpoint, "/token", "/devicecode", 1)
	}
	resp := DeviceCodeResponse{}
	if err := c.Comm.URLFormCall(ctx, endpoint, qv, &resp); err != nil {
		return DeviceCodeResult{}, err
	}
	return resp.ToDeviceCodeResult(params.ClientID, params.Scopes, c.now()), nil
}

// doTokenResp adds the parameters every grant shares to qv and posts it to the token endpoint.
func (c Client) doTokenResp(ctx context.Context, params authority.AuthParams, cred *Credential, qv url.Values) (TokenResponse, error) {
	qv, err := TokenBody(ctx, params, cred, qv, c.now())
	if err != nil {
		return TokenResponse{}, err
	}
	tokenURL, err := TokenURL(params.Endpoints.TokenEndpoint, params.ExtraQueryParameters)
	if err != nil {
		return TokenResponse{}, err
	}
	resp := TokenResponseJSONPayload{}
	if err := c.Comm.URLFormCall(ctx, tokenURL, qv, &resp); err != nil {
		return TokenResponse{}, err
	}
	return NewTokenResponse(params, resp, c.now())
}

// TokenBody completes the form body of a token request: grant type, client id, scopes,
// client_info, telemetry, claims, proof-of-possession and client credential.
func TokenBody(ctx context.Context, params authority.AuthParams, cred *Credential, qv url.Values, now time.Time) (url.Values, error) {
	if qv == nil {
		qv = url.Values{}
	}
	userFlow := params.AuthorizationType != authority.ATClientCredentials

	qv.Set(grantType, params.AuthorizationType.String())
	qv.Set(clientID, params.ClientID)
	addScopeQueryParam(qv, params, userFlow)
	if userFlow {
		qv.Set(clientInfo, clientInfoVal)
	}
	addTelemetry(qv, params)

	claims, err := params.MergeCapabilitiesAndClaims()
	if err != nil {
		return nil, err
	}
	if claims != "" {
		qv.Set("claims", claims)
	}
	if params.TokenType == authority.TokenTypePoP {
		qv.Set("token_type", authority.TokenTypePoP)
		qv.Set("req_cnf", params.ReqCnf)
	}
	if cred != nil {
		if err := cred.Apply(ctx, params, qv, now); err != nil {
			return nil, err
		}
	}
	return qv, nil
}

// TokenURL appends extra to endpoint's query. Parameters with an empty value are dropped.
func TokenURL(endpoint string, extra map[string]string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("could not parse token endpoint(%s): %w", endpoint, err)
	}
	if len(extra) == 0 {
		return endpoint, nil
	}
	q := u.Query()
	added := false
	for k, v := range extra {
		if k == "" || v == "" {
			continue
		}
		q.Set(k, v)
		added = true
	}
	if !added {
		return endpoint, nil
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func addTelemetry(qv url.Values, params authority.AuthParams) {
	if params.CorrelationID != "" {
		qv.Set("client-request-id", params.CorrelationID)
	}
	qv.Set("x-client-SKU", version.SKU)
	qv.Set("x-client-VER", version.Version)
	qv.Set("x-client-OS", runtime.GOOS)
	qv.Set("x-client-CPU", runtime.GOARCH)
	if params.AppName != "" {
		qv.Set("x-app-name", params.AppName)
	}
	if params.AppVersion != "" {
		qv.Set("x-app-ver", params.AppVersion)
	}
	qv.Set("x-ms-lib-capability", "retry-after, h429")
}

// openid required to get an id token
// offline_access required to get a refresh token
// profile required to get the client_info field back
var oidcScopes = map[string]bool{
	"openid":         true,
	"offline_access": true,
	"profile":        true,
}

var defaultScopes = []string{"openid", "profile", "offline_access"}

// IsOIDCScope reports whether scope is added to every user request by the engine itself.
func IsOIDCScope(scope string) bool {
	return oidcScopes[strings.ToLower(scope)]
}

func addScopeQueryParam(queryParams url.Values, params authority.AuthParams, oidc bool) {
	scopes := make([]string, 0, len(params.Scopes)+len(defaultScopes))
	for _, scope := range params.Scopes {
		s := strings.TrimSpace(scope)
		if s == "" {
			continue
		}
		if oidc && oidcScopes[strings.ToLower(s)] {
			continue
		}
		scopes = append(scopes, s)
	}
	if oidc {
		scopes = append(scopes, defaultScopes...)
	}
	queryParams.Set("scope", strings.Join(scopes, " "))
}
