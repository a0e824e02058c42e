// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package base contains a "Base" client that is used by the external public.Client and confidential.Client.
// Base holds shared attributes that must be available to both clients and methods that act as
// shared calls: authority resolution, cache lookup, throttling, token redemption and cache writes.
package base

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tokencore/tokencore-go/apps/cryptoprovider"
	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/base/internal/storage"
	"github.com/tokencore/tokencore-go/apps/internal/logger"
	"github.com/tokencore/tokencore-go/apps/internal/oauth"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/internal/shared"
	"github.com/tokencore/tokencore-go/apps/internal/throttling"
)

const (
	// AuthorityPublicCloud is the default authority.
	AuthorityPublicCloud = "https://login.microsoftonline.com/common"
	scopeSeparator       = " "
)

// AuthResult contains the results of one token acquisition operation.
type AuthResult struct {
	Account        shared.Account
	IDToken        accesstokens.IDToken
	AccessToken    string
	ExpiresOn      time.Time
	ExtExpiresOn   time.Time
	GrantedScopes  []string
	DeclinedScopes []string
	TokenType      string
	CorrelationID  string
	// FromCache is true when no request was sent to the authority.
	FromCache bool
	// CacheWriteError is set when the token was acquired but could not be cached.
	CacheWriteError error
}

// PoPRequest binds a token to an HTTP request. The returned access token is a signed
// HTTP request for Method and URL.
type PoPRequest struct {
	Method string
	URL    string
}

// TokenRequest is one token acquisition.
type TokenRequest struct {
	Scopes []string
	Grant  Grant
	// Account selects the user for refresh token grants.
	Account shared.Account
	// AuthorityURI overrides the client's authority for this request.
	AuthorityURI string
	// TenantID overrides the tenant of the authority for this request.
	TenantID string
	// Claims is a claims challenge. Requests with claims always go to the authority.
	Claims               string
	Nonce                string
	CorrelationID        string
	ExtraQueryParameters map[string]string
	// SkipCache forces a request to the authority.
	SkipCache bool
	PoP       *PoPRequest
}

// Client is a base client that provides access to common methods and primitives that
// can be used by multiple clients. It is safe for concurrent use.
type Client struct {
	Token   *oauth.Client
	manager *storage.Manager

	AuthParams authority.AuthParams // DO NOT EVER MAKE THIS A POINTER! Every request copies it.

	crypto   cryptoprovider.Provider
	throttle *throttling.Guard
	log      *logger.Logger
	pop      *popKey

	now           func() time.Time
	wait          func(ctx context.Context, d time.Duration) error
	renewalOffset time.Duration

	// Set by options, consumed by New.
	slogger           *slog.Logger
	knownAuthorities  []string
	preloaded         map[string]authority.Endpoints
	instanceDiscovery bool
	genericAuthority  bool
	capabilities      []string
}

// New is the constructor for Base.
func New(clientID string, authorityURI string, cfg Config, options ...Option) (Client, error) {
	if strings.TrimSpace(clientID) == "" {
		return Client{}, errors.InvalidConfiguration("client id must not be empty")
	}
	cfg = cfg.withDefaults()

	client := Client{ // Note: Hey, don't even THINK about making Base into *Base.
		crypto:            cfg.Crypto,
		pop:               &popKey{},
		now:               time.Now,
		wait:              sleep,
		renewalOffset:     DefaultTokenRenewalOffset,
		slogger:           slog.Default(),
		instanceDiscovery: true,
	}
	for _, o := range options {
		o(&client)
	}
	client.log = logger.New(client.slogger)
	client.manager = storage.New(cfg.Storage, client.log)
	authInfo, err := client.authorityInfo(authorityURI, true)
	if err != nil {
		return Client{}, err
	}
	appName, appVersion := client.AuthParams.AppName, client.AuthParams.AppVersion
	client.AuthParams = authority.NewAuthParams(clientID, authInfo)
	client.AuthParams.AppName, client.AuthParams.AppVersion = appName, appVersion
	if err := validateRenewalOffset(client.renewalOffset); err != nil {
		return Client{}, err
	}
	client.AuthParams.Capabilities, err = authority.NewClientCapabilities(client.capabilities)
	if err != nil {
		return Client{}, err
	}

	hosts := make([]string, 0, len(client.knownAuthorities))
	for _, a := range client.knownAuthorities {
		if !strings.Contains(a, "://") {
			hosts = append(hosts, strings.ToLower(a))
			continue
		}
		info, err := client.authorityInfo(a, false)
		if err != nil {
			return Client{}, err
		}
		hosts = append(hosts, info.Host)
	}
	client.Token = oauth.New(cfg.Network,
		oauth.WithInstanceDiscovery(client.instanceDiscovery),
		oauth.WithKnownHosts(hosts...),
		oauth.WithClock(client.now),
	)
	for uri, endpoints := range client.preloaded {
		info, err := client.authorityInfo(uri, true)
		if err != nil {
			return Client{}, err
		}
		client.Token.Preload(info, endpoints)
	}
	client.throttle = throttling.New(client.now)
	return client, nil
}

// authorityInfo parses uri as the kind of authority the client was configured for.
func (b Client) authorityInfo(uri string, validate bool) (authority.Info, error) {
	if b.genericAuthority {
		return authority.NewInfoFromGenericAuthority(uri)
	}
	return authority.NewInfoFromAuthorityURI(uri, validate)
}

// Crypto is the crypto capability the client was built with.
func (b Client) Crypto() cryptoprovider.Provider {
	return b.crypto
}

// AcquireToken resolves the authority, returns a matching cached access token when the
// grant allows it, and otherwise redeems the grant at the authority and caches the result.
func (b Client) AcquireToken(ctx context.Context, req TokenRequest) (AuthResult, error) {
	if req.Grant == nil {
		return AuthResult{}, errors.InvalidConfiguration("token request has no grant")
	}
	params, err := b.authParams(req)
	if err != nil {
		return AuthResult{}, err
	}
	if err := b.resolve(ctx, &params); err != nil {
		return AuthResult{}, err
	}
	if err := req.Grant.prepare(ctx, b, &params); err != nil {
		return AuthResult{}, err
	}
	if req.PoP != nil {
		if err := b.preparePoP(ctx, &params, *req.PoP); err != nil {
			return AuthResult{}, err
		}
	}

	var (
		ar  AuthResult
		hit bool
	)
	if req.Grant.readsCache() && !req.SkipCache && strings.TrimSpace(params.Claims) == "" {
		ar, hit = b.fromCache(ctx, params, req)
	}
	if !hit {
		ar, err = b.fromNetwork(ctx, params, req)
		if err != nil {
			return AuthResult{}, err
		}
	}
	if req.PoP != nil {
		ar.AccessToken, err = b.signPoP(ctx, params, ar.AccessToken, *req.PoP)
		if err != nil {
			return AuthResult{}, err
		}
	}
	return ar, nil
}

func (b Client) authParams(req TokenRequest) (authority.AuthParams, error) {
	params := b.AuthParams // This is a copy, as we don't have a pointer receiver and .AuthParams is not a pointer.
	if req.AuthorityURI != "" {
		info, err := b.authorityInfo(req.AuthorityURI, params.AuthorityInfo.ValidateAuthority)
		if err != nil {
			return params, err
		}
		params.AuthorityInfo = info
	}
	params, err := params.WithTenant(req.TenantID)
	if err != nil {
		return params, err
	}

	scopes := make([]string, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 0 {
		return params, errors.InvalidConfiguration("at least one scope is required")
	}
	params.Scopes = scopes
	params.Claims = req.Claims
	params.Nonce = req.Nonce
	params.ExtraQueryParameters = req.ExtraQueryParameters
	params.HomeAccountID = req.Account.HomeAccountID
	params.AuthorizationType = req.Grant.authorizationType()
	params.CorrelationID = req.CorrelationID
	if params.CorrelationID == "" {
		params.CorrelationID = uuid.NewString()
	}
	return params, nil
}

func (b Client) resolve(ctx context.Context, params *authority.AuthParams) error {
	endpoints, err := b.Token.ResolveEndpoints(ctx, params.AuthorityInfo)
	if err != nil {
		b.log.Log(ctx, logger.Err, "authority resolution failed",
			logger.Field("authority", params.AuthorityInfo.CanonicalAuthorityURI),
			logger.Field("correlation_id", params.CorrelationID),
			logger.Field("error", err.Error()),
		)
		return err
	}
	params.Endpoints = *endpoints
	return nil
}

// environments are the hosts cached entries of params' authority may be stored under.
func environments(params authority.AuthParams) []string {
	if len(params.Endpoints.Aliases) > 0 {
		return params.Endpoints.Aliases
	}
	return []string{params.AuthorityInfo.Host}
}

// matchScopes drops the OIDC scopes, which cached access tokens are not matched on.
func matchScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if !accesstokens.IsOIDCScope(s) {
			out = append(out, s)
		}
	}
	return out
}

// fromCache returns the cached token for params. Storage failures are logged and
// reported as a miss.
func (b Client) fromCache(ctx context.Context, params authority.AuthParams, req TokenRequest) (AuthResult, bool) {
	envs := environments(params)
	filter := storage.AccessTokenFilter{
		HomeAccountID: params.HomeAccountID,
		Environments:  envs,
		ClientID:      params.ClientID,
		Scopes:        matchScopes(params.Scopes),
		TokenType:     params.TokenType,
		KeyID:         params.KeyID,
	}
	switch {
	case !params.AuthorityInfo.IsMultiTenant():
		filter.Realm = params.AuthorityInfo.Tenant
	case req.Account.Realm != "":
		filter.Realm = req.Account.Realm
	}
	req.Grant.cacheFilter(params, &filter)

	fields := []any{logger.Field("correlation_id", params.CorrelationID), logger.Field("grant", params.AuthorizationType.String())}

	ats, err := b.manager.AccessTokensByFilter(ctx, filter)
	if err != nil {
		b.log.Log(ctx, logger.Warn, "cache read failed, treating as a miss", append(fields, logger.Field("error", err.Error()))...)
		return AuthResult{}, false
	}
	at, ok := newest(ats)
	if !ok {
		b.log.Log(ctx, logger.Debug, "cache miss", fields...)
		return AuthResult{}, false
	}
	if err := at.Validate(b.now(), b.renewalOffset); err != nil {
		b.log.Log(ctx, logger.Debug, "cached access token needs renewal", fields...)
		return AuthResult{}, false
	}

	ar := AuthResult{
		AccessToken:   at.Secret,
		ExpiresOn:     at.ExpiresOn.T,
		ExtExpiresOn:  at.ExtendedExpiresOn.T,
		GrantedScopes: strings.Fields(at.Scopes),
		TokenType:     authority.TokenTypeBearer,
		CorrelationID: params.CorrelationID,
		FromCache:     true,
	}
	if at.TokenType != "" {
		ar.TokenType = at.TokenType
	}

	if at.HomeAccountID != "" {
		idt, found, err := b.manager.IDToken(ctx, storage.IDTokenFilter{
			HomeAccountID: at.HomeAccountID,
			Environments:  envs,
			ClientID:      params.ClientID,
			Realm:         at.Realm,
		})
		if err != nil {
			b.log.Log(ctx, logger.Warn, "cache read failed, treating as a miss", append(fields, logger.Field("error", err.Error()))...)
			return AuthResult{}, false
		}
		if found {
			if ar.IDToken, err = accesstokens.NewIDToken(idt.Secret); err != nil {
				b.log.Log(ctx, logger.Warn, "cached id token is malformed, treating as a miss", fields...)
				return AuthResult{}, false
			}
		}
		acc, found, err := b.manager.ReadAccountByAliases(ctx, at.HomeAccountID, envs, at.Realm)
		if err != nil {
			b.log.Log(ctx, logger.Warn, "cache read failed, treating as a miss", append(fields, logger.Field("error", err.Error()))...)
			return AuthResult{}, false
		}
		if found {
			ar.Account = acc
		}
	}
	b.log.Log(ctx, logger.Debug, "cache hit", fields...)
	return ar, true
}

// newest picks the most recently cached token; ties go to the greatest key.
func newest(ats []storage.AccessToken) (storage.AccessToken, bool) {
	if len(ats) == 0 {
		return storage.AccessToken{}, false
	}
	best := ats[0]
	for _, at := range ats[1:] {
		switch {
		case at.CachedAt.T.After(best.CachedAt.T):
			best = at
		case at.CachedAt.T.Equal(best.CachedAt.T) && at.Key() > best.Key():
			best = at
		}
	}
	return best, true
}

func throttleAccount(params authority.AuthParams) string {
	if params.UserAssertionHash != "" {
		return params.UserAssertionHash
	}
	return params.HomeAccountID
}

func (b Client) fromNetwork(ctx context.Context, params authority.AuthParams, req TokenRequest) (AuthResult, error) {
	var digest string
	if m := req.Grant.material(); m != "" {
		var err error
		if digest, err = b.assertionHash(ctx, m); err != nil {
			return AuthResult{}, err
		}
	}
	sig := throttling.Signature(
		params.ClientID,
		params.AuthorityInfo.CanonicalAuthorityURI,
		params.AuthorizationType.String(),
		params.SortedScopes(),
		throttleAccount(params),
		digest,
	)
	if err := b.throttle.Check(sig); err != nil {
		b.log.Log(ctx, logger.Warn, "request throttled after a recent failure",
			logger.Field("correlation_id", params.CorrelationID),
			logger.Field("error", err.Error()),
		)
		return AuthResult{}, err
	}

	tr, err := req.Grant.redeem(ctx, b, params)
	if err != nil {
		b.throttle.RecordFailure(sig, err, 0)
		b.log.Log(ctx, logger.Debug, "token request failed",
			logger.Field("correlation_id", params.CorrelationID),
			logger.Field("code", errors.Code(err)),
		)
		return AuthResult{}, err
	}
	b.throttle.Clear(sig)
	return b.AuthResultFromToken(ctx, params, tr)
}

// AuthResultFromToken validates a token response, caches it and converts it to an AuthResult.
// A cache write failure does not fail the call; it is reported in AuthResult.CacheWriteError.
func (b Client) AuthResultFromToken(ctx context.Context, params authority.AuthParams, tr accesstokens.TokenResponse) (AuthResult, error) {
	if tr.RawClientInfo != "" {
		if err := tr.DecodeClientInfo(b.crypto.Base64Decode); err != nil {
			return AuthResult{}, err
		}
	}
	if err := tr.IDToken.Validate(params.ClientID, params.Endpoints.Issuer, params.Nonce, b.now()); err != nil {
		return AuthResult{}, err
	}

	account, werr := b.manager.Write(ctx, params, tr)
	if werr != nil {
		b.log.Log(ctx, logger.Warn, "token acquired but not cached",
			logger.Field("correlation_id", params.CorrelationID),
			logger.Field("error", werr.Error()),
		)
	}
	return AuthResult{
		Account:         account,
		IDToken:         tr.IDToken,
		AccessToken:     tr.AccessToken,
		ExpiresOn:       tr.ExpiresOn,
		ExtExpiresOn:    tr.ExtExpiresOn,
		GrantedScopes:   tr.GrantedScopes,
		DeclinedScopes:  tr.DeclinedScopes,
		TokenType:       tr.TokenType,
		CorrelationID:   params.CorrelationID,
		CacheWriteError: werr,
	}, nil
}

// SilentRequest is a token request answered from the cache or the cached refresh token.
type SilentRequest struct {
	Scopes        []string
	Account       shared.Account
	AuthorityURI  string
	TenantID      string
	Claims        string
	CorrelationID string
	// ForceRefresh redeems the refresh token even when a valid access token is cached.
	ForceRefresh bool
	// Credential is nil for public clients.
	Credential *accesstokens.Credential
	PoP        *PoPRequest
}

// AcquireTokenSilent returns a cached access token for the account or refreshes it with
// the cached refresh token. Without a refresh token the error is an InteractionRequiredError.
func (b Client) AcquireTokenSilent(ctx context.Context, silent SilentRequest) (AuthResult, error) {
	if silent.Account.IsZero() {
		return AuthResult{}, errors.NoTokensFound("silent acquisition requires an account")
	}
	return b.AcquireToken(ctx, TokenRequest{
		Scopes:        silent.Scopes,
		Grant:         RefreshTokenGrant{Credential: silent.Credential},
		Account:       silent.Account,
		AuthorityURI:  silent.AuthorityURI,
		TenantID:      silent.TenantID,
		Claims:        silent.Claims,
		CorrelationID: silent.CorrelationID,
		SkipCache:     silent.ForceRefresh,
		PoP:           silent.PoP,
	})
}

// assertionHash is base64url(sha256(assertion)). It also digests grant material for
// throttling signatures.
func (b Client) assertionHash(ctx context.Context, assertion string) (string, error) {
	sum, err := b.crypto.SHA256Digest(ctx, []byte(assertion))
	if err != nil {
		return "", err
	}
	return b.crypto.Base64Encode(string(sum))
}

// AuthCodeURLRequest holds the parameters of an authorization request.
type AuthCodeURLRequest struct {
	Scopes              []string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Prompt              string
	LoginHint           string
	DomainHint          string
	Claims              string
	AuthorityURI        string
	TenantID            string
}

// AuthCodeURL creates a URL used to acquire an authorization code.
func (b Client) AuthCodeURL(ctx context.Context, r AuthCodeURLRequest) (string, error) {
	params, err := b.authParams(TokenRequest{
		Scopes:       r.Scopes,
		Grant:        AuthCodeGrant{},
		AuthorityURI: r.AuthorityURI,
		TenantID:     r.TenantID,
		Claims:       r.Claims,
	})
	if err != nil {
		return "", err
	}
	if err := b.resolve(ctx, &params); err != nil {
		return "", err
	}

	baseURL, err := url.Parse(params.Endpoints.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}
	v := baseURL.Query()
	v.Set("client_id", params.ClientID)
	v.Set("response_type", "code")
	v.Set("redirect_uri", r.RedirectURI)
	v.Set("scope", strings.Join(append(matchScopes(params.Scopes), "openid", "profile", "offline_access"), scopeSeparator))
	v.Set("client_info", "1")
	optional := map[string]string{
		"code_challenge":        r.CodeChallenge,
		"code_challenge_method": r.CodeChallengeMethod,
		"state":                 r.State,
		"nonce":                 r.Nonce,
		"prompt":                r.Prompt,
		"login_hint":            r.LoginHint,
		"domain_hint":           r.DomainHint,
	}
	for k, val := range optional {
		if val != "" {
			v.Set(k, val)
		}
	}
	claims, err := params.MergeCapabilitiesAndClaims()
	if err != nil {
		return "", err
	}
	if claims != "" {
		v.Set("claims", claims)
	}
	baseURL.RawQuery = v.Encode()
	return baseURL.String(), nil
}

// DeviceCode starts a device code flow for req's scopes.
func (b Client) DeviceCode(ctx context.Context, req TokenRequest) (accesstokens.DeviceCodeResult, error) {
	req.Grant = DeviceCodeGrant{}
	params, err := b.authParams(req)
	if err != nil {
		return accesstokens.DeviceCodeResult{}, err
	}
	if err := b.resolve(ctx, &params); err != nil {
		return accesstokens.DeviceCodeResult{}, err
	}
	return b.Token.DeviceCode(ctx, params)
}

// slowDownIncrement is added to the polling interval on every slow_down response.
const slowDownIncrement = 5 * time.Second

// PollDeviceCode polls the token endpoint until the user completes the device code flow,
// the code expires or ctx is done.
func (b Client) PollDeviceCode(ctx context.Context, dc accesstokens.DeviceCodeResult, req TokenRequest) (AuthResult, error) {
	interval := time.Duration(dc.Interval) * time.Second
	req.Grant = DeviceCodeGrant{DeviceCode: dc.DeviceCode}
	req.SkipCache = true
	for {
		if !dc.ExpiresOn.IsZero() && !b.now().Before(dc.ExpiresOn) {
			return AuthResult{}, errors.InteractionRequiredError{ServerError: errors.ServerError{
				Code:        "expired_token",
				Description: "the device code expired before the user signed in",
			}}
		}
		ar, err := b.AcquireToken(ctx, req)
		if err == nil {
			return ar, nil
		}
		var se errors.ServerError
		if !stderrors.As(err, &se) {
			return AuthResult{}, err
		}
		switch se.Code {
		case "authorization_pending":
		case "slow_down":
			interval += slowDownIncrement
		default:
			return AuthResult{}, err
		}
		if err := b.wait(ctx, interval); err != nil {
			return AuthResult{}, errors.CancelledError{Err: err}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Accounts returns every account in the cache.
func (b Client) Accounts(ctx context.Context) ([]shared.Account, error) {
	return b.manager.Accounts(ctx)
}

// RemoveAccount removes the account and every credential cached for it.
func (b Client) RemoveAccount(ctx context.Context, account shared.Account) error {
	return b.manager.RemoveAccount(ctx, account)
}
