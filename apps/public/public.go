// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package public provides a client for authentication of "public" applications. A "public"
application is defined as an app that runs on client devices (android, ios, windows, linux, ...).
These devices are "untrusted" and access resources via web APIs that must authenticate.
*/
package public

/*
Design note:

public.Client uses client.Base as an embedded type. client.Base statically assigns its attributes
during creation. As it doesn't have any pointers in it, anything borrowed from it, such as
Base.AuthParams is a copy that is free to be manipulated here.
*/

import (
	"context"
	"log/slog"
	"time"

	"github.com/tokencore/tokencore-go/apps/cache"
	"github.com/tokencore/tokencore-go/apps/cryptoprovider"
	"github.com/tokencore/tokencore-go/apps/internal/base"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/shared"
	"github.com/tokencore/tokencore-go/apps/network"
)

// AuthResult contains the results of one token acquisition operation.
type AuthResult = base.AuthResult

type Account = shared.Account

// clientOptions configures the Client's behavior.
type clientOptions struct {
	// The host of the authority. The default is https://login.microsoftonline.com/common.
	// This can be changed with the WithAuthority() option.
	authority string

	knownAuthorities         []string
	capabilities             []string
	disableInstanceDiscovery bool
	genericAuthority         bool
	renewalOffset            *time.Duration
	appName, appVersion      string
	logger                   *slog.Logger

	storage cache.Storage
	crypto  cryptoprovider.Provider
	network network.Client
}

// Option is an optional argument to the New constructor.
type Option func(o *clientOptions)

// WithAuthority allows for a custom authority to be set. This must be a valid https url.
func WithAuthority(authority string) Option {
	return func(o *clientOptions) {
		o.authority = authority
	}
}

// WithKnownAuthorities trusts the given hosts or authority URIs without instance discovery.
func WithKnownAuthorities(authorities ...string) Option {
	return func(o *clientOptions) {
		o.knownAuthorities = append(o.knownAuthorities, authorities...)
	}
}

// WithClientCapabilities allows configuring one or more client capabilities such as "CP1".
func WithClientCapabilities(capabilities ...string) Option {
	return func(o *clientOptions) {
		o.capabilities = append(o.capabilities, capabilities...)
	}
}

// WithInstanceDiscovery set to false to disable authority validation (to support private cloud scenarios).
func WithInstanceDiscovery(enabled bool) Option {
	return func(o *clientOptions) {
		o.disableInstanceDiscovery = !enabled
	}
}

// WithGenericAuthority marks the authority as a generic OIDC provider, one that is neither
// Entra ID nor ADFS. Its metadata is read from <authority>/.well-known/openid-configuration
// and it does not support per-request tenants.
func WithGenericAuthority() Option {
	return func(o *clientOptions) {
		o.genericAuthority = true
	}
}

// WithTokenRenewalOffset sets how long before expiry a cached token is renewed.
func WithTokenRenewalOffset(d time.Duration) Option {
	return func(o *clientOptions) {
		o.renewalOffset = &d
	}
}

// WithAppInfo sets the application name and version sent with every token request.
func WithAppInfo(name, version string) Option {
	return func(o *clientOptions) {
		o.appName, o.appVersion = name, version
	}
}

// WithLogger enables logging within the SDK. When l is nil, client will use slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithStorage allows you to set some type of cache for storing authentication tokens.
// The default is an in-memory cache owned by the Client.
func WithStorage(s cache.Storage) Option {
	return func(o *clientOptions) {
		o.storage = s
	}
}

// WithCrypto replaces the default crypto provider.
func WithCrypto(p cryptoprovider.Provider) Option {
	return func(o *clientOptions) {
		o.crypto = p
	}
}

// WithNetwork replaces the default HTTP transport.
func WithNetwork(c network.Client) Option {
	return func(o *clientOptions) {
		o.network = c
	}
}

// Client is a representation of authentication client for public applications as defined in the
// package doc.
type Client struct {
	base base.Client
}

// New is the constructor for Client.
func New(clientID string, options ...Option) (Client, error) {
	opts := clientOptions{authority: base.AuthorityPublicCloud}
	for _, o := range options {
		o(&opts)
	}

	cfg := base.Config{Crypto: opts.crypto, Storage: opts.storage, Network: opts.network}
	if cfg.Crypto == nil {
		cfg.Crypto = cryptoprovider.NewDefault()
	}
	if cfg.Storage == nil {
		cfg.Storage = cache.NewMemory()
	}
	if cfg.Network == nil {
		cfg.Network = network.NewPipelineClient(nil)
	}
	baseOpts := []base.Option{
		base.WithKnownAuthorities(opts.knownAuthorities),
		base.WithClientCapabilities(opts.capabilities),
		base.WithInstanceDiscovery(!opts.disableInstanceDiscovery),
		base.WithGenericAuthority(opts.genericAuthority),
		base.WithAppInfo(opts.appName, opts.appVersion),
		base.WithLogger(opts.logger),
	}
	if opts.renewalOffset != nil {
		baseOpts = append(baseOpts, base.WithTokenRenewalOffset(*opts.renewalOffset))
	}
	b, err := base.New(clientID, opts.authority, cfg, baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{base: b}, nil
}

// acquireOptions are the per-call options. Each method documents the ones it honors.
type acquireOptions struct {
	account       Account
	claims        string
	tenantID      string
	correlationID string
	challenge     string
	forceRefresh  bool
	pop           *base.PoPRequest

	state, nonce, loginHint, domainHint, prompt string
}

// AcquireOption is an optional argument to the token methods of Client.
type AcquireOption func(o *acquireOptions)

// WithClaims sets additional claims to request for the token, such as those required by
// conditional access policies. Requests with claims always go to the authority.
func WithClaims(claims string) AcquireOption {
	return func(o *acquireOptions) {
		o.claims = claims
	}
}

// WithTenantID specifies a tenant for a single request.
func WithTenantID(tenantID string) AcquireOption {
	return func(o *acquireOptions) {
		o.tenantID = tenantID
	}
}

// WithCorrelationID sets the correlation id sent to the authority. The default is a random UUID.
func WithCorrelationID(id string) AcquireOption {
	return func(o *acquireOptions) {
		o.correlationID = id
	}
}

// WithSilentAccount uses the passed account during an AcquireTokenSilent() call.
func WithSilentAccount(account Account) AcquireOption {
	return func(o *acquireOptions) {
		o.account = account
	}
}

// WithChallenge is the PKCE code verifier returned by AuthCodeURL(), sent with AcquireTokenByAuthCode().
func WithChallenge(verifier string) AcquireOption {
	return func(o *acquireOptions) {
		o.challenge = verifier
	}
}

// WithForceRefresh makes AcquireTokenSilent() redeem the refresh token even when a valid
// access token is cached.
func WithForceRefresh() AcquireOption {
	return func(o *acquireOptions) {
		o.forceRefresh = true
	}
}

// WithProofOfPossession requests a token bound to the client's key. The returned access token
// is a signed HTTP request for method and url.
func WithProofOfPossession(method, url string) AcquireOption {
	return func(o *acquireOptions) {
		o.pop = &base.PoPRequest{Method: method, URL: url}
	}
}

// WithState is the state parameter of AuthCodeURL().
func WithState(state string) AcquireOption {
	return func(o *acquireOptions) {
		o.state = state
	}
}

// WithNonce is the nonce parameter of AuthCodeURL(). The id token of the redeemed code must carry it.
func WithNonce(nonce string) AcquireOption {
	return func(o *acquireOptions) {
		o.nonce = nonce
	}
}

// WithLoginHint pre-populates the login prompt with a username.
func WithLoginHint(username string) AcquireOption {
	return func(o *acquireOptions) {
		o.loginHint = username
	}
}

// WithDomainHint adds the IdP domain as domain_hint query parameter in the auth url.
func WithDomainHint(domain string) AcquireOption {
	return func(o *acquireOptions) {
		o.domainHint = domain
	}
}

// WithPrompt is the prompt parameter of AuthCodeURL(), such as "select_account".
func WithPrompt(prompt string) AcquireOption {
	return func(o *acquireOptions) {
		o.prompt = prompt
	}
}

func applyOptions(options []AcquireOption) acquireOptions {
	o := acquireOptions{}
	for _, opt := range options {
		opt(&o)
	}
	return o
}

// AuthCodeURL creates a URL used to acquire an authorization code with PKCE. The returned
// verifier must be passed to AcquireTokenByAuthCode() with WithChallenge(). Honors WithState,
// WithNonce, WithLoginHint, WithDomainHint, WithPrompt, WithClaims and WithTenantID.
func (pca Client) AuthCodeURL(ctx context.Context, redirectURI string, scopes []string, options ...AcquireOption) (authURL, verifier string, err error) {
	o := applyOptions(options)
	codes, err := pca.base.Crypto().GeneratePKCECodes(ctx)
	if err != nil {
		return "", "", err
	}
	authURL, err = pca.base.AuthCodeURL(ctx, base.AuthCodeURLRequest{
		Scopes:              scopes,
		RedirectURI:         redirectURI,
		State:               o.state,
		CodeChallenge:       codes.Challenge,
		CodeChallengeMethod: cryptoprovider.ChallengeMethod,
		Nonce:               o.nonce,
		Prompt:              o.prompt,
		LoginHint:           o.loginHint,
		DomainHint:          o.domainHint,
		Claims:              o.claims,
		TenantID:            o.tenantID,
	})
	if err != nil {
		return "", "", err
	}
	return authURL, codes.Verifier, nil
}

// AcquireTokenByAuthCode is a request to acquire a security token from the authority, using an authorization code.
// The specified redirect URI must be the same URI that was used when the authorization code was requested.
func (pca Client) AcquireTokenByAuthCode(ctx context.Context, code string, redirectURI string, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return pca.base.AcquireToken(ctx, base.TokenRequest{
		Scopes: scopes,
		Grant: base.AuthCodeGrant{
			Code:         code,
			CodeVerifier: o.challenge,
			RedirectURI:  redirectURI,
		},
		TenantID:      o.tenantID,
		Claims:        o.claims,
		Nonce:         o.nonce,
		CorrelationID: o.correlationID,
		PoP:           o.pop,
	})
}

// AcquireTokenByRefreshToken redeems a refresh token obtained outside this client, such as one
// being migrated from another cache. The resulting tokens are cached.
func (pca Client) AcquireTokenByRefreshToken(ctx context.Context, refreshToken string, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return pca.base.AcquireToken(ctx, base.TokenRequest{
		Scopes:        scopes,
		Grant:         base.RefreshTokenGrant{RefreshToken: refreshToken},
		TenantID:      o.tenantID,
		Claims:        o.claims,
		CorrelationID: o.correlationID,
		SkipCache:     true,
		PoP:           o.pop,
	})
}

// AcquireTokenSilent acquires a token from either the cache or using a refresh token.
// WithSilentAccount is required.
func (pca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return pca.base.AcquireTokenSilent(ctx, base.SilentRequest{
		Scopes:        scopes,
		Account:       o.account,
		TenantID:      o.tenantID,
		Claims:        o.claims,
		CorrelationID: o.correlationID,
		ForceRefresh:  o.forceRefresh,
		PoP:           o.pop,
	})
}

type DeviceCodeResult = accesstokens.DeviceCodeResult

// DeviceCode provides the results of the device code flows first stage (containing the code)
// that must be entered on the second device and provides a method to retrieve the AuthenticationResult
// once that code has been entered and verified.
type DeviceCode struct {
	// Result holds the information about the device code (such as the code).
	Result DeviceCodeResult

	client Client
	req    base.TokenRequest
}

// AuthenticationResult retrieves the AuthResult once the user enters the code on the second
// device. Until then it polls the authority at the interval it requested, until ctx is done
// or the code expires.
func (d DeviceCode) AuthenticationResult(ctx context.Context) (AuthResult, error) {
	return d.client.base.PollDeviceCode(ctx, d.Result, d.req)
}

// AcquireTokenByDeviceCode starts the device code flow. Show Result.Message to the user,
// then call AuthenticationResult() to wait for them to sign in.
func (pca Client) AcquireTokenByDeviceCode(ctx context.Context, scopes []string, options ...AcquireOption) (DeviceCode, error) {
	o := applyOptions(options)
	req := base.TokenRequest{
		Scopes:        scopes,
		TenantID:      o.tenantID,
		Claims:        o.claims,
		CorrelationID: o.correlationID,
	}
	dc, err := pca.base.DeviceCode(ctx, req)
	if err != nil {
		return DeviceCode{}, err
	}
	return DeviceCode{Result: dc, client: pca, req: req}, nil
}

// Accounts gets all the accounts in the token cache.
// If there are no accounts in the cache the returned slice is empty.
func (pca Client) Accounts(ctx context.Context) ([]Account, error) {
	return pca.base.Accounts(ctx)
}

// RemoveAccount signs the account out and forgets account from token cache.
func (pca Client) RemoveAccount(ctx context.Context, account Account) error {
	return pca.base.RemoveAccount(ctx, account)
}
