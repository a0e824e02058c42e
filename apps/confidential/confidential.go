// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package confidential provides a client for authentication of "confidential" applications.
A "confidential" application is defined as an app that run on servers. They are considered
difficult to access and for that reason capable of keeping an application secret.
Confidential clients can hold configuration-time secrets.
*/
package confidential

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/tokencore/tokencore-go/apps/cache"
	"github.com/tokencore/tokencore-go/apps/cryptoprovider"
	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/base"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/shared"
	"github.com/tokencore/tokencore-go/apps/network"
	"golang.org/x/crypto/pkcs12"
)

/*
Design note:

confidential.Client uses base.Client as an embedded type. base.Client statically assigns its attributes
during creation. As it doesn't have any pointers in it, anything borrowed from it, such as
Base.AuthParams is a copy that is free to be manipulated here.

Duplicate Calls shared between public.Client and this package:
There is some duplicate call options provided here that are the same as in public.Client . This
is a design choices. Go proverb(https://www.youtube.com/watch?v=PAAkCSZUG1c&t=9m28s):
"a little copying is better than a little dependency".
*/

// AuthResult contains the results of one token acquisition operation.
type AuthResult = base.AuthResult

type Account = shared.Account

// AssertionRequestOptions has information required to generate a client assertion.
type AssertionRequestOptions = accesstokens.AssertionRequestOptions

// CertFromPEM converts a PEM file (.pem or .key) for use with NewCredFromCert(). The file
// must have the public certificate and the private key encoded. The private key may be
// encoded in PKCS8 ("PRIVATE KEY") or PKCS1 ("RSA PRIVATE KEY"). If a PEM block is encrypted
// and password is not an empty string, it attempts to decrypt the PEM blocks using the password.
// Multiple certs are due to certificate chaining for use cases like TLS that sign from root to leaf.
func CertFromPEM(pemData []byte, password string) ([]*x509.Certificate, crypto.PrivateKey, error) {
	var certs []*x509.Certificate
	var priv crypto.PrivateKey
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}

		//nolint:staticcheck // legacy encrypted PEM files are still in use
		if x509.IsEncryptedPEMBlock(block) {
			b, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, nil, fmt.Errorf("could not decrypt encrypted PEM block: %w", err)
			}
			block = &pem.Block{Type: block.Type, Bytes: b}
		}

		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("block labelled 'CERTIFICATE' could not be parsed by x509: %w", err)
			}
			certs = append(certs, cert)
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			if priv != nil {
				return nil, nil, fmt.Errorf("found multiple private key blocks")
			}

			var err error
			priv, err = parsePrivateKey(block)
			if err != nil {
				return nil, nil, fmt.Errorf("could not decode private key: %w", err)
			}
		}
		pemData = rest
	}

	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("no certificates found")
	}

	if priv == nil {
		return nil, nil, fmt.Errorf("no private key found")
	}

	return certs, priv, nil
}

func parsePrivateKey(block *pem.Block) (crypto.PrivateKey, error) {
	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("problems decoding private key using PKCS1: %w", err)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("problems decoding private key using PKCS8: %w", err)
	}
	return key, nil
}

// CertFromPKCS12 converts a PKCS#12 (.pfx or .p12) file for use with NewCredFromCert().
// The leaf certificate is first in the returned chain.
func CertFromPKCS12(pfxData []byte, password string) ([]*x509.Certificate, crypto.PrivateKey, error) {
	blocks, err := pkcs12.ToPEM(pfxData, password)
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode PKCS#12 data: %w", err)
	}
	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}
	certs, key, err := CertFromPEM(pemData, "")
	if err != nil {
		return nil, nil, fmt.Errorf("could not decode PKCS#12 data: %w", err)
	}
	return leafFirst(certs, key), key, nil
}

// leafFirst moves the certificate holding the public half of key to the front of certs.
func leafFirst(certs []*x509.Certificate, key crypto.PrivateKey) []*x509.Certificate {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return certs
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return certs
	}
	for i, c := range certs {
		if pub.Equal(c.PublicKey) {
			out := append([]*x509.Certificate{c}, certs[:i]...)
			return append(out, certs[i+1:]...)
		}
	}
	return certs
}

// Credential represents the credential used in confidential client flows.
type Credential struct {
	secret string

	cert *x509.Certificate
	key  crypto.PrivateKey
	x5c  []string

	assertionCallback func(context.Context, AssertionRequestOptions) (string, error)
}

// toInternal returns the accesstokens.Credential that is used internally. Each client gets its
// own copy, which caches the signed assertion of certificate credentials.
func (c Credential) toInternal() *accesstokens.Credential {
	return &accesstokens.Credential{
		Secret:            c.secret,
		Cert:              c.cert,
		Key:               c.key,
		X5c:               c.x5c,
		AssertionCallback: c.assertionCallback,
	}
}

func (c Credential) isZero() bool {
	return c.secret == "" && c.cert == nil && c.assertionCallback == nil
}

// NewCredFromSecret creates a Credential from a secret.
func NewCredFromSecret(secret string) (Credential, error) {
	if secret == "" {
		return Credential{}, errors.InvalidConfiguration("secret can't be empty string")
	}
	return Credential{secret: secret}, nil
}

// NewCredFromCert creates a Credential from a certificate chain and an RSA private key. The
// leaf certificate must come first. CertFromPEM() and CertFromPKCS12() return values in
// this form. The chain is sent in the assertion's x5c header.
func NewCredFromCert(certs []*x509.Certificate, key crypto.PrivateKey) (Credential, error) {
	if len(certs) == 0 {
		return Credential{}, errors.InvalidConfiguration("at least one certificate is required")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return Credential{}, errors.InvalidConfiguration("certificate credentials require an RSA private key, got %T", key)
	}
	leaf := certs[0]
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&rsaKey.PublicKey) {
		return Credential{}, errors.InvalidConfiguration("the private key does not belong to the first certificate")
	}
	x5c := make([]string, 0, len(certs))
	for _, cert := range certs {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	}
	return Credential{cert: leaf, key: rsaKey, x5c: x5c}, nil
}

// NewCredFromAssertionCallback creates a Credential that invokes a callback to get assertions
// authenticating the application. The callback must be thread safe.
func NewCredFromAssertionCallback(callback func(context.Context, AssertionRequestOptions) (string, error)) Credential {
	return Credential{assertionCallback: callback}
}

// SecretGetter reads a secret from a Key Vault. *azsecrets.Client implements it.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// NewCredFromKeyVaultSecret creates a secret Credential from the value of a Key Vault secret.
// An empty version reads the latest version. The secret is read once.
func NewCredFromKeyVaultSecret(ctx context.Context, vault SecretGetter, name, version string) (Credential, error) {
	if vault == nil || name == "" {
		return Credential{}, errors.InvalidConfiguration("a Key Vault client and secret name are required")
	}
	resp, err := vault.GetSecret(ctx, name, version, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("could not read secret %q from Key Vault: %w", name, err)
	}
	if resp.Value == nil || *resp.Value == "" {
		return Credential{}, errors.InvalidConfiguration("Key Vault secret %q has no value", name)
	}
	return NewCredFromSecret(*resp.Value)
}

// Client is a representation of authentication client for confidential applications as defined in the
// package doc. A new Client should be created PER SERVICE USER.
type Client struct {
	base base.Client
	cred *accesstokens.Credential
}

// clientOptions are optional settings for New(). These options are set using various functions
// returning Option calls.
type clientOptions struct {
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

// Option is an optional argument to New().
type Option func(o *clientOptions)

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

// WithTokenRenewalOffset sets how long before expiry a cached token is renewed. The default is five minutes.
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

// WithStorage sets the storage tokens are cached in. The default is an in-memory cache
// owned by the Client.
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

// New is the constructor for Client. authority is the URL of a token authority such as
// "https://login.microsoftonline.com/<your tenant>". clientID is the application's client id
// and cred is the credential the application authenticates with.
func New(authority, clientID string, cred Credential, options ...Option) (Client, error) {
	if cred.isZero() {
		return Client{}, errors.InvalidConfiguration("a credential is required")
	}
	opts := clientOptions{}
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
	b, err := base.New(clientID, authority, cfg, baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{base: b, cred: cred.toInternal()}, nil
}

// acquireOptions are the per-call options. Each method documents the ones it honors.
type acquireOptions struct {
	account       Account
	claims        string
	tenantID      string
	correlationID string
	challenge     string
	skipCache     bool
	pop           *base.PoPRequest

	// AuthCodeURL only.
	state, nonce, loginHint, domainHint, prompt string
	codeChallenge, codeChallengeMethod          string
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

// WithTenantID specifies a tenant for a single request. The client's authority must not be
// a fixed tenant other than "common", "organizations" or "consumers" for this to differ.
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

// WithChallenge is the PKCE code verifier sent with AcquireTokenByAuthCode().
func WithChallenge(verifier string) AcquireOption {
	return func(o *acquireOptions) {
		o.challenge = verifier
	}
}

// WithSkipCache sends the request to the authority even when a valid token is cached.
// For AcquireTokenSilent it forces use of the refresh token.
func WithSkipCache() AcquireOption {
	return func(o *acquireOptions) {
		o.skipCache = true
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

// WithNonce is the nonce parameter of AuthCodeURL().
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

// WithCodeChallenge sets the PKCE challenge of AuthCodeURL().
func WithCodeChallenge(challenge, method string) AcquireOption {
	return func(o *acquireOptions) {
		o.codeChallenge, o.codeChallengeMethod = challenge, method
	}
}

func applyOptions(options []AcquireOption) acquireOptions {
	o := acquireOptions{}
	for _, opt := range options {
		opt(&o)
	}
	return o
}

// AuthCodeURL creates a URL used to acquire an authorization code. Honors WithState, WithNonce,
// WithLoginHint, WithDomainHint, WithPrompt, WithCodeChallenge, WithClaims and WithTenantID.
func (cca Client) AuthCodeURL(ctx context.Context, redirectURI string, scopes []string, options ...AcquireOption) (string, error) {
	o := applyOptions(options)
	return cca.base.AuthCodeURL(ctx, base.AuthCodeURLRequest{
		Scopes:              scopes,
		RedirectURI:         redirectURI,
		State:               o.state,
		CodeChallenge:       o.codeChallenge,
		CodeChallengeMethod: o.codeChallengeMethod,
		Nonce:               o.nonce,
		Prompt:              o.prompt,
		LoginHint:           o.loginHint,
		DomainHint:          o.domainHint,
		Claims:              o.claims,
		TenantID:            o.tenantID,
	})
}

// AcquireTokenByCredential acquires a security token from the authority, using the client credentials grant.
// Valid cached tokens are returned without contacting the authority.
func (cca Client) AcquireTokenByCredential(ctx context.Context, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return cca.base.AcquireToken(ctx, base.TokenRequest{
		Scopes:        scopes,
		Grant:         base.ClientCredentialGrant{Credential: cca.cred},
		TenantID:      o.tenantID,
		Claims:        o.claims,
		CorrelationID: o.correlationID,
		SkipCache:     o.skipCache,
		PoP:           o.pop,
	})
}

// AcquireTokenOnBehalfOf acquires a security token for an app using middle tier apps access token.
// Tokens are cached per user assertion.
func (cca Client) AcquireTokenOnBehalfOf(ctx context.Context, userAssertion string, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return cca.base.AcquireToken(ctx, base.TokenRequest{
		Scopes:        scopes,
		Grant:         base.OnBehalfOfGrant{Assertion: userAssertion, Credential: cca.cred},
		TenantID:      o.tenantID,
		Claims:        o.claims,
		CorrelationID: o.correlationID,
		SkipCache:     o.skipCache,
		PoP:           o.pop,
	})
}

// AcquireTokenByAuthCode is a request to acquire a security token from the authority, using an authorization code.
// The specified redirect URI must be the same URI that was used when the authorization code was requested.
func (cca Client) AcquireTokenByAuthCode(ctx context.Context, code string, redirectURI string, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return cca.base.AcquireToken(ctx, base.TokenRequest{
		Scopes: scopes,
		Grant: base.AuthCodeGrant{
			Code:         code,
			CodeVerifier: o.challenge,
			RedirectURI:  redirectURI,
			Credential:   cca.cred, // This setting differs from public.Client.AcquireTokenByAuthCode
		},
		TenantID:      o.tenantID,
		Claims:        o.claims,
		CorrelationID: o.correlationID,
		PoP:           o.pop,
	})
}

// AcquireTokenSilent acquires a token from either the cache or using a refresh token.
// WithSilentAccount is required.
func (cca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireOption) (AuthResult, error) {
	o := applyOptions(options)
	return cca.base.AcquireTokenSilent(ctx, base.SilentRequest{
		Scopes:        scopes,
		Account:       o.account,
		TenantID:      o.tenantID,
		Claims:        o.claims,
		CorrelationID: o.correlationID,
		ForceRefresh:  o.skipCache,
		Credential:    cca.cred,
		PoP:           o.pop,
	})
}

// Account gets the account in the token cache with the specified homeAccountID.
// The returned account is zero when none is cached.
func (cca Client) Account(ctx context.Context, homeAccountID string) (Account, error) {
	accounts, err := cca.base.Accounts(ctx)
	if err != nil {
		return Account{}, err
	}
	for _, a := range accounts {
		if strings.EqualFold(a.HomeAccountID, homeAccountID) {
			return a, nil
		}
	}
	return Account{}, nil
}

// Accounts gets all the accounts in the token cache.
func (cca Client) Accounts(ctx context.Context) ([]Account, error) {
	return cca.base.Accounts(ctx)
}

// RemoveAccount signs the account out and forgets account from token cache.
func (cca Client) RemoveAccount(ctx context.Context, account Account) error {
	return cca.base.RemoveAccount(ctx, account)
}
