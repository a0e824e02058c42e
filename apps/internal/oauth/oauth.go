// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package oauth provides the REST calls an engine makes against an authority: endpoint
discovery and the token endpoint grants. Endpoint metadata is resolved once per
authority and shared by every request made through the same Client.
*/
package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/network"
)

// ResolveEndpointer contains the methods for resolving authority endpoints.
type ResolveEndpointer interface {
	ResolveEndpoints(ctx context.Context, authorityInfo authority.Info) (*authority.Endpoints, error)
}

// AccessTokens contains the methods for fetching tokens from different sources.
type AccessTokens interface {
	DeviceCode(ctx context.Context, authParameters authority.AuthParams) (accesstokens.DeviceCodeResult, error)
	FromAuthCode(ctx context.Context, req accesstokens.AuthCodeRequest) (accesstokens.TokenResponse, error)
	FromRefreshToken(ctx context.Context, authParameters authority.AuthParams, cred *accesstokens.Credential, refreshToken string) (accesstokens.TokenResponse, error)
	FromClientCredentials(ctx context.Context, authParameters authority.AuthParams, cred *accesstokens.Credential) (accesstokens.TokenResponse, error)
	FromOnBehalfOf(ctx context.Context, authParameters authority.AuthParams, cred *accesstokens.Credential) (accesstokens.TokenResponse, error)
	FromDeviceCode(ctx context.Context, authParameters authority.AuthParams, deviceCode string) (accesstokens.TokenResponse, error)
}

type options struct {
	instanceDiscovery bool
	knownHosts        []string
	now               func() time.Time
}

// Option configures a Client.
type Option func(*options)

// WithInstanceDiscovery enables or disables instance discovery. It is enabled by default.
func WithInstanceDiscovery(enabled bool) Option {
	return func(o *options) {
		o.instanceDiscovery = enabled
	}
}

// WithKnownHosts names authority hosts that are trusted without instance discovery.
func WithKnownHosts(hosts ...string) Option {
	return func(o *options) {
		o.knownHosts = append(o.knownHosts, hosts...)
	}
}

// WithClock sets the clock token lifetimes are computed against.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Client provides tokens for various types of token requests.
type Client struct {
	resolver     ResolveEndpointer
	accessTokens AccessTokens

	// authorities holds resolver state. It is nil only when the resolver was replaced.
	authorities *authorityEndpoint
}

// New is the constructor for Client. Every request goes out through net.
func New(net network.Client, opts ...Option) *Client {
	o := options{instanceDiscovery: true}
	for _, opt := range opts {
		opt(&o)
	}

	rest := ops.New(net)
	authorities := newAuthorityEndpoint(rest.Authority())
	authorities.instanceDiscovery = o.instanceDiscovery
	for _, h := range o.knownHosts {
		authorities.knownHosts[h] = true
	}
	return &Client{
		resolver:     authorities,
		accessTokens: rest.AccessTokens(o.now),
		authorities:  authorities,
	}
}

// ResolveEndpoints gets the authorization and token endpoints and creates an AuthorityEndpoints instance.
func (t *Client) ResolveEndpoints(ctx context.Context, authorityInfo authority.Info) (*authority.Endpoints, error) {
	return t.resolver.ResolveEndpoints(ctx, authorityInfo)
}

// Preload marks authorityInfo as resolved to endpoints without any network call.
func (t *Client) Preload(authorityInfo authority.Info, endpoints authority.Endpoints) {
	if t.authorities != nil {
		t.authorities.preload(authorityInfo, endpoints)
	}
}

// Invalidate forgets the metadata of authorityInfo.
func (t *Client) Invalidate(authorityInfo authority.Info) {
	if t.authorities != nil {
		t.authorities.invalidate(authorityInfo)
	}
}

// State reports the discovery state of authorityInfo.
func (t *Client) State(authorityInfo authority.Info) State {
	if t.authorities == nil {
		return Unresolved
	}
	return t.authorities.state(authorityInfo)
}

// AuthCode returns a token based on an authorization code.
func (t *Client) AuthCode(ctx context.Context, req accesstokens.AuthCodeRequest) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoint(ctx, &req.AuthParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := t.accessTokens.FromAuthCode(ctx, req)
	if err != nil {
		return accesstokens.TokenResponse{}, fmt.Errorf("could not retrieve token from auth code: %w", err)
	}
	return tr, nil
}

// Credential acquires a token from the authority using a client credential.
func (t *Client) Credential(ctx context.Context, authParams authority.AuthParams, cred *accesstokens.Credential) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoint(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := t.accessTokens.FromClientCredentials(ctx, authParams, cred)
	if err != nil {
		return accesstokens.TokenResponse{}, fmt.Errorf("could not retrieve token from client credentials: %w", err)
	}
	return tr, nil
}

// OnBehalfOf acquires a token from the authority for the user assertion in authParams.
func (t *Client) OnBehalfOf(ctx context.Context, authParams authority.AuthParams, cred *accesstokens.Credential) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoint(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := t.accessTokens.FromOnBehalfOf(ctx, authParams, cred)
	if err != nil {
		return accesstokens.TokenResponse{}, fmt.Errorf("could not retrieve token on behalf of the user: %w", err)
	}
	return tr, nil
}

// Refresh redeems refreshToken. cred is nil for public clients.
func (t *Client) Refresh(ctx context.Context, authParams authority.AuthParams, cred *accesstokens.Credential, refreshToken string) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoint(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	tr, err := t.accessTokens.FromRefreshToken(ctx, authParams, cred, refreshToken)
	if err != nil {
		return accesstokens.TokenResponse{}, fmt.Errorf("could not refresh token: %w", err)
	}
	return tr, nil
}

// DeviceCode starts a device code flow. The result tells the user where to sign in.
func (t *Client) DeviceCode(ctx context.Context, authParams authority.AuthParams) (accesstokens.DeviceCodeResult, error) {
	if err := t.resolveEndpoint(ctx, &authParams); err != nil {
		return accesstokens.DeviceCodeResult{}, err
	}
	dc, err := t.accessTokens.DeviceCode(ctx, authParams)
	if err != nil {
		return accesstokens.DeviceCodeResult{}, fmt.Errorf("could not start device code flow: %w", err)
	}
	return dc, nil
}

// DeviceCodeToken polls once for the outcome of a device code flow. authorization_pending
// and slow_down come back as errors; the caller decides whether to poll again.
func (t *Client) DeviceCodeToken(ctx context.Context, authParams authority.AuthParams, deviceCode string) (accesstokens.TokenResponse, error) {
	if err := t.resolveEndpoint(ctx, &authParams); err != nil {
		return accesstokens.TokenResponse{}, err
	}
	return t.accessTokens.FromDeviceCode(ctx, authParams, deviceCode)
}

func (t *Client) resolveEndpoint(ctx context.Context, authParams *authority.AuthParams) error {
	if authParams.Endpoints.TokenEndpoint != "" {
		return nil
	}
	endpoints, err := t.resolver.ResolveEndpoints(ctx, authParams.AuthorityInfo)
	if err != nil {
		return fmt.Errorf("unable to resolve an endpoint: %w", err)
	}
	authParams.Endpoints = *endpoints
	return nil
}
