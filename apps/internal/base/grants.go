// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"

	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/base/internal/storage"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
)

// Grant is one of the OAuth grants the engine can redeem. The set is closed: only
// the grant types of this package implement it.
type Grant interface {
	authorizationType() authority.AuthorizationType
	// readsCache reports whether matching access tokens are looked up before the request.
	readsCache() bool
	// prepare sets the grant's fields in params before the cache lookup.
	prepare(ctx context.Context, b Client, params *authority.AuthParams) error
	// cacheFilter narrows the access token lookup to the grant's identity.
	cacheFilter(params authority.AuthParams, f *storage.AccessTokenFilter)
	redeem(ctx context.Context, b Client, params authority.AuthParams) (accesstokens.TokenResponse, error)
	// material is the single-use secret the grant redeems, empty when the grant has none.
	// Its digest keeps a rejected code or token from throttling requests with other ones.
	material() string
}

// ClientCredentialGrant acquires a token for the application itself.
type ClientCredentialGrant struct {
	Credential *accesstokens.Credential
}

func (ClientCredentialGrant) authorizationType() authority.AuthorizationType {
	return authority.ATClientCredentials
}

func (ClientCredentialGrant) readsCache() bool { return true }

func (g ClientCredentialGrant) prepare(ctx context.Context, b Client, params *authority.AuthParams) error {
	if g.Credential == nil {
		return errors.InvalidConfiguration("client credentials grant requires a credential")
	}
	return nil
}

func (ClientCredentialGrant) cacheFilter(params authority.AuthParams, f *storage.AccessTokenFilter) {
	f.HomeAccountID = ""
}

func (ClientCredentialGrant) material() string { return "" }

func (g ClientCredentialGrant) redeem(ctx context.Context, b Client, params authority.AuthParams) (accesstokens.TokenResponse, error) {
	return b.Token.Credential(ctx, params, g.Credential)
}

// OnBehalfOfGrant exchanges a user's access token for a token to a downstream API.
// Cached tokens are found by a hash of the assertion rather than by account.
type OnBehalfOfGrant struct {
	Assertion  string
	Credential *accesstokens.Credential
}

func (OnBehalfOfGrant) authorizationType() authority.AuthorizationType {
	return authority.ATOnBehalfOf
}

func (OnBehalfOfGrant) readsCache() bool { return true }

func (g OnBehalfOfGrant) prepare(ctx context.Context, b Client, params *authority.AuthParams) error {
	if g.Credential == nil {
		return errors.InvalidConfiguration("on-behalf-of grant requires a credential")
	}
	if g.Assertion == "" {
		return errors.InvalidConfiguration("on-behalf-of grant requires a user assertion")
	}
	hash, err := b.assertionHash(ctx, g.Assertion)
	if err != nil {
		return err
	}
	params.UserAssertion = g.Assertion
	params.UserAssertionHash = hash
	return nil
}

func (OnBehalfOfGrant) cacheFilter(params authority.AuthParams, f *storage.AccessTokenFilter) {
	f.AnyAccount = true
	f.UserAssertionHash = params.UserAssertionHash
}

func (OnBehalfOfGrant) material() string { return "" }

func (g OnBehalfOfGrant) redeem(ctx context.Context, b Client, params authority.AuthParams) (accesstokens.TokenResponse, error) {
	return b.Token.OnBehalfOf(ctx, params, g.Credential)
}

// RefreshTokenGrant redeems a refresh token. When RefreshToken is empty the cached refresh
// token of the request's account is used. Credential is nil for public clients.
type RefreshTokenGrant struct {
	RefreshToken string
	Credential   *accesstokens.Credential
}

func (RefreshTokenGrant) authorizationType() authority.AuthorizationType {
	return authority.ATRefreshToken
}

func (RefreshTokenGrant) readsCache() bool { return true }

func (RefreshTokenGrant) prepare(ctx context.Context, b Client, params *authority.AuthParams) error {
	return nil
}

func (RefreshTokenGrant) cacheFilter(params authority.AuthParams, f *storage.AccessTokenFilter) {
	f.HomeAccountID = params.HomeAccountID
}

func (g RefreshTokenGrant) material() string { return g.RefreshToken }

func (g RefreshTokenGrant) redeem(ctx context.Context, b Client, params authority.AuthParams) (accesstokens.TokenResponse, error) {
	secret := g.RefreshToken
	if secret == "" {
		if params.HomeAccountID == "" {
			return accesstokens.TokenResponse{}, errors.NoTokensFound("no account was given to find a refresh token for")
		}
		rt, ok, err := b.manager.RefreshToken(ctx, storage.RefreshTokenFilter{
			HomeAccountID: params.HomeAccountID,
			Environments:  params.Endpoints.Aliases,
			ClientID:      params.ClientID,
		})
		if err != nil {
			return accesstokens.TokenResponse{}, err
		}
		if !ok {
			return accesstokens.TokenResponse{}, errors.NoTokensFound("no refresh token found for the account")
		}
		secret = rt.Secret
	}
	return b.Token.Refresh(ctx, params, g.Credential, secret)
}

// AuthCodeGrant redeems an authorization code. Credential is nil for public clients.
type AuthCodeGrant struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	Credential   *accesstokens.Credential
}

func (AuthCodeGrant) authorizationType() authority.AuthorizationType {
	return authority.ATAuthCode
}

func (AuthCodeGrant) readsCache() bool { return false }

func (g AuthCodeGrant) prepare(ctx context.Context, b Client, params *authority.AuthParams) error {
	if g.Code == "" {
		return errors.InvalidConfiguration("authorization code grant requires a code")
	}
	params.Redirecturi = g.RedirectURI
	return nil
}

func (AuthCodeGrant) cacheFilter(params authority.AuthParams, f *storage.AccessTokenFilter) {}

func (g AuthCodeGrant) material() string { return g.Code }

func (g AuthCodeGrant) redeem(ctx context.Context, b Client, params authority.AuthParams) (accesstokens.TokenResponse, error) {
	return b.Token.AuthCode(ctx, accesstokens.AuthCodeRequest{
		AuthParams:   params,
		Code:         g.Code,
		CodeVerifier: g.CodeVerifier,
		Credential:   g.Credential,
	})
}

// DeviceCodeGrant polls once for the outcome of a device code flow.
type DeviceCodeGrant struct {
	DeviceCode string
}

func (DeviceCodeGrant) authorizationType() authority.AuthorizationType {
	return authority.ATDeviceCode
}

func (DeviceCodeGrant) readsCache() bool { return false }

func (g DeviceCodeGrant) prepare(ctx context.Context, b Client, params *authority.AuthParams) error {
	if g.DeviceCode == "" {
		return errors.InvalidConfiguration("device code grant requires a device code")
	}
	return nil
}

func (DeviceCodeGrant) cacheFilter(params authority.AuthParams, f *storage.AccessTokenFilter) {}

func (g DeviceCodeGrant) material() string { return g.DeviceCode }

func (g DeviceCodeGrant) redeem(ctx context.Context, b Client, params authority.AuthParams) (accesstokens.TokenResponse, error) {
	return b.Token.DeviceCodeToken(ctx, params, g.DeviceCode)
}
