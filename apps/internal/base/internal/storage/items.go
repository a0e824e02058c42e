// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"sort"
	"strings"
	"time"

	"github.com/tokencore/tokencore-go/apps/errors"
	internalTime "github.com/tokencore/tokencore-go/apps/internal/json/types/time"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/internal/shared"
)

// KeyVersion is the version of the cache key layout produced by the Key methods.
// Entries written under another layout are invisible to lookups.
const KeyVersion = 1

// Credential types, persisted as credential_type.
const (
	CredentialTypeAccessToken  = "AccessToken"
	CredentialTypeIDToken      = "IdToken"
	CredentialTypeRefreshToken = "RefreshToken"
	CredentialTypeAppMetaData  = "AppMetadata"
)

const scopeSeparator = " "

// Credential is implemented by the cached credential records of this package.
type Credential interface {
	// Key is the storage key of the record.
	Key() string
	// identity is the home account and environment the record belongs to.
	identity() (homeAccountID, environment string)
}

// SameKey reports whether a and b would be stored under the same key.
func SameKey(a, b Credential) bool {
	return a.Key() == b.Key()
}

// NormalizeTarget lower-cases, de-duplicates and sorts scopes and joins them with a
// single space. Each element may itself hold several space separated scopes.
func NormalizeTarget(scopes ...string) string {
	seen := map[string]bool{}
	var out []string
	for _, s := range scopes {
		for _, f := range strings.Fields(strings.ToLower(s)) {
			if seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return strings.Join(out, scopeSeparator)
}

// credentialKey derives the key of a credential. Only the identity segment is
// lower-cased; the assertion hash is case sensitive.
func credentialKey(homeAccountID, env, credentialType, clientOrFamilyID, realm, target, tokenType, assertionHash string) string {
	key := strings.ToLower(strings.Join(
		[]string{homeAccountID, env, credentialType, clientOrFamilyID, realm, NormalizeTarget(target)},
		shared.CacheKeySeparator,
	))
	if tokenType != "" && !strings.EqualFold(tokenType, authority.TokenTypeBearer) {
		key += shared.CacheKeySeparator + strings.ToLower(tokenType)
	}
	if assertionHash != "" {
		key += shared.CacheKeySeparator + assertionHash
	}
	return key
}

// AccessToken is the JSON representation of an access token for encoding to storage.
type AccessToken struct {
	HomeAccountID     string            `json:"home_account_id,omitempty"`
	Environment       string            `json:"environment,omitempty"`
	Realm             string            `json:"realm,omitempty"`
	CredentialType    string            `json:"credential_type,omitempty"`
	ClientID          string            `json:"client_id,omitempty"`
	Secret            string            `json:"secret,omitempty"`
	Scopes            string            `json:"target,omitempty"`
	ExpiresOn         internalTime.Unix `json:"expires_on"`
	ExtendedExpiresOn internalTime.Unix `json:"extended_expires_on"`
	CachedAt          internalTime.Unix `json:"cached_at"`
	// TokenType is empty or "Bearer" for bearer tokens.
	TokenType string `json:"token_type,omitempty"`
	// KeyID is the proof-of-possession key the token is bound to.
	KeyID             string `json:"keyid,omitempty"`
	UserAssertionHash string `json:"user_assertion_hash,omitempty"`
}

// NewAccessToken is the constructor for AccessToken. scopes is normalized.
func NewAccessToken(homeID, env, realm, clientID string, cachedAt, expiresOn, extendedExpiresOn time.Time, scopes, token string) (AccessToken, error) {
	at := AccessToken{
		HomeAccountID:     homeID,
		Environment:       env,
		Realm:             realm,
		CredentialType:    CredentialTypeAccessToken,
		ClientID:          clientID,
		Secret:            token,
		Scopes:            NormalizeTarget(scopes),
		CachedAt:          internalTime.Unix{T: cachedAt.UTC()},
		ExpiresOn:         internalTime.Unix{T: expiresOn.UTC()},
		ExtendedExpiresOn: internalTime.Unix{T: extendedExpiresOn.UTC()},
	}
	if err := at.Check(); err != nil {
		return AccessToken{}, err
	}
	return at, nil
}

// Check reports the first missing identity field.
func (a AccessToken) Check() error {
	switch {
	case a.Environment == "":
		return errors.MalformedEntityError{Entity: CredentialTypeAccessToken, Field: "environment"}
	case a.CredentialType == "":
		return errors.MalformedEntityError{Entity: CredentialTypeAccessToken, Field: "credential_type"}
	case a.ClientID == "":
		return errors.MalformedEntityError{Entity: CredentialTypeAccessToken, Field: "client_id"}
	case a.Realm == "":
		return errors.MalformedEntityError{Entity: CredentialTypeAccessToken, Field: "realm"}
	case a.Scopes == "":
		return errors.MalformedEntityError{Entity: CredentialTypeAccessToken, Field: "target"}
	}
	return nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AccessToken) Key() string {
	return credentialKey(a.HomeAccountID, a.Environment, a.CredentialType, a.ClientID, a.Realm, a.Scopes, a.TokenType, a.UserAssertionHash)
}

func (a AccessToken) identity() (string, string) {
	return a.HomeAccountID, a.Environment
}

// Validate reports whether the token can be handed out at now, given it must stay
// valid for at least buffer longer.
func (a AccessToken) Validate(now time.Time, buffer time.Duration) error {
	if a.CachedAt.T.IsZero() {
		return errors.TokenValidationError{Reason: "access token does not have cached_at set"}
	}
	if !a.ExpiresOn.T.After(now.Add(buffer)) {
		return errors.TokenValidationError{Reason: "access token is expired"}
	}
	return nil
}

// IDToken is the JSON representation of an id token for encoding to storage.
type IDToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(homeID, env, realm, clientID, idToken string) (IDToken, error) {
	idt := IDToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: CredentialTypeIDToken,
		ClientID:       clientID,
		Secret:         idToken,
	}
	if err := idt.Check(); err != nil {
		return IDToken{}, err
	}
	return idt, nil
}

// Check reports the first missing identity field.
func (id IDToken) Check() error {
	switch {
	case id.HomeAccountID == "":
		return errors.MalformedEntityError{Entity: CredentialTypeIDToken, Field: "home_account_id"}
	case id.Environment == "":
		return errors.MalformedEntityError{Entity: CredentialTypeIDToken, Field: "environment"}
	case id.CredentialType == "":
		return errors.MalformedEntityError{Entity: CredentialTypeIDToken, Field: "credential_type"}
	case id.ClientID == "":
		return errors.MalformedEntityError{Entity: CredentialTypeIDToken, Field: "client_id"}
	}
	return nil
}

// IsZero determines if IDToken is the zero value.
func (id IDToken) IsZero() bool {
	return id == IDToken{}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (id IDToken) Key() string {
	return credentialKey(id.HomeAccountID, id.Environment, id.CredentialType, id.ClientID, id.Realm, "", "", "")
}

func (id IDToken) identity() (string, string) {
	return id.HomeAccountID, id.Environment
}

// RefreshToken is the JSON representation of a refresh token for encoding to storage.
type RefreshToken struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	CredentialType    string `json:"credential_type,omitempty"`
	ClientID          string `json:"client_id,omitempty"`
	FamilyID          string `json:"family_id,omitempty"`
	Secret            string `json:"secret,omitempty"`
	Realm             string `json:"realm,omitempty"`
	Target            string `json:"target,omitempty"`
	UserAssertionHash string `json:"user_assertion_hash,omitempty"`
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(homeID, env, clientID, refreshToken, familyID string) (RefreshToken, error) {
	rt := RefreshToken{
		HomeAccountID:  homeID,
		Environment:    env,
		CredentialType: CredentialTypeRefreshToken,
		ClientID:       clientID,
		FamilyID:       familyID,
		Secret:         refreshToken,
	}
	if err := rt.Check(); err != nil {
		return RefreshToken{}, err
	}
	return rt, nil
}

// Check reports the first missing identity field.
func (rt RefreshToken) Check() error {
	switch {
	case rt.HomeAccountID == "" && rt.UserAssertionHash == "":
		return errors.MalformedEntityError{Entity: CredentialTypeRefreshToken, Field: "home_account_id"}
	case rt.Environment == "":
		return errors.MalformedEntityError{Entity: CredentialTypeRefreshToken, Field: "environment"}
	case rt.CredentialType == "":
		return errors.MalformedEntityError{Entity: CredentialTypeRefreshToken, Field: "credential_type"}
	case rt.ClientID == "":
		return errors.MalformedEntityError{Entity: CredentialTypeRefreshToken, Field: "client_id"}
	}
	return nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
// Family refresh tokens are keyed by family id so every member of the family shares one.
func (rt RefreshToken) Key() string {
	id := rt.FamilyID
	if id == "" {
		id = rt.ClientID
	}
	return credentialKey(rt.HomeAccountID, rt.Environment, rt.CredentialType, id, "", "", "", rt.UserAssertionHash)
}

func (rt RefreshToken) identity() (string, string) {
	return rt.HomeAccountID, rt.Environment
}

// AppMetaData is the JSON representation of application metadata for encoding to storage.
type AppMetaData struct {
	FamilyID    string `json:"family_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// NewAppMetaData is the constructor for AppMetaData.
func NewAppMetaData(familyID, clientID, environment string) (AppMetaData, error) {
	a := AppMetaData{
		FamilyID:    familyID,
		ClientID:    clientID,
		Environment: environment,
	}
	if err := a.Check(); err != nil {
		return AppMetaData{}, err
	}
	return a, nil
}

// Check reports the first missing identity field.
func (a AppMetaData) Check() error {
	switch {
	case a.Environment == "":
		return errors.MalformedEntityError{Entity: CredentialTypeAppMetaData, Field: "environment"}
	case a.ClientID == "":
		return errors.MalformedEntityError{Entity: CredentialTypeAppMetaData, Field: "client_id"}
	}
	return nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AppMetaData) Key() string {
	return AppMetaDataKey(a.Environment, a.ClientID)
}

func (a AppMetaData) identity() (string, string) {
	return "", a.Environment
}

// AppMetaDataKey is the key of the metadata of clientID at env.
func AppMetaDataKey(env, clientID string) string {
	return strings.ToLower(strings.Join([]string{"appmetadata", env, clientID}, shared.CacheKeySeparator))
}
