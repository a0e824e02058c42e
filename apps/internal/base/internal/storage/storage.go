// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds the cached credential entities and the Manager that reads and
// writes them through the storage capability. Every record is a JSON document stored
// under the key its Key method derives, so several engines may share one Storage.
package storage

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"

	"github.com/tokencore/tokencore-go/apps/cache"
	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/logger"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/internal/shared"
)

// Key markers used to skip records of other kinds without decoding them.
var (
	atMarker = shared.CacheKeySeparator + strings.ToLower(CredentialTypeAccessToken) + shared.CacheKeySeparator
	idMarker = shared.CacheKeySeparator + strings.ToLower(CredentialTypeIDToken) + shared.CacheKeySeparator
	rtMarker = shared.CacheKeySeparator + strings.ToLower(CredentialTypeRefreshToken) + shared.CacheKeySeparator
	amPrefix = "appmetadata" + shared.CacheKeySeparator
)

func isCredentialKey(key string) bool {
	return strings.Contains(key, atMarker) || strings.Contains(key, idMarker) || strings.Contains(key, rtMarker)
}

func isAccountKey(key string) bool {
	return !isCredentialKey(key) && !strings.HasPrefix(key, amPrefix)
}

// commonFields decodes the fields every record kind shares.
type commonFields struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	CredentialType string `json:"credential_type"`
}

// Manager reads and writes cache records through a cache.Storage. It holds no state of
// its own; concurrent Managers over one Storage see each other's writes.
type Manager struct {
	store cache.Storage
	log   *logger.Logger
}

// New is the constructor for Manager. Failures that cannot be returned to a caller, such as
// an incomplete rollback, are written to log, which may be nil.
func New(store cache.Storage, log *logger.Logger) *Manager {
	if store == nil {
		store = cache.Unimplemented{}
	}
	return &Manager{store: store, log: log}
}

// AccessTokenFilter selects access tokens. Empty Environments, ClientID, Realm, Scopes and
// KeyID match anything. HomeAccountID, TokenType and UserAssertionHash always match exactly,
// so an application token never satisfies a user lookup and vice versa, unless AnyAccount is set.
type AccessTokenFilter struct {
	HomeAccountID string
	// AnyAccount ignores HomeAccountID. On-behalf-of lookups key on the assertion instead.
	AnyAccount        bool
	Environments      []string
	ClientID          string
	Realm             string
	Scopes            []string
	TokenType         string
	KeyID             string
	UserAssertionHash string
}

func (f AccessTokenFilter) match(at AccessToken) bool {
	if !strings.EqualFold(at.CredentialType, CredentialTypeAccessToken) {
		return false
	}
	if !f.AnyAccount && !strings.EqualFold(at.HomeAccountID, f.HomeAccountID) {
		return false
	}
	if !matchEnv(at.Environment, f.Environments) {
		return false
	}
	if f.ClientID != "" && !strings.EqualFold(at.ClientID, f.ClientID) {
		return false
	}
	if f.Realm != "" && !strings.EqualFold(at.Realm, f.Realm) {
		return false
	}
	if !strings.EqualFold(normalizeTokenType(at.TokenType), normalizeTokenType(f.TokenType)) {
		return false
	}
	if f.KeyID != "" && at.KeyID != f.KeyID {
		return false
	}
	if at.UserAssertionHash != f.UserAssertionHash {
		return false
	}
	return ScopesContain(at.Scopes, f.Scopes)
}

func normalizeTokenType(t string) string {
	if t == "" {
		return authority.TokenTypeBearer
	}
	return t
}

func matchEnv(env string, envs []string) bool {
	if len(envs) == 0 {
		return true
	}
	return slices.ContainsFunc(envs, func(e string) bool { return strings.EqualFold(e, env) })
}

// ScopesContain reports whether target, a space separated scope list, holds every scope
// in requested. Comparison ignores case and order.
func ScopesContain(target string, requested []string) bool {
	have := map[string]bool{}
	for _, s := range strings.Fields(strings.ToLower(target)) {
		have[s] = true
	}
	for _, r := range requested {
		for _, s := range strings.Fields(strings.ToLower(r)) {
			if !have[s] {
				return false
			}
		}
	}
	return true
}

// IDTokenFilter selects id tokens. Empty Environments and Realm match anything.
type IDTokenFilter struct {
	HomeAccountID string
	Environments  []string
	ClientID      string
	Realm         string
}

func (f IDTokenFilter) match(id IDToken) bool {
	return strings.EqualFold(id.CredentialType, CredentialTypeIDToken) &&
		strings.EqualFold(id.HomeAccountID, f.HomeAccountID) &&
		matchEnv(id.Environment, f.Environments) &&
		strings.EqualFold(id.ClientID, f.ClientID) &&
		(f.Realm == "" || strings.EqualFold(id.Realm, f.Realm))
}

// RefreshTokenFilter selects refresh tokens. Empty Environments match anything.
type RefreshTokenFilter struct {
	HomeAccountID     string
	Environments      []string
	ClientID          string
	UserAssertionHash string
}

type keyed[T any] struct {
	key string
	v   T
}

// load decodes every record whose key passes keep and whose value passes accept,
// ordered by key. Values that do not decode belong to someone else and are skipped.
func load[T any](ctx context.Context, store cache.Storage, keep func(string) bool, accept func(T) bool) ([]keyed[T], error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, errors.CacheStorageError{Op: "keys", Err: err}
	}
	sort.Strings(keys)

	var out []keyed[T]
	for _, k := range keys {
		if !keep(k) {
			continue
		}
		b, ok, err := store.GetItem(ctx, k)
		if err != nil {
			return nil, errors.CacheStorageError{Op: "read", Key: k, Err: err}
		}
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			continue
		}
		if accept(v) {
			out = append(out, keyed[T]{key: k, v: v})
		}
	}
	return out, nil
}

func values[T any](in []keyed[T]) []T {
	out := make([]T, 0, len(in))
	for _, kv := range in {
		out = append(out, kv.v)
	}
	return out
}

func (m *Manager) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.CacheStorageError{Op: "encode", Key: key, Err: err}
	}
	if err := m.store.SetItem(ctx, key, b); err != nil {
		return errors.CacheStorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

func (m *Manager) remove(ctx context.Context, key string) error {
	if err := m.store.RemoveItem(ctx, key); err != nil {
		return errors.CacheStorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// WriteAccount upserts acc.
func (m *Manager) WriteAccount(ctx context.Context, acc shared.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	return m.put(ctx, acc.Key(), acc)
}

// WriteCredential upserts c.
func (m *Manager) WriteCredential(ctx context.Context, c Credential) error {
	var err error
	switch v := c.(type) {
	case AccessToken:
		err = v.Check()
	case IDToken:
		err = v.Check()
	case RefreshToken:
		err = v.Check()
	case AppMetaData:
		err = v.Check()
	}
	if err != nil {
		return err
	}
	return m.put(ctx, c.Key(), c)
}

// ReadAccount reads the account stored for homeAccountID at env in realm.
func (m *Manager) ReadAccount(ctx context.Context, homeAccountID, env, realm string) (shared.Account, bool, error) {
	key := shared.AccountKey(homeAccountID, env, realm)
	b, ok, err := m.store.GetItem(ctx, key)
	if err != nil {
		return shared.Account{}, false, errors.CacheStorageError{Op: "read", Key: key, Err: err}
	}
	if !ok {
		return shared.Account{}, false, nil
	}
	acc := shared.Account{}
	if err := json.Unmarshal(b, &acc); err != nil || acc.Validate() != nil {
		return shared.Account{}, false, nil
	}
	return acc, true, nil
}

// ReadAccountByAliases reads the account for homeAccountID in realm under the first of
// envs that has one.
func (m *Manager) ReadAccountByAliases(ctx context.Context, homeAccountID string, envs []string, realm string) (shared.Account, bool, error) {
	for _, env := range envs {
		acc, ok, err := m.ReadAccount(ctx, homeAccountID, env, realm)
		if err != nil || ok {
			return acc, ok, err
		}
	}
	return shared.Account{}, false, nil
}

// AccessTokensByFilter returns every access token f matches, ordered by key.
func (m *Manager) AccessTokensByFilter(ctx context.Context, f AccessTokenFilter) ([]AccessToken, error) {
	found, err := load(ctx, m.store, func(k string) bool { return strings.Contains(k, atMarker) }, f.match)
	if err != nil {
		return nil, err
	}
	return values(found), nil
}

// IDToken returns the id token f matches. When several realms match, the one stored
// under the greatest key wins.
func (m *Manager) IDToken(ctx context.Context, f IDTokenFilter) (IDToken, bool, error) {
	found, err := load(ctx, m.store, func(k string) bool { return strings.Contains(k, idMarker) }, f.match)
	if err != nil || len(found) == 0 {
		return IDToken{}, false, err
	}
	return found[len(found)-1].v, true, nil
}

// RefreshToken returns the refresh token to redeem for f. When the application is in a
// family, or its family status is not yet known, a family token is preferred over one
// issued to the client itself.
func (m *Manager) RefreshToken(ctx context.Context, f RefreshTokenFilter) (RefreshToken, bool, error) {
	base := func(rt RefreshToken) bool {
		return strings.EqualFold(rt.CredentialType, CredentialTypeRefreshToken) &&
			strings.EqualFold(rt.HomeAccountID, f.HomeAccountID) &&
			matchEnv(rt.Environment, f.Environments) &&
			rt.UserAssertionHash == f.UserAssertionHash
	}
	all, err := load(ctx, m.store, func(k string) bool { return strings.Contains(k, rtMarker) }, base)
	if err != nil {
		return RefreshToken{}, false, err
	}

	byFamily := func(rt RefreshToken) bool { return rt.FamilyID != "" }
	byClient := func(rt RefreshToken) bool { return strings.EqualFold(rt.ClientID, f.ClientID) }

	matchers := []func(RefreshToken) bool{byFamily, byClient}
	md, ok, err := m.appMetaDataByAliases(ctx, f.Environments, f.ClientID)
	if err != nil {
		return RefreshToken{}, false, err
	}
	if ok && md.FamilyID == "" {
		matchers = []func(RefreshToken) bool{byClient}
	}
	for _, matcher := range matchers {
		for _, kv := range all {
			if matcher(kv.v) {
				return kv.v, true, nil
			}
		}
	}
	return RefreshToken{}, false, nil
}

// AppMetaData reads the metadata of clientID at env.
func (m *Manager) AppMetaData(ctx context.Context, env, clientID string) (AppMetaData, bool, error) {
	key := AppMetaDataKey(env, clientID)
	b, ok, err := m.store.GetItem(ctx, key)
	if err != nil {
		return AppMetaData{}, false, errors.CacheStorageError{Op: "read", Key: key, Err: err}
	}
	if !ok {
		return AppMetaData{}, false, nil
	}
	md := AppMetaData{}
	if err := json.Unmarshal(b, &md); err != nil {
		return AppMetaData{}, false, nil
	}
	return md, true, nil
}

func (m *Manager) appMetaDataByAliases(ctx context.Context, envs []string, clientID string) (AppMetaData, bool, error) {
	for _, env := range envs {
		md, ok, err := m.AppMetaData(ctx, env, clientID)
		if err != nil || ok {
			return md, ok, err
		}
	}
	return AppMetaData{}, false, nil
}

// Accounts returns every cached account, ordered by key.
func (m *Manager) Accounts(ctx context.Context) ([]shared.Account, error) {
	found, err := load(ctx, m.store, isAccountKey, func(acc shared.Account) bool { return acc.Validate() == nil })
	if err != nil {
		return nil, err
	}
	// Records of other kinds may decode as an Account; only keep those stored under their own key.
	out := make([]shared.Account, 0, len(found))
	for _, kv := range found {
		if kv.v.Key() == kv.key {
			out = append(out, kv.v)
		}
	}
	return out, nil
}

// credentialsOf lists the keys of every credential belonging to homeAccountID at env.
func (m *Manager) credentialsOf(ctx context.Context, homeAccountID, env string) ([]string, error) {
	found, err := load(ctx, m.store, isCredentialKey, func(p commonFields) bool {
		return p.CredentialType != "" && strings.EqualFold(p.HomeAccountID, homeAccountID) && strings.EqualFold(p.Environment, env)
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(found))
	for _, kv := range found {
		keys = append(keys, kv.key)
	}
	return keys, nil
}

// RemoveAccount removes acc and every credential of its home account at its environment.
func (m *Manager) RemoveAccount(ctx context.Context, acc shared.Account) error {
	keys, err := m.credentialsOf(ctx, acc.HomeAccountID, acc.Environment)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.remove(ctx, k); err != nil {
			return err
		}
	}
	return m.remove(ctx, acc.Key())
}

// RemoveCredential removes c. When c was the last credential of its home account at its
// environment, the account records go with it.
func (m *Manager) RemoveCredential(ctx context.Context, c Credential) error {
	if err := m.remove(ctx, c.Key()); err != nil {
		return err
	}
	home, env := c.identity()
	if home == "" {
		return nil
	}
	left, err := m.credentialsOf(ctx, home, env)
	if err != nil || len(left) > 0 {
		return err
	}
	accounts, err := m.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if strings.EqualFold(acc.HomeAccountID, home) && strings.EqualFold(acc.Environment, env) {
			if err := m.remove(ctx, acc.Key()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear removes every record from the storage.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return errors.CacheStorageError{Op: "clear", Err: err}
	}
	return nil
}

type record struct {
	key   string
	value any
}

// Write writes a token response to the cache and returns the account information the
// token is stored with. The records of one response are written together: if any write
// fails, every record already written is restored and a CacheStorageError is returned.
// The account is returned even then.
func (m *Manager) Write(ctx context.Context, authParams authority.AuthParams, tr accesstokens.TokenResponse) (shared.Account, error) {
	userFlow := authParams.AuthorizationType != authority.ATClientCredentials
	environment := authParams.Endpoints.Environment()
	if environment == "" {
		environment = authParams.AuthorityInfo.Host
	}
	clientID := authParams.ClientID
	realm := authParams.AuthorityInfo.Tenant

	var homeAccountID string
	if userFlow {
		homeAccountID = tr.HomeAccountID()
		if tr.IDToken.TenantID != "" {
			realm = tr.IDToken.TenantID
		}
	}

	var (
		account shared.Account
		records []record
	)

	if userFlow && tr.RefreshToken != "" {
		rt := RefreshToken{
			HomeAccountID:     homeAccountID,
			Environment:       environment,
			CredentialType:    CredentialTypeRefreshToken,
			ClientID:          clientID,
			FamilyID:          tr.FamilyID,
			Secret:            tr.RefreshToken,
			UserAssertionHash: authParams.UserAssertionHash,
		}
		if err := rt.Check(); err != nil {
			return account, err
		}
		records = append(records, record{rt.Key(), rt})
	}

	at, err := NewAccessToken(homeAccountID, environment, realm, clientID, tr.ReceivedAt, tr.ExpiresOn, tr.ExtExpiresOn, strings.Join(tr.GrantedScopes, scopeSeparator), tr.AccessToken)
	if err != nil {
		return account, err
	}
	if authParams.TokenType == authority.TokenTypePoP {
		at.TokenType = authority.TokenTypePoP
		at.KeyID = authParams.KeyID
	}
	at.UserAssertionHash = authParams.UserAssertionHash
	records = append(records, record{at.Key(), at})

	if userFlow && !tr.IDToken.IsZero() && homeAccountID != "" {
		idt, err := NewIDToken(homeAccountID, environment, realm, clientID, tr.IDToken.RawToken)
		if err != nil {
			return account, err
		}
		records = append(records, record{idt.Key(), idt})

		account = shared.Account{
			HomeAccountID:     homeAccountID,
			Environment:       environment,
			Realm:             realm,
			LocalAccountID:    tr.IDToken.LocalAccountID(),
			AuthorityType:     authParams.AuthorityInfo.AuthorityType,
			PreferredUsername: tr.IDToken.Username(),
			Name:              tr.IDToken.Name,
			RawClientInfo:     tr.RawClientInfo,
		}
		records = append(records, record{account.Key(), account})
	}

	if userFlow {
		md, err := NewAppMetaData(tr.FamilyID, clientID, environment)
		if err != nil {
			return account, err
		}
		records = append(records, record{md.Key(), md})
	}

	return account, m.writeAll(ctx, records)
}

type prior struct {
	key     string
	value   []byte
	existed bool
}

func (m *Manager) writeAll(ctx context.Context, records []record) error {
	var done []prior
	for _, r := range records {
		b, err := json.Marshal(r.value)
		if err != nil {
			m.rollback(ctx, done)
			return errors.CacheStorageError{Op: "encode", Key: r.key, Err: err}
		}
		prev, existed, err := m.store.GetItem(ctx, r.key)
		if err != nil {
			m.rollback(ctx, done)
			return errors.CacheStorageError{Op: "read", Key: r.key, Err: err}
		}
		done = append(done, prior{key: r.key, value: prev, existed: existed})
		if err := m.store.SetItem(ctx, r.key, b); err != nil {
			m.rollback(ctx, done)
			return errors.CacheStorageError{Op: "write", Key: r.key, Err: err}
		}
	}
	return nil
}

// rollback restores done in reverse order. It runs even when ctx is already cancelled.
func (m *Manager) rollback(ctx context.Context, done []prior) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		p := done[i]
		var err error
		if p.existed {
			err = m.store.SetItem(ctx, p.key, p.value)
		} else {
			err = m.store.RemoveItem(ctx, p.key)
		}
		if err != nil {
			m.log.Log(ctx, logger.Warn, "cache rollback left a record in place",
				logger.Field("key", p.key), logger.Field("restore", p.existed), logger.Field("error", err.Error()))
		}
	}
}
