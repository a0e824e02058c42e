// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kylelemons/godebug/pretty"
	"github.com/tokencore/tokencore-go/apps/cache"
	tcerrors "github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/logger"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/internal/shared"
)

// flakyStorage fails SetItem for keys containing failSet, RemoveItem when failRemove is set
// and Keys when failKeys is set.
type flakyStorage struct {
	*cache.Memory
	failSet    string
	failRemove bool
	failKeys   bool
}

func (f *flakyStorage) RemoveItem(ctx context.Context, key string) error {
	if f.failRemove {
		return errors.New("read-only volume")
	}
	return f.Memory.RemoveItem(ctx, key)
}

func (f *flakyStorage) SetItem(ctx context.Context, key string, value []byte) error {
	if f.failSet != "" && strings.Contains(key, f.failSet) {
		return errors.New("disk full")
	}
	return f.Memory.SetItem(ctx, key, value)
}

func (f *flakyStorage) Keys(ctx context.Context) ([]string, error) {
	if f.failKeys {
		return nil, errors.New("unavailable")
	}
	return f.Memory.Keys(ctx)
}

func mustAT(t *testing.T, home, env, realm, client, scopes string) AccessToken {
	t.Helper()
	at, err := NewAccessToken(home, env, realm, client, testNow, testNow.Add(time.Hour), testNow.Add(time.Hour), scopes, "secret-"+scopes)
	if err != nil {
		t.Fatal(err)
	}
	return at
}

func TestAccessTokensByFilter(t *testing.T) {
	ctx := context.Background()
	m := New(cache.NewMemory(), nil)

	user := mustAT(t, testHID, env, realm, clientID, "A B C")
	app := mustAT(t, "", env, realm, clientID, "A B C")
	alias := mustAT(t, testHID, "login.alias", realm, clientID, "D")
	pop := mustAT(t, testHID, env, realm, clientID, "A")
	pop.TokenType = authority.TokenTypePoP
	pop.KeyID = "kid"
	obo := mustAT(t, "", env, realm, clientID, "A B")
	obo.UserAssertionHash = "hash"
	for _, c := range []Credential{user, app, alias, pop, obo} {
		if err := m.WriteCredential(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		desc   string
		filter AccessTokenFilter
		want   []AccessToken
	}{
		{
			desc:   "superset scopes match",
			filter: AccessTokenFilter{HomeAccountID: testHID, Environments: []string{env}, ClientID: clientID, Realm: realm, Scopes: []string{"a", "B"}},
			want:   []AccessToken{user},
		},
		{
			desc:   "missing scope does not match",
			filter: AccessTokenFilter{HomeAccountID: testHID, Scopes: []string{"A", "D"}},
		},
		{
			desc:   "application tokens never match a user",
			filter: AccessTokenFilter{HomeAccountID: "", Environments: []string{env}, Scopes: []string{"C"}},
			want:   []AccessToken{app},
		},
		{
			desc:   "aliases",
			filter: AccessTokenFilter{HomeAccountID: testHID, Environments: []string{"LOGIN.ALIAS", env}, Scopes: []string{"d"}},
			want:   []AccessToken{alias},
		},
		{
			desc:   "pop tokens need a pop filter",
			filter: AccessTokenFilter{HomeAccountID: testHID, Scopes: []string{"A"}, TokenType: "pop", KeyID: "kid"},
			want:   []AccessToken{pop},
		},
		{
			desc:   "pop key mismatch",
			filter: AccessTokenFilter{HomeAccountID: testHID, Scopes: []string{"A"}, TokenType: "pop", KeyID: "other"},
		},
		{
			desc:   "assertion hash",
			filter: AccessTokenFilter{AnyAccount: true, UserAssertionHash: "hash", Scopes: []string{"b"}},
			want:   []AccessToken{obo},
		},
		{
			desc:   "other realm",
			filter: AccessTokenFilter{HomeAccountID: testHID, Realm: "other"},
		},
	}
	for _, test := range tests {
		got, err := m.AccessTokensByFilter(ctx, test.filter)
		if err != nil {
			t.Errorf("TestAccessTokensByFilter(%s): %s", test.desc, err)
			continue
		}
		if len(got) == 0 {
			got = nil
		}
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestAccessTokensByFilter(%s): -want/+got:\n%s", test.desc, diff)
		}
	}

	all, err := m.AccessTokensByFilter(ctx, AccessTokenFilter{HomeAccountID: testHID})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key() > all[i].Key() {
			t.Errorf("TestAccessTokensByFilter: results are not ordered by key")
		}
	}
}

func TestScopesContain(t *testing.T) {
	tests := []struct {
		target    string
		requested []string
		want      bool
	}{
		{target: "a b c", requested: []string{"A", "B"}, want: true},
		{target: "a b c", requested: []string{"b", "a"}, want: true},
		{target: "a b c", requested: []string{"a", "d"}, want: false},
		{target: "a b c", requested: nil, want: true},
		{target: "", requested: []string{"a"}, want: false},
	}
	for _, test := range tests {
		if got := ScopesContain(test.target, test.requested); got != test.want {
			t.Errorf("TestScopesContain(%q, %v): got %v, want %v", test.target, test.requested, got, test.want)
		}
	}
}

func TestStorageErrors(t *testing.T) {
	ctx := context.Background()
	m := New(&flakyStorage{Memory: cache.NewMemory(), failKeys: true}, nil)
	_, err := m.AccessTokensByFilter(ctx, AccessTokenFilter{})
	var cse tcerrors.CacheStorageError
	if !errors.As(err, &cse) || cse.Op != "keys" {
		t.Errorf("TestStorageErrors: got %v, want CacheStorageError from Keys", err)
	}

	m = New(nil, nil)
	err = m.WriteAccount(ctx, shared.Account{HomeAccountID: testHID, Environment: env, Realm: realm})
	if tcerrors.Code(err) != tcerrors.CodeCacheStorage {
		t.Errorf("TestStorageErrors: unimplemented storage got %v", err)
	}
	if !strings.Contains(err.Error(), "SetItem") {
		t.Errorf("TestStorageErrors: unimplemented storage message %q does not name the method", err)
	}
}

func TestRefreshTokenFamily(t *testing.T) {
	ctx := context.Background()
	m := New(cache.NewMemory(), nil)

	own, _ := NewRefreshToken(testHID, env, clientID, "own", "")
	family, _ := NewRefreshToken(testHID, env, "other-client", "family", "1")
	for _, c := range []Credential{own, family} {
		if err := m.WriteCredential(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	f := RefreshTokenFilter{HomeAccountID: testHID, Environments: []string{env}, ClientID: clientID}

	got, ok, err := m.RefreshToken(ctx, f)
	if err != nil || !ok {
		t.Fatalf("TestRefreshTokenFamily(unknown status): ok %v err %v", ok, err)
	}
	if got.Secret != "family" {
		t.Errorf("TestRefreshTokenFamily(unknown status): got %q, want the family token", got.Secret)
	}

	md, _ := NewAppMetaData("", clientID, env)
	if err := m.WriteCredential(ctx, md); err != nil {
		t.Fatal(err)
	}
	got, _, _ = m.RefreshToken(ctx, f)
	if got.Secret != "own" {
		t.Errorf("TestRefreshTokenFamily(not in family): got %q, want the client's own token", got.Secret)
	}

	if err := m.RemoveCredential(ctx, own); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.RefreshToken(ctx, f); ok {
		t.Errorf("TestRefreshTokenFamily(not in family): a family token was used by a client outside the family")
	}

	if _, ok, _ := m.RefreshToken(ctx, RefreshTokenFilter{HomeAccountID: "someone-else", ClientID: clientID}); ok {
		t.Errorf("TestRefreshTokenFamily: found a token for another account")
	}
}

func testIDToken(t *testing.T) accesstokens.IDToken {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud":                clientID,
		"oid":                "oid",
		"tid":                "tid-realm",
		"preferred_username": "user@example.com",
		"name":               "User",
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	idt, err := accesstokens.NewIDToken(raw)
	if err != nil {
		t.Fatal(err)
	}
	return idt
}

func testWrite(t *testing.T) (authority.AuthParams, accesstokens.TokenResponse) {
	info, err := authority.NewInfoFromAuthorityURI("https://login.example/tenant", false)
	if err != nil {
		t.Fatal(err)
	}
	params := authority.NewAuthParams(clientID, info)
	params.Endpoints = authority.NewEndpoints("", "https://login.example/tenant/oauth2/v2.0/token", "", "", env)
	params.AuthorizationType = authority.ATAuthCode
	params.Scopes = []string{"User.Read"}

	tr := accesstokens.TokenResponse{
		AccessToken:   "at",
		RefreshToken:  "rt",
		TokenType:     "Bearer",
		IDToken:       testIDToken(t),
		GrantedScopes: []string{"User.Read"},
		ExpiresOn:     testNow.Add(time.Hour),
		ExtExpiresOn:  testNow.Add(time.Hour),
		ClientInfo:    accesstokens.ClientInfo{UID: "uid", UTID: "utid"},
		RawClientInfo: "raw",
		ReceivedAt:    testNow,
	}
	return params, tr
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	m := New(store, nil)
	params, tr := testWrite(t)

	acc, err := m.Write(ctx, params, tr)
	if err != nil {
		t.Fatalf("TestWrite: %s", err)
	}
	wantAcc := shared.Account{
		HomeAccountID:     "uid.utid",
		Environment:       env,
		Realm:             "tid-realm",
		LocalAccountID:    "oid",
		AuthorityType:     authority.AAD,
		PreferredUsername: "user@example.com",
		Name:              "User",
		RawClientInfo:     "raw",
	}
	if diff := pretty.Compare(wantAcc, acc); diff != "" {
		t.Errorf("TestWrite: account -want/+got:\n%s", diff)
	}

	keys, _ := store.Keys(ctx)
	wantKeys := []string{
		"appmetadata-login.example-clientid",
		"uid.utid-login.example-accesstoken-clientid-tid-realm-user.read",
		"uid.utid-login.example-idtoken-clientid-tid-realm-",
		"uid.utid-login.example-refreshtoken-clientid--",
		"uid.utid-login.example-tid-realm",
	}
	if diff := pretty.Compare(wantKeys, keys); diff != "" {
		t.Errorf("TestWrite: keys -want/+got:\n%s", diff)
	}

	got, ok, err := m.ReadAccount(ctx, "uid.utid", env, "tid-realm")
	if err != nil || !ok {
		t.Fatalf("TestWrite: ReadAccount(): ok %v err %v", ok, err)
	}
	if diff := pretty.Compare(wantAcc, got); diff != "" {
		t.Errorf("TestWrite: ReadAccount() -want/+got:\n%s", diff)
	}
	idt, ok, err := m.IDToken(ctx, IDTokenFilter{HomeAccountID: "uid.utid", Environments: []string{env}, ClientID: clientID})
	if err != nil || !ok || idt.Secret != tr.IDToken.RawToken {
		t.Errorf("TestWrite: IDToken(): ok %v err %v", ok, err)
	}
	accounts, err := m.Accounts(ctx)
	if err != nil || len(accounts) != 1 {
		t.Errorf("TestWrite: Accounts() returned %d accounts, err %v", len(accounts), err)
	}
}

func TestWriteClientCredentials(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	m := New(store, nil)
	params, tr := testWrite(t)
	params.AuthorizationType = authority.ATClientCredentials

	acc, err := m.Write(ctx, params, tr)
	if err != nil {
		t.Fatal(err)
	}
	if !acc.IsZero() {
		t.Errorf("TestWriteClientCredentials: got account %+v", acc)
	}
	keys, _ := store.Keys(ctx)
	if diff := pretty.Compare([]string{"-login.example-accesstoken-clientid-tenant-user.read"}, keys); diff != "" {
		t.Errorf("TestWriteClientCredentials: keys -want/+got:\n%s", diff)
	}
}

func TestWriteRollback(t *testing.T) {
	ctx := context.Background()
	store := &flakyStorage{Memory: cache.NewMemory()}
	m := New(store, nil)
	params, tr := testWrite(t)

	old, err := NewAccessToken("uid.utid", env, "tid-realm", clientID, testNow.Add(-time.Hour), testNow, testNow, "user.read", "old")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteCredential(ctx, old); err != nil {
		t.Fatal(err)
	}

	store.failSet = "-idtoken-"
	acc, err := m.Write(ctx, params, tr)
	var cse tcerrors.CacheStorageError
	if !errors.As(err, &cse) {
		t.Fatalf("TestWriteRollback: got %v, want CacheStorageError", err)
	}
	if !strings.Contains(cse.Key, "-idtoken-") {
		t.Errorf("TestWriteRollback: error key %q", cse.Key)
	}
	if strings.Contains(err.Error(), tr.AccessToken) || strings.Contains(err.Error(), tr.RefreshToken) {
		t.Errorf("TestWriteRollback: error message leaks a token")
	}
	if acc.HomeAccountID != "uid.utid" {
		t.Errorf("TestWriteRollback: account was not returned on failure")
	}

	store.failSet = ""
	keys, _ := store.Keys(ctx)
	if diff := pretty.Compare([]string{old.Key()}, keys); diff != "" {
		t.Errorf("TestWriteRollback: keys after rollback -want/+got:\n%s", diff)
	}
	ats, _ := m.AccessTokensByFilter(ctx, AccessTokenFilter{HomeAccountID: "uid.utid"})
	if len(ats) != 1 || ats[0].Secret != "old" {
		t.Errorf("TestWriteRollback: previous access token was not restored: %+v", ats)
	}
}

func TestWriteRollbackFailureLogged(t *testing.T) {
	ctx := context.Background()
	store := &flakyStorage{Memory: cache.NewMemory(), failSet: "-idtoken-", failRemove: true}
	buf := &bytes.Buffer{}
	m := New(store, logger.New(slog.New(slog.NewTextHandler(buf, nil))))
	params, tr := testWrite(t)
	tr.AccessToken, tr.RefreshToken = "access-secret-value", "refresh-secret-value"

	if _, err := m.Write(ctx, params, tr); err == nil {
		t.Fatal("TestWriteRollbackFailureLogged: got err == nil, want a CacheStorageError")
	}
	got := buf.String()
	for _, want := range []string{"level=WARN", "cache rollback left a record in place", "-refreshtoken-", "read-only volume"} {
		if !strings.Contains(got, want) {
			t.Errorf("TestWriteRollbackFailureLogged: log %q does not contain %q", got, want)
		}
	}
	if strings.Contains(got, tr.AccessToken) || strings.Contains(got, tr.RefreshToken) {
		t.Errorf("TestWriteRollbackFailureLogged: log leaks a token")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	m := New(store, nil)
	params, tr := testWrite(t)

	acc, err := m.Write(ctx, params, tr)
	if err != nil {
		t.Fatal(err)
	}
	// A foreign value the engine must leave alone.
	if err := store.SetItem(ctx, "app-settings", []byte(`{"theme":"dark"}`)); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveAccount(ctx, acc); err != nil {
		t.Fatalf("TestRemove: RemoveAccount(): %s", err)
	}
	keys, _ := store.Keys(ctx)
	if diff := pretty.Compare([]string{"app-settings", "appmetadata-login.example-clientid"}, keys); diff != "" {
		t.Errorf("TestRemove: keys after RemoveAccount -want/+got:\n%s", diff)
	}

	if _, err := m.Write(ctx, params, tr); err != nil {
		t.Fatal(err)
	}
	ats, _ := m.AccessTokensByFilter(ctx, AccessTokenFilter{HomeAccountID: "uid.utid"})
	idt, _, _ := m.IDToken(ctx, IDTokenFilter{HomeAccountID: "uid.utid", ClientID: clientID})
	rt, _, _ := m.RefreshToken(ctx, RefreshTokenFilter{HomeAccountID: "uid.utid", ClientID: clientID})

	for i, c := range []Credential{ats[0], idt, rt} {
		if err := m.RemoveCredential(ctx, c); err != nil {
			t.Fatalf("TestRemove: RemoveCredential(%d): %s", i, err)
		}
		_, ok, _ := m.ReadAccount(ctx, acc.HomeAccountID, acc.Environment, acc.Realm)
		if last := i == 2; ok == last {
			t.Errorf("TestRemove: after removing credential %d account present == %v", i, ok)
		}
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if keys, _ := store.Keys(ctx); len(keys) != 0 {
		t.Errorf("TestRemove: Clear() left %v", keys)
	}
}
