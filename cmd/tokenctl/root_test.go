// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/mock/gomock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tcerrors "github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/network"
	"github.com/tokencore/tokencore-go/apps/public"
)

const (
	testAuthority = "https://login.example/tenant"
	testClientID  = "cid"
	discoveryURL  = testAuthority + "/v2.0/.well-known/openid-configuration"
	tokenURL      = testAuthority + "/oauth2/v2.0/token"
	deviceCodeURL = testAuthority + "/oauth2/v2.0/devicecode"
)

var discoveryBody = strings.ReplaceAll(`{
	"token_endpoint": "{authority}/oauth2/v2.0/token",
	"authorization_endpoint": "{authority}/oauth2/v2.0/authorize",
	"device_authorization_endpoint": "{authority}/oauth2/v2.0/devicecode",
	"issuer": "{authority}/v2.0"
}`, "{authority}", testAuthority)

const publicConfig = `
authority: https://login.example/tenant
client_id: cid
instance_discovery: false
scopes: [User.Read]
`

const confidentialConfig = `
authority: https://login.example/tenant
client_id: cid
client_secret: s3cret
instance_discovery: false
scopes: [api://resource/.default]
`

func ok(body string) network.Response {
	return network.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
}

func userTokenBody(t *testing.T, accessToken string) string {
	t.Helper()
	now := time.Now()
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud":                testClientID,
		"iss":                testAuthority + "/v2.0",
		"tid":                "tenant",
		"oid":                "oid",
		"sub":                "oid",
		"preferred_username": "user@example.com",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	clientInfo := base64.RawURLEncoding.EncodeToString([]byte(`{"uid":"uid","utid":"tenant"}`))
	b, err := json.Marshal(map[string]any{
		"access_token":  accessToken,
		"refresh_token": "rt",
		"id_token":      idToken,
		"client_info":   clientInfo,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "User.Read",
	})
	require.NoError(t, err)
	return string(b)
}

func newTestApp(t *testing.T, fs afero.Fs, config string, net network.Client) *app {
	t.Helper()
	t.Setenv(secretEnv, "")
	if config != "" {
		require.NoError(t, afero.WriteFile(fs, "/cfg/config.yaml", []byte(config), 0o600))
	}
	return &app{fs: fs, network: net}
}

// run executes tokenctl with args against a, returning stdout and stderr.
func run(a *app, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	a.out, a.errOut = &out, &errOut
	cmd := newRootCmd(a)
	cmd.SetArgs(append([]string{"--config", "/cfg/config.yaml"}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommandStructure(t *testing.T) {
	root := newRootCmd(&app{fs: afero.NewMemMapFs()})
	assert.Equal(t, "tokenctl", root.Use)
	assert.True(t, root.SilenceUsage)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"token", "accounts", "cache", "config", "version"} {
		assert.Contains(t, names, want)
	}

	token, _, err := root.Find([]string{"token"})
	require.NoError(t, err)
	var tokenCmds []string
	for _, c := range token.Commands() {
		tokenCmds = append(tokenCmds, c.Name())
	}
	assert.ElementsMatch(t, []string{"credential", "device", "silent"}, tokenCmds)
}

func TestVersionCommand(t *testing.T) {
	a := newTestApp(t, afero.NewMemMapFs(), "", nil)
	out, _, err := run(a, "version")
	require.NoError(t, err)
	assert.Equal(t, "tokenctl dev\n", out)
}

func TestMissingConfig(t *testing.T) {
	a := newTestApp(t, afero.NewMemMapFs(), "", nil)
	_, _, err := run(a, "token", "credential")
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoConfigFile)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestCredentialCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	net := NewMockNetworkClient(ctrl)
	net.EXPECT().SendRequest(gomock.Any(), discoveryURL, gomock.Any()).Return(ok(discoveryBody), nil).AnyTimes()
	net.EXPECT().SendRequest(gomock.Any(), tokenURL, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req network.Request) (network.Response, error) {
			form, err := url.ParseQuery(req.Body)
			require.NoError(t, err)
			assert.Equal(t, "client_credentials", form.Get("grant_type"))
			assert.Equal(t, "s3cret", form.Get("client_secret"))
			assert.Equal(t, "api://resource/.default", form.Get("scope"))
			return ok(`{"access_token":"app-token","token_type":"Bearer","expires_in":3600}`), nil
		}).Times(1)

	fs := afero.NewMemMapFs()
	stdout, _, err := run(newTestApp(t, fs, confidentialConfig, net), "token", "credential")
	require.NoError(t, err)
	var got tokenOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, "app-token", got.AccessToken)
	assert.False(t, got.FromCache)
	assert.WithinDuration(t, time.Now().Add(time.Hour), got.ExpiresOn, time.Minute)

	// a second process finds the token in the cache file
	stdout, _, err = run(newTestApp(t, fs, confidentialConfig, net), "token", "credential", "-o", "raw")
	require.NoError(t, err)
	assert.Equal(t, "app-token\n", stdout)

	stdout, _, err = run(newTestApp(t, fs, confidentialConfig, net), "cache", "keys")
	require.NoError(t, err)
	assert.Contains(t, stdout, "-accesstoken-cid-tenant-")

	_, _, err = run(newTestApp(t, fs, confidentialConfig, net), "cache", "clear")
	require.NoError(t, err)
	stdout, _, err = run(newTestApp(t, fs, confidentialConfig, net), "cache", "keys")
	require.NoError(t, err)
	assert.Empty(t, stdout)
}

func TestCredentialCommandServerError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	net := NewMockNetworkClient(ctrl)
	net.EXPECT().SendRequest(gomock.Any(), discoveryURL, gomock.Any()).Return(ok(discoveryBody), nil).AnyTimes()
	net.EXPECT().SendRequest(gomock.Any(), tokenURL, gomock.Any()).Return(network.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     http.Header{},
		Body:       []byte(`{"error":"invalid_client","error_description":"bad secret"}`),
	}, nil)

	_, _, err := run(newTestApp(t, afero.NewMemMapFs(), confidentialConfig, net), "token", "credential")
	require.Error(t, err)
	var se tcerrors.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "invalid_client", se.Code)
	assert.Equal(t, exitAuth, exitCode(err))
}

func TestDeviceCodeFlow(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	net := NewMockNetworkClient(ctrl)
	net.EXPECT().SendRequest(gomock.Any(), discoveryURL, gomock.Any()).Return(ok(discoveryBody), nil).AnyTimes()
	gomock.InOrder(
		net.EXPECT().SendRequest(gomock.Any(), deviceCodeURL, gomock.Any()).Return(ok(
			`{"device_code":"dc","user_code":"UC","verification_uri":"https://login.example/device","expires_in":900,"interval":1,"message":"enter UC at https://login.example/device"}`,
		), nil),
		net.EXPECT().SendRequest(gomock.Any(), tokenURL, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, req network.Request) (network.Response, error) {
				form, err := url.ParseQuery(req.Body)
				require.NoError(t, err)
				assert.Equal(t, "dc", form.Get("device_code"))
				return ok(userTokenBody(t, "user-token")), nil
			}),
	)

	fs := afero.NewMemMapFs()
	stdout, stderr, err := run(newTestApp(t, fs, publicConfig, net), "token", "device", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, stderr, "enter UC at https://login.example/device")
	assert.Contains(t, stdout, "access_token: user-token")
	assert.Contains(t, stdout, "account: user@example.com")

	stdout, _, err = run(newTestApp(t, fs, publicConfig, net), "accounts", "list")
	require.NoError(t, err)
	var accounts []public.Account
	require.NoError(t, json.Unmarshal([]byte(stdout), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "uid.tenant", accounts[0].HomeAccountID)
	assert.Equal(t, "user@example.com", accounts[0].PreferredUsername)

	stdout, _, err = run(newTestApp(t, fs, publicConfig, net), "token", "silent", "-o", "raw")
	require.NoError(t, err)
	assert.Equal(t, "user-token\n", stdout)

	_, stderr, err = run(newTestApp(t, fs, publicConfig, net), "accounts", "remove", "user@example.com")
	require.NoError(t, err)
	assert.Contains(t, stderr, "removed uid.tenant")

	_, _, err = run(newTestApp(t, fs, publicConfig, net), "token", "silent")
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoAccount)
	assert.Equal(t, exitAuth, exitCode(err))
}

func TestFlowNeedsMatchingClientKind(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, _, err := run(newTestApp(t, fs, publicConfig, nil), "token", "credential")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_secret or certificate")

	_, _, err = run(newTestApp(t, fs, confidentialConfig, nil), "token", "device")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only available to public clients")
}

func TestConfigCommands(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := newTestApp(t, fs, "", nil)

	_, _, err := run(a, "config", "init", "--client-id", testClientID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authority is required")

	_, stderr, err := run(a, "config", "init", "--client-id", testClientID, "--authority", testAuthority, "--scope", "User.Read")
	require.NoError(t, err)
	assert.Contains(t, stderr, "wrote /cfg/config.yaml")

	_, _, err = run(a, "config", "init", "--client-id", "other", "--authority", testAuthority)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, afero.WriteFile(fs, "/cfg/config.yaml", []byte(confidentialConfig), 0o600))
	stdout, _, err := run(a, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "<redacted>")
	assert.NotContains(t, stdout, "s3cret")
}

func TestPickAccount(t *testing.T) {
	a := public.Account{HomeAccountID: "a.t", PreferredUsername: "a@example.com"}
	b := public.Account{HomeAccountID: "b.t", PreferredUsername: "b@example.com"}

	tests := []struct {
		name     string
		accounts []public.Account
		id       string
		want     public.Account
		errIs    error
		errText  string
	}{
		{name: "only account", accounts: []public.Account{a}, want: a},
		{name: "by home account id", accounts: []public.Account{a, b}, id: "b.t", want: b},
		{name: "by username", accounts: []public.Account{a, b}, id: "a@example.com", want: a},
		{name: "empty cache", errIs: errNoAccount},
		{name: "unknown", accounts: []public.Account{a}, id: "c.t", errIs: errNoAccount},
		{name: "ambiguous", accounts: []public.Account{a, b}, errText: "2 accounts are cached"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickAccount(tt.accounts, tt.id)
			switch {
			case tt.errIs != nil:
				assert.ErrorIs(t, err, tt.errIs)
			case tt.errText != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitOK},
		{name: "generic", err: errors.New("boom"), want: exitError},
		{name: "no config", err: fmt.Errorf("%w at /x", errNoConfigFile), want: exitConfig},
		{name: "client configuration", err: tcerrors.InvalidConfiguration("bad"), want: exitConfig},
		{name: "server", err: tcerrors.ServerError{Code: "invalid_client"}, want: exitAuth},
		{name: "interaction required", err: tcerrors.InteractionRequiredError{ServerError: tcerrors.ServerError{Code: "interaction_required"}}, want: exitAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
