// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package authority parses authority URIs, carries per-request parameters and calls the
// instance and tenant discovery endpoints.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tokencore/tokencore-go/apps/errors"
)

const (
	authorizationEndpoint     = "https://%v/%v/oauth2/v2.0/authorize"
	instanceDiscoveryEndpoint = "https://%v/common/discovery/instance"
	defaultHost               = "login.microsoftonline.com"
)

// Authority types, persisted as an account's authority_type.
const (
	AAD     = "MSSTS"
	ADFS    = "ADFS"
	Generic = "Generic"
)

type jsonCaller interface {
	JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp interface{}) error
}

var aadTrustedHostList = map[string]bool{
	"login.windows.net":            true, // Microsoft Azure Worldwide - Used in validation scenarios where host is not this list
	"login.chinacloudapi.cn":       true, // Microsoft Azure China
	"login.microsoftonline.de":     true, // Microsoft Azure Blackforest
	"login-us.microsoftonline.com": true, // Microsoft Azure US Government - Legacy
	"login.microsoftonline.us":     true, // Microsoft Azure US Government
	"login.microsoftonline.com":    true, // Microsoft Azure Worldwide
	"login.cloudgovapi.us":         true, // Microsoft Azure US Government
}

// TrustedHost checks if an AAD host is trusted/valid.
func TrustedHost(host string) bool {
	return aadTrustedHostList[host]
}

// OAuthResponseBase is the error payload every endpoint may return.
type OAuthResponseBase struct {
	Error            string `json:"error"`
	SubError         string `json:"suberror"`
	ErrorDescription string `json:"error_description"`
	ErrorCodes       []int  `json:"error_codes"`
	CorrelationID    string `json:"correlation_id"`
	Claims           string `json:"claims"`
}

// TenantDiscoveryResponse is the tenant endpoints from the OpenID configuration endpoint.
type TenantDiscoveryResponse struct {
	OAuthResponseBase

	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	DeviceCodeEndpoint    string `json:"device_authorization_endpoint"`
	Issuer                string `json:"issuer"`
}

// Validate validates that the response had the correct values required.
func (r *TenantDiscoveryResponse) Validate() error {
	var missing string
	switch {
	case r.AuthorizationEndpoint == "":
		missing = "authorization_endpoint"
	case r.TokenEndpoint == "":
		missing = "token_endpoint"
	case r.Issuer == "":
		missing = "issuer"
	default:
		return nil
	}
	return errors.ServerError{
		StatusCode:  http.StatusOK,
		Code:        errors.CodeInvalidResponse,
		Description: "OpenID configuration is missing " + missing,
	}
}

// InstanceDiscoveryMetadata is one cloud's entry in an instance discovery response.
type InstanceDiscoveryMetadata struct {
	PreferredNetwork string   `json:"preferred_network"`
	PreferredCache   string   `json:"preferred_cache"`
	Aliases          []string `json:"aliases"`
}

// InstanceDiscoveryResponse is the response of the instance discovery endpoint.
type InstanceDiscoveryResponse struct {
	OAuthResponseBase

	TenantDiscoveryEndpoint string                      `json:"tenant_discovery_endpoint"`
	Metadata                []InstanceDiscoveryMetadata `json:"metadata"`
}

// MetadataFor returns the entry listing host among its aliases.
func (r InstanceDiscoveryResponse) MetadataFor(host string) (InstanceDiscoveryMetadata, bool) {
	for _, m := range r.Metadata {
		for _, a := range m.Aliases {
			if strings.EqualFold(a, host) {
				return m, true
			}
		}
	}
	return InstanceDiscoveryMetadata{}, false
}

// Endpoints is the resolved metadata of one authority. Once resolved it is shared
// read-only by every request against that authority.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	DeviceCodeEndpoint    string
	Issuer                string
	// Aliases are the hosts the authority is reachable under. Cached entries written
	// under any alias satisfy lookups against the authority.
	Aliases          []string
	PreferredNetwork string
	PreferredCache   string
}

// NewEndpoints creates Endpoints for host with no aliases other than host itself.
func NewEndpoints(authorizationEndpoint, tokenEndpoint, deviceCodeEndpoint, issuer, host string) Endpoints {
	return Endpoints{
		AuthorizationEndpoint: authorizationEndpoint,
		TokenEndpoint:         tokenEndpoint,
		DeviceCodeEndpoint:    deviceCodeEndpoint,
		Issuer:                issuer,
		Aliases:               []string{host},
		PreferredNetwork:      host,
		PreferredCache:        host,
	}
}

// Environment is the host new cache entries are written under.
func (e Endpoints) Environment() string {
	if e.PreferredCache != "" {
		return e.PreferredCache
	}
	if len(e.Aliases) > 0 {
		return e.Aliases[0]
	}
	return ""
}

// Info consists of information about the authority.
type Info struct {
	Host                  string
	CanonicalAuthorityURI string
	AuthorityType         string
	ValidateAuthority     bool
	Tenant                string
}

// NewInfoFromAuthorityURI parses authority, which must be an https URL whose first
// path segment is the tenant.
func NewInfoFromAuthorityURI(authority string, validateAuthority bool) (Info, error) {
	if len(authority) < 1 || authority[len(authority)-1] != '/' {
		authority += "/"
	}
	u, err := url.Parse(strings.ToLower(authority))
	if err != nil {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q could not be parsed", authority)}
	}
	if u.Scheme != "https" {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q must use https", authority)}
	}
	if u.Host == "" {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q has no host", authority)}
	}
	pathParts := strings.Split(u.EscapedPath(), "/")
	if len(pathParts) < 3 || pathParts[1] == "" {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q must contain a tenant, as in https://host/tenant", authority)}
	}
	tenant := pathParts[1]

	authorityType := AAD
	if tenant == "adfs" {
		authorityType = ADFS
	}
	return Info{
		Host:                  u.Hostname(),
		CanonicalAuthorityURI: fmt.Sprintf("https://%v/%v/", u.Host, tenant),
		AuthorityType:         authorityType,
		ValidateAuthority:     validateAuthority && authorityType == AAD,
		Tenant:                tenant,
	}, nil
}

// NewInfoFromGenericAuthority parses the issuer URL of an OIDC provider that is neither
// Entra ID nor ADFS. Its metadata lives at <issuer>/.well-known/openid-configuration and
// it is never sent to instance discovery. The last path segment of the issuer, or the host
// when there is none, is the realm tokens are cached under.
func NewInfoFromGenericAuthority(authority string) (Info, error) {
	u, err := url.Parse(authority)
	if err != nil {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q could not be parsed", authority)}
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q must use https", authority)}
	}
	if u.Host == "" {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q has no host", authority)}
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return Info{}, errors.ClientConfigurationError{Code: errors.CodeInvalidAuthority, Description: fmt.Sprintf("authority %q must not have a query or fragment", authority)}
	}
	host := strings.ToLower(u.Hostname())
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	realm := host
	if i := strings.LastIndex(path, "/"); i >= 0 && path[i+1:] != "" {
		realm = strings.ToLower(path[i+1:])
	}
	return Info{
		Host:                  host,
		CanonicalAuthorityURI: fmt.Sprintf("https://%s%s/", strings.ToLower(u.Host), path),
		AuthorityType:         Generic,
		Tenant:                realm,
	}, nil
}

// IsMultiTenant reports whether Tenant is an alias that resolves to the user's home tenant.
func (i Info) IsMultiTenant() bool {
	switch i.Tenant {
	case "common", "organizations", "consumers":
		return true
	}
	return false
}

// TenantDiscoveryEndpoint is the OpenID configuration URL used when instance discovery
// is skipped.
func (i Info) TenantDiscoveryEndpoint() string {
	switch i.AuthorityType {
	case AAD:
		return i.CanonicalAuthorityURI + "v2.0/.well-known/openid-configuration"
	default:
		return i.CanonicalAuthorityURI + ".well-known/openid-configuration"
	}
}

// AuthorizationType identifies the grant a request redeems.
type AuthorizationType int

const (
	ATUnknown AuthorizationType = iota
	ATClientCredentials
	ATOnBehalfOf
	ATRefreshToken
	ATAuthCode
	ATDeviceCode
)

// String is the OAuth grant_type value of t.
func (t AuthorizationType) String() string {
	switch t {
	case ATClientCredentials:
		return "client_credentials"
	case ATOnBehalfOf:
		return "urn:ietf:params:oauth:grant-type:jwt-bearer"
	case ATRefreshToken:
		return "refresh_token"
	case ATAuthCode:
		return "authorization_code"
	case ATDeviceCode:
		return "urn:ietf:params:oauth:grant-type:device_code"
	}
	return "unknown"
}

// Token types stored in an access token's token_type field.
const (
	TokenTypeBearer = "Bearer"
	TokenTypePoP    = "pop"
)

// AuthParams represents the parameters used for authorization for token acquisition.
type AuthParams struct {
	AuthorityInfo Info
	CorrelationID string
	Endpoints     Endpoints
	ClientID      string
	// Redirecturi is used for auth flows that specify a redirect URI (e.g. local server for interactive auth flow).
	Redirecturi   string
	HomeAccountID string
	// Scopes are the requested scopes, without the OIDC scopes added on the wire.
	Scopes []string
	// AuthorizationType specifies the auth flow being used.
	AuthorizationType AuthorizationType
	// UserAssertion is the access token used to acquire token on behalf of user
	UserAssertion string
	// UserAssertionHash scopes cached on-behalf-of tokens to the assertion that produced them.
	UserAssertionHash string
	// Claims is the caller's claims challenge, a JSON object.
	Claims string
	// Capabilities the client will include with each token request, for example "CP1".
	Capabilities ClientCapabilities
	// ExtraQueryParameters are appended to the token URL when their value is non-empty.
	ExtraQueryParameters map[string]string
	Nonce                string
	// TokenType is TokenTypeBearer unless a proof-of-possession token is requested.
	TokenType string
	// KeyID names the proof-of-possession key when TokenType is TokenTypePoP.
	KeyID string
	// ReqCnf is the base64url encoded confirmation claim sent as req_cnf with a PoP request.
	ReqCnf     string
	AppName    string
	AppVersion string
}

// NewAuthParams creates an authorization parameters object.
func NewAuthParams(clientID string, authorityInfo Info) AuthParams {
	return AuthParams{
		ClientID:      clientID,
		AuthorityInfo: authorityInfo,
		TokenType:     TokenTypeBearer,
	}
}

// WithTenant returns a copy of the AuthParams having the specified tenant ID. If the given
// ID is empty, the copy is identical to the original. This function returns an error in
// several cases:
//   - ID isn't specific (for example, it's "common")
//   - ID is non-empty and the authority doesn't support tenants (for example, it's an ADFS or generic authority)
//   - the client is configured to authenticate only Microsoft accounts via the "consumers" endpoint
func (p AuthParams) WithTenant(ID string) (AuthParams, error) {
	if ID == "" || ID == p.AuthorityInfo.Tenant {
		return p, nil
	}
	switch ID {
	case "common", "consumers", "organizations":
		return p, errors.InvalidConfiguration("tenant %q is not a specific tenant", ID)
	}
	switch {
	case p.AuthorityInfo.AuthorityType == ADFS:
		return p, errors.InvalidConfiguration("ADFS authority doesn't support tenants")
	case p.AuthorityInfo.AuthorityType == Generic:
		return p, errors.InvalidConfiguration("generic OIDC authority doesn't support tenants")
	case p.AuthorityInfo.Tenant == "consumers":
		return p, errors.InvalidConfiguration(`client is configured to authenticate only personal Microsoft accounts, via the "consumers" endpoint`)
	}
	authority := "https://" + p.AuthorityInfo.Host + "/" + ID
	info, err := NewInfoFromAuthorityURI(authority, p.AuthorityInfo.ValidateAuthority)
	if err == nil {
		info.AuthorityType = p.AuthorityInfo.AuthorityType
		p.AuthorityInfo = info
	}
	return p, err
}

// ClientCapabilities holds capabilities the client declares, in the claims request shape.
type ClientCapabilities struct {
	asMap  map[string]any
	asJSON string
}

// NewClientCapabilities converts capabilities such as "CP1" into the claims request
// {"access_token":{"xms_cc":{"values":["CP1"]}}}.
func NewClientCapabilities(capabilities []string) (ClientCapabilities, error) {
	c := ClientCapabilities{}
	if len(capabilities) == 0 {
		return c, nil
	}
	cpbs := make([]string, len(capabilities))
	copy(cpbs, capabilities)
	c.asMap = map[string]any{
		"access_token": map[string]any{
			"xms_cc": map[string]any{"values": cpbs},
		},
	}
	b, err := json.Marshal(c.asMap)
	if err != nil {
		return c, err
	}
	c.asJSON = string(b)
	return c, nil
}

// MergeCapabilitiesAndClaims combines client capabilities and the claims challenge into
// the value of the claims parameter. An empty result, including "{}", is returned as ""
// so that the parameter is omitted.
func (p AuthParams) MergeCapabilitiesAndClaims() (string, error) {
	claims := strings.TrimSpace(p.Claims)
	if claims == "" || claims == "{}" {
		return p.Capabilities.asJSON, nil
	}
	challenge := map[string]any{}
	if err := json.Unmarshal([]byte(claims), &challenge); err != nil {
		return "", errors.InvalidConfiguration("claims must be a JSON object: %s", err)
	}
	for k, v := range p.Capabilities.asMap {
		if existing, ok := challenge[k].(map[string]any); ok {
			for ik, iv := range v.(map[string]any) {
				existing[ik] = iv
			}
			continue
		}
		challenge[k] = v
	}
	if len(challenge) == 0 {
		return "", nil
	}
	b, err := json.Marshal(challenge)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SortedScopes returns the lower-cased, de-duplicated, sorted request scopes.
func (p AuthParams) SortedScopes() []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(p.Scopes))
	for _, s := range p.Scopes {
		s = strings.ToLower(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Client represents the REST calls to authority backends.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm jsonCaller // *comm.Client
}

// GetTenantDiscoveryResponse fetches and validates the OpenID configuration at openIDConfigurationEndpoint.
func (c Client) GetTenantDiscoveryResponse(ctx context.Context, openIDConfigurationEndpoint string) (TenantDiscoveryResponse, error) {
	resp := TenantDiscoveryResponse{}
	if err := c.Comm.JSONCall(ctx, openIDConfigurationEndpoint, http.Header{}, nil, nil, &resp); err != nil {
		return resp, err
	}
	return resp, resp.Validate()
}

// AADInstanceDiscovery calls the instance discovery endpoint of the authority's cloud,
// or of the worldwide cloud when the host is not a known Entra ID host.
func (c Client) AADInstanceDiscovery(ctx context.Context, authorityInfo Info) (InstanceDiscoveryResponse, error) {
	qv := url.Values{}
	qv.Set("api-version", "1.1")
	qv.Set("authorization_endpoint", fmt.Sprintf(authorizationEndpoint, authorityInfo.Host, authorityInfo.Tenant))

	discoveryHost := defaultHost
	if TrustedHost(authorityInfo.Host) {
		discoveryHost = authorityInfo.Host
	}
	endpoint := fmt.Sprintf(instanceDiscoveryEndpoint, discoveryHost)

	resp := InstanceDiscoveryResponse{}
	err := c.Comm.JSONCall(ctx, endpoint, http.Header{}, qv, nil, &resp)
	return resp, err
}
