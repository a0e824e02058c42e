// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package accesstokens

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tokencore/tokencore-go/apps/errors"
	internalTime "github.com/tokencore/tokencore-go/apps/internal/json/types/time"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
)

// idTokenSkew is how far past exp an id token is still accepted.
const idTokenSkew = 5 * time.Minute

// TokenResponseJSONPayload is the JSON body of a successful token endpoint response.
type TokenResponseJSONPayload struct {
	authority.OAuthResponseBase

	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
	TokenType    string               `json:"token_type"`
	ExpiresIn    internalTime.Seconds `json:"expires_in"`
	ExtExpiresIn internalTime.Seconds `json:"ext_expires_in"`
	Foci         string               `json:"foci"`
	Scope        string               `json:"scope"`
	IDToken      string               `json:"id_token"`
	ClientInfo   string               `json:"client_info"`
}

// ClientInfo is the decoded client_info parameter, used to create a home account ID.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// HomeAccountID is "uid.utid", or "" when either half is missing.
func (c ClientInfo) HomeAccountID() string {
	if c.UID == "" || c.UTID == "" {
		return ""
	}
	return c.UID + "." + c.UTID
}

// ParseClientInfo decodes raw, a base64url encoded JSON object, with decode.
func ParseClientInfo(raw string, decode func(string) (string, error)) (ClientInfo, error) {
	ci := ClientInfo{}
	if raw == "" {
		return ci, nil
	}
	s, err := decode(raw)
	if err != nil {
		return ci, errors.TokenValidationError{Reason: "client_info is not base64url encoded"}
	}
	if err := json.Unmarshal([]byte(s), &ci); err != nil {
		return ci, errors.TokenValidationError{Reason: "client_info is not a JSON object"}
	}
	return ci, nil
}

// IDToken consists of all the information used to validate a user.
type IDToken struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	Oid               string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	UPN               string `json:"upn,omitempty"`
	Email             string `json:"email,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	RawToken          string `json:"-"`
}

// NewIDToken decodes the claims of raw. The signature is not verified; the token
// arrived over TLS from the discovered token endpoint. An empty raw yields the zero IDToken.
func NewIDToken(raw string) (IDToken, error) {
	idToken := IDToken{}
	if raw == "" {
		return idToken, nil
	}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &idToken); err != nil {
		return IDToken{}, errors.TokenValidationError{Reason: "id_token is not a well-formed JWT: " + err.Error()}
	}
	idToken.RawToken = raw
	return idToken, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i.RawToken == ""
}

// LocalAccountID is the object id, or the subject when the provider sends none.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// Username is the best human readable name of the signed-in user.
func (i IDToken) Username() string {
	switch {
	case i.PreferredUsername != "":
		return i.PreferredUsername
	case i.UPN != "":
		return i.UPN
	}
	return i.Email
}

// Validate checks the audience, expiry, issuer and nonce of the token. An issuer that
// still contains the "{tenantid}" template, or an empty one, is not compared.
func (i IDToken) Validate(clientID, issuer, nonce string, now time.Time) error {
	if i.IsZero() {
		return nil
	}
	if clientID != "" && !slices.Contains([]string(i.Audience), clientID) {
		return errors.TokenValidationError{Reason: "id_token audience does not contain the client id"}
	}
	if i.ExpiresAt != nil && now.After(i.ExpiresAt.Add(idTokenSkew)) {
		return errors.TokenValidationError{Reason: "id_token is expired"}
	}
	if issuer != "" && !strings.Contains(strings.ToLower(issuer), "{tenantid}") && !strings.EqualFold(i.Issuer, issuer) {
		return errors.TokenValidationError{Reason: fmt.Sprintf("id_token issuer %q does not match %q", i.Issuer, issuer)}
	}
	if nonce != "" && i.Nonce != nonce {
		return errors.TokenValidationError{Reason: "id_token nonce does not match the request"}
	}
	return nil
}

// TokenResponse is the information that is returned from a token endpoint during a token acquisition flow.
type TokenResponse struct {
	AccessToken    string
	RefreshToken   string
	TokenType      string
	IDToken        IDToken
	FamilyID       string
	GrantedScopes  []string
	DeclinedScopes []string
	ExpiresOn      time.Time
	ExtExpiresOn   time.Time
	RawClientInfo  string
	ClientInfo     ClientInfo
	// ReceivedAt is when the response arrived, stored as the cached_at of its tokens.
	ReceivedAt time.Time
}

// NewTokenResponse creates a TokenResponse instance from the response from the token endpoint.
// Granted scopes default to the requested ones when the response lists none.
func NewTokenResponse(authParams authority.AuthParams, payload TokenResponseJSONPayload, now time.Time) (TokenResponse, error) {
	if payload.Error != "" {
		return TokenResponse{}, errors.ServerError{
			StatusCode:    http.StatusOK,
			Code:          payload.Error,
			Description:   payload.ErrorDescription,
			ErrorCodes:    payload.ErrorCodes,
			SubError:      payload.SubError,
			CorrelationID: payload.CorrelationID,
		}
	}
	if payload.AccessToken == "" {
		return TokenResponse{}, errors.TokenValidationError{Reason: "response is missing access_token"}
	}
	idToken, err := NewIDToken(payload.IDToken)
	if err != nil {
		return TokenResponse{}, err
	}

	var granted, declined []string
	if strings.TrimSpace(payload.Scope) == "" {
		granted = append(granted, authParams.Scopes...)
	} else {
		granted = strings.Fields(payload.Scope)
		declined = findDeclinedScopes(authParams.Scopes, granted)
	}

	tokenType := payload.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, authority.TokenTypeBearer) {
		tokenType = authority.TokenTypeBearer
	}

	expiresOn := payload.ExpiresIn.From(now)
	extExpiresOn := expiresOn
	if payload.ExtExpiresIn.D > 0 {
		extExpiresOn = payload.ExtExpiresIn.From(now)
	}

	return TokenResponse{
		AccessToken:    payload.AccessToken,
		RefreshToken:   payload.RefreshToken,
		TokenType:      tokenType,
		IDToken:        idToken,
		FamilyID:       payload.Foci,
		GrantedScopes:  granted,
		DeclinedScopes: declined,
		ExpiresOn:      expiresOn,
		ExtExpiresOn:   extExpiresOn,
		RawClientInfo:  payload.ClientInfo,
		ReceivedAt:     now,
	}, nil
}

// DecodeClientInfo fills ClientInfo from RawClientInfo.
func (tr *TokenResponse) DecodeClientInfo(decode func(string) (string, error)) error {
	ci, err := ParseClientInfo(tr.RawClientInfo, decode)
	if err != nil {
		return err
	}
	tr.ClientInfo = ci
	return nil
}

// HomeAccountID identifies the user across tenants. It comes from client_info, falling
// back to the id token's local account id for providers that send no client_info.
func (tr TokenResponse) HomeAccountID() string {
	if id := tr.ClientInfo.HomeAccountID(); id != "" {
		return id
	}
	return tr.IDToken.LocalAccountID()
}

func findDeclinedScopes(requestedScopes []string, grantedScopes []string) []string {
	var declined []string
	grantedMap := map[string]bool{}
	for _, s := range grantedScopes {
		grantedMap[strings.ToLower(s)] = true
	}
	for _, r := range requestedScopes {
		if !grantedMap[strings.ToLower(r)] && !oidcScopes[strings.ToLower(r)] {
			declined = append(declined, r)
		}
	}
	return declined
}

// DeviceCodeResponse represents the HTTP response received from the device code endpoint
type DeviceCodeResponse struct {
	authority.OAuthResponseBase

	UserCode        string               `json:"user_code"`
	DeviceCode      string               `json:"device_code"`
	VerificationURI string               `json:"verification_uri"`
	VerificationURL string               `json:"verification_url"`
	ExpiresIn       internalTime.Seconds `json:"expires_in"`
	Interval        int                  `json:"interval"`
	Message         string               `json:"message"`
}

// DeviceCodeResult stores the response from the device code endpoint.
type DeviceCodeResult struct {
	// UserCode is the code the user needs to provide when authentication at the verification URI.
	UserCode string
	// DeviceCode is the code used in the access token request.
	DeviceCode string
	// VerificationURL is the the URL where user can authenticate.
	VerificationURL string
	// ExpiresOn is when the device code stops being redeemable.
	ExpiresOn time.Time
	// Interval is the number of seconds to wait between polls.
	Interval int
	// Message is the message which should be displayed to the user.
	Message string
	// ClientID is the UUID issued by the authorization server for your application.
	ClientID string
	// Scopes is the OpenID scopes used to request access a protected API.
	Scopes []string
}

// ToDeviceCodeResult converts the DeviceCodeResponse to a DeviceCodeResult
func (dcr DeviceCodeResponse) ToDeviceCodeResult(clientID string, scopes []string, now time.Time) DeviceCodeResult {
	u := dcr.VerificationURI
	if u == "" {
		u = dcr.VerificationURL
	}
	interval := dcr.Interval
	if interval <= 0 {
		interval = 5
	}
	return DeviceCodeResult{
		UserCode:        dcr.UserCode,
		DeviceCode:      dcr.DeviceCode,
		VerificationURL: u,
		ExpiresOn:       dcr.ExpiresIn.From(now),
		Interval:        interval,
		Message:         dcr.Message,
		ClientID:        clientID,
		Scopes:          scopes,
	}
}

func (dcr DeviceCodeResult) String() string {
	return fmt.Sprintf("UserCode: (%v)\nDeviceCode: (%v)\nURL: (%v)\nMessage: (%v)\n", dcr.UserCode, dcr.DeviceCode, dcr.VerificationURL, dcr.Message)
}
