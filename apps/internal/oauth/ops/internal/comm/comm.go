// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package comm provides helpers for communicating with HTTP backends through the
// network capability, translating statuses and transport failures into typed errors.
package comm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/network"
)

// Client provides a wrapper to the network capability that has methods for JSON and
// form-encoded calls.
type Client struct {
	net network.Client
	now func() time.Time
}

// New returns a new Client object.
func New(net network.Client) *Client {
	if net == nil {
		net = network.Unimplemented{}
	}
	return &Client{net: net, now: time.Now}
}

// JSONCall connects to the REST endpoint passing the HTTP query values, headers and JSON
// conversion of body in the HTTP body. The response is JSON unmarshalled into resp.
// resp must be a pointer to a struct. A nil body issues a GET.
func (c *Client) JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp interface{}) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse path URL(%s): %w", endpoint, err)
	}
	if len(qv) > 0 {
		merged := u.Query()
		for k, vs := range qv {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	if headers == nil {
		headers = http.Header{}
	}

	req := network.Request{Method: http.MethodGet, Header: headers, Cacheable: true}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bug: conn.Call(): could not marshal the body object: %w", err)
		}
		req.Method = http.MethodPost
		req.Cacheable = false
		req.Body = string(data)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return c.do(ctx, u.String(), req, resp)
}

// URLFormCall is used to make a call where we need to send application/x-www-form-urlencoded data
// to the backend and receive JSON back. qv will be encoded into the request body.
func (c *Client) URLFormCall(ctx context.Context, endpoint string, qv url.Values, resp interface{}) error {
	if len(qv) == 0 {
		return fmt.Errorf("URLFormCall() requires qv to have non-zero length")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return fmt.Errorf("could not parse path URL(%s): %w", endpoint, err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	if id := qv.Get("client-request-id"); id != "" {
		header.Set("client-request-id", id)
	}
	req := network.Request{Method: http.MethodPost, Header: header, Body: qv.Encode()}
	return c.do(ctx, endpoint, req, resp)
}

func (c *Client) do(ctx context.Context, u string, req network.Request, resp interface{}) error {
	reply, err := c.net.SendRequest(ctx, u, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.CancelledError{Err: ctxErr}
		}
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return errors.CancelledError{Err: err}
		}
		var cfgErr errors.ClientConfigurationError
		if stderrors.As(err, &cfgErr) {
			return err
		}
		return errors.NetworkError{Err: err}
	}

	if reply.StatusCode < 200 || reply.StatusCode > 299 {
		return errors.CallErr{
			Method:     req.Method,
			URL:        u,
			StatusCode: reply.StatusCode,
			Header:     reply.Header,
			Err:        c.serverError(reply),
		}
	}
	if err := json.Unmarshal(reply.Body, resp); err != nil {
		return errors.ServerError{
			StatusCode:  reply.StatusCode,
			Code:        errors.CodeInvalidResponse,
			Description: "response body could not be decoded: " + err.Error(),
		}
	}
	return nil
}

type errorPayload struct {
	Error            string `json:"error"`
	SubError         string `json:"suberror"`
	ErrorDescription string `json:"error_description"`
	ErrorCodes       []int  `json:"error_codes"`
	CorrelationID    string `json:"correlation_id"`
	Claims           string `json:"claims"`
}

func (c *Client) serverError(reply network.Response) error {
	payload := errorPayload{}
	// Providers sometimes answer failures with HTML; the status alone is then all we have.
	_ = json.Unmarshal(reply.Body, &payload)

	se := errors.ServerError{
		StatusCode:    reply.StatusCode,
		Code:          payload.Error,
		Description:   payload.ErrorDescription,
		ErrorCodes:    payload.ErrorCodes,
		SubError:      payload.SubError,
		CorrelationID: payload.CorrelationID,
		Claims:        payload.Claims,
		RetryAfter:    retryAfter(reply.Header, c.now()),
	}
	if se.Code == "" {
		se.Code = http.StatusText(reply.StatusCode)
		se.Code = strings.ToLower(strings.ReplaceAll(se.Code, " ", "_"))
	}
	if interactionRequired(se.Code, se.SubError) {
		return errors.InteractionRequiredError{ServerError: se}
	}
	return se
}

var (
	interactionRequiredCodes = map[string]bool{
		"interaction_required": true,
		"consent_required":     true,
		"login_required":       true,
		"bad_token":            true,
	}
	interactionRequiredSubErrors = map[string]bool{
		"message_only":          true,
		"additional_action":     true,
		"basic_action":          true,
		"user_password_expired": true,
		"consent_required":      true,
		"bad_token":             true,
	}
)

func interactionRequired(code, subError string) bool {
	if interactionRequiredCodes[code] {
		return true
	}
	return code == "invalid_grant" && interactionRequiredSubErrors[subError]
}

// retryAfter parses a Retry-After header given either as seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
