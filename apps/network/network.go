// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package network defines the transport capability token requests are sent through
// and a default implementation built on an azcore pipeline.
package network

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/version"
)

// Request describes one outbound call.
type Request struct {
	// Method defaults to GET, or POST when Body is set.
	Method string
	Header http.Header
	Body   string
	// Cacheable marks idempotent metadata lookups a transport may answer from its own cache.
	// PipelineClient keeps successful cacheable GET responses for its lifetime.
	Cacheable bool
}

// Response is what a Client returns for any HTTP status. Non-2xx statuses are not errors
// at this layer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the network capability. Implementations return an error only when no
// response was received, and must honor ctx cancellation.
type Client interface {
	SendRequest(ctx context.Context, url string, req Request) (Response, error)
}

// Unimplemented is the Client used when none is configured.
type Unimplemented struct{}

func (Unimplemented) SendRequest(context.Context, string, Request) (Response, error) {
	return Response{}, errors.NotImplemented("Network", "SendRequest")
}

// PipelineClient sends requests through an azcore pipeline. It is safe for concurrent use.
type PipelineClient struct {
	pl runtime.Pipeline

	mu    sync.Mutex
	cache map[string]Response
}

// NewPipelineClient creates a PipelineClient. A nil options uses azcore defaults with
// retries disabled, since retry policy belongs to the caller.
func NewPipelineClient(options *policy.ClientOptions) *PipelineClient {
	if options == nil {
		options = &policy.ClientOptions{}
		options.Retry.MaxRetries = -1
	}
	return &PipelineClient{
		pl:    runtime.NewPipeline("tokencore", version.Version, runtime.PipelineOptions{}, options),
		cache: map[string]Response{},
	}
}

func (c *PipelineClient) cached(url string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.cache[url]
	return resp, ok
}

func (c *PipelineClient) store(url string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[url] = resp
}

func (c *PipelineClient) SendRequest(ctx context.Context, url string, r Request) (Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
		if r.Body != "" {
			method = http.MethodPost
		}
	}
	cacheable := r.Cacheable && method == http.MethodGet
	if cacheable {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		if resp, ok := c.cached(url); ok {
			return resp, nil
		}
	}
	req, err := runtime.NewRequest(ctx, method, url)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Raw().Header.Add(k, v)
		}
	}
	if r.Body != "" {
		contentType := req.Raw().Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded; charset=utf-8"
		}
		if err := req.SetBody(streaming.NopCloser(strings.NewReader(r.Body)), contentType); err != nil {
			return Response{}, err
		}
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return Response{}, err
	}
	body, err := runtime.Payload(resp)
	if err != nil {
		return Response{}, err
	}
	out := Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if cacheable && out.StatusCode >= 200 && out.StatusCode < 300 {
		c.store(url, out)
	}
	return out, nil
}
