// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package errors holds the typed errors returned by token acquisition. Every error
// carries a stable code available through ErrorCode() or Code(). Messages never
// contain token, assertion or client secret material.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

// Stable error codes.
const (
	CodeCapabilityNotImplemented = "capability_not_implemented"
	CodeInvalidConfiguration     = "invalid_configuration"
	CodeInvalidAuthority         = "invalid_authority"
	CodeNetwork                  = "network_error"
	CodeServer                   = "server_error"
	CodeInvalidResponse          = "invalid_response"
	CodeThrottled                = "throttled"
	CodeCacheStorage             = "cache_storage_error"
	CodeTokenValidation          = "token_validation_error"
	CodeMalformedEntity          = "malformed_entity"
	CodeCancelled                = "cancelled"
	CodeNoTokensFound            = "no_tokens_found"
)

// Coder is implemented by every error in this package.
type Coder interface {
	ErrorCode() string
}

// Code returns the stable code of the first error in err's chain that has one.
// Errors from outside this package yield "".
func Code(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	if v, ok := err.(verboser); ok {
		return v.Verbose()
	}
	return err.Error()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// ClientConfigurationError reports a missing or invalid option, including a
// capability that was never supplied. It is never retried.
type ClientConfigurationError struct {
	Code        string
	Description string
}

func (e ClientConfigurationError) Error() string {
	return fmt.Sprintf("client configuration error: %s: %s", e.Code, e.Description)
}

// ErrorCode implements Coder.
func (e ClientConfigurationError) ErrorCode() string {
	return e.Code
}

// NotImplemented is the error every method of an unimplemented capability returns.
func NotImplemented(capability, method string) error {
	return ClientConfigurationError{
		Code:        CodeCapabilityNotImplemented,
		Description: fmt.Sprintf("%s interface - %s() has not been implemented", capability, method),
	}
}

// InvalidConfiguration is shorthand for a ClientConfigurationError with CodeInvalidConfiguration.
func InvalidConfiguration(format string, a ...any) error {
	return ClientConfigurationError{Code: CodeInvalidConfiguration, Description: fmt.Sprintf(format, a...)}
}

// NetworkError is a transport failure: no response was received from the provider.
type NetworkError struct {
	Err error
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e NetworkError) Unwrap() error {
	return e.Err
}

// ErrorCode implements Coder.
func (NetworkError) ErrorCode() string {
	return CodeNetwork
}

// ServerError is a 4xx/5xx response from the identity provider.
type ServerError struct {
	StatusCode    int
	Code          string
	Description   string
	ErrorCodes    []int
	SubError      string
	CorrelationID string
	Claims        string
	// RetryAfter is the provider's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e ServerError) Error() string {
	msg := fmt.Sprintf("server error (HTTP %d): %s", e.StatusCode, e.ErrorCode())
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.CorrelationID != "" {
		msg += " (correlation id " + e.CorrelationID + ")"
	}
	return msg
}

// ErrorCode implements Coder.
func (e ServerError) ErrorCode() string {
	if e.Code == "" {
		return CodeServer
	}
	return e.Code
}

// InteractionRequiredError is a ServerError that only user interaction can resolve.
// It is exempt from throttling.
type InteractionRequiredError struct {
	ServerError
}

func (e InteractionRequiredError) Error() string {
	return "interaction required: " + e.ServerError.Error()
}

// Unwrap exposes the underlying ServerError to errors.As.
func (e InteractionRequiredError) Unwrap() error {
	return e.ServerError
}

// NoTokensFound is returned by silent acquisition when nothing usable is cached.
func NoTokensFound(description string) error {
	return InteractionRequiredError{ServerError{Code: CodeNoTokensFound, Description: description}}
}

// ThrottledError is returned without contacting the provider while an identical
// request is cooling down after a failure.
type ThrottledError struct {
	Cause error
	Until time.Time
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("request throttled until %s: %v", e.Until.UTC().Format(time.RFC3339), e.Cause)
}

func (e ThrottledError) Unwrap() error {
	return e.Cause
}

// ErrorCode implements Coder.
func (ThrottledError) ErrorCode() string {
	return CodeThrottled
}

// CacheStorageError wraps a failure of the storage capability.
type CacheStorageError struct {
	Op  string
	Key string
	Err error
}

func (e CacheStorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache storage %s of %q failed: %v", e.Op, e.Key, e.Err)
}

func (e CacheStorageError) Unwrap() error {
	return e.Err
}

// ErrorCode implements Coder.
func (CacheStorageError) ErrorCode() string {
	return CodeCacheStorage
}

// TokenValidationError reports a malformed or semantically invalid token in a response.
type TokenValidationError struct {
	Reason string
}

func (e TokenValidationError) Error() string {
	return "token validation failed: " + e.Reason
}

// ErrorCode implements Coder.
func (TokenValidationError) ErrorCode() string {
	return CodeTokenValidation
}

// MalformedEntityError is returned when a cache entity lacks a required identity field.
type MalformedEntityError struct {
	Entity string
	Field  string
}

func (e MalformedEntityError) Error() string {
	return fmt.Sprintf("malformed %s: missing %s", e.Entity, e.Field)
}

// ErrorCode implements Coder.
func (MalformedEntityError) ErrorCode() string {
	return CodeMalformedEntity
}

// CancelledError is returned when the caller's context ends before a response arrives.
type CancelledError struct {
	Err error
}

func (e CancelledError) Error() string {
	return fmt.Sprintf("operation cancelled: %v", e.Err)
}

func (e CancelledError) Unwrap() error {
	return e.Err
}

// ErrorCode implements Coder.
func (CancelledError) ErrorCode() string {
	return CodeCancelled
}

// CallErr represents an HTTP call error. Has a Verbose() method that dumps the
// request line and response metadata. Bodies are never recorded because they carry
// credentials. Implements error.
type CallErr struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Err        error
}

// Errors implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

func (e CallErr) Unwrap() error {
	return e.Err
}

// ErrorCode implements Coder.
func (e CallErr) ErrorCode() string {
	if c := Code(e.Err); c != "" {
		return c
	}
	return CodeServer
}

// Verbose prints a verbose error message with the request and response metadata.
func (e CallErr) Verbose() string {
	return fmt.Sprintf("%s:\n\tRequest:\n%s %s\n\tResponse:\n%d\n%s", e.Err, e.Method, e.URL, e.StatusCode, prettyConf.Sprint(e.Header))
}
