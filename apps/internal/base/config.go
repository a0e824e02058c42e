// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"log/slog"
	"time"

	"github.com/tokencore/tokencore-go/apps/cache"
	"github.com/tokencore/tokencore-go/apps/cryptoprovider"
	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/network"
)

// DefaultTokenRenewalOffset is how long before expiry a cached access token stops being returned.
const DefaultTokenRenewalOffset = 300 * time.Second

// Config holds the capabilities the engine is built on.
type Config struct {
	Crypto  cryptoprovider.Provider
	Storage cache.Storage
	Network network.Client
}

// withDefaults replaces every nil capability with its Unimplemented variant.
func (c Config) withDefaults() Config {
	if c.Crypto == nil {
		c.Crypto = cryptoprovider.Unimplemented{}
	}
	if c.Storage == nil {
		c.Storage = cache.Unimplemented{}
	}
	if c.Network == nil {
		c.Network = network.Unimplemented{}
	}
	return c
}

// Option is an optional argument to the New constructor.
type Option func(c *Client)

// WithKnownAuthorities trusts the hosts of authorities without instance discovery.
func WithKnownAuthorities(authorities []string) Option {
	return func(c *Client) {
		c.knownAuthorities = append(c.knownAuthorities, authorities...)
	}
}

// WithAuthorityMetadata pre-resolves authorityURI to endpoints. Requests against it
// never trigger discovery.
func WithAuthorityMetadata(authorityURI string, endpoints authority.Endpoints) Option {
	return func(c *Client) {
		if c.preloaded == nil {
			c.preloaded = map[string]authority.Endpoints{}
		}
		c.preloaded[authorityURI] = endpoints
	}
}

// WithInstanceDiscovery enables or disables instance discovery. It is enabled by default.
func WithInstanceDiscovery(enabled bool) Option {
	return func(c *Client) {
		c.instanceDiscovery = enabled
	}
}

// WithGenericAuthority treats the authority as a generic OIDC provider. Its metadata is
// read from <authority>/.well-known/openid-configuration without instance discovery.
func WithGenericAuthority(enabled bool) Option {
	return func(c *Client) {
		c.genericAuthority = enabled
	}
}

// WithClientCapabilities declares capabilities such as "CP1" on every token request.
func WithClientCapabilities(capabilities []string) Option {
	return func(c *Client) {
		c.capabilities = append(c.capabilities, capabilities...)
	}
}

// WithTokenRenewalOffset sets how long before expiry a cached access token is renewed.
func WithTokenRenewalOffset(d time.Duration) Option {
	return func(c *Client) {
		c.renewalOffset = d
	}
}

// WithAppInfo sets the application name and version sent as telemetry.
func WithAppInfo(name, version string) Option {
	return func(c *Client) {
		c.AuthParams.AppName = name
		c.AuthParams.AppVersion = version
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.slogger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func validateRenewalOffset(d time.Duration) error {
	if d < 0 {
		return errors.InvalidConfiguration("token renewal offset must not be negative, got %s", d)
	}
	return nil
}
