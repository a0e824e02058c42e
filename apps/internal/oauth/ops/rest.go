// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package ops provides the REST operations for talking to an authority: endpoint
discovery and token requests. Every operation shares one transport built on the
network capability.
*/
package ops

import (
	"time"

	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/accesstokens"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/internal/comm"
	"github.com/tokencore/tokencore-go/apps/network"
)

// REST provides REST clients for communicating with various backends.
type REST struct {
	client *comm.Client
}

// New is the constructor for REST.
func New(net network.Client) *REST {
	return &REST{client: comm.New(net)}
}

// Authority returns a client for querying information about various authorities.
func (r *REST) Authority() authority.Client {
	return authority.Client{Comm: r.client}
}

// AccessTokens returns a client that can be used to get various access tokens.
// now is the clock token lifetimes are computed against; nil means time.Now.
func (r *REST) AccessTokens(now func() time.Time) accesstokens.Client {
	return accesstokens.Client{Comm: r.client, Now: now}
}
