// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package oauth

import (
	"context"
	"strings"
	"sync"

	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
	"golang.org/x/sync/singleflight"
)

// State is where an authority is in its metadata discovery.
type State int

const (
	// Unresolved authorities have never been discovered, or were invalidated.
	Unresolved State = iota
	// Discovering authorities have a discovery in flight.
	Discovering
	// Resolved authorities have cached metadata.
	Resolved
	// Failed authorities failed their last discovery. They are retried on the next resolve.
	Failed
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "Discovering"
	case Resolved:
		return "Resolved"
	case Failed:
		return "Failed"
	}
	return "Unresolved"
}

type authorityREST interface {
	AADInstanceDiscovery(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryResponse, error)
	GetTenantDiscoveryResponse(ctx context.Context, openIDConfigurationEndpoint string) (authority.TenantDiscoveryResponse, error)
}

// authorityEndpoint retrieves endpoints from an authority for auth and token acquisition.
// Metadata is cached per canonical authority URI until invalidated.
type authorityEndpoint struct {
	rest authorityREST

	// instanceDiscovery enables the instance discovery call for Entra ID hosts.
	instanceDiscovery bool
	// knownHosts skip instance discovery.
	knownHosts map[string]bool

	group singleflight.Group

	mu     sync.RWMutex
	cache  map[string]*authority.Endpoints
	states map[string]State
}

// newAuthorityEndpoint is the constructor for authorityEndpoint.
func newAuthorityEndpoint(rest authorityREST) *authorityEndpoint {
	return &authorityEndpoint{
		rest:              rest,
		instanceDiscovery: true,
		knownHosts:        map[string]bool{},
		cache:             map[string]*authority.Endpoints{},
		states:            map[string]State{},
	}
}

// ResolveEndpoints returns the metadata of the authority. Concurrent calls for one
// authority share a single discovery and receive the same *Endpoints or the same error.
// Each caller stops waiting when its own ctx is done; the shared discovery runs on
// without the caller's cancellation so the remaining callers still get its result.
// The returned value is shared and must not be modified.
func (m *authorityEndpoint) ResolveEndpoints(ctx context.Context, authorityInfo authority.Info) (*authority.Endpoints, error) {
	key := authorityInfo.CanonicalAuthorityURI

	m.mu.RLock()
	if endpoints, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return endpoints, nil
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, errors.CancelledError{Err: err}
	}

	discoverCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		// Double-check: a discovery may have finished between the read above and DoChan.
		m.mu.Lock()
		if endpoints, ok := m.cache[key]; ok {
			m.mu.Unlock()
			return endpoints, nil
		}
		m.states[key] = Discovering
		m.mu.Unlock()

		endpoints, err := m.discover(discoverCtx, authorityInfo)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.states[key] = Failed
			return nil, err
		}
		m.cache[key] = endpoints
		m.states[key] = Resolved
		return endpoints, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*authority.Endpoints), nil
	case <-ctx.Done():
		return nil, errors.CancelledError{Err: ctx.Err()}
	}
}

func (m *authorityEndpoint) discover(ctx context.Context, authorityInfo authority.Info) (*authority.Endpoints, error) {
	openIDConfigurationEndpoint := authorityInfo.TenantDiscoveryEndpoint()

	var (
		metadata authority.InstanceDiscoveryMetadata
		found    bool
	)
	if m.needsInstanceDiscovery(authorityInfo) {
		resp, err := m.rest.AADInstanceDiscovery(ctx, authorityInfo)
		if err != nil {
			return nil, err
		}
		if resp.TenantDiscoveryEndpoint != "" {
			openIDConfigurationEndpoint = resp.TenantDiscoveryEndpoint
		}
		metadata, found = resp.MetadataFor(authorityInfo.Host)
	}

	resp, err := m.rest.GetTenantDiscoveryResponse(ctx, openIDConfigurationEndpoint)
	if err != nil {
		return nil, err
	}

	// Generic providers publish concrete endpoints; only Entra ID templates the tenant.
	replacer := strings.NewReplacer()
	if authorityInfo.AuthorityType != authority.Generic {
		replacer = strings.NewReplacer("{tenant}", authorityInfo.Tenant)
	}
	endpoints := authority.NewEndpoints(
		replacer.Replace(resp.AuthorizationEndpoint),
		replacer.Replace(resp.TokenEndpoint),
		replacer.Replace(resp.DeviceCodeEndpoint),
		replacer.Replace(resp.Issuer),
		authorityInfo.Host,
	)
	if found {
		endpoints.Aliases = append([]string(nil), metadata.Aliases...)
		if metadata.PreferredNetwork != "" {
			endpoints.PreferredNetwork = metadata.PreferredNetwork
		}
		if metadata.PreferredCache != "" {
			endpoints.PreferredCache = metadata.PreferredCache
		}
	}
	return &endpoints, nil
}

func (m *authorityEndpoint) needsInstanceDiscovery(authorityInfo authority.Info) bool {
	if !m.instanceDiscovery || authorityInfo.AuthorityType != authority.AAD {
		return false
	}
	return !m.knownHosts[authorityInfo.Host] && !authority.TrustedHost(authorityInfo.Host)
}

// preload caches endpoints for an authority without discovery.
func (m *authorityEndpoint) preload(authorityInfo authority.Info, endpoints authority.Endpoints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[authorityInfo.CanonicalAuthorityURI] = &endpoints
	m.states[authorityInfo.CanonicalAuthorityURI] = Resolved
}

// invalidate drops the cached metadata so that the next resolve discovers again.
func (m *authorityEndpoint) invalidate(authorityInfo authority.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, authorityInfo.CanonicalAuthorityURI)
	delete(m.states, authorityInfo.CanonicalAuthorityURI)
}

func (m *authorityEndpoint) state(authorityInfo authority.Info) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[authorityInfo.CanonicalAuthorityURI]
}
