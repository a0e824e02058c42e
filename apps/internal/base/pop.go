// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tokencore/tokencore-go/apps/errors"
	"github.com/tokencore/tokencore-go/apps/internal/oauth/ops/authority"
)

// popKey is the proof-of-possession key of a client, created on first use.
type popKey struct {
	mu    sync.Mutex
	keyID string
}

func (b Client) popKeyID(ctx context.Context) (string, error) {
	b.pop.mu.Lock()
	defer b.pop.mu.Unlock()
	if b.pop.keyID != "" {
		return b.pop.keyID, nil
	}
	keyID, err := b.crypto.GenerateKeyPair(ctx)
	if err != nil {
		return "", err
	}
	b.pop.keyID = keyID
	return keyID, nil
}

// preparePoP requests a token bound to the client's key.
func (b Client) preparePoP(ctx context.Context, params *authority.AuthParams, r PoPRequest) error {
	if u, err := url.Parse(r.URL); err != nil || u.Host == "" {
		return errors.InvalidConfiguration("proof-of-possession URL %q must be absolute", r.URL)
	}
	if r.Method == "" {
		return errors.InvalidConfiguration("proof-of-possession request requires an HTTP method")
	}
	keyID, err := b.popKeyID(ctx)
	if err != nil {
		return err
	}
	cnf, err := json.Marshal(map[string]string{"kid": keyID})
	if err != nil {
		return err
	}
	reqCnf, err := b.crypto.Base64Encode(string(cnf))
	if err != nil {
		return err
	}
	params.TokenType = authority.TokenTypePoP
	params.KeyID = keyID
	params.ReqCnf = reqCnf
	return nil
}

// signPoP wraps accessToken in a signed HTTP request for r.
func (b Client) signPoP(ctx context.Context, params authority.AuthParams, accessToken string, r PoPRequest) (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", err
	}
	jwk, err := b.crypto.ExportJWK(ctx, params.KeyID)
	if err != nil {
		return "", err
	}
	claims := map[string]any{
		"at":    accessToken,
		"ts":    b.now().Unix(),
		"m":     strings.ToUpper(r.Method),
		"u":     u.Host,
		"p":     u.EscapedPath(),
		"nonce": uuid.NewString(),
		"cnf":   map[string]any{"jwk": json.RawMessage(jwk)},
	}
	return b.crypto.Sign(ctx, params.KeyID, claims)
}
