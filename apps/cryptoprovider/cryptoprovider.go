// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package cryptoprovider defines the cryptographic capability used for hashing, random
generation, PKCE and proof-of-possession keys, and provides a default implementation.

Proof-of-possession keys never leave the Provider: callers refer to them by key id,
which is the RFC 7638 thumbprint of the public key.
*/
package cryptoprovider

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tokencore/tokencore-go/apps/errors"
)

// PKCECodes is a PKCE verifier and its S256 challenge.
type PKCECodes struct {
	Verifier  string
	Challenge string
}

// ChallengeMethod is the PKCE method Challenge was derived with.
const ChallengeMethod = "S256"

// Provider is the crypto capability.
type Provider interface {
	// Base64Encode encodes input with the unpadded URL-safe alphabet.
	Base64Encode(input string) (string, error)
	// Base64Decode decodes standard or URL-safe base64, padded or not.
	Base64Decode(input string) (string, error)
	SHA256Digest(ctx context.Context, data []byte) ([]byte, error)
	// RandomValues fills buf with cryptographically secure random bytes and returns it.
	RandomValues(buf []byte) ([]byte, error)
	GeneratePKCECodes(ctx context.Context) (PKCECodes, error)
	// GenerateKeyPair creates a signing key and returns its key id.
	GenerateKeyPair(ctx context.Context) (string, error)
	// Sign returns a compact JWS over claims made with the key identified by keyID.
	Sign(ctx context.Context, keyID string, claims map[string]any) (string, error)
	// ExportJWK returns the public JWK of the key identified by keyID.
	ExportJWK(ctx context.Context, keyID string) ([]byte, error)
	// ImportJWK stores a private JWK and returns its key id.
	ImportJWK(ctx context.Context, jwk []byte) (string, error)
}

const capability = "Crypto"

// Unimplemented is the Provider used when none is configured. Every method fails
// with a ClientConfigurationError naming the method.
type Unimplemented struct{}

func (Unimplemented) Base64Encode(string) (string, error) {
	return "", errors.NotImplemented(capability, "Base64Encode")
}

func (Unimplemented) Base64Decode(string) (string, error) {
	return "", errors.NotImplemented(capability, "Base64Decode")
}

func (Unimplemented) SHA256Digest(context.Context, []byte) ([]byte, error) {
	return nil, errors.NotImplemented(capability, "SHA256Digest")
}

func (Unimplemented) RandomValues([]byte) ([]byte, error) {
	return nil, errors.NotImplemented(capability, "RandomValues")
}

func (Unimplemented) GeneratePKCECodes(context.Context) (PKCECodes, error) {
	return PKCECodes{}, errors.NotImplemented(capability, "GeneratePKCECodes")
}

func (Unimplemented) GenerateKeyPair(context.Context) (string, error) {
	return "", errors.NotImplemented(capability, "GenerateKeyPair")
}

func (Unimplemented) Sign(context.Context, string, map[string]any) (string, error) {
	return "", errors.NotImplemented(capability, "Sign")
}

func (Unimplemented) ExportJWK(context.Context, string) ([]byte, error) {
	return nil, errors.NotImplemented(capability, "ExportJWK")
}

func (Unimplemented) ImportJWK(context.Context, []byte) (string, error) {
	return "", errors.NotImplemented(capability, "ImportJWK")
}

// Default implements Provider with ES256 (P-256) keys. JWKs and thumbprints go through go-jose.
type Default struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
}

// NewDefault is the constructor for Default.
func NewDefault() *Default {
	return &Default{keys: map[string]*ecdsa.PrivateKey{}}
}

func (*Default) Base64Encode(input string) (string, error) {
	return base64.RawURLEncoding.EncodeToString([]byte(input)), nil
}

func (*Default) Base64Decode(input string) (string, error) {
	b, err := decodeSegment(input)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeSegment accepts either base64 alphabet, with or without padding.
func decodeSegment(data string) ([]byte, error) {
	data = strings.TrimRight(data, "=")
	data = strings.NewReplacer("+", "-", "/", "_").Replace(data)
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("base64 input could not be decoded: %w", err)
	}
	return b, nil
}

func (*Default) SHA256Digest(ctx context.Context, data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}

func (*Default) RandomValues(buf []byte) ([]byte, error) {
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// GeneratePKCECodes creates a 43 character verifier from 32 random bytes.
func (d *Default) GeneratePKCECodes(ctx context.Context) (PKCECodes, error) {
	raw, err := d.RandomValues(make([]byte, 32))
	if err != nil {
		return PKCECodes{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return PKCECodes{Verifier: verifier, Challenge: base64.RawURLEncoding.EncodeToString(sum[:])}, nil
}

func (d *Default) GenerateKeyPair(ctx context.Context) (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("could not generate a P-256 key: %w", err)
	}
	return d.store(key)
}

func (d *Default) Sign(ctx context.Context, keyID string, claims map[string]any) (string, error) {
	key, err := d.key(keyID)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(claims))
	token.Header["kid"] = keyID
	token.Header["typ"] = "pop"
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("unable to sign with key %s: %w", keyID, err)
	}
	return signed, nil
}

func (d *Default) ExportJWK(ctx context.Context, keyID string) ([]byte, error) {
	key, err := d.key(keyID)
	if err != nil {
		return nil, err
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: keyID, Algorithm: string(jose.ES256), Use: "sig"}
	return jwk.MarshalJSON()
}

func (d *Default) ImportJWK(ctx context.Context, b []byte) (string, error) {
	jwk := jose.JSONWebKey{}
	if err := jwk.UnmarshalJSON(b); err != nil {
		return "", fmt.Errorf("JWK could not be decoded: %w", err)
	}
	if jwk.IsPublic() {
		return "", fmt.Errorf("JWK has no private component")
	}
	key, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok || key.Curve != elliptic.P256() {
		return "", fmt.Errorf("unsupported JWK key type %T, want a P-256 EC key", jwk.Key)
	}
	if !jwk.Valid() {
		return "", fmt.Errorf("JWK is not a valid P-256 key")
	}
	return d.store(key)
}

func (d *Default) store(key *ecdsa.PrivateKey) (string, error) {
	kid, err := thumbprint(&key.PublicKey)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = map[string]*ecdsa.PrivateKey{}
	}
	d.keys[kid] = key
	return kid, nil
}

func (d *Default) key(keyID string) (*ecdsa.PrivateKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("no key with id %q", keyID)
	}
	return key, nil
}

// thumbprint is the RFC 7638 SHA-256 thumbprint of the public key, base64url encoded.
func thumbprint(pub *ecdsa.PublicKey) (string, error) {
	sum, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("public key is not usable: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
