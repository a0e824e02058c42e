// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package shared holds the account entity and key helpers used by both the cache
// layer and the public client packages.
package shared

import (
	"strings"

	"github.com/tokencore/tokencore-go/apps/errors"
)

const (
	// CacheKeySeparator is used in creating the keys of the cache.
	CacheKeySeparator = "-"
)

// Account is an end-user identity at one realm of one environment.
type Account struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	LocalAccountID    string `json:"local_account_id,omitempty"`
	AuthorityType     string `json:"authority_type,omitempty"`
	PreferredUsername string `json:"username,omitempty"`
	Name              string `json:"name,omitempty"`
	RawClientInfo     string `json:"client_info,omitempty"`
}

// NewAccount creates an account. homeAccountID, env and realm identify the record and
// are required.
func NewAccount(homeAccountID, env, realm, localAccountID, authorityType, username string) (Account, error) {
	acc := Account{
		HomeAccountID:     homeAccountID,
		Environment:       env,
		Realm:             realm,
		LocalAccountID:    localAccountID,
		AuthorityType:     authorityType,
		PreferredUsername: username,
	}
	if err := acc.Validate(); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Validate reports the first missing identity field.
func (acc Account) Validate() error {
	switch {
	case acc.HomeAccountID == "":
		return errors.MalformedEntityError{Entity: "Account", Field: "home_account_id"}
	case acc.Environment == "":
		return errors.MalformedEntityError{Entity: "Account", Field: "environment"}
	case acc.Realm == "":
		return errors.MalformedEntityError{Entity: "Account", Field: "realm"}
	}
	return nil
}

// Key creates the key for storing accounts in the cache.
func (acc Account) Key() string {
	return AccountKey(acc.HomeAccountID, acc.Environment, acc.Realm)
}

// AccountKey is the cache key of the account identified by the three arguments.
func AccountKey(homeAccountID, env, realm string) string {
	return strings.ToLower(strings.Join([]string{homeAccountID, env, realm}, CacheKeySeparator))
}

// IsZero checks the zero value of account
func (acc Account) IsZero() bool {
	return acc == Account{}
}
