// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package shared

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	tcerrors "github.com/tokencore/tokencore-go/apps/errors"
)

var (
	accHID   = "uid.utid"
	accEnv   = "Login.Example"
	accRealm = "Realm"
	authType = "MSSTS"
	accLid   = "lid"
	accUser  = "user"
)

func TestAccountJSON(t *testing.T) {
	acc, err := NewAccount(accHID, accEnv, accRealm, accLid, authType, accUser)
	if err != nil {
		t.Fatalf("TestAccountJSON: NewAccount(): %s", err)
	}
	b, err := json.Marshal(acc)
	if err != nil {
		t.Fatalf("TestAccountJSON: Marshal(): %s", err)
	}
	got := Account{}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("TestAccountJSON: Unmarshal(): %s", err)
	}
	if diff := pretty.Compare(acc, got); diff != "" {
		t.Errorf("TestAccountJSON: -want/+got:\n%s", diff)
	}
}

func TestAccountKey(t *testing.T) {
	acc := Account{HomeAccountID: accHID, Environment: accEnv, Realm: accRealm}
	if got, want := acc.Key(), "uid.utid-login.example-realm"; got != want {
		t.Errorf("TestAccountKey: got %q, want %q", got, want)
	}
	if acc.Key() != AccountKey("UID.UTID", "login.example", "realm") {
		t.Errorf("TestAccountKey: key must not depend on case")
	}
}

func TestNewAccountValidation(t *testing.T) {
	tests := []struct {
		desc             string
		home, env, realm string
		wantField        string
	}{
		{desc: "no home account id", env: accEnv, realm: accRealm, wantField: "home_account_id"},
		{desc: "no environment", home: accHID, realm: accRealm, wantField: "environment"},
		{desc: "no realm", home: accHID, env: accEnv, wantField: "realm"},
	}
	for _, test := range tests {
		_, err := NewAccount(test.home, test.env, test.realm, "", authType, "")
		var malformed tcerrors.MalformedEntityError
		if !errors.As(err, &malformed) {
			t.Errorf("TestNewAccountValidation(%s): got %v, want MalformedEntityError", test.desc, err)
			continue
		}
		if malformed.Field != test.wantField {
			t.Errorf("TestNewAccountValidation(%s): field %q, want %q", test.desc, malformed.Field, test.wantField)
		}
	}
}

func TestAccountIsZero(t *testing.T) {
	if !(Account{}).IsZero() {
		t.Errorf("TestAccountIsZero: zero Account reported non-zero")
	}
	if (Account{Name: "n"}).IsZero() {
		t.Errorf("TestAccountIsZero: populated Account reported zero")
	}
}
