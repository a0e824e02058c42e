// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/tokencore/tokencore-go/apps/public"
)

func acquireTokenDeviceCode(ctx context.Context, logger *slog.Logger) {
	config := CreateConfig("config.json")

	options := []public.Option{
		public.WithAuthority(config.Authority),
		public.WithStorage(cacheAccessor.Storage()),
		public.WithLogger(logger),
	}
	if config.InstanceDiscovery != nil {
		options = append(options, public.WithInstanceDiscovery(*config.InstanceDiscovery))
	}
	app, err := public.New(config.ClientID, options...)
	if err != nil {
		log.Fatal(err)
	}

	// look in the cache to see if the account to use has been cached
	accounts, err := app.Accounts(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, account := range accounts {
		if account.PreferredUsername != config.Username {
			continue
		}
		// found a cached account, now see if an applicable token has been cached
		result, err := app.AcquireTokenSilent(ctx, config.Scopes, public.WithSilentAccount(account))
		if err == nil {
			fmt.Printf("Access token for %s expires %s (from cache: %t)\n", account.PreferredUsername, result.ExpiresOn, result.FromCache)
			return
		}
		log.Printf("silent acquisition failed: %s", err)
	}

	// either there was no cached account/token or the call to AcquireTokenSilent() failed
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	devCode, err := app.AcquireTokenByDeviceCode(ctx, config.Scopes)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(devCode.Result.Message)
	result, err := devCode.AuthenticationResult(ctx)
	if err != nil {
		log.Fatalf("got error while waiting for user to input the device code: %s", err)
	}
	fmt.Printf("Signed in as %s, access token expires %s\n", result.Account.PreferredUsername, result.ExpiresOn)
}
