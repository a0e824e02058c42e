// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/tokencore/tokencore-go/apps/confidential"
)

func acquireTokenClientSecret(ctx context.Context, logger *slog.Logger) {
	config := CreateConfig("confidential_config.json")

	cred, err := confidential.NewCredFromSecret(config.ClientSecret)
	if err != nil {
		log.Fatal(err)
	}
	app, err := confidential.New(config.Authority, config.ClientID, cred,
		confidential.WithStorage(cacheAccessor.Storage()),
		confidential.WithLogger(logger),
	)
	if err != nil {
		log.Fatal(err)
	}

	// AcquireTokenByCredential returns a cached token while it is valid
	result, err := app.AcquireTokenByCredential(ctx, config.Scopes)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Access token expires %s (from cache: %t)", result.ExpiresOn, result.FromCache)
}
