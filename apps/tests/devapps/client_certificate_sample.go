// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/tokencore/tokencore-go/apps/confidential"
)

func acquireTokenClientCertificate(ctx context.Context, logger *slog.Logger, pop bool) {
	config := CreateConfig("confidential_config.json")

	pemData, err := os.ReadFile(config.PemData)
	if err != nil {
		log.Fatal(err)
	}

	// This extracts our public certificates and private key from the PEM file. If it is
	// encrypted, the second argument must be password to decode.
	certs, privateKey, err := confidential.CertFromPEM(pemData, "")
	if err != nil {
		log.Fatal(err)
	}
	cred, err := confidential.NewCredFromCert(certs, privateKey)
	if err != nil {
		log.Fatal(err)
	}

	options := []confidential.Option{
		confidential.WithStorage(cacheAccessor.Storage()),
		confidential.WithLogger(logger),
	}
	if config.InstanceDiscovery != nil {
		options = append(options, confidential.WithInstanceDiscovery(*config.InstanceDiscovery))
	}
	app, err := confidential.New(config.Authority, config.ClientID, cred, options...)
	if err != nil {
		log.Fatal(err)
	}

	var opts []confidential.AcquireOption
	if pop {
		// the access token is a signed HTTP request for this method and URL
		opts = append(opts, confidential.WithProofOfPossession(http.MethodGet, config.PoPURL))
	}
	result, err := app.AcquireTokenByCredential(ctx, config.Scopes, opts...)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s token, expires %s, from cache: %t\n", result.TokenType, result.ExpiresOn, result.FromCache)
}
