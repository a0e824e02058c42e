// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
)

var cacheAccessor = &TokenCache{file: "serialized_cache.json"}

func main() {
	ctx := context.Background()

	// Choose a sample to run.
	exampleType := "1"
	if len(os.Args) > 1 {
		exampleType = os.Args[1]
	}

	if err := cacheAccessor.Load(); err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := cacheAccessor.Save(); err != nil {
			log.Println(err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	switch exampleType {
	case "1":
		acquireTokenDeviceCode(ctx, logger)
	case "2":
		// the second call is answered from the cache
		acquireTokenClientSecret(ctx, logger)
		acquireTokenClientSecret(ctx, logger)
	case "3":
		acquireTokenClientCertificate(ctx, logger, false)
		acquireTokenClientCertificate(ctx, logger, false)
	case "4":
		// proof-of-possession token bound to a request
		acquireTokenClientCertificate(ctx, logger, true)
	default:
		fmt.Fprintf(os.Stderr, "unknown sample %q, want 1-4\n", exampleType)
		os.Exit(2)
	}
}
