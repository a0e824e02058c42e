// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Command tokenctl acquires and caches OAuth2 tokens from the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	tcerrors "github.com/tokencore/tokencore-go/apps/errors"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK = iota
	exitError
	exitConfig
	exitAuth
)

func main() {
	a := &app{fs: afero.NewOsFs(), out: os.Stdout, errOut: os.Stderr}
	if err := newRootCmd(a).Execute(); err != nil {
		if code := tcerrors.Code(err); code != "" {
			fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", code, err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		cfgErr tcerrors.ClientConfigurationError
		se     tcerrors.ServerError
	)
	switch {
	case errors.Is(err, errNoConfigFile), errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &se), errors.Is(err, errNoAccount):
		return exitAuth
	}
	return exitError
}
