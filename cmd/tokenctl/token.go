// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokencore/tokencore-go/apps/confidential"
	"github.com/tokencore/tokencore-go/apps/public"
)

// tokenFlags are shared by every token subcommand.
type tokenFlags struct {
	scopes  []string
	tenant  string
	claims  string
	timeout time.Duration
}

func (f *tokenFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.scopes, "scope", "s", nil, "scope to request, repeatable (default: scopes from the config)")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant to request the token from")
	cmd.Flags().StringVar(&f.claims, "claims", "", "claims challenge from a resource, as JSON")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "give up after this long")
}

func (f *tokenFlags) scopesFor(cfg Config) ([]string, error) {
	if len(f.scopes) > 0 {
		return f.scopes, nil
	}
	if len(cfg.Scopes) > 0 {
		return cfg.Scopes, nil
	}
	return nil, errors.New("no scopes: pass --scope or set scopes in the config")
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Acquire access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newCredentialCmd(a), newDeviceCmd(a), newSilentCmd(a))
	return cmd
}

func newCredentialCmd(a *app) *cobra.Command {
	var (
		f         tokenFlags
		skipCache bool
	)
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"client"},
		Short:   "Acquire a token for the application itself (client credentials)",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			if s.cca == nil {
				return errors.New("the client credentials flow needs client_secret or certificate in the config")
			}
			scopes, err := f.scopesFor(s.cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			opts := []confidential.AcquireOption{
				confidential.WithTenantID(f.tenant),
				confidential.WithClaims(f.claims),
			}
			if skipCache {
				opts = append(opts, confidential.WithSkipCache())
			}
			ar, err := s.cca.AcquireTokenByCredential(ctx, scopes, opts...)
			if err != nil {
				return err
			}
			return a.printResult(ar)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&skipCache, "skip-cache", false, "always request a new token")
	return cmd
}

func newDeviceCmd(a *app) *cobra.Command {
	var f tokenFlags
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Sign a user in on another device (device code flow)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			if s.pca == nil {
				return errors.New("the device code flow is only available to public clients")
			}
			scopes, err := f.scopesFor(s.cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			dc, err := s.pca.AcquireTokenByDeviceCode(ctx, scopes,
				public.WithTenantID(f.tenant),
				public.WithClaims(f.claims),
			)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.errOut, dc.Result.Message)
			ar, err := dc.AuthenticationResult(ctx)
			if err != nil {
				return err
			}
			return a.printResult(ar)
		},
	}
	f.register(cmd)
	return cmd
}

func newSilentCmd(a *app) *cobra.Command {
	var (
		f            tokenFlags
		account      string
		forceRefresh bool
	)
	cmd := &cobra.Command{
		Use:   "silent",
		Short: "Return a cached token for a signed-in account, refreshing it when needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			scopes, err := f.scopesFor(s.cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			accounts, err := s.accounts().Accounts(ctx)
			if err != nil {
				return err
			}
			acc, err := pickAccount(accounts, account)
			if err != nil {
				return err
			}

			var ar public.AuthResult
			if s.cca != nil {
				opts := []confidential.AcquireOption{
					confidential.WithSilentAccount(acc),
					confidential.WithTenantID(f.tenant),
					confidential.WithClaims(f.claims),
				}
				if forceRefresh {
					opts = append(opts, confidential.WithSkipCache())
				}
				ar, err = s.cca.AcquireTokenSilent(ctx, scopes, opts...)
			} else {
				opts := []public.AcquireOption{
					public.WithSilentAccount(acc),
					public.WithTenantID(f.tenant),
					public.WithClaims(f.claims),
				}
				if forceRefresh {
					opts = append(opts, public.WithForceRefresh())
				}
				ar, err = s.pca.AcquireTokenSilent(ctx, scopes, opts...)
			}
			if err != nil {
				return err
			}
			return a.printResult(ar)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&account, "account", "", "home account ID or username (default: the only cached account)")
	cmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "redeem the refresh token even when a valid access token is cached")
	return cmd
}

// pickAccount selects the account whose home account ID or username is id. An empty id
// selects the only account in the cache.
func pickAccount(accounts []public.Account, id string) (public.Account, error) {
	if id == "" {
		switch len(accounts) {
		case 0:
			return public.Account{}, errNoAccount
		case 1:
			return accounts[0], nil
		}
		return public.Account{}, fmt.Errorf("%d accounts are cached, choose one with --account", len(accounts))
	}
	for _, acc := range accounts {
		if acc.HomeAccountID == id || acc.PreferredUsername == id {
			return acc, nil
		}
	}
	return public.Account{}, fmt.Errorf("%w: %s", errNoAccount, id)
}
