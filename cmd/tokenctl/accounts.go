// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the accounts in the token cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List cached accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			accounts, err := s.accounts().Accounts(cmd.Context())
			if err != nil {
				return err
			}
			if a.output == "raw" {
				for _, acc := range accounts {
					fmt.Fprintf(a.out, "%s\t%s\n", acc.HomeAccountID, acc.PreferredUsername)
				}
				return nil
			}
			return a.print(accounts)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <home-account-id|username>",
		Short: "Remove an account and every token cached for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			store := s.accounts()
			accounts, err := store.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			acc, err := pickAccount(accounts, args[0])
			if err != nil {
				return err
			}
			if err := store.RemoveAccount(cmd.Context(), acc); err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "removed %s\n", acc.HomeAccountID)
			return nil
		},
	}

	cmd.AddCommand(list, remove)
	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset the token cache file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List the keys stored in the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			store, err := openFileStore(a.fs, cfg.CacheFile)
			if err != nil {
				return err
			}
			keys, err := store.Keys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(a.out, k)
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every token and account from the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			store, err := openFileStore(a.fs, cfg.CacheFile)
			if err != nil {
				return err
			}
			return store.Clear(cmd.Context())
		},
	}

	cmd.AddCommand(keys, clearCmd)
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or show the tokenctl config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var (
		cfg   Config
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			path := a.cfgPath
			if path == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "config.yaml")
			}
			exists, err := afero.Exists(a.fs, path)
			if err != nil {
				return err
			}
			if exists && !force {
				return fmt.Errorf("%s already exists, pass --force to overwrite it", path)
			}
			if err := writeConfig(a.fs, path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(a.errOut, "wrote %s\n", path)
			return nil
		},
	}
	fl := initCmd.Flags()
	fl.StringVar(&cfg.Authority, "authority", "", "authority URL, for example https://login.microsoftonline.com/<tenant>")
	fl.StringVar(&cfg.ClientID, "client-id", "", "application (client) ID")
	fl.StringSliceVar(&cfg.Scopes, "scope", nil, "default scopes, repeatable")
	fl.BoolVar(&force, "force", false, "overwrite an existing config file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML, without secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.loadConfig()
			if err != nil {
				return err
			}
			if c.ClientSecret != "" {
				c.ClientSecret = "<redacted>"
			}
			if c.Certificate != nil && c.Certificate.Password != "" {
				cert := *c.Certificate
				cert.Password = "<redacted>"
				c.Certificate = &cert
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			_, err = a.out.Write(out)
			return err
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tokenctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
			return err
		},
	}
}
