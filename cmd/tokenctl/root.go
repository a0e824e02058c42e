// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tokencore/tokencore-go/apps/confidential"
	"github.com/tokencore/tokencore-go/apps/network"
	"github.com/tokencore/tokencore-go/apps/public"
)

const appName = "tokenctl"

var errNoAccount = errors.New("no matching account in the cache")

//go:generate mockgen -destination=mock_network_test.go -package=main -mock_names=Client=MockNetworkClient github.com/tokencore/tokencore-go/apps/network Client

// app holds the process-wide dependencies and the persistent flag values.
type app struct {
	fs     afero.Fs
	out    io.Writer
	errOut io.Writer
	// network replaces the HTTP pipeline when set.
	network network.Client

	cfgPath   string
	cachePath string
	output    string
	verbose   bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Acquire and cache OAuth2 tokens",
		Long: `tokenctl acquires OAuth2 access tokens from an OpenID Connect authority and keeps
them in a local token cache, so repeated calls are answered without a network round trip.

A config file carrying client_secret or certificate makes tokenctl act as a confidential
client; otherwise it acts as a public client and signs users in with the device code flow.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default ~/.config/tokenctl/config.yaml)")
	pf.StringVar(&a.cachePath, "cache", "", "token cache file, overrides cache_file")
	pf.StringVarP(&a.output, "output", "o", "json", "output format: json, yaml or raw")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log authority requests to stderr")

	root.AddCommand(
		newTokenCmd(a),
		newAccountsCmd(a),
		newCacheCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) logger() *slog.Logger {
	if !a.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// configPath is --config, or the config file found in the default directory.
func (a *app) configPath() (string, error) {
	if a.cfgPath != "" {
		return a.cfgPath, nil
	}
	dir, err := defaultConfigDir()
	if err != nil {
		return "", err
	}
	return findConfigFile(a.fs, dir)
}

func (a *app) loadConfig() (Config, error) {
	path, err := a.configPath()
	if err != nil {
		return Config{}, err
	}
	cfg, err := loadConfig(a.fs, path)
	if err != nil {
		return Config{}, err
	}
	if a.cachePath != "" {
		cfg.CacheFile = a.cachePath
	}
	return cfg, nil
}

// session is a configured client bound to the cache file. Exactly one of cca and pca is set.
type session struct {
	cfg   Config
	store *fileStore
	cca   *confidential.Client
	pca   *public.Client
}

// accountStore is the account management both client kinds share.
type accountStore interface {
	Accounts(ctx context.Context) ([]public.Account, error)
	RemoveAccount(ctx context.Context, account public.Account) error
}

func (s *session) accounts() accountStore {
	if s.cca != nil {
		return s.cca
	}
	return s.pca
}

func (a *app) open() (*session, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openFileStore(a.fs, cfg.CacheFile)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, store: store}

	if cfg.confidential() {
		cred, err := a.credential(cfg)
		if err != nil {
			return nil, err
		}
		opts := []confidential.Option{
			confidential.WithStorage(store),
			confidential.WithAppInfo(appName, version),
			confidential.WithLogger(a.logger()),
		}
		if a.network != nil {
			opts = append(opts, confidential.WithNetwork(a.network))
		}
		if len(cfg.KnownAuthorities) > 0 {
			opts = append(opts, confidential.WithKnownAuthorities(cfg.KnownAuthorities...))
		}
		if len(cfg.Capabilities) > 0 {
			opts = append(opts, confidential.WithClientCapabilities(cfg.Capabilities...))
		}
		if cfg.InstanceDiscovery != nil {
			opts = append(opts, confidential.WithInstanceDiscovery(*cfg.InstanceDiscovery))
		}
		if cfg.RenewalOffset.Duration != 0 {
			opts = append(opts, confidential.WithTokenRenewalOffset(cfg.RenewalOffset.Duration))
		}
		c, err := confidential.New(cfg.Authority, cfg.ClientID, cred, opts...)
		if err != nil {
			return nil, err
		}
		s.cca = &c
		return s, nil
	}

	opts := []public.Option{
		public.WithAuthority(cfg.Authority),
		public.WithStorage(store),
		public.WithAppInfo(appName, version),
		public.WithLogger(a.logger()),
	}
	if a.network != nil {
		opts = append(opts, public.WithNetwork(a.network))
	}
	if len(cfg.KnownAuthorities) > 0 {
		opts = append(opts, public.WithKnownAuthorities(cfg.KnownAuthorities...))
	}
	if len(cfg.Capabilities) > 0 {
		opts = append(opts, public.WithClientCapabilities(cfg.Capabilities...))
	}
	if cfg.InstanceDiscovery != nil {
		opts = append(opts, public.WithInstanceDiscovery(*cfg.InstanceDiscovery))
	}
	if cfg.RenewalOffset.Duration != 0 {
		opts = append(opts, public.WithTokenRenewalOffset(cfg.RenewalOffset.Duration))
	}
	c, err := public.New(cfg.ClientID, opts...)
	if err != nil {
		return nil, err
	}
	s.pca = &c
	return s, nil
}

// credential builds the confidential credential named by cfg. Files ending in .p12 or
// .pfx are read as PKCS#12, anything else as PEM.
func (a *app) credential(cfg Config) (confidential.Credential, error) {
	if cfg.ClientSecret != "" {
		return confidential.NewCredFromSecret(cfg.ClientSecret)
	}
	data, err := afero.ReadFile(a.fs, cfg.Certificate.Path)
	if err != nil {
		return confidential.Credential{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	parse := confidential.CertFromPEM
	switch strings.ToLower(filepath.Ext(cfg.Certificate.Path)) {
	case ".p12", ".pfx":
		parse = confidential.CertFromPKCS12
	}
	certs, key, err := parse(data, cfg.Certificate.Password)
	if err != nil {
		return confidential.Credential{}, fmt.Errorf("certificate %s: %w", cfg.Certificate.Path, err)
	}
	return confidential.NewCredFromCert(certs, key)
}

// tokenOutput is what the token commands print.
type tokenOutput struct {
	AccessToken string    `json:"access_token" yaml:"access_token"`
	TokenType   string    `json:"token_type" yaml:"token_type"`
	ExpiresOn   time.Time `json:"expires_on" yaml:"expires_on"`
	Scopes      []string  `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	FromCache   bool      `json:"from_cache" yaml:"from_cache"`
	Account     string    `json:"account,omitempty" yaml:"account,omitempty"`
}

func (a *app) printResult(ar public.AuthResult) error {
	if ar.CacheWriteError != nil {
		fmt.Fprintf(a.errOut, "warning: token was not cached: %s\n", ar.CacheWriteError)
	}
	if a.output == "raw" {
		_, err := fmt.Fprintln(a.out, ar.AccessToken)
		return err
	}
	return a.print(tokenOutput{
		AccessToken: ar.AccessToken,
		TokenType:   ar.TokenType,
		ExpiresOn:   ar.ExpiresOn.UTC(),
		Scopes:      ar.GrantedScopes,
		FromCache:   ar.FromCache,
		Account:     ar.Account.PreferredUsername,
	})
}

// print writes v in the json or yaml output format.
func (a *app) print(v any) error {
	switch a.output {
	case "json", "":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported output format %q", a.output)
}
