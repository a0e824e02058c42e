// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// secretEnv overrides client_secret so secrets can stay out of the config file.
const secretEnv = "TOKENCTL_CLIENT_SECRET"

var errNoConfigFile = errors.New("no config file found")

// Config is the content of the tokenctl config file.
type Config struct {
	Authority         string      `yaml:"authority"`
	ClientID          string      `yaml:"client_id"`
	ClientSecret      string      `yaml:"client_secret,omitempty"`
	Certificate       *CertConfig `yaml:"certificate,omitempty"`
	KnownAuthorities  []string    `yaml:"known_authorities,omitempty"`
	InstanceDiscovery *bool       `yaml:"instance_discovery,omitempty"`
	Capabilities      []string    `yaml:"capabilities,omitempty"`
	RenewalOffset     Duration    `yaml:"renewal_offset,omitempty"`
	CacheFile         string      `yaml:"cache_file,omitempty"`
	Scopes            []string    `yaml:"scopes,omitempty"`
}

// CertConfig points at a PEM or PKCS#12 file holding a certificate and its private key.
type CertConfig struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password,omitempty"`
}

// Duration is a time.Duration written as "90s" or "5m" in YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// confidential reports whether the config holds an application credential.
func (c Config) confidential() bool {
	return c.ClientSecret != "" || c.Certificate != nil
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return errors.New("config: client_id is required")
	}
	if c.Authority == "" {
		return errors.New("config: authority is required")
	}
	if c.ClientSecret != "" && c.Certificate != nil {
		return errors.New("config: client_secret and certificate are mutually exclusive")
	}
	if c.Certificate != nil && c.Certificate.Path == "" {
		return errors.New("config: certificate.path is required")
	}
	return nil
}

// defaultConfigDir is ~/.config/tokenctl.
func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tokenctl"), nil
}

// findConfigFile returns the first of config.yaml and config.yml in dir.
func findConfigFile(fs afero.Fs, dir string) (string, error) {
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		ok, err := afero.Exists(fs, p)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if ok {
			return p, nil
		}
	}
	return "", errNoConfigFile
}

// loadConfig reads the config at path. The secret environment variable overrides client_secret
// and a relative cache_file is resolved against the config's directory.
func loadConfig(fs afero.Fs, path string) (Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w at %s", errNoConfigFile, path)
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if s := strings.TrimSpace(os.Getenv(secretEnv)); s != "" {
		cfg.ClientSecret = s
	}
	if cfg.CacheFile == "" {
		cfg.CacheFile = "cache.json"
	}
	if !filepath.IsAbs(cfg.CacheFile) {
		cfg.CacheFile = filepath.Join(filepath.Dir(path), cfg.CacheFile)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// writeConfig stores cfg at path with owner-only permissions, since it may hold a secret.
func writeConfig(fs afero.Fs, path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0o600)
}
