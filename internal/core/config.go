package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	prov "github.com/3cpo-dev/docluster/internal/providers"
)

// TokenEnv names the environment variable and secrets.env key holding the
// DigitalOcean API token.
const TokenEnv = "DIGITALOCEAN_ACCESS_TOKEN"

// ConfigDir resolves $XDG_CONFIG_HOME/docluster or ~/.config/docluster.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "docluster")
}

// LoadConfig reads YAML configuration over the defaults. If path is empty it
// uses config.yaml in ConfigDir, and a missing file there is not an error.
func LoadConfig(path string) (prov.Config, error) {
	cfg := prov.DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Tokens come from secrets.env or the environment rather than YAML.
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable secrets.env")
	}
	if v := os.Getenv(TokenEnv); v != "" {
		secrets[TokenEnv] = v
	}
	if t := secrets[TokenEnv]; t != "" {
		cfg.ControlPlane.Token = t
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = os.Getenv("DOCLUSTER_JOURNAL")
	}
	return cfg, validateConfig(cfg)
}

func validateConfig(cfg prov.Config) error {
	if cfg.Concurrency < 0 {
		return prov.ValidationError{Field: "concurrency", Value: fmt.Sprint(cfg.Concurrency), Message: "must not be negative"}
	}
	switch cfg.SSH.HostKeyPolicy {
	case "", "insecure", "accept-new", "strict":
	default:
		return prov.ValidationError{Field: "ssh.host_key_policy", Value: cfg.SSH.HostKeyPolicy, Message: "must be insecure, accept-new or strict"}
	}
	if cfg.SSH.HostKeyPolicy != "" && cfg.SSH.HostKeyPolicy != "insecure" && cfg.SSH.KnownHosts == "" {
		return prov.ValidationError{Field: "ssh.known_hosts", Message: "required by host key policy " + cfg.SSH.HostKeyPolicy}
	}
	return nil
}
