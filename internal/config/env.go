package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the [vault] section.
const (
	EnvAddr      = "VAULT_ADDR"
	EnvToken     = "VAULT_TOKEN"
	EnvNamespace = "VAULT_NAMESPACE"
)

// LoadDotEnv loads the first .env file found in the working directory or the
// config directory. Variables already set in the environment are kept.
func LoadDotEnv() {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	paths = append(paths, filepath.Join(Dir(), ".env"))

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// ResolveVault returns the effective connection settings: environment first,
// then config, then the token helper file written by the vault CLI.
func ResolveVault(cfg Config) VaultConfig {
	v := cfg.Vault
	if addr := os.Getenv(EnvAddr); addr != "" {
		v.Addr = addr
	}
	if token := os.Getenv(EnvToken); token != "" {
		v.Token = token
	}
	if ns := os.Getenv(EnvNamespace); ns != "" {
		v.Namespace = ns
	}
	if v.Token == "" {
		v.Token = tokenHelperToken()
	}
	return v
}

func tokenHelperToken() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".vault-token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// TokenSource names where the effective token came from, for display.
func TokenSource(cfg Config) string {
	switch {
	case os.Getenv(EnvToken) != "":
		return "env"
	case cfg.Vault.Token != "":
		return "config"
	case tokenHelperToken() != "":
		return "~/.vault-token"
	default:
		return "none"
	}
}
