package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.False(t, Exists())
}

func TestSaveAndLoad(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Vault.Addr = "https://vault.example:8200"
	cfg.Vault.Namespace = "admin"
	cfg.General.DefaultMonths = 6
	cfg.Daemon.Namespaces = []string{"admin", "admin/team-a"}
	require.NoError(t, Save(cfg))
	assert.True(t, Exists())

	info, err := os.Stat(Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[vault]\naddr = \"http://127.0.0.1:8200\"\n"), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8200", cfg.Vault.Addr)
	assert.Equal(t, 12, cfg.General.DefaultMonths)
	assert.Equal(t, "oidc", cfg.Vault.AuthMount)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[vault\n"), 0o600))
	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestResolveVault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvToken, "")
	t.Setenv(EnvNamespace, "")

	cfg := DefaultConfig()
	cfg.Vault.Addr = "https://from-config"
	cfg.Vault.Token = "s.config"

	v := ResolveVault(cfg)
	assert.Equal(t, "https://from-config", v.Addr)
	assert.Equal(t, "s.config", v.Token)
	assert.Equal(t, "config", TokenSource(cfg))

	t.Setenv(EnvAddr, "https://from-env")
	t.Setenv(EnvToken, "s.env")
	t.Setenv(EnvNamespace, "team-a")
	v = ResolveVault(cfg)
	assert.Equal(t, "https://from-env", v.Addr)
	assert.Equal(t, "s.env", v.Token)
	assert.Equal(t, "team-a", v.Namespace)
	assert.Equal(t, "env", TokenSource(cfg))
}

func TestResolveVaultTokenHelper(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvToken, "")
	require.NoError(t, os.WriteFile(filepath.Join(home, ".vault-token"), []byte("s.helper\n"), 0o600))

	v := ResolveVault(DefaultConfig())
	assert.Equal(t, "s.helper", v.Token)
	assert.Equal(t, "~/.vault-token", TokenSource(DefaultConfig()))
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "vacount"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vacount", ".env"),
		[]byte("VAULT_ADDR=https://dotenv\nVAULT_NAMESPACE=dotenv-ns\n"), 0o600))

	t.Chdir(t.TempDir())

	t.Setenv(EnvAddr, "https://real")
	t.Setenv(EnvNamespace, "")
	require.NoError(t, os.Unsetenv(EnvNamespace))

	LoadDotEnv()
	t.Cleanup(func() { _ = os.Unsetenv(EnvNamespace) })

	assert.Equal(t, "https://real", os.Getenv(EnvAddr))
	assert.Equal(t, "dotenv-ns", os.Getenv(EnvNamespace))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[general]\ndefault_months = 3\n"), 0o600))

	changes := make(chan Config, 4)
	w, err := Watch(path, nil, func(c Config) { changes <- c })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("[general]\ndefault_months = 9\n"), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, 9, c.General.DefaultMonths)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}
