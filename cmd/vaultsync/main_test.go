package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/vault"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "vaultsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	prev := configPath
	configPath = p
	t.Cleanup(func() { configPath = prev })
	t.Setenv("VAULTSYNC_SECRET", "")
}

func TestLoadConfig(t *testing.T) {
	_, private, err := identity.NewKeyPair()
	require.NoError(t, err)
	writeConfig(t, `
realm: myrealm
secret: `+private.String()+`
store:
  type: memory
vault:
  syncRelay: wss://relay.example.com
`)
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "myrealm", cfg.Realm)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "wss://relay.example.com", cfg.Vault.SyncRelay)
	assert.Equal(t, filepath.Join(".vaultsync", "myrealm.db"), cfg.DB, "db path defaults next to the realm")
}

func TestLoadConfigSecretFromEnv(t *testing.T) {
	_, private, err := identity.NewKeyPair()
	require.NoError(t, err)
	writeConfig(t, "realm: myrealm\nstore:\n  type: memory\n")

	_, err = loadConfig()
	require.Error(t, err, "no secret anywhere")

	t.Setenv("VAULTSYNC_SECRET", private.String())
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, private.String(), cfg.Secret)
}

func TestLoadConfigMissingRealm(t *testing.T) {
	writeConfig(t, "store:\n  type: memory\nsecret: whatever\n")
	_, err := loadConfig()
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]vault.Level{
		"none": vault.LevelNone, "read": vault.LevelRead,
		"WRITE": vault.LevelWrite, "Admin": vault.LevelAdmin,
	} {
		level, err := parseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, level)
	}
	_, err := parseLevel("owner")
	assert.Error(t, err)
}
