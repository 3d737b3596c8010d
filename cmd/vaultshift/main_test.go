package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultshift/internal/config"
	"github.com/alanyoungcy/vaultshift/internal/crypto"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestSealKeyWritesLoadableFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.Operator.PrivateKey = testKey
	cfg.Operator.KeyPassword = "pw"
	out := filepath.Join(t.TempDir(), "operator.json")

	require.NoError(t, sealKey(&cfg, out))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	key, err := crypto.LoadKey(crypto.KeyConfig{KeyFile: out, KeyPassword: "pw"})
	require.NoError(t, err)
	want, err := crypto.ParseKey(testKey)
	require.NoError(t, err)
	assert.Equal(t, want.D, key.D)

	// An existing file is never overwritten.
	assert.Error(t, sealKey(&cfg, out))
}

func TestSealKeyNeedsKeyAndPassword(t *testing.T) {
	cfg := config.Defaults()
	assert.ErrorContains(t, sealKey(&cfg, filepath.Join(t.TempDir(), "a.json")), "private_key")

	cfg.Operator.PrivateKey = testKey
	assert.Error(t, sealKey(&cfg, filepath.Join(t.TempDir(), "b.json")))
}
