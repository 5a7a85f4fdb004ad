package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/etclab/dyno/config"
	"github.com/etclab/dyno/crypto"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadKeyRoundTrip(t *testing.T) {
	key := crypto.GenerateKey()
	encoded := base64.StdEncoding.EncodeToString(key[:])
	path := writeFile(t, "key: "+encoded+"\n")

	loaded, err := config.LoadKey(path)
	require.NoError(t, err)
	require.Equal(t, key, loaded)
}

func TestLoadKeyRejectsWrongLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	path := writeFile(t, "key: "+short+"\n")

	_, err := config.LoadKey(path)
	require.ErrorIs(t, err, config.ErrInvalidKey)
}

func TestLoadStaticDefaultsAppliesFallbacks(t *testing.T) {
	path := writeFile(t, "capacity: 0\nvalue_bytes: 0\n")

	sd, err := config.LoadStaticDefaults(path)
	require.NoError(t, err)
	require.Equal(t, 1024, sd.Capacity)
	require.Equal(t, 64, sd.ValueBytes)
}

func TestLoadStaticDefaultsHonorsOverrides(t *testing.T) {
	path := writeFile(t, "capacity: 256\nvalue_bytes: 128\n")

	sd, err := config.LoadStaticDefaults(path)
	require.NoError(t, err)
	require.Equal(t, 256, sd.Capacity)
	require.Equal(t, 128, sd.ValueBytes)
}
