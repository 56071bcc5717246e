package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", dir)
	} else {
		t.Setenv("HOME", dir)
	}
	return dir
}

func TestDefaultConfigDecodes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDefaultConfig(&buf))
	c, err := decodeConfig(&buf)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, c.GetJoinTimeout())
	assert.Equal(t, 8, c.GetTlsSlotsShown())
	assert.Equal(t, 10, c.GetDisassembleCount())
	assert.False(t, c.DisassembleAtPC)
}

func TestNilConfigDefaults(t *testing.T) {
	var c *Config
	assert.Equal(t, 3*time.Second, c.GetJoinTimeout())
	assert.Equal(t, 8, c.GetTlsSlotsShown())
}

func TestLoadConfigFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
join-timeout: 500ms
tls-slots-shown: 100
disassemble-at-pc: true
disassemble-flavor: gnu
aliases:
  regs: ["r"]
`), 0600))

	c, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, c.GetJoinTimeout())
	assert.Equal(t, 64, c.GetTlsSlotsShown())
	assert.True(t, c.DisassembleAtPC)
	assert.Equal(t, "gnu", c.DisassembleFlavor)
	assert.Equal(t, []string{"r"}, c.Aliases["regs"])

	require.NoError(t, os.WriteFile(path, []byte("disassemble-flavor: att\n"), 0600))
	_, err = LoadConfigFrom(path)
	assert.Error(t, err)

	_, err = LoadConfigFrom(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	home := withHome(t)

	c := LoadConfig()
	require.NotNil(t, c)
	assert.Equal(t, 3*time.Second, c.GetJoinTimeout())

	path, err := GetConfigFilePath(configFile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, configDir, configFile), path)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestSaveConfig(t *testing.T) {
	withHome(t)

	timeout := 2 * time.Second
	shown := 4
	require.NoError(t, SaveConfig(&Config{JoinTimeout: &timeout, TlsSlotsShown: &shown}))

	c := LoadConfig()
	assert.Equal(t, timeout, c.GetJoinTimeout())
	assert.Equal(t, shown, c.GetTlsSlotsShown())
}
