package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"VIRTUAL_ROOT", "REAL_ROOT", "STATE_DIR", "LOG_LEVEL", "BACKUPS", "MOUNT_POINT"} {
		t.Setenv(EnvPrefix+"_"+name, "")
		os.Unsetenv(EnvPrefix + "_" + name)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/home", c.VirtualRoot)
	assert.Equal(t, DefaultBackups, c.Backups)
	assert.Empty(t, c.RealRoot)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	clearEnv(t)
	file := filepath.Join(t.TempDir(), "fatoverlay.yaml")
	require.NoError(t, os.WriteFile(file, []byte("virtualRoot: /data\nrealRoot: /srv/data\nbackups: 2\n"), 0644))
	t.Setenv("FATOVERLAY_BACKUPS", "7")

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "/data", c.VirtualRoot)
	assert.Equal(t, "/srv/data", c.RealRoot)
	assert.Equal(t, 7, c.Backups)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	file := filepath.Join(t.TempDir(), "fatoverlay.yaml")
	require.NoError(t, os.WriteFile(file, []byte("virtualroot: /data\n"), 0644))

	_, err := Load(file)
	assert.Error(t, err)
}

func TestLoadBadEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("FATOVERLAY_BACKUPS", "many")

	_, err := Load("")
	assert.Error(t, err)
}

func TestConfigFileFromEnvironment(t *testing.T) {
	t.Setenv("FATOVERLAY_CONFIG_FILE", "/etc/fatoverlay.yaml")
	assert.Equal(t, "/etc/fatoverlay.yaml", ConfigFile())
}

func TestValidateVirtualRoot(t *testing.T) {
	tests := []struct {
		root  string
		valid bool
	}{
		{"/home", true},
		{"/", true},
		{"/home/user", true},
		{"", false},
		{".", false},
		{"..", false},
		{"home", false},
		{"/ho*me", false},
		{"/home?", false},
		{"/c:", false},
		{`/a"b`, false},
		{"/a<b", false},
		{"/a>b", false},
		{"/a|b", false},
		{"/home//user", false},
		{"/home/", false},
	}

	for _, tt := range tests {
		t.Run(tt.root, func(t *testing.T) {
			err := ValidateVirtualRoot(tt.root)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
			}
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	c := &Config{VirtualRoot: "/home", StateDir: "state"}
	require.NoError(t, c.Validate())
	assert.Equal(t, wd, c.RealRoot)
	assert.Equal(t, filepath.Join(wd, "state"), c.StateDir)
	assert.Equal(t, DefaultBackups, c.Backups)

	opts := c.Options()
	assert.Equal(t, "/home", opts.VirtualRoot)
	assert.Equal(t, wd, opts.RealRoot)
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := &Config{VirtualRoot: "/home", RealRoot: t.TempDir(), LogLevel: "loud"}
	assert.ErrorIs(t, c.Validate(), ErrInvalid)
}
