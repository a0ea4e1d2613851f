package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lantorrent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(EnvSecret, "")
	path := writeConfig(t, `
secret: s3cret
dataDir: /var/lib/lantorrent
listen: 10.0.0.5:7420
transfer:
  degree: 3
  checksum: true
timeouts:
  connect: 3s
  status: 2m
tracker:
  mode: sync
  maxAttempts: 5
rateLimiters:
  relay:
    limit: 10
    burst: 20
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, "s3cret", cfg.StatusToken)
	assert.Equal(t, "10.0.0.5:7420", cfg.Advertise)
	assert.Equal(t, DefaultBlockSize, cfg.Transfer.BlockSize)
	assert.Equal(t, 3, cfg.Transfer.Degree)
	assert.True(t, cfg.Transfer.Checksum)
	assert.Equal(t, DefaultMaxHops, cfg.Transfer.MaxHops)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Status)
	assert.Equal(t, "sync", cfg.Tracker.Mode)
	assert.Equal(t, 5, cfg.Tracker.MaxAttempts)
	assert.Equal(t, 10.0, cfg.RateLimiters.Relay.Limit)
	assert.Equal(t, filepath.Join("/var/lib/lantorrent", TrackerDataDirName), cfg.TrackerDir())
}

func TestLoadConfigSecretFromEnvironment(t *testing.T) {
	t.Setenv(EnvSecret, "from-env")
	path := writeConfig(t, "dataDir: /tmp/lt\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Secret)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv(EnvSecret, "")

	tests := []struct {
		name string
		body string
		want error
	}{
		{"no secret", "dataDir: /tmp/lt\n", ErrSecretMissing},
		{"no data dir", "secret: x\n", ErrDataDirMissing},
		{"bad yaml", "secret: [unterminated\n", ErrConfigFileUnmarshallable},
		{"bad degree", "secret: x\ndataDir: /tmp\ntransfer:\n  degree: -1\n", ErrDegreeInvalid},
		{"bad mode", "secret: x\ndataDir: /tmp\ntracker:\n  mode: later\n", ErrTrackerModeInvalid},
		{"bad level", "secret: x\ndataDir: /tmp\nlogLevel: loud\n", ErrLogLevelInvalid},
		{"negative timeout", "secret: x\ndataDir: /tmp\ntimeouts:\n  io: -1s\n", ErrTimeoutNegative},
		{"negative stall timeout", "secret: x\ndataDir: /tmp\ntimeouts:\n  stall: -1s\n", ErrTimeoutNegative},
		{"negative rate", "secret: x\ndataDir: /tmp\nrateLimiters:\n  status:\n    limit: -2\n", ErrRateLimitNegative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, ErrConfigFileMissing)
	})
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}
