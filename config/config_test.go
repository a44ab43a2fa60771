package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "localhost:7400", cfg.Broker.Endpoint())
	assert.Equal(t, 6*time.Second, cfg.Spawn.PollInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  address: 10.0.0.1
  port: 9000
  codec: msgpack
client:
  reply_timeout: 3s
files:
  chunk_size: 512
log:
  level: debug
  console: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", cfg.Broker.Endpoint())
	assert.Equal(t, "msgpack", cfg.Broker.Codec)
	assert.Equal(t, 1024, cfg.Broker.QueueDepth)
	assert.Equal(t, 3*time.Second, cfg.Client.ReplyTimeout)
	assert.Equal(t, 512, cfg.Files.ChunkSize)
	assert.Equal(t, 1024, cfg.Files.MaxEntries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Console)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MBUS_BROKER_PORT", "7500")
	t.Setenv(EnvSpawnRules, "/etc/mbus/spawn")
	t.Setenv(EnvLoginRules, "/etc/mbus/login")
	t.Setenv("MBUS_SPAWN_POLL_INTERVAL", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7500, cfg.Broker.Port)
	assert.Equal(t, "/etc/mbus/spawn", cfg.Spawn.RulesFile)
	assert.Equal(t, "/etc/mbus/login", cfg.Spawn.LoginFile)
	assert.Equal(t, 250*time.Millisecond, cfg.Spawn.PollInterval)
}

func TestEnvFile(t *testing.T) {
	// Registers restoration of the original value, then clears it so the
	// .env file is allowed to set it
	t.Setenv(EnvSpawnRules, "")
	require.NoError(t, os.Unsetenv(EnvSpawnRules))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# rule tables\n"+EnvSpawnRules+"=/opt/mbus/spawn.rules\n"), 0o644))
	require.NoError(t, LoadEnvFile(path))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/opt/mbus/spawn.rules", cfg.Spawn.RulesFile)

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())

	cfg.Broker.Port = 0
	cfg.Broker.Codec = "xml"
	cfg.Files.ChunkSize = 0
	cfg.Log.Level = "chatty"
	errs := cfg.Validate()
	require.Len(t, errs, 4)
	assert.Equal(t, "broker.port", errs[0].Field)
	assert.Equal(t, "broker.codec", errs[1].Field)
	assert.Equal(t, "files.chunk_size", errs[2].Field)
	assert.Equal(t, "log.level", errs[3].Field)
	assert.Contains(t, ValidationErrors(errs).Error(), "4 validation errors")

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[broker]\nqueue_depth = 0\n"), 0o644))
	_, err := Load(path)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "broker.queue_depth", verrs[0].Field)
}
