/*
Package config loads the settings shared by the mbus binaries.

Values come, lowest precedence first, from Default, an optional config file
(YAML, TOML or JSON, chosen by extension), and MBUS_* environment variables.
An optional .env file is read into the environment before anything else, so
the spawner rule file paths can live next to the binaries.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MBUS_BROKER_PORT
const EnvPrefix = "MBUS"

// Legacy environment variables naming the two spawner lookup tables
const (
	EnvSpawnRules = "MBUS_SPAWN_RULES"
	EnvLoginRules = "MBUS_LOGIN_RULES"
)

// Config is the top level configuration
type Config struct {
	Broker BrokerConfig `mapstructure:"broker"`
	Client ClientConfig `mapstructure:"client"`
	Spawn  SpawnConfig  `mapstructure:"spawn"`
	Files  FilesConfig  `mapstructure:"files"`
	Log    LogConfig    `mapstructure:"log"`
}

// BrokerConfig locates the broker and tunes its per-client queues
type BrokerConfig struct {
	// Address the broker listens on, or clients dial
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	// Codec for control payloads: cbor, json or msgpack
	Codec string `mapstructure:"codec"`
	// QueueDepth is the number of messages buffered per receiving client
	// before further data messages to it are dropped
	QueueDepth int `mapstructure:"queue_depth"`
}

// ClientConfig controls how a module presents itself on the bus
type ClientConfig struct {
	// Host overrides the host address reported at identify time
	Host string `mapstructure:"host"`
	// ReplyTimeout bounds broker round trips; zero blocks indefinitely
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

// SpawnConfig locates the spawner's lookup tables
type SpawnConfig struct {
	RulesFile    string        `mapstructure:"rules_file"`
	LoginFile    string        `mapstructure:"login_file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RemoteShell  string        `mapstructure:"remote_shell"`
}

// FilesConfig tunes directory listings and transfers
type FilesConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
	ChunkSize  int `mapstructure:"chunk_size"`
}

// LogConfig selects log verbosity and format
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Address:    "localhost",
			Port:       7400,
			Codec:      "cbor",
			QueueDepth: 1024,
		},
		Spawn: SpawnConfig{
			PollInterval: 6 * time.Second,
			RemoteShell:  "ssh",
		},
		Files: FilesConfig{
			MaxEntries: 1024,
			ChunkSize:  8192,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Endpoint is the broker address in host:port form
func (b BrokerConfig) Endpoint() string {
	return net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("broker.address", defaults.Broker.Address)
	v.SetDefault("broker.port", defaults.Broker.Port)
	v.SetDefault("broker.codec", defaults.Broker.Codec)
	v.SetDefault("broker.queue_depth", defaults.Broker.QueueDepth)

	v.SetDefault("client.host", defaults.Client.Host)
	v.SetDefault("client.reply_timeout", defaults.Client.ReplyTimeout)

	v.SetDefault("spawn.rules_file", defaults.Spawn.RulesFile)
	v.SetDefault("spawn.login_file", defaults.Spawn.LoginFile)
	v.SetDefault("spawn.poll_interval", defaults.Spawn.PollInterval)
	v.SetDefault("spawn.remote_shell", defaults.Spawn.RemoteShell)

	v.SetDefault("files.max_entries", defaults.Files.MaxEntries)
	v.SetDefault("files.chunk_size", defaults.Files.ChunkSize)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.console", defaults.Log.Console)
}

// LoadEnvFile copies the variables of a .env file into the process
// environment. Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load builds the configuration from defaults, the optional file at path and
// the environment, then validates it
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The rule tables keep their historical variable names
	if err := v.BindEnv("spawn.rules_file", EnvSpawnRules, "MBUS_SPAWN_RULES_FILE"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("spawn.login_file", EnvLoginRules, "MBUS_SPAWN_LOGIN_FILE"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}
