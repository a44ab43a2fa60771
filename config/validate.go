package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/CiaranWoodward/mbus/logging"
)

// ValidationError represents a single invalid setting
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidCodecs lists the accepted broker.codec values
func ValidCodecs() []string {
	return []string{"cbor", "json", "msgpack"}
}

// Validate checks c for invalid values and returns every problem found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Broker.Port < 1 || c.Broker.Port > 0xFFFF {
		errs = append(errs, ValidationError{"broker.port", c.Broker.Port, "must be between 1 and 65535"})
	}
	if !slices.Contains(ValidCodecs(), c.Broker.Codec) {
		errs = append(errs, ValidationError{"broker.codec", c.Broker.Codec, "must be one of " + strings.Join(ValidCodecs(), ", ")})
	}
	if c.Broker.QueueDepth < 1 {
		errs = append(errs, ValidationError{"broker.queue_depth", c.Broker.QueueDepth, "must be positive"})
	}
	if c.Client.ReplyTimeout < 0 {
		errs = append(errs, ValidationError{"client.reply_timeout", c.Client.ReplyTimeout, "must not be negative"})
	}
	if c.Spawn.PollInterval <= 0 {
		errs = append(errs, ValidationError{"spawn.poll_interval", c.Spawn.PollInterval, "must be positive"})
	}
	if c.Spawn.RemoteShell == "" {
		errs = append(errs, ValidationError{"spawn.remote_shell", c.Spawn.RemoteShell, "must not be empty"})
	}
	if c.Files.MaxEntries < 1 {
		errs = append(errs, ValidationError{"files.max_entries", c.Files.MaxEntries, "must be positive"})
	}
	if c.Files.ChunkSize < 1 {
		errs = append(errs, ValidationError{"files.chunk_size", c.Files.ChunkSize, "must be positive"})
	}
	if !slices.Contains(logging.ValidLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{"log.level", c.Log.Level, "must be one of " + strings.Join(logging.ValidLevels(), ", ")})
	}
	return errs
}
