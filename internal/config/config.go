package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":43180"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxMessageBytes limits inbound WebSocket message size.
	DefaultMaxMessageBytes int64 = 20000
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 256

	// DefaultFrameRate is the lockstep frame frequency in frames per second.
	DefaultFrameRate = 30
	// DefaultHashSyncInterval is the horizon-frame multiple at which state hashes broadcast.
	DefaultHashSyncInterval = 5 * DefaultFrameRate
	// DefaultFrameBroadcastInterval is the horizon-frame multiple for bare advance notices.
	DefaultFrameBroadcastInterval = DefaultFrameRate / 4
	// DefaultControllerTimeout disconnects controllers that stay silent too long.
	DefaultControllerTimeout = 5 * time.Second

	// DefaultChatTokens is the number of chat messages a controller may burst.
	DefaultChatTokens = 3
	// DefaultChatTokenRefill is the delay before a spent chat token returns.
	DefaultChatTokenRefill = 2 * time.Second
	// DefaultChatMessageMax caps global chat message length in bytes.
	DefaultChatMessageMax = 300

	// DefaultStatePath is where the server snapshot is persisted.
	DefaultStatePath = "relay-state.json"

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address                string
	AllowedOrigins         []string
	MaxMessageBytes        int64
	PingInterval           time.Duration
	MaxClients             int
	TLSCertPath            string
	TLSKeyPath             string
	HashSyncInterval       uint32
	FrameBroadcastInterval uint32
	ControllerTimeout      time.Duration
	ChatTokens             int
	ChatTokenRefill        time.Duration
	ChatMessageMax         int
	StatePath              string
	JournalDir             string
	Logging                LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Load reads the relay configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:                getString("RELAY_ADDR", DefaultAddr),
		AllowedOrigins:         parseList(os.Getenv("RELAY_ALLOWED_ORIGINS")),
		MaxMessageBytes:        DefaultMaxMessageBytes,
		PingInterval:           DefaultPingInterval,
		MaxClients:             DefaultMaxClients,
		TLSCertPath:            strings.TrimSpace(os.Getenv("RELAY_TLS_CERT")),
		TLSKeyPath:             strings.TrimSpace(os.Getenv("RELAY_TLS_KEY")),
		HashSyncInterval:       DefaultHashSyncInterval,
		FrameBroadcastInterval: DefaultFrameBroadcastInterval,
		ControllerTimeout:      DefaultControllerTimeout,
		ChatTokens:             DefaultChatTokens,
		ChatTokenRefill:        DefaultChatTokenRefill,
		ChatMessageMax:         DefaultChatMessageMax,
		StatePath:              getString("RELAY_STATE_PATH", DefaultStatePath),
		JournalDir:             strings.TrimSpace(os.Getenv("RELAY_JOURNAL_DIR")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("RELAY_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("RELAY_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_MESSAGE_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_MAX_MESSAGE_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxMessageBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RELAY_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_HASH_SYNC_INTERVAL")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || value == 0 {
			problems = append(problems, fmt.Sprintf("RELAY_HASH_SYNC_INTERVAL must be a positive integer, got %q", raw))
		} else {
			cfg.HashSyncInterval = uint32(value)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_FRAME_BROADCAST_INTERVAL")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || value == 0 {
			problems = append(problems, fmt.Sprintf("RELAY_FRAME_BROADCAST_INTERVAL must be a positive integer, got %q", raw))
		} else {
			cfg.FrameBroadcastInterval = uint32(value)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_CONTROLLER_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_CONTROLLER_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.ControllerTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_CHAT_TOKENS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_CHAT_TOKENS must be a positive integer, got %q", raw))
		} else {
			cfg.ChatTokens = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_CHAT_TOKEN_REFILL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_CHAT_TOKEN_REFILL must be a positive duration, got %q", raw))
		} else {
			cfg.ChatTokenRefill = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_CHAT_MESSAGE_MAX")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_CHAT_MESSAGE_MAX must be a positive integer, got %q", raw))
		} else {
			cfg.ChatMessageMax = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "RELAY_TLS_CERT and RELAY_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
