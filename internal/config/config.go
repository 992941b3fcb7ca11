package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/gookit/slog"

	"github.com/mumuhhh/gosasl/sasl"
)

type Config struct {
	Mode       string // client or server
	Mechanisms string // candidate list

	// Credential material the command answers property requests with
	Properties map[sasl.Property]string

	// Server user table, from SASL_USERS=alice:secret,bob:pw
	Users map[string]string

	// Optional
	Verbose  bool
	LogLevel slog.Level
}

// propertyEnv maps each settable property to its environment variable.
var propertyEnv = []struct {
	env  string
	prop sasl.Property
}{
	{"SASL_AUTHID", sasl.AuthID},
	{"SASL_AUTHZID", sasl.AuthzID},
	{"SASL_PASSWORD", sasl.Password},
	{"SASL_ANONYMOUS_TOKEN", sasl.AnonymousToken},
	{"SASL_SERVICE", sasl.Service},
	{"SASL_HOSTNAME", sasl.Hostname},
	{"SASL_PASSCODE", sasl.Passcode},
	{"SASL_PIN", sasl.PIN},
	{"SASL_REALM", sasl.Realm},
	{"SASL_QOP", sasl.QOP},
	{"SASL_QOPS", sasl.QOPs},
	{"SASL_SCRAM_ITER", sasl.ScramIter},
	{"SASL_CB_TLS_UNIQUE", sasl.CBTLSUnique},
}

func Load() (*Config, error) {
	cfg := &Config{
		Mode:       envOrDefault("SASL_MODE", "client"),
		Mechanisms: envOrDefault("SASL_MECHANISMS", "PLAIN"),
		Properties: make(map[sasl.Property]string),
		Users:      make(map[string]string),
		LogLevel:   slog.InfoLevel,
	}

	if cfg.Mode != "client" && cfg.Mode != "server" {
		return nil, fmt.Errorf("invalid SASL_MODE: %s (must be client or server)", cfg.Mode)
	}

	for _, pe := range propertyEnv {
		if v := os.Getenv(pe.env); v != "" {
			cfg.Properties[pe.prop] = v
		}
	}

	if v := os.Getenv("SASL_USERS"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			user, pass, ok := strings.Cut(strings.TrimSpace(entry), ":")
			if !ok || user == "" {
				return nil, fmt.Errorf("invalid SASL_USERS entry: %q (must be user:password)", entry)
			}
			cfg.Users[user] = pass
		}
	}

	switch v := os.Getenv("SASL_VERBOSE"); v {
	case "", "0", "false":
	case "1", "true":
		cfg.Verbose = true
	default:
		return nil, fmt.Errorf("invalid SASL_VERBOSE: %s", v)
	}

	// Log level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		switch v {
		case "debug":
			cfg.LogLevel = slog.DebugLevel
		case "info":
			cfg.LogLevel = slog.InfoLevel
		case "warn":
			cfg.LogLevel = slog.WarnLevel
		case "error":
			cfg.LogLevel = slog.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", v)
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
