// Package config loads the valvewatch configuration: defaults, overlaid by
// an optional YAML file, overlaid by environment variables. Secrets come
// from the environment (or a .env file), never from the YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/valvewatch/pkg/valvewatch/auth"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/gemini"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/snapshot"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/wa"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/web"
)

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Config is the full valvewatch configuration tree.
type Config struct {
	Server    web.Config      `yaml:"server"`
	WhatsApp  wa.Config       `yaml:"whatsapp"`
	Access    auth.Config     `yaml:"access"`
	Gemini    gemini.Config   `yaml:"gemini"`
	Snapshots snapshot.Config `yaml:"snapshots"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server:    web.Config{Address: ":3000"},
		WhatsApp:  wa.DefaultConfig(),
		Access:    auth.DefaultConfig(),
		Snapshots: snapshot.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if it
// exists (an empty path skips the file entirely), then environment
// variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; env and defaults carry the config.
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Hosting platforms
// inject PORT and RENDER_EXTERNAL_HOSTNAME; the rest are this program's
// own variables.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Address = ":" + port
	}

	if url := os.Getenv("EXTERNAL_URL"); url != "" {
		cfg.Server.ExternalURL = strings.TrimRight(url, "/")
	} else if host := os.Getenv("RENDER_EXTERNAL_HOSTNAME"); host != "" {
		cfg.Server.ExternalURL = "https://" + host
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Gemini.APIKey = key
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		cfg.Gemini.Model = model
	}

	if list := os.Getenv("VALVEWATCH_WHITELIST"); list != "" {
		var numbers []string
		for _, entry := range strings.Split(list, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				numbers = append(numbers, entry)
			}
		}
		cfg.Access.Whitelist = numbers
	}

	if dir := os.Getenv("VALVEWATCH_SESSION_DIR"); dir != "" {
		cfg.WhatsApp.SessionDir = dir
	}
}
