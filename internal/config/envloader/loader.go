// Package envloader loads configuration from ARMADA_* environment variables
// layered over the defaults and an optional YAML file.
package envloader

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/config/loaders"
)

// Prefix is prepended to every environment variable name.
const Prefix = "ARMADA"

// EnvLoader resolves each setting from, in decreasing precedence, the
// environment, the optional file, then config.Default. Nested keys map to
// variables by joining with underscores: database.url is ARMADA_DATABASE_URL.
type EnvLoader struct {
	file string
}

var _ loaders.Loader = (*EnvLoader)(nil)

// NewEnvLoader returns a loader. file may be empty.
func NewEnvLoader(file string) *EnvLoader { return &EnvLoader{file: file} }

// Load builds the configuration.
func (l *EnvLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seeding viper with the defaults registers every key, which AutomaticEnv
	// needs to bind nested settings during Unmarshal.
	defaults, err := yaml.Marshal(config.Default())
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("reading defaults: %w", err)
	}

	if l.file != "" {
		v.SetConfigFile(l.file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(Prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
