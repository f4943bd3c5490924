// Package config loads the node configuration from the environment.
//
// Every worker node is addressed to one Learning Loop host and one
// organization/project pair. Credentials are read per request (see
// loop.Client) so rotation does not require a restart; everything else is
// fixed at startup and passed explicitly to each component.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/zauberzeug/loopnode/errors"
)

// Config is the node configuration resolved from the environment.
type Config struct {
	Host         string `mapstructure:"host"`
	Organization string `mapstructure:"organization"`
	Project      string `mapstructure:"project"`

	// DataFolder is the root for all durable node state (uuid, images,
	// trainings). All path construction goes through this value.
	DataFolder string `mapstructure:"data_folder"`

	ManualRestart        bool `mapstructure:"manual_restart"`
	RestartAfterTraining bool `mapstructure:"restart_after_training"`
	KeepOldTrainings     bool `mapstructure:"keep_old_trainings"`
}

// Load resolves the configuration from LOOP_-prefixed environment variables,
// falling back to the unprefixed legacy names (HOST, ORGANIZATION, ...).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("loop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// Legacy unprefixed fallbacks predate the LOOP_ prefix.
	for key, legacy := range map[string]string{
		"host":         "HOST",
		"organization": "ORGANIZATION",
		"project":      "PROJECT",
	} {
		if err := v.BindEnv(key, "LOOP_"+legacy, legacy); err != nil {
			return nil, errors.Wrapf(err, "failed to bind env for %s", key)
		}
	}
	for key, env := range map[string]string{
		"manual_restart":         "MANUAL_RESTART",
		"restart_after_training": "RESTART_AFTER_TRAINING",
		"keep_old_trainings":     "KEEP_OLD_TRAININGS",
		"data_folder":            "DATA_FOLDER",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "failed to bind env for %s", key)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// SetDefaults registers the default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "preview.learning-loop.ai")
	v.SetDefault("organization", "")
	v.SetDefault("project", "")
	v.SetDefault("data_folder", "/data")
	v.SetDefault("manual_restart", false)
	v.SetDefault("restart_after_training", false)
	v.SetDefault("keep_old_trainings", false)
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("LOOP_HOST must be set")
	}
	if c.DataFolder == "" {
		return errors.New("DATA_FOLDER must be set")
	}
	return nil
}
