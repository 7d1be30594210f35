// Package config loads daemon configuration from defaults, an optional YAML
// file and ECHIDNAD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eliteGoblin/echidnad/internal/infra"
)

// EnvPrefix namespaces environment overrides (ECHIDNAD_DATA_DIR, ...).
const EnvPrefix = "ECHIDNAD"

// Config is the resolved daemon configuration.
type Config struct {
	DataDir           string        `mapstructure:"data_dir"`
	RuntimeDir        string        `mapstructure:"runtime_dir"`
	LogDir            string        `mapstructure:"log_dir"`
	LogLevel          string        `mapstructure:"log_level"`
	APISocket         string        `mapstructure:"api_socket"`
	TelemetryPath     string        `mapstructure:"telemetry_path"`
	ProfileSocket     string        `mapstructure:"profile_socket"`
	SelinuxFS         string        `mapstructure:"selinux_fs"`
	SuBinary          string        `mapstructure:"su_binary"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	JournalEnabled    bool          `mapstructure:"journal_enabled"`
	AudioHosts        []string      `mapstructure:"audio_hosts"`
}

// New returns a viper instance with defaults derived from the execution mode.
func New() *viper.Viper {
	mode := infra.DetectExecMode()

	v := viper.New()
	v.SetDefault("data_dir", mode.DataDir)
	v.SetDefault("runtime_dir", mode.RuntimeDir)
	v.SetDefault("log_dir", mode.LogDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("api_socket", "")
	v.SetDefault("telemetry_path", infra.DefaultTelemetryPath)
	v.SetDefault("profile_socket", infra.DefaultProfileSocketPath)
	v.SetDefault("selinux_fs", infra.DefaultSelinuxFS)
	v.SetDefault("su_binary", infra.DefaultSuBinary)
	v.SetDefault("command_timeout", infra.DefaultCommandTimeout.String())
	v.SetDefault("broadcast_interval", "500ms")
	v.SetDefault("journal_enabled", true)
	v.SetDefault("audio_hosts", []string{"audioserver", "android.hardware.audio.service"})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. An explicit file must exist; otherwise the
// standard locations are searched and a missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/echidnad")
		v.AddConfigPath("$HOME/.echidnad")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if cfg.APISocket == "" {
		cfg.APISocket = filepath.Join(cfg.RuntimeDir, "echidnad.sock")
	}
	return &cfg, nil
}

// UsedFile returns the config file that was read, if any.
func UsedFile(v *viper.Viper) string {
	return v.ConfigFileUsed()
}
