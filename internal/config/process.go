package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProcessSettings is the top-level process configuration shared by both
// binaries: listen addresses, logging verbosity, and the path to the
// service-list / DbMan settings-database DSN each binary layers on top.
// Loaded once at startup via viper, with an optional change-notification
// hook for the log_json key (WatchLogLevel).
type ProcessSettings struct {
	// ListenAddr is this process's own RPC address: both binaries log it
	// at startup, and XiProxy uses it as the hash-sequencer self key for
	// endpoint reordering (spec §4.6). Neither binary opens a quest
	// listener on it.
	ListenAddr string `mapstructure:"listen_addr"`
	// MetricsAddr serves /metrics and /healthz.
	MetricsAddr string `mapstructure:"metrics_addr"`
	// LogJSON selects the production JSON encoder over the console one
	// (internal/util.NewLogger).
	LogJSON bool `mapstructure:"log_json"`
	// ServiceListPath is BigServant's hot-reloaded service-list file
	// (XiProxy only).
	ServiceListPath string `mapstructure:"service_list_path"`
	// SettingsDSN is the DbMan settings-database DSN (DbMan only).
	SettingsDSN string `mapstructure:"settings_dsn"`
	// MaxAllConns / MaxReadConns bound each DbMan shard's connection pool
	// (spec §4.9).
	MaxAllConns  int `mapstructure:"max_all_conns"`
	MaxReadConns int `mapstructure:"max_read_conns"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:9000")
	v.SetDefault("metrics_addr", "127.0.0.1:9090")
	v.SetDefault("log_json", false)
	v.SetDefault("service_list_path", "")
	v.SetDefault("settings_dsn", "")
	v.SetDefault("max_all_conns", 16)
	v.SetDefault("max_read_conns", 8)
}

// LoadProcessSettings reads process configuration from (in ascending
// priority) defaults, an optional config file at path, and environment
// variables prefixed envPrefix (e.g. "XIPROXY_LISTEN_ADDR"). path may be
// empty, in which case only defaults and the environment apply.
func LoadProcessSettings(path, envPrefix string) (*ProcessSettings, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var s ProcessSettings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal process settings: %w", err)
	}
	return &s, nil
}

// WatchLogLevel re-reads path's `log_json` key on change and invokes
// onChange with the new value; it only notifies, and applying the new log
// format is up to onChange. No-op when path is empty.
func WatchLogLevel(path string, onChange func(jsonEnabled bool)) {
	if path == "" {
		return
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		onChange(v.GetBool("log_json"))
	})
	v.WatchConfig()
}
