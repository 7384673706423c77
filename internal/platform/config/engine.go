package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine is the tunable surface for the streaming core: buffer quotas, ABR
// thresholds, refresh cadence, and where session state is persisted. Backed
// by viper so any key can come from a config file or an ENGINE_-prefixed
// environment variable; no command-line flags are bound.
type Engine struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	DataDir            string        `mapstructure:"data_dir"`
	MaxBufferBytes     int64         `mapstructure:"max_buffer_bytes"`
	LiveRefresh        time.Duration `mapstructure:"live_refresh_interval"`
	MaxConcurrentFetch int           `mapstructure:"max_concurrent_fetch"`
	FetchAttempts      int           `mapstructure:"fetch_attempts"`
	FetchBackoffBase   time.Duration `mapstructure:"fetch_backoff_base"`
	ABRSwitchInterval  time.Duration `mapstructure:"abr_switch_interval"`
	ABRPanicBuffer     time.Duration `mapstructure:"abr_panic_buffer"`
	UsePersistence     bool          `mapstructure:"use_persistence"`
}

// LoadEngine builds an Engine from defaults, an optional config file, and
// ENGINE_-prefixed environment variables (override order: env > config file
// > default). The viper instance stays internal to LoadEngine, so callers
// cannot bind flags to it.
func LoadEngine(configPath string) (Engine, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("data_dir", "./data/sessions")
	v.SetDefault("max_buffer_bytes", int64(500*1024*1024))
	v.SetDefault("live_refresh_interval", 4*time.Second)
	v.SetDefault("max_concurrent_fetch", 2)
	v.SetDefault("fetch_attempts", 3)
	v.SetDefault("fetch_backoff_base", 1*time.Second)
	v.SetDefault("abr_switch_interval", 10*time.Second)
	v.SetDefault("abr_panic_buffer", 5*time.Second)
	v.SetDefault("use_persistence", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Engine{}, err
			}
		}
	}

	var cfg Engine
	if err := v.Unmarshal(&cfg); err != nil {
		return Engine{}, err
	}
	return cfg, nil
}
