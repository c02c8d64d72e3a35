// Package config loads the adapter's static configuration: transport
// selection, NIC index, and service-registration metadata, grounded on
// marmos91/dittofs's pkg/config/config.go (viper-based load with
// environment-variable override and defaults applied on top).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the adapter process's static configuration (SPEC_FULL.md §10.3),
// supplemented from original_source/src/koala-plugins/mrpc/src/config.rs's
// MrpcConfig{prefix, engine_basename, build_cache, transport} and
// control_plane.rs's Setting{nic_index}.
type Config struct {
	// Prefix names this adapter's directory entry (peerdir registration)
	// and the unix-domain-socket/etcd key namespace it uses.
	Prefix string `mapstructure:"prefix"`

	// EngineBasename names the runtime control-plane socket this adapter's
	// sibling engines attach to.
	EngineBasename string `mapstructure:"engine_basename"`

	// BuildCache is where generated service-stub artifacts are cached.
	BuildCache string `mapstructure:"build_cache"`

	// Transport selects the datapath backend: "simulated" (this module's
	// software fabric, internal/verbs) or "rdma" (reserved; see
	// SPEC_FULL.md §11 on why a real ibverbs binding isn't wired here).
	Transport string `mapstructure:"transport"`

	// NicIndex is the NIC to bind to under a real RDMA transport
	// (control_plane.rs's Setting.nic_index); unused under "simulated".
	NicIndex int `mapstructure:"nic_index"`

	// ListenAddr is the address this adapter's engine binds its simulated
	// listener to, if it accepts connections.
	ListenAddr string `mapstructure:"listen_addr"`

	// EtcdEndpoints, if non-empty, enables the peerdir directory so
	// Connect can resolve symbolic peer names (SPEC_FULL.md §11).
	EtcdEndpoints []string `mapstructure:"etcd_endpoints"`

	// RateLimit and RateBurst gate control-plane command processing
	// (Connect/Bind), in commands/second and burst size.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

func defaults() Config {
	return Config{
		Prefix:         "shmrpc",
		EngineBasename: "shmrpc-adapter",
		BuildCache:     "/tmp/shmrpc/build_cache",
		Transport:      "simulated",
		NicIndex:       0,
		ListenAddr:     "",
		RateLimit:      100,
		RateBurst:      10,
	}
}

// Load reads configuration from defaults, a TOML file, and environment
// variables (SHMRPC_* prefix), in that order of increasing precedence.
// An empty configPath is not an error: defaults (possibly overridden by
// environment variables) are returned.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	d := defaults()
	v.SetDefault("prefix", d.Prefix)
	v.SetDefault("engine_basename", d.EngineBasename)
	v.SetDefault("build_cache", d.BuildCache)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("nic_index", d.NicIndex)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("rate_burst", d.RateBurst)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Transport != "simulated" && cfg.Transport != "rdma" {
		return nil, fmt.Errorf("config: transport must be \"simulated\" or \"rdma\", got %q", cfg.Transport)
	}
	return &cfg, nil
}

// setupViper wires environment-variable overrides (SHMRPC_PREFIX,
// SHMRPC_NIC_INDEX, ...) and, absent an explicit path, the default
// /etc/shmrpc/config.toml / ./config.toml search locations.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SHMRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/shmrpc")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.config/shmrpc")
	}
}
