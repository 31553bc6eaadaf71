// Package config provides a reusable loader for aegis node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/FunwayHQ/project-aegis-sub001/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an aegis edge node.
type Config struct {
	Proxy struct {
		HTTPAddr  string `mapstructure:"http_addr" json:"http_addr"`
		HTTPSAddr string `mapstructure:"https_addr" json:"https_addr"`
		TLSCert   string `mapstructure:"tls_cert" json:"tls_cert"`
		TLSKey    string `mapstructure:"tls_key" json:"tls_key"`
		Origin    struct {
			Host string `mapstructure:"host" json:"host"`
			Port int    `mapstructure:"port" json:"port"`
			TLS  bool   `mapstructure:"tls" json:"tls"`
		} `mapstructure:"origin" json:"origin"`
		TrustedProxies []string `mapstructure:"trusted_proxies" json:"trusted_proxies"`
		RouteTableFile string   `mapstructure:"route_table_file" json:"route_table_file"`
	} `mapstructure:"proxy" json:"proxy"`

	PacketFilter struct {
		SynThreshold    uint64 `mapstructure:"syn_threshold" json:"syn_threshold"`
		BlockDurationMS int64  `mapstructure:"block_duration_ms" json:"block_duration_ms"`
	} `mapstructure:"packet_filter" json:"packet_filter"`

	Cache struct {
		URL        string `mapstructure:"url" json:"url"`
		DefaultTTL int    `mapstructure:"default_ttl_secs" json:"default_ttl_secs"`
	} `mapstructure:"cache" json:"cache"`

	SyncBus struct {
		URL           string `mapstructure:"url" json:"url"`
		StreamName    string `mapstructure:"stream_name" json:"stream_name"`
		SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
	} `mapstructure:"sync_bus" json:"sync_bus"`

	RateLimiter struct {
		ActorID        uint64 `mapstructure:"actor_id" json:"actor_id"`
		WindowSecs     int64  `mapstructure:"window_secs" json:"window_secs"`
		MaxRequests    uint64 `mapstructure:"max_requests" json:"max_requests"`
		CompactionSecs int64  `mapstructure:"compaction_secs" json:"compaction_secs"`
	} `mapstructure:"rate_limiter" json:"rate_limiter"`

	ModuleStore struct {
		CacheDir          string   `mapstructure:"cache_dir" json:"cache_dir"`
		PrimaryEndpoint   string   `mapstructure:"primary_endpoint" json:"primary_endpoint"`
		FallbackGateways  []string `mapstructure:"fallback_gateways" json:"fallback_gateways"`
	} `mapstructure:"module_store" json:"module_store"`

	Runtime struct {
		MaxMemoryBytes  uint64 `mapstructure:"max_memory_bytes" json:"max_memory_bytes"`
		MaxFuelUnits    uint64 `mapstructure:"max_fuel_units" json:"max_fuel_units"`
		WallClockMillis int64  `mapstructure:"wall_clock_millis" json:"wall_clock_millis"`
	} `mapstructure:"runtime" json:"runtime"`

	ThreatIntel struct {
		Enabled        bool     `mapstructure:"enabled" json:"enabled"`
		Topic          string   `mapstructure:"topic" json:"topic"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		MDNSEnabled    bool     `mapstructure:"mdns_enabled" json:"mdns_enabled"`
	} `mapstructure:"threat_intel" json:"threat_intel"`

	Metrics struct {
		SigningKeyFile     string `mapstructure:"signing_key_file" json:"signing_key_file"`
		LogPath            string `mapstructure:"log_path" json:"log_path"`
		AggregationPeriod  int    `mapstructure:"aggregation_period_secs" json:"aggregation_period_secs"`
	} `mapstructure:"metrics" json:"metrics"`

	Challenge struct {
		SigningKeyFile    string `mapstructure:"signing_key_file" json:"signing_key_file"`
		CookieName        string `mapstructure:"cookie_name" json:"cookie_name"`
		ClearanceMaxAgeS  int    `mapstructure:"clearance_max_age_secs" json:"clearance_max_age_secs"`
		FingerprintScoreT int    `mapstructure:"fingerprint_score_threshold" json:"fingerprint_score_threshold"`
	} `mapstructure:"challenge" json:"challenge"`

	Identity struct {
		KeyFile string `mapstructure:"key_file" json:"key_file"`
	} `mapstructure:"identity" json:"identity"`

	ControlAPI struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"control_api" json:"control_api"`

	Dispatcher struct {
		MaxModulesPerRequest int  `mapstructure:"max_modules_per_request" json:"max_modules_per_request"`
		ContinueOnError      bool `mapstructure:"continue_on_error" json:"continue_on_error"`
	} `mapstructure:"dispatcher" json:"dispatcher"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // process environment variables; no .env file is read

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the AEGIS_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("AEGIS_ENV", ""))
}
