package config

// Package config provides a reusable loader for ICN mesh node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/intercooperative/planetary-mesh/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for an ICN mesh node. It
// mirrors the structure enumerated in SPEC_FULL.md §6 and the YAML files
// under config/.
type Config struct {
	Network struct {
		FederationID   string   `mapstructure:"federation_id" json:"federation_id"`
		CooperativeIDs []string `mapstructure:"cooperative_ids" json:"cooperative_ids"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		Heartbeat      int      `mapstructure:"heartbeat_ms" json:"heartbeat_ms"`
		MeshFanout     int      `mapstructure:"mesh_fanout" json:"mesh_fanout"`
		TTLJobTopicHrs int      `mapstructure:"ttl_job_topic_hours" json:"ttl_job_topic_hours"`
		TTLRecvTopicHrs int     `mapstructure:"ttl_receipt_topic_hours" json:"ttl_receipt_topic_hours"`
	} `mapstructure:"network" json:"network"`

	Mana struct {
		BaseRate       float64 `mapstructure:"base_rate" json:"base_rate"`
		Cap            uint64  `mapstructure:"cap" json:"cap"`
		BurstThreshold uint64  `mapstructure:"burst_threshold" json:"burst_threshold"`
		CooldownK      float64 `mapstructure:"cooldown_k" json:"cooldown_k"`
	} `mapstructure:"mana" json:"mana"`

	Reputation struct {
		SigmoidSlope    float64 `mapstructure:"sigmoid_slope" json:"sigmoid_slope"`
		SigmoidMidpoint float64 `mapstructure:"sigmoid_midpoint" json:"sigmoid_midpoint"`
		PenaltyFactor   float64 `mapstructure:"penalty_factor" json:"penalty_factor"`
	} `mapstructure:"reputation" json:"reputation"`

	BidWeights struct {
		Price             float64 `mapstructure:"w_price" json:"w_price"`
		Resources         float64 `mapstructure:"w_res" json:"w_res"`
		Reputation        float64 `mapstructure:"w_rep" json:"w_rep"`
		Timeliness        float64 `mapstructure:"w_time" json:"w_time"`
		MinReputationForCritical float64 `mapstructure:"min_reputation" json:"min_reputation"`
	} `mapstructure:"bid_weights" json:"bid_weights"`

	Quorum struct {
		Type      string             `mapstructure:"type" json:"type"`
		Threshold int                `mapstructure:"threshold" json:"threshold"`
		Weights   map[string]float64 `mapstructure:"weights" json:"weights"`
	} `mapstructure:"quorum" json:"quorum"`

	Storage struct {
		DAGPath     string `mapstructure:"dag_path" json:"dag_path"`
		LedgerPath  string `mapstructure:"ledger_path" json:"ledger_path"`
		ProfilePath string `mapstructure:"profile_path" json:"profile_path"`
	} `mapstructure:"storage" json:"storage"`

	HTTP struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"http" json:"http"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	TrustBundleRoot string `mapstructure:"trust_bundle_root" json:"trust_bundle_root"`
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

	viper.SetEnvPrefix("ICN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up ICN_* overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ICN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ICN_ENV", ""))
}
