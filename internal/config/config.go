// Package config loads and validates the executor's YAML configuration.
// Every recognized key mirrors spec.md §6 exactly; nothing here invents
// a key the spec doesn't name.
package config

import (
	"fmt"
	"os"
	"time"

	validator "github.com/go-playground/validator/v10"
	"sigs.k8s.io/yaml"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.Duration.String())), nil
}

type ConnectionManager struct {
	ListenAddress string `json:"listen_address" validate:"required"`
	ListenPort    int    `json:"listen_port" validate:"required,min=1,max=65535"`
}

type GatewayManager struct {
	ListenAddress string `json:"listen_address" validate:"required"`
	ListenPort    int    `json:"listen_port" validate:"required,min=1,max=65535"`
}

type Membership struct {
	UpdateInterval               Duration `json:"update_interval"`
	AssumeDeadAfter              Duration `json:"assume_dead_after"`
	MaxPeers                     int      `json:"max_peers" validate:"min=0"`
	PeerUpdateInterval           Duration `json:"peer_update_interval"`
	LivenessCheckInterval        Duration `json:"liveness_check_interval"`
	NetworkStabilizationInterval Duration `json:"network_stabilization_interval"`
}

type Runtime struct {
	CachePath           string `json:"cache_path" validate:"required"`
	IncludeFunctionLogs bool   `json:"include_function_logs"`
}

type Scheduler struct {
	TickInterval Duration `json:"tick_interval"`
}

type BlockchainMonitor struct {
	SolanaClusterRPCURL       string   `json:"solana_cluster_rpc_url" validate:"required"`
	SolanaClusterPubSubURL    string   `json:"solana_cluster_pub_sub_url" validate:"required"`
	SolanaProviderPublicKey   string   `json:"solana_provider_public_key" validate:"required"`
	SolanaRegionNumber        uint32   `json:"solana_region_number"`
	SolanaUsageSignerPrivateKey string `json:"solana_usage_signer_private_key" validate:"required"`
	SolanaUsageReportInterval  Duration `json:"solana_usage_report_interval"`
}

type DB struct {
	PDAddresses []string `json:"pd_addresses" validate:"required,min=1"`
}

type StorageBackend struct {
	Internal string `json:"internal"`
	External string `json:"external"`
}

// Config is the executor's full configuration, unmarshaled from YAML.
type Config struct {
	ConnectionManager ConnectionManager `json:"connection_manager"`
	GatewayManager    GatewayManager    `json:"gateway_manager"`
	Membership        Membership        `json:"membership"`
	Runtime           Runtime           `json:"runtime"`
	Scheduler         Scheduler         `json:"scheduler"`
	BlockchainMonitor BlockchainMonitor `json:"blockchain_monitor"`
	DB                DB                `json:"db"`
	Storage           StorageBackend    `json:"storage"`
}

func defaults() Config {
	return Config{
		Membership: Membership{
			UpdateInterval:               Duration{5 * time.Second},
			AssumeDeadAfter:              Duration{20 * time.Second},
			MaxPeers:                     256,
			PeerUpdateInterval:           Duration{5 * time.Second},
			LivenessCheckInterval:        Duration{5 * time.Second},
			NetworkStabilizationInterval: Duration{10 * time.Second},
		},
		Scheduler: Scheduler{TickInterval: Duration{5 * time.Second}},
		BlockchainMonitor: BlockchainMonitor{
			SolanaUsageReportInterval: Duration{24 * time.Hour},
		},
	}
}

// Load reads, unmarshals, and validates the config file at path.
// A malformed or invalid config is a fatal startup error (exit code 1
// per spec.md §6).
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}
