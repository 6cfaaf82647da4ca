package balancer

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/xlb-project/xlb/common/go/logging"
)

////////////////////////////////////////////////////////////////////////////////

// Config for a balancer instance.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`

	// RingSize is the consistent-hash table size per VIP. Must match the
	// size the dataplane is provisioned with.
	RingSize uint32 `yaml:"ring_size"`

	// MaxVips and MaxReals bound the VIP table and the real registry,
	// mirroring the fixed sizes of the dataplane maps.
	MaxVips  int `yaml:"max_vips"`
	MaxReals int `yaml:"max_reals"`

	// AffinityShards is the number of primary affinity cache shards,
	// one per processing unit. Zero means the available concurrency.
	AffinityShards int `yaml:"affinity_shards"`

	// AffinityEntries is the per-shard affinity cache capacity.
	AffinityEntries int `yaml:"affinity_entries"`

	// FallbackEntries is the shared fallback cache capacity.
	FallbackEntries int `yaml:"fallback_entries"`

	// PromoteFallbackHits re-inserts fallback hits into the primary
	// shard. Policy knob; the dataplane equivalent is deployment
	// specific.
	PromoteFallbackHits bool `yaml:"promote_fallback_hits"`

	// RealGracePeriod is how long a released real index stays parked
	// before it may be reused, covering in-flight affinity entries.
	RealGracePeriod time.Duration `yaml:"real_grace_period"`

	// Monitor configures the diagnostic packet capture buffers.
	Monitor MonitorConfig `yaml:"monitor"`
}

// MonitorConfig configures the per-event-class capture rings.
type MonitorConfig struct {
	// Enabled starts the monitor capturing; it can be toggled at
	// runtime.
	Enabled bool `yaml:"enabled"`

	// BufferEntries is the per-class ring capacity in events.
	BufferEntries int `yaml:"buffer_entries"`

	// SnapLen caps the stored payload per event.
	SnapLen datasize.ByteSize `yaml:"snap_len"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		RingSize:        DefaultRingSize,
		MaxVips:         512,
		MaxReals:        4096,
		AffinityShards:  0,
		AffinityEntries: 8192,
		FallbackEntries: 1024,
		RealGracePeriod: 30 * time.Second,
		Monitor: MonitorConfig{
			Enabled:       true,
			BufferEntries: 512,
			SnapLen:       2 * datasize.KB,
		},
	}
}

// LoadConfig loads configuration from a YAML file at the specified path,
// applied on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural config invariants.
func (c *Config) Validate() error {
	if c.RingSize == 0 {
		return fmt.Errorf("ring_size must be positive")
	}
	if c.MaxVips <= 0 || c.MaxReals <= 0 {
		return fmt.Errorf("max_vips and max_reals must be positive")
	}
	if c.AffinityShards < 0 {
		return fmt.Errorf("affinity_shards must not be negative")
	}
	if c.AffinityEntries <= 0 || c.FallbackEntries <= 0 {
		return fmt.Errorf("affinity cache capacities must be positive")
	}
	if c.Monitor.BufferEntries <= 0 {
		return fmt.Errorf("monitor buffer_entries must be positive")
	}
	if c.Monitor.SnapLen == 0 {
		return fmt.Errorf("monitor snap_len must be positive")
	}
	return nil
}

func (c *Config) affinityShards() int {
	if c.AffinityShards > 0 {
		return c.AffinityShards
	}
	return runtime.GOMAXPROCS(0)
}

////////////////////////////////////////////////////////////////////////////////

// Provisioning input for harnesses: the declarative VIP/real layout.

// RealProvision declares one real of a VIP.
type RealProvision struct {
	Addr   string `yaml:"addr"`
	Weight uint32 `yaml:"weight"`
	Local  bool   `yaml:"local"`
}

// VipProvision declares one VIP with its reals.
type VipProvision struct {
	Addr  string          `yaml:"addr"`
	Port  uint16          `yaml:"port"`
	Proto string          `yaml:"proto"`
	Flags VipFlags        `yaml:"flags"`
	Reals []RealProvision `yaml:"reals"`
}

// ProvisionConfig is the full provisioning document consumed by
// Balancer.Provision and the tester binary.
type ProvisionConfig struct {
	Vips []VipProvision `yaml:"vips"`

	// LocalPrefixes feed the built-in source router when no external
	// routing table is attached.
	LocalPrefixes []string `yaml:"local_prefixes"`
}

// LoadProvision loads a provisioning document from a YAML file.
func LoadProvision(path string) (*ProvisionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provision file: %w", err)
	}

	cfg := &ProvisionConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse provision YAML: %w", err)
	}
	return cfg, nil
}
