package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thinkermao/gavel/raft/core/conf"
)

// Defaults applied where the file stays silent.
const (
	DefaultMinLeaderTimeout   = Duration(150 * time.Millisecond)
	DefaultMaxLeaderTimeout   = Duration(300 * time.Millisecond)
	DefaultMinElectionTimeout = Duration(150 * time.Millisecond)
	DefaultMaxElectionTimeout = Duration(300 * time.Millisecond)
	DefaultHeartbeatTimeout   = Duration(50 * time.Millisecond)
	DefaultMinElectionDelay   = Duration(50 * time.Millisecond)
)

// Duration parses "150ms"-style YAML scalars.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the YAML surface of one node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Timing  TimingConfig  `yaml:"timing"`
	Backend BackendConfig `yaml:"backend"`
}

type NodeConfig struct {
	ID uint64 `yaml:"id"`

	// ProtocolAddress is where peers connect; RouterAddress serves
	// the client-facing HTTP API.
	ProtocolAddress string `yaml:"protocol_address"`
	RouterAddress   string `yaml:"router_address"`

	// DataDir enables durable term/vote/log storage when set.
	DataDir string `yaml:"data_dir"`

	Debug bool `yaml:"debug"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type TimingConfig struct {
	MinLeaderTimeout   Duration `yaml:"min_leader_timeout"`
	MaxLeaderTimeout   Duration `yaml:"max_leader_timeout"`
	MinElectionTimeout Duration `yaml:"min_election_timeout"`
	MaxElectionTimeout Duration `yaml:"max_election_timeout"`
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout"`
	MinElectionDelay   Duration `yaml:"min_election_delay"`
}

type BackendConfig struct {
	// Disabled keeps the applier advancing without a back end;
	// completion handles resolve with a null result.
	Disabled bool `yaml:"disabled"`

	// Credentials is opaque to the cluster and handed to the back
	// end as-is.
	Credentials string `yaml:"credentials"`
}

// Load reads, parses and validates a node configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	t := &c.Timing
	if t.MinLeaderTimeout == 0 {
		t.MinLeaderTimeout = DefaultMinLeaderTimeout
	}
	if t.MaxLeaderTimeout == 0 {
		t.MaxLeaderTimeout = DefaultMaxLeaderTimeout
	}
	if t.MinElectionTimeout == 0 {
		t.MinElectionTimeout = DefaultMinElectionTimeout
	}
	if t.MaxElectionTimeout == 0 {
		t.MaxElectionTimeout = DefaultMaxElectionTimeout
	}
	if t.HeartbeatTimeout == 0 {
		t.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if t.MinElectionDelay == 0 {
		t.MinElectionDelay = DefaultMinElectionDelay
	}
}

// Validate rejects configurations the cluster cannot run with.
func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be greater than 0")
	}

	if c.Node.ProtocolAddress == "" {
		return fmt.Errorf("node.protocol_address is required")
	}

	if len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers must contain at least one peer")
	}

	found := false
	uniqueIDs := make(map[uint64]bool)
	for _, peer := range c.Cluster.Peers {
		if peer.ID == 0 {
			return fmt.Errorf("peer id must be greater than 0")
		}
		if uniqueIDs[peer.ID] {
			return fmt.Errorf("duplicate peer ID: %d", peer.ID)
		}
		uniqueIDs[peer.ID] = true

		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.ProtocolAddress {
				return fmt.Errorf("node address mismatch: node.protocol_address=%s but peer address=%s",
					c.Node.ProtocolAddress, peer.Address)
			}
		}
	}

	if !found {
		return fmt.Errorf("node.id=%d not found in cluster.peers", c.Node.ID)
	}

	t := &c.Timing
	if t.MaxLeaderTimeout < t.MinLeaderTimeout {
		return fmt.Errorf("timing.max_leader_timeout below timing.min_leader_timeout")
	}
	if t.MaxElectionTimeout < t.MinElectionTimeout {
		return fmt.Errorf("timing.max_election_timeout below timing.min_election_timeout")
	}
	if t.HeartbeatTimeout <= 0 {
		return fmt.Errorf("timing.heartbeat_timeout must be positive")
	}

	return nil
}

// CoreConfig derives the consensus core configuration.
func (c *Config) CoreConfig() *conf.Config {
	return &conf.Config{
		ID:                 c.Node.ID,
		Peers:              c.PeerIDs(),
		MinLeaderTimeout:   time.Duration(c.Timing.MinLeaderTimeout),
		MaxLeaderTimeout:   time.Duration(c.Timing.MaxLeaderTimeout),
		MinElectionTimeout: time.Duration(c.Timing.MinElectionTimeout),
		MaxElectionTimeout: time.Duration(c.Timing.MaxElectionTimeout),
		HeartbeatTimeout:   time.Duration(c.Timing.HeartbeatTimeout),
		MinElectionDelay:   time.Duration(c.Timing.MinElectionDelay),
	}
}

// PeerIDs return every peer id except the local node's.
func (c *Config) PeerIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Cluster.Peers)-1)
	for _, peer := range c.Cluster.Peers {
		if peer.ID != c.Node.ID {
			ids = append(ids, peer.ID)
		}
	}
	return ids
}

// PeerAddresses return the id→address map, local node excluded.
func (c *Config) PeerAddresses() map[uint64]string {
	res := make(map[uint64]string, len(c.Cluster.Peers)-1)
	for _, peer := range c.Cluster.Peers {
		if peer.ID != c.Node.ID {
			res[peer.ID] = peer.Address
		}
	}
	return res
}
