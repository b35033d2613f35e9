package meshnet

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NodeConfig is the declarative shape a MeshNode is built from, loaded
// from YAML (spec §6.3). AutoConnect/AutoAdvertise are optional
// tri-state bools (nil = default-enabled) in the teacher's own
// IsXEnabled() style rather than a plain bool, so a config file can
// distinguish "not set" from "explicitly false".
type NodeConfig struct {
	Username         string        `yaml:"username"`
	PeerID           string        `yaml:"peerId,omitempty"`
	ServiceName      string        `yaml:"serviceName,omitempty"`
	DefaultTTL       int           `yaml:"defaultTtl,omitempty"`
	AutoConnect      *bool         `yaml:"autoConnect,omitempty"`
	AutoAdvertise    *bool         `yaml:"autoAdvertise,omitempty"`
	AnnounceInterval time.Duration `yaml:"announceInterval,omitempty"`
	LocalTransport   TransportType `yaml:"localTransport,omitempty"`
}

// IsAutoConnectEnabled reports whether the node should auto-connect to
// discovered peers. Default true (spec §6.3).
func (c *NodeConfig) IsAutoConnectEnabled() bool {
	return c.AutoConnect == nil || *c.AutoConnect
}

// IsAutoAdvertiseEnabled reports whether the node should advertise
// itself on discoverable transports. Default true (spec §6.3).
func (c *NodeConfig) IsAutoAdvertiseEnabled() bool {
	return c.AutoAdvertise == nil || *c.AutoAdvertise
}

// withDefaults fills in every field left unset, generating a peer id
// when none is supplied (spec §6.3: "peer_id: auto-generated if absent").
func (c NodeConfig) withDefaults() (NodeConfig, error) {
	if c.Username == "" {
		return c, fmt.Errorf("meshnet: config: username is required")
	}
	if c.PeerID == "" {
		c.PeerID = uuid.NewString()
	}
	if c.ServiceName == "" {
		c.ServiceName = "flutter_p2p_mesh"
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultMeshTTL
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = PeerAnnounceInterval
	}
	if c.LocalTransport == "" {
		c.LocalTransport = TransportUnknown
	}
	return c, nil
}

// LoadNodeConfig reads and validates a NodeConfig from a YAML file.
func LoadNodeConfig(path string) (NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("meshnet: read config: %w", err)
	}
	var c NodeConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return NodeConfig{}, fmt.Errorf("meshnet: parse config: %w", err)
	}
	return c.withDefaults()
}
