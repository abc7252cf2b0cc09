// Package config loads bunroom-node's cluster configuration: environment
// variables under a fixed prefix, optionally layered over an .env file,
// unmarshaled through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix bunroom-node reads from.
const EnvPrefix = "BUNROOM_"

// Peer is one cluster member's address triple, parsed from the
// "nodeId:host:clientPort:rpcPort" list.
type Peer struct {
	NodeID     string
	Host       string
	ClientPort int
	RPCPort    int
}

// ClientAddr is the host:port this peer serves client WebSocket traffic on.
func (p Peer) ClientAddr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.ClientPort)
}

// RPCAddr is the host:port this peer serves inter-node RPC traffic on.
func (p Peer) RPCAddr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.RPCPort)
}

// RPCBaseURL is the base URL used to POST envelopes to this peer.
func (p Peer) RPCBaseURL() string {
	return "http://" + p.RPCAddr()
}

// ClusterConfig is the fully resolved configuration for one bunroom-node
// process.
type ClusterConfig struct {
	NodeID string `mapstructure:"node_id"`
	Peers  string `mapstructure:"peers"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	MaxFrameBytes int `mapstructure:"max_frame_bytes"`

	IdleRoomTTLSeconds int `mapstructure:"idle_room_ttl_seconds"`
}

// Load reads BUNROOM_-prefixed environment variables (optionally layered
// over a .env file in the working directory) into a ClusterConfig.
func Load() (*ClusterConfig, error) {
	v := viper.New()
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("max_frame_bytes", 64*1024)
	v.SetDefault("idle_room_ttl_seconds", 600)

	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: reading .env: %w", err)
		}
	}

	for _, envStr := range os.Environ() {
		key, value, found := strings.Cut(envStr, "=")
		if !found || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		propKey := strings.TrimPrefix(key, EnvPrefix)
		propKey = strings.ToLower(propKey)
		v.Set(propKey, value)
	}

	var cfg ClusterConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: %snode_id is required", EnvPrefix)
	}
	if cfg.Peers == "" {
		return nil, fmt.Errorf("config: %speers is required", EnvPrefix)
	}
	return &cfg, nil
}

// ParsePeers parses the comma-separated "nodeId:host:clientPort:rpcPort"
// list. An id referenced elsewhere but absent from this list
// is a fatal startup error in the caller, not here.
func ParsePeers(raw string) ([]Peer, error) {
	var peers []Peer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("config: malformed peer entry %q, want nodeId:host:clientPort:rpcPort", entry)
		}
		clientPort, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("config: malformed client port in %q: %w", entry, err)
		}
		rpcPort, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("config: malformed rpc port in %q: %w", entry, err)
		}
		peers = append(peers, Peer{
			NodeID:     parts[0],
			Host:       parts[1],
			ClientPort: clientPort,
			RPCPort:    rpcPort,
		})
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("config: peer list is empty")
	}
	return peers, nil
}

// Self finds the peer entry matching nodeID, the "unknown id -> fatal at
// startup" check.
func Self(peers []Peer, nodeID string) (Peer, error) {
	for _, p := range peers {
		if p.NodeID == nodeID {
			return p, nil
		}
	}
	return Peer{}, fmt.Errorf("config: node id %q not present in peer list", nodeID)
}

// PeerIDs returns just the node IDs, the shape raft.Config.Peers expects.
func PeerIDs(peers []Peer) []string {
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.NodeID
	}
	return ids
}
