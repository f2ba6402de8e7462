// Package config binds the environment variables an edgeflow-node process
// bootstraps from to a viper-backed struct, grounded on the teacher's
// cmd/cmd/serve.go viper.UnmarshalKey usage generalized from a YAML config
// file to the container-style env-var contract the spec defines.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/wiring"
)

// Node is every environment-derived value one edgeflow-node process needs
// to bootstrap: its identity, the node-path to resolve, its declared
// config bag, the broker to dial, and its resolved wiring.
type Node struct {
	Name     string
	Path     string
	Hostname string
	Config   map[string]any
	Broker   broker.Config
	Wiring   wiring.Envelope

	GatewayHost     string
	GatewayTCPPort  int
	GatewayHTTPPort int
}

// Load binds NODE_NAME, NODE_PATH, NODE_CONFIG, HOSTNAME, REDIS_HOST,
// REDIS_PORT, DATA_REDIS_HOST, DATA_REDIS_PORT, GATEWAY_HOST,
// GATEWAY_TCP_PORT, GATEWAY_HTTP_PORT, and EDGEFLOW_WIRING from the
// process environment.
func Load() (*Node, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("redis_port", 6379)
	v.SetDefault("data_redis_port", 6379)
	v.SetDefault("gateway_tcp_port", 9000)
	v.SetDefault("gateway_http_port", 8000)

	n := &Node{
		Name:     v.GetString("node_name"),
		Path:     v.GetString("node_path"),
		Hostname: v.GetString("hostname"),
		Broker: broker.Config{
			Host:     v.GetString("redis_host"),
			Port:     v.GetInt("redis_port"),
			DataHost: v.GetString("data_redis_host"),
			DataPort: v.GetInt("data_redis_port"),
		},
		GatewayHost:     v.GetString("gateway_host"),
		GatewayTCPPort:  v.GetInt("gateway_tcp_port"),
		GatewayHTTPPort: v.GetInt("gateway_http_port"),
	}

	if n.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			n.Hostname = h
		}
	}

	if n.Name == "" {
		return nil, fmt.Errorf("config: NODE_NAME is required")
	}
	if n.Path == "" {
		return nil, fmt.Errorf("config: NODE_PATH is required")
	}

	if raw := v.GetString("node_config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &n.Config); err != nil {
			return nil, fmt.Errorf("config: parse NODE_CONFIG: %w", err)
		}
	}

	if raw := v.GetString("edgeflow_wiring"); raw != "" {
		envelope, err := wiring.UnmarshalEnvelope([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("config: parse EDGEFLOW_WIRING: %w", err)
		}
		n.Wiring = envelope
	}

	return n, nil
}
