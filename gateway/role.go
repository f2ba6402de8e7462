package gateway

import (
	"context"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/edgeflow-dev/edgeflow/node"
)

// Path is the well-known node path the bootstrap CLI resolves a node to
// this package's Gateway role, analogous to a blueprint naming one of its
// own nodes' dotted class paths.
const Path = "edgeflow/gateway"

func init() {
	node.Register(Path, newFromContext)
}

// roleConfig is the decoded shape of a Gateway node's declared config bag.
type roleConfig struct {
	Host          string `mapstructure:"host"`
	TCPPort       int    `mapstructure:"tcp_port"`
	HTTPPort      int    `mapstructure:"http_port"`
	BufferDelayMS int    `mapstructure:"buffer_delay_ms"`
}

// newFromContext builds a Gateway + WebInterface pair from a node's
// bootstrap context, decoding its config bag via mapstructure rather than
// hand-rolled type assertions. Config keys: "tcp_port" (fan-in listen
// port, default 9000), "host" (listen address, default "0.0.0.0"),
// "http_port" (the WebInterface's fiber port, default 8000), and
// "buffer_delay_ms" (the jitter buffer's hold window, default 0 — play
// back immediately).
func newFromContext(ctx node.BootstrapContext) (node.Role, error) {
	cfg := roleConfig{Host: "0.0.0.0", TCPPort: 9000, HTTPPort: 8000}
	if ctx.Config != nil {
		// WeaklyTypedInput converts the float64s encoding/json produces
		// for NODE_CONFIG's numbers into the struct's int fields.
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(ctx.Config); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		Name:   ctx.Base.Name,
		Host:   cfg.Host,
		Port:   cfg.TCPPort,
		Broker: ctx.Broker,
		Interfaces: []Interface{
			&WebInterface{
				Port:        cfg.HTTPPort,
				BufferDelay: time.Duration(cfg.BufferDelayMS) * time.Millisecond,
			},
		},
	}

	return &Node{Gateway: gw}, nil
}

// Node adapts a Gateway to the node.Role lifecycle contract ({Kind, Setup,
// RunLoop, Teardown}), so the bootstrap CLI can treat a Gateway node the
// same way it treats Producer/Consumer/Fusion/Sink: one Execute call.
// Gateway.Run already does its own interface setup internally, so Setup
// and Teardown here are no-ops; RunLoop delegates straight to Run, which
// blocks until ctx is canceled.
type Node struct {
	Gateway *Gateway
}

// Kind implements node.Role.
func (n *Node) Kind() string { return "gateway" }

// Setup implements node.Role.
func (n *Node) Setup(ctx context.Context) error { return nil }

// RunLoop implements node.Role.
func (n *Node) RunLoop(ctx context.Context) error { return n.Gateway.Run(ctx) }

// Teardown implements node.Role.
func (n *Node) Teardown(ctx context.Context) error { return nil }

var _ node.Role = (*Node)(nil)
