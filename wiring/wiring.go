// Package wiring implements the declarative dataflow graph: blueprint
// registration, lazy per-node input/output resolution, and per-node process
// launch. Grounded on the teacher's builder.go fluent chain (New/Then/Route
// .../Build), generalized from "build one in-process pipeline" to "resolve
// a graph of external node processes and launch each".
package wiring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mitchellh/copystructure"

	"github.com/edgeflow-dev/edgeflow/broker"
)

// gatewayRole tags a NodeSpec created via GatewayNode so resolution can
// peek a link target's role without instantiating it.
const gatewayRole = "gateway"

// NodeSpec is a registered node blueprint: a name, a class path the child
// process resolves to a node.Factory, and its declared configuration.
type NodeSpec struct {
	Name   string
	Path   string
	Config map[string]any

	role string
}

// InputRecord is one entry of a resolved WiringEnvelope's inputs.
type InputRecord struct {
	Topic string `json:"topic"`
	QoS   string `json:"qos"`
}

// OutputRecord is one entry of a resolved WiringEnvelope's outputs.
type OutputRecord struct {
	Target    string `json:"target"`
	Protocol  string `json:"protocol"`
	Channel   string `json:"channel,omitempty"`
	QueueSize int64  `json:"queue_size,omitempty"`
	QoS       string `json:"qos"`
}

// Envelope is the per-node JSON payload passed to a child process via the
// EDGEFLOW_WIRING environment variable.
type Envelope struct {
	Inputs  []InputRecord  `json:"inputs"`
	Outputs []OutputRecord `json:"outputs"`
}

// Link is a directed edge between two registered nodes with a QoS policy
// and optional channel label.
type Link struct {
	Source    *NodeSpec
	Target    *NodeSpec
	QoS       broker.QoS
	Channel   string
	QueueSize int64
}

// System is one declared blueprint: a set of node registrations plus the
// links between them.
type System struct {
	nodes map[string]*NodeSpec
	links []Link
}

// NewSystem returns an empty blueprint.
func NewSystem() *System {
	return &System{nodes: map[string]*NodeSpec{}}
}

// nodeRegistry is the process-global, path-keyed blueprint store that lets
// independently-declared Systems share a NodeSpec, grounded on the original
// implementation's registry.py NodeRegistry class-level _specs dict.
var nodeRegistry sync.Map // path string -> *NodeSpec

// deriveName computes a NodeSpec's name from its path: separators collapsed
// and a leading "nodes" namespace prefix removed, mirroring registry.py's
// path.replace("/", "_").replace("nodes_", "").
func deriveName(path string) string {
	name := strings.NewReplacer("/", "_", ".", "_").Replace(path)
	name = strings.TrimPrefix(name, "nodes_")
	return name
}

// Node registers (or returns the process-wide already-registered) blueprint
// for path, deriving its Name from path. Calling Node again for a path
// already in the registry merges config into the existing spec rather than
// replacing it, mirroring NodeRegistry.get_or_create's config.update.
func (s *System) Node(path string, config map[string]any) *NodeSpec {
	if existing, ok := nodeRegistry.Load(path); ok {
		spec := existing.(*NodeSpec)
		spec.Config = mergeConfig(spec.Config, config)
		s.nodes[path] = spec
		return spec
	}

	spec := &NodeSpec{Name: deriveName(path), Path: path, Config: deepCopyConfig(config)}
	nodeRegistry.Store(path, spec)
	s.nodes[path] = spec
	return spec
}

// deepCopyConfig clones config so a caller that goes on to mutate the map
// it passed in can't reach back into the registered NodeSpec, mirroring
// the teacher's packet.go deep-copy-before-retaining discipline.
func deepCopyConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	copied, err := copystructure.Copy(config)
	if err != nil {
		return config
	}
	return copied.(map[string]any)
}

// mergeConfig copies src's entries into dst (allocating dst if nil),
// leaving src untouched.
func mergeConfig(dst, src map[string]any) map[string]any {
	copied := deepCopyConfig(src)
	if dst == nil {
		return copied
	}
	for k, v := range copied {
		dst[k] = v
	}
	return dst
}

// GatewayNode registers a Gateway-typed node. Links targeting it resolve to
// the tcp protocol instead of broker.
func (s *System) GatewayNode(path string, config map[string]any) *NodeSpec {
	spec := s.Node(path, config)
	spec.role = gatewayRole
	return spec
}

// LinkFrom begins a fluent link declaration from source.
func (s *System) LinkFrom(source *NodeSpec) *linkBuilder {
	return &linkBuilder{system: s, source: source}
}

type linkBuilder struct {
	system *System
	source *NodeSpec
}

// To completes the link declaration: source -> target with the given QoS.
// WithChannel records a channel label in the resolved output record;
// TCP handlers still tag frames with the source node's own name.
// WithQueueSize, if non-zero, bounds the resulting broker handler's trim
// threshold.
func (lb *linkBuilder) To(target *NodeSpec, qos broker.QoS, opts ...LinkOption) *System {
	l := Link{Source: lb.source, Target: target, QoS: qos}
	for _, opt := range opts {
		opt(&l)
	}
	lb.system.links = append(lb.system.links, l)
	return lb.system
}

// LinkOption configures an individual Link.
type LinkOption func(*Link)

// WithChannel sets the link's channel label, carried in the resolved
// OutputRecord.Channel. InstallHandlers does not read it: a TCP handler's
// SourceID is always the source node's name.
func WithChannel(channel string) LinkOption {
	return func(l *Link) { l.Channel = channel }
}

// WithQueueSize bounds the broker handler's trim threshold for this link.
func WithQueueSize(n int64) LinkOption {
	return func(l *Link) { l.QueueSize = n }
}

// merged is the union of every System passed to Run: all NodeSpecs by
// path, all links concatenated.
type merged struct {
	nodes map[string]*NodeSpec
	links []Link
}

func mergeSystems(systems []*System) *merged {
	m := &merged{nodes: map[string]*NodeSpec{}}
	for _, s := range systems {
		for path, spec := range s.nodes {
			if _, ok := m.nodes[path]; !ok {
				m.nodes[path] = spec
			}
		}
		m.links = append(m.links, s.links...)
	}
	return m
}

// byName finds the merged NodeSpec whose derived Name matches name.
func (m *merged) byName(name string) (*NodeSpec, bool) {
	for _, spec := range m.nodes {
		if spec.Name == name {
			return spec, true
		}
	}
	return nil, false
}

// Resolve computes the WiringEnvelope for node name given every System's
// nodes and links merged together.
func Resolve(name string, systems ...*System) (Envelope, error) {
	m := mergeSystems(systems)

	self, ok := m.byName(name)
	if !ok {
		return Envelope{}, fmt.Errorf("wiring: no node registered with name %q", name)
	}

	var inputs []InputRecord
	for _, l := range m.links {
		if l.Target.Name == self.Name {
			inputs = append(inputs, InputRecord{Topic: l.Source.Name, QoS: l.QoS.String()})
		}
	}

	var outputs []OutputRecord
	seen := map[string]bool{}
	for _, l := range m.links {
		if l.Source.Name != self.Name {
			continue
		}

		protocol := "broker"
		if l.Target.role == gatewayRole {
			protocol = "tcp"
		}

		// A broker output's topic is always the source's own name, so
		// every broker-protocol link from this node collapses to one
		// handler; tcp outputs are deduplicated per distinct target.
		key := protocol
		if protocol == "tcp" {
			key = protocol + ":" + l.Target.Name
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		outputs = append(outputs, OutputRecord{
			Target:    l.Target.Name,
			Protocol:  protocol,
			Channel:   l.Channel,
			QueueSize: l.QueueSize,
			QoS:       l.QoS.String(),
		})
	}

	return Envelope{Inputs: inputs, Outputs: outputs}, nil
}

// ProcessLauncher starts one node's OS process. The concrete co-located
// implementation lives in launcher.go; distributed deployment swaps this
// for a collaborator that talks to the cluster scheduler instead (see
// ImageBuilder/ManifestRenderer below).
type ProcessLauncher interface {
	Launch(ctx context.Context, spec *NodeSpec, wiring Envelope, brokerCfg broker.Config) error
}

// Run merges every System, resets the broker exactly once, resolves each
// node's wiring, and launches one process per node via launcher.
func Run(ctx context.Context, br broker.Broker, launcher ProcessLauncher, systems ...*System) error {
	m := mergeSystems(systems)

	if err := br.Reset(ctx); err != nil {
		return fmt.Errorf("wiring: broker reset: %w", err)
	}

	brokerCfg := br.ToConfig()

	for _, spec := range m.nodes {
		envelope, err := Resolve(spec.Name, systems...)
		if err != nil {
			return err
		}
		if err := launcher.Launch(ctx, spec, envelope, brokerCfg); err != nil {
			return fmt.Errorf("wiring: launch %s: %w", spec.Name, err)
		}
	}

	return nil
}

// MarshalEnvelope serializes an Envelope the way it is passed via
// EDGEFLOW_WIRING.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses the EDGEFLOW_WIRING payload a child process
// receives at bootstrap.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("wiring: unmarshal envelope: %w", err)
	}
	return e, nil
}

// ImageBuilder is the external collaborator responsible for building and
// pushing a container image for a NodeSpec in distributed deployments. Not
// implemented here: image construction belongs to CI tooling, not the
// runtime core.
type ImageBuilder interface {
	Build(ctx context.Context, spec *NodeSpec) (imageRef string, err error)
}

// ManifestRenderer is the external collaborator responsible for rendering
// a Kubernetes manifest (Deployment/Pod) for a NodeSpec in distributed
// deployments. Not implemented here for the same reason as ImageBuilder.
type ManifestRenderer interface {
	Render(ctx context.Context, spec *NodeSpec, wiring Envelope, imageRef string) ([]byte, error)
}
