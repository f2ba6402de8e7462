package wiring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/wiring"
)

func TestResolveInputsAndOutputs(t *testing.T) {
	sys := wiring.NewSystem()
	cam := sys.Node("nodes/resolve-cam", nil)
	resize := sys.Node("nodes/resolve-resize", nil)
	gw := sys.GatewayNode("nodes/resolve-gateway", nil)

	sys.LinkFrom(cam).To(resize, broker.Realtime)
	sys.LinkFrom(resize).To(gw, broker.Durable, wiring.WithChannel("resize"))

	resizeEnvelope, err := wiring.Resolve("resolve-resize", sys)
	require.NoError(t, err)
	require.Len(t, resizeEnvelope.Inputs, 1)
	require.Equal(t, "resolve-cam", resizeEnvelope.Inputs[0].Topic)
	require.Equal(t, "REALTIME", resizeEnvelope.Inputs[0].QoS)

	require.Len(t, resizeEnvelope.Outputs, 1)
	require.Equal(t, "tcp", resizeEnvelope.Outputs[0].Protocol)
	require.Equal(t, "resolve-gateway", resizeEnvelope.Outputs[0].Target)
	require.Equal(t, "resize", resizeEnvelope.Outputs[0].Channel)

	camEnvelope, err := wiring.Resolve("resolve-cam", sys)
	require.NoError(t, err)
	require.Len(t, camEnvelope.Inputs, 0)
	require.Len(t, camEnvelope.Outputs, 1)
	require.Equal(t, "broker", camEnvelope.Outputs[0].Protocol)
}

func TestResolveCollapsesDuplicateBrokerOutputs(t *testing.T) {
	sys := wiring.NewSystem()
	cam := sys.Node("nodes/dup-cam", nil)
	resizeA := sys.Node("nodes/dup-resizeA", nil)
	resizeB := sys.Node("nodes/dup-resizeB", nil)

	sys.LinkFrom(cam).To(resizeA, broker.Durable)
	sys.LinkFrom(cam).To(resizeB, broker.Durable)

	camEnvelope, err := wiring.Resolve("dup-cam", sys)
	require.NoError(t, err)
	require.Len(t, camEnvelope.Outputs, 1, "both downstream links share cam's own topic")
}

func TestMultiSystemMergeUnionsNodesAndLinks(t *testing.T) {
	sysA := wiring.NewSystem()
	cam := sysA.Node("nodes/merge-cam", nil)
	resize := sysA.Node("nodes/merge-resize", nil)
	sysA.LinkFrom(cam).To(resize, broker.Realtime)

	sysB := wiring.NewSystem()
	resizeB := sysB.Node("nodes/merge-resize", nil)
	sink := sysB.Node("nodes/merge-sink", nil)
	sysB.LinkFrom(resizeB).To(sink, broker.Durable)

	envelope, err := wiring.Resolve("merge-resize", sysA, sysB)
	require.NoError(t, err)
	require.Len(t, envelope.Inputs, 1)
	require.Len(t, envelope.Outputs, 1)
}

func TestNodeDerivesNameFromPath(t *testing.T) {
	sys := wiring.NewSystem()
	spec := sys.Node("nodes/name-derivation/camera", nil)
	require.Equal(t, "name-derivation_camera", spec.Name)
	require.Equal(t, "nodes/name-derivation/camera", spec.Path)
}

func TestNodeSamePathAcrossSystemsSharesSpecAndMergesConfig(t *testing.T) {
	sysA := wiring.NewSystem()
	specA := sysA.Node("nodes/shared-cam", map[string]any{"fps": 30})

	sysB := wiring.NewSystem()
	specB := sysB.Node("nodes/shared-cam", map[string]any{"device": "/dev/video0"})

	require.Same(t, specA, specB)
	require.Equal(t, 30, specA.Config["fps"])
	require.Equal(t, "/dev/video0", specA.Config["device"])
}

func TestEnvelopeRoundTripsJSON(t *testing.T) {
	in := wiring.Envelope{
		Inputs:  []wiring.InputRecord{{Topic: "cam", QoS: "DURABLE"}},
		Outputs: []wiring.OutputRecord{{Target: "gw", Protocol: "tcp", Channel: "cam"}},
	}
	b, err := wiring.MarshalEnvelope(in)
	require.NoError(t, err)

	out, err := wiring.UnmarshalEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
