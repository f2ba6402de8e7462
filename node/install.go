package node

import (
	"fmt"

	"github.com/edgeflow-dev/edgeflow/broker"
	"github.com/edgeflow-dev/edgeflow/handler"
	"github.com/edgeflow-dev/edgeflow/wiring"
)

// InstallHandlers builds one output handler per WiringEnvelope output
// record: a handler.Broker for protocol "broker", a handler.TCP (pointed
// at the Gateway) for protocol "tcp". sourceName tags TCP handlers with
// this node's own name, per the spec's "overwrite frame.meta.topic =
// source_id" rule.
func InstallHandlers(
	envelope wiring.Envelope,
	br broker.Broker,
	sourceName, gatewayHost string,
	gatewayTCPPort int,
) ([]handler.Handler, error) {
	outs := make([]handler.Handler, 0, len(envelope.Outputs))

	for _, out := range envelope.Outputs {
		switch out.Protocol {
		case "broker":
			outs = append(outs, &handler.Broker{
				Broker:    br,
				Topic:     sourceName,
				QueueSize: out.QueueSize,
			})
		case "tcp":
			outs = append(outs, &handler.TCP{
				Host:     gatewayHost,
				Port:     gatewayTCPPort,
				SourceID: sourceName,
			})
		default:
			return nil, fmt.Errorf("node: unknown output protocol %q", out.Protocol)
		}
	}

	return outs, nil
}

// InputTopics extracts the topic list from a WiringEnvelope's inputs, in
// order, for use as a role's Base.InputTopics.
func InputTopics(envelope wiring.Envelope) []string {
	topics := make([]string, 0, len(envelope.Inputs))
	for _, in := range envelope.Inputs {
		topics = append(topics, in.Topic)
	}
	return topics
}

// InputQoS returns the QoS declared for inputTopic, defaulting to Durable
// when not found.
func InputQoS(envelope wiring.Envelope, inputTopic string) broker.QoS {
	for _, in := range envelope.Inputs {
		if in.Topic == inputTopic {
			return broker.ParseQoS(in.QoS)
		}
	}
	return broker.Durable
}
