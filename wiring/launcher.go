package wiring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/edgeflow-dev/edgeflow/broker"
)

// ExecLauncher launches each node as a child OS process co-located on the
// same host, grounded on the teacher's cmd/cmd/serve.go bootstrap —
// generalized from "start this process's own server loop" to "spawn N
// sibling processes, one per registered node".
type ExecLauncher struct {
	// Command is the binary to exec for every node (typically the
	// edgeflow-node CLI). Defaults to os.Args[0].
	Command string
	// Args are the arguments passed to Command for every node; the node's
	// identity, config, wiring, and broker endpoint travel in environment
	// variables.
	Args []string

	mu   sync.Mutex
	cmds []*exec.Cmd
}

// Launch implements wiring.ProcessLauncher.
func (l *ExecLauncher) Launch(ctx context.Context, spec *NodeSpec, wiring Envelope, brokerCfg broker.Config) error {
	command := l.Command
	if command == "" {
		command = os.Args[0]
	}

	wiringJSON, err := MarshalEnvelope(wiring)
	if err != nil {
		return err
	}

	configJSON, err := json.Marshal(spec.Config)
	if err != nil {
		return fmt.Errorf("wiring: marshal config for %s: %w", spec.Name, err)
	}

	cmd := exec.CommandContext(ctx, command, l.Args...)
	cmd.Env = append(os.Environ(),
		"NODE_NAME="+spec.Name,
		"NODE_PATH="+spec.Path,
		"NODE_CONFIG="+string(configJSON),
		"EDGEFLOW_WIRING="+string(wiringJSON),
		"REDIS_HOST="+brokerCfg.Host,
		"REDIS_PORT="+strconv.Itoa(brokerCfg.Port),
		"DATA_REDIS_HOST="+brokerCfg.DataHost,
		"DATA_REDIS_PORT="+strconv.Itoa(brokerCfg.DataPort),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("wiring: start process for %s: %w", spec.Name, err)
	}

	l.mu.Lock()
	l.cmds = append(l.cmds, cmd)
	l.mu.Unlock()

	return nil
}

// Wait blocks until every launched process exits, returning the first
// non-nil error encountered.
func (l *ExecLauncher) Wait() error {
	l.mu.Lock()
	cmds := append([]*exec.Cmd(nil), l.cmds...)
	l.mu.Unlock()

	var first error
	for _, cmd := range cmds {
		if err := cmd.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ ProcessLauncher = (*ExecLauncher)(nil)
