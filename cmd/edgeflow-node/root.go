// Package main is the edgeflow-node bootstrap CLI: the "one process per
// node" entrypoint a ProcessLauncher execs, reading its identity and
// wiring from the environment and running the resolved node.Role (or the
// gateway.Node adapter for Gateway-role nodes) until terminated. Grounded
// on the teacher's cmd/cmd/root.go + serve.go cobra/viper pattern,
// generalized from a YAML-file-backed machine server to an env-var-backed
// node process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edgeflow-node",
	Short: "Run a single EdgeFlow dataflow node",
	Long: `edgeflow-node boots one node of an EdgeFlow dataflow graph.

It reads NODE_NAME, NODE_PATH, NODE_CONFIG, and EDGEFLOW_WIRING (plus the
broker and gateway connection variables) from the process environment,
resolves NODE_PATH against the process-local node.Register registry, and
runs the node's lifecycle until the process is signaled to stop.`,
	RunE: runNode,
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
