package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeflow-dev/edgeflow/internal/config"
)

// inspectCmd prints the node's resolved identity and wiring without
// starting its run loop, grounded on the original implementation's
// cli/inspector.py (which loads a user's app object and reports its
// nodes/links instead of running them).
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print this node's resolved identity and wiring without running it",
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	report := struct {
		Name   string         `json:"name"`
		Path   string         `json:"path"`
		Host   string         `json:"hostname"`
		Config map[string]any `json:"config,omitempty"`
		Inputs any            `json:"inputs"`
		Outputs any           `json:"outputs"`
	}{
		Name:    cfg.Name,
		Path:    cfg.Path,
		Host:    cfg.Hostname,
		Config:  cfg.Config,
		Inputs:  cfg.Wiring.Inputs,
		Outputs: cfg.Wiring.Outputs,
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
