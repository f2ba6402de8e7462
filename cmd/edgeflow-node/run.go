package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgeflow-dev/edgeflow/broker/redisbroker"
	"github.com/edgeflow-dev/edgeflow/internal/config"
	"github.com/edgeflow-dev/edgeflow/node"

	// registers the Gateway role under gateway.Path.
	_ "github.com/edgeflow-dev/edgeflow/gateway"
)

func runNode(cmd *cobra.Command, args []string) error {
	installTelemetryLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, err := redisbroker.New(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("edgeflow-node: connect broker: %w", err)
	}
	defer br.Close()

	outputs, err := node.InstallHandlers(cfg.Wiring, br, cfg.Name, cfg.GatewayHost, cfg.GatewayTCPPort)
	if err != nil {
		return fmt.Errorf("edgeflow-node: install handlers: %w", err)
	}

	base := node.NewBase(cfg.Name, node.InputTopics(cfg.Wiring), outputs)
	base.Hostname = cfg.Hostname

	slog.Info("edgeflow-node: starting",
		"name", cfg.Name, "path", cfg.Path, "hostname", base.Hostname, "instance_id", base.InstanceID)

	role, err := node.Build(cfg.Path, node.BootstrapContext{
		Base:   base,
		Broker: br,
		Config: cfg.Config,
	})
	if err != nil {
		return fmt.Errorf("edgeflow-node: build node %q: %w", cfg.Path, err)
	}

	return node.Execute(ctx, cfg.Name, role)
}
