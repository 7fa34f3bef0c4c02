// ABOUTME: Entry point for miner-agent, the field process next to the miners
// ABOUTME: Scans the LAN for WhatsMiners and executes coordinator commands on them

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/miner-gateway/internal/executor"
	"github.com/2389/miner-gateway/internal/logging"
	"github.com/2389/miner-gateway/internal/protocol"
	"github.com/2389/miner-gateway/internal/scanner"
	"github.com/2389/miner-gateway/internal/uplink"
	"github.com/2389/miner-gateway/internal/whatsminer"
)

var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to agent.toml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	scanRange := cfg.Scan.Range
	if scanRange == "" {
		scanRange = scanner.DefaultRange()
	}
	if _, err := scanner.ParseRange(scanRange); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Server:  %s\n", cfg.Server.URL)
	green.Print("    ▶ ")
	fmt.Printf("Scan:    %s port %d every %s\n\n", scanRange, cfg.Scan.Port, cfg.Scan.Interval.Duration)

	logger.Info("starting miner-agent", "version", version, "server", cfg.Server.URL, "scan_range", scanRange)

	if id, err := uplink.FetchIdentity(ctx, cfg.Server.URL, cfg.Server.Token); err != nil {
		logger.Warn("could not fetch agent identity", "error", err)
	} else {
		logger.Info("agent identity", "agent_id", id.AgentID, "farm_id", id.FarmID, "farm", id.FarmName)
	}

	probe := scanner.New(scanner.Config{
		Port:        cfg.Scan.Port,
		Timeout:     cfg.Scan.Timeout.Duration,
		Concurrency: cfg.Scan.Concurrency,
	}, logger.With("component", "scanner"))
	device := whatsminer.NewClient(cfg.Scan.Port, cfg.Device.Timeout.Duration)

	exec := executor.New(executor.Config{
		ScanRange:       scanRange,
		DefaultPassword: cfg.Device.DefaultPassword,
	}, device, probe, logger.With("component", "executor"))

	client, err := uplink.New(uplink.Config{
		ServerURL:     cfg.Server.URL,
		Token:         cfg.Server.Token,
		PingInterval:  cfg.Connection.PingInterval.Duration,
		IdleTimeout:   cfg.Connection.IdleTimeout.Duration,
		RetryInterval: cfg.Connection.RetryInterval.Duration,
	}, exec, logger.With("component", "uplink"))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return exec.Run(ctx, cfg.Scan.Interval.Duration, func(miners []protocol.MinerInfo) {
			if len(miners) > 0 {
				client.PushRoster(miners)
			}
		})
	})
	g.Go(func() error {
		return client.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("miner-agent stopped")
	return nil
}
