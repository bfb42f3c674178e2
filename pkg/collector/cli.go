package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
)

// NexusCollectorAppName is kingpin app name.
const NexusCollectorAppName = "nexus_collector"

// NexusCollectorApp is kingpin CLI app.
var NexusCollectorApp = *kingpin.New(
	NexusCollectorAppName,
	"Collect SLURM cluster status for the Nexus status dashboard.",
)

// NexusCollector represents the `nexus_collector` cli.
type NexusCollector struct {
	appName string
	App     kingpin.Application
	stdout  io.Writer
}

// NewNexusCollector returns a new NexusCollector instance.
func NewNexusCollector() (*NexusCollector, error) {
	return &NexusCollector{
		appName: NexusCollectorAppName,
		App:     NexusCollectorApp,
		stdout:  os.Stdout,
	}, nil
}

// Main is the entry point of the `nexus_collector` command.
func (c *NexusCollector) Main() error {
	var (
		currentUser = c.App.Flag(
			"user",
			"Current user name. Jobs of this user are highlighted in the dashboard (default: user running the collector).",
		).Default("").String()
		outputFile = c.App.Flag(
			"output",
			"Output file. Status is written to stdout when empty.",
		).Short('o').Default("").String()
		pretty = c.App.Flag(
			"pretty",
			"Pretty print JSON output.",
		).Default("false").Bool()
		binDir = c.App.Flag(
			"slurm.bin-dir",
			"Directory of SLURM binaries (default: searched on PATH).",
		).Envar("NEXUS_COLLECTOR_SLURM_BIN_DIR").Default("").String()
		cmdTimeout = c.App.Flag(
			"slurm.timeout",
			"Timeout of each SLURM command.",
		).Default("30s").Duration()
		concurrency = c.App.Flag(
			"slurm.concurrency",
			"Maximum number of concurrent per node squeue queries.",
		).Default("8").Int()
	)

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&c.App, promslogConfig)
	c.App.Version(version.Print(c.appName))
	c.App.UsageWriter(os.Stdout)
	c.App.HelpFlag.Short('h')

	_, err := c.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Logs go to stderr so that stdout only carries the payload
	logger := promslog.New(promslogConfig)

	logger.Debug("Starting "+c.appName, "version", version.Info())

	if *currentUser == "" {
		if u, err := user.Current(); err == nil {
			*currentUser = u.Username
		} else {
			logger.Warn("Failed to get current user", "err", err)

			*currentUser = "unknown"
		}
	}

	collector, err := New(Config{
		Logger:      logger,
		BinDir:      *binDir,
		Timeout:     *cmdTimeout,
		Concurrency: *concurrency,
		CurrentUser: *currentUser,
	})
	if err != nil {
		return fmt.Errorf("failed to create collector: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()

	status, err := collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect cluster status: %w", err)
	}

	var out []byte
	if *pretty {
		out, err = json.MarshalIndent(status, "", "  ")
	} else {
		out, err = json.Marshal(status)
	}

	if err != nil {
		return fmt.Errorf("failed to encode cluster status: %w", err)
	}

	out = append(out, '\n')

	if *outputFile == "" {
		_, err = c.stdout.Write(out)

		return err
	}

	if err := writeFileAtomic(*outputFile, out); err != nil {
		return fmt.Errorf("failed to write cluster status: %w", err)
	}

	logger.Info("Data written", "file", *outputFile, "nodes", len(status.Nodes),
		"partitions", len(status.Partitions), "duration", time.Since(start))

	return nil
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// so that readers never see a partial document.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
