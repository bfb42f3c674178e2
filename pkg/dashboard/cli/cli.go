// Package cli implements the CLI app of the dashboard server
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	promcollectors "github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/model"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
	"github.com/umiacs/nexus-status/internal/common"
	"github.com/umiacs/nexus-status/internal/periodic"
	internal_runtime "github.com/umiacs/nexus-status/internal/runtime"
	"github.com/umiacs/nexus-status/pkg/auth"
	"github.com/umiacs/nexus-status/pkg/cluster"
	"github.com/umiacs/nexus-status/pkg/dashboard/base"
	dashboard_http "github.com/umiacs/nexus-status/pkg/dashboard/http"
	"github.com/umiacs/nexus-status/pkg/store"
)

// Storage backends.
const (
	memoryBackend = "memory"
	sqliteBackend = "sqlite"
)

// Custom errors.
var (
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrMissingDBPath  = errors.New("sqlite storage needs a path")
)

// StorageConfig is the config of the session store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// TTL is the time after which untouched entries are removed.
	TTL           model.Duration `yaml:"ttl"`
	PruneInterval model.Duration `yaml:"prune_interval"`
}

// WebConfig is the web config of the dashboard.
type WebConfig struct {
	ExternalURL   string         `yaml:"external_url"`
	RequestsLimit int            `yaml:"requests_limit"`
	SecureCookies bool           `yaml:"secure_cookies"`
	SessionTTL    model.Duration `yaml:"session_ttl"`
}

// DashboardAppConfig contains the configuration of the dashboard app.
type DashboardAppConfig struct {
	Data    cluster.DataConfig `yaml:"data"`
	Auth    auth.Config        `yaml:"auth"`
	Storage StorageConfig      `yaml:"storage"`
	Web     WebConfig          `yaml:"web"`
}

// SetDirectory joins any relative file paths with dir.
func (c *DashboardAppConfig) SetDirectory(dir string) {
	c.Data.SetDirectory(dir)
	c.Auth.SetDirectory(dir)

	if c.Storage.Path != "" && !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(dir, c.Storage.Path)
	}
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *DashboardAppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = DashboardAppConfig{
		Data: cluster.DefaultDataConfig,
		Auth: auth.DefaultConfig,
		Storage: StorageConfig{
			Backend:       memoryBackend,
			TTL:           model.Duration(7 * 24 * time.Hour),
			PruneInterval: model.Duration(time.Hour),
		},
		Web: WebConfig{
			RequestsLimit: 10,
			SessionTTL:    model.Duration(time.Hour),
		},
	}

	type plain DashboardAppConfig

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return c.Validate()
}

// Validate validates the dashboard config.
func (c *DashboardAppConfig) Validate() error {
	// Auth section may be missing in which case its UnmarshalYAML never ran
	if err := c.Auth.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case memoryBackend:
	case sqliteBackend:
		if c.Storage.Path == "" {
			return ErrMissingDBPath
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend)
	}

	if c.Storage.TTL < c.Auth.SessionDuration {
		return errors.New("storage ttl must not be shorter than auth session_duration")
	}

	return nil
}

// Dashboard represents the `nexus_dashboard` cli.
type Dashboard struct {
	appName string
	App     kingpin.Application
}

// NewDashboard returns a new Dashboard instance.
func NewDashboard() (*Dashboard, error) {
	return &Dashboard{
		appName: base.DashboardAppName,
		App:     base.DashboardApp,
	}, nil
}

// Main is the entry point of the `nexus_dashboard` command.
func (d *Dashboard) Main() error {
	var (
		webListenAddresses = d.App.Flag(
			"web.listen-address",
			"Addresses on which to expose the dashboard API and metrics.",
		).Default(":9030").Strings()
		webConfigFile = d.App.Flag(
			"web.config.file",
			"Path to configuration file that can enable TLS or authentication. See: https://github.com/prometheus/exporter-toolkit/blob/master/docs/web-configuration.md",
		).Envar("NEXUS_DASHBOARD_WEB_CONFIG_FILE").Default("").String()
		configFile = d.App.Flag(
			"config.file",
			"Configuration file path.",
		).Envar("NEXUS_DASHBOARD_CONFIG_FILE").Default("").String()
		maxProcs = d.App.Flag(
			"runtime.gomaxprocs", "The target number of CPUs Go will run on (GOMAXPROCS)",
		).Envar("GOMAXPROCS").Default("1").Int()

		// Hidden test flags
		enableDebugServer = d.App.Flag(
			"web.debug-server",
			"Enable /debug/pprof profiling endpoints. (default: disabled).",
		).Default("false").Hidden().Bool()
	)

	// Socket activation only available on Linux
	systemdSocket := func() *bool { b := false; return &b }() //nolint:nlreturn
	if runtime.GOOS == "linux" {
		systemdSocket = d.App.Flag(
			"web.systemd-socket",
			"Use systemd socket activation listeners instead of port listeners (Linux only).",
		).Hidden().Bool()
	}

	promslogConfig := &promslog.Config{}
	flag.AddFlags(&d.App, promslogConfig)
	d.App.Version(version.Print(d.appName))
	d.App.UsageWriter(os.Stdout)
	d.App.HelpFlag.Short('h')

	_, err := d.App.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("failed to parse CLI flags: %w", err)
	}

	// Get absolute path for web config file if provided
	var webConfigFilePath string
	if *webConfigFile != "" {
		webConfigFilePath, err = filepath.Abs(*webConfigFile)
		if err != nil {
			return fmt.Errorf("failed to get absolute path of the web config file: %w", err)
		}
	}

	configFilePath, err := filepath.Abs(*configFile)
	if *configFile == "" || err != nil {
		return fmt.Errorf("failed to get absolute path of the config file: %w", errors.Join(common.ErrMissingConfigPath, err))
	}

	config, err := common.MakeConfig[DashboardAppConfig](configFilePath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDirectory(filepath.Dir(configFilePath))

	// Set logger here after properly configuring promlog
	logger := promslog.New(promslogConfig)

	logger.Info("Starting "+d.appName, "version", version.Info())
	logger.Info(
		"Operational information", "build_context", version.BuildContext(),
		"host_details", internal_runtime.Uname(), "fd_limits", internal_runtime.FdLimits(),
	)

	runtime.GOMAXPROCS(*maxProcs)
	logger.Debug("Go MAXPROCS", "procs", runtime.GOMAXPROCS(0))

	webListenAddrs := *webListenAddresses

	rootPath, err := resolveOAuthURLs(config, webListenAddrs[0])
	if err != nil {
		return err
	}

	logger.Info("Authentication", "mode", config.Auth.Mode, "redirect_uri", config.Auth.OAuth.RedirectURI)

	// Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		versioncollector.NewCollector(d.appName),
		promcollectors.NewProcessCollector(promcollectors.ProcessCollectorOpts{}),
		promcollectors.NewGoCollector(),
	)

	fetcher, err := cluster.NewFetcher(config.Data, logger.With("subsystem", "fetcher"), reg)
	if err != nil {
		logger.Error("Failed to create cluster status fetcher", "err", err)

		return err
	}

	refresher, err := cluster.NewRefresher(
		fetcher, time.Duration(config.Data.RefreshInterval), logger.With("subsystem", "refresher"),
	)
	if err != nil {
		logger.Error("Failed to create cluster status refresher", "err", err)

		return err
	}

	sessionStore, closer, tasks, err := newStore(config.Storage, logger.With("subsystem", "store"))
	if err != nil {
		logger.Error("Failed to create session store", "err", err)

		return err
	}
	defer closer.Close()

	server, err := dashboard_http.New(&dashboard_http.Config{
		Logger: logger.With("subsystem", "http"),
		Web: dashboard_http.WebConfig{
			Addresses:         webListenAddrs,
			WebSystemdSocket:  *systemdSocket,
			WebConfigFile:     webConfigFilePath,
			EnableDebugServer: *enableDebugServer,
			RequestsLimit:     config.Web.RequestsLimit,
			RootPath:          rootPath,
			SecureCookies:     config.Web.SecureCookies,
			SessionTTL:        time.Duration(config.Web.SessionTTL),
		},
		Auth:     config.Auth,
		Store:    sessionStore,
		Cluster:  refresher,
		Registry: reg,
	})
	if err != nil {
		logger.Error("Failed to create dashboard server", "err", err)

		return err
	}

	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refresher.Start(ctx)

	for _, task := range tasks {
		task.Start(ctx)
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Failed to start server", "err", err)
			stop()
		}
	}()

	// Listen for the interrupt signal.
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	refresher.Stop()

	for _, task := range tasks {
		task.Stop()
	}

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutDownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutDownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "err", err)
	}

	logger.Info("Server exiting")
	logger.Info("See you next time!!")

	return nil
}

// resolveOAuthURLs sets the default OAuth redirect URI from the external URL
// and returns the path browsers land on after login.
func resolveOAuthURLs(config *DashboardAppConfig, listenAddr string) (string, error) {
	externalURL, err := common.ComputeExternalURL(config.Web.ExternalURL, listenAddr)
	if err != nil {
		return "", fmt.Errorf("failed to determine external URL: %w", err)
	}

	if config.Auth.Mode == auth.ModeOAuth && config.Auth.OAuth.RedirectURI == "" {
		config.Auth.OAuth.RedirectURI = externalURL.JoinPath(dashboard_http.CallbackPath).String()
	}

	return strings.TrimRight(externalURL.Path, "/") + "/", nil
}

// newStore returns the session store with its closer and maintenance tasks.
func newStore(c StorageConfig, logger *slog.Logger) (store.Store, io.Closer, []*periodic.Task, error) {
	switch c.Backend {
	case sqliteBackend:
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create storage directory: %w", err)
		}

		db, err := store.NewSQLite(c.Path, logger)
		if err != nil {
			return nil, nil, nil, err
		}

		prune, err := periodic.New("store_prune", time.Duration(c.PruneInterval), func(context.Context) {
			n, err := db.Prune(time.Now().Add(-time.Duration(c.TTL)))
			if err != nil {
				logger.Error("Failed to prune session store", "err", err)

				return
			}

			logger.Debug("Pruned session store", "removed", n)
		}, periodic.WithLogger(logger))
		if err != nil {
			db.Close()

			return nil, nil, nil, err
		}

		return db, db, []*periodic.Task{prune}, nil
	default:
		mem := store.NewMemory(time.Duration(c.TTL))

		return mem, mem, nil, nil
	}
}
