package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/api"
	promconfig "github.com/prometheus/common/config"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
	"github.com/umiacs/nexus-status/pkg/auth"
	"github.com/umiacs/nexus-status/pkg/tool"
)

func main() {
	var (
		httpRoundTripper   = api.DefaultRoundTripper
		dashboardURL       *url.URL
		httpConfigFilePath string
		tokenOpts          tool.TokenOptions
		statusOpts         tool.StatusOptions
		promslogConfig     = &promslog.Config{}
	)

	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for the Nexus status dashboard.").UsageWriter(os.Stdout)
	app.Version(version.Print("nexus_tool"))
	app.HelpFlag.Short('h')
	flag.AddFlags(app, promslogConfig)

	tokenCmd := app.Command("token", "Generate access tokens for the dashboard.")
	tokenCmd.Flag(
		"strategy", "Token generation strategy.",
	).Default(tool.StrategyRandom).EnumVar(&tokenOpts.Strategy, tool.StrategyRandom, tool.StrategyDate, tool.StrategyUser)
	tokenCmd.Flag(
		"length", "Length of random tokens.",
	).Default(fmt.Sprint(auth.DefaultTokenLength)).IntVar(&tokenOpts.Length)
	tokenCmd.Flag(
		"prefix", "Prefix of date based tokens.",
	).Default(auth.DefaultTokenPrefix).StringVar(&tokenOpts.Prefix)
	tokenCmd.Flag(
		"username", "Username of user tokens.",
	).StringVar(&tokenOpts.Username)
	tokenCmd.Flag(
		"role", "Role of user tokens.",
	).Default(auth.DefaultTokenRole).StringVar(&tokenOpts.Role)
	tokenCmd.Flag(
		"count", "Number of tokens to generate.",
	).Default("1").IntVar(&tokenOpts.Count)
	tokenCmd.Flag(
		"yaml", "Print tokens as a dashboard config snippet.",
	).BoolVar(&tokenOpts.YAML)

	statusCmd := app.Command("status", "Print the cluster status as seen by the dashboard.")
	statusCmd.Flag(
		"source", "URL or path of the cluster status JSON document.",
	).Required().StringVar(&statusOpts.Source)
	statusCmd.Flag(
		"http.config.file", "HTTP client configuration file for nexus_tool to connect to the source.",
	).PlaceHolder("<filename>").ExistingFileVar(&httpConfigFilePath)
	statusCmd.Flag(
		"timeout", "Timeout to fetch the cluster status.",
	).Default("10s").DurationVar(&statusOpts.Timeout)
	statusCmd.Flag(
		"format", "Output format.",
	).Default(tool.FormatTable).EnumVar(&statusOpts.Format, tool.FormatTable, tool.FormatCSV, tool.FormatMarkdown, tool.FormatHTML)

	checkCmd := app.Command("check", "Check the dashboard resources for validity.")

	checkDashboardHealthCmd := checkCmd.Command("dashboard-healthy", "Check if the dashboard is healthy.")
	checkDashboardHealthCmd.Flag(
		"http.config.file", "HTTP client configuration file for nexus_tool to connect to the dashboard.",
	).PlaceHolder("<filename>").ExistingFileVar(&httpConfigFilePath)
	checkDashboardHealthCmd.Flag(
		"url", "The URL for the dashboard.",
	).Default("http://localhost:9030").URLVar(&dashboardURL)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if httpConfigFilePath != "" {
		if dashboardURL != nil && dashboardURL.User.Username() != "" {
			kingpin.Fatalf("Cannot set base auth in the server URL and use a http.config.file at the same time")
		}

		httpConfig, _, err := promconfig.LoadHTTPConfigFile(httpConfigFilePath)
		if err != nil {
			kingpin.Fatalf("Failed to load HTTP config file: %v", err)
		}

		statusOpts.HTTPClientConfig = httpConfig

		httpRoundTripper, err = promconfig.NewRoundTripperFromConfig(*httpConfig, "nexus_tool", promconfig.WithUserAgent("nexus_tool/"+version.Version))
		if err != nil {
			kingpin.Fatalf("Failed to create a new HTTP round tripper: %v", err)
		}
	}

	switch parsedCmd {
	case tokenCmd.FullCommand():
		os.Exit(checkErr(tool.WriteTokens(os.Stdout, tokenOpts, time.Now())))

	case statusCmd.FullCommand():
		os.Exit(checkErr(printStatus(statusOpts, promslog.New(promslogConfig))))

	case checkDashboardHealthCmd.FullCommand():
		os.Exit(checkErr(tool.CheckServerStatus(os.Stderr, dashboardURL, tool.HealthEndpoint, httpRoundTripper)))
	}
}

// printStatus fetches the cluster status and renders it on stdout.
func printStatus(opts tool.StatusOptions, logger *slog.Logger) error {
	status, source, err := tool.LoadStatus(context.Background(), opts, logger)
	if err != nil {
		return err
	}

	return tool.RenderStatus(os.Stdout, status, source, opts.Format)
}

func checkErr(err error) int {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 1
	}

	return 0
}

