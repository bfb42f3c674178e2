package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
)

// maxPayloadSize caps the size of a raw payload.
const maxPayloadSize = 32 << 20

// Custom errors.
var (
	ErrNoSource       = errors.New("no cluster status source configured")
	ErrUnexpectedCode = errors.New("unexpected status code")
)

// DataConfig is the configuration of the cluster status source.
type DataConfig struct {
	// Source is an http(s) URL or a path to a JSON file written by the collector.
	Source           string                  `yaml:"source"`
	RefreshInterval  model.Duration          `yaml:"refresh_interval"`
	Timeout          model.Duration          `yaml:"timeout"`
	HTTPClientConfig config.HTTPClientConfig `yaml:",inline"`
}

// DefaultDataConfig is the default source config.
var DefaultDataConfig = DataConfig{
	RefreshInterval:  model.Duration(10 * time.Second),
	Timeout:          model.Duration(10 * time.Second),
	HTTPClientConfig: config.DefaultHTTPClientConfig,
}

// SetDirectory joins any relative file paths with dir.
func (c *DataConfig) SetDirectory(dir string) {
	c.HTTPClientConfig.SetDirectory(dir)

	if c.Source != "" && !isHTTPSource(c.Source) {
		path := strings.TrimPrefix(c.Source, "file://")
		if !filepath.IsAbs(path) {
			c.Source = filepath.Join(dir, path)
		}
	}
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *DataConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultDataConfig

	type plain DataConfig

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if c.RefreshInterval <= 0 {
		return errors.New("refresh_interval must be positive")
	}

	// Inlined HTTPClientConfig is not validated by its own UnmarshalYAML
	return c.HTTPClientConfig.Validate()
}

func isHTTPSource(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

type fetcherMetrics struct {
	fetches   *prometheus.CounterVec
	fallbacks prometheus.Counter
	lastFetch prometheus.Gauge
}

func newFetcherMetrics(reg prometheus.Registerer) *fetcherMetrics {
	m := &fetcherMetrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "cluster",
			Name:      "fetches_total",
			Help:      "Total number of cluster status fetches by source.",
		}, []string{"source"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "cluster",
			Name:      "fallbacks_total",
			Help:      "Total number of fetches that fell back to mock data.",
		}),
		lastFetch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Subsystem: "cluster",
			Name:      "last_fetch_timestamp_seconds",
			Help:      "Unix timestamp of the last cluster status fetch.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.fetches, m.fallbacks, m.lastFetch)
	}

	return m
}

// Fetcher retrieves raw payloads and normalizes them. Failures are never
// returned to the caller. They are logged and replaced by MockStatus.
type Fetcher struct {
	logger  *slog.Logger
	source  string
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
	metrics *fetcherMetrics
}

// NewFetcher returns a new Fetcher. Metrics are registered on reg when it is not nil.
func NewFetcher(c DataConfig, logger *slog.Logger, reg prometheus.Registerer) (*Fetcher, error) {
	f := &Fetcher{
		logger:  logger,
		source:  c.Source,
		timeout: time.Duration(c.Timeout),
		now:     time.Now,
		metrics: newFetcherMetrics(reg),
	}

	if isHTTPSource(c.Source) {
		if _, err := url.Parse(c.Source); err != nil {
			return nil, fmt.Errorf("invalid cluster status URL: %w", err)
		}

		client, err := config.NewClientFromConfig(c.HTTPClientConfig, "nexus_cluster_status")
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client for cluster status: %w", err)
		}

		f.client = client
	}

	return f, nil
}

// Fetch returns the current status and its source.
func (f *Fetcher) Fetch(ctx context.Context) (*Status, Source) {
	now := f.now()

	f.metrics.lastFetch.Set(float64(now.Unix()))

	raw, err := f.fetchRaw(ctx)
	if err == nil {
		var status *Status
		if status, err = Normalize(raw, now); err == nil {
			f.metrics.fetches.WithLabelValues(SourceLive.String()).Inc()

			return status, SourceLive
		}
	}

	f.logger.Warn("Failed to fetch cluster status, falling back to mock data", "source", f.sourceName(), "err", err)
	f.metrics.fetches.WithLabelValues(SourceMock.String()).Inc()
	f.metrics.fallbacks.Inc()

	return MockStatus(now), SourceMock
}

func (f *Fetcher) sourceName() string {
	if u, err := url.Parse(f.source); err == nil && isHTTPSource(f.source) {
		return u.Redacted()
	}

	return f.source
}

func (f *Fetcher) fetchRaw(ctx context.Context) (*RawClusterStatus, error) {
	var (
		body []byte
		err  error
	)

	switch {
	case f.source == "":
		return nil, ErrNoSource
	case f.client != nil:
		body, err = f.fetchHTTP(ctx)
	default:
		body, err = os.ReadFile(strings.TrimPrefix(f.source, "file://"))
	}

	if err != nil {
		return nil, err
	}

	raw := &RawClusterStatus{}
	if err := json.Unmarshal(body, raw); err != nil {
		return nil, fmt.Errorf("failed to decode cluster status: %w", err)
	}

	return raw, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.source, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedCode, resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
}
