package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
)

// HealthEndpoint is the health check endpoint of the dashboard.
const HealthEndpoint = "/health"

// CheckServerStatus checks the server status by making a request to check endpoint.
func CheckServerStatus(w io.Writer, serverURL *url.URL, checkEndpoint string, roundTripper http.RoundTripper) error {
	u := *serverURL
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	config := api.Config{
		Address:      strings.TrimSuffix(u.String(), "/") + checkEndpoint,
		RoundTripper: roundTripper,
	}

	// Create new client.
	c, err := api.NewClient(config)
	if err != nil {
		return fmt.Errorf("error creating API client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, config.Address, nil)
	if err != nil {
		return err
	}

	response, dataBytes, err := c.Do(ctx, request)
	if err != nil {
		return err
	}

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("check failed: URL=%s, status=%d", u.Redacted(), response.StatusCode)
	}

	fmt.Fprintln(w, "  SUCCESS: ", string(dataBytes))

	return nil
}
