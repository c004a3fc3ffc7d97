package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MacJediWizard/stagehand/internal/httpclient"
	"github.com/spf13/cobra"
)

// apiClient calls the Stagehand HTTP API.
type apiClient struct {
	baseURL string
	org     string
	http    *http.Client
}

type serverFlags struct {
	server  string
	org     string
	timeout time.Duration
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.server, "server", "", "Stagehand server URL (default: $STAGEHAND_URL)")
	cmd.PersistentFlags().StringVar(&f.org, "org", "", "Organization ID (default: $STAGEHAND_ORG)")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
}

func (f *serverFlags) client() (*apiClient, error) {
	server := f.server
	if server == "" {
		server = os.Getenv("STAGEHAND_URL")
	}
	if server == "" {
		return nil, errors.New("server URL required: use --server or set STAGEHAND_URL")
	}
	org := f.org
	if org == "" {
		org = os.Getenv("STAGEHAND_ORG")
	}

	hc, err := httpclient.New(httpclient.Options{Timeout: f.timeout})
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	return &apiClient{baseURL: strings.TrimRight(server, "/"), org: org, http: hc}, nil
}

// do sends a request and decodes a JSON response into out. Non-2xx
// responses are returned as errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.org != "" {
		req.Header.Set("X-Org-ID", c.org)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return resp.StatusCode, fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
