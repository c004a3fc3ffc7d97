package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/stagehand/internal/config"
	"github.com/MacJediWizard/stagehand/internal/httpclient"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 1024

// HTTPDispatcher calls the MDM assignment API over JSON/HTTP.
//
// Requests are POST {base}/applications/{build}/assign and .../unassign.
// A 409 on assign and a 404 on unassign mean the MDM is already in the
// requested state and count as success.
type HTTPDispatcher struct {
	baseURL *url.URL
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  zerolog.Logger
}

type assignmentRequest struct {
	Action  models.DispatchAction    `json:"action"`
	Version string                   `json:"version,omitempty"`
	Targets []models.GroupAssignment `json:"targets"`
}

type assignmentResponse struct {
	ID string `json:"id"`
}

// NewHTTPDispatcher creates a dispatcher for cfg. When cfg has a token URL,
// requests are authenticated with OAuth2 client credentials; ctx bounds the
// lifetime of the token source.
func NewHTTPDispatcher(ctx context.Context, cfg *config.DispatchConfig, logger zerolog.Logger) (*HTTPDispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	client, err := httpclient.New(httpclient.Options{Timeout: cfg.Timeout, Proxy: cfg.Proxy})
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		authed := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, client))
		authed.Timeout = client.Timeout
		client = authed
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = httpclient.DefaultTimeout
	}

	logger = logger.With().Str("component", "http_dispatcher").Logger()
	logger.Info().
		Str("base_url", base.String()).
		Bool("oauth2", cfg.TokenURL != "").
		Str("proxy", httpclient.Describe(cfg.Proxy)).
		Msg("MDM dispatcher configured")

	return &HTTPDispatcher{
		baseURL: base,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Assign assigns build to groups.
func (d *HTTPDispatcher) Assign(ctx context.Context, groups []models.GroupAssignment, build models.BuildReference) (Result, error) {
	return d.do(ctx, models.DispatchAssign, groups, build)
}

// Unassign removes build from groups.
func (d *HTTPDispatcher) Unassign(ctx context.Context, groups []models.GroupAssignment, build models.BuildReference) (Result, error) {
	return d.do(ctx, models.DispatchUnassign, groups, build)
}

func (d *HTTPDispatcher) do(ctx context.Context, action models.DispatchAction, groups []models.GroupAssignment, build models.BuildReference) (Result, error) {
	if build.ExternalRef == "" {
		return Result{}, fmt.Errorf("%w: %s build of application %s has no external reference", ErrDispatchFailure, build.Pointer, build.ApplicationID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: rate limit wait: %v", ErrDispatchFailure, err)
	}

	body, err := json.Marshal(assignmentRequest{Action: action, Version: build.Version, Targets: groups})
	if err != nil {
		return Result{}, fmt.Errorf("marshal assignment: %w", err)
	}

	endpoint := d.baseURL.JoinPath("applications", build.ExternalRef, string(action))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s %s: %v", ErrDispatchFailure, action, build.ExternalRef, err)
	}
	defer resp.Body.Close()

	logger := d.logger.With().
		Str("action", string(action)).
		Str("build", build.ExternalRef).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Logger()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out assignmentResponse
		if resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil && err != io.EOF {
				logger.Warn().Err(err).Msg("unreadable assignment response")
			}
		}
		logger.Debug().Str("external_id", out.ID).Msg("assignment accepted")
		return Result{Success: true, ExternalID: out.ID}, nil

	case action == models.DispatchAssign && resp.StatusCode == http.StatusConflict,
		action == models.DispatchUnassign && resp.StatusCode == http.StatusNotFound:
		logger.Debug().Msg("assignment already in requested state")
		return Result{Success: true}, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	logger.Warn().Str("body", strings.TrimSpace(string(msg))).Msg("assignment rejected")
	return Result{}, fmt.Errorf("%w: %s %s: status %d: %s", ErrDispatchFailure, action, build.ExternalRef, resp.StatusCode, strings.TrimSpace(string(msg)))
}
