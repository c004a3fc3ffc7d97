// Package httpclient builds outbound HTTP clients for the MDM integration,
// honouring the proxy settings of the dispatcher configuration.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/stagehand/internal/config"
	"golang.org/x/net/proxy"
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = 30 * time.Second

// Options configures the HTTP client.
type Options struct {
	Timeout time.Duration
	Proxy   *config.ProxyConfig
}

// New creates an HTTP client with optional proxy support.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	transport, err := NewTransport(opts.Proxy)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}, nil
}

// NewTransport creates a pooled transport routed through the configured proxy.
func NewTransport(cfg *config.ProxyConfig) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !cfg.HasProxy() {
		return transport, nil
	}

	// SOCKS5 takes precedence over HTTP proxies.
	if cfg.SOCKS5Proxy != "" {
		dial, err := socks5Dialer(cfg.SOCKS5Proxy)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
		return transport, nil
	}

	bypass := parseNoProxy(cfg.NoProxy)
	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		if bypass.match(req.URL.Host) {
			return nil, nil
		}
		raw := cfg.HTTPProxy
		if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
			raw = cfg.HTTPSProxy
		}
		if raw == "" {
			return nil, nil
		}
		return url.Parse(raw)
	}
	return transport, nil
}

func socks5Dialer(rawURL string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// noProxy is a parsed NO_PROXY list.
type noProxy struct {
	all      bool
	patterns []string
}

func parseNoProxy(list string) noProxy {
	var np noProxy
	for _, p := range strings.Split(list, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		switch p {
		case "":
		case "*":
			np.all = true
		default:
			np.patterns = append(np.patterns, p)
		}
	}
	return np
}

// match reports whether host (optionally with a port) bypasses the proxy.
// A pattern matches the host itself and any subdomain; a leading dot only
// matches subdomains.
func (np noProxy) match(host string) bool {
	if np.all {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, p := range np.patterns {
		if strings.HasPrefix(p, ".") {
			if strings.HasSuffix(host, p) {
				return true
			}
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// Describe returns a loggable summary of the proxy settings with passwords masked.
func Describe(cfg *config.ProxyConfig) string {
	if !cfg.HasProxy() {
		return "direct"
	}

	var parts []string
	if cfg.SOCKS5Proxy != "" {
		parts = append(parts, "socks5="+maskURL(cfg.SOCKS5Proxy))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, "http="+maskURL(cfg.HTTPProxy))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, "https="+maskURL(cfg.HTTPSProxy))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, "no_proxy="+cfg.NoProxy)
	}
	return strings.Join(parts, " ")
}

func maskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
