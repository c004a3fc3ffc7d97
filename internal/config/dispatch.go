package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig holds outbound proxy settings for the MDM client.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"`
}

// HasProxy reports whether any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// DispatchConfig describes the MDM assignment API. It is read from the YAML
// file named by DISPATCH_CONFIG.
type DispatchConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret,omitempty"`
	Scopes       []string      `yaml:"scopes,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	RateLimit    float64       `yaml:"rate_limit,omitempty"` // requests per second
	Burst        int           `yaml:"burst,omitempty"`
	Proxy        *ProxyConfig  `yaml:"proxy,omitempty"`
}

// Validate checks that the configuration has the fields the client needs.
func (c *DispatchConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if c.TokenURL != "" && c.ClientID == "" {
		return errors.New("client_id is required when token_url is set")
	}
	if c.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	return nil
}

// LoadDispatchConfig reads the dispatcher configuration from path and fills
// defaults. DISPATCH_CLIENT_SECRET overrides the secret in the file.
func LoadDispatchConfig(path string) (*DispatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dispatch config: %w", err)
	}

	var cfg DispatchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse dispatch config: %w", err)
	}

	if secret := os.Getenv("DISPATCH_CLIENT_SECRET"); secret != "" {
		cfg.ClientSecret = secret
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to path with user-only permissions.
// The client secret is never written.
func (c *DispatchConfig) Save(path string) error {
	out := *c
	out.ClientSecret = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal dispatch config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write dispatch config: %w", err)
	}
	return nil
}
