// Package config loads hycows settings from an optional YAML file and
// HYCO_* environment variables. Command-line flags are layered on top by
// the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/philsphicas/hycows/relay"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "HYCO_"

// Transport names.
const (
	TransportCoder   = "coder"
	TransportGorilla = "gorilla"
)

// Config holds the settings shared by hycows commands.
type Config struct {
	Relay       string        `yaml:"relay"`       // namespace name, FQDN or URI
	RelaySuffix string        `yaml:"relaySuffix"` // sovereign cloud suffix
	Hyco        string        `yaml:"hyco"`        // hybrid connection name
	KeyName     string        `yaml:"keyName"`
	Key         string        `yaml:"key"`
	TokenExpiry time.Duration `yaml:"tokenExpiry"`

	Transport   string `yaml:"transport"`
	Proxy       string `yaml:"proxy"` // proxy URL, or "env" for HTTPS_PROXY
	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`

	MaxConnections int `yaml:"maxConnections"`

	SubscriptionID string `yaml:"subscriptionId"`
	ResourceGroup  string `yaml:"resourceGroup"`
}

// Load reads a YAML config file. An empty path yields an empty Config.
// Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := c.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields with HYCO_* variables found through lookup,
// typically os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("RELAY_NAME", &c.Relay)
	str("RELAY_SUFFIX", &c.RelaySuffix)
	str("NAME", &c.Hyco)
	str("KEY_NAME", &c.KeyName)
	str("KEY", &c.Key)
	str("TRANSPORT", &c.Transport)
	str("PROXY", &c.Proxy)
	str("LOG_LEVEL", &c.LogLevel)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("SUBSCRIPTION_ID", &c.SubscriptionID)
	str("RESOURCE_GROUP", &c.ResourceGroup)

	if v, ok := lookup(EnvPrefix + "TOKEN_EXPIRY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sTOKEN_EXPIRY: %w", EnvPrefix, err)
		}
		c.TokenExpiry = d
	}
	if v, ok := lookup(EnvPrefix + "MAX_CONNECTIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sMAX_CONNECTIONS: %w", EnvPrefix, err)
		}
		c.MaxConnections = n
	}
	return nil
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.Transport {
	case "", TransportCoder, TransportGorilla:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportCoder, TransportGorilla)
	}
	if c.TokenExpiry < 0 {
		return fmt.Errorf("token expiry must not be negative, got %s", c.TokenExpiry)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections must be >= 0, got %d", c.MaxConnections)
	}
	if (c.KeyName == "") != (c.Key == "") {
		return fmt.Errorf("SAS auth needs both key name and key")
	}
	if _, err := c.ProxyFunc(); err != nil {
		return err
	}
	return nil
}

// Namespace returns the relay host for URI building, or an error when
// no relay is configured.
func (c *Config) Namespace() (string, error) {
	if c.Relay == "" {
		return "", fmt.Errorf("relay namespace is required: use --relay or set %sRELAY_NAME", EnvPrefix)
	}
	suffix := c.RelaySuffix
	if suffix == "" {
		suffix = relay.DefaultRelaySuffix
	}
	ns := relay.ParseRelayEndpoint(c.Relay, suffix)
	if ns == "" {
		return "", fmt.Errorf("invalid relay namespace %q", c.Relay)
	}
	return ns, nil
}

// HybridConnection returns the configured hybrid connection name.
func (c *Config) HybridConnection() (string, error) {
	if c.Hyco == "" {
		return "", fmt.Errorf("hybrid connection name is required: use --hyco or set %sNAME", EnvPrefix)
	}
	return c.Hyco, nil
}

// HasSAS reports whether SAS credentials are configured.
func (c *Config) HasSAS() bool {
	return c.KeyName != "" && c.Key != ""
}

// SASProvider returns a SAS token provider for the configured key.
func (c *Config) SASProvider() (*relay.SASTokenProvider, error) {
	if !c.HasSAS() {
		return nil, fmt.Errorf("SAS credentials are required: set %sKEY_NAME and %sKEY", EnvPrefix, EnvPrefix)
	}
	return &relay.SASTokenProvider{KeyName: c.KeyName, Key: c.Key, Expiry: c.TokenExpiry}, nil
}

// ProxyFunc returns the proxy selector for relay dials. Empty means direct,
// "env" defers to the standard proxy environment variables.
func (c *Config) ProxyFunc() (func(*http.Request) (*url.URL, error), error) {
	switch c.Proxy {
	case "":
		return nil, nil
	case "env":
		return http.ProxyFromEnvironment, nil
	}
	u, err := url.Parse(c.Proxy)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q", c.Proxy)
	}
	return http.ProxyURL(u), nil
}
