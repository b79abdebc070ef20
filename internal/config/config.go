package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IPLookup selects how the client address is discovered
type IPLookup string

const (
	IPLookupHTTP IPLookup = "http" // Ask an HTTP echo service
	IPLookupDNS  IPLookup = "dns"  // Resolve myip.opendns.com
)

// Defaults
const (
	DefaultAnalyticsHost = "http://socket.apianalytics.com/"
	DefaultHTTPVersion   = "HTTP/1.1"
	DefaultFallbackIP    = "127.0.0.1"
	DefaultIPEchoURL     = "http://httpconsole.com/ip"
	DefaultDNSServer     = "resolver1.opendns.com:53"
	DefaultQueueSize     = 64
	DefaultSendTimeout   = 10 * time.Second
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

// Config holds the agent configuration. It is fixed once the agent is created.
type Config struct {
	// Collector settings
	ServiceToken  string
	AnalyticsHost string
	Debug         bool   // Inspect envelopes instead of sending them
	CollectorCA   string // PEM CA file trusted when posting to an HTTPS collector

	// Entry metadata
	HTTPVersion string
	FallbackIP  string

	// Client address discovery
	FetchClientIP bool
	IPLookup      IPLookup
	IPEchoURL     string
	DNSServer     string

	// Delivery
	QueueSize   int
	SendTimeout time.Duration

	// Ambient
	LogLevel    string
	LogFormat   string
	MetricsAddr string // Empty disables the metrics endpoint
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		AnalyticsHost: DefaultAnalyticsHost,
		HTTPVersion:   DefaultHTTPVersion,
		FallbackIP:    DefaultFallbackIP,
		FetchClientIP: true,
		IPLookup:      IPLookupHTTP,
		IPEchoURL:     DefaultIPEchoURL,
		DNSServer:     DefaultDNSServer,
		QueueSize:     DefaultQueueSize,
		SendTimeout:   DefaultSendTimeout,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
	}
}

// FileConfig represents the configuration file structure. JSON files load
// too since every JSON document is valid YAML.
type FileConfig struct {
	ServiceToken  *string `yaml:"service_token,omitempty"`
	AnalyticsHost *string `yaml:"analytics_host,omitempty"`
	Debug         *bool   `yaml:"debug,omitempty"`
	CollectorCA   *string `yaml:"collector_ca,omitempty"`

	HTTPVersion *string `yaml:"http_version,omitempty"`
	FallbackIP  *string `yaml:"fallback_ip,omitempty"`

	FetchClientIP *bool   `yaml:"fetch_client_ip,omitempty"`
	IPLookup      *string `yaml:"ip_lookup,omitempty"`
	IPEchoURL     *string `yaml:"ip_echo_url,omitempty"`
	DNSServer     *string `yaml:"dns_server,omitempty"`

	QueueSize   *int    `yaml:"queue_size,omitempty"`
	SendTimeout *string `yaml:"send_timeout,omitempty"` // Go duration, e.g. "5s"

	LogLevel    *string `yaml:"log_level,omitempty"`
	LogFormat   *string `yaml:"log_format,omitempty"`
	MetricsAddr *string `yaml:"metrics_addr,omitempty"`
}

// GetConfigDir returns the configuration directory following the XDG base directory layout
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "alfseal")
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config", "alfseal")
	}

	return ".alfseal"
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// LoadConfigFile loads configuration from a YAML or JSON file.
// A missing file yields an empty configuration.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// MergeWithFileConfig merges file configuration with CLI configuration.
// CLI parameters take precedence: a file value only replaces a field still
// holding its default.
func (c *Config) MergeWithFileConfig(fc *FileConfig) error {
	def := Default()

	if fc.ServiceToken != nil && c.ServiceToken == "" {
		c.ServiceToken = *fc.ServiceToken
	}
	if fc.AnalyticsHost != nil && c.AnalyticsHost == def.AnalyticsHost {
		c.AnalyticsHost = *fc.AnalyticsHost
	}
	if fc.Debug != nil && !c.Debug {
		c.Debug = *fc.Debug
	}
	if fc.CollectorCA != nil && c.CollectorCA == "" {
		c.CollectorCA = *fc.CollectorCA
	}

	if fc.HTTPVersion != nil && c.HTTPVersion == def.HTTPVersion {
		c.HTTPVersion = *fc.HTTPVersion
	}
	if fc.FallbackIP != nil && c.FallbackIP == def.FallbackIP {
		c.FallbackIP = *fc.FallbackIP
	}

	if fc.FetchClientIP != nil && c.FetchClientIP == def.FetchClientIP {
		c.FetchClientIP = *fc.FetchClientIP
	}
	if fc.IPLookup != nil && c.IPLookup == def.IPLookup {
		c.IPLookup = IPLookup(*fc.IPLookup)
	}
	if fc.IPEchoURL != nil && c.IPEchoURL == def.IPEchoURL {
		c.IPEchoURL = *fc.IPEchoURL
	}
	if fc.DNSServer != nil && c.DNSServer == def.DNSServer {
		c.DNSServer = *fc.DNSServer
	}

	if fc.QueueSize != nil && c.QueueSize == def.QueueSize {
		c.QueueSize = *fc.QueueSize
	}
	if fc.SendTimeout != nil && c.SendTimeout == def.SendTimeout {
		d, err := time.ParseDuration(*fc.SendTimeout)
		if err != nil {
			return fmt.Errorf("invalid send_timeout %q: %w", *fc.SendTimeout, err)
		}
		c.SendTimeout = d
	}

	if fc.LogLevel != nil && c.LogLevel == def.LogLevel {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil && c.LogFormat == def.LogFormat {
		c.LogFormat = *fc.LogFormat
	}
	if fc.MetricsAddr != nil && c.MetricsAddr == "" {
		c.MetricsAddr = *fc.MetricsAddr
	}
	return nil
}

// Validate checks the configuration for values the agent cannot work with.
// The service token is checked by the agent itself.
func (c *Config) Validate() error {
	var errs []error

	if err := validateURL("analytics host", c.AnalyticsHost); err != nil {
		errs = append(errs, err)
	}
	if net.ParseIP(c.FallbackIP) == nil {
		errs = append(errs, fmt.Errorf("fallback IP %q is not an IP address", c.FallbackIP))
	}
	if strings.TrimSpace(c.HTTPVersion) == "" {
		errs = append(errs, errors.New("http version must not be empty"))
	}

	switch c.IPLookup {
	case IPLookupHTTP:
		if c.FetchClientIP {
			if err := validateURL("ip echo URL", c.IPEchoURL); err != nil {
				errs = append(errs, err)
			}
		}
	case IPLookupDNS:
		if _, _, err := net.SplitHostPort(c.DNSServer); err != nil {
			errs = append(errs, fmt.Errorf("dns server %q must be host:port: %w", c.DNSServer, err))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ip lookup %q, must be one of: %s, %s", c.IPLookup, IPLookupHTTP, IPLookupDNS))
	}

	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue size must be >= 1"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("send timeout must be positive"))
	}

	return errors.Join(errs...)
}

func validateURL(what, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", what, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must be an http or https URL", what, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", what, raw)
	}
	return nil
}
