// Package config loads engine configuration from YAML with environment overrides.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvDataDir   = "POSYNC_DATA_DIR"
	EnvServerURL = "POSYNC_SERVER_URL"
	EnvListen    = "POSYNC_LISTEN"
	EnvLogLevel  = "POSYNC_LOG_LEVEL"
	EnvCSRFToken = "POSYNC_CSRF_TOKEN"
)

// Config is the complete engine configuration.
type Config struct {
	Listen       string             `yaml:"listen"`
	// MaxConns caps concurrent local connections; 0 means unlimited.
	MaxConns     int                `yaml:"max_conns"`
	LogLevel     string             `yaml:"log_level"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Interceptor  InterceptorConfig  `yaml:"interceptor"`
}

// ServerConfig describes the server of record.
type ServerConfig struct {
	BaseURL   string        `yaml:"base_url"`
	CSRFToken string        `yaml:"csrf_token"`
	Timeout   time.Duration `yaml:"timeout"`
	Endpoints Endpoints     `yaml:"endpoints"`
}

// Endpoints are paths relative to the server base URL.
type Endpoints struct {
	ProductSnapshot  string `yaml:"product_snapshot"`
	CustomerSnapshot string `yaml:"customer_snapshot"`
	ProductSearch    string `yaml:"product_search"`
	CustomerSearch   string `yaml:"customer_search"`
	SaleSubmit       string `yaml:"sale_submit"`
	ProductByCode    string `yaml:"product_by_code"`
}

// StorageConfig locates the local store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// SyncConfig controls replay and refresh cadence.
type SyncConfig struct {
	ReplayInterval       time.Duration `yaml:"replay_interval"`
	MaxAttempts          int           `yaml:"max_attempts"`
	RefreshThreshold     time.Duration `yaml:"refresh_threshold"`
	RefreshCheckInterval time.Duration `yaml:"refresh_check_interval"`
}

// ConnectivityConfig controls the reachability probe.
type ConnectivityConfig struct {
	// Mode is "probe" (TCP dial to the server host) or "manual".
	Mode          string        `yaml:"mode"`
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// InterceptorConfig controls the transport-level cache.
type InterceptorConfig struct {
	Enabled         bool     `yaml:"enabled"`
	StaticPrefixes  []string `yaml:"static_prefixes"`
	NetworkPrefixes []string `yaml:"network_prefixes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8089",
		MaxConns: 64,
		LogLevel: "info",
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8000",
			Timeout: 10 * time.Second,
			Endpoints: Endpoints{
				ProductSnapshot:  "/productos/api/cache/",
				CustomerSnapshot: "/clientes/api/cache/",
				ProductSearch:    "/productos/api/buscar/",
				CustomerSearch:   "/clientes/buscar/",
				SaleSubmit:       "/ventas/procesar-venta/",
				ProductByCode:    "/productos/api/duplicados/codigo/",
			},
		},
		Storage: StorageConfig{DataDir: "./data"},
		Sync: SyncConfig{
			ReplayInterval:       60 * time.Second,
			MaxAttempts:          10,
			RefreshThreshold:     30 * time.Minute,
			RefreshCheckInterval: 60 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			Mode:          "probe",
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  2 * time.Second,
		},
		Interceptor: InterceptorConfig{
			Enabled:         true,
			StaticPrefixes:  []string{"/static/"},
			NetworkPrefixes: []string{"/api/", "/ventas/", "/productos/", "/clientes/"},
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.Storage.DataDir = v
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.Server.BaseURL = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvCSRFToken); ok {
		c.Server.CSRFToken = v
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute URL, got %q", c.Server.BaseURL)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	if c.Sync.ReplayInterval <= 0 || c.Sync.RefreshCheckInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.Sync.RefreshThreshold <= 0 {
		return fmt.Errorf("sync.refresh_threshold must be positive")
	}
	switch c.Connectivity.Mode {
	case "probe":
		if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0 {
			return fmt.Errorf("connectivity probe interval and timeout must be positive")
		}
	case "manual":
	default:
		return fmt.Errorf("connectivity.mode must be probe or manual, got %q", c.Connectivity.Mode)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must not be negative")
	}
	e := c.Server.Endpoints
	for name, p := range map[string]string{
		"product_snapshot":  e.ProductSnapshot,
		"customer_snapshot": e.CustomerSnapshot,
		"product_search":    e.ProductSearch,
		"customer_search":   e.CustomerSearch,
		"sale_submit":       e.SaleSubmit,
		"product_by_code":   e.ProductByCode,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("server.endpoints.%s must start with /", name)
		}
	}
	return nil
}

// ProbeTarget returns the host:port dialed by the reachability probe.
func (c *Config) ProbeTarget() string {
	if c.Connectivity.ProbeAddress != "" {
		return c.Connectivity.ProbeAddress
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Hostname() + ":443"
	}
	return u.Hostname() + ":80"
}
