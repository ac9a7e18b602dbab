package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidAddress is returned for neighbor, prefix and peer addresses that
// do not parse or belong to the wrong family.
var ErrInvalidAddress = errors.New("invalid address")

// Config holds all configuration for the daemon.
type Config struct {
	Router          RouterConfig  `yaml:"router"`
	Log             LogConfig     `yaml:"log"`
	Debug           DebugConfig   `yaml:"debug"`
	LivenessService ServiceConfig `yaml:"liveness_service"`
	Areas           []AreaConfig  `yaml:"areas"`
	BGP             BGPConfig     `yaml:"bgp"`
	API             APIConfig     `yaml:"api"`
	Metrics         MetricsConfig `yaml:"metrics"`
	Tracing         TracingConfig `yaml:"tracing"`
}

type RouterConfig struct {
	Name     string `yaml:"name"`
	SystemID string `yaml:"system_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DebugConfig struct {
	BFD bool `yaml:"bfd"`
}

// ServiceConfig configures the connection to the liveness detection
// service.
type ServiceConfig struct {
	Address           string        `yaml:"address"`
	TLS               TLSConfig     `yaml:"tls"`
	QueueSize         int           `yaml:"queue_size"`
	CommandsPerSecond float64       `yaml:"commands_per_second"`
	Burst             int           `yaml:"burst"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	KeepaliveTime     time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	CA         string `yaml:"ca"`
	ServerName string `yaml:"server_name"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type AreaConfig struct {
	Name     string          `yaml:"name"`
	Circuits []CircuitConfig `yaml:"circuits"`
}

type CircuitConfig struct {
	Interface string           `yaml:"interface"`
	Type      string           `yaml:"type"`
	IPv4      bool             `yaml:"ipv4"`
	IPv6      bool             `yaml:"ipv6"`
	Prefixes  []string         `yaml:"prefixes"`
	BFD       BFDConfig        `yaml:"bfd"`
	Neighbors []NeighborConfig `yaml:"neighbors"`
}

// BFDConfig holds per-circuit detection timers. Zero timers with Enabled set
// select the service defaults.
type BFDConfig struct {
	Enabled    bool   `yaml:"enabled"`
	MinRx      uint32 `yaml:"min_rx"`
	MinTx      uint32 `yaml:"min_tx"`
	DetectMult uint8  `yaml:"detect_mult"`
}

// Defaults reports whether no timer was given.
func (b BFDConfig) Defaults() bool {
	return b.MinRx == 0 && b.MinTx == 0 && b.DetectMult == 0
}

// NeighborConfig is a statically configured adjacency.
type NeighborConfig struct {
	SystemID string   `yaml:"system_id"`
	Level    int      `yaml:"level"`
	State    string   `yaml:"state"`
	IPv4     []string `yaml:"ipv4"`
	IPv6     []string `yaml:"ipv6"`
}

// BGPConfig configures the BGP session feed. Each peer stands for an
// adjacency on a point-to-point circuit that is up while the session is
// established.
type BGPConfig struct {
	Enabled    bool            `yaml:"enabled"`
	LocalASN   uint32          `yaml:"local_asn"`
	RouterID   string          `yaml:"router_id"`
	ListenPort int             `yaml:"listen_port"`
	Peers      []BGPPeerConfig `yaml:"peers"`
}

type BGPPeerConfig struct {
	Neighbor string `yaml:"neighbor"`
	ASN      uint32 `yaml:"asn"`
	Circuit  string `yaml:"circuit"`
	SystemID string `yaml:"system_id"`
	Passive  bool   `yaml:"passive"`
}

type APIConfig struct {
	Enabled      bool            `yaml:"enabled"`
	ListenAddr   string          `yaml:"listen_addr"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits liveness commands issued through the API, per
// client address.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads a configuration from a YAML file, applies environment variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of Defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ISISBFD_SERVICE_ADDR"); v != "" {
		cfg.LivenessService.Address = v
	}
	if v := os.Getenv("ISISBFD_TLS_CERT"); v != "" {
		cfg.LivenessService.TLS.Cert = v
	}
	if v := os.Getenv("ISISBFD_TLS_KEY"); v != "" {
		cfg.LivenessService.TLS.Key = v
	}
	if v := os.Getenv("ISISBFD_TLS_CA"); v != "" {
		cfg.LivenessService.TLS.CA = v
	}
	if v := os.Getenv("ISISBFD_API_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("ISISBFD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ISISBFD_DEBUG_BFD"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			cfg.Debug.BFD = on
		}
	}
	if v := os.Getenv("ISISBFD_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		LivenessService: ServiceConfig{
			Address:           "localhost:50051",
			QueueSize:         1024,
			CommandsPerSecond: 200,
			Burst:             50,
			RPCTimeout:        5 * time.Second,
			KeepaliveTime:     30 * time.Second,
			KeepaliveTimeout:  10 * time.Second,
			Backoff: BackoffConfig{
				Min:    500 * time.Millisecond,
				Max:    30 * time.Second,
				Factor: 2,
				Jitter: true,
			},
		},
		BGP: BGPConfig{
			ListenPort: -1,
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   ":8080",
			WriteTimeout: 10 * time.Second,
			ReadTimeout:  5 * time.Second,
			RateLimit: RateLimitConfig{
				Requests: 10,
				Interval: time.Minute,
			},
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9091",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "isis-bfdd",
			SampleRatio: 1,
		},
	}
}

// Validate checks the configuration for errors that would otherwise only
// surface when the topology is built.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.LivenessService.Address == "" {
		return fmt.Errorf("liveness_service.address is required")
	}
	if c.LivenessService.QueueSize <= 0 {
		return fmt.Errorf("liveness_service.queue_size must be positive")
	}
	if t := c.LivenessService.TLS; t.Enabled && (t.Cert == "" || t.Key == "" || t.CA == "") {
		return fmt.Errorf("liveness_service.tls: cert, key and ca are required when enabled")
	}

	seen := make(map[string]bool)
	for _, area := range c.Areas {
		if area.Name == "" {
			return fmt.Errorf("areas: area without name")
		}
		for _, cc := range area.Circuits {
			if cc.Interface == "" {
				return fmt.Errorf("area %s: circuit without interface", area.Name)
			}
			if seen[cc.Interface] {
				return fmt.Errorf("area %s: circuit %s configured twice", area.Name, cc.Interface)
			}
			seen[cc.Interface] = true
			if err := cc.validate(); err != nil {
				return fmt.Errorf("area %s: circuit %s: %w", area.Name, cc.Interface, err)
			}
		}
	}

	if c.BGP.Enabled {
		if c.BGP.LocalASN == 0 {
			return fmt.Errorf("bgp.local_asn is required")
		}
		if _, err := netip.ParseAddr(c.BGP.RouterID); err != nil {
			return fmt.Errorf("bgp.router_id: %w", err)
		}
		for _, p := range c.BGP.Peers {
			if _, err := netip.ParseAddr(p.Neighbor); err != nil {
				return fmt.Errorf("bgp peer %q: %w", p.Neighbor, ErrInvalidAddress)
			}
			if !seen[p.Circuit] {
				return fmt.Errorf("bgp peer %s: unknown circuit %q", p.Neighbor, p.Circuit)
			}
		}
	}

	if rl := c.API.RateLimit; rl.Requests < 0 || (rl.Requests > 0 && rl.Interval <= 0) {
		return fmt.Errorf("api.rate_limit: requests and interval must be positive")
	}

	switch c.Tracing.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter: unknown exporter %q", c.Tracing.Exporter)
	}
	return nil
}

func (cc CircuitConfig) validate() error {
	switch cc.Type {
	case "broadcast", "point-to-point", "p2p":
	default:
		return fmt.Errorf("unknown circuit type %q", cc.Type)
	}
	if _, err := cc.ParsePrefixes(); err != nil {
		return err
	}
	if cc.BFD.Enabled && !cc.BFD.Defaults() {
		if cc.BFD.MinRx == 0 || cc.BFD.MinTx == 0 || cc.BFD.DetectMult == 0 {
			return fmt.Errorf("bfd: min_rx, min_tx and detect_mult must all be set")
		}
	}
	seen := make(map[string]bool, len(cc.Neighbors))
	for _, n := range cc.Neighbors {
		if n.SystemID == "" {
			return fmt.Errorf("neighbor without system_id")
		}
		if seen[n.SystemID] {
			return fmt.Errorf("neighbor %s: configured twice", n.SystemID)
		}
		seen[n.SystemID] = true
		if n.Level != 0 && n.Level != 1 && n.Level != 2 {
			return fmt.Errorf("neighbor %s: invalid level %d", n.SystemID, n.Level)
		}
		if _, err := n.Up(); err != nil {
			return fmt.Errorf("neighbor %s: %w", n.SystemID, err)
		}
		if _, _, err := n.ParseAddresses(); err != nil {
			return fmt.Errorf("neighbor %s: %w", n.SystemID, err)
		}
	}
	return nil
}

// PointToPoint reports whether the circuit is a point-to-point link.
func (cc CircuitConfig) PointToPoint() bool {
	return cc.Type == "point-to-point" || cc.Type == "p2p"
}

// ParsePrefixes parses the connected prefixes of the circuit.
func (cc CircuitConfig) ParsePrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cc.Prefixes))
	for _, s := range cc.Prefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("%w: prefix %q", ErrInvalidAddress, s)
		}
		out = append(out, p)
	}
	return out, nil
}

// Up reports whether the neighbor is configured up. An empty state means up.
func (n NeighborConfig) Up() (bool, error) {
	switch n.State {
	case "", "up":
		return true, nil
	case "down":
		return false, nil
	default:
		return false, fmt.Errorf("unknown state %q", n.State)
	}
}

// ParseAddresses parses the neighbor's IPv4 and IPv6 addresses. Each list
// must contain only addresses of its family.
func (n NeighborConfig) ParseAddresses() (v4, v6 []netip.Addr, err error) {
	for _, s := range n.IPv4 {
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Unmap().Is4() {
			return nil, nil, fmt.Errorf("%w: ipv4 %q", ErrInvalidAddress, s)
		}
		v4 = append(v4, a.Unmap())
	}
	for _, s := range n.IPv6 {
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Is6() || a.Is4In6() {
			return nil, nil, fmt.Errorf("%w: ipv6 %q", ErrInvalidAddress, s)
		}
		v6 = append(v6, a)
	}
	return v4, v6, nil
}

// Circuit returns the configuration of interface name and the area it
// belongs to.
func (c *Config) Circuit(name string) (CircuitConfig, string, bool) {
	for _, area := range c.Areas {
		for _, cc := range area.Circuits {
			if cc.Interface == name {
				return cc, area.Name, true
			}
		}
	}
	return CircuitConfig{}, "", false
}
