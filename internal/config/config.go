// Package config provides configuration parsing and validation for SteamLink
// stations.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/steamlink/internal/bridge"
	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/slid"
)

// Config represents the complete station configuration.
type Config struct {
	Station     StationConfig     `yaml:"station"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Radio       LinkConfig        `yaml:"radio"`
	StoreLink   LinkConfig        `yaml:"store_link"`
	Logging     LoggingConfig     `yaml:"logging"`
	Health      HealthConfig      `yaml:"health"`
}

// StationConfig selects what the station does.
type StationConfig struct {
	Role       string `yaml:"role"`        // store, node, bridge
	SLID       string `yaml:"slid"`        // decimal or 0x hex; nodes read it from node_config
	StoreSLID  string `yaml:"store_slid"`  // destination of nodeside bridges
	BridgeMode string `yaml:"bridge_mode"` // storeside, nodeside
	NodeConfig string `yaml:"node_config"` // path of the node's record
}

// ReliabilityConfig tunes the acknowledgment engine.
type ReliabilityConfig struct {
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	TickInterval time.Duration `yaml:"tick_interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LinkConfig defines one radio driver. Exactly one of Address (dial) and
// Listen is set.
type LinkConfig struct {
	Transport string `yaml:"transport"`  // ws, quic
	Address   string `yaml:"address"`    // ws://host:port/path or host:port
	Listen    string `yaml:"listen"`     // listen address
	Path      string `yaml:"path"`       // HTTP path for ws listeners
	DutyCycle string `yaml:"duty_cycle"` // bytes per second, e.g. "2 KB"; empty is unlimited
	Burst     string `yaml:"burst"`      // limiter bucket size
}

// LoggingConfig defines the log sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error, fatal
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Station: StationConfig{
			Role:       "store",
			NodeConfig: "./data/node.cfg",
		},
		Reliability: ReliabilityConfig{
			AckTimeout:   2 * time.Second,
			MaxRetries:   3,
			TickInterval: 100 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
		Radio: LinkConfig{
			Transport: "ws",
			Path:      "/steamlink",
		},
		StoreLink: LinkConfig{
			Path: "/steamlink",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	role := strings.ToLower(c.Station.Role)
	switch role {
	case "store", "bridge":
		if _, err := slid.Parse(c.Station.SLID); err != nil {
			errs = append(errs, fmt.Sprintf("station.slid: %v", err))
		}
	case "node":
		if c.Station.NodeConfig == "" {
			errs = append(errs, "station.node_config is required for nodes")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid station.role: %s (must be store, node, or bridge)", c.Station.Role))
	}

	if role == "bridge" {
		mode, err := bridge.ParseMode(c.Station.BridgeMode)
		if err != nil || mode == bridge.ModeUnbridged {
			errs = append(errs, fmt.Sprintf("invalid station.bridge_mode: %s (must be storeside or nodeside)", c.Station.BridgeMode))
		}
		if mode == bridge.ModeNodeSide {
			if _, err := slid.Parse(c.Station.StoreSLID); err != nil {
				errs = append(errs, fmt.Sprintf("station.store_slid: %v", err))
			}
		}
		if err := validateLink(c.StoreLink); err != nil {
			errs = append(errs, fmt.Sprintf("store_link: %v", err))
		}
	}

	if err := validateLink(c.Radio); err != nil {
		errs = append(errs, fmt.Sprintf("radio: %v", err))
	}

	if c.Reliability.AckTimeout <= 0 {
		errs = append(errs, "reliability.ack_timeout must be positive")
	}
	if c.Reliability.MaxRetries < 0 || c.Reliability.MaxRetries > 255 {
		errs = append(errs, "reliability.max_retries must be between 0 and 255")
	}
	if c.Reliability.TickInterval <= 0 {
		errs = append(errs, "reliability.tick_interval must be positive")
	}
	if c.Reliability.PollInterval <= 0 {
		errs = append(errs, "reliability.poll_interval must be positive")
	}

	if !logging.IsValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, error, or fatal)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "ws", "quic":
		return true
	default:
		return false
	}
}

func validateLink(l LinkConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %q (must be ws or quic)", l.Transport)
	}
	if (l.Address == "") == (l.Listen == "") {
		return fmt.Errorf("exactly one of address and listen is required")
	}
	if _, err := l.DutyCycleBytes(); err != nil {
		return err
	}
	if _, err := l.BurstBytes(); err != nil {
		return err
	}
	return nil
}

// DutyCycleBytes returns the link's byte rate per second; zero is unlimited.
func (l LinkConfig) DutyCycleBytes() (int, error) {
	return parseSize("duty_cycle", l.DutyCycle)
}

// BurstBytes returns the limiter bucket size; zero selects one packet.
func (l LinkConfig) BurstBytes() (int, error) {
	return parseSize("burst", l.Burst)
}

func parseSize(field, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if n > 1<<30 {
		return 0, fmt.Errorf("invalid %s: %s exceeds 1 GiB", field, s)
	}
	return int(n), nil
}

// Listening reports whether the link accepts connections instead of dialing.
func (l LinkConfig) Listening() bool {
	return l.Listen != ""
}

// StationSLID returns the configured station address.
func (c *Config) StationSLID() (slid.SLID, error) {
	return slid.Parse(c.Station.SLID)
}

// StoreSLID returns the store address nodeside bridges wrap towards.
func (c *Config) StoreSLID() (slid.SLID, error) {
	return slid.Parse(c.Station.StoreSLID)
}

// BridgeMode returns the parsed bridge mode.
func (c *Config) BridgeMode() (bridge.Mode, error) {
	if c.Station.BridgeMode == "" {
		return bridge.ModeUnbridged, nil
	}
	return bridge.ParseMode(c.Station.BridgeMode)
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Describe summarises a link for logs, e.g. "ws listen :9000 (2.0 kB/s)".
func (l LinkConfig) Describe() string {
	target := "dial " + l.Address
	if l.Listening() {
		target = "listen " + l.Listen
	}
	rate := "unlimited"
	if n, err := l.DutyCycleBytes(); err == nil && n > 0 {
		rate = humanize.Bytes(uint64(n)) + "/s"
	}
	return fmt.Sprintf("%s %s (%s, max packet %d B)", l.Transport, target, rate, protocol.MaxPacketSize)
}
