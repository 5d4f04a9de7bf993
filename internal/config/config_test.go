package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/steamlink/internal/bridge"
	"github.com/postalsys/steamlink/internal/slid"
)

const minimalStore = `
station:
  role: store
  slid: 0x100
radio:
  listen: ":9000"
`

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Station.Role != "store" {
		t.Errorf("Station.Role = %s, want store", cfg.Station.Role)
	}
	if cfg.Reliability.AckTimeout != 2*time.Second {
		t.Errorf("Reliability.AckTimeout = %v, want 2s", cfg.Reliability.AckTimeout)
	}
	if cfg.Reliability.MaxRetries != 3 {
		t.Errorf("Reliability.MaxRetries = %d, want 3", cfg.Reliability.MaxRetries)
	}
	if cfg.Radio.Transport != "ws" {
		t.Errorf("Radio.Transport = %s, want ws", cfg.Radio.Transport)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Health.Address != ":8080" {
		t.Errorf("Health.Address = %s, want :8080", cfg.Health.Address)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
station:
  role: bridge
  slid: 0x300
  store_slid: 256
  bridge_mode: nodeside

reliability:
  ack_timeout: 500ms
  max_retries: 5
  tick_interval: 50ms

radio:
  transport: quic
  listen: "0.0.0.0:4433"
  duty_cycle: "2 KiB"
  burst: "1 KiB"

store_link:
  transport: ws
  address: "ws://store.example:9000/steamlink"

logging:
  level: debug
  format: json

health:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if id, err := cfg.StationSLID(); err != nil || id != 0x300 {
		t.Errorf("StationSLID() = %s, %v", id, err)
	}
	if id, err := cfg.StoreSLID(); err != nil || id != slid.Min {
		t.Errorf("StoreSLID() = %s, %v", id, err)
	}
	if mode, err := cfg.BridgeMode(); err != nil || mode != bridge.ModeNodeSide {
		t.Errorf("BridgeMode() = %s, %v", mode, err)
	}
	if cfg.Reliability.AckTimeout != 500*time.Millisecond {
		t.Errorf("AckTimeout = %v, want 500ms", cfg.Reliability.AckTimeout)
	}
	if cfg.Reliability.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Reliability.MaxRetries)
	}
	if cfg.Reliability.PollInterval != 5*time.Millisecond {
		t.Errorf("PollInterval = %v, want default 5ms", cfg.Reliability.PollInterval)
	}
	if !cfg.Radio.Listening() || cfg.StoreLink.Listening() {
		t.Error("Listening() mismatch")
	}
	if n, _ := cfg.Radio.DutyCycleBytes(); n != 2048 {
		t.Errorf("DutyCycleBytes() = %d, want 2048", n)
	}
	if n, _ := cfg.Radio.BurstBytes(); n != 1024 {
		t.Errorf("BurstBytes() = %d, want 1024", n)
	}
	if cfg.StoreLink.Path != "/steamlink" {
		t.Errorf("StoreLink.Path = %s, want default", cfg.StoreLink.Path)
	}
	if !cfg.Health.Enabled {
		t.Error("Health.Enabled = false")
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalStore))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %s, want text (default)", cfg.Logging.Format)
	}
	if cfg.Reliability.TickInterval != 100*time.Millisecond {
		t.Errorf("TickInterval = %v, want 100ms (default)", cfg.Reliability.TickInterval)
	}
	if n, _ := cfg.Radio.DutyCycleBytes(); n != 0 {
		t.Errorf("DutyCycleBytes() = %d, want unlimited", n)
	}
}

func TestParse_NodeConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
station:
  role: node
  node_config: /var/lib/steamlink/node.cfg
radio:
  transport: ws
  address: ws://gateway:9000/steamlink
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Station.NodeConfig != "/var/lib/steamlink/node.cfg" {
		t.Errorf("NodeConfig = %s", cfg.Station.NodeConfig)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
station:
  role: store
  invalid yaml here [
`

	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "invalid role",
			yaml:      "station:\n  role: relay\n",
			wantError: "invalid station.role",
		},
		{
			name:      "store slid out of range",
			yaml:      "station:\n  slid: 0x20\nradio:\n  listen: \":9000\"\n",
			wantError: "station.slid",
		},
		{
			name:      "bridge without mode",
			yaml:      "station:\n  role: bridge\n  slid: 0x300\nradio:\n  listen: \":9000\"\nstore_link:\n  transport: ws\n  address: ws://s\n",
			wantError: "invalid station.bridge_mode",
		},
		{
			name:      "nodeside bridge without store slid",
			yaml:      "station:\n  role: bridge\n  slid: 0x300\n  bridge_mode: nodeside\nradio:\n  listen: \":9000\"\nstore_link:\n  transport: ws\n  address: ws://s\n",
			wantError: "station.store_slid",
		},
		{
			name:      "bridge without store link",
			yaml:      "station:\n  role: bridge\n  slid: 0x300\n  bridge_mode: storeside\nradio:\n  listen: \":9000\"\n",
			wantError: "store_link: invalid transport",
		},
		{
			name:      "invalid transport",
			yaml:      minimalStore + "  transport: serial\n",
			wantError: "invalid transport",
		},
		{
			name:      "dial and listen",
			yaml:      minimalStore + "  address: ws://x\n",
			wantError: "exactly one of address and listen",
		},
		{
			name:      "bad duty cycle",
			yaml:      minimalStore + "  duty_cycle: fast\n",
			wantError: "invalid duty_cycle",
		},
		{
			name:      "negative retries",
			yaml:      minimalStore + "reliability:\n  max_retries: -1\n",
			wantError: "reliability.max_retries",
		},
		{
			name:      "zero ack timeout",
			yaml:      minimalStore + "reliability:\n  ack_timeout: 0s\n",
			wantError: "reliability.ack_timeout",
		},
		{
			name:      "invalid log level",
			yaml:      minimalStore + "logging:\n  level: loud\n",
			wantError: "invalid logging.level",
		},
		{
			name:      "invalid log format",
			yaml:      minimalStore + "logging:\n  format: xml\n",
			wantError: "invalid logging.format",
		},
		{
			name:      "health without address",
			yaml:      minimalStore + "health:\n  enabled: true\n  address: \"\"\n",
			wantError: "health.address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestParse_FatalLevel(t *testing.T) {
	cfg, err := Parse([]byte(minimalStore + "logging:\n  level: fatal\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Logging.Level != "fatal" {
		t.Errorf("Logging.Level = %s", cfg.Logging.Level)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("STEAMLINK_TEST_SLID", "0x123")

	cfg, err := Parse([]byte(`
station:
  slid: ${STEAMLINK_TEST_SLID}
radio:
  listen: ":9000"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if id, _ := cfg.StationSLID(); id != 0x123 {
		t.Errorf("StationSLID() = %s, want 0x0123", id)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("STEAMLINK_TEST_UNSET")

	cfg, err := Parse([]byte(`
station:
  slid: ${STEAMLINK_TEST_UNSET:-0x200}
radio:
  listen: ":9000"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if id, _ := cfg.StationSLID(); id != 0x200 {
		t.Errorf("StationSLID() = %s, want 0x0200", id)
	}
}

func TestExpandEnvVars_NotFound(t *testing.T) {
	os.Unsetenv("STEAMLINK_TEST_MISSING")

	got := expandEnvVars("path: $STEAMLINK_TEST_MISSING/x")
	if got != "path: $STEAMLINK_TEST_MISSING/x" {
		t.Errorf("expandEnvVars() = %q, want reference kept", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/steamlink.yaml"); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steamlink.yaml")
	if err := os.WriteFile(path, []byte(minimalStore), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if id, _ := cfg.StationSLID(); id != 0x100 {
		t.Errorf("StationSLID() = %s", id)
	}
}

func TestLinkConfig_Describe(t *testing.T) {
	l := LinkConfig{Transport: "ws", Listen: ":9000", DutyCycle: "2 kB"}
	got := l.Describe()
	if !strings.Contains(got, "listen :9000") || !strings.Contains(got, "2.0 kB/s") {
		t.Errorf("Describe() = %q", got)
	}

	l = LinkConfig{Transport: "quic", Address: "gw:4433"}
	if got := l.Describe(); !strings.Contains(got, "dial gw:4433") || !strings.Contains(got, "unlimited") {
		t.Errorf("Describe() = %q", got)
	}
}

func TestString(t *testing.T) {
	cfg, err := Parse([]byte(minimalStore))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cfg.String(), "role: store") {
		t.Errorf("String() = %s", cfg.String())
	}
}
