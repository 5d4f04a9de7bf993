// Package wizard provides an interactive provisioning wizard for SteamLink
// nodes.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/steamlink/internal/config"
	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/slid"
)

// Result contains the wizard output.
type Result struct {
	Node       *nodecfg.NodeConfig
	RecordPath string
	Config     *config.Config // nil unless a station config was written
	ConfigPath string
}

// Answers holds what the operator entered. Numeric fields stay strings
// until Build so the forms can validate them as typed.
type Answers struct {
	SLID        string
	Name        string
	Description string

	Latitude   string
	Longitude  string
	Altitude   string
	MaxSilence string
	Battery    bool

	RadioParams string

	WriteConfig bool
	ConfigPath  string
	Transport   string
	Address     string
	LogLevel    string
	Health      bool
}

// DefaultAnswers returns the values the forms start from.
func DefaultAnswers() Answers {
	return Answers{
		SLID:        "0x101",
		Latitude:    "0",
		Longitude:   "0",
		Altitude:    "0",
		MaxSilence:  "60",
		RadioParams: "0",
		WriteConfig: true,
		ConfigPath:  "./steamlink.yaml",
		Transport:   "ws",
		Address:     "ws://127.0.0.1:9000/steamlink",
		LogLevel:    "info",
	}
}

// Wizard manages the interactive provisioning process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new provisioning wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run asks for the node's identity and settings, stores the record at
// recordPath and optionally writes a station config that uses it.
func (w *Wizard) Run(recordPath string) (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()
	steps := []func(*Answers) error{
		w.askIdentity,
		w.askLocation,
		w.askRadio,
		w.askStationConfig,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	node, err := a.BuildNode()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(recordPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}
	if err := nodecfg.Save(nodecfg.NewFileStorage(recordPath), node); err != nil {
		return nil, fmt.Errorf("failed to store node config: %w", err)
	}

	result := &Result{Node: node, RecordPath: recordPath}
	if a.WriteConfig {
		cfg := a.BuildConfig(recordPath)
		if err := WriteConfig(cfg, a.ConfigPath); err != nil {
			return nil, err
		}
		result.Config = cfg
		result.ConfigPath = a.ConfigPath
	}

	PrintSummary(result)
	return result, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  ____  _                        _     _       _
 / ___|| |_ ___  __ _ _ __ ___  | |   (_)_ __ | | __
 \___ \| __/ _ \/ _' | '_ ' _ \ | |   | | '_ \| |/ /
  ___) | ||  __/ (_| | | | | | || |___| | | | |   <
 |____/ \__\___|\__,_|_| |_| |_||_____|_|_| |_|_|\_\
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Node provisioning\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askIdentity(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Identity").
				Description("How the store will know this node."),

			huh.NewInput().
				Title("SLID").
				Description(fmt.Sprintf("Node address, %s to %s", slid.Min, slid.Max)).
				Value(&a.SLID).
				Validate(ValidateSLID),

			huh.NewInput().
				Title("Name").
				Description(fmt.Sprintf("Short name, stored in %d bytes", nodecfg.NameSize)).
				Value(&a.Name).
				Validate(ValidateName),

			huh.NewInput().
				Title("Description").
				Description(fmt.Sprintf("Optional, stored in %d bytes", nodecfg.DescriptionSize)).
				Value(&a.Description),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askLocation(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Location and power"),

			huh.NewInput().
				Title("Latitude").
				Value(&a.Latitude).
				Validate(validateFloat(-90, 90)),

			huh.NewInput().
				Title("Longitude").
				Value(&a.Longitude).
				Validate(validateFloat(-180, 180)),

			huh.NewInput().
				Title("Altitude").
				Description("Metres").
				Value(&a.Altitude).
				Validate(validateInt(-32768, 32767)),

			huh.NewInput().
				Title("Max silence").
				Description("Milliseconds the radio may stay quiet between transmissions").
				Value(&a.MaxSilence).
				Validate(validateInt(0, 255)),

			huh.NewConfirm().
				Title("Battery powered?").
				Value(&a.Battery),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askRadio(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Radio parameters").
				Description("Driver-specific preset, 0 to 255").
				Value(&a.RadioParams).
				Validate(validateInt(0, 255)),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askStationConfig(a *Answers) error {
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Write a station config for this node?").
				Value(&a.WriteConfig),
		),
	).WithTheme(w.theme).Run(); err != nil {
		return err
	}
	if !a.WriteConfig {
		return nil
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config File Path").
				Value(&a.ConfigPath).
				Validate(func(s string) error {
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return errors.New("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Radio transport").
				Options(
					huh.NewOption("WebSocket (TCP)", "ws"),
					huh.NewOption("QUIC datagrams (UDP)", "quic"),
				).
				Value(&a.Transport),

			huh.NewInput().
				Title("Gateway address").
				Description("ws://host:port/path or host:port for QUIC").
				Value(&a.Address).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("address is required")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP /healthz and /metrics").
				Value(&a.Health),
		),
	).WithTheme(w.theme).Run()
}

// ValidateSLID accepts decimal or 0x hex addresses inside the SLID range.
func ValidateSLID(s string) error {
	_, err := slid.Parse(s)
	return err
}

// ValidateName rejects names the record cannot hold.
func ValidateName(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("name is required")
	}
	if strings.ContainsRune(s, 0) {
		return errors.New("name contains NUL")
	}
	return nil
}

func validateFloat(min, max float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return errors.New("not a number")
		}
		if v < min || v > max {
			return fmt.Errorf("must be between %g and %g", min, max)
		}
		return nil
	}
}

func validateInt(min, max int64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return errors.New("not a whole number")
		}
		if v < min || v > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

// BuildNode converts the answers into a validated record.
func (a Answers) BuildNode() (*nodecfg.NodeConfig, error) {
	id, err := slid.Parse(a.SLID)
	if err != nil {
		return nil, err
	}

	var errs []error
	parseF := func(field, s string) float32 {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return float32(v)
	}
	parseI := func(field, s string, bits int) int64 {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, bits)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return v
	}
	parseU8 := func(field, s string) uint8 {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return uint8(v)
	}

	node := nodecfg.New(id, nodecfg.Fit(strings.TrimSpace(a.Name), nodecfg.NameSize))
	node.Description = nodecfg.Fit(strings.TrimSpace(a.Description), nodecfg.DescriptionSize)
	node.Latitude = parseF("latitude", a.Latitude)
	node.Longitude = parseF("longitude", a.Longitude)
	node.Altitude = int16(parseI("altitude", a.Altitude, 16))
	node.MaxSilence = parseU8("max silence", a.MaxSilence)
	node.BatteryPowered = a.Battery
	node.RadioParams = parseU8("radio parameters", a.RadioParams)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}
	return node, nil
}

// BuildConfig returns a node station config pointing at recordPath.
func (a Answers) BuildConfig(recordPath string) *config.Config {
	cfg := config.Default()

	cfg.Station.Role = "node"
	cfg.Station.NodeConfig = recordPath

	cfg.Radio.Transport = a.Transport
	cfg.Radio.Address = a.Address
	cfg.Radio.Listen = ""

	cfg.Logging.Level = a.LogLevel
	cfg.Logging.Format = "text"

	cfg.Health.Enabled = a.Health
	return cfg
}

// WriteConfig writes cfg as YAML with a short header.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# SteamLink station configuration
# Generated by steamlink init

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// PrintSummary prints the provisioned record.
func PrintSummary(r *Result) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Node provisioned"))
	fmt.Println(divider)
	fmt.Println()

	n := r.Node
	fmt.Printf("  SLID:         %s\n", n.SLID)
	fmt.Printf("  Name:         %s\n", n.Name)
	if n.Description != "" {
		fmt.Printf("  Description:  %s\n", n.Description)
	}
	fmt.Printf("  Location:     %.5f, %.5f @ %dm\n", n.Latitude, n.Longitude, n.Altitude)
	fmt.Printf("  Radio params: %d\n", n.RadioParams)
	fmt.Printf("  Record:       %s\n", r.RecordPath)

	if r.Config != nil {
		fmt.Printf("  Config file:  %s\n", r.ConfigPath)
		fmt.Println()
		fmt.Println("  To start the node:")
		fmt.Printf("    steamlink run -c %s\n", r.ConfigPath)
	}
	fmt.Println()
}
