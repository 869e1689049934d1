// Package tui provides interactive terminal user interface components for vmpool.
package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"

	"github.com/hkuds/vmpool/internal/config"
)

// Styles for the setup wizard.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)
)

// SSH authentication methods offered by the wizard.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// SetupState holds the answers collected by the setup wizard. Numeric answers
// are kept as text because huh inputs bind to strings.
type SetupState struct {
	Image    string
	CPUs     string
	RAM      string
	Disk     string
	RootDir  string
	SSHUser  string
	SSHAuth  string
	Password string
	KeyFile  string

	ConfigServices bool
	ServiceDir     string
	StartScript    string

	PoolMin  string
	PoolMax  string
	Packages string

	Confirmed bool
}

// NewSetupState seeds the wizard from an existing configuration.
func NewSetupState(cfg *config.Config) *SetupState {
	state := &SetupState{
		Image:       cfg.Instance.Image,
		CPUs:        strconv.Itoa(cfg.Instance.CPUs),
		RAM:         cfg.Instance.RAM,
		Disk:        cfg.Instance.Disk,
		RootDir:     cfg.RootDir,
		SSHUser:     cfg.SSH.User,
		SSHAuth:     AuthPassword,
		Password:    cfg.SSH.Password,
		KeyFile:     cfg.SSH.KeyFile,
		ServiceDir:  cfg.Services.Dir,
		StartScript: cfg.Services.StartScript,
		PoolMin:     strconv.Itoa(cfg.Pool.Min),
		PoolMax:     strconv.Itoa(cfg.Pool.Max),
		Packages:    strings.Join(cfg.Bridge.Packages, ", "),
	}
	if cfg.SSH.KeyFile != "" {
		state.SSHAuth = AuthKey
	}
	state.ConfigServices = cfg.Services.StartScript != ""
	return state
}

// RunSetup runs the interactive setup wizard and saves the result to path.
// An empty path means the default config location.
func RunSetup(path string) (*config.Config, error) {
	base, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing config: %w", err)
	}
	state := NewSetupState(base)

	// Step 1: Welcome & instance sizing
	if err := runInstanceStep(state, path); err != nil {
		return nil, fmt.Errorf("instance step failed: %w", err)
	}

	// Step 2: Guest credentials
	if err := runSSHStep(state); err != nil {
		return nil, fmt.Errorf("ssh step failed: %w", err)
	}

	// Step 3: In-guest services
	if err := runServicesStep(state); err != nil {
		return nil, fmt.Errorf("services step failed: %w", err)
	}

	// Step 4: Pool bounds
	if err := runPoolStep(state); err != nil {
		return nil, fmt.Errorf("pool step failed: %w", err)
	}

	// Step 5: Confirmation
	if err := runConfirmationStep(state); err != nil {
		return nil, fmt.Errorf("confirmation step failed: %w", err)
	}

	if !state.Confirmed {
		return nil, fmt.Errorf("setup cancelled by user")
	}

	cfg, err := BuildConfig(base, state)
	if err != nil {
		return nil, err
	}

	if err := config.SaveConfig(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}
	if err := config.EnsureRootDir(cfg); err != nil {
		return nil, err
	}

	if path == "" {
		path = config.GetConfigPath()
	}
	fmt.Println(successStyle.Render("\n✓ Configuration saved successfully!"))
	fmt.Println(subtitleStyle.Render("Config file: " + path))
	fmt.Println(subtitleStyle.Render("Place the base disk image under: " + cfg.RootPath() + "/base"))
	fmt.Println()

	return cfg, nil
}

func runInstanceStep(state *SetupState, path string) error {
	if path == "" {
		path = config.GetConfigPath()
	}
	welcome := boxStyle.Render(
		titleStyle.Render("Welcome to vmpool Setup") + "\n\n" +
			"This wizard configures the VM instances the pool creates.\n" +
			"You can always edit the configuration later at:\n" +
			subtitleStyle.Render(path),
	)
	fmt.Println(welcome)
	fmt.Println()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Container image").
				Description("Image that packages the VM runtime").
				Value(&state.Image).
				Validate(required("image")),
			huh.NewInput().
				Title("CPUs").
				Value(&state.CPUs).
				Validate(positiveInt("CPUs")),
			huh.NewInput().
				Title("RAM").
				Description("Guest memory, e.g. 4G").
				Value(&state.RAM).
				Validate(size("RAM")),
			huh.NewInput().
				Title("Disk").
				Description("Guest disk size, e.g. 64G").
				Value(&state.Disk).
				Validate(size("disk")),
			huh.NewInput().
				Title("Instance root directory").
				Description("Holds base/ and one directory per instance").
				Value(&state.RootDir).
				Validate(required("root directory")),
		),
	)

	return form.Run()
}

func runSSHStep(state *SetupState) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Guest SSH user").
				Value(&state.SSHUser).
				Validate(required("user")),
			huh.NewSelect[string]().
				Title("Authentication").
				Options(
					huh.NewOption("Password", AuthPassword),
					huh.NewOption("Private key file", AuthKey),
				).
				Value(&state.SSHAuth),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	var input *huh.Input
	if state.SSHAuth == AuthKey {
		input = huh.NewInput().
			Title("Private key file").
			Placeholder("~/.ssh/id_ed25519").
			Value(&state.KeyFile).
			Validate(required("key file"))
	} else {
		input = huh.NewInput().
			Title("Guest SSH password").
			Description("Stored locally in the config file").
			EchoMode(huh.EchoModePassword).
			Value(&state.Password).
			Validate(required("password"))
	}

	return huh.NewForm(huh.NewGroup(input)).Run()
}

func runServicesStep(state *SetupState) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Deploy services into each guest?").
				Description("A local directory is uploaded and its start script launched").
				Value(&state.ConfigServices),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	if !state.ConfigServices {
		return nil
	}

	servicesForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Services directory").
				Value(&state.ServiceDir).
				Validate(required("services directory")),
			huh.NewInput().
				Title("Start script").
				Description("Path relative to the services directory").
				Placeholder("start.sh").
				Value(&state.StartScript).
				Validate(required("start script")),
		),
	)

	return servicesForm.Run()
}

func runPoolStep(state *SetupState) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Minimum instances").
				Value(&state.PoolMin).
				Validate(nonNegativeInt("minimum")),
			huh.NewInput().
				Title("Maximum instances").
				Value(&state.PoolMax).
				Validate(positiveInt("maximum")),
			huh.NewInput().
				Title("Python packages (optional)").
				Description("Comma-separated, installed in every execution session").
				Placeholder("numpy, pandas").
				Value(&state.Packages),
		),
	)

	return form.Run()
}

func runConfirmationStep(state *SetupState) error {
	fmt.Println(boxStyle.Render(buildSummary(state)))
	fmt.Println()

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save this configuration?").
				Affirmative("Yes, save").
				Negative("No, cancel").
				Value(&state.Confirmed),
		),
	)

	return form.Run()
}

// buildSummary creates a text summary of the configuration.
func buildSummary(state *SetupState) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Configuration Summary"))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("Image: %s\n", successStyle.Render(state.Image)))
	sb.WriteString(fmt.Sprintf("Resources: %s CPU, %s RAM, %s disk\n", state.CPUs, state.RAM, state.Disk))
	sb.WriteString(fmt.Sprintf("Root: %s\n", state.RootDir))
	sb.WriteString("\n")

	if state.SSHAuth == AuthKey {
		sb.WriteString(fmt.Sprintf("SSH: %s with key %s\n", state.SSHUser, state.KeyFile))
	} else {
		sb.WriteString(fmt.Sprintf("SSH: %s with password %s\n", state.SSHUser, maskSecret(state.Password)))
	}

	if state.ConfigServices {
		sb.WriteString(fmt.Sprintf("Services: %s\n", successStyle.Render(state.StartScript)))
		sb.WriteString(fmt.Sprintf("  from %s\n", state.ServiceDir))
	} else {
		sb.WriteString(fmt.Sprintf("Services: %s\n", subtitleStyle.Render("none")))
	}
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Pool: %s-%s instances\n", state.PoolMin, state.PoolMax))
	if pkgs := splitList(state.Packages); len(pkgs) > 0 {
		sb.WriteString(fmt.Sprintf("Packages: %s\n", strings.Join(pkgs, ", ")))
	}

	return sb.String()
}

// BuildConfig applies the wizard answers on top of base and validates the
// result. base is not modified.
func BuildConfig(base *config.Config, state *SetupState) (*config.Config, error) {
	cfg := *base

	cpus, err := strconv.Atoi(strings.TrimSpace(state.CPUs))
	if err != nil {
		return nil, fmt.Errorf("invalid CPUs %q: %w", state.CPUs, err)
	}
	minN, err := strconv.Atoi(strings.TrimSpace(state.PoolMin))
	if err != nil {
		return nil, fmt.Errorf("invalid pool minimum %q: %w", state.PoolMin, err)
	}
	maxN, err := strconv.Atoi(strings.TrimSpace(state.PoolMax))
	if err != nil {
		return nil, fmt.Errorf("invalid pool maximum %q: %w", state.PoolMax, err)
	}

	cfg.Instance.Image = strings.TrimSpace(state.Image)
	cfg.Instance.CPUs = cpus
	cfg.Instance.RAM = strings.TrimSpace(state.RAM)
	cfg.Instance.Disk = strings.TrimSpace(state.Disk)
	cfg.RootDir = strings.TrimSpace(state.RootDir)

	cfg.SSH.User = strings.TrimSpace(state.SSHUser)
	if state.SSHAuth == AuthKey {
		cfg.SSH.KeyFile = strings.TrimSpace(state.KeyFile)
		cfg.SSH.Password = ""
	} else {
		cfg.SSH.Password = state.Password
		cfg.SSH.KeyFile = ""
	}

	if state.ConfigServices {
		cfg.Services.Dir = strings.TrimSpace(state.ServiceDir)
		cfg.Services.StartScript = strings.TrimSpace(state.StartScript)
	} else {
		cfg.Services.Dir = ""
		cfg.Services.StartScript = ""
	}

	cfg.Pool.Min = minN
	cfg.Pool.Max = maxN
	cfg.Bridge.Packages = splitList(state.Packages)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func positiveInt(field string) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive number", field)
		}
		return nil
	}
}

func nonNegativeInt(field string) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be zero or more", field)
		}
		return nil
	}
}

func size(field string) func(string) error {
	return func(s string) error {
		if _, err := units.RAMInBytes(strings.TrimSpace(s)); err != nil {
			return fmt.Errorf("%s must be a size like 4G", field)
		}
		return nil
	}
}
