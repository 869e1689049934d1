package tui

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hkuds/vmpool/internal/config"
	"github.com/hkuds/vmpool/internal/pool"
	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/sandbox"
)

// Status display styles.
var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("205")).
				MarginBottom(1).
				Padding(0, 1)

	statusBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2).
			Width(72)

	statusSectionStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				MarginTop(1)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252")).
				Width(20)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("255"))

	statusEnabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("82")).
				Bold(true)

	statusDisabledStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	statusWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214"))

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)
)

// Overview is everything the status screen shows.
type Overview struct {
	Config    *config.Config
	Instances []sandbox.InstanceSummary
	Ports     map[string]ports.Map

	// DockerErr is set when the daemon could not be queried.
	DockerErr error
}

// ShowStatus renders the overview to w.
func ShowStatus(w io.Writer, ov Overview) error {
	_, err := fmt.Fprintln(w, RenderStatus(ov))
	return err
}

// RenderStatus renders the configuration, the managed instances and their
// port assignments in a box.
func RenderStatus(ov Overview) string {
	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("vmpool Status"))
	sb.WriteString("\n\n")

	sb.WriteString(statusSectionStyle.Render("Configuration"))
	sb.WriteString("\n")
	sb.WriteString(renderConfigStatus(ov.Config))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Pool"))
	sb.WriteString("\n")
	sb.WriteString(renderPoolStatus(ov.Config))
	sb.WriteString("\n")

	sb.WriteString(statusSectionStyle.Render("Instances"))
	sb.WriteString("\n")
	sb.WriteString(renderInstances(ov))

	return statusBoxStyle.Render(sb.String())
}

func renderConfigStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Image", statusValueStyle.Render(cfg.Instance.Image)))
	sb.WriteString(renderStatusRow("Resources", statusValueStyle.Render(
		fmt.Sprintf("%d CPU, %s RAM, %s disk", cfg.Instance.CPUs, cfg.Instance.RAM, cfg.Instance.Disk))))
	sb.WriteString(renderStatusRow("Root", statusValueStyle.Render(cfg.RootPath())))

	switch {
	case cfg.SSH.KeyFile != "":
		sb.WriteString(renderStatusRow("SSH", statusValueStyle.Render(cfg.SSH.User+" (key)")))
	case cfg.SSH.Password != "":
		sb.WriteString(renderStatusRow("SSH", statusValueStyle.Render(cfg.SSH.User+" ("+maskSecret(cfg.SSH.Password)+")")))
	default:
		sb.WriteString(renderStatusRow("SSH", statusWarningStyle.Render(cfg.SSH.User+" (no credentials)")))
	}

	if cfg.Services.StartScript != "" {
		sb.WriteString(renderStatusRow("Services", statusEnabledStyle.Render(cfg.Services.StartScript)))
	} else {
		sb.WriteString(renderStatusRow("Services", statusDisabledStyle.Render("none")))
	}

	return sb.String()
}

func renderPoolStatus(cfg *config.Config) string {
	var sb strings.Builder

	sb.WriteString(renderStatusRow("Bounds", statusValueStyle.Render(fmt.Sprintf("%d-%d", cfg.Pool.Min, cfg.Pool.Max))))
	sb.WriteString(renderStatusRow("Ports", statusValueStyle.Render(fmt.Sprintf("%d-%d", cfg.Ports.Base, cfg.Ports.Max))))
	sb.WriteString(renderStatusRow("Port file", statusValueStyle.Render(cfg.PortsPath())))
	if len(cfg.Bridge.Packages) > 0 {
		sb.WriteString(renderStatusRow("Packages", statusValueStyle.Render(strings.Join(cfg.Bridge.Packages, ", "))))
	}

	return sb.String()
}

func renderInstances(ov Overview) string {
	var sb strings.Builder

	if ov.DockerErr != nil {
		sb.WriteString(renderStatusRow("Docker", statusErrorStyle.Render("unreachable")))
		sb.WriteString(renderStatusRow("", statusWarningStyle.Render(ov.DockerErr.Error())))
		return sb.String()
	}
	if len(ov.Instances) == 0 {
		sb.WriteString(renderStatusRow("", statusDisabledStyle.Render("no instances")))
		return sb.String()
	}

	for _, inst := range ov.Instances {
		sb.WriteString(renderStatusRow(inst.Name, renderContainerState(inst.State)))
		if m, ok := ov.Ports[inst.Name]; ok {
			sb.WriteString(renderStatusRow("  Ports", statusValueStyle.Render(formatPorts(m))))
		}
	}
	return sb.String()
}

// RenderInstance renders the status of a single managed instance.
func RenderInstance(st sandbox.Status, endpoints map[string]string) string {
	var sb strings.Builder

	sb.WriteString(statusTitleStyle.Render("Instance " + st.Name))
	sb.WriteString("\n\n")
	sb.WriteString(renderStatusRow("State", renderLifecycleState(st.State)))
	if st.ContainerID != "" {
		id := st.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		sb.WriteString(renderStatusRow("Container", statusValueStyle.Render(id)))
	}
	if st.Adopted {
		sb.WriteString(renderStatusRow("Adopted", statusWarningStyle.Render("yes")))
	}

	keys := make([]string, 0, len(endpoints))
	for k := range endpoints {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(renderStatusRow(strings.ToUpper(k), statusValueStyle.Render(endpoints[k])))
	}

	return statusBoxStyle.Render(sb.String())
}

// RenderBatch renders the per-item outcome of a parallel run.
func RenderBatch(results []pool.ItemResult) string {
	var sb strings.Builder

	failed := 0
	for _, r := range results {
		label := fmt.Sprintf("#%d %s", r.Index, r.Instance)
		elapsed := r.Elapsed.Round(time.Millisecond).String()
		if r.Err != nil {
			failed++
			sb.WriteString(renderStatusRow(label, statusErrorStyle.Render("failed")+" "+statusDisabledStyle.Render(elapsed)))
			sb.WriteString(renderStatusRow("", statusWarningStyle.Render(firstLine(r.Err.Error()))))
			continue
		}
		sb.WriteString(renderStatusRow(label, statusEnabledStyle.Render("ok")+" "+statusDisabledStyle.Render(elapsed)))
		if len(r.Result.Value) > 0 {
			sb.WriteString(renderStatusRow("  Result", statusValueStyle.Render(string(r.Result.Value))))
		}
		if out := strings.TrimSpace(r.Result.Stdout); out != "" {
			sb.WriteString(renderStatusRow("  Stdout", statusValueStyle.Render(firstLine(out))))
		}
	}

	summary := fmt.Sprintf("%d/%d succeeded", len(results)-failed, len(results))
	if failed > 0 {
		summary = statusWarningStyle.Render(summary)
	} else {
		summary = statusEnabledStyle.Render(summary)
	}
	sb.WriteString("\n")
	sb.WriteString(renderStatusRow("", summary))
	return sb.String()
}

// ShowQuickStatus prints a one-line summary of the configured pool.
func ShowQuickStatus(w io.Writer, cfg *config.Config) {
	creds := statusEnabledStyle.Render("ssh ok")
	if cfg.SSH.Password == "" && cfg.SSH.KeyFile == "" {
		creds = statusErrorStyle.Render("no ssh credentials")
	}
	fmt.Fprintf(w, "vmpool: %s | pool %s | %s\n",
		statusValueStyle.Render(cfg.Instance.Image),
		statusValueStyle.Render(fmt.Sprintf("%d-%d", cfg.Pool.Min, cfg.Pool.Max)),
		creds,
	)
}

func renderContainerState(state string) string {
	switch state {
	case "running":
		return statusEnabledStyle.Render(state)
	case "exited", "dead":
		return statusErrorStyle.Render(state)
	case "":
		return statusDisabledStyle.Render("unknown")
	default:
		return statusWarningStyle.Render(state)
	}
}

func renderLifecycleState(s sandbox.State) string {
	switch s {
	case sandbox.StateRunning:
		return statusEnabledStyle.Render(string(s))
	case sandbox.StateError:
		return statusErrorStyle.Render(string(s))
	case sandbox.StateStopped:
		return statusDisabledStyle.Render(string(s))
	default:
		return statusWarningStyle.Render(string(s))
	}
}

func formatPorts(m ports.Map) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}

// renderStatusRow renders a label-value row.
func renderStatusRow(label, value string) string {
	if label == "" {
		return fmt.Sprintf("  %s\n", value)
	}
	return fmt.Sprintf("  %s %s\n",
		statusLabelStyle.Render(label+":"),
		value,
	)
}

// maskSecret masks a secret for display.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
