package shell

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Quote returns s as a single-quoted POSIX shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// buildScript turns a command plus its environment, working directory and
// privilege requirement into one sh script.
func buildScript(command, dir string, env map[string]string, asRoot bool, user, password string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command cannot be empty")
	}

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(env)) {
		if !envKeyPattern.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		fmt.Fprintf(&sb, "export %s=%s; ", k, Quote(env[k]))
	}
	if dir != "" {
		fmt.Fprintf(&sb, "cd %s && ", Quote(dir))
	}
	sb.WriteString(command)
	script := sb.String()

	if !asRoot || user == "root" {
		return script, nil
	}
	if password != "" {
		return fmt.Sprintf("echo %s | sudo -S -p '' sh -c %s", Quote(password), Quote(script)), nil
	}
	return "sudo -n sh -c " + Quote(script), nil
}

// backgroundScript detaches script from the session so the channel closes as
// soon as it is launched.
func backgroundScript(script string) string {
	return "nohup sh -c " + Quote(script) + " > /dev/null 2>&1 &"
}
