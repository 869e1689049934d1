package executor

import (
	"regexp"
	"strings"
)

type guardRule struct {
	pattern *regexp.Regexp
	reason  string
}

func rule(expr, reason string) guardRule {
	return guardRule{pattern: regexp.MustCompile(expr), reason: reason}
}

// blockedCommands lists shell command patterns that never run on the host.
var blockedCommands = []guardRule{
	// Destructive recursive deletion
	rule(`(?i)\brm\s+(-[a-z]*)?-[a-z]*r[a-z]*\s+(-[a-z]*\s+)*(/|~|\$HOME|\.\.|\*)\s*`, "recursive file deletion with dangerous target"),
	rule(`(?i)\brm\s+(-[a-z]*\s+)*--no-preserve-root`, "rm with --no-preserve-root flag"),
	rule(`(?i)\brm\s+-rf\b`, "rm -rf command"),
	rule(`(?i)\brm\s+-r\b`, "rm -r command"),
	rule(`(?i)\brm\s+.*(/etc/passwd|/etc/shadow|/boot/)`, "removal of critical system files"),

	// Disks and filesystems
	rule(`(?i)\bmkfs\b`, "mkfs command (filesystem creation)"),
	rule(`(?i)\b(fdisk|gdisk|parted)\b`, "disk partitioning"),
	rule(`(?i)\bdd\s+.*\bif\s*=`, "dd command with input file"),
	rule(`(?i)>\s*/dev/(sd[a-z]|hd[a-z]|nvme|vd[a-z]|xvd[a-z])`, "redirect to a disk device"),
	rule(`(?i)\b(shred|wipefs|blkdiscard)\b`, "destructive device command"),
	rule(`(?i)>\s*/(proc|sys)/`, "write to kernel filesystem"),
	rule(`(?i)\bchmod\s+(-[a-z]*\s+)*777\s+/`, "chmod 777 on root"),

	// Host power state
	rule(`(?i)\b(shutdown|reboot|poweroff|halt)\b`, "host power command"),
	rule(`(?i)\binit\s+[06]\b`, "init 0 or init 6"),
	rule(`(?i)\bsystemctl\s+(halt|poweroff|reboot|shutdown)`, "systemctl power command"),

	// Fork bombs
	rule(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`, "fork bomb pattern detected"),
	rule(`(?i)\bwhile\s+true.*fork`, "infinite fork loop"),

	// Remote code piped to a shell
	rule(`(?i)\b(curl|wget)\s+.*\|\s*(ba)?sh`, "download piped to shell"),
	rule(`(?i)(base64\s+-d|base64\s+--decode).*\|\s*(ba)?sh`, "decoded payload piped to shell"),
}

// shellCall finds string literals handed to a shell from Python code.
var shellCall = regexp.MustCompile(`(?:os\.system|os\.popen|subprocess\.(?:run|call|check_call|check_output|Popen))\(\s*[rfbu]?(?:"([^"]*)"|'([^']*)')`)

// GuardCommand checks if a shell command is safe to run on the host.
// Returns the reason it is blocked, or "" if allowed.
func GuardCommand(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return "empty command is not allowed"
	}
	if strings.Contains(command, "\x00") {
		return "command blocked: null byte injection detected"
	}
	for _, r := range blockedCommands {
		if r.pattern.MatchString(command) {
			return "command blocked: " + r.reason
		}
	}
	return ""
}

// GuardCode checks the shell commands Python code hands to os.system,
// os.popen or subprocess. Returns the reason it is blocked, or "" if allowed.
func GuardCode(code string) string {
	if strings.TrimSpace(code) == "" {
		return "empty code is not allowed"
	}
	if strings.Contains(code, "\x00") {
		return "code blocked: null byte injection detected"
	}
	for _, m := range shellCall.FindAllStringSubmatch(code, -1) {
		cmd := m[1] + m[2]
		if reason := GuardCommand(cmd); reason != "" && cmd != "" {
			return reason
		}
	}
	return ""
}
