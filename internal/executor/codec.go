package executor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel prefixes the output line that carries a captured result.
const Sentinel = "__VMPOOL_RESULT__:"

// WrapCode appends to code the statements that print resultExpr as
// base64-encoded JSON behind Sentinel. Without a resultExpr code is returned
// unchanged.
func WrapCode(code, resultExpr string) string {
	if strings.TrimSpace(resultExpr) == "" {
		return code
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(code, "\n"))
	sb.WriteString("\n")
	sb.WriteString("import json as _vmpool_json, base64 as _vmpool_b64\n")
	fmt.Fprintf(&sb, "print(%q + _vmpool_b64.b64encode(_vmpool_json.dumps((%s), default=str).encode()).decode(), flush=True)\n",
		Sentinel, resultExpr)
	return sb.String()
}

// ExtractResult removes the last Sentinel payload from stdout and decodes it.
// Output printed without a trailing newline shares the payload's line and is
// kept. found is false when stdout holds no Sentinel.
func ExtractResult(stdout string) (clean string, value json.RawMessage, found bool, err error) {
	lines := strings.SplitAfter(stdout, "\n")
	idx, at := -1, -1
	for i := len(lines) - 1; i >= 0; i-- {
		if j := strings.LastIndex(lines[i], Sentinel); j >= 0 {
			idx, at = i, j
			break
		}
	}
	if idx < 0 {
		return stdout, nil, false, nil
	}

	line := lines[idx]
	encoded := strings.TrimSpace(line[at+len(Sentinel):])
	clean = strings.Join(lines[:idx], "") + line[:at] + strings.Join(lines[idx+1:], "")

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return clean, nil, true, fmt.Errorf("failed to decode result payload: %w", err)
	}
	if !json.Valid(raw) {
		return clean, nil, true, fmt.Errorf("result payload is not valid JSON")
	}
	return clean, json.RawMessage(raw), true, nil
}
