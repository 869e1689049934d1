package bridge

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// protocolVersion is the message protocol version the bridge speaks.
const protocolVersion = "5.3"

type header struct {
	MsgID    string `json:"msg_id,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Date     string `json:"date,omitempty"`
	Version  string `json:"version,omitempty"`
}

// message is one frame on the session channel.
type message struct {
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel,omitempty"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type dataContent struct {
	Data map[string]any `json:"data"`
}

type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

func newExecuteRequest(session, username, code string) (message, error) {
	content, err := json.Marshal(executeRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		return message{}, err
	}
	return message{
		Header: header{
			MsgID:    uuid.NewString(),
			MsgType:  "execute_request",
			Session:  session,
			Username: username,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			Version:  protocolVersion,
		},
		Metadata: map[string]any{},
		Content:  content,
		Channel:  "shell",
	}, nil
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func stripANSI(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = ansiEscape.ReplaceAllString(l, "")
	}
	return out
}
