package backend

import (
	"bytes"
	"encoding/json"
)

// Backend endpoints
const (
	EndpointIntent   = "/intent"
	EndpointRun      = "/run"
	EndpointStart    = "/start"
	EndpointContinue = "/continue"
	EndpointStatus   = "/status"
)

// StageCompleted is the only stage value with meaning to the gateway.
// Every other stage is an opaque progress label.
const StageCompleted = "COMPLETED"

// Intent is the resolved tool for a user query
type Intent struct {
	ToolName       string
	RequiredInputs []string
	ServerPath     string
	ServerSources  json.RawMessage // Opaque, passed back to /run verbatim
}

// ToolInfo is one candidate tool offered by /intent
type ToolInfo struct {
	ToolName       string   `json:"tool_name"`
	RequiredInputs []string `json:"required_inputs"`
}

type intentRequest struct {
	UserQuery string `json:"user_query"`
}

type intentResponse struct {
	ToolInfo      []ToolInfo      `json:"tool_info"`
	ServerPath    string          `json:"server_path"`
	ServerSources json.RawMessage `json:"server_sources"`
}

// ToolCall carries a fully populated tool invocation
type ToolCall struct {
	UserQuery     string            `json:"user_query"`
	UserInputs    map[string]string `json:"user_inputs"`
	ToolName      string            `json:"tool_name"`
	ServerPath    string            `json:"server_path"`
	ServerSources json.RawMessage   `json:"server_sources"`
}

// ToolAnswer is the raw answer of /run. Shape varies by tool.
type ToolAnswer struct {
	Answer json.RawMessage `json:"answer"`
}

// PipelineResponse is returned by /start, /continue and /status
type PipelineResponse struct {
	Stage   string          `json:"stage"`
	State   StateToken      `json:"state"`
	Results json.RawMessage `json:"results"`
}

// HasResults reports whether the response carries a non-null results payload
func (r *PipelineResponse) HasResults() bool {
	trimmed := bytes.TrimSpace(r.Results)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// IsCompleted reports whether the pipeline finished with results
func (r *PipelineResponse) IsCompleted() bool {
	return r.Stage == StageCompleted && r.HasResults()
}

type startRequest struct {
	UserQuery string `json:"user_query"`
}

type continueRequest struct {
	UserQuery         string     `json:"user_query"`
	ConversationState StateToken `json:"conversation_state"`
}

// StateToken is the backend's cross-turn conversation state. Its content is
// owned by the backend and passed back as the same JSON value it arrived as.
// encoding/json compacts it on the way out, so insignificant whitespace is
// not preserved.
type StateToken struct {
	raw []byte
}

// IsZero reports whether no token was issued
func (t StateToken) IsZero() bool {
	return len(t.raw) == 0
}

// Equal reports whether two tokens carry identical bytes
func (t StateToken) Equal(other StateToken) bool {
	return bytes.Equal(t.raw, other.raw)
}

// MarshalJSON emits the token as it was received
func (t StateToken) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return t.raw, nil
}

// UnmarshalJSON captures the raw token bytes
func (t *StateToken) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		t.raw = nil
		return nil
	}
	t.raw = append([]byte(nil), trimmed...)
	return nil
}
