package conversation

import "github.com/lexiqai/chat-gateway/internal/normalize"

// Role identifies who authored a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the conversation history. Only the last assistant
// turn is ever rewritten, while it is loading.
type Turn struct {
	Role      Role              `json:"role"`
	Text      string            `json:"text,omitempty"`
	Result    *normalize.Result `json:"result,omitempty"`
	IsLoading bool              `json:"is_loading"`
	IsError   bool              `json:"is_error"`
	Detail    string            `json:"detail,omitempty"` // Backend error detail, if any
}

// Snapshot is a consistent copy of the conversation for readers
type Snapshot struct {
	ConversationID string `json:"conversation_id"`
	State          State  `json:"state"`
	Stage          string `json:"stage,omitempty"`
	AwaitingInput  string `json:"awaiting_input,omitempty"`
	Turns          []Turn `json:"turns"`
}

// LastAssistant returns the most recent assistant turn
func (s Snapshot) LastAssistant() (Turn, bool) {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleAssistant {
			return s.Turns[i], true
		}
	}
	return Turn{}, false
}
