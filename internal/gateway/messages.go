package gateway

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/lexiqai/chat-gateway/internal/conversation"
	"github.com/lexiqai/chat-gateway/internal/normalize"
	"github.com/lexiqai/chat-gateway/internal/render"
)

// Client message types
const (
	TypeSubmit = "submit"
	TypeReset  = "reset"
)

// Server message types
const (
	TypeSnapshot = "snapshot"
	TypeRejected = "rejected"
)

// maxTextLength bounds a single submitted utterance
const maxTextLength = 8000

// ClientMessage is a message from the browser
type ClientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Validate checks the message shape. Blank text is left to the conversation,
// which rejects it without recording a turn.
func (m ClientMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Type, validation.Required, validation.In(TypeSubmit, TypeReset)),
		validation.Field(&m.Text, validation.Length(0, maxTextLength)),
	)
}

// TurnView is a turn as rendered for the browser
type TurnView struct {
	Role      conversation.Role `json:"role"`
	Text      string            `json:"text,omitempty"`
	Result    *normalize.Result `json:"result,omitempty"`
	Markdown  string            `json:"markdown,omitempty"`
	IsLoading bool              `json:"is_loading"`
	IsError   bool              `json:"is_error"`
	Detail    string            `json:"detail,omitempty"`
}

// SnapshotMessage carries the full conversation after every change
type SnapshotMessage struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversation_id"`
	State          conversation.State `json:"state"`
	Stage          string             `json:"stage,omitempty"`
	AwaitingInput  string             `json:"awaiting_input,omitempty"`
	Turns          []TurnView         `json:"turns"`
}

// RejectedMessage reports a dropped submission
type RejectedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func newSnapshotMessage(snap conversation.Snapshot) SnapshotMessage {
	turns := make([]TurnView, len(snap.Turns))
	for i, t := range snap.Turns {
		turns[i] = TurnView{
			Role:      t.Role,
			Text:      t.Text,
			Result:    t.Result,
			IsLoading: t.IsLoading,
			IsError:   t.IsError,
			Detail:    t.Detail,
		}
		if t.Result != nil {
			turns[i].Markdown = render.Markdown(t.Result)
		}
	}

	return SnapshotMessage{
		Type:           TypeSnapshot,
		ConversationID: snap.ConversationID,
		State:          snap.State,
		Stage:          snap.Stage,
		AwaitingInput:  snap.AwaitingInput,
		Turns:          turns,
	}
}

func newRejectedMessage(reason string) RejectedMessage {
	return RejectedMessage{Type: TypeRejected, Reason: reason}
}
