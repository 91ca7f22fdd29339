package backend

import (
	"context"
	"net/http"
)

// InvokeTool executes a tool with a fully populated input set. Failures are
// terminal for the current turn; nothing is retried.
func (c *Client) InvokeTool(ctx context.Context, call ToolCall) (*ToolAnswer, error) {
	if call.UserInputs == nil {
		call.UserInputs = map[string]string{}
	}

	var answer ToolAnswer
	if err := c.do(ctx, http.MethodPost, EndpointRun, call, &answer); err != nil {
		return nil, err
	}
	return &answer, nil
}
