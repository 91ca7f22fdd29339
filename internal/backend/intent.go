package backend

import (
	"context"
	"net/http"
)

// ResolveIntent maps a user query to a tool and the inputs it still needs.
// When several candidates are offered the first one wins; the backend's
// ordering is authoritative.
func (c *Client) ResolveIntent(ctx context.Context, query string) (*Intent, error) {
	var resp intentResponse
	if err := c.do(ctx, http.MethodPost, EndpointIntent, intentRequest{UserQuery: query}, &resp); err != nil {
		return nil, err
	}

	if len(resp.ToolInfo) == 0 {
		return nil, &TransportError{Endpoint: EndpointIntent, Err: ErrNoCandidate}
	}

	tool := resp.ToolInfo[0]
	return &Intent{
		ToolName:       tool.ToolName,
		RequiredInputs: tool.RequiredInputs,
		ServerPath:     resp.ServerPath,
		ServerSources:  resp.ServerSources,
	}, nil
}
