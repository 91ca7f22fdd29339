package backend

import (
	"context"
	"net/http"
)

// StartPipeline begins a new asynchronous pipeline for query
func (c *Client) StartPipeline(ctx context.Context, query string) (*PipelineResponse, error) {
	var resp PipelineResponse
	if err := c.do(ctx, http.MethodPost, EndpointStart, startRequest{UserQuery: query}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ContinuePipeline resumes a pipeline with a previously issued state token
func (c *Client) ContinuePipeline(ctx context.Context, query string, state StateToken) (*PipelineResponse, error) {
	req := continueRequest{UserQuery: query, ConversationState: state}

	var resp PipelineResponse
	if err := c.do(ctx, http.MethodPost, EndpointContinue, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollStatus fetches the current stage of the active pipeline. The backend
// correlates the call through the session cookie, not a request body.
func (c *Client) PollStatus(ctx context.Context) (*PipelineResponse, error) {
	var resp PipelineResponse
	if err := c.do(ctx, http.MethodGet, EndpointStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
