package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/lexiqai/chat-gateway/internal/backend"
	"github.com/lexiqai/chat-gateway/internal/normalize"
	"github.com/lexiqai/chat-gateway/internal/resilience"
)

type statusReply struct {
	resp *backend.PipelineResponse
	err  error
}

type continueCall struct {
	query string
	state backend.StateToken
}

// fakeBackend records every call and replays canned responses
type fakeBackend struct {
	mu sync.Mutex

	gate chan struct{} // When set, ResolveIntent blocks until closed

	intent      *backend.Intent
	intentErr   error
	intentCalls []string

	answer    json.RawMessage
	runErr    error
	toolCalls []backend.ToolCall

	startResp     *backend.PipelineResponse
	startErr      error
	startQueries  []string
	continueResp  *backend.PipelineResponse
	continueCalls []continueCall

	statuses []statusReply
	polls    int
}

func (f *fakeBackend) ResolveIntent(ctx context.Context, query string) (*backend.Intent, error) {
	f.mu.Lock()
	f.intentCalls = append(f.intentCalls, query)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	intent := *f.intent
	return &intent, nil
}

func (f *fakeBackend) InvokeTool(ctx context.Context, call backend.ToolCall) (*backend.ToolAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCalls = append(f.toolCalls, call)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &backend.ToolAnswer{Answer: f.answer}, nil
}

func (f *fakeBackend) StartPipeline(ctx context.Context, query string) (*backend.PipelineResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startQueries = append(f.startQueries, query)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.startResp, nil
}

func (f *fakeBackend) ContinuePipeline(ctx context.Context, query string, state backend.StateToken) (*backend.PipelineResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continueCalls = append(f.continueCalls, continueCall{query: query, state: state})
	return f.continueResp, nil
}

func (f *fakeBackend) PollStatus(ctx context.Context) (*backend.PipelineResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.statuses) == 0 {
		return &backend.PipelineResponse{Stage: "EXECUTION"}, nil
	}
	reply := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return reply.resp, reply.err
}

func (f *fakeBackend) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func token(t *testing.T, raw string) backend.StateToken {
	t.Helper()
	var tok backend.StateToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		t.Fatalf("Failed to build token: %v", err)
	}
	return tok
}

func newTestConversation(t *testing.T, b Backend, opts Options) *Conversation {
	t.Helper()
	nop := zerolog.Nop()
	opts.Logger = &nop
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.PollDeadline == 0 {
		opts.PollDeadline = 5 * time.Second
	}
	c := New(b, opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func wait(t *testing.T, c *Conversation) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Conversation did not settle: %v (state %s)", err, c.State())
	}
}

func lastTurn(t *testing.T, c *Conversation) Turn {
	t.Helper()
	turn, ok := c.Snapshot().LastAssistant()
	if !ok {
		t.Fatal("Expected an assistant turn")
	}
	return turn
}

func TestSubmit_EmptyInputRejected(t *testing.T) {
	c := newTestConversation(t, &fakeBackend{}, Options{})

	for _, input := range []string{"", "   ", "\n\t"} {
		if err := c.Submit(input); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("Submit(%q) = %v, expected ErrEmptyInput", input, err)
		}
	}

	snap := c.Snapshot()
	if len(snap.Turns) != 0 {
		t.Errorf("Expected no turns, got %d", len(snap.Turns))
	}
	if snap.State != StateIdle {
		t.Errorf("Expected IDLE, got %s", snap.State)
	}
}

func TestSubmit_AppendsTurnsBeforeNetworkResolves(t *testing.T) {
	fb := &fakeBackend{
		gate:   make(chan struct{}),
		intent: &backend.Intent{ToolName: "overdue_invoices"},
		answer: json.RawMessage(`"3 invoices"`),
	}
	c := newTestConversation(t, fb, Options{})

	if err := c.Submit("  list overdue invoices  "); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Turns) != 2 {
		t.Fatalf("Expected 2 turns before the backend answers, got %d", len(snap.Turns))
	}
	if snap.Turns[0].Role != RoleUser || snap.Turns[0].Text != "list overdue invoices" {
		t.Errorf("Unexpected user turn %+v", snap.Turns[0])
	}
	if snap.Turns[1].Role != RoleAssistant || !snap.Turns[1].IsLoading {
		t.Errorf("Expected loading assistant placeholder, got %+v", snap.Turns[1])
	}
	if snap.State != StateAwaitingIntent {
		t.Errorf("Expected AWAITING_INTENT, got %s", snap.State)
	}

	// Re-entrant submit is dropped
	if err := c.Submit("another question"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	if n := len(c.Snapshot().Turns); n != 2 {
		t.Errorf("Expected dropped submit to append nothing, got %d turns", n)
	}

	close(fb.gate)
	wait(t, c)

	if c.State() != StateDone {
		t.Errorf("Expected DONE, got %s", c.State())
	}
}

// Scenario A: two required inputs collected over two follow-ups
func TestSlotFilling_TwoInputs(t *testing.T) {
	fb := &fakeBackend{
		intent: &backend.Intent{
			ToolName:       "revenue_compare",
			RequiredInputs: []string{"start_date", "end_date"},
			ServerPath:     "Servers/Analyzer/server.py",
			ServerSources:  json.RawMessage(`{"cmd":"python"}`),
		},
		answer: json.RawMessage(`{"revenue_compare": {"output_text": "Q2 beat Q1."}}`),
	}
	c := newTestConversation(t, fb, Options{Mode: ModeSync})

	if err := c.Submit("compare Q1 and Q2 revenue"); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	wait(t, c)

	if c.State() != StateAwaitingSlot {
		t.Fatalf("Expected AWAITING_SLOT, got %s", c.State())
	}
	if got := lastTurn(t, c); got.Text != "Please provide the start_date." || got.IsLoading {
		t.Errorf("Unexpected prompt turn %+v", got)
	}
	if p := c.Pending(); p == nil || p.Cursor != 0 || len(p.CollectedInputs) != 0 {
		t.Fatalf("Expected fresh pending request, got %+v", p)
	}
	if c.Snapshot().AwaitingInput != "start_date" {
		t.Errorf("Expected snapshot to name start_date, got %q", c.Snapshot().AwaitingInput)
	}

	if err := c.Submit("2024-01-01"); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if c.State() != StateAwaitingSlot {
		t.Fatalf("Expected AWAITING_SLOT after first answer, got %s", c.State())
	}
	if got := lastTurn(t, c); got.Text != "Please provide the end_date." {
		t.Errorf("Unexpected prompt turn %+v", got)
	}
	p := c.Pending()
	if p.Cursor != 1 || p.CollectedInputs["start_date"] != "2024-01-01" || len(p.CollectedInputs) != 1 {
		t.Errorf("Unexpected pending state after first answer %+v", p)
	}

	if err := c.Submit("2024-03-31"); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	wait(t, c)

	if c.State() != StateDone {
		t.Fatalf("Expected DONE, got %s", c.State())
	}
	if c.Pending() != nil {
		t.Error("Expected pending request to be discarded after dispatch")
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.toolCalls) != 1 {
		t.Fatalf("Expected exactly one tool call, got %d", len(fb.toolCalls))
	}
	call := fb.toolCalls[0]
	if call.UserQuery != "compare Q1 and Q2 revenue" || call.ToolName != "revenue_compare" {
		t.Errorf("Unexpected tool call %+v", call)
	}
	if len(call.UserInputs) != 2 || call.UserInputs["start_date"] != "2024-01-01" || call.UserInputs["end_date"] != "2024-03-31" {
		t.Errorf("Unexpected inputs %v", call.UserInputs)
	}
	if string(call.ServerSources) != `{"cmd":"python"}` || call.ServerPath != "Servers/Analyzer/server.py" {
		t.Errorf("Expected server routing passed through, got %+v", call)
	}
	if len(fb.intentCalls) != 1 {
		t.Errorf("Expected follow-ups not to re-resolve intent, got %d intent calls", len(fb.intentCalls))
	}

	snap := c.Snapshot()
	if len(snap.Turns) != 6 {
		t.Fatalf("Expected 6 turns, got %d", len(snap.Turns))
	}
	final := snap.Turns[5]
	if final.Result == nil || final.Result.Kind != normalize.KindPerTool || final.Result.PerTool[0].Narrative != "Q2 beat Q1." {
		t.Errorf("Unexpected final turn %+v", final)
	}
}

// Scenario B: no inputs needed, tool runs immediately
func TestNoRequiredInputs_Sync(t *testing.T) {
	fb := &fakeBackend{
		intent: &backend.Intent{ToolName: "overdue_invoices", RequiredInputs: []string{}},
		answer: json.RawMessage(`"You have 3 overdue invoices."`),
	}
	c := newTestConversation(t, fb, Options{Mode: ModeSync})

	c.Submit("list overdue invoices")
	wait(t, c)

	fb.mu.Lock()
	calls := fb.toolCalls
	fb.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("Expected one tool call, got %d", len(calls))
	}
	if calls[0].UserInputs == nil || len(calls[0].UserInputs) != 0 {
		t.Errorf("Expected empty input map, got %v", calls[0].UserInputs)
	}

	got := lastTurn(t, c)
	if got.Result == nil || got.Result.Text != "You have 3 overdue invoices." || got.IsLoading || got.IsError {
		t.Errorf("Unexpected final turn %+v", got)
	}
}

func TestNoRequiredInputs_Pipeline(t *testing.T) {
	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "overdue_invoices"},
		startResp: &backend.PipelineResponse{Stage: "COMPLETED", Results: json.RawMessage(`{"overdue_invoices": "none"}`)},
	}
	c := newTestConversation(t, fb, Options{Mode: ModePipeline})

	c.Submit("list overdue invoices")
	wait(t, c)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.startQueries) != 1 || fb.startQueries[0] != "list overdue invoices" {
		t.Errorf("Expected start with the raw query, got %v", fb.startQueries)
	}
	if len(fb.toolCalls) != 0 {
		t.Error("Expected no tool invocation in pipeline mode")
	}
	if fb.polls != 0 {
		t.Errorf("Expected no polling when start already completed, got %d polls", fb.polls)
	}
}

// Scenario C: two progress polls then completion
func TestPipeline_PollsUntilCompleted(t *testing.T) {
	defer goleak.VerifyNone(t)

	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "investor_insight"},
		startResp: &backend.PipelineResponse{Stage: "IDLE"},
		statuses: []statusReply{
			{resp: &backend.PipelineResponse{Stage: "METADATA_EXTRACTION"}},
			{resp: &backend.PipelineResponse{Stage: "PLANNING"}},
			{resp: &backend.PipelineResponse{Stage: "COMPLETED", Results: json.RawMessage(`{"investor_insight": "Up 12%."}`)}},
		},
	}

	var mu sync.Mutex
	var progress []string
	nop := zerolog.Nop()
	c := New(fb, Options{
		Mode:         ModePipeline,
		PollInterval: 5 * time.Millisecond,
		PollDeadline: 5 * time.Second,
		Logger:       &nop,
		OnChange: func(s Snapshot) {
			if turn, ok := s.LastAssistant(); ok && turn.IsLoading {
				mu.Lock()
				if len(progress) == 0 || progress[len(progress)-1] != turn.Text {
					progress = append(progress, turn.Text)
				}
				mu.Unlock()
			}
		},
	})
	defer c.Close()

	c.Submit("how is revenue trending")
	wait(t, c)

	if c.State() != StateDone {
		t.Fatalf("Expected DONE, got %s", c.State())
	}
	if n := fb.pollCount(); n != 3 {
		t.Errorf("Expected 3 polls, got %d", n)
	}

	snap := c.Snapshot()
	if len(snap.Turns) != 2 {
		t.Fatalf("Expected polling to rewrite one assistant turn, got %d turns", len(snap.Turns))
	}
	final := snap.Turns[1]
	if final.IsLoading || final.Result == nil || final.Result.PerTool[0].Narrative != "Up 12%." {
		t.Errorf("Unexpected final turn %+v", final)
	}

	mu.Lock()
	seen := append([]string(nil), progress...)
	mu.Unlock()
	want := []string{"Processing your query...", "Current stage: IDLE", "Understanding your query...", "Planning the next steps..."}
	if len(seen) != len(want) {
		t.Fatalf("Expected progress %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Progress %d: expected %q, got %q", i, want[i], seen[i])
		}
	}

	// Polling is cancelled after completion
	time.Sleep(30 * time.Millisecond)
	if n := fb.pollCount(); n != 3 {
		t.Errorf("Expected polling to stop at 3, got %d", n)
	}

	c.Close()
}

// Scenario D: intent resolution fails upstream
func TestIntentUpstreamError(t *testing.T) {
	fb := &fakeBackend{
		intentErr: &backend.UpstreamError{Endpoint: backend.EndpointIntent, StatusCode: http.StatusInternalServerError, Detail: "model unavailable"},
	}
	c := newTestConversation(t, fb, Options{})

	c.Submit("compare Q1 and Q2 revenue")
	wait(t, c)

	if c.State() != StateErrored {
		t.Fatalf("Expected ERRORED, got %s", c.State())
	}
	got := lastTurn(t, c)
	if !got.IsError || got.IsLoading || got.Text != msgFailed || got.Detail != "model unavailable" {
		t.Errorf("Unexpected error turn %+v", got)
	}
	if c.Pending() != nil {
		t.Error("Expected no pending request after intent failure")
	}
}

func TestToolTransportError(t *testing.T) {
	fb := &fakeBackend{
		intent: &backend.Intent{ToolName: "overdue_invoices"},
		runErr: &backend.TransportError{Endpoint: backend.EndpointRun, Err: errors.New("connection refused")},
	}
	c := newTestConversation(t, fb, Options{})

	c.Submit("list overdue invoices")
	wait(t, c)

	got := lastTurn(t, c)
	if c.State() != StateErrored || !got.IsError || got.IsLoading {
		t.Errorf("Expected errored final turn, got %s %+v", c.State(), got)
	}
}

func TestPipeline_PollErrorCancelsPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "analyzer"},
		startResp: &backend.PipelineResponse{Stage: "METADATA_EXTRACTION"},
		statuses: []statusReply{
			{resp: &backend.PipelineResponse{Stage: "PLANNING"}},
			{err: &backend.UpstreamError{Endpoint: backend.EndpointStatus, StatusCode: 502, Detail: "Pipeline status failed"}},
		},
	}
	c := newTestConversation(t, fb, Options{Mode: ModePipeline})

	c.Submit("analyse my business")
	wait(t, c)

	if c.State() != StateErrored {
		t.Fatalf("Expected ERRORED, got %s", c.State())
	}
	got := lastTurn(t, c)
	if got.Text != msgPollFailed || !got.IsError || got.IsLoading {
		t.Errorf("Unexpected error turn %+v", got)
	}

	polls := fb.pollCount()
	time.Sleep(30 * time.Millisecond)
	if n := fb.pollCount(); n != polls {
		t.Errorf("Expected polling to stop after error, went from %d to %d", polls, n)
	}

	c.Close()
}

func TestPipeline_PollCeiling(t *testing.T) {
	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "analyzer"},
		startResp: &backend.PipelineResponse{Stage: "EXECUTION"},
		statuses: []statusReply{
			{resp: &backend.PipelineResponse{Stage: "ERROR"}},
		},
	}
	c := newTestConversation(t, fb, Options{Mode: ModePipeline, MaxPolls: 4})

	c.Submit("analyse my business")
	wait(t, c)

	if n := fb.pollCount(); n != 4 {
		t.Errorf("Expected 4 polls before giving up, got %d", n)
	}
	snap := c.Snapshot()
	if len(snap.Turns) != 2 {
		t.Errorf("Expected repeated polls to reuse one assistant turn, got %d turns", len(snap.Turns))
	}
	got := snap.Turns[1]
	if snap.State != StateErrored || got.Text != msgPollTimedOut || !got.IsError {
		t.Errorf("Expected poll ceiling to end in a timeout error, got %s %+v", snap.State, got)
	}
}

func TestPipeline_WallClockDeadline(t *testing.T) {
	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "analyzer"},
		startResp: &backend.PipelineResponse{Stage: "EXECUTION"},
	}
	c := newTestConversation(t, fb, Options{
		Mode:         ModePipeline,
		PollInterval: 5 * time.Millisecond,
		PollDeadline: 40 * time.Millisecond,
	})

	c.Submit("analyse my business")
	wait(t, c)

	if got := lastTurn(t, c); c.State() != StateErrored || got.Text != msgPollTimedOut {
		t.Errorf("Expected deadline timeout, got %s %+v", c.State(), got)
	}
}

func TestPipeline_CompletedWithoutResultsKeepsPolling(t *testing.T) {
	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "analyzer"},
		startResp: &backend.PipelineResponse{Stage: "EXECUTION"},
		statuses: []statusReply{
			{resp: &backend.PipelineResponse{Stage: "COMPLETED"}},
			{resp: &backend.PipelineResponse{Stage: "COMPLETED", Results: json.RawMessage(`"done"`)}},
		},
	}
	c := newTestConversation(t, fb, Options{Mode: ModePipeline})

	c.Submit("analyse my business")
	wait(t, c)

	if n := fb.pollCount(); n != 2 {
		t.Errorf("Expected completion only once results arrive, got %d polls", n)
	}
	if c.State() != StateDone {
		t.Errorf("Expected DONE, got %s", c.State())
	}
}

func TestPipeline_SlotFillingThenStart(t *testing.T) {
	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "eligibility", RequiredInputs: []string{"state", "sector", "state"}},
		startResp: &backend.PipelineResponse{Stage: "COMPLETED", Results: json.RawMessage(`"eligible"`)},
	}
	c := newTestConversation(t, fb, Options{Mode: ModePipeline})

	c.Submit("am I eligible for PMEGP")
	wait(t, c)
	c.Submit("Kerala")
	c.Submit("food processing")
	wait(t, c)

	if c.State() != StateDone {
		t.Fatalf("Expected DONE after two answers, got %s", c.State())
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	want := "am I eligible for PMEGP\n\nstate: Kerala\nsector: food processing"
	if len(fb.startQueries) != 1 || fb.startQueries[0] != want {
		t.Errorf("Expected start query %q, got %v", want, fb.startQueries)
	}
}

func TestFollowUps_ContinueWithLatestToken(t *testing.T) {
	first := `{"messages":[{"role":"user","content":"q1"}]}`
	latest := `{"messages":[{"role":"user","content":"q1"},{"role":"assistant","content":"a1"}]}`

	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "scheme_explainer"},
		startResp: &backend.PipelineResponse{Stage: "PLANNING", State: token(t, first)},
		statuses: []statusReply{
			{resp: &backend.PipelineResponse{Stage: "COMPLETED", State: token(t, latest), Results: json.RawMessage(`"a1"`)}},
		},
		continueResp: &backend.PipelineResponse{Stage: "COMPLETED", Results: json.RawMessage(`"a2"`)},
	}
	c := newTestConversation(t, fb, Options{Mode: ModePipeline, FollowUps: true})

	c.Submit("what is PMEGP")
	wait(t, c)
	if err := c.Submit("and who qualifies?"); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	wait(t, c)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.intentCalls) != 1 || len(fb.startQueries) != 1 {
		t.Errorf("Expected the follow-up to skip intent and start, got %d intents %d starts", len(fb.intentCalls), len(fb.startQueries))
	}
	if len(fb.continueCalls) != 1 {
		t.Fatalf("Expected one continue call, got %d", len(fb.continueCalls))
	}
	call := fb.continueCalls[0]
	if call.query != "and who qualifies?" {
		t.Errorf("Unexpected continue query %q", call.query)
	}
	if !call.state.Equal(token(t, latest)) {
		t.Error("Expected the latest token to be passed to continue unchanged")
	}
}

func TestWithoutFollowUps_FreshSessionEachExchange(t *testing.T) {
	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "scheme_explainer"},
		startResp: &backend.PipelineResponse{Stage: "COMPLETED", State: token(t, `{"n":1}`), Results: json.RawMessage(`"a"`)},
	}
	c := newTestConversation(t, fb, Options{Mode: ModePipeline})

	c.Submit("first question")
	wait(t, c)
	c.Submit("second question")
	wait(t, c)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.continueCalls) != 0 {
		t.Errorf("Expected no continue calls, got %d", len(fb.continueCalls))
	}
	if len(fb.startQueries) != 2 || len(fb.intentCalls) != 2 {
		t.Errorf("Expected a fresh exchange per query, got %d starts %d intents", len(fb.startQueries), len(fb.intentCalls))
	}
}

func TestErroredAcceptsNewSubmit(t *testing.T) {
	fb := &fakeBackend{
		intentErr: errors.New("boom"),
	}
	c := newTestConversation(t, fb, Options{})

	c.Submit("first")
	wait(t, c)
	if c.State() != StateErrored {
		t.Fatalf("Expected ERRORED, got %s", c.State())
	}

	fb.mu.Lock()
	fb.intentErr = nil
	fb.intent = &backend.Intent{ToolName: "overdue_invoices"}
	fb.answer = json.RawMessage(`"ok"`)
	fb.mu.Unlock()

	if err := c.Submit("second"); err != nil {
		t.Fatalf("Submit() after error failed: %v", err)
	}
	wait(t, c)

	if c.State() != StateDone {
		t.Errorf("Expected DONE, got %s", c.State())
	}
	if n := len(c.Snapshot().Turns); n != 4 {
		t.Errorf("Expected history to keep both exchanges, got %d turns", n)
	}
}

func TestClose_CancelsPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	fb := &fakeBackend{
		intent:    &backend.Intent{ToolName: "analyzer"},
		startResp: &backend.PipelineResponse{Stage: "EXECUTION"},
	}
	nop := zerolog.Nop()
	c := New(fb, Options{Mode: ModePipeline, PollInterval: 5 * time.Millisecond, PollDeadline: time.Minute, Logger: &nop})

	c.Submit("analyse my business")
	deadline := time.Now().Add(2 * time.Second)
	for fb.pollCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if c.State() != StatePolling {
		t.Fatalf("Expected POLLING, got %s", c.State())
	}

	c.Close()
	polls := fb.pollCount()
	time.Sleep(30 * time.Millisecond)
	if n := fb.pollCount(); n != polls {
		t.Errorf("Expected no polls after Close, went from %d to %d", polls, n)
	}

	if err := c.Submit("again"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestClose_CancelsInFlightCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	fb := &fakeBackend{gate: make(chan struct{}), intent: &backend.Intent{ToolName: "x"}}
	nop := zerolog.Nop()
	c := New(fb, Options{Logger: &nop})

	c.Submit("hello")
	c.Close()

	if err := c.Wait(context.Background()); err != nil {
		t.Errorf("Expected Wait to return after Close, got %v", err)
	}
}

func TestReset_DiscardsEverything(t *testing.T) {
	fb := &fakeBackend{
		intent: &backend.Intent{ToolName: "revenue_compare", RequiredInputs: []string{"start_date"}},
	}
	c := newTestConversation(t, fb, Options{})

	c.Submit("compare revenue")
	wait(t, c)
	if c.Pending() == nil {
		t.Fatal("Expected pending request before reset")
	}

	c.Reset()

	snap := c.Snapshot()
	if snap.State != StateIdle || len(snap.Turns) != 0 || c.Pending() != nil {
		t.Errorf("Expected empty idle conversation, got %+v", snap)
	}
}

func TestOpenCircuitDetail(t *testing.T) {
	fb := &fakeBackend{
		intentErr: &backend.TransportError{Endpoint: backend.EndpointIntent, Err: resilience.ErrCircuitOpen},
	}
	c := newTestConversation(t, fb, Options{})

	c.Submit("list overdue invoices")
	wait(t, c)

	got := lastTurn(t, c)
	if !got.IsError || got.Detail != "The backend is temporarily unavailable." {
		t.Errorf("Unexpected error turn %+v", got)
	}
}
