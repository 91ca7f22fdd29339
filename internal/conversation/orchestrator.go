package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/chat-gateway/internal/backend"
	"github.com/lexiqai/chat-gateway/internal/config"
	"github.com/lexiqai/chat-gateway/internal/normalize"
	"github.com/lexiqai/chat-gateway/internal/observability"
)

var (
	// ErrEmptyInput rejects blank submissions before any state change
	ErrEmptyInput = errors.New("input is empty")

	// ErrBusy rejects a submission while a backend call is in flight
	ErrBusy = errors.New("conversation is waiting on the backend")

	// ErrClosed rejects a submission after Close
	ErrClosed = errors.New("conversation is closed")
)

// IntentResolver maps a query to a tool and its missing inputs
type IntentResolver interface {
	ResolveIntent(ctx context.Context, query string) (*backend.Intent, error)
}

// ToolInvoker runs a tool with a complete input set
type ToolInvoker interface {
	InvokeTool(ctx context.Context, call backend.ToolCall) (*backend.ToolAnswer, error)
}

// PipelineClient drives asynchronous multi-stage processing
type PipelineClient interface {
	StartPipeline(ctx context.Context, query string) (*backend.PipelineResponse, error)
	ContinuePipeline(ctx context.Context, query string, state backend.StateToken) (*backend.PipelineResponse, error)
	PollStatus(ctx context.Context) (*backend.PipelineResponse, error)
}

// Backend is everything a conversation needs from the tool backend
type Backend interface {
	IntentResolver
	ToolInvoker
	PipelineClient
}

// Options configures a Conversation
type Options struct {
	Mode         Mode
	FollowUps    bool          // Pipeline mode: send later queries via continue
	PollInterval time.Duration // Recurring status poll interval
	MaxPolls     int           // Poll count ceiling, 0 for none
	PollDeadline time.Duration // Wall clock ceiling per pipeline

	// OnChange receives a snapshot after every change. Calls are serialized
	// and always carry the latest state.
	OnChange func(Snapshot)

	Logger *zerolog.Logger
}

// OptionsFromConfig derives conversation options from service configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mode, err := ParseMode(cfg.DispatchMode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Mode:         mode,
		FollowUps:    cfg.PipelineFollowUps,
		PollInterval: cfg.PollInterval(),
		MaxPolls:     cfg.PollMaxAttempts,
		PollDeadline: cfg.PollDeadline(),
	}, nil
}

// Conversation is the orchestration state machine for one chat. It owns the
// turn history, slot-filling state and the active pipeline session.
//
// Submit never blocks on the network: it records the user turn and a loading
// assistant turn, then runs the backend step on a worker goroutine. Only one
// step is ever in flight; submissions made meanwhile are rejected with ErrBusy.
type Conversation struct {
	id      string
	backend Backend
	opts    Options
	logger  zerolog.Logger
	metrics *observability.Metrics

	ctx    context.Context // Cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup

	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	turns      []Turn
	pending    *PendingToolRequest
	session    *PipelineSession
	thread     backend.StateToken // Follow-up mode token kept across exchanges
	settled    chan struct{}      // Closed whenever the state is not transient
	generation uint64             // Bumped by Reset and Close to orphan in-flight steps
	closed     bool
}

// New creates an idle conversation
func New(b Backend, opts Options) *Conversation {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollDeadline <= 0 {
		opts.PollDeadline = 5 * time.Minute
	}

	id := observability.NewConversationID()
	logger := observability.WithConversation(id, observability.NewCorrelationID())
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("conversation_id", id).Logger()
	}

	metrics := observability.NewConversationMetrics()
	metrics.RecordConversationStart()

	settled := make(chan struct{})
	close(settled)

	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{
		id:      id,
		backend: b,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
		settled: settled,
	}
}

// ID returns the conversation ID
func (c *Conversation) ID() string {
	return c.id
}

// State returns the current state
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the conversation for display
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Conversation) snapshotLocked() Snapshot {
	snap := Snapshot{
		ConversationID: c.id,
		State:          c.state,
		Turns:          make([]Turn, len(c.turns)),
	}
	copy(snap.Turns, c.turns)
	if c.session != nil {
		snap.Stage = c.session.Stage
	}
	if c.pending != nil {
		snap.AwaitingInput, _ = c.pending.NextInput()
	}
	return snap
}

// Pending returns a copy of the slot-filling state, if any
func (c *Conversation) Pending() *PendingToolRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	cp := *c.pending
	cp.RequiredInputs = append([]string(nil), c.pending.RequiredInputs...)
	cp.CollectedInputs = make(map[string]string, len(c.pending.CollectedInputs))
	for k, v := range c.pending.CollectedInputs {
		cp.CollectedInputs[k] = v
	}
	return &cp
}

// Submit handles one user utterance. Blank input returns ErrEmptyInput and
// a submission during an in-flight step returns ErrBusy; neither records a
// turn.
func (c *Conversation) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if state := c.state; state.Transient() {
		c.mu.Unlock()
		c.logger.Debug().Str("state", state.String()).Msg("Dropping submit while busy")
		return ErrBusy
	}

	c.appendTurn(Turn{Role: RoleUser, Text: text})
	c.appendTurn(Turn{Role: RoleAssistant, Text: msgProcessing, IsLoading: true})
	gen := c.generation

	var step func()
	switch {
	case c.state == StateAwaitingSlot && c.pending != nil:
		pending := c.pending
		if !pending.Record(text) {
			next, _ := pending.NextInput()
			c.finalize(Turn{Role: RoleAssistant, Text: slotPrompt(next)})
			c.logger.Debug().
				Str("tool", pending.ToolName).
				Str("input", next).
				Int("cursor", pending.Cursor).
				Msg("Awaiting next tool input")
			c.mu.Unlock()
			c.notify()
			return nil
		}
		c.pending = nil
		c.setState(StateDispatching)
		step = func() { c.dispatch(gen, pending) }

	case c.opts.Mode == ModePipeline && c.opts.FollowUps && !c.thread.IsZero():
		c.discardExchange()
		thread := c.thread
		c.setState(StateDispatching)
		step = func() { c.continuePipeline(gen, text, thread) }

	default:
		c.discardExchange()
		c.setState(StateAwaitingIntent)
		step = func() { c.resolve(gen, text) }
	}

	c.wg.Add(1)
	c.mu.Unlock()
	c.notify()

	go func() {
		defer c.wg.Done()
		step()
	}()
	return nil
}

// Wait blocks until no backend step is in flight or ctx is done
func (c *Conversation) Wait(ctx context.Context) error {
	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset discards the history and all cross-turn state. An in-flight step
// finishes in the background and its result is dropped.
func (c *Conversation) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.generation++
	session := c.session
	c.session = nil
	c.pending = nil
	c.thread = backend.StateToken{}
	c.turns = nil
	c.setState(StateIdle)
	c.mu.Unlock()

	session.stop()
	c.logger.Info().Msg("Conversation reset")
	c.notify()
}

// Close tears the conversation down, cancelling any poll and in-flight call.
// It waits for background goroutines to exit and is safe to call twice.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	session := c.session
	c.session = nil
	c.pending = nil
	if c.state.Transient() {
		c.setState(StateIdle)
	}
	c.mu.Unlock()

	c.cancel()
	session.stop()
	c.wg.Wait()

	open := c.metrics.RecordConversationEnd()
	c.logger.Info().Dur("duration", open).Msg("Conversation closed")
	return nil
}

// resolve runs intent resolution for a fresh query
func (c *Conversation) resolve(gen uint64, query string) {
	intent, err := c.backend.ResolveIntent(c.ctx, query)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.fail(err, "intent")
		c.mu.Unlock()
		c.notify()
		return
	}

	pending := NewPendingToolRequest(query, intent)
	c.logger.Info().
		Str("tool", pending.ToolName).
		Strs("required_inputs", pending.RequiredInputs).
		Msg("Intent resolved")

	if next, ok := pending.NextInput(); ok {
		c.pending = pending
		c.finalize(Turn{Role: RoleAssistant, Text: slotPrompt(next)})
		c.setState(StateAwaitingSlot)
		c.mu.Unlock()
		c.notify()
		return
	}

	c.setState(StateDispatching)
	c.mu.Unlock()
	c.notify()

	c.dispatch(gen, pending)
}

// dispatch runs a fully populated request in the configured mode
func (c *Conversation) dispatch(gen uint64, req *PendingToolRequest) {
	if c.opts.Mode == ModePipeline {
		c.metrics.RecordPipelineStart()
		resp, err := c.backend.StartPipeline(c.ctx, req.PipelineQuery())
		c.pipelineStarted(gen, resp, err, "pipeline")
		return
	}

	answer, err := c.backend.InvokeTool(c.ctx, req.ToolCall())

	c.mu.Lock()
	defer c.notify()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}
	if err != nil {
		c.fail(err, "tool")
		return
	}

	c.finalize(Turn{Role: RoleAssistant, Result: normalize.Normalize(answer.Answer)})
	c.setState(StateDone)
	c.logger.Info().Str("tool", req.ToolName).Msg("Tool answer received")
}

// continuePipeline resumes the follow-up thread with a new query
func (c *Conversation) continuePipeline(gen uint64, query string, thread backend.StateToken) {
	c.metrics.RecordPipelineStart()
	resp, err := c.backend.ContinuePipeline(c.ctx, query, thread)
	c.pipelineStarted(gen, resp, err, "pipeline")
}

// pipelineStarted handles the response of start or continue
func (c *Conversation) pipelineStarted(gen uint64, resp *backend.PipelineResponse, err error, component string) {
	c.mu.Lock()
	defer c.notify()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}
	if err != nil {
		c.fail(err, component)
		return
	}

	session := newPipelineSession(resp)
	c.keepThread(resp)

	if resp.IsCompleted() {
		c.finalize(Turn{Role: RoleAssistant, Result: normalize.Normalize(resp.Results)})
		c.setState(StateDone)
		c.metrics.RecordPoll("completed")
		c.logger.Info().Msg("Pipeline completed without polling")
		return
	}

	c.session = session
	c.updatePlaceholder(stageText(session.Stage))
	c.setState(StatePolling)

	sched := pollSchedule{
		interval: c.opts.PollInterval,
		maxPolls: c.opts.MaxPolls,
		deadline: c.opts.PollDeadline,
	}
	session.poll = startPolling(c.ctx, sched,
		func(ctx context.Context) bool { return c.pollOnce(ctx, gen, session) },
		func(err error) { c.pollExpired(gen, session, err) },
	)

	c.logger.Info().Str("stage", session.Stage).Msg("Pipeline started, polling status")
}

// pollOnce is one tick of the recurring status poll
func (c *Conversation) pollOnce(ctx context.Context, gen uint64, session *PipelineSession) bool {
	resp, err := c.backend.PollStatus(ctx)

	c.mu.Lock()
	if gen != c.generation || c.session != session || c.state != StatePolling {
		c.mu.Unlock()
		return true
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.endPolling(session, msgPollTimedOut, err, "timeout")
		} else {
			c.endPolling(session, msgPollFailed, err, "error")
		}
		c.mu.Unlock()
		c.notify()
		return true
	}

	session.apply(resp)
	c.keepThread(resp)

	if resp.IsCompleted() {
		session.cancel()
		c.session = nil
		c.finalize(Turn{Role: RoleAssistant, Result: normalize.Normalize(resp.Results)})
		c.setState(StateDone)
		c.metrics.RecordPoll("completed")
		c.logger.Info().Msg("Pipeline completed")
		c.mu.Unlock()
		c.notify()
		return true
	}

	c.updatePlaceholder(stageText(session.Stage))
	c.metrics.RecordPoll("progress")
	c.logger.Debug().Str("stage", session.Stage).Msg("Pipeline in progress")
	c.mu.Unlock()
	c.notify()
	return false
}

// pollExpired finalizes a pipeline that ran out of poll budget
func (c *Conversation) pollExpired(gen uint64, session *PipelineSession, err error) {
	c.mu.Lock()
	if gen != c.generation || c.session != session || c.state != StatePolling {
		c.mu.Unlock()
		return
	}
	c.endPolling(session, msgPollTimedOut, err, "timeout")
	c.mu.Unlock()
	c.notify()
}

// endPolling moves a polling conversation to ERRORED. Caller holds mu.
func (c *Conversation) endPolling(session *PipelineSession, text string, err error, outcome string) {
	session.cancel()
	c.session = nil
	c.finalize(Turn{Role: RoleAssistant, Text: text, IsError: true, Detail: errorDetail(err)})
	c.setState(StateErrored)
	c.metrics.RecordPoll(outcome)
	c.metrics.RecordError(outcome, "pipeline")
	c.logger.Error().Err(err).Str("outcome", outcome).Msg("Pipeline polling ended")
}

// keepThread remembers the latest token for follow-up mode. Caller holds mu.
func (c *Conversation) keepThread(resp *backend.PipelineResponse) {
	if c.opts.FollowUps && !resp.State.IsZero() {
		c.thread = resp.State
	}
}

// fail finalizes the placeholder with an error. Caller holds mu.
func (c *Conversation) fail(err error, component string) {
	c.pending = nil
	c.session.cancel()
	c.session = nil
	c.finalize(Turn{Role: RoleAssistant, Text: msgFailed, IsError: true, Detail: errorDetail(err)})
	c.setState(StateErrored)

	errType := "transport"
	var upstream *backend.UpstreamError
	if errors.As(err, &upstream) {
		errType = "upstream"
	}
	c.metrics.RecordError(errType, component)
	c.logger.Error().Err(err).Str("component", component).Msg("Backend step failed")
}

// discardExchange drops per-exchange state before a fresh one. Caller holds mu.
func (c *Conversation) discardExchange() {
	c.pending = nil
	c.session.cancel()
	c.session = nil
}

func (c *Conversation) appendTurn(t Turn) {
	c.turns = append(c.turns, t)
	c.metrics.RecordTurn(string(t.Role))
}

// finalize replaces the trailing assistant placeholder. Caller holds mu.
func (c *Conversation) finalize(t Turn) {
	t.IsLoading = false
	if n := len(c.turns); n > 0 && c.turns[n-1].Role == RoleAssistant {
		c.turns[n-1] = t
		return
	}
	c.appendTurn(t)
}

// updatePlaceholder rewrites the in-progress text of the loading turn
func (c *Conversation) updatePlaceholder(text string) {
	if n := len(c.turns); n > 0 && c.turns[n-1].Role == RoleAssistant && c.turns[n-1].IsLoading {
		c.turns[n-1].Text = text
	}
}

// setState moves to s and maintains the settled channel. Caller holds mu.
func (c *Conversation) setState(s State) {
	prev := c.state
	c.state = s

	switch {
	case s.Transient() && !prev.Transient():
		c.settled = make(chan struct{})
	case !s.Transient() && prev.Transient():
		close(c.settled)
	}

	if prev != s {
		c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("State transition")
	}
}

// notify publishes the latest snapshot. Snapshots are taken under notifyMu
// so listeners never observe an older state after a newer one.
func (c *Conversation) notify() {
	if c.opts.OnChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.opts.OnChange(c.Snapshot())
}

func errorDetail(err error) string {
	var upstream *backend.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Detail
	}
	if errors.Is(err, backend.ErrNoCandidate) {
		return "No tool matched the query."
	}
	if backend.IsCircuitOpen(err) {
		return "The backend is temporarily unavailable."
	}
	return ""
}
