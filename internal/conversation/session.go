package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lexiqai/chat-gateway/internal/backend"
)

// errPollCeiling is reported when a pipeline exhausts its poll budget
var errPollCeiling = errors.New("pipeline poll ceiling reached")

// PipelineSession tracks one asynchronous pipeline. State is the backend's
// opaque token and is only ever passed back verbatim.
type PipelineSession struct {
	State   backend.StateToken
	Stage   string
	Results json.RawMessage

	poll *pollTask
}

func newPipelineSession(resp *backend.PipelineResponse) *PipelineSession {
	s := &PipelineSession{}
	s.apply(resp)
	return s
}

// apply records the stage and any newly issued token
func (s *PipelineSession) apply(resp *backend.PipelineResponse) {
	if !resp.State.IsZero() {
		s.State = resp.State
	}
	if resp.Stage != "" {
		s.Stage = resp.Stage
	}
	if resp.HasResults() {
		s.Results = resp.Results
	}
}

// cancel stops the recurring poll without waiting for it
func (s *PipelineSession) cancel() {
	if s != nil && s.poll != nil {
		s.poll.cancel()
	}
}

// stop cancels the recurring poll and waits for its goroutine to exit.
// It must not be called from the poll goroutine itself.
func (s *PipelineSession) stop() {
	if s != nil && s.poll != nil {
		s.poll.cancel()
		<-s.poll.done
	}
}

// pollSchedule bounds a recurring poll
type pollSchedule struct {
	interval time.Duration
	maxPolls int
	deadline time.Duration
}

// pollTask is a cancellable recurring task. Ticks run one at a time on a
// single goroutine, so no two polls for a session ever overlap.
type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// tickFunc performs one poll and reports whether polling should stop
type tickFunc func(ctx context.Context) bool

// expireFunc is called once when the poll budget runs out
type expireFunc func(err error)

func startPolling(parent context.Context, sched pollSchedule, tick tickFunc, expire expireFunc) *pollTask {
	ctx, cancel := context.WithTimeout(parent, sched.deadline)
	task := &pollTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(task.done)
		defer cancel()

		ticker := time.NewTicker(sched.interval)
		defer ticker.Stop()

		polls := 0
		for {
			select {
			case <-ctx.Done():
				// Deadline expiry is terminal; explicit cancellation is silent
				if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
					expire(ctx.Err())
				}
				return

			case <-ticker.C:
				polls++
				if tick(ctx) {
					return
				}
				if sched.maxPolls > 0 && polls >= sched.maxPolls {
					expire(errPollCeiling)
					return
				}
			}
		}
	}()

	return task
}
