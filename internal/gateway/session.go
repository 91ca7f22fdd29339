package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/chat-gateway/internal/conversation"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 << 10
)

// Rejection reasons sent to the browser
const (
	ReasonEmptyInput     = "empty_input"
	ReasonBusy           = "busy"
	ReasonClosed         = "closed"
	ReasonInvalidMessage = "invalid_message"
)

// ChatSession binds one websocket to one conversation. Snapshots are
// coalesced: the writer always sends the newest one, so a slow browser skips
// intermediate progress but never misses the final turn.
type ChatSession struct {
	conn   *websocket.Conn
	conv   *conversation.Conversation
	logger zerolog.Logger

	mu     sync.Mutex
	latest *conversation.Snapshot
	wake   chan struct{}

	outbound chan RejectedMessage
}

func newChatSession(conn *websocket.Conn, logger zerolog.Logger) *ChatSession {
	return &ChatSession{
		conn:     conn,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		outbound: make(chan RejectedMessage, 16),
	}
}

// publish records snap as the newest snapshot and wakes the writer. It never
// blocks, so it is safe as a conversation OnChange hook.
func (s *ChatSession) publish(snap conversation.Snapshot) {
	s.mu.Lock()
	s.latest = &snap
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *ChatSession) takeLatest() *conversation.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.latest
	s.latest = nil
	return snap
}

func (s *ChatSession) reject(reason string) {
	select {
	case s.outbound <- newRejectedMessage(reason):
	default:
		s.logger.Warn().Str("reason", reason).Msg("Outbound queue full, dropping rejection")
	}
}

// run pumps messages until the socket closes or ctx is done
func (s *ChatSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.readLoop()
	})
	g.Go(func() error {
		// Unblocks the reader when the writer gives up
		defer s.conn.Close()
		return s.writeLoop(ctx)
	})

	return g.Wait()
}

// readLoop handles incoming browser messages
func (s *ChatSession) readLoop() error {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
				return err
			}
			return nil
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse client message")
			s.reject(ReasonInvalidMessage)
			continue
		}
		if err := msg.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("type", msg.Type).Msg("Invalid client message")
			s.reject(ReasonInvalidMessage)
			continue
		}

		s.handle(msg)
	}
}

func (s *ChatSession) handle(msg ClientMessage) {
	switch msg.Type {
	case TypeReset:
		s.conv.Reset()

	case TypeSubmit:
		err := s.conv.Submit(msg.Text)
		switch {
		case err == nil:
		case errors.Is(err, conversation.ErrEmptyInput):
			s.reject(ReasonEmptyInput)
		case errors.Is(err, conversation.ErrBusy):
			s.reject(ReasonBusy)
		case errors.Is(err, conversation.ErrClosed):
			s.reject(ReasonClosed)
		default:
			s.logger.Error().Err(err).Msg("Submit failed")
		}
	}
}

// writeLoop is the only writer on the connection
func (s *ChatSession) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			if snap := s.takeLatest(); snap != nil {
				if err := s.write(newSnapshotMessage(*snap)); err != nil {
					return err
				}
			}

		case msg := <-s.outbound:
			if err := s.write(msg); err != nil {
				return err
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}

		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func (s *ChatSession) write(v any) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket write failed")
		return err
	}
	return nil
}
