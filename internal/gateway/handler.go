package gateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/chat-gateway/internal/backend"
	"github.com/lexiqai/chat-gateway/internal/config"
	"github.com/lexiqai/chat-gateway/internal/conversation"
	"github.com/lexiqai/chat-gateway/internal/observability"
	"github.com/lexiqai/chat-gateway/internal/resilience"
)

// Handler serves the chat websocket. Each connection gets its own
// conversation and backend client; the circuit breaker is shared.
type Handler struct {
	cfg      *config.Config
	opts     conversation.Options
	breaker  *resilience.CircuitBreaker
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates the chat websocket handler
func NewHandler(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*Handler, error) {
	opts, err := conversation.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		cfg:     cfg,
		opts:    opts,
		breaker: breaker,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(cfg.AllowedOrigins()),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return h, nil
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin. "*" allows any.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		return set[strings.TrimRight(origin, "/")]
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := h.logger.With().Str("correlation_id", correlationID).Logger()

	client, err := backend.NewClient(h.cfg, h.breaker, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create backend client")
		return
	}
	defer client.Close()

	session := newChatSession(conn, logger)

	opts := h.opts
	opts.OnChange = session.publish
	opts.Logger = &logger
	conv := conversation.New(client, opts)
	session.conv = conv
	session.logger = logger.With().Str("conversation_id", conv.ID()).Logger()

	session.logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("mode", opts.Mode.String()).
		Msg("Chat session started")

	// Let the browser learn the conversation ID straight away
	session.publish(conv.Snapshot())

	if err := session.run(r.Context()); err != nil {
		session.logger.Warn().Err(err).Msg("Chat session ended with error")
	}

	conv.Close()
	session.logger.Info().Msg("Chat session ended")
}
