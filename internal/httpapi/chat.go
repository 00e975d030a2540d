package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/parlance/internal/conversation"
	"github.com/ent0n29/parlance/internal/protocol"
	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
)

const (
	maxChatBodyBytes = 64 << 10
	wsWriteTimeout   = 10 * time.Second
	wsIdleTimeout    = 120 * time.Second
	wsPingPeriod     = 30 * time.Second
)

// handleChat answers with one JSON reply, or with an event stream when the client asks
// for text/event-stream or passes stream=1.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	var req protocol.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondInvalid(w)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondInvalid(w)
		return
	}
	token := sessionToken(r)
	if !s.allowTurn(w, r) {
		return
	}

	if wantsStream(r) {
		s.streamChat(w, r, token, req.Message)
		return
	}

	reply, err := s.chat.HandleTextTurn(r.Context(), token, req.Message)
	if err != nil {
		s.respondTurnError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.ChatResponse{Reply: reply.Text})
}

func wantsStream(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("stream"))) {
	case "1", "true", "yes":
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, token, message string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, protocol.ErrorFor(reliability.KindUpstreamUnavailable))
		return
	}
	ctx := r.Context()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	seq := 0
	relay := conversation.NewStreamRelay(func(fragment string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq++
		if err := protocol.WriteSSE(w, protocol.TypeDelta, protocol.NewDelta(seq, fragment)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	reply, err := s.chat.StreamTextTurn(ctx, token, message, relay)
	if err != nil {
		if errors.Is(err, conversation.ErrClientGone) {
			return
		}
		_ = protocol.WriteSSE(w, protocol.TypeError, protocol.NewStreamError(reliability.KindOf(err)))
		flusher.Flush()
		return
	}
	_ = protocol.WriteSSE(w, protocol.TypeDone, protocol.NewDone(reply.Text, reply.Fragments))
	flusher.Flush()
}

// handleChatWS runs streamed turns over one websocket. Turns on a connection are
// sequential; a closed or idle connection cancels the turn in flight.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	bucket := limitKey(r)
	var header http.Header
	if c := w.Header().Values("Set-Cookie"); len(c) > 0 {
		// Upgrade writes its own response headers; carry the issued cookie over.
		header = http.Header{"Set-Cookie": c}
		w.Header().Del("Set-Cookie")
	}
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := s.log.WithField("session", session.Redact(token))

	inbound := make(chan protocol.UserMessage, 8)
	invalid := make(chan struct{}, 8)
	go func() {
		defer cancel()
		s.readChatFrames(ctx, conn, inbound, invalid)
	}()
	go s.keepAlive(ctx, conn)

	// Returning closes conn, which unblocks the reader.
	for {
		select {
		case <-ctx.Done():
			return
		case <-invalid:
			if err := writeWS(conn, protocol.NewStreamError(reliability.KindInvalidInput)); err != nil {
				return
			}
		case msg := <-inbound:
			if ok, _ := s.limiter.Allow(bucket); !ok {
				s.metrics.ObserveTurnError(codeRateLimited)
				if err := writeWS(conn, protocol.StreamError{Type: protocol.TypeError, ErrorResponse: rateLimitedResponse()}); err != nil {
					return
				}
				continue
			}
			if err := s.streamWSTurn(ctx, conn, token, msg.Message); err != nil {
				log.WithError(err).Debug("websocket turn ended the connection")
				return
			}
		}
	}
}

func (s *Server) readChatFrames(ctx context.Context, conn *websocket.Conn, inbound chan<- protocol.UserMessage, invalid chan<- struct{}) {
	conn.SetReadLimit(maxChatBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case invalid <- struct{}{}:
			default:
			}
			continue
		}
		// Blocks while a turn is running; that is the per-connection backpressure.
		select {
		case inbound <- parsed.(protocol.UserMessage):
		case <-ctx.Done():
			return
		}
	}
}

// streamWSTurn returns an error only when the connection is no longer usable.
func (s *Server) streamWSTurn(ctx context.Context, conn *websocket.Conn, token, message string) error {
	seq := 0
	relay := conversation.NewStreamRelay(func(fragment string) error {
		seq++
		return writeWS(conn, protocol.NewDelta(seq, fragment))
	})
	reply, err := s.chat.StreamTextTurn(ctx, token, message, relay)
	if err != nil {
		if errors.Is(err, conversation.ErrClientGone) {
			return err
		}
		return writeWS(conn, protocol.NewStreamError(reliability.KindOf(err)))
	}
	return writeWS(conn, protocol.NewDone(reply.Text, reply.Fragments))
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

// keepAlive pings until ctx ends. WriteControl may run concurrently with WriteJSON.
func (s *Server) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				s.log.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}
