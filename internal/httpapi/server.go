package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parlance/internal/archive"
	"github.com/ent0n29/parlance/internal/config"
	"github.com/ent0n29/parlance/internal/conversation"
	"github.com/ent0n29/parlance/internal/observability"
	"github.com/ent0n29/parlance/internal/protocol"
	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
)

// Deps are the collaborators a Server routes requests to. Voice may be nil, in which
// case the voice endpoints answer 503. A nil Archive serves an empty archive.
type Deps struct {
	Store   session.Store
	Chat    *conversation.ChatOrchestrator
	Voice   *conversation.VoiceOrchestrator
	Archive *archive.Recorder
	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

type Server struct {
	cfg      config.Config
	identity session.Identity
	store    session.Store
	chat     *conversation.ChatOrchestrator
	voice    *conversation.VoiceOrchestrator
	archive  *archive.Recorder
	metrics  *observability.Metrics
	log      logrus.FieldLogger
	limiter  *turnLimiter
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:      cfg,
		identity: session.NewIdentity(cfg.SessionCookieName, cfg.SessionCookieTTL, cfg.SessionCookieSecure),
		store:    deps.Store,
		chat:     deps.Chat,
		voice:    deps.Voice,
		archive:  deps.Archive,
		metrics:  deps.Metrics,
		log:      log.WithField("component", "http"),
		limiter:  newTurnLimiter(cfg.SessionTurnRate, cfg.SessionTurnBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session over the websocket.
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Group(func(r chi.Router) {
		r.Use(s.withSession)
		r.Post("/v1/chat", s.handleChat)
		r.Get("/v1/chat/ws", s.handleChatWS)
		r.Post("/v1/voice", s.handleVoiceTurn)
		r.Get("/v1/voice/voices", s.handleListVoices)
		r.Get("/v1/history", s.handleHistory)
		r.Get("/v1/history/archive", s.handleArchive)
	})

	return r
}

type (
	sessionKey struct{}
	issuedKey  struct{}
)

// withSession resolves the session cookie, issuing a fresh token when the request has
// none, and stores the token in the request context.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, cookie := s.identity.FromRequest(r)
		if cookie != nil {
			http.SetCookie(w, cookie)
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, token)
		ctx = context.WithValue(ctx, issuedKey{}, cookie != nil)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionToken(r *http.Request) string {
	token, _ := r.Context().Value(sessionKey{}).(string)
	return token
}

// limitKey is the rate-limit bucket of a request. A request that arrived without a
// valid cookie gets a fresh token every time, so it is limited by client address.
func limitKey(r *http.Request) string {
	if issued, _ := r.Context().Value(issuedKey{}).(bool); !issued {
		return sessionToken(r)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request")
	})
}

// allowTurn applies the turn limit of the request's bucket and answers 429 when it is
// exceeded.
func (s *Server) allowTurn(w http.ResponseWriter, r *http.Request) bool {
	ok, retryAfter := s.limiter.Allow(limitKey(r))
	if ok {
		return true
	}
	s.metrics.ObserveTurnError(codeRateLimited)
	setRetryAfter(w, retryAfter)
	respondJSON(w, http.StatusTooManyRequests, rateLimitedResponse())
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"session_store": s.cfg.SessionStore,
		"voice_enabled": s.voice != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("readiness check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":        "unavailable",
			"session_store": s.cfg.SessionStore,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"session_store": s.cfg.SessionStore,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns, err := s.chat.History(r.Context(), sessionToken(r))
	if err != nil {
		s.respondTurnError(w, r, err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, protocol.HistoryResponse{Turns: turns, MaxTurns: s.cfg.SessionMaxTurns})
}

const (
	defaultArchiveLimit = 50
	maxArchiveLimit     = 200
)

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	limit := defaultArchiveLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondInvalid(w)
			return
		}
		limit = min(n, maxArchiveLimit)
	}
	records, err := s.archive.Recent(r.Context(), sessionToken(r), limit)
	if err != nil {
		s.log.WithError(err).Warn("archive read failed")
		respondJSON(w, http.StatusServiceUnavailable, protocol.ErrorFor(reliability.KindUpstreamUnavailable))
		return
	}
	if records == nil {
		records = []archive.Record{}
	}
	respondJSON(w, http.StatusOK, protocol.ArchiveResponse{Records: records, Limit: limit})
}

// respondTurnError maps err onto its kind's status and fixed message. The raw error is
// only logged. Nothing is written when the client is already gone.
func (s *Server) respondTurnError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, conversation.ErrClientGone) {
		return
	}
	kind := reliability.KindOf(err)
	if kind == reliability.KindUpstreamThrottled {
		setRetryAfter(w, time.Second)
	}
	s.log.WithError(err).WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"kind":       kind,
	}).Debug("request failed")
	respondJSON(w, reliability.HTTPStatus(kind), protocol.ErrorFor(kind))
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondInvalid(w http.ResponseWriter) {
	respondJSON(w, http.StatusBadRequest, protocol.ErrorFor(reliability.KindInvalidInput))
}
