package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ent0n29/parlance/internal/archive"
	"github.com/ent0n29/parlance/internal/brain"
	"github.com/ent0n29/parlance/internal/config"
	"github.com/ent0n29/parlance/internal/conversation"
	"github.com/ent0n29/parlance/internal/observability"
	"github.com/ent0n29/parlance/internal/protocol"
	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
	"github.com/ent0n29/parlance/internal/voice"
)

type failingAdapter struct{ err error }

func (a failingAdapter) StreamResponse(context.Context, brain.Request, brain.DeltaHandler) (brain.Response, error) {
	return brain.Response{}, a.err
}

type testEnv struct {
	ts     *httptest.Server
	client *http.Client
	store  *session.MemoryStore
}

func newTestEnv(t *testing.T, adapter brain.Adapter, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{
		SessionCookieName: "parlance_session",
		SessionCookieTTL:  24 * time.Hour,
		SessionMaxTurns:   20,
		SessionStore:      "memory",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store := session.NewMemoryStore(cfg.SessionMaxTurns)
	logger, _ := test.NewNullLogger()
	metrics := observability.NewMetrics("parlance_test", prometheus.NewRegistry(), nil)
	recorder := archive.NewRecorder(archive.NewInMemoryStore(0), logger)
	chat := conversation.NewChatOrchestrator(store, nil, adapter, conversation.ChatOptions{
		UpstreamTimeout: 2 * time.Second,
		Recorder:        recorder,
		Metrics:         metrics,
		Logger:          logger,
	})
	voices, err := voice.ParseVoiceTable("en=alloy,es=nova,*=alloy")
	if err != nil {
		t.Fatalf("ParseVoiceTable() error = %v", err)
	}
	mock := voice.NewMockProvider()
	vo := conversation.NewVoiceOrchestrator(chat, mock, mock, conversation.VoiceOptions{
		DefaultLanguage: "en-US",
		Voices:          voices,
		UpstreamTimeout: 2 * time.Second,
		Metrics:         metrics,
		Logger:          logger,
	})
	srv := New(cfg, Deps{Store: store, Chat: chat, Voice: vo, Archive: recorder, Metrics: metrics, Logger: logger})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return &testEnv{ts: ts, client: &http.Client{Jar: jar}, store: store}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, header http.Header) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) history(t *testing.T) protocol.HistoryResponse {
	t.Helper()
	res, err := e.client.Get(e.ts.URL + "/v1/history")
	if err != nil {
		t.Fatalf("GET /v1/history error = %v", err)
	}
	defer res.Body.Close()
	var out protocol.HistoryResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return out
}

func decodeError(t *testing.T, res *http.Response) protocol.ErrorResponse {
	t.Helper()
	var out protocol.ErrorResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out
}

func TestChatIssuesSessionCookieAndReusesTranscript(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)

	first := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "hello"}, nil)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", first.StatusCode)
	}
	var issued *http.Cookie
	for _, c := range first.Cookies() {
		if c.Name == "parlance_session" {
			issued = c
		}
	}
	if issued == nil || !issued.HttpOnly || !session.ValidToken(issued.Value) {
		t.Fatalf("session cookie = %+v", issued)
	}

	second := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "again"}, nil)
	if len(second.Cookies()) != 0 {
		t.Fatalf("second response re-issued a cookie: %v", second.Cookies())
	}
	var reply protocol.ChatResponse
	if err := json.NewDecoder(second.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !strings.Contains(reply.Reply, "message 2 of our conversation") {
		t.Fatalf("reply = %q, want the shared transcript", reply.Reply)
	}
	if h := env.history(t); len(h.Turns) != 4 || h.MaxTurns != 20 {
		t.Fatalf("history = %+v", h)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)
	res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "   "}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	if body := decodeError(t, res); body.Code != "invalid_input" || body.Retryable {
		t.Fatalf("body = %+v", body)
	}
	if h := env.history(t); len(h.Turns) != 0 {
		t.Fatalf("history = %+v, want empty", h.Turns)
	}
}

func TestChatUpstreamErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		status   int
		wantCode string
	}{
		{http.StatusUnauthorized, "upstream_auth"},
		{http.StatusTooManyRequests, "upstream_throttled"},
		{http.StatusBadGateway, "upstream_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.wantCode, func(t *testing.T) {
			adapter := failingAdapter{err: reliability.FromHTTPStatus("test", tc.status, errors.New("raw provider secret detail"))}
			env := newTestEnv(t, adapter, nil)

			res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "hello"}, nil)
			raw, _ := io.ReadAll(res.Body)
			if strings.Contains(string(raw), "raw provider") {
				t.Fatalf("raw upstream error leaked: %s", raw)
			}
			var body protocol.ErrorResponse
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tc.wantCode || res.StatusCode != reliability.HTTPStatus(reliability.Kind(tc.wantCode)) {
				t.Fatalf("status=%d body=%+v", res.StatusCode, body)
			}
			h := env.history(t)
			if len(h.Turns) != 1 || h.Turns[0].Role != session.RoleUser {
				t.Fatalf("history = %+v, want the user turn only", h.Turns)
			}
		})
	}
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var events []sseEvent
	for _, block := range strings.Split(string(raw), "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = v
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStreamsServerSentEvents(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)
	res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "hello there"}, http.Header{"Accept": {"text/event-stream"}})
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseSSE(t, res.Body)
	if len(events) < 2 {
		t.Fatalf("events = %+v", events)
	}
	var streamed strings.Builder
	for i, ev := range events[:len(events)-1] {
		var d protocol.Delta
		if ev.name != "delta" || json.Unmarshal([]byte(ev.data), &d) != nil || d.Seq != i+1 {
			t.Fatalf("event %d = %+v", i, ev)
		}
		streamed.WriteString(d.Text)
	}
	last := events[len(events)-1]
	var done protocol.Done
	if last.name != "done" || json.Unmarshal([]byte(last.data), &done) != nil {
		t.Fatalf("last event = %+v", last)
	}
	if done.Reply != streamed.String() || done.Fragments != len(events)-1 {
		t.Fatalf("done = %+v, streamed %q", done, streamed.String())
	}

	h := env.history(t)
	if len(h.Turns) != 2 || h.Turns[1].Text != streamed.String() {
		t.Fatalf("history = %+v", h.Turns)
	}
}

func TestChatStreamErrorEventCommitsNothing(t *testing.T) {
	adapter := failingAdapter{err: reliability.FromHTTPStatus("test", http.StatusServiceUnavailable, errors.New("down"))}
	env := newTestEnv(t, adapter, nil)

	res := env.postJSON(t, "/v1/chat?stream=1", protocol.ChatRequest{Message: "hello"}, nil)
	events := parseSSE(t, res.Body)
	if len(events) != 1 || events[0].name != "error" {
		t.Fatalf("events = %+v", events)
	}
	var body protocol.StreamError
	if err := json.Unmarshal([]byte(events[0].data), &body); err != nil || body.Code != "upstream_unavailable" {
		t.Fatalf("error event = %s", events[0].data)
	}
	if h := env.history(t); len(h.Turns) != 1 {
		t.Fatalf("history = %+v, want the user turn only", h.Turns)
	}
}

func TestChatWebSocketStreamsTurns(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/ws"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	var token string
	for _, c := range res.Cookies() {
		if c.Name == "parlance_session" {
			token = c.Value
		}
	}
	if !session.ValidToken(token) {
		t.Fatalf("handshake did not issue a session cookie")
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var invalid map[string]any
	if err := conn.ReadJSON(&invalid); err != nil {
		t.Fatalf("read: %v", err)
	}
	if invalid["type"] != "error" || invalid["code"] != "invalid_input" {
		t.Fatalf("invalid frame reply = %v", invalid)
	}

	if err := conn.WriteJSON(protocol.UserMessage{Type: protocol.TypeUserMessage, Message: "hello there"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var deltas strings.Builder
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg["type"] {
		case "delta":
			deltas.WriteString(msg["text"].(string))
			continue
		case "done":
			if msg["reply"] != deltas.String() || msg["reply"] != "I heard you: hello there" {
				t.Fatalf("done = %v, deltas = %q", msg, deltas.String())
			}
		default:
			t.Fatalf("unexpected frame %v", msg)
		}
		break
	}

	turns, err := env.store.GetOrCreate(context.Background(), token)
	if err != nil || len(turns) != 2 {
		t.Fatalf("transcript = %+v, err = %v", turns, err)
	}
}

func TestVoiceMultipartTurn(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "clip.webm")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write([]byte("not-really-webm-but-not-silent"))
	_ = mw.WriteField("language", "es-mx")
	_ = mw.Close()

	res, err := env.client.Post(env.ts.URL+"/v1/voice", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /v1/voice error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var out protocol.VoiceResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Transcript != "simulated voice input" || out.ReplyText == "" {
		t.Fatalf("response = %+v", out)
	}
	if out.Language != "es-MX" || out.VoiceID != "nova" || out.AudioMIME != "audio/wav" || len(out.Warnings) != 0 {
		t.Fatalf("response = %+v", out)
	}
	wav, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil || !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Fatalf("audio is not a wav clip (err=%v)", err)
	}
	if h := env.history(t); len(h.Turns) != 2 || h.Turns[0].Text != "simulated voice input" {
		t.Fatalf("history = %+v", h.Turns)
	}
}

func TestVoiceSilentAudioIsNoSpeech(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)
	silence := base64.StdEncoding.EncodeToString(make([]byte, 640))

	res := env.postJSON(t, "/v1/voice", protocol.VoiceRequest{AudioBase64: silence, Encoding: "pcm16", SampleRate: 16000}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", res.StatusCode)
	}
	if body := decodeError(t, res); body.Code != "no_speech_detected" || !body.Retryable {
		t.Fatalf("body = %+v", body)
	}
	if h := env.history(t); len(h.Turns) != 0 {
		t.Fatalf("history = %+v, want untouched", h.Turns)
	}
}

func TestVoiceRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)
	for name, req := range map[string]protocol.VoiceRequest{
		"bad base64": {AudioBase64: "%%%"},
		"empty":      {AudioBase64: ""},
		"encoding":   {AudioBase64: "AQID", Encoding: "flac"},
	} {
		res := env.postJSON(t, "/v1/voice", req, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, res.StatusCode)
		}
	}
}

func TestTurnRateLimitIsPerSession(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), func(cfg *config.Config) {
		cfg.SessionTurnRate = 0.01
		cfg.SessionTurnBurst = 1
	})

	// The first request carries no cookie and is charged to the client address; the
	// issued cookie then has a bucket of its own.
	for _, msg := range []string{"one", "two"} {
		if res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: msg}, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", msg, res.StatusCode)
		}
	}
	res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "three"}, nil)
	if res.StatusCode != http.StatusTooManyRequests || res.Header.Get("Retry-After") == "" {
		t.Fatalf("third status = %d retry-after = %q", res.StatusCode, res.Header.Get("Retry-After"))
	}
	if body := decodeError(t, res); body.Code != "rate_limited" {
		t.Fatalf("body = %+v", body)
	}
}

func TestTurnRateLimitHoldsWithoutCookie(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), func(cfg *config.Config) {
		cfg.SessionTurnRate = 0.01
		cfg.SessionTurnBurst = 2
	})

	// Dropping the cookie yields a new token per request but the same address bucket.
	post := func(msg string) *http.Response {
		raw, _ := json.Marshal(protocol.ChatRequest{Message: msg})
		res, err := http.Post(env.ts.URL+"/v1/chat", "application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		t.Cleanup(func() { res.Body.Close() })
		return res
	}
	for _, msg := range []string{"a", "b"} {
		if res := post(msg); res.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", msg, res.StatusCode)
		}
	}
	res := post("c")
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("cookie-less status = %d, want 429", res.StatusCode)
	}
	if body := decodeError(t, res); body.Code != "rate_limited" {
		t.Fatalf("body = %+v", body)
	}

	// A client that keeps its cookie is limited by its session, not the address.
	if res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "first contact"}, nil); res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("first contact status = %d, want the exhausted address bucket", res.StatusCode)
	}
	if res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "with cookie"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("cookie status = %d, want 200", res.StatusCode)
	}
}

func TestHistoryArchiveListsRedactedExchanges(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)

	for _, msg := range []string{"mail me at jane@example.com", "second"} {
		if res := env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: msg}, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("chat status = %d", res.StatusCode)
		}
	}

	getArchive := func(query string) *http.Response {
		res, err := env.client.Get(env.ts.URL + "/v1/history/archive" + query)
		if err != nil {
			t.Fatalf("GET archive error = %v", err)
		}
		t.Cleanup(func() { res.Body.Close() })
		return res
	}

	res := getArchive("")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var out protocol.ArchiveResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if len(out.Records) != 4 || out.Limit != 50 {
		t.Fatalf("archive = %d records limit %d, want 4 and 50", len(out.Records), out.Limit)
	}
	first := out.Records[0]
	if first.Role != "user" || !first.PIIRedacted || strings.Contains(first.Content, "jane@example.com") {
		t.Fatalf("first record = %+v, want a redacted user turn", first)
	}

	res = getArchive("?limit=2")
	out = protocol.ArchiveResponse{}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if len(out.Records) != 2 || out.Records[0].Content != "second" {
		t.Fatalf("limited archive = %+v, want the newest exchange", out.Records)
	}

	if res := getArchive("?limit=zero"); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", res.StatusCode)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)
	env.postJSON(t, "/v1/chat", protocol.ChatRequest{Message: "warm up"}, nil)

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency"} {
		res, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}

	res, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), `parlance_test_turns_total{mode="text",outcome="ok"} 1`) {
		t.Fatalf("metrics missing turn counter:\n%s", raw)
	}

	vres, err := env.client.Get(env.ts.URL + "/v1/voice/voices")
	if err != nil {
		t.Fatalf("GET voices error = %v", err)
	}
	defer vres.Body.Close()
	var voices protocol.VoicesResponse
	if err := json.NewDecoder(vres.Body).Decode(&voices); err != nil {
		t.Fatalf("decode voices: %v", err)
	}
	if voices.DefaultLanguage != "en-US" || len(voices.Voices) != 3 || voices.Voices[2].Language != "*" {
		t.Fatalf("voices = %+v", voices)
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	env := newTestEnv(t, brain.NewMockAdapter(), nil)
	_ = env.store.Close()

	res, err := http.Get(env.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
}

func TestTurnLimiterSweepsIdleSessions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTurnLimiter(1, 1)
	l.now = func() time.Time { return now }

	if ok, _ := l.Allow("a"); !ok {
		t.Fatalf("first turn denied")
	}
	if ok, wait := l.Allow("a"); ok || wait != time.Second {
		t.Fatalf("Allow() = %v, %v; want denied with 1s wait", ok, wait)
	}
	now = now.Add(limiterIdleTTL + limiterSweepPeriod + time.Second)
	if ok, _ := l.Allow("b"); !ok {
		t.Fatalf("other session denied")
	}
	if l.size() != 1 {
		t.Fatalf("size = %d, want the idle entry swept", l.size())
	}

	var disabled *turnLimiter
	if ok, _ := disabled.Allow("x"); !ok || newTurnLimiter(0, 5) != nil {
		t.Fatalf("a zero rate must disable limiting")
	}
}
