package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/parlance/internal/audio"
	"github.com/ent0n29/parlance/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	ModelID      string
	OutputFormat string
	Stability    float64
	Similarity   float64
	Speed        float64
}

// ElevenLabsSynthesizer speaks a whole reply through the stream-input websocket and
// collects the audio chunks into one clip.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	cfg.Stability = clampSetting(cfg.Stability, 0.42, 0, 1)
	cfg.Similarity = clampSetting(cfg.Similarity, 0.85, 0, 1)
	cfg.Speed = clampSetting(cfg.Speed, 1.0, 0.7, 1.2)
	return &ElevenLabsSynthesizer{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (s *ElevenLabsSynthesizer) Name() string { return "elevenlabs" }

func clampSetting(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *ElevenLabsSynthesizer) streamURL(voiceID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(s.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, req SpeechRequest) (Speech, error) {
	const op = "voice.elevenlabs.synthesize"
	if strings.TrimSpace(req.VoiceID) == "" {
		return Speech{}, reliability.New(reliability.KindInvalidInput, op, errors.New("voice id is required"))
	}
	target, err := s.streamURL(req.VoiceID)
	if err != nil {
		return Speech{}, reliability.New(reliability.KindInvalidInput, op, err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", s.cfg.APIKey)
	conn, res, err := s.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if res != nil {
			return Speech{}, reliability.FromHTTPStatus(op, res.StatusCode, fmt.Errorf("dial tts websocket: %w", err))
		}
		return Speech{}, reliability.Wrap(op, fmt.Errorf("dial tts websocket: %w", err))
	}
	stream := &ttsStream{conn: conn}
	defer stream.close()

	// The read loop blocks in ReadMessage; closing the conn on ctx cancellation unblocks it.
	stop := context.AfterFunc(ctx, stream.close)
	defer stop()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
				"speed":            s.cfg.Speed,
			},
		},
		{"text": req.Text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := stream.writeJSON(m); err != nil {
			return Speech{}, reliability.Wrap(op, fmt.Errorf("send tts text: %w", err))
		}
	}

	data, err := stream.collect()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Speech{}, reliability.Wrap(op, ctxErr)
	}
	if err != nil {
		return Speech{}, reliability.Wrap(op, err)
	}
	if len(data) == 0 {
		return Speech{}, reliability.New(reliability.KindUpstreamUnavailable, op, errors.New("tts stream produced no audio"))
	}

	if rate := audio.PCMSampleRateFromFormat(s.cfg.OutputFormat); rate > 0 {
		wav, err := audio.EncodeWAVPCM16LE(data, rate)
		if err != nil {
			return Speech{}, reliability.Wrap(op, err)
		}
		return Speech{Audio: wav, Format: "wav"}, nil
	}
	return Speech{Audio: data, Format: s.cfg.OutputFormat}, nil
}

type ttsStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *ttsStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *ttsStream) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

type ttsMessage struct {
	Audio       string `json:"audio"`
	IsFinal     bool   `json:"isFinal"`
	IsFinalAlt  bool   `json:"is_final"`
	Error       string `json:"error"`
	MessageType string `json:"message_type"`
}

// collect reads audio chunks until the final marker. A server close after at least one
// chunk counts as the end of the clip.
func (s *ttsStream) collect() ([]byte, error) {
	var out bytes.Buffer
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if out.Len() > 0 && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return out.Bytes(), nil
			}
			return nil, fmt.Errorf("read tts stream: %w", err)
		}
		var msg ttsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return nil, reliability.New(reliability.KindForRealtimeMessageType(msg.MessageType), "voice.elevenlabs.synthesize",
				fmt.Errorf("tts error: %s %s", msg.MessageType, msg.Error))
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("decode audio chunk: %w", err)
			}
			out.Write(chunk)
		}
		if msg.IsFinal || msg.IsFinalAlt {
			return out.Bytes(), nil
		}
	}
}
