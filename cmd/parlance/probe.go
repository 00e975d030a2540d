package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/parlance/internal/protocol"
)

type probeOptions struct {
	baseURL     string
	turns       int
	texts       []string
	turnTimeout time.Duration
	voiceFile   string
	language    string
	verbose     bool
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

// turnTiming is one streamed turn as seen by the client.
type turnTiming struct {
	firstFragment time.Duration
	total         time.Duration
	fragments     int
}

func newProbeCmd() *cobra.Command {
	var (
		opts     probeOptions
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Replay chat turns against a running relay and report latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return fmt.Errorf("base-url is required")
			}
			if opts.turns <= 0 {
				return fmt.Errorf("turns must be > 0")
			}
			if opts.turnTimeout < time.Second {
				opts.turnTimeout = time.Second
			}
			opts.texts = splitUtterances(textsRaw)
			if len(opts.texts) == 0 {
				return fmt.Errorf("texts produced no non-empty utterances")
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	cmd.Flags().IntVar(&opts.turns, "turns", 8, "number of chat turns to replay")
	cmd.Flags().StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	cmd.Flags().DurationVar(&opts.turnTimeout, "turn-timeout", 30*time.Second, "timeout waiting for each reply")
	cmd.Flags().StringVar(&opts.voiceFile, "voice-file", "", "optional 16-bit PCM WAV file sent as one voice turn")
	cmd.Flags().StringVar(&opts.language, "language", "", "language hint for the voice turn")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", true, "print per-turn progress")
	return cmd
}

func splitUtterances(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func runProbe(ctx context.Context, out io.Writer, opts probeOptions) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	client := &http.Client{Jar: jar, Timeout: opts.turnTimeout + 15*time.Second}

	wsURL, err := wsURLFor(opts.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	dialer := websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	timings := make([]turnTiming, 0, opts.turns)
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		timing, err := probeTurn(conn, text, opts.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, timing)
		if opts.verbose {
			fmt.Fprintf(out, "probe: turn %d/%d first_fragment=%s total=%s fragments=%d\n",
				i+1, opts.turns, timing.firstFragment.Round(time.Millisecond), timing.total.Round(time.Millisecond), timing.fragments)
		}
	}
	fmt.Fprintln(out, summarize(timings))

	if opts.voiceFile != "" {
		if err := probeVoice(ctx, out, client, opts); err != nil {
			return fmt.Errorf("voice turn: %w", err)
		}
	}
	return nil
}

func probeTurn(conn *websocket.Conn, text string, timeout time.Duration) (turnTiming, error) {
	start := time.Now()
	if err := conn.WriteJSON(protocol.UserMessage{Type: protocol.TypeUserMessage, Message: text}); err != nil {
		return turnTiming{}, err
	}
	_ = conn.SetReadDeadline(start.Add(timeout))

	var timing turnTiming
	for {
		var ev struct {
			Type      protocol.MessageType `json:"type"`
			Code      string               `json:"code"`
			Fragments int                  `json:"fragments"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			return turnTiming{}, err
		}
		switch ev.Type {
		case protocol.TypeDelta:
			if timing.fragments == 0 {
				timing.firstFragment = time.Since(start)
			}
			timing.fragments++
		case protocol.TypeDone:
			timing.total = time.Since(start)
			return timing, nil
		case protocol.TypeError:
			return turnTiming{}, fmt.Errorf("relay error %s", ev.Code)
		}
	}
}

func summarize(timings []turnTiming) string {
	if len(timings) == 0 {
		return "probe: no turns"
	}
	first := make([]time.Duration, 0, len(timings))
	total := make([]time.Duration, 0, len(timings))
	for _, t := range timings {
		first = append(first, t.firstFragment)
		total = append(total, t.total)
	}
	return fmt.Sprintf("probe: turns=%d first_fragment p50=%s p95=%s total p50=%s p95=%s",
		len(timings),
		percentile(first, 0.50), percentile(first, 0.95),
		percentile(total, 0.50), percentile(total, 0.95))
}

// percentile uses nearest rank on a sorted copy.
func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Round(time.Millisecond)
}

func probeVoice(ctx context.Context, out io.Writer, client *http.Client, opts probeOptions) error {
	raw, err := os.ReadFile(opts.voiceFile)
	if err != nil {
		return err
	}
	pcm, sampleRate, err := decodeWAVPCM16(raw)
	if err != nil {
		return fmt.Errorf("decode %s: %w", opts.voiceFile, err)
	}
	payload, err := json.Marshal(protocol.VoiceRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		Encoding:    "pcm16",
		SampleRate:  sampleRate,
		Language:    opts.language,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/voice", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var vr protocol.VoiceResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return err
	}
	fmt.Fprintf(out, "probe: voice total=%s transcript=%q reply=%q audio_bytes=%d warnings=%v\n",
		time.Since(start).Round(time.Millisecond), vr.Transcript, vr.ReplyText,
		base64.StdEncoding.DecodedLen(len(vr.AudioBase64)), vr.Warnings)
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	return u.String(), nil
}

// decodeWAVPCM16 returns mono 16-bit PCM and the sample rate. Multi-channel input is
// downmixed by averaging.
func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
