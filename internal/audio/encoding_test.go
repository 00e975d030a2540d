package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestParseEncoding(t *testing.T) {
	cases := []struct {
		in   string
		want Encoding
	}{
		{"", EncodingWebM},
		{"audio/webm;codecs=opus", EncodingWebM},
		{"audio/ogg", EncodingOgg},
		{"WAV", EncodingWAV},
		{"audio/mpeg", EncodingMP3},
		{"pcm16", EncodingPCM16},
	}
	for _, tc := range cases {
		got, err := ParseEncoding(tc.in)
		if err != nil {
			t.Fatalf("ParseEncoding(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseEncoding(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := ParseEncoding("video/h264"); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("ParseEncoding(video) error = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestClipContainerWrapsPCM(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	data, ext, err := Clip{Data: pcm, Encoding: EncodingPCM16, SampleRate: 24000}.Container()
	if err != nil {
		t.Fatalf("Container() error = %v", err)
	}
	if ext != "wav" {
		t.Fatalf("ext = %q, want wav", ext)
	}
	if len(data) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(data), 44+len(pcm))
	}
	if !bytes.Equal(data[:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", rate)
	}
	if !bytes.Equal(data[44:], pcm) {
		t.Fatalf("payload not preserved")
	}
}

func TestPCMSampleRateFromFormat(t *testing.T) {
	if got := PCMSampleRateFromFormat("pcm_22050"); got != 22050 {
		t.Fatalf("pcm_22050 = %d", got)
	}
	if got := PCMSampleRateFromFormat("mp3_44100_128"); got != 0 {
		t.Fatalf("mp3 = %d, want 0", got)
	}
	if got := MIMEType("mp3_44100_128"); got != "audio/mpeg" {
		t.Fatalf("MIMEType(mp3) = %q", got)
	}
}
