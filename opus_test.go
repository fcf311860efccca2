//go:build darwin || linux

package media

import "testing"

func requireOpus(t *testing.T) {
	t.Helper()
	if !IsOpusAvailable() {
		t.Skip("libopus not found")
	}
}

func TestOpusVersion(t *testing.T) {
	requireOpus(t)
	if v := OpusVersion(); v == "" {
		t.Fatal("empty version string from a loaded libopus")
	}
}

func TestOpusEncodeDecodeRoundTrip(t *testing.T) {
	requireOpus(t)
	cfg := DefaultOpusConfig()
	enc, err := NewOpusEncoder(cfg)
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}
	defer enc.Close()
	dec, err := NewOpusDecoder(cfg)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	defer dec.Close()

	// 40 ms at 8 kHz mono: 320 samples per frame.
	if got := enc.FrameBytes(); got != 640 {
		t.Fatalf("FrameBytes = %d, want 640", got)
	}
	frame, err := enc.Encode(pcmSine(320, cfg.SampleRate))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frame) == 0 || len(frame) > maxOpusFrameBytes {
		t.Fatalf("encoded frame = %d bytes", len(frame))
	}
	pcm, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 640 {
		t.Fatalf("decoded %d PCM bytes, want 640", len(pcm))
	}
}

func TestOpusEncoderRejectsPartialFrame(t *testing.T) {
	requireOpus(t)
	enc, err := NewOpusEncoder(DefaultOpusConfig())
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}
	defer enc.Close()
	if _, err := enc.Encode(make([]byte, 100)); err == nil {
		t.Fatal("Encode accepted a partial frame")
	}
}

func TestOpusConfigValidation(t *testing.T) {
	requireOpus(t)
	bad := DefaultOpusConfig()
	bad.Channels = 3
	if _, err := NewOpusEncoder(bad); err == nil {
		t.Fatal("NewOpusEncoder accepted 3 channels")
	}
	bad = DefaultOpusConfig()
	bad.FrameSizeMs = 15
	if _, err := NewOpusEncoder(bad); err == nil {
		t.Fatal("NewOpusEncoder accepted a 15 ms frame")
	}
}
