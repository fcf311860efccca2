//go:build !darwin && !linux

package media

import "fmt"

// Opus support needs the dynamically loaded libopus, available on the
// device targets (Linux) and development hosts (macOS). Other platforms
// build G.711 graphs only.

// IsOpusAvailable reports whether libopus could be loaded.
func IsOpusAvailable() bool { return false }

// OpusVersion returns "" on platforms without libopus support.
func OpusVersion() string { return "" }

// OpusEncoder implements AudioEncoder over libopus.
type OpusEncoder struct{}

// NewOpusEncoder fails: libopus is not loadable on this platform.
func NewOpusEncoder(OpusConfig) (*OpusEncoder, error) {
	return nil, fmt.Errorf("%w: no libopus on this platform", ErrCodecUnavailable)
}

func (e *OpusEncoder) Codec() CodecID                { return CodecOpus }
func (e *OpusEncoder) FrameBytes() int               { return 0 }
func (e *OpusEncoder) Encode([]byte) ([]byte, error) { return nil, ErrCodecUnavailable }
func (e *OpusEncoder) Close() error                  { return nil }

// OpusDecoder implements AudioDecoder over libopus.
type OpusDecoder struct{}

// NewOpusDecoder fails: libopus is not loadable on this platform.
func NewOpusDecoder(OpusConfig) (*OpusDecoder, error) {
	return nil, fmt.Errorf("%w: no libopus on this platform", ErrCodecUnavailable)
}

func (d *OpusDecoder) Codec() CodecID                { return CodecOpus }
func (d *OpusDecoder) Decode([]byte) ([]byte, error) { return nil, ErrCodecUnavailable }
func (d *OpusDecoder) Close() error                  { return nil }
