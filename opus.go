//go:build darwin || linux

package media

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libopus is loaded at runtime so G.711-only builds carry no codec
// dependency. Load happens once, on first encoder or decoder creation.
var (
	opusOnce    sync.Once
	opusHandle  uintptr
	opusInitErr error
)

var (
	opusEncoderCreate  func(fs, channels, application int32, errOut uintptr) uintptr
	opusEncode         func(st uintptr, pcm uintptr, frameSize int32, data uintptr, maxBytes int32) int32
	opusEncoderCtl     func(st uintptr, request, value int32) int32
	opusEncoderDestroy func(st uintptr)

	opusDecoderCreate  func(fs, channels int32, errOut uintptr) uintptr
	opusDecode         func(st uintptr, data uintptr, dataLen int32, pcm uintptr, frameSize, decodeFEC int32) int32
	opusDecoderDestroy func(st uintptr)

	opusStrerror         func(code int32) uintptr
	opusGetVersionString func() uintptr
)

// CTL requests from opus_defines.h.
const (
	opusSetBitrateRequest       = 4002
	opusSetVBRRequest           = 4006
	opusSetComplexityRequest    = 4010
	opusSetInbandFECRequest     = 4012
	opusSetPacketLossPctRequest = 4014
	opusSetVBRConstraintRequest = 4020
)

// maxOpusDecodeMs is the largest frame duration the decoder must hold.
const maxOpusDecodeMs = 120

func loadOpus() error {
	opusOnce.Do(func() {
		opusInitErr = loadOpusLib()
	})
	return opusInitErr
}

func loadOpusLib() error {
	var lastErr error
	for _, path := range opusLibPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		opusHandle = handle
		registerOpusSymbols()
		return nil
	}
	return fmt.Errorf("libopus not found: %w", lastErr)
}

func opusLibPaths() []string {
	var paths []string
	if p := os.Getenv("OPUS_LIB_PATH"); p != "" {
		paths = append(paths, p)
	}
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			"libopus.dylib",
			"/usr/local/lib/libopus.dylib",
			"/opt/homebrew/lib/libopus.dylib",
		)
	default:
		paths = append(paths,
			"libopus.so.0",
			"libopus.so",
			"/usr/lib/libopus.so.0",
			"/usr/local/lib/libopus.so.0",
		)
	}
	if exe, err := os.Executable(); err == nil {
		libName := "libopus.so"
		if runtime.GOOS == "darwin" {
			libName = "libopus.dylib"
		}
		paths = append(paths, filepath.Join(filepath.Dir(exe), libName))
	}
	return paths
}

func registerOpusSymbols() {
	purego.RegisterLibFunc(&opusEncoderCreate, opusHandle, "opus_encoder_create")
	purego.RegisterLibFunc(&opusEncode, opusHandle, "opus_encode")
	purego.RegisterLibFunc(&opusEncoderCtl, opusHandle, "opus_encoder_ctl")
	purego.RegisterLibFunc(&opusEncoderDestroy, opusHandle, "opus_encoder_destroy")

	purego.RegisterLibFunc(&opusDecoderCreate, opusHandle, "opus_decoder_create")
	purego.RegisterLibFunc(&opusDecode, opusHandle, "opus_decode")
	purego.RegisterLibFunc(&opusDecoderDestroy, opusHandle, "opus_decoder_destroy")

	purego.RegisterLibFunc(&opusStrerror, opusHandle, "opus_strerror")
	purego.RegisterLibFunc(&opusGetVersionString, opusHandle, "opus_get_version_string")
}

// IsOpusAvailable reports whether libopus could be loaded.
func IsOpusAvailable() bool { return loadOpus() == nil }

// OpusVersion returns the loaded libopus version string, "" when the
// library is unavailable.
func OpusVersion() string {
	if !IsOpusAvailable() {
		return ""
	}
	return goStringFromPtr(opusGetVersionString())
}

func opusErrString(code int32) string {
	if opusStrerror == nil {
		return fmt.Sprintf("opus error %d", code)
	}
	return goStringFromPtr(opusStrerror(code))
}

// goStringFromPtr converts a NUL-terminated C string pointer.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	n := 0
	for n < 1024 && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// OpusEncoder implements AudioEncoder over libopus.
type OpusEncoder struct {
	cfg    OpusConfig
	handle uintptr
	pcm    []int16
	out    []byte
	mu     sync.Mutex
}

// NewOpusEncoder creates an encoder for the configured profile. Fails
// with ErrCodecUnavailable when libopus cannot be loaded.
func NewOpusEncoder(cfg OpusConfig) (*OpusEncoder, error) {
	if err := loadOpus(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecUnavailable, err)
	}
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, fmt.Errorf("opus encoder: %d channels unsupported", cfg.Channels)
	}
	if cfg.FrameSizeMs != 20 && cfg.FrameSizeMs != 40 {
		return nil, fmt.Errorf("opus encoder: frame size %d ms unsupported", cfg.FrameSizeMs)
	}

	var cErr int32
	handle := opusEncoderCreate(int32(cfg.SampleRate), int32(cfg.Channels),
		int32(cfg.Application), uintptr(unsafe.Pointer(&cErr)))
	if handle == 0 || cErr != 0 {
		return nil, fmt.Errorf("opus encoder create: %s", opusErrString(cErr))
	}

	if cfg.BitrateBps > 0 {
		opusEncoderCtl(handle, opusSetBitrateRequest, int32(cfg.BitrateBps))
	}
	if cfg.Complexity > 0 {
		opusEncoderCtl(handle, opusSetComplexityRequest, int32(cfg.Complexity))
	}
	opusEncoderCtl(handle, opusSetVBRRequest, boolInt32(cfg.VBR))
	if cfg.VBR {
		opusEncoderCtl(handle, opusSetVBRConstraintRequest, boolInt32(cfg.VBRConstraint))
	}
	if cfg.LossPct > 0 {
		opusEncoderCtl(handle, opusSetInbandFECRequest, 1)
		opusEncoderCtl(handle, opusSetPacketLossPctRequest, int32(cfg.LossPct))
	}

	return &OpusEncoder{
		cfg:    cfg,
		handle: handle,
		pcm:    make([]int16, cfg.SamplesPerFrame()*cfg.Channels),
		out:    make([]byte, maxOpusFrameBytes),
	}, nil
}

// Codec returns CodecOpus.
func (e *OpusEncoder) Codec() CodecID { return CodecOpus }

// FrameBytes returns the PCM input size of one codec frame.
func (e *OpusEncoder) FrameBytes() int {
	return e.cfg.SamplesPerFrame() * e.cfg.Channels * 2
}

// Encode compresses exactly one frame of S16LE PCM. The returned slice
// is valid until the next call.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil, ErrCodecUnavailable
	}
	if len(pcm) != e.FrameBytes() {
		return nil, fmt.Errorf("opus encode: got %d PCM bytes, want %d", len(pcm), e.FrameBytes())
	}
	for i := range e.pcm {
		e.pcm[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	n := opusEncode(e.handle,
		uintptr(unsafe.Pointer(&e.pcm[0])),
		int32(e.cfg.SamplesPerFrame()),
		uintptr(unsafe.Pointer(&e.out[0])),
		int32(len(e.out)))
	if n < 0 {
		return nil, fmt.Errorf("opus encode: %s", opusErrString(n))
	}
	return e.out[:n], nil
}

// Close destroys the encoder state.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		opusEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// OpusDecoder implements AudioDecoder over libopus.
type OpusDecoder struct {
	cfg    OpusConfig
	handle uintptr
	pcm    []int16
	out    []byte
	mu     sync.Mutex
}

// NewOpusDecoder creates a decoder matching the encoder's profile.
func NewOpusDecoder(cfg OpusConfig) (*OpusDecoder, error) {
	if err := loadOpus(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecUnavailable, err)
	}
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, fmt.Errorf("opus decoder: %d channels unsupported", cfg.Channels)
	}

	var cErr int32
	handle := opusDecoderCreate(int32(cfg.SampleRate), int32(cfg.Channels),
		uintptr(unsafe.Pointer(&cErr)))
	if handle == 0 || cErr != 0 {
		return nil, fmt.Errorf("opus decoder create: %s", opusErrString(cErr))
	}

	maxSamples := cfg.SampleRate * maxOpusDecodeMs / 1000 * cfg.Channels
	return &OpusDecoder{
		cfg:    cfg,
		handle: handle,
		pcm:    make([]int16, maxSamples),
		out:    make([]byte, maxSamples*2),
	}, nil
}

// Codec returns CodecOpus.
func (d *OpusDecoder) Codec() CodecID { return CodecOpus }

// Decode expands one encoded frame to S16LE PCM. The returned slice is
// valid until the next call.
func (d *OpusDecoder) Decode(data []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return nil, ErrCodecUnavailable
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("opus decode: empty frame")
	}
	maxFrame := int32(d.cfg.SampleRate * maxOpusDecodeMs / 1000)
	n := opusDecode(d.handle,
		uintptr(unsafe.Pointer(&data[0])), int32(len(data)),
		uintptr(unsafe.Pointer(&d.pcm[0])), maxFrame, 0)
	if n < 0 {
		return nil, fmt.Errorf("opus decode: %s", opusErrString(n))
	}
	samples := int(n) * d.cfg.Channels
	for i := 0; i < samples; i++ {
		d.out[2*i] = byte(d.pcm[i])
		d.out[2*i+1] = byte(uint16(d.pcm[i]) >> 8)
	}
	return d.out[:samples*2], nil
}

// Close destroys the decoder state.
func (d *OpusDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != 0 {
		opusDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

func boolInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
