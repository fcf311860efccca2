package media

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Codec errors.
var (
	ErrCodecMismatch    = errors.New("codec mismatch")
	ErrFrameTooLarge    = errors.New("encoded frame exceeds configured duration")
	ErrCodecUnavailable = errors.New("codec implementation unavailable")
)

// OpusApplication selects the encoder tuning profile.
type OpusApplication int

const (
	OpusApplicationVOIP  OpusApplication = 2048
	OpusApplicationAudio OpusApplication = 2049
)

// OpusConfig carries the Opus encoder/decoder parameters. Encoder and
// decoder of one graph always share the same config.
type OpusConfig struct {
	SampleRate    int
	Channels      int
	BitLength     int
	Complexity    int // 0..10
	BitrateBps    int
	FrameSizeMs   int // 20 or 40
	VBR           bool
	VBRConstraint bool
	LossPct       int
	Application   OpusApplication
}

// DefaultOpusConfig is the 8 kHz mono VoIP profile used on the device.
func DefaultOpusConfig() OpusConfig {
	return OpusConfig{
		SampleRate:  SampleRate8KHz,
		Channels:    1,
		BitLength:   16,
		Complexity:  5,
		BitrateBps:  25000,
		FrameSizeMs: 40,
		VBR:         true,
		Application: OpusApplicationVOIP,
	}
}

// SamplesPerFrame returns the per-channel sample count of one codec frame.
func (c OpusConfig) SamplesPerFrame() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// G711Mode selects the conversion direction of a G.711 transformer.
type G711Mode int

const (
	G711Encode G711Mode = iota
	G711Decode
)

// G711Config carries the G.711 transformer parameters.
type G711Config struct {
	Codec  CodecID // CodecPCMU or CodecPCMA
	BufLen int
	Mode   G711Mode
}

// DefaultG711Config returns the µ-law profile with a 20 ms frame.
func DefaultG711Config(mode G711Mode) G711Config {
	return G711Config{Codec: CodecPCMU, BufLen: 2048, Mode: mode}
}

// AudioEncoder turns raw S16LE PCM into encoded frames. One call encodes
// exactly one codec frame; the returned slice is valid until the next
// Encode call.
type AudioEncoder interface {
	io.Closer
	Encode(pcm []byte) ([]byte, error)
	Codec() CodecID
	// FrameBytes is the exact PCM input size of one codec frame.
	FrameBytes() int
}

// AudioDecoder turns one encoded frame into raw S16LE PCM. The returned
// slice is valid until the next Decode call.
type AudioDecoder interface {
	io.Closer
	Decode(data []byte) ([]byte, error)
	Codec() CodecID
}

// EncoderNode is the transform node wrapping an AudioEncoder. Capture
// buffers rarely align with codec frames, so the node accumulates PCM
// and emits one item per complete frame.
type EncoderNode struct {
	BaseNode
	enc     AudioEncoder
	pending []byte
	applied bool

	log zerolog.Logger
}

// NewEncoderNode constructs the node around an encoder implementation.
func NewEncoderNode(name string, enc AudioEncoder) (*EncoderNode, error) {
	if enc == nil {
		return nil, fmt.Errorf("encoder node %q: nil encoder", name)
	}
	n := &EncoderNode{
		BaseNode: NewBaseNode(name, enc.Codec()),
		enc:      enc,
		log:      componentLogger(name),
	}
	n.setState(NodeConfigured)
	return n, nil
}

// Control applies queue and lifecycle commands.
func (n *EncoderNode) Control(cmd Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if done, err := n.controlQueue(cmd); done {
		return err
	}
	switch cmd.(type) {
	case Apply:
		if n.enc.FrameBytes() <= 0 {
			return fmt.Errorf("encoder %q: invalid frame size", n.Name())
		}
		n.applied = true
		n.setState(NodeRunning)
		return nil
	case StopCmd:
		n.setState(NodeStopped)
		return nil
	default:
		n.log.Warn().Type("cmd", cmd).Msg("unknown command ignored")
		return fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// Handle consumes PCM capture items and emits encoded frames, stamping
// each with the tick of the item that completed it.
func (n *EncoderNode) Handle(item QueueItem, emit EmitFunc) error {
	if item.Codec != CodecPCM {
		return fmt.Errorf("encoder %q: %w: got %s", n.Name(), ErrCodecMismatch, item.Codec)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.applied || n.State() != NodeRunning {
		return fmt.Errorf("encoder %q: %w", n.Name(), ErrBadState)
	}

	n.pending = append(n.pending, item.Data...)
	frame := n.enc.FrameBytes()
	for len(n.pending) >= frame {
		out, err := n.enc.Encode(n.pending[:frame])
		n.pending = n.pending[frame:]
		if err != nil {
			return fmt.Errorf("encoder %q: %w", n.Name(), err)
		}
		if err := emit(QueueItem{Data: out, Codec: n.enc.Codec(), Tick: item.Tick}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the encoder and the queue.
func (n *EncoderNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == NodeClosed {
		return nil
	}
	n.closeBase()
	return n.enc.Close()
}

// DecoderNode is the transform node wrapping an AudioDecoder. Each input
// item is exactly one encoded frame.
type DecoderNode struct {
	BaseNode
	dec     AudioDecoder
	applied bool

	log zerolog.Logger
}

// NewDecoderNode constructs the node around a decoder implementation.
func NewDecoderNode(name string, dec AudioDecoder) (*DecoderNode, error) {
	if dec == nil {
		return nil, fmt.Errorf("decoder node %q: nil decoder", name)
	}
	n := &DecoderNode{
		BaseNode: NewBaseNode(name, CodecPCM),
		dec:      dec,
		log:      componentLogger(name),
	}
	n.setState(NodeConfigured)
	return n, nil
}

// Control applies queue and lifecycle commands.
func (n *DecoderNode) Control(cmd Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if done, err := n.controlQueue(cmd); done {
		return err
	}
	switch cmd.(type) {
	case Apply:
		n.applied = true
		n.setState(NodeRunning)
		return nil
	case StopCmd:
		n.setState(NodeStopped)
		return nil
	default:
		n.log.Warn().Type("cmd", cmd).Msg("unknown command ignored")
		return fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// Handle decodes one frame and emits the PCM.
func (n *DecoderNode) Handle(item QueueItem, emit EmitFunc) error {
	if item.Codec != n.dec.Codec() {
		return fmt.Errorf("decoder %q: %w: got %s want %s",
			n.Name(), ErrCodecMismatch, item.Codec, n.dec.Codec())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.applied || n.State() != NodeRunning {
		return fmt.Errorf("decoder %q: %w", n.Name(), ErrBadState)
	}

	pcm, err := n.dec.Decode(item.Data)
	if err != nil {
		return fmt.Errorf("decoder %q: %w", n.Name(), err)
	}
	return emit(QueueItem{Data: pcm, Codec: CodecPCM, Tick: item.Tick})
}

// Close releases the decoder and the queue.
func (n *DecoderNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == NodeClosed {
		return nil
	}
	n.closeBase()
	return n.dec.Close()
}
