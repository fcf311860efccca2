package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Graph construction errors.
var (
	ErrGraphClosed   = errors.New("graph closed")
	ErrBadVideoCodec = errors.New("video codec must be H264 or H265")
	ErrBadAudioCodec = errors.New("audio codec must be PCMU, PCMA or Opus")
	ErrRateMismatch  = errors.New("sample rate mismatch between capture and codec")
)

// Queue depths used at assembly. The sink and audio capture run shallow
// to bound latency; codec queues absorb scheduling jitter; video scales
// with frame rate.
const (
	sinkQueueDepth   = 3
	audioQueueDepth  = 3
	codecQueueDepth  = 6
	videoDepthPerFPS = 3
)

// maxOpusFrameBytes is the largest encoded Opus frame (RFC 6716); the
// array source uses it as chunk size so a bound frame is never split.
const maxOpusFrameBytes = 1275

// GraphConfig selects the pipeline shape and wires the hardware and
// network collaborators.
type GraphConfig struct {
	VideoCodec      CodecID // CodecH264 or CodecH265
	AudioCodec      CodecID // CodecPCMU, CodecPCMA or CodecOpus
	EnableAudioRecv bool
	Loopback        bool
	// TrustZone runs the fan-out worker with a secure-world context
	// request on platforms that have one.
	TrustZone bool
	// EnableDataChannel notes that the SDP carries a data channel. The
	// media path ignores it; the flag exists so graph construction can
	// be driven from one build configuration.
	EnableDataChannel bool

	Video VideoCaptureConfig
	Audio AudioCaptureConfig
	Opus  OpusConfig

	VideoDriver VideoDriver
	AudioDriver AudioDriver

	SKB      SKBMonitor
	Sessions *SessionTable
	Clock    *MediaClock
}

// DefaultGraphConfig returns the device's default H.264 + µ-law
// bidirectional profile. Drivers must still be set by the caller.
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		VideoCodec:      CodecH264,
		AudioCodec:      CodecPCMU,
		EnableAudioRecv: true,
		Video:           DefaultVideoCaptureConfig(CodecH264),
		Audio:           DefaultAudioCaptureConfig(),
		Opus:            DefaultOpusConfig(),
	}
}

// GraphStats aggregates pipeline counters.
type GraphStats struct {
	Sink     SinkStats
	Injected uint64
}

// PipelineGraph owns every node and linker of one assembled pipeline.
// Construction wires and starts the dataflow; Close is the symmetric
// teardown. Nothing else may retain the nodes.
type PipelineGraph struct {
	cfg GraphConfig

	sink    *SinkNode
	video   *VideoCaptureNode
	audio   *AudioCaptureNode
	encoder *EncoderNode
	decoder *DecoderNode
	array   *ArraySource

	injector *AudioInjector

	// construction order, torn down in reverse
	nodes   []Node
	linkers []pausableLinker

	mu     sync.Mutex
	closed bool
	log    zerolog.Logger
}

// pausableLinker is the teardown surface shared by SISO and MISO.
type pausableLinker interface {
	Start() error
	Pause()
	Delete()
}

// NewPipelineGraph assembles the shape selected by the audio codec.
func NewPipelineGraph(cfg GraphConfig) (*PipelineGraph, error) {
	switch cfg.AudioCodec {
	case CodecPCMU, CodecPCMA:
		return NewG711Graph(cfg)
	case CodecOpus:
		return NewOpusGraph(cfg)
	default:
		return nil, fmt.Errorf("%w: got %s", ErrBadAudioCodec, cfg.AudioCodec)
	}
}

// NewG711Graph assembles the G.711 pipeline: 20 ms µ-law or A-law frames
// companded in-process.
func NewG711Graph(cfg GraphConfig) (*PipelineGraph, error) {
	if cfg.AudioCodec != CodecPCMU && cfg.AudioCodec != CodecPCMA {
		return nil, fmt.Errorf("%w: got %s", ErrBadAudioCodec, cfg.AudioCodec)
	}
	enc, err := NewG711(G711Config{Codec: cfg.AudioCodec, Mode: G711Encode})
	if err != nil {
		return nil, fmt.Errorf("graph init: %w", err)
	}
	var dec AudioDecoder
	if cfg.EnableAudioRecv {
		d, err := NewG711(G711Config{Codec: cfg.AudioCodec, Mode: G711Decode})
		if err != nil {
			return nil, fmt.Errorf("graph init: %w", err)
		}
		dec = d
	}
	arrayCfg := ArraySourceConfig{
		Codec:      cfg.AudioCodec,
		SampleRate: cfg.Audio.SampleRate,
		FrameBytes: g711FrameSamples,
		FrameMs:    g711FrameMs,
		Once:       true,
	}
	return newGraph(cfg, enc, dec, arrayCfg)
}

// NewOpusGraph assembles the Opus pipeline: 40 ms VoIP-profile frames
// through the dynamically loaded libopus.
func NewOpusGraph(cfg GraphConfig) (*PipelineGraph, error) {
	if cfg.AudioCodec != CodecOpus {
		return nil, fmt.Errorf("%w: got %s", ErrBadAudioCodec, cfg.AudioCodec)
	}
	opusCfg := cfg.Opus
	if opusCfg.SampleRate == 0 {
		opusCfg = DefaultOpusConfig()
	}
	if opusCfg.SampleRate != cfg.Audio.SampleRate {
		return nil, fmt.Errorf("graph init: opus %d Hz, capture %d Hz: %w",
			opusCfg.SampleRate, cfg.Audio.SampleRate, ErrRateMismatch)
	}
	enc, err := NewOpusEncoder(opusCfg)
	if err != nil {
		return nil, fmt.Errorf("graph init: %w", err)
	}
	var dec AudioDecoder
	if cfg.EnableAudioRecv {
		d, err := NewOpusDecoder(opusCfg)
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("graph init: %w", err)
		}
		dec = d
	}
	arrayCfg := ArraySourceConfig{
		Codec:      CodecOpus,
		SampleRate: opusCfg.SampleRate,
		FrameBytes: maxOpusFrameBytes,
		FrameMs:    opusCfg.FrameSizeMs,
		Once:       true,
	}
	return newGraph(cfg, enc, dec, arrayCfg)
}

func newGraph(cfg GraphConfig, enc AudioEncoder, dec AudioDecoder, arrayCfg ArraySourceConfig) (*PipelineGraph, error) {
	if cfg.VideoCodec != CodecH264 && cfg.VideoCodec != CodecH265 {
		return nil, fmt.Errorf("%w: got %s", ErrBadVideoCodec, cfg.VideoCodec)
	}
	if cfg.VideoDriver == nil || cfg.AudioDriver == nil {
		return nil, errors.New("graph init: video and audio drivers are required")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionTable()
	}
	if cfg.Clock == nil {
		cfg.Clock = NewMediaClock(0)
	}

	g := &PipelineGraph{cfg: cfg, log: componentLogger("pipeline-graph")}
	if err := g.assemble(enc, dec, arrayCfg); err != nil {
		g.teardown()
		// Codec implementations not yet adopted by a node are closed
		// here; adopted ones were closed by the teardown.
		if g.encoder == nil && enc != nil {
			_ = enc.Close()
		}
		if g.decoder == nil && dec != nil {
			_ = dec.Close()
		}
		return nil, fmt.Errorf("graph init: %w", err)
	}
	g.log.Info().
		Str("video", cfg.VideoCodec.String()).
		Str("audio", cfg.AudioCodec.String()).
		Bool("recv", cfg.EnableAudioRecv).
		Bool("loopback", cfg.Loopback).
		Msg("pipeline assembled")
	return g, nil
}

// assemble opens and wires the nodes in a fixed order; any failure
// leaves the partial graph for the caller's teardown.
func (g *PipelineGraph) assemble(enc AudioEncoder, dec AudioDecoder, arrayCfg ArraySourceConfig) error {
	cfg := g.cfg

	// Sink first: everything downstream of capture needs a home.
	g.sink = NewSinkNode("sink", SinkConfig{
		Loopback: cfg.Loopback,
		Clock:    cfg.Clock,
		SKB:      cfg.SKB,
		Sessions: cfg.Sessions,
	})
	g.nodes = append(g.nodes, g.sink)
	if err := g.openNode(g.sink, sinkQueueDepth, AllocStatic, Apply{}); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	// Reserve encoder subsystem memory before any channel opens.
	if err := cfg.VideoDriver.Preset(cfg.Video); err != nil {
		return fmt.Errorf("video preset: %w", err)
	}

	video, err := NewVideoCaptureNode("video-capture", cfg.Video, cfg.VideoDriver)
	if err != nil {
		return err
	}
	g.video = video
	g.nodes = append(g.nodes, video)
	depth := cfg.Video.FPS * videoDepthPerFPS
	if depth <= 0 {
		depth = 1
	}
	if err := g.openNode(video, depth, AllocDynamic, Apply{Channel: cfg.Video.Channel}); err != nil {
		return fmt.Errorf("video capture: %w", err)
	}

	audio, err := NewAudioCaptureNode("audio-capture", cfg.Audio, cfg.AudioDriver)
	if err != nil {
		return err
	}
	g.audio = audio
	g.nodes = append(g.nodes, audio)
	if err := g.openNode(audio, audioQueueDepth, AllocDynamic, Apply{}); err != nil {
		return fmt.Errorf("audio capture: %w", err)
	}
	if err := audio.Control(StartCmd{}); err != nil {
		return fmt.Errorf("audio capture: %w", err)
	}

	encoder, err := NewEncoderNode("audio-encoder", enc)
	if err != nil {
		return err
	}
	g.encoder = encoder
	g.nodes = append(g.nodes, encoder)
	if err := g.openNode(encoder, codecQueueDepth, AllocDynamic, Apply{}); err != nil {
		return fmt.Errorf("audio encoder: %w", err)
	}

	if cfg.EnableAudioRecv {
		decoder, err := NewDecoderNode("audio-decoder", dec)
		if err != nil {
			return err
		}
		g.decoder = decoder
		g.nodes = append(g.nodes, decoder)
		if err := g.openNode(decoder, codecQueueDepth, AllocDynamic, Apply{}); err != nil {
			return fmt.Errorf("audio decoder: %w", err)
		}

		array, err := NewArraySource("array-source", arrayCfg)
		if err != nil {
			return err
		}
		g.array = array
		g.nodes = append(g.nodes, array)
		if err := g.openNode(array, codecQueueDepth, AllocDynamic, Apply{}); err != nil {
			return fmt.Errorf("array source: %w", err)
		}
	}

	// Dataflow edges, started as they are wired.
	audioLink := NewSISO()
	g.linkers = append(g.linkers, audioLink)
	if err := wireSISO(audioLink, audio, encoder); err != nil {
		return fmt.Errorf("audio->encoder link: %w", err)
	}

	if cfg.EnableAudioRecv {
		arrayLink := NewSISO()
		g.linkers = append(g.linkers, arrayLink)
		if err := wireSISO(arrayLink, g.array, g.decoder); err != nil {
			return fmt.Errorf("array->decoder link: %w", err)
		}
		playLink := NewSISO()
		g.linkers = append(g.linkers, playLink)
		if err := wireSISO(playLink, g.decoder, audio); err != nil {
			return fmt.Errorf("decoder->playback link: %w", err)
		}
		g.injector = NewAudioInjector(g.array)
	}

	fanout := NewMISO()
	g.linkers = append(g.linkers, fanout)
	if err := fanout.SetWorkerAttrs(WorkerAttrs{
		StackSize:     DefaultWorkerAttrs().StackSize,
		SecureContext: cfg.TrustZone,
	}); err != nil {
		return fmt.Errorf("fan-out link: %w", err)
	}
	if err := fanout.AddInput(video); err != nil {
		return fmt.Errorf("fan-out link: %w", err)
	}
	if err := fanout.AddInput(encoder); err != nil {
		return fmt.Errorf("fan-out link: %w", err)
	}
	if err := fanout.AddOutput(g.sink); err != nil {
		return fmt.Errorf("fan-out link: %w", err)
	}
	if err := fanout.Start(); err != nil {
		return fmt.Errorf("fan-out link: %w", err)
	}
	return nil
}

// openNode runs the standard open sequence: size the queue, allocate
// items, apply the device config.
func (g *PipelineGraph) openNode(n Node, depth int, mode AllocMode, apply Apply) error {
	if err := n.Control(SetQueueDepth{Depth: depth}); err != nil {
		return err
	}
	if err := n.Control(AllocItems{Mode: mode}); err != nil {
		return err
	}
	return n.Control(apply)
}

func wireSISO(l *SISO, in, out Node) error {
	if err := l.AddInput(in); err != nil {
		return err
	}
	if err := l.AddOutput(out); err != nil {
		return err
	}
	return l.Start()
}

// Sink exposes the fan-out for the peer-connection layer to register
// its callbacks on.
func (g *PipelineGraph) Sink() *SinkNode { return g.sink }

// Sessions returns the viewer table the graph dispatches to.
func (g *PipelineGraph) Sessions() *SessionTable { return g.cfg.Sessions }

// Start enables sink egress. Repeated starts are no-ops; under loopback
// the sink stays stopped.
func (g *PipelineGraph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGraphClosed
	}
	return g.sink.Start()
}

// Stop disables sink egress; capture keeps running.
func (g *PipelineGraph) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGraphClosed
	}
	return g.sink.Stop()
}

// PlayAudioFrame injects one inbound encoded audio frame into the
// playback branch. Errors when the graph was built without audio
// receive.
func (g *PipelineGraph) PlayAudioFrame(data []byte) error {
	if g.injector == nil {
		return errors.New("graph built without audio receive")
	}
	return g.injector.PlayAudioFrame(data)
}

// Stats snapshots the pipeline counters.
func (g *PipelineGraph) Stats() GraphStats {
	st := GraphStats{Sink: g.sink.Stats()}
	if g.injector != nil {
		st.Injected = g.injector.Injected()
	}
	return st
}

// Close tears the pipeline down: pause linkers, stop nodes, delete
// linkers, close nodes, all in reverse construction order. Idempotent.
func (g *PipelineGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	start := time.Now()
	g.teardown()
	g.log.Info().Dur("teardown", time.Since(start)).Msg("pipeline closed")
	return nil
}

func (g *PipelineGraph) teardown() {
	if g.injector != nil {
		_ = g.injector.Close()
	}
	for i := len(g.linkers) - 1; i >= 0; i-- {
		g.linkers[i].Pause()
	}
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if err := g.nodes[i].Control(StopCmd{}); err != nil {
			g.log.Debug().Err(err).Str("node", g.nodes[i].Name()).Msg("stop during teardown")
		}
	}
	for i := len(g.linkers) - 1; i >= 0; i-- {
		g.linkers[i].Delete()
	}
	for i := len(g.nodes) - 1; i >= 0; i-- {
		if err := g.nodes[i].Close(); err != nil {
			g.log.Debug().Err(err).Str("node", g.nodes[i].Name()).Msg("close during teardown")
		}
	}
}
