package media

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrSourceHandle is returned when a source node's handler is invoked;
// sources produce items, they never consume them.
var ErrSourceHandle = errors.New("source node has no input handler")

// Video resolution presets, indexable the way the ISP expects.
type VideoResolution int

const (
	ResQCIF VideoResolution = iota
	ResCIF
	ResWVGA
	ResVGA
	ResD1
	ResHD
	ResFHD
	Res3M
	Res5M
	Res2K
)

// Dims returns the pixel dimensions of the preset.
func (r VideoResolution) Dims() (width, height int) {
	switch r {
	case ResQCIF:
		return 176, 144
	case ResCIF:
		return 352, 288
	case ResWVGA:
		return 800, 480
	case ResVGA:
		return 640, 480
	case ResD1:
		return 720, 480
	case ResHD:
		return 1280, 720
	case ResFHD:
		return 1920, 1080
	case Res3M:
		return 2048, 1536
	case Res5M:
		return 2592, 1944
	case Res2K:
		return 2560, 1440
	default:
		return 0, 0
	}
}

// Rate control modes, numbered as the encoder hardware expects.
type RateControlMode int

const (
	RateControlCBR RateControlMode = 1
	RateControlVBR RateControlMode = 2
)

func (m RateControlMode) String() string {
	switch m {
	case RateControlCBR:
		return "CBR"
	case RateControlVBR:
		return "VBR"
	default:
		return "unknown"
	}
}

// VideoCaptureConfig parametrizes the camera/ISP channel.
type VideoCaptureConfig struct {
	Channel       int
	Codec         CodecID // CodecH264 or CodecH265
	Resolution    VideoResolution
	Width         int
	Height        int
	BitrateBps    int
	FPS           int
	GOP           int
	RateControl   RateControlMode
	UseStaticAddr bool
}

// DefaultVideoCaptureConfig is the HD profile the device ships with.
func DefaultVideoCaptureConfig(codec CodecID) VideoCaptureConfig {
	w, h := ResHD.Dims()
	return VideoCaptureConfig{
		Channel:       0,
		Codec:         codec,
		Resolution:    ResHD,
		Width:         w,
		Height:        h,
		BitrateBps:    512 * 1024,
		FPS:           30,
		GOP:           30,
		RateControl:   RateControlVBR,
		UseStaticAddr: true,
	}
}

// Audio sample-rate settings supported by the codec hardware.
const (
	SampleRate8KHz  = 8000
	SampleRate16KHz = 16000
)

// AudioCaptureConfig parametrizes the ADC/DAC path, including the echo
// canceller whose far-end reference is the playback signal.
type AudioCaptureConfig struct {
	SampleRate int
	WordLength int // bits per sample
	Channels   int
	MicGainDB  int
	DMicGainDB int
	AnalogMic  bool
	MixMode    bool // required for simultaneous capture+playback
	EnableAEC  bool
	AECLevel   int // 0..3, 3 most aggressive
	NSLevel    int // 0 disables noise suppression
	EnableAGC  bool
	EnableHPF  bool
}

// DefaultAudioCaptureConfig is the bidirectional 8 kHz mono voice profile.
func DefaultAudioCaptureConfig() AudioCaptureConfig {
	return AudioCaptureConfig{
		SampleRate: SampleRate8KHz,
		WordLength: 16,
		Channels:   1,
		MicGainDB:  30,
		DMicGainDB: 24,
		AnalogMic:  true,
		MixMode:    true,
		EnableAEC:  true,
		AECLevel:   3,
		NSLevel:    2,
		EnableAGC:  true,
		EnableHPF:  true,
	}
}

// VideoDriver abstracts the vendor video capture hardware. The driver
// pushes encoded frames into the sink set at configure time from its own
// task context.
type VideoDriver interface {
	// Preset reserves encoder subsystem memory for the chosen profile
	// before any channel is opened.
	Preset(cfg VideoCaptureConfig) error
	Configure(cfg VideoCaptureConfig) error
	Start(channel int) error
	Stop(channel int) error
	// SetFrameSink registers the callback receiving each encoded frame.
	// The data buffer belongs to the driver; the sink must copy it.
	SetFrameSink(fn func(data []byte, tick Tick))
}

// AudioDriver abstracts the vendor audio hardware: capture (ADC + AEC)
// and playback (DAC).
type AudioDriver interface {
	Configure(cfg AudioCaptureConfig) error
	Start() error
	Stop() error
	// SetCaptureSink registers the callback receiving PCM capture
	// buffers. The buffer belongs to the driver; the sink must copy it.
	SetCaptureSink(fn func(pcm []byte, tick Tick))
	// Play submits decoded PCM to the DAC. It is the AEC far-end
	// reference, so all playback must go through the driver.
	Play(pcm []byte) error
}

// VideoCaptureNode is the source node wrapping the camera driver.
type VideoCaptureNode struct {
	BaseNode
	cfg    VideoCaptureConfig
	driver VideoDriver

	dropThrottle *logThrottle
	log          zerolog.Logger
}

// NewVideoCaptureNode constructs the node. The driver is configured and
// started by the Apply command during graph assembly.
func NewVideoCaptureNode(name string, cfg VideoCaptureConfig, driver VideoDriver) (*VideoCaptureNode, error) {
	if driver == nil {
		return nil, fmt.Errorf("video capture %q: nil driver", name)
	}
	if cfg.Codec != CodecH264 && cfg.Codec != CodecH265 {
		return nil, fmt.Errorf("video capture %q: unsupported codec %s", name, cfg.Codec)
	}
	n := &VideoCaptureNode{
		BaseNode:     NewBaseNode(name, cfg.Codec),
		cfg:          cfg,
		driver:       driver,
		dropThrottle: newLogThrottle(perItemErrLogInterval),
		log:          componentLogger(name),
	}
	n.setState(NodeConfigured)
	return n, nil
}

// Control applies queue and lifecycle commands.
func (n *VideoCaptureNode) Control(cmd Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if done, err := n.controlQueue(cmd); done {
		return err
	}
	switch c := cmd.(type) {
	case Apply:
		if err := n.driver.Configure(n.cfg); err != nil {
			return fmt.Errorf("video configure: %w", err)
		}
		n.driver.SetFrameSink(n.onFrame)
		if err := n.driver.Start(c.Channel); err != nil {
			return fmt.Errorf("video start: %w", err)
		}
		n.setState(NodeRunning)
		return nil
	case StopCmd:
		if err := n.driver.Stop(n.cfg.Channel); err != nil {
			return fmt.Errorf("video stop: %w", err)
		}
		n.setState(NodeStopped)
		return nil
	default:
		n.log.Warn().Type("cmd", cmd).Msg("unknown command ignored")
		return fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// onFrame runs in driver task context.
func (n *VideoCaptureNode) onFrame(data []byte, tick Tick) {
	err := n.emit(QueueItem{Data: data, Codec: n.cfg.Codec, Tick: tick})
	if err != nil {
		if should, dropped := n.dropThrottle.ok(); should {
			n.log.Warn().Err(err).Uint64("dropped", dropped).Msg("video frame dropped")
		}
	}
}

// Handle rejects input; capture is a source.
func (n *VideoCaptureNode) Handle(QueueItem, EmitFunc) error { return ErrSourceHandle }

// Close stops the driver if needed and releases the queue.
func (n *VideoCaptureNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == NodeClosed {
		return nil
	}
	if n.State() == NodeRunning {
		_ = n.driver.Stop(n.cfg.Channel)
	}
	n.closeBase()
	return nil
}

// AudioCaptureNode wraps the audio hardware. As a source it emits raw
// PCM capture buffers; as a consumer it plays decoded PCM delivered by
// the playback branch, keeping the AEC reference in the driver.
type AudioCaptureNode struct {
	BaseNode
	cfg    AudioCaptureConfig
	driver AudioDriver

	dropThrottle *logThrottle
	log          zerolog.Logger
}

// NewAudioCaptureNode constructs the node.
func NewAudioCaptureNode(name string, cfg AudioCaptureConfig, driver AudioDriver) (*AudioCaptureNode, error) {
	if driver == nil {
		return nil, fmt.Errorf("audio capture %q: nil driver", name)
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("audio capture %q: bad config %d Hz / %d ch", name, cfg.SampleRate, cfg.Channels)
	}
	n := &AudioCaptureNode{
		BaseNode:     NewBaseNode(name, CodecPCM),
		cfg:          cfg,
		driver:       driver,
		dropThrottle: newLogThrottle(perItemErrLogInterval),
		log:          componentLogger(name),
	}
	n.setState(NodeConfigured)
	return n, nil
}

// Config returns the applied audio parameters.
func (n *AudioCaptureNode) Config() AudioCaptureConfig { return n.cfg }

// Control applies queue and lifecycle commands.
func (n *AudioCaptureNode) Control(cmd Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if done, err := n.controlQueue(cmd); done {
		return err
	}
	switch cmd.(type) {
	case Apply:
		if err := n.driver.Configure(n.cfg); err != nil {
			return fmt.Errorf("audio configure: %w", err)
		}
		n.driver.SetCaptureSink(n.onCapture)
		return nil
	case StartCmd:
		if err := n.driver.Start(); err != nil {
			return fmt.Errorf("audio start: %w", err)
		}
		n.setState(NodeRunning)
		return nil
	case StopCmd:
		if err := n.driver.Stop(); err != nil {
			return fmt.Errorf("audio stop: %w", err)
		}
		n.setState(NodeStopped)
		return nil
	default:
		n.log.Warn().Type("cmd", cmd).Msg("unknown command ignored")
		return fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

func (n *AudioCaptureNode) onCapture(pcm []byte, tick Tick) {
	err := n.emit(QueueItem{Data: pcm, Codec: CodecPCM, Tick: tick})
	if err != nil {
		if should, dropped := n.dropThrottle.ok(); should {
			n.log.Warn().Err(err).Uint64("dropped", dropped).Msg("audio buffer dropped")
		}
	}
}

// Handle plays decoded PCM arriving from the playback branch.
func (n *AudioCaptureNode) Handle(item QueueItem, _ EmitFunc) error {
	if item.Codec != CodecPCM {
		return fmt.Errorf("audio playback: unexpected codec %s", item.Codec)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() != NodeRunning {
		return fmt.Errorf("audio playback: %w", ErrBadState)
	}
	return n.driver.Play(item.Data)
}

// Close stops the driver if needed and releases the queue.
func (n *AudioCaptureNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == NodeClosed {
		return nil
	}
	if n.State() == NodeRunning {
		_ = n.driver.Stop()
	}
	n.closeBase()
	return nil
}
