package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SetArray rebinds the array source's backing buffer and rewinds the
// read position. Only legal while streaming is off.
type SetArray struct{ Data []byte }

// Streaming toggles array playout.
type Streaming struct{ On bool }

func (SetArray) isCommand()  {}
func (Streaming) isCommand() {}

// ArraySourceConfig parametrizes in-memory frame playout.
type ArraySourceConfig struct {
	Codec      CodecID
	SampleRate int
	FrameBytes int // bytes emitted per tick
	FrameMs    int // playout cadence
	Once       bool
}

// DefaultArraySourceConfig is the 8 kHz G.711 voice profile: 20 ms
// frames, one traversal per bind.
func DefaultArraySourceConfig(codec CodecID) ArraySourceConfig {
	return ArraySourceConfig{
		Codec:      codec,
		SampleRate: SampleRate8KHz,
		FrameBytes: g711FrameSamples,
		FrameMs:    g711FrameMs,
		Once:       true,
	}
}

// ArraySource emits frames from a bound in-memory buffer at a fixed
// cadence. It is the playout end of the inbound audio path: the injector
// binds each received frame and streams it through once.
type ArraySource struct {
	BaseNode
	cfg ArraySourceConfig

	streamMu  sync.Mutex
	data      []byte
	pos       int
	streaming bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropThrottle *logThrottle
	log          zerolog.Logger
}

// NewArraySource constructs the node. The playout worker starts at
// Apply time.
func NewArraySource(name string, cfg ArraySourceConfig) (*ArraySource, error) {
	if cfg.FrameBytes <= 0 || cfg.FrameMs <= 0 {
		return nil, fmt.Errorf("array source %q: bad frame geometry %d bytes / %d ms", name, cfg.FrameBytes, cfg.FrameMs)
	}
	a := &ArraySource{
		BaseNode:     NewBaseNode(name, cfg.Codec),
		cfg:          cfg,
		dropThrottle: newLogThrottle(perItemErrLogInterval),
		log:          componentLogger(name),
	}
	a.setState(NodeConfigured)
	return a, nil
}

// Control applies queue, bind, and streaming commands.
func (a *ArraySource) Control(cmd Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if done, err := a.controlQueue(cmd); done {
		return err
	}
	switch c := cmd.(type) {
	case Apply:
		if a.ctx != nil {
			return nil
		}
		a.ctx, a.cancel = context.WithCancel(context.Background())
		a.wg.Add(1)
		go a.worker()
		a.setState(NodeApplied)
		return nil
	case SetArray:
		a.streamMu.Lock()
		defer a.streamMu.Unlock()
		if a.streaming {
			return fmt.Errorf("array source: rebind while streaming: %w", ErrBadState)
		}
		a.data = append(a.data[:0], c.Data...)
		a.pos = 0
		return nil
	case Streaming:
		a.streamMu.Lock()
		defer a.streamMu.Unlock()
		if c.On && len(a.data) == 0 {
			return fmt.Errorf("array source: streaming with no array bound: %w", ErrBadState)
		}
		a.streaming = c.On
		if c.On {
			a.setState(NodeRunning)
		} else {
			a.setState(NodeStopped)
		}
		return nil
	case StopCmd:
		a.streamMu.Lock()
		defer a.streamMu.Unlock()
		a.streaming = false
		a.setState(NodeStopped)
		return nil
	default:
		a.log.Warn().Type("cmd", cmd).Msg("unknown command ignored")
		return fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// Handle rejects input; the array source only produces.
func (a *ArraySource) Handle(QueueItem, EmitFunc) error { return ErrSourceHandle }

// Close stops the worker and releases the queue.
func (a *ArraySource) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.State() == NodeClosed {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	a.closeBase()
	return nil
}

func (a *ArraySource) worker() {
	defer a.wg.Done()
	t := time.NewTicker(time.Duration(a.cfg.FrameMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			a.step()
		}
	}
}

// step emits the next frame of the bound array. In once mode, reaching
// the end clears the streaming flag so the next push needs a rebind.
func (a *ArraySource) step() {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if !a.streaming || a.pos >= len(a.data) {
		return
	}
	end := a.pos + a.cfg.FrameBytes
	if end > len(a.data) {
		end = len(a.data)
	}
	chunk := a.data[a.pos:end]
	a.pos = end
	if a.pos >= len(a.data) && a.cfg.Once {
		a.streaming = false
		a.setState(NodeStopped)
	}
	if err := a.emit(QueueItem{Data: chunk, Codec: a.cfg.Codec}); err != nil {
		if should, dropped := a.dropThrottle.ok(); should {
			a.log.Warn().Err(err).Uint64("dropped", dropped).Msg("array frame dropped")
		}
	}
}
