package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Fan-out errors. The linker discards the item on any of these; discard
// is the intended backpressure response, not a pipeline fault.
var (
	ErrSKBExhausted = errors.New("socket buffer pool near exhaustion")
	ErrNoCallback   = errors.New("no frame callback registered for track kind")
	ErrUnknownCodec = errors.New("unclassifiable codec at sink")
)

// FrameCallback writes one frame to a viewer's transceiver. The callback
// owns frame.Data iff frame.FreeData is set.
type FrameCallback func(t Transceiver, frame *MediaFrame) error

// SinkStats counts fan-out outcomes. Snapshot via Stats.
type SinkStats struct {
	FramesDispatched uint64 // frames that reached at least the dispatch loop
	ViewerWrites     uint64
	WriteErrors      uint64
	SKBDrops         uint64
	CodecDrops       uint64
	FramesAllocated  uint64
	FramesReleased   uint64 // error-path releases; dispatched frames are freed by the peer layer
}

// SinkConfig wires the fan-out's collaborators.
type SinkConfig struct {
	// Loopback suppresses egress: Start leaves the sink stopped and
	// capture frames are discarded, the inbound path being the only
	// live media.
	Loopback bool
	Clock    *MediaClock
	SKB      SKBMonitor
	Sessions *SessionTable
}

// SinkNode is the terminal pipeline node. Each delivered item is gated on
// socket-buffer headroom, copied into a fresh frame, classified onto a
// track, and written to every viewer session currently in the ready
// state, in ascending session index order.
type SinkNode struct {
	BaseNode
	clock    *MediaClock
	skb      SKBMonitor
	sessions *SessionTable
	loopback bool

	cbMu    sync.Mutex
	videoCB FrameCallback
	audioCB FrameCallback

	statsMu sync.Mutex
	stats   SinkStats

	writeThrottle *logThrottle
	log           zerolog.Logger
}

// NewSinkNode constructs the fan-out. Nil collaborators get inert
// defaults so the sink is usable standalone in tests.
func NewSinkNode(name string, cfg SinkConfig) *SinkNode {
	if cfg.Clock == nil {
		cfg.Clock = NewMediaClock(0)
	}
	if cfg.SKB == nil {
		cfg.SKB = unboundedSKB{}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionTable()
	}
	s := &SinkNode{
		BaseNode:      NewBaseNode(name, CodecUnknown),
		clock:         cfg.Clock,
		skb:           cfg.SKB,
		sessions:      cfg.Sessions,
		loopback:      cfg.Loopback,
		writeThrottle: newLogThrottle(perItemErrLogInterval),
		log:           componentLogger(name),
	}
	return s
}

// Sessions returns the viewer table the sink dispatches to.
func (s *SinkNode) Sessions() *SessionTable { return s.sessions }

// RegisterVideoCallback installs the video write hook.
func (s *SinkNode) RegisterVideoCallback(fn FrameCallback) {
	s.cbMu.Lock()
	s.videoCB = fn
	s.cbMu.Unlock()
}

// RegisterAudioCallback installs the audio write hook.
func (s *SinkNode) RegisterAudioCallback(fn FrameCallback) {
	s.cbMu.Lock()
	s.audioCB = fn
	s.cbMu.Unlock()
}

// Start enables dispatch. Repeated starts are no-ops. Under loopback the
// sink stays stopped; the inbound path is the only live media.
func (s *SinkNode) Start() error { return s.Control(StartCmd{}) }

// Stop disables dispatch. Stop on a stopped sink is a no-op.
func (s *SinkNode) Stop() error { return s.Control(StopCmd{}) }

// Control applies queue and lifecycle commands.
func (s *SinkNode) Control(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, err := s.controlQueue(cmd); done {
		return err
	}
	switch cmd.(type) {
	case Apply:
		s.setState(NodeApplied)
		return nil
	case StartCmd:
		if s.loopback {
			s.log.Info().Msg("loopback enabled, egress stays stopped")
			s.setState(NodeStopped)
			return nil
		}
		s.setState(NodeRunning)
		return nil
	case StopCmd:
		s.setState(NodeStopped)
		return nil
	default:
		s.log.Warn().Type("cmd", cmd).Msg("unknown command ignored")
		return fmt.Errorf("%T: %w", cmd, ErrUnknownCommand)
	}
}

// Handle gates, copies, classifies, and fans the item out. A non-nil
// return tells the linker to discard; for backpressure drops that is the
// designed outcome.
func (s *SinkNode) Handle(item QueueItem, _ EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != NodeRunning {
		return nil
	}

	if s.skb.Counters().NearExhaustion(SKBThreshold) {
		s.statsMu.Lock()
		s.stats.SKBDrops++
		s.statsMu.Unlock()
		return fmt.Errorf("%s frame of %d bytes dropped: %w", item.Codec, len(item.Data), ErrSKBExhausted)
	}

	kind := item.Codec.TrackKind()
	if kind == TrackKindUnknown {
		s.statsMu.Lock()
		s.stats.CodecDrops++
		s.statsMu.Unlock()
		s.log.Warn().Str("codec", item.Codec.String()).Msg("frame dropped")
		return fmt.Errorf("codec %s: %w", item.Codec, ErrUnknownCodec)
	}

	data := make([]byte, len(item.Data))
	copy(data, item.Data)
	frame := &MediaFrame{
		Version:        FrameVersion,
		Data:           data,
		TrackKind:      kind,
		PresentationUs: s.clock.ToUs(item.Tick),
		FreeData:       true,
	}
	s.statsMu.Lock()
	s.stats.FramesAllocated++
	s.statsMu.Unlock()

	s.cbMu.Lock()
	cb := s.videoCB
	if kind == TrackKindAudio {
		cb = s.audioCB
	}
	s.cbMu.Unlock()
	if cb == nil {
		s.release(frame)
		return fmt.Errorf("%s: %w", kind, ErrNoCallback)
	}

	s.statsMu.Lock()
	s.stats.FramesDispatched++
	s.statsMu.Unlock()

	for _, sess := range s.sessions.Snapshot() {
		if sess.State() != ConnStateReady {
			continue
		}
		if err := cb(sess.Transceiver(kind), frame); err != nil {
			s.statsMu.Lock()
			s.stats.WriteErrors++
			s.statsMu.Unlock()
			if should, n := s.writeThrottle.ok(); should {
				s.log.Warn().Err(err).
					Int("session", sess.Index).
					Uint64("errors", n).
					Msg("viewer write failed")
			}
			continue
		}
		s.statsMu.Lock()
		s.stats.ViewerWrites++
		s.statsMu.Unlock()
	}
	return nil
}

// Stats returns a snapshot of the fan-out counters.
func (s *SinkNode) Stats() SinkStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close stops dispatch and releases the queue.
func (s *SinkNode) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == NodeClosed {
		return nil
	}
	s.closeBase()
	return nil
}

func (s *SinkNode) release(f *MediaFrame) {
	f.Data = nil
	s.statsMu.Lock()
	s.stats.FramesReleased++
	s.statsMu.Unlock()
}
