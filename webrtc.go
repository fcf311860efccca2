package media

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// ErrNoTransceiver is returned by the default frame callbacks when a
// ready session has no endpoint bound for the frame's track kind.
var ErrNoTransceiver = errors.New("no transceiver bound for track kind")

// FromPeerConnectionState maps pion's connection state onto the
// dispatch gate the sink reads.
func FromPeerConnectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateReady
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	default:
		return ConnStateClosed
	}
}

func codecCapability(c CodecID) webrtc.RTPCodecCapability {
	capability := webrtc.RTPCodecCapability{MimeType: c.MimeType(), ClockRate: c.ClockRate()}
	if c == CodecOpus {
		capability.Channels = 2
	}
	return capability
}

// SampleTransceiver writes frames through pion's sample-based track. The
// sample duration is derived from consecutive presentation timestamps,
// falling back to the configured default for the first frame.
type SampleTransceiver struct {
	track      *webrtc.TrackLocalStaticSample
	defaultDur time.Duration

	mu     sync.Mutex
	lastUs uint64
}

// NewSampleTransceiver creates the track for one codec. defaultDur of 0
// picks 20 ms for audio and a 30 fps frame time for video.
func NewSampleTransceiver(codec CodecID, id, streamID string, defaultDur time.Duration) (*SampleTransceiver, error) {
	if codec.MimeType() == "" {
		return nil, fmt.Errorf("sample transceiver: codec %s has no wire format", codec)
	}
	if defaultDur == 0 {
		defaultDur = 20 * time.Millisecond
		if codec.TrackKind() == TrackKindVideo {
			defaultDur = time.Second / 30
		}
	}
	track, err := webrtc.NewTrackLocalStaticSample(codecCapability(codec), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("sample transceiver: %w", err)
	}
	return &SampleTransceiver{track: track, defaultDur: defaultDur}, nil
}

// Track returns the pion track, for AddTrack on a peer connection.
func (t *SampleTransceiver) Track() *webrtc.TrackLocalStaticSample { return t.track }

// WriteFrame implements Transceiver.
func (t *SampleTransceiver) WriteFrame(frame *MediaFrame) error {
	t.mu.Lock()
	dur := t.defaultDur
	if t.lastUs != 0 && frame.PresentationUs > t.lastUs {
		dur = time.Duration(frame.PresentationUs-t.lastUs) * time.Microsecond
	}
	t.lastUs = frame.PresentationUs
	t.mu.Unlock()
	return t.track.WriteSample(pionmedia.Sample{Data: frame.Data, Duration: dur})
}

// RTP payload types used when packetizing ourselves. Static types for
// G.711, the usual dynamic assignments otherwise.
func defaultPayloadType(c CodecID) uint8 {
	switch c {
	case CodecPCMU:
		return 0
	case CodecPCMA:
		return 8
	case CodecOpus:
		return 111
	case CodecH265:
		return 98
	default:
		return 96
	}
}

func payloaderFor(c CodecID) (rtp.Payloader, error) {
	switch c {
	case CodecH264:
		return &codecs.H264Payloader{}, nil
	case CodecH265:
		return &codecs.H265Payloader{}, nil
	case CodecOpus:
		return &codecs.OpusPayloader{}, nil
	case CodecPCMU, CodecPCMA:
		return &codecs.G711Payloader{}, nil
	default:
		return nil, fmt.Errorf("no payloader for codec %s", c)
	}
}

// RTPTransceiver writes frames as packetized RTP over pion's RTP track.
// Used where the application owns the packetization, e.g. to set custom
// header extensions.
type RTPTransceiver struct {
	track      *webrtc.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	clockRate  uint32

	mu     sync.Mutex
	lastUs uint64
}

// NewRTPTransceiver creates the RTP track and packetizer for one codec.
func NewRTPTransceiver(codec CodecID, id, streamID string, mtu uint16) (*RTPTransceiver, error) {
	if codec.MimeType() == "" {
		return nil, fmt.Errorf("rtp transceiver: codec %s has no wire format", codec)
	}
	if mtu == 0 {
		mtu = 1200
	}
	payloader, err := payloaderFor(codec)
	if err != nil {
		return nil, fmt.Errorf("rtp transceiver: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("rtp transceiver: %w", err)
	}
	packetizer := rtp.NewPacketizer(mtu, defaultPayloadType(codec), rand.Uint32(),
		payloader, rtp.NewRandomSequencer(), codec.ClockRate())
	return &RTPTransceiver{
		track:      track,
		packetizer: packetizer,
		clockRate:  codec.ClockRate(),
	}, nil
}

// Track returns the pion track, for AddTrack on a peer connection.
func (t *RTPTransceiver) Track() *webrtc.TrackLocalStaticRTP { return t.track }

// WriteFrame implements Transceiver.
func (t *RTPTransceiver) WriteFrame(frame *MediaFrame) error {
	t.mu.Lock()
	var elapsedUs uint64
	if t.lastUs != 0 && frame.PresentationUs > t.lastUs {
		elapsedUs = frame.PresentationUs - t.lastUs
	}
	t.lastUs = frame.PresentationUs
	t.mu.Unlock()

	samples := uint32(elapsedUs * uint64(t.clockRate) / 1_000_000)
	for _, pkt := range t.packetizer.Packetize(frame.Data, samples) {
		if err := t.track.WriteRTP(pkt); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDefaultCallbacks installs frame callbacks that forward to each
// session's bound transceiver.
func RegisterDefaultCallbacks(sink *SinkNode) {
	write := func(t Transceiver, frame *MediaFrame) error {
		if t == nil {
			return ErrNoTransceiver
		}
		return t.WriteFrame(frame)
	}
	sink.RegisterVideoCallback(write)
	sink.RegisterAudioCallback(write)
}

// AttachPeerConnection wires one pion peer connection into the graph: it
// adds sample tracks for the graph's codecs, binds them to a new viewer
// session, gates dispatch on the connection state, and forwards inbound
// remote audio into the playback branch. The returned session is already
// registered with the graph's table; it is removed when the connection
// closes or fails.
func AttachPeerConnection(g *PipelineGraph, pc *webrtc.PeerConnection, peerID string) (*ViewerSession, error) {
	session := NewViewerSession(peerID)
	log := componentLogger("peer-adapter").With().Str("session", session.ID).Logger()

	videoTr, err := NewSampleTransceiver(g.cfg.VideoCodec, "video", "device-media", 0)
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTrack(videoTr.Track()); err != nil {
		return nil, fmt.Errorf("add video track: %w", err)
	}
	if err := session.SetTransceiver(TrackKindVideo, videoTr); err != nil {
		return nil, err
	}

	audioTr, err := NewSampleTransceiver(g.cfg.AudioCodec, "audio", "device-media",
		time.Duration(audioFrameMs(g.cfg))*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if _, err := pc.AddTrack(audioTr.Track()); err != nil {
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	if err := session.SetTransceiver(TrackKindAudio, audioTr); err != nil {
		return nil, err
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		st := FromPeerConnectionState(s)
		session.SetState(st)
		log.Info().Str("state", st.String()).Msg("connection state")
		if st == ConnStateFailed || st == ConnStateClosed {
			g.Sessions().Remove(session.ID)
		}
	})

	if g.cfg.EnableAudioRecv {
		pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if remote.Kind() != webrtc.RTPCodecTypeAudio {
				return
			}
			go forwardInboundAudio(g, remote, log)
		})
	}

	g.Sessions().Add(session)
	return session, nil
}

func audioFrameMs(cfg GraphConfig) int {
	if cfg.AudioCodec == CodecOpus {
		if cfg.Opus.FrameSizeMs > 0 {
			return cfg.Opus.FrameSizeMs
		}
		return DefaultOpusConfig().FrameSizeMs
	}
	return g711FrameMs
}

// forwardInboundAudio pumps remote audio payloads into the injector.
// Lock timeouts and full queues drop the frame; the next one recovers.
func forwardInboundAudio(g *PipelineGraph, remote *webrtc.TrackRemote, log zerolog.Logger) {
	throttle := newLogThrottle(perItemErrLogInterval)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("inbound audio read failed")
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if err := g.PlayAudioFrame(pkt.Payload); err != nil {
			if should, n := throttle.ok(); should {
				log.Warn().Err(err).Uint64("dropped", n).Msg("inbound frame dropped")
			}
		}
	}
}
