package media

// TrackKind tags a frame as belonging to the video or audio track.
type TrackKind int

const (
	TrackKindUnknown TrackKind = iota
	TrackKindVideo
	TrackKindAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackKindVideo:
		return "video"
	case TrackKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// CodecID identifies the media type carried by a queue item or frame.
type CodecID int

const (
	CodecUnknown CodecID = iota
	CodecH264
	CodecH265
	CodecOpus
	CodecPCMU // G.711 µ-law
	CodecPCMA // G.711 A-law
	CodecPCM  // raw signed 16-bit little-endian PCM
)

func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "H264"
	case CodecH265:
		return "H265"
	case CodecOpus:
		return "Opus"
	case CodecPCMU:
		return "PCMU"
	case CodecPCMA:
		return "PCMA"
	case CodecPCM:
		return "PCM"
	default:
		return "Unknown"
	}
}

// MimeType returns the WebRTC MIME type for this codec, or "" when the
// codec never appears on the wire (raw PCM).
func (c CodecID) MimeType() string {
	switch c {
	case CodecH264:
		return "video/H264"
	case CodecH265:
		return "video/H265"
	case CodecOpus:
		return "audio/opus"
	case CodecPCMU:
		return "audio/PCMU"
	case CodecPCMA:
		return "audio/PCMA"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c CodecID) ClockRate() uint32 {
	switch c {
	case CodecH264, CodecH265:
		return 90000
	case CodecOpus:
		return 48000
	case CodecPCMU, CodecPCMA:
		return 8000
	default:
		return 0
	}
}

// TrackKind classifies the codec onto a track. Raw PCM never reaches a
// peer connection and reports TrackKindUnknown.
func (c CodecID) TrackKind() TrackKind {
	switch c {
	case CodecH264, CodecH265:
		return TrackKindVideo
	case CodecOpus, CodecPCMU, CodecPCMA:
		return TrackKindAudio
	default:
		return TrackKindUnknown
	}
}

// FrameVersion is the current MediaFrame ABI version.
const FrameVersion = 1

// MediaFrame is an encoded frame handed to the peer-connection layer.
// The sink allocates Data as a per-frame copy; the receiver owns and must
// release the payload iff FreeData is true. On any error path before
// dispatch the sink releases it instead.
type MediaFrame struct {
	Version        int
	Data           []byte
	TrackKind      TrackKind
	PresentationUs uint64 // microseconds on the monotonic media clock
	FreeData       bool
}

// QueueItem is the unit of transfer between pipeline nodes. The payload is
// owned by the producing node; a consumer may reference it only for the
// duration of its handle call and must copy it to retain it.
type QueueItem struct {
	Data   []byte
	Codec  CodecID
	Tick   Tick // capture timestamp in device ticks
	SrcIdx int  // source index assigned by a MISO linker, 0 otherwise
}

// Clone deep-copies the item so it can outlive the producer's buffer.
func (q QueueItem) Clone() QueueItem {
	c := q
	if q.Data != nil {
		c.Data = make([]byte, len(q.Data))
		copy(c.Data, q.Data)
	}
	return c
}
