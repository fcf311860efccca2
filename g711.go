package media

import "fmt"

// G.711 frames are fixed at 20 ms: 160 samples at 8 kHz, one byte each
// on the wire, two bytes each as S16LE PCM.
const (
	g711FrameMs      = 20
	g711FrameSamples = SampleRate8KHz * g711FrameMs / 1000
)

// G711 is the µ-law/A-law transformer. It implements both AudioEncoder
// and AudioDecoder; the configured mode gates which direction is legal,
// mirroring the hardware codec's encode/decode instances.
type G711 struct {
	cfg G711Config
	out []byte
}

// NewG711 validates the config and returns the transformer.
func NewG711(cfg G711Config) (*G711, error) {
	if cfg.Codec != CodecPCMU && cfg.Codec != CodecPCMA {
		return nil, fmt.Errorf("g711: unsupported codec %s", cfg.Codec)
	}
	if cfg.BufLen <= 0 {
		cfg.BufLen = 2048
	}
	return &G711{cfg: cfg, out: make([]byte, 0, cfg.BufLen)}, nil
}

// Codec returns CodecPCMU or CodecPCMA.
func (g *G711) Codec() CodecID { return g.cfg.Codec }

// FrameBytes returns the PCM input size of one 20 ms frame.
func (g *G711) FrameBytes() int { return g711FrameSamples * 2 }

// Encode compands one PCM frame. The returned slice is valid until the
// next call.
func (g *G711) Encode(pcm []byte) ([]byte, error) {
	if g.cfg.Mode != G711Encode {
		return nil, fmt.Errorf("g711: transformer configured for decode")
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("g711 encode: odd PCM length %d", len(pcm))
	}
	n := len(pcm) / 2
	g.out = grow(g.out, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		if g.cfg.Codec == CodecPCMU {
			g.out[i] = linearToUlaw(s)
		} else {
			g.out[i] = linearToAlaw(s)
		}
	}
	return g.out[:n], nil
}

// Decode expands one companded frame to PCM. The returned slice is valid
// until the next call.
func (g *G711) Decode(data []byte) ([]byte, error) {
	if g.cfg.Mode != G711Decode {
		return nil, fmt.Errorf("g711: transformer configured for encode")
	}
	n := len(data)
	g.out = grow(g.out, n*2)
	for i, b := range data {
		var s int16
		if g.cfg.Codec == CodecPCMU {
			s = ulawToLinear(b)
		} else {
			s = alawToLinear(b)
		}
		g.out[2*i] = byte(s)
		g.out[2*i+1] = byte(uint16(s) >> 8)
	}
	return g.out[:n*2], nil
}

// Close implements io.Closer; the transformer holds no device state.
func (g *G711) Close() error { return nil }

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func linearToUlaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; exp-- {
		mask >>= 1
	}
	mantissa := (s >> uint(exp+3)) & 0x0f
	return byte(^(sign | exp<<4 | mantissa))
}

func ulawToLinear(u byte) int16 {
	u = ^u
	t := ((int(u&0x0f) << 3) + ulawBias) << ((u >> 4) & 0x07)
	if u&0x80 != 0 {
		return int16(ulawBias - t)
	}
	return int16(t - ulawBias)
}

// A-law segment end points for the 13-bit magnitude.
var alawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func linearToAlaw(sample int16) byte {
	s := int(sample) >> 3 // 13-bit magnitude domain
	mask := 0xD5
	if s < 0 {
		mask = 0x55
		s = -s - 1
	}
	seg := 8
	for i, end := range alawSegEnd {
		if s <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	aval := seg << 4
	if seg < 2 {
		aval |= (s >> 1) & 0x0F
	} else {
		aval |= (s >> uint(seg)) & 0x0F
	}
	return byte(aval ^ mask)
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
