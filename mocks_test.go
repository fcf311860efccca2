package media

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// recordTransceiver captures every frame written to it.
type recordTransceiver struct {
	mu     sync.Mutex
	frames []*MediaFrame
	err    error
}

func (r *recordTransceiver) WriteFrame(f *MediaFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := *f
	cp.Data = append([]byte(nil), f.Data...)
	r.frames = append(r.frames, &cp)
	return nil
}

func (r *recordTransceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordTransceiver) frame(i int) *MediaFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[i]
}

// stubVideoDriver records lifecycle calls and exposes the frame sink so
// tests can push frames as the hardware would.
type stubVideoDriver struct {
	mu         sync.Mutex
	sink       func(data []byte, tick Tick)
	presets    int
	configures int
	starts     int
	stops      int

	presetErr error
	startErr  error
}

func (d *stubVideoDriver) Preset(VideoCaptureConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presets++
	return d.presetErr
}

func (d *stubVideoDriver) Configure(VideoCaptureConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configures++
	return nil
}

func (d *stubVideoDriver) Start(int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return d.startErr
}

func (d *stubVideoDriver) Stop(int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *stubVideoDriver) SetFrameSink(fn func(data []byte, tick Tick)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = fn
}

func (d *stubVideoDriver) push(data []byte, tick Tick) {
	d.mu.Lock()
	fn := d.sink
	d.mu.Unlock()
	if fn != nil {
		fn(data, tick)
	}
}

// stubAudioDriver records lifecycle calls, exposes the capture sink, and
// collects played PCM.
type stubAudioDriver struct {
	mu       sync.Mutex
	sink     func(pcm []byte, tick Tick)
	starts   int
	stops    int
	played   [][]byte
	startErr error
}

func (d *stubAudioDriver) Configure(AudioCaptureConfig) error { return nil }

func (d *stubAudioDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return d.startErr
}

func (d *stubAudioDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *stubAudioDriver) SetCaptureSink(fn func(pcm []byte, tick Tick)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = fn
}

func (d *stubAudioDriver) Play(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played = append(d.played, append([]byte(nil), pcm...))
	return nil
}

func (d *stubAudioDriver) push(pcm []byte, tick Tick) {
	d.mu.Lock()
	fn := d.sink
	d.mu.Unlock()
	if fn != nil {
		fn(pcm, tick)
	}
}

func (d *stubAudioDriver) playedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.played)
}

// fakeEncoder passes PCM frames through unchanged, tagged with a codec.
type fakeEncoder struct {
	codec      CodecID
	frameBytes int
	out        []byte
	encodes    int
	err        error
}

func (f *fakeEncoder) Codec() CodecID  { return f.codec }
func (f *fakeEncoder) FrameBytes() int { return f.frameBytes }
func (f *fakeEncoder) Close() error    { return nil }

func (f *fakeEncoder) Encode(pcm []byte) ([]byte, error) {
	f.encodes++
	if f.err != nil {
		return nil, f.err
	}
	f.out = append(f.out[:0], pcm...)
	return f.out, nil
}

// fakeDecoder expands every encoded frame to a fixed PCM size.
type fakeDecoder struct {
	codec    CodecID
	pcmBytes int
	decodes  int
	lastIn   []byte
}

func (f *fakeDecoder) Codec() CodecID { return f.codec }
func (f *fakeDecoder) Close() error   { return nil }

func (f *fakeDecoder) Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	f.decodes++
	f.lastIn = append([]byte(nil), data...)
	return make([]byte, f.pcmBytes), nil
}

// pcmSine returns n S16LE samples of a test tone.
func pcmSine(n int, sampleRate int) []byte {
	buf := make([]byte, n*2)
	step := 2 * math.Pi * 440 / float64(sampleRate)
	for i := 0; i < n; i++ {
		s := int16(12000 * math.Sin(step*float64(i)))
		buf[2*i] = byte(s)
		buf[2*i+1] = byte(uint16(s) >> 8)
	}
	return buf
}

// readySession returns a table-less session in the ready state with
// recording transceivers on both tracks.
func readySession(peerID string) (*ViewerSession, *recordTransceiver, *recordTransceiver) {
	s := NewViewerSession(peerID)
	video := &recordTransceiver{}
	audio := &recordTransceiver{}
	if err := s.SetTransceiver(TrackKindVideo, video); err != nil {
		panic(fmt.Sprintf("bind video: %v", err))
	}
	if err := s.SetTransceiver(TrackKindAudio, audio); err != nil {
		panic(fmt.Sprintf("bind audio: %v", err))
	}
	s.SetState(ConnStateReady)
	return s, video, audio
}
