package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Injection timing. The lock wait bounds how long the network-receive
// task can stall; the settle delay lets the DAC DMA and echo-canceller
// reference realign after playout stops before the next buffer binds.
const (
	injectLockTimeout = 10 * time.Millisecond
	injectSettleDelay = time.Millisecond
)

var (
	ErrInjectTimeout  = errors.New("injector lock timeout")
	ErrInjectorClosed = errors.New("injector closed")
	ErrPCMQueueFull   = errors.New("pcm page queue full")
)

// AudioInjector feeds inbound encoded audio into the playback sub-graph.
// It owns the array source exclusively: each accepted frame lands in a
// single reusable slot buffer, and the injector goroutine runs the
// stop, settle, rebind, start sequence so the source plays the frame
// through exactly once. Callers hold the slot lock at most the bounded
// wait; the rebind sequence itself runs off the caller's task.
type AudioInjector struct {
	array *ArraySource

	sem    chan struct{} // slot lock; released by the actor after rebind
	slot   []byte
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	injected atomic.Uint64
	log      zerolog.Logger
}

// NewAudioInjector wraps an applied array source and starts the playout
// goroutine. The injector must be the only writer to the source's
// streaming state from here on.
func NewAudioInjector(array *ArraySource) *AudioInjector {
	ctx, cancel := context.WithCancel(context.Background())
	i := &AudioInjector{
		array:  array,
		sem:    make(chan struct{}, 1),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		log:    componentLogger("audio-injector"),
	}
	i.wg.Add(1)
	go i.run()
	return i
}

// PlayAudioFrame accepts one inbound encoded audio frame, best effort.
// It returns ErrInjectTimeout when the slot stays locked past the
// bounded wait; the frame is discarded and the caller decides whether to
// buffer or drop. For Opus the frame must hold at most one codec frame
// of the configured duration.
func (i *AudioInjector) PlayAudioFrame(data []byte) error {
	if i.closed.Load() {
		return ErrInjectorClosed
	}
	if len(data) == 0 {
		return nil
	}

	timer := time.NewTimer(injectLockTimeout)
	defer timer.Stop()
	select {
	case i.sem <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("frame of %d bytes discarded: %w", len(data), ErrInjectTimeout)
	case <-i.ctx.Done():
		return ErrInjectorClosed
	}

	if cap(i.slot) < len(data) {
		i.slot = make([]byte, len(data))
	}
	i.slot = i.slot[:len(data)]
	copy(i.slot, data)

	// Slot lock is held until the actor finishes the rebind, so the
	// next caller cannot overwrite a frame that has not been bound.
	i.notify <- struct{}{}
	return nil
}

// Injected reports the number of frames bound into the array source.
func (i *AudioInjector) Injected() uint64 { return i.injected.Load() }

// Close stops the playout goroutine. The array source itself belongs to
// the graph and is closed there.
func (i *AudioInjector) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	i.cancel()
	i.wg.Wait()
	return nil
}

func (i *AudioInjector) run() {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-i.notify:
			i.playSlot()
			<-i.sem
		}
	}
}

// playSlot runs the stop, settle, rebind, start protocol on the array
// source. Called with the slot lock held.
func (i *AudioInjector) playSlot() {
	if err := i.array.Control(Streaming{On: false}); err != nil {
		i.log.Warn().Err(err).Msg("stop streaming failed")
		return
	}
	time.Sleep(injectSettleDelay)
	if err := i.array.Control(SetArray{Data: i.slot}); err != nil {
		i.log.Warn().Err(err).Msg("array rebind failed")
		return
	}
	if err := i.array.Control(Streaming{On: true}); err != nil {
		i.log.Warn().Err(err).Msg("start streaming failed")
		return
	}
	i.injected.Add(1)
}

// dmaPageBytes is one 20 ms PCM page at 8 kHz mono S16LE, the DAC DMA
// transfer unit.
const dmaPageBytes = g711FrameSamples * 2

// dmaPageCount bounds the PCM backlog between the network task and the
// DMA consumer.
const dmaPageCount = 10

// DirectInjector is the DMA-bypass playback variant: inbound frames are
// decoded on the caller's task into fixed PCM pages queued for a
// DMA-completion consumer. Build a graph with either this or
// AudioInjector, never both; two playback paths corrupt the
// echo-canceller reference.
type DirectInjector struct {
	dec     AudioDecoder
	initHW  func() error
	hwOnce  sync.Once
	hwErr   error
	sem     chan struct{}
	pages   chan []byte
	silence []byte
	dropped atomic.Uint64
	log     zerolog.Logger
}

// NewDirectInjector builds the variant around a decoder. initHW, may be
// nil, runs once before the first frame to bring up output-only
// playback hardware.
func NewDirectInjector(dec AudioDecoder, initHW func() error) *DirectInjector {
	return &DirectInjector{
		dec:     dec,
		initHW:  initHW,
		sem:     make(chan struct{}, 1),
		pages:   make(chan []byte, dmaPageCount),
		silence: make([]byte, dmaPageBytes),
		log:     componentLogger("direct-injector"),
	}
}

// PlayAudioFrame decodes one inbound frame and queues its PCM pages.
// Pages that do not fit the backlog are dropped with ErrPCMQueueFull.
func (d *DirectInjector) PlayAudioFrame(data []byte) error {
	timer := time.NewTimer(injectLockTimeout)
	defer timer.Stop()
	select {
	case d.sem <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("frame of %d bytes discarded: %w", len(data), ErrInjectTimeout)
	}
	defer func() { <-d.sem }()

	d.hwOnce.Do(func() {
		if d.initHW != nil {
			d.hwErr = d.initHW()
		}
	})
	if d.hwErr != nil {
		return fmt.Errorf("playback init: %w", d.hwErr)
	}

	pcm, err := d.dec.Decode(data)
	if err != nil {
		return fmt.Errorf("inbound decode: %w", err)
	}
	for off := 0; off < len(pcm); off += dmaPageBytes {
		end := off + dmaPageBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		page := make([]byte, dmaPageBytes)
		copy(page, pcm[off:end])
		select {
		case d.pages <- page:
		default:
			d.dropped.Add(1)
			return fmt.Errorf("%d pcm bytes discarded: %w", len(pcm)-off, ErrPCMQueueFull)
		}
	}
	return nil
}

// NextPage hands the DMA-completion context its next page. It never
// blocks and never allocates; an empty backlog plays silence.
func (d *DirectInjector) NextPage() []byte {
	select {
	case p := <-d.pages:
		return p
	default:
		return d.silence
	}
}

// Dropped reports pages discarded to the bounded backlog.
func (d *DirectInjector) Dropped() uint64 { return d.dropped.Load() }

// Close releases the decoder.
func (d *DirectInjector) Close() error {
	if d.dec != nil {
		return d.dec.Close()
	}
	return nil
}
