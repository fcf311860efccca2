package media

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newAppliedArray(t *testing.T, cfg ArraySourceConfig) *ArraySource {
	t.Helper()
	a, err := NewArraySource("audio-array", cfg)
	if err != nil {
		t.Fatalf("NewArraySource: %v", err)
	}
	if err := a.Control(SetQueueDepth{Depth: codecQueueDepth}); err != nil {
		t.Fatalf("SetQueueDepth: %v", err)
	}
	if err := a.Control(AllocItems{Mode: AllocDynamic}); err != nil {
		t.Fatalf("AllocItems: %v", err)
	}
	if err := a.Control(Apply{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestInjectorBindsAndStreamsFrame(t *testing.T) {
	array := newAppliedArray(t, ArraySourceConfig{
		Codec:      CodecPCMU,
		SampleRate: SampleRate8KHz,
		FrameBytes: 160,
		FrameMs:    5,
		Once:       true,
	})
	inj := NewAudioInjector(array)
	defer inj.Close()

	frame := make([]byte, 80)
	for i := range frame {
		frame[i] = byte(i)
	}
	if err := inj.PlayAudioFrame(frame); err != nil {
		t.Fatalf("PlayAudioFrame: %v", err)
	}
	waitFor(t, "frame bound", func() bool { return inj.Injected() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, ok := array.Output().Pop(ctx)
	if !ok {
		t.Fatal("no frame emitted after injection")
	}
	if item.Codec != CodecPCMU || len(item.Data) != 80 {
		t.Fatalf("emitted %s/%d bytes, want PCMU/80", item.Codec, len(item.Data))
	}
	for i := range item.Data {
		if item.Data[i] != byte(i) {
			t.Fatalf("byte %d = %#x, want %#x", i, item.Data[i], byte(i))
		}
	}
	// One frame, once mode: the source stops itself after the traversal.
	waitFor(t, "source stopped", func() bool { return array.State() == NodeStopped })
}

func TestInjectorFeedsDecoderPath(t *testing.T) {
	array := newAppliedArray(t, ArraySourceConfig{
		Codec:      CodecPCMU,
		SampleRate: SampleRate8KHz,
		FrameBytes: 160,
		FrameMs:    5,
		Once:       true,
	})
	dec := &fakeDecoder{codec: CodecPCMU, pcmBytes: 320}
	decNode, err := NewDecoderNode("audio-decoder", dec)
	if err != nil {
		t.Fatalf("NewDecoderNode: %v", err)
	}
	if err := decNode.Control(AllocItems{Mode: AllocDynamic}); err != nil {
		t.Fatalf("AllocItems: %v", err)
	}
	if err := decNode.Control(Apply{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	defer decNode.Close()

	link := NewSISO()
	if err := link.AddInput(array); err != nil {
		t.Fatalf("AddInput: %v", err)
	}
	if err := link.AddOutput(decNode); err != nil {
		t.Fatalf("AddOutput: %v", err)
	}
	if err := link.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer link.Delete()

	inj := NewAudioInjector(array)
	defer inj.Close()
	if err := inj.PlayAudioFrame(make([]byte, 160)); err != nil {
		t.Fatalf("PlayAudioFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, ok := decNode.Output().Pop(ctx)
	if !ok {
		t.Fatal("decoded PCM never arrived")
	}
	if item.Codec != CodecPCM || len(item.Data) != 320 {
		t.Fatalf("decoded %s/%d bytes, want PCM/320", item.Codec, len(item.Data))
	}
	if len(dec.lastIn) != 160 {
		t.Fatalf("decoder saw %d input bytes, want 160", len(dec.lastIn))
	}
}

func TestInjectorLockTimeout(t *testing.T) {
	array := newAppliedArray(t, DefaultArraySourceConfig(CodecPCMU))
	inj := NewAudioInjector(array)
	defer inj.Close()

	// Hold the slot lock so the next push cannot take it.
	inj.sem <- struct{}{}
	start := time.Now()
	err := inj.PlayAudioFrame(make([]byte, 160))
	elapsed := time.Since(start)
	if !errors.Is(err, ErrInjectTimeout) {
		t.Fatalf("PlayAudioFrame = %v, want ErrInjectTimeout", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %v, lock wait is not bounded", elapsed)
	}
	<-inj.sem
}

func TestInjectorEmptyFrameIsNoOp(t *testing.T) {
	array := newAppliedArray(t, DefaultArraySourceConfig(CodecPCMU))
	inj := NewAudioInjector(array)
	defer inj.Close()

	if err := inj.PlayAudioFrame(nil); err != nil {
		t.Fatalf("PlayAudioFrame(nil): %v", err)
	}
	if inj.Injected() != 0 {
		t.Fatalf("empty frame counted as injection")
	}
}

func TestInjectorClosedRejectsFrames(t *testing.T) {
	array := newAppliedArray(t, DefaultArraySourceConfig(CodecPCMU))
	inj := NewAudioInjector(array)
	if err := inj.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := inj.PlayAudioFrame(make([]byte, 160)); !errors.Is(err, ErrInjectorClosed) {
		t.Fatalf("PlayAudioFrame after close = %v, want ErrInjectorClosed", err)
	}
	// Idempotent.
	if err := inj.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestInjectorSerializesBinds(t *testing.T) {
	array := newAppliedArray(t, ArraySourceConfig{
		Codec:      CodecPCMU,
		SampleRate: SampleRate8KHz,
		FrameBytes: 160,
		FrameMs:    2,
		Once:       true,
	})
	inj := NewAudioInjector(array)
	defer inj.Close()

	// Rapid pushes: some may time out against the settle delay, but every
	// accepted frame must be bound, and none may corrupt another's bind.
	var accepted uint64
	for n := 0; n < 8; n++ {
		if err := inj.PlayAudioFrame(make([]byte, 160)); err == nil {
			accepted++
		} else if !errors.Is(err, ErrInjectTimeout) {
			t.Fatalf("PlayAudioFrame: %v", err)
		}
	}
	waitFor(t, "all accepted frames bound", func() bool { return inj.Injected() == accepted })
}

func TestDirectInjectorQueuesPages(t *testing.T) {
	dec := &fakeDecoder{codec: CodecPCMU, pcmBytes: 640}
	var inits int
	d := NewDirectInjector(dec, func() error { inits++; return nil })
	defer d.Close()

	if err := d.PlayAudioFrame(make([]byte, 320)); err != nil {
		t.Fatalf("PlayAudioFrame: %v", err)
	}
	if inits != 1 {
		t.Fatalf("hardware init ran %d times, want 1", inits)
	}
	// 640 PCM bytes split into two 320-byte pages.
	p1 := d.NextPage()
	p2 := d.NextPage()
	if len(p1) != dmaPageBytes || len(p2) != dmaPageBytes {
		t.Fatalf("page sizes %d/%d, want %d", len(p1), len(p2), dmaPageBytes)
	}
	if err := d.PlayAudioFrame(make([]byte, 320)); err != nil {
		t.Fatalf("second PlayAudioFrame: %v", err)
	}
	if inits != 1 {
		t.Fatalf("hardware init reran: %d", inits)
	}
}

func TestDirectInjectorBoundsBacklog(t *testing.T) {
	// Each decode yields one page, so the eleventh frame overflows the
	// ten-page backlog.
	dec := &fakeDecoder{codec: CodecPCMU, pcmBytes: dmaPageBytes}
	d := NewDirectInjector(dec, nil)
	defer d.Close()

	for n := 0; n < dmaPageCount; n++ {
		if err := d.PlayAudioFrame(make([]byte, 160)); err != nil {
			t.Fatalf("frame %d: %v", n, err)
		}
	}
	err := d.PlayAudioFrame(make([]byte, 160))
	if !errors.Is(err, ErrPCMQueueFull) {
		t.Fatalf("overflow frame = %v, want ErrPCMQueueFull", err)
	}
	if d.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", d.Dropped())
	}
}

func TestDirectInjectorUnderrunPlaysSilence(t *testing.T) {
	d := NewDirectInjector(&fakeDecoder{codec: CodecPCMU, pcmBytes: dmaPageBytes}, nil)
	defer d.Close()

	page := d.NextPage()
	if len(page) != dmaPageBytes {
		t.Fatalf("silence page = %d bytes, want %d", len(page), dmaPageBytes)
	}
	for i, b := range page {
		if b != 0 {
			t.Fatalf("silence byte %d = %#x", i, b)
		}
	}
}
