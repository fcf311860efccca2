package media

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestArraySourceRejectsBadGeometry(t *testing.T) {
	if _, err := NewArraySource("bad", ArraySourceConfig{Codec: CodecPCMU}); err == nil {
		t.Fatal("NewArraySource accepted zero frame geometry")
	}
}

func TestArraySourceStreamsBoundBufferOnce(t *testing.T) {
	a := newAppliedArray(t, ArraySourceConfig{
		Codec:      CodecPCMU,
		SampleRate: SampleRate8KHz,
		FrameBytes: 4,
		FrameMs:    2,
		Once:       true,
	})

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := a.Control(SetArray{Data: data}); err != nil {
		t.Fatalf("SetArray: %v", err)
	}
	if err := a.Control(Streaming{On: true}); err != nil {
		t.Fatalf("Streaming on: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []byte
	for len(got) < len(data) {
		item, ok := a.Output().Pop(ctx)
		if !ok {
			t.Fatalf("stream stalled after %d bytes", len(got))
		}
		got = append(got, item.Data...)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], data[i])
		}
	}
	// Play-once: streaming clears itself at the end of the buffer.
	waitFor(t, "play-once stop", func() bool { return a.State() == NodeStopped })
}

func TestArraySourceRebindWhileStreamingFails(t *testing.T) {
	a := newAppliedArray(t, ArraySourceConfig{
		Codec:      CodecPCMU,
		SampleRate: SampleRate8KHz,
		FrameBytes: 4,
		FrameMs:    50,
		Once:       false,
	})
	if err := a.Control(SetArray{Data: make([]byte, 64)}); err != nil {
		t.Fatalf("SetArray: %v", err)
	}
	if err := a.Control(Streaming{On: true}); err != nil {
		t.Fatalf("Streaming on: %v", err)
	}
	if err := a.Control(SetArray{Data: make([]byte, 32)}); !errors.Is(err, ErrBadState) {
		t.Fatalf("rebind while streaming = %v, want ErrBadState", err)
	}
	if err := a.Control(Streaming{On: false}); err != nil {
		t.Fatalf("Streaming off: %v", err)
	}
	if err := a.Control(SetArray{Data: make([]byte, 32)}); err != nil {
		t.Fatalf("rebind after stop: %v", err)
	}
}

func TestArraySourceStreamingNeedsBoundArray(t *testing.T) {
	a := newAppliedArray(t, DefaultArraySourceConfig(CodecPCMU))
	if err := a.Control(Streaming{On: true}); !errors.Is(err, ErrBadState) {
		t.Fatalf("streaming with no array = %v, want ErrBadState", err)
	}
}

func TestArraySourceHandleRejectsInput(t *testing.T) {
	a := newAppliedArray(t, DefaultArraySourceConfig(CodecPCMU))
	err := a.Handle(QueueItem{Data: []byte{1}}, func(QueueItem) error { return nil })
	if !errors.Is(err, ErrSourceHandle) {
		t.Fatalf("Handle = %v, want ErrSourceHandle", err)
	}
}
