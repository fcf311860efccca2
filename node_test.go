package media

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestItemQueueDepthFrozenAfterAlloc(t *testing.T) {
	q := NewItemQueue()
	if err := q.SetDepth(4); err != nil {
		t.Fatalf("SetDepth: %v", err)
	}
	if err := q.Alloc(AllocDynamic); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := q.SetDepth(8); !errors.Is(err, ErrQueueAllocated) {
		t.Fatalf("SetDepth after Alloc = %v, want ErrQueueAllocated", err)
	}
	if err := q.Alloc(AllocDynamic); !errors.Is(err, ErrQueueAllocated) {
		t.Fatalf("second Alloc = %v, want ErrQueueAllocated", err)
	}
}

func TestItemQueuePushCopiesPayload(t *testing.T) {
	q := NewItemQueue()
	if err := q.Alloc(AllocDynamic); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	buf := []byte{1, 2, 3, 4}
	if err := q.Push(QueueItem{Data: buf, Codec: CodecPCM}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	// Producer reuses its buffer; the queued copy must not change.
	buf[0] = 99

	item, ok := q.Pop(context.Background())
	if !ok {
		t.Fatal("Pop returned no item")
	}
	if !bytes.Equal(item.Data, []byte{1, 2, 3, 4}) {
		t.Fatalf("queued payload = %v, want original bytes", item.Data)
	}
}

func TestItemQueueFullDropsWithoutBlocking(t *testing.T) {
	q := NewItemQueue()
	if err := q.SetDepth(2); err != nil {
		t.Fatalf("SetDepth: %v", err)
	}
	if err := q.Alloc(AllocDynamic); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.Push(QueueItem{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	done := make(chan error, 1)
	go func() { done <- q.Push(QueueItem{Data: []byte{9}}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Push on full queue = %v, want ErrQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push blocked on a full queue")
	}
}

func TestItemQueueStaticReusesBuffers(t *testing.T) {
	q := NewItemQueue()
	if err := q.SetDepth(1); err != nil {
		t.Fatalf("SetDepth: %v", err)
	}
	if err := q.Alloc(AllocStatic); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := q.Push(QueueItem{Data: make([]byte, 64)}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	item, ok := q.Pop(context.Background())
	if !ok {
		t.Fatal("Pop returned no item")
	}
	first := &item.Data[0]
	q.Release(item)

	if err := q.Push(QueueItem{Data: make([]byte, 32)}); err != nil {
		t.Fatalf("Push after Release: %v", err)
	}
	item2, ok := q.Pop(context.Background())
	if !ok {
		t.Fatal("second Pop returned no item")
	}
	if len(item2.Data) != 32 {
		t.Fatalf("second item length = %d, want 32", len(item2.Data))
	}
	if &item2.Data[0] != first {
		t.Fatal("static queue did not reuse the released buffer")
	}
}

func TestItemQueuePopHonorsContext(t *testing.T) {
	q := NewItemQueue()
	if err := q.Alloc(AllocDynamic); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Pop returned an item after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not observe context cancellation")
	}
}

func TestItemQueuePushAfterCloseFails(t *testing.T) {
	q := NewItemQueue()
	if err := q.Alloc(AllocDynamic); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	q.Close()
	if err := q.Push(QueueItem{Data: []byte{1}}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Push after Close = %v, want ErrQueueClosed", err)
	}
}

func TestItemQueueCloseDuringPushDoesNotPanic(t *testing.T) {
	// Driver callbacks can be mid-Push when graph teardown closes the
	// queue. The push must fail cleanly, never hit a closed channel.
	payload := make([]byte, 32<<20) // long copy widens the race window
	for i := 0; i < 8; i++ {
		q := NewItemQueue()
		if err := q.Alloc(AllocDynamic); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		done := make(chan error, 1)
		go func() { done <- q.Push(QueueItem{Data: payload, Codec: CodecPCM}) }()
		time.Sleep(time.Millisecond)
		q.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Push racing Close = %v, want nil or ErrQueueClosed", err)
		}
	}
}

func TestNodeStateStrings(t *testing.T) {
	states := map[NodeState]string{
		NodeCreated:    "created",
		NodeConfigured: "configured",
		NodeApplied:    "applied",
		NodeRunning:    "running",
		NodeStopped:    "stopped",
		NodeClosed:     "closed",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

// bogusCmd is a command no node understands.
type bogusCmd struct{}

func (bogusCmd) isCommand() {}

func TestControlRejectsUnknownCommand(t *testing.T) {
	sink := newRunningSink(t, SinkConfig{
		Clock:    NewMediaClock(90000),
		Sessions: NewSessionTable(),
	})
	if err := sink.Control(bogusCmd{}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("sink Control = %v, want ErrUnknownCommand", err)
	}
	if sink.State() != NodeRunning {
		t.Fatalf("sink state = %s after unknown command, want running", sink.State())
	}

	enc, err := NewEncoderNode("enc", &fakeEncoder{codec: CodecPCMU, frameBytes: 320})
	if err != nil {
		t.Fatalf("NewEncoderNode: %v", err)
	}
	if err := enc.Control(bogusCmd{}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("encoder Control = %v, want ErrUnknownCommand", err)
	}

	arr, err := NewArraySource("arr", ArraySourceConfig{
		Codec:      CodecPCMU,
		SampleRate: SampleRate8KHz,
		FrameBytes: 4,
		FrameMs:    2,
	})
	if err != nil {
		t.Fatalf("NewArraySource: %v", err)
	}
	if err := arr.Control(bogusCmd{}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("array Control = %v, want ErrUnknownCommand", err)
	}

	vid, err := NewVideoCaptureNode("video", DefaultVideoCaptureConfig(CodecH264), &stubVideoDriver{})
	if err != nil {
		t.Fatalf("NewVideoCaptureNode: %v", err)
	}
	if err := vid.Control(bogusCmd{}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("video capture Control = %v, want ErrUnknownCommand", err)
	}
}

func TestBaseNodeQueueCommands(t *testing.T) {
	b := NewBaseNode("test", CodecPCM)
	if done, err := b.controlQueue(SetQueueDepth{Depth: 3}); !done || err != nil {
		t.Fatalf("SetQueueDepth: done=%v err=%v", done, err)
	}
	if b.State() != NodeConfigured {
		t.Fatalf("state after SetQueueDepth = %s, want configured", b.State())
	}
	if done, err := b.controlQueue(AllocItems{Mode: AllocDynamic}); !done || err != nil {
		t.Fatalf("AllocItems: done=%v err=%v", done, err)
	}
	if done, _ := b.controlQueue(StartCmd{}); done {
		t.Fatal("controlQueue consumed a non-queue command")
	}
	if got := b.Output().Depth(); got != 3 {
		t.Fatalf("queue depth = %d, want 3", got)
	}
}
