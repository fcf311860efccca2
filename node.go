package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Common errors shared by nodes, queues, and linkers.
var (
	ErrNodeClosed     = errors.New("node closed")
	ErrUnknownCommand = errors.New("unknown command")
	ErrQueueFull      = errors.New("queue full")
	ErrQueueAllocated = errors.New("queue items already allocated")
	ErrQueueClosed    = errors.New("queue closed")
	ErrBadState       = errors.New("invalid state for operation")
)

// NodeState is the lifecycle state of a pipeline node.
type NodeState int32

const (
	NodeCreated    NodeState = iota // constructed, queue not sized
	NodeConfigured                  // parameters set
	NodeApplied                     // device/module started
	NodeRunning                     // handling items
	NodeStopped                     // paused, device idle
	NodeClosed                      // terminal
)

func (s NodeState) String() string {
	switch s {
	case NodeCreated:
		return "created"
	case NodeConfigured:
		return "configured"
	case NodeApplied:
		return "applied"
	case NodeRunning:
		return "running"
	case NodeStopped:
		return "stopped"
	case NodeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Command is the control port of a node. Each command is a typed struct;
// nodes handle the ones they understand and warn on the rest.
type Command interface{ isCommand() }

// SetQueueDepth resizes the node's output queue. Only legal before the
// queue items are allocated.
type SetQueueDepth struct{ Depth int }

// AllocItems fixes the queue depth and allocates its items.
type AllocItems struct{ Mode AllocMode }

// Apply transitions the node from configured to applied, starting the
// underlying device or codec module. Channel selects the device channel
// for multi-channel capture hardware.
type Apply struct{ Channel int }

// StartCmd enables item handling (sink dispatch, capture streaming).
type StartCmd struct{}

// StopCmd disables item handling.
type StopCmd struct{}

func (SetQueueDepth) isCommand() {}
func (AllocItems) isCommand()    {}
func (Apply) isCommand()         {}
func (StartCmd) isCommand()      {}
func (StopCmd) isCommand()       {}

// EmitFunc pushes a produced item downstream. Implementations copy the
// payload, so the caller may reuse its buffer after emit returns.
type EmitFunc func(QueueItem) error

// Node is a pipeline element: a typed input handler, a control port, and
// a bounded output queue that a linker drains.
type Node interface {
	Name() string
	State() NodeState

	// OutputCodec declares the media type this node emits.
	OutputCodec() CodecID

	// Output is the queue a downstream linker pulls from.
	Output() *ItemQueue

	// Control executes a command. Unknown commands have no effect: the
	// node warns and returns ErrUnknownCommand.
	Control(cmd Command) error

	// Handle consumes one upstream item, optionally emitting results.
	// It executes on exactly one linker worker at a time and is
	// serialized against Control. A non-nil error tells the linker to
	// discard the item.
	Handle(item QueueItem, emit EmitFunc) error

	Close() error
}

// AllocMode selects how queue item payload buffers are managed.
type AllocMode int

const (
	// AllocStatic reuses a fixed set of payload buffers, one per slot.
	AllocStatic AllocMode = iota
	// AllocDynamic allocates a fresh payload buffer per item.
	AllocDynamic
)

func (m AllocMode) String() string {
	if m == AllocStatic {
		return "static"
	}
	return "dynamic"
}

// ItemQueue is a bounded queue of pipeline items. Depth must be fixed
// before Alloc; payloads are copied on push so producers keep ownership
// of their buffers.
type ItemQueue struct {
	mu        sync.Mutex
	depth     int
	mode      AllocMode
	allocated bool
	closed    bool
	ch        chan QueueItem
	free      [][]byte // static-mode buffer pool
}

// NewItemQueue returns an unallocated queue with the default depth of 1.
func NewItemQueue() *ItemQueue {
	return &ItemQueue{depth: 1}
}

// SetDepth sets the queue length. Calling it after Alloc is an error:
// the slot buffers are already committed.
func (q *ItemQueue) SetDepth(depth int) error {
	if depth <= 0 {
		return fmt.Errorf("queue depth %d: %w", depth, ErrBadState)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.allocated {
		return ErrQueueAllocated
	}
	q.depth = depth
	return nil
}

// Depth returns the configured queue length.
func (q *ItemQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Alloc fixes the depth and allocates the item slots.
func (q *ItemQueue) Alloc(mode AllocMode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.allocated {
		return ErrQueueAllocated
	}
	q.mode = mode
	q.ch = make(chan QueueItem, q.depth)
	if mode == AllocStatic {
		q.free = make([][]byte, 0, q.depth)
	}
	q.allocated = true
	return nil
}

// Push enqueues a copy of the item. It never blocks: a full queue drops
// the item and reports ErrQueueFull so the producer can count the drop.
func (q *ItemQueue) Push(item QueueItem) error {
	q.mu.Lock()
	if !q.allocated || q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	buf := q.takeBufLocked(len(item.Data))
	q.mu.Unlock()

	n := copy(buf, item.Data)
	out := item
	out.Data = buf[:n]

	// Close shuts q.ch under q.mu, so the closed check and the send must
	// share the lock or a concurrent Close lands between them and the
	// send panics. The send has a default arm and cannot block here.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.giveBufLocked(buf)
		return ErrQueueClosed
	}
	select {
	case q.ch <- out:
		return nil
	default:
		q.giveBufLocked(buf)
		return ErrQueueFull
	}
}

// Pop dequeues the next item, blocking until one is available, the queue
// closes, or the context is cancelled.
func (q *ItemQueue) Pop(ctx context.Context) (QueueItem, bool) {
	q.mu.Lock()
	ch := q.ch
	q.mu.Unlock()
	if ch == nil {
		return QueueItem{}, false
	}
	select {
	case item, ok := <-ch:
		return item, ok
	case <-ctx.Done():
		return QueueItem{}, false
	}
}

// Release returns an item's payload buffer to the static pool. A no-op
// for dynamic queues; consumers may call it unconditionally.
func (q *ItemQueue) Release(item QueueItem) {
	q.mu.Lock()
	q.giveBufLocked(item.Data)
	q.mu.Unlock()
}

// Close closes the queue; pending items are discarded by the consumer.
func (q *ItemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.ch != nil {
		close(q.ch)
	}
}

// Len reports the number of queued items.
func (q *ItemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return 0
	}
	return len(q.ch)
}

func (q *ItemQueue) takeBufLocked(n int) []byte {
	if q.mode == AllocStatic {
		for i, b := range q.free {
			if cap(b) >= n {
				q.free = append(q.free[:i], q.free[i+1:]...)
				return b[:n]
			}
		}
	}
	return make([]byte, n)
}

func (q *ItemQueue) giveBufLocked(b []byte) {
	if q.mode != AllocStatic || b == nil {
		return
	}
	if len(q.free) < q.depth {
		q.free = append(q.free, b[:cap(b)])
	}
}

// BaseNode carries the state machine, queue, and serialization shared by
// all node implementations. Embedders hold mu across Handle bodies and
// device-touching control commands.
type BaseNode struct {
	name  string
	codec CodecID
	state atomic.Int32
	queue *ItemQueue

	mu sync.Mutex // serializes Handle against Control
}

// NewBaseNode constructs the shared node core with a depth-1 queue.
func NewBaseNode(name string, out CodecID) BaseNode {
	b := BaseNode{name: name, codec: out, queue: NewItemQueue()}
	b.state.Store(int32(NodeCreated))
	return b
}

func (b *BaseNode) Name() string         { return b.name }
func (b *BaseNode) OutputCodec() CodecID { return b.codec }
func (b *BaseNode) Output() *ItemQueue   { return b.queue }

func (b *BaseNode) State() NodeState {
	return NodeState(b.state.Load())
}

func (b *BaseNode) setState(s NodeState) {
	b.state.Store(int32(s))
}

// controlQueue applies the queue-management subset of the command set.
// It returns (true, err) when the command was consumed.
func (b *BaseNode) controlQueue(cmd Command) (bool, error) {
	switch c := cmd.(type) {
	case SetQueueDepth:
		if err := b.queue.SetDepth(c.Depth); err != nil {
			return true, err
		}
		b.setState(NodeConfigured)
		return true, nil
	case AllocItems:
		return true, b.queue.Alloc(c.Mode)
	}
	return false, nil
}

// emit pushes a produced item into the node's own output queue.
func (b *BaseNode) emit(item QueueItem) error {
	return b.queue.Push(item)
}

// closeBase transitions to Closed and shuts the queue.
func (b *BaseNode) closeBase() {
	b.setState(NodeClosed)
	b.queue.Close()
}
