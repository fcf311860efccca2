package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Linker errors.
var (
	ErrLinkerStarted = errors.New("linker already started")
	ErrLinkerDeleted = errors.New("linker deleted")
	ErrLinkerRunning = errors.New("linker must be paused to change topology")
)

// WorkerAttrs configure a linker worker. StackSize is advisory on a Go
// runtime (goroutine stacks grow on demand) and is recorded for parity
// with the device scheduler; SecureContext requests a secure-world
// execution context where the platform supports one.
type WorkerAttrs struct {
	StackSize     int
	SecureContext bool
}

// DefaultWorkerAttrs matches the audio-path worker sizing used on the
// device (24–32 KiB stacks).
func DefaultWorkerAttrs() WorkerAttrs {
	return WorkerAttrs{StackSize: 24 * 1024}
}

// linkerState tracks the linker lifecycle. Transitions are monotonic
// except paused<->running.
type linkerState int32

const (
	linkerIdle linkerState = iota
	linkerRunning
	linkerPaused
	linkerDeleted
)

// perItemErrLogInterval throttles discarded-item logging.
const perItemErrLogInterval = 100

// SISO links one input node to one output node with a dedicated worker
// that pulls items from the input's output queue and feeds the output
// node's handler. Per-item handler errors discard the item and keep the
// pipeline live.
type SISO struct {
	mu    sync.Mutex
	in    Node
	out   Node
	attrs WorkerAttrs
	state linkerState

	popCtx    context.Context
	popCancel context.CancelFunc
	resume    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	handleMu sync.Mutex // held across each Handle invocation

	errThrottle *logThrottle
	log         zerolog.Logger
}

// NewSISO creates an idle SISO linker.
func NewSISO() *SISO {
	return &SISO{
		attrs:       DefaultWorkerAttrs(),
		resume:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		errThrottle: newLogThrottle(perItemErrLogInterval),
		log:         componentLogger("siso"),
	}
}

// SetWorkerAttrs configures the worker. Only legal before Start.
func (l *SISO) SetWorkerAttrs(attrs WorkerAttrs) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != linkerIdle {
		return ErrLinkerStarted
	}
	l.attrs = attrs
	return nil
}

// AddInput binds the upstream node. Topology is frozen while running.
func (l *SISO) AddInput(n Node) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkerRunning {
		return ErrLinkerRunning
	}
	if l.state == linkerDeleted {
		return ErrLinkerDeleted
	}
	l.in = n
	return nil
}

// AddOutput binds the downstream node. Topology is frozen while running.
func (l *SISO) AddOutput(n Node) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkerRunning {
		return ErrLinkerRunning
	}
	if l.state == linkerDeleted {
		return ErrLinkerDeleted
	}
	l.out = n
	return nil
}

// Start launches the worker, or resumes a paused linker.
func (l *SISO) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case linkerDeleted:
		return ErrLinkerDeleted
	case linkerRunning:
		return nil
	case linkerPaused:
		l.state = linkerRunning
		l.armPopLocked()
		select {
		case l.resume <- struct{}{}:
		default:
		}
		return nil
	}
	if l.in == nil || l.out == nil {
		return fmt.Errorf("siso start: input and output must be bound")
	}
	l.log = l.log.With().
		Str("in", l.in.Name()).
		Str("out", l.out.Name()).
		Int("stack", l.attrs.StackSize).
		Bool("secure", l.attrs.SecureContext).
		Logger()
	l.state = linkerRunning
	l.armPopLocked()
	l.wg.Add(1)
	go l.worker()
	l.log.Debug().Msg("siso worker started")
	return nil
}

// Pause stops item consumption. It returns only after any in-flight
// handle invocation has completed; no new handle begins afterwards. An
// item the worker already popped is held for resume, and items left in
// the input queue stay queued.
func (l *SISO) Pause() {
	l.mu.Lock()
	if l.state != linkerRunning {
		l.mu.Unlock()
		return
	}
	l.state = linkerPaused
	l.popCancel()
	l.mu.Unlock()

	// Wait out an in-flight handle.
	l.handleMu.Lock()
	l.handleMu.Unlock() //nolint:staticcheck // barrier, not a critical section
}

// Delete tears the linker down. The worker exits after any in-flight
// handle completes. A deleted linker cannot be restarted.
func (l *SISO) Delete() {
	l.mu.Lock()
	if l.state == linkerDeleted {
		l.mu.Unlock()
		return
	}
	prev := l.state
	l.state = linkerDeleted
	if l.popCancel != nil {
		l.popCancel()
	}
	close(l.done)
	l.mu.Unlock()

	if prev == linkerPaused {
		select {
		case l.resume <- struct{}{}:
		default:
		}
	}
	l.wg.Wait()
}

func (l *SISO) armPopLocked() {
	l.popCtx, l.popCancel = context.WithCancel(context.Background())
}

func (l *SISO) currentPopCtx() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popCtx
}

func (l *SISO) currentState() linkerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *SISO) worker() {
	defer l.wg.Done()
	src := l.in.Output()
	for {
		item, ok := src.Pop(l.currentPopCtx())
		if !ok {
			switch l.currentState() {
			case linkerDeleted:
				return
			case linkerPaused:
				select {
				case <-l.resume:
					continue
				case <-l.done:
					return
				}
			default:
				// Input queue closed underneath a running linker.
				return
			}
		}

		if !l.handleOrPark(item, src) {
			return
		}
	}
}

// handleOrPark invokes the output handler, re-checking the linker state
// under handleMu first. An item popped just before a pause parks here,
// holding its buffer, and is handled on resume; this is what lets Pause
// guarantee no new handle begins after it returns. Returns false when
// the linker is deleted while parked.
func (l *SISO) handleOrPark(item QueueItem, src *ItemQueue) bool {
	for {
		l.handleMu.Lock()
		switch l.currentState() {
		case linkerRunning:
		case linkerDeleted:
			l.handleMu.Unlock()
			src.Release(item)
			return false
		default:
			l.handleMu.Unlock()
			select {
			case <-l.resume:
				continue
			case <-l.done:
				src.Release(item)
				return false
			}
		}
		err := l.out.Handle(item, l.out.Output().Push)
		l.handleMu.Unlock()
		src.Release(item)

		if err != nil {
			if should, n := l.errThrottle.ok(); should {
				l.log.Warn().Err(err).Uint64("discarded", n).
					Msg("item discarded by handler")
			}
		}
		return true
	}
}

// MISO links up to K input nodes to one output node. Each input queue is
// drained independently and merged; a single worker invokes the output
// handler with the item tagged by source index, so the handle
// still executes on exactly one worker.
type MISO struct {
	mu    sync.Mutex
	ins   []Node
	out   Node
	attrs WorkerAttrs
	state linkerState

	popCtx    context.Context
	popCancel context.CancelFunc
	resume    chan struct{}
	done      chan struct{}
	merged    chan taggedItem
	wg        sync.WaitGroup
	fwdWG     sync.WaitGroup

	handleMu sync.Mutex

	errThrottle *logThrottle
	log         zerolog.Logger
}

type taggedItem struct {
	item QueueItem
	src  *ItemQueue
}

// NewMISO creates an idle MISO linker.
func NewMISO() *MISO {
	return &MISO{
		attrs:       DefaultWorkerAttrs(),
		resume:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		errThrottle: newLogThrottle(perItemErrLogInterval),
		log:         componentLogger("miso"),
	}
}

// SetWorkerAttrs configures the worker. Only legal before Start.
func (l *MISO) SetWorkerAttrs(attrs WorkerAttrs) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != linkerIdle {
		return ErrLinkerStarted
	}
	l.attrs = attrs
	return nil
}

// AddInput appends an upstream node; its merge index is the position in
// the add order. Topology is frozen while running.
func (l *MISO) AddInput(n Node) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkerRunning {
		return ErrLinkerRunning
	}
	if l.state == linkerDeleted {
		return ErrLinkerDeleted
	}
	l.ins = append(l.ins, n)
	return nil
}

// AddOutput binds the sink node.
func (l *MISO) AddOutput(n Node) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == linkerRunning {
		return ErrLinkerRunning
	}
	if l.state == linkerDeleted {
		return ErrLinkerDeleted
	}
	l.out = n
	return nil
}

// Start launches the drain goroutines and the worker, or resumes a
// paused linker.
func (l *MISO) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case linkerDeleted:
		return ErrLinkerDeleted
	case linkerRunning:
		return nil
	case linkerPaused:
		l.state = linkerRunning
		l.armPopLocked()
		l.spawnForwardersLocked()
		select {
		case l.resume <- struct{}{}:
		default:
		}
		return nil
	}
	if len(l.ins) == 0 || l.out == nil {
		return fmt.Errorf("miso start: inputs and output must be bound")
	}
	l.log = l.log.With().
		Str("out", l.out.Name()).
		Int("inputs", len(l.ins)).
		Bool("secure", l.attrs.SecureContext).
		Logger()
	l.merged = make(chan taggedItem, len(l.ins))
	l.state = linkerRunning
	l.armPopLocked()
	l.spawnForwardersLocked()
	l.wg.Add(1)
	go l.worker()
	l.log.Debug().Msg("miso worker started")
	return nil
}

// Pause stops consumption from all inputs and returns after the in-flight
// handle, if any, has completed; no new handle begins afterwards. Items
// already merged are held for resume.
func (l *MISO) Pause() {
	l.mu.Lock()
	if l.state != linkerRunning {
		l.mu.Unlock()
		return
	}
	l.state = linkerPaused
	l.popCancel()
	l.mu.Unlock()

	l.fwdWG.Wait()
	l.handleMu.Lock()
	l.handleMu.Unlock() //nolint:staticcheck // barrier, not a critical section
}

// Delete tears the linker down; it cannot be restarted.
func (l *MISO) Delete() {
	l.mu.Lock()
	if l.state == linkerDeleted {
		l.mu.Unlock()
		return
	}
	prev := l.state
	l.state = linkerDeleted
	if l.popCancel != nil {
		l.popCancel()
	}
	close(l.done)
	l.mu.Unlock()

	l.fwdWG.Wait()
	if prev == linkerPaused {
		select {
		case l.resume <- struct{}{}:
		default:
		}
	}
	l.wg.Wait()
}

func (l *MISO) armPopLocked() {
	l.popCtx, l.popCancel = context.WithCancel(context.Background())
}

// spawnForwardersLocked drains each input on its own goroutine into the
// merge channel, tagging items with their source index.
func (l *MISO) spawnForwardersLocked() {
	ctx := l.popCtx
	for i, in := range l.ins {
		l.fwdWG.Add(1)
		go func(idx int, src *ItemQueue) {
			defer l.fwdWG.Done()
			for {
				item, ok := src.Pop(ctx)
				if !ok {
					return
				}
				item.SrcIdx = idx
				select {
				case l.merged <- taggedItem{item: item, src: src}:
				case <-ctx.Done():
					src.Release(item)
					return
				}
			}
		}(i, in.Output())
	}
}

func (l *MISO) currentState() linkerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *MISO) worker() {
	defer l.wg.Done()
	for {
		select {
		case t := <-l.merged:
			if !l.handleOrPark(t) {
				return
			}
		case <-l.done:
			return
		case <-l.resume:
			// Forwarders are respawned by Start; nothing to do here.
		}
	}
}

// handleOrPark mirrors the SISO helper: an item already merged when a
// pause lands is held here until resume instead of starting a new handle
// behind Pause's back.
func (l *MISO) handleOrPark(t taggedItem) bool {
	for {
		l.handleMu.Lock()
		switch l.currentState() {
		case linkerRunning:
		case linkerDeleted:
			l.handleMu.Unlock()
			t.src.Release(t.item)
			return false
		default:
			l.handleMu.Unlock()
			select {
			case <-l.resume:
				continue
			case <-l.done:
				t.src.Release(t.item)
				return false
			}
		}
		err := l.out.Handle(t.item, l.out.Output().Push)
		l.handleMu.Unlock()
		t.src.Release(t.item)
		if err != nil {
			if should, n := l.errThrottle.ok(); should {
				l.log.Warn().Err(err).Uint64("discarded", n).
					Msg("item discarded by sink handler")
			}
		}
		return true
	}
}
