package media

// SKBThreshold is the headroom, in buffers, kept free for outbound
// network I/O. The sink drops frames rather than starve the network
// stack of socket buffers.
const SKBThreshold = 64

// SKBCounters is a snapshot of the shared socket-buffer pool, read from
// the network stack. Counters are signed to match the stack's exported
// variables.
type SKBCounters struct {
	DataUsed int
	DataMax  int
	BufUsed  int
	BufMax   int
}

// NearExhaustion reports whether either pool is within threshold buffers
// of its maximum. Pure function of the snapshot.
func (c SKBCounters) NearExhaustion(threshold int) bool {
	return c.DataUsed > c.DataMax-threshold || c.BufUsed > c.BufMax-threshold
}

// SKBMonitor reads the socket-buffer counters. The network stack owns the
// counters; implementations only observe them. The monitor holds no state
// of its own and is consulted once per sink dispatch.
type SKBMonitor interface {
	Counters() SKBCounters
}

// SKBMonitorFunc adapts a plain function to SKBMonitor.
type SKBMonitorFunc func() SKBCounters

func (f SKBMonitorFunc) Counters() SKBCounters { return f() }

// unboundedSKB is used when no monitor is wired; it never reports
// exhaustion.
type unboundedSKB struct{}

func (unboundedSKB) Counters() SKBCounters {
	return SKBCounters{DataMax: 1 << 30, BufMax: 1 << 30}
}
