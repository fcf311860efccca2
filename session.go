package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ConnectionState mirrors the peer-connection lifecycle as seen by the
// fan-out. The signaling layer owns transitions; the sink only reads.
type ConnectionState int32

const (
	ConnStateNew ConnectionState = iota
	ConnStateConnecting
	ConnStateReady
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateReady:
		return "ready"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transceiver is a per-track peer-connection endpoint. WriteFrame
// serializes the frame onto the session's transport; when frame.FreeData
// is set the implementation owns the payload after the call.
type Transceiver interface {
	WriteFrame(frame *MediaFrame) error
}

// ViewerSession is one connected remote viewer: an identifier, a
// connection state written by the signaling layer, and a transceiver per
// track kind.
type ViewerSession struct {
	ID     string
	PeerID string
	Index  int

	state        atomic.Int32
	transceivers [3]Transceiver // indexed by TrackKind
}

// NewViewerSession mints a session with a fresh local ID. Index is
// assigned when the session joins a table.
func NewViewerSession(peerID string) *ViewerSession {
	s := &ViewerSession{ID: uuid.NewString(), PeerID: peerID, Index: -1}
	s.state.Store(int32(ConnStateNew))
	return s
}

// State returns the last observed connection state. Readers tolerate a
// stale value; a missed frame is recovered on the next one.
func (s *ViewerSession) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// SetState records a transition. Called by the peer-connection layer.
func (s *ViewerSession) SetState(st ConnectionState) {
	s.state.Store(int32(st))
}

// SetTransceiver binds the endpoint for one track kind.
func (s *ViewerSession) SetTransceiver(kind TrackKind, t Transceiver) error {
	if kind != TrackKindVideo && kind != TrackKindAudio {
		return fmt.Errorf("session %s: no transceiver slot for kind %s", s.ID, kind)
	}
	s.transceivers[kind] = t
	return nil
}

// Transceiver returns the endpoint for a track kind, nil if unbound.
func (s *ViewerSession) Transceiver(kind TrackKind) Transceiver {
	if kind != TrackKindVideo && kind != TrackKindAudio {
		return nil
	}
	return s.transceivers[kind]
}

// SessionTable holds the viewer sessions in ascending index order. The
// signaling layer adds and removes; the sink snapshots per frame.
type SessionTable struct {
	mu       sync.RWMutex
	sessions []*ViewerSession
	next     int
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{}
}

// Add registers a session and assigns its dispatch index.
func (t *SessionTable) Add(s *ViewerSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Index = t.next
	t.next++
	t.sessions = append(t.sessions, s)
}

// Remove drops a session by local ID.
func (t *SessionTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.sessions {
		if s.ID == id {
			t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
			return
		}
	}
}

// Snapshot returns the sessions in ascending index order. The slice is
// a copy; the sessions are shared and their state may move under the
// caller.
func (t *SessionTable) Snapshot() []*ViewerSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ViewerSession, len(t.sessions))
	copy(out, t.sessions)
	return out
}

// Len reports the number of registered sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
