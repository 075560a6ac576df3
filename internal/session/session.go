// Package session holds the per-session receiver state: the registry keyed
// by session id, the sequence cursor, lifecycle, and the sub-states owned by
// the sync engine, jitter buffer and subtitle scheduler.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/subtitle"
	"github.com/claude-did-this/chip-audio-receiver/internal/timesync"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

// State is the session lifecycle phase.
type State int

const (
	StatePending State = iota // registered, no packets yet
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EndReason mirrors the control-plane end reasons.
type EndReason string

const (
	ReasonCompleted        EndReason = "COMPLETED"
	ReasonError            EndReason = "ERROR"
	ReasonTimeout          EndReason = "TIMEOUT"
	ReasonClientDisconnect EndReason = "CLIENT_DISCONNECT"
)

// SeqOutcome classifies one observed sequence number against the cursor.
type SeqOutcome int

const (
	SeqAccept SeqOutcome = iota
	SeqDuplicate
	SeqReorder
)

// reorderWindow bounds the memory of recently seen stragglers. A straggler
// re-arriving inside the window is a duplicate, not a second reorder, so the
// loss tally is reclaimed at most once per gap sequence.
const reorderWindow = 64

// Session is the per-session record. The ingest goroutine is the only writer
// of the cursor and estimator; the tick goroutine only touches the jitter
// buffer and scheduler, which synchronize internally.
type Session struct {
	ID         string
	Format     wire.Format
	SampleRate uint32

	Estimator *timesync.Estimator
	Sync      *timesync.Engine
	Buffer    *jitter.Buffer
	Subtitles *subtitle.Scheduler

	mu           sync.Mutex
	endpoint     *net.UDPAddr
	state        State
	endReason    EndReason
	expectedSeq  uint32
	haveSeq      bool
	duplicates   uint64
	reordered    uint64
	seenReorders [reorderWindow]uint32
	reorderLen   int
	reorderPos   int
	lastPacketAt int64
	lastDriftAt  int64
	startedAt    int64
	startWall    time.Time
	endWall      time.Time
}

// Endpoint returns the registered remote address.
func (s *Session) Endpoint() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Session) setEndpoint(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = addr
}

// EndpointMatches reports whether src is the registered sender. Port and IP
// must both match; this is the trivial-spoofing guard, not authentication.
func (s *Session) EndpointMatches(src *net.UDPAddr) bool {
	ep := s.Endpoint()
	if ep == nil || src == nil {
		return false
	}
	return ep.Port == src.Port && ep.IP.Equal(src.IP)
}

// Track advances the sequence cursor for one observed packet. The first
// packet of a session adopts its sequence as the cursor without counting
// loss. A forward gap counts the skipped packets lost; the cursor distance
// uses unsigned 32-bit arithmetic so a wrap from 2^32-1 to 0 is forward
// progress.
func (s *Session) Track(seq uint32) (SeqOutcome, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveSeq {
		s.haveSeq = true
		s.expectedSeq = seq + 1
		return SeqAccept, 0
	}

	delta := int32(seq - s.expectedSeq)
	switch {
	case delta >= 0:
		s.expectedSeq = seq + 1
		return SeqAccept, uint64(delta)
	case delta == -1:
		s.duplicates++
		return SeqDuplicate, 0
	default:
		// Older than the dup window; may still meet its deadline, so it
		// proceeds downstream. Seen once before, it is a duplicate.
		for i := 0; i < s.reorderLen; i++ {
			if s.seenReorders[i] == seq {
				s.duplicates++
				return SeqDuplicate, 0
			}
		}
		s.seenReorders[s.reorderPos] = seq
		s.reorderPos = (s.reorderPos + 1) % reorderWindow
		if s.reorderLen < reorderWindow {
			s.reorderLen++
		}
		s.reordered++
		return SeqReorder, 0
	}
}

// Touch records packet activity and flips Pending to Active.
func (s *Session) Touch(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPacketAt = now
	if s.state == StatePending {
		s.state = StateActive
		s.startedAt = now
	}
}

// ShouldCheckDrift rate-limits baseline drift evaluation on the ingest path.
func (s *Session) ShouldCheckDrift(now, intervalMS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now-s.lastDriftAt < intervalMS {
		return false
	}
	s.lastDriftAt = now
	return true
}

// MarkDraining moves the session to draining and switches the buffer to
// drain mode. Later calls keep the first reason.
func (s *Session) MarkDraining(reason EndReason) {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.endReason = reason
	s.mu.Unlock()
	s.Buffer.SetDraining()
}

func (s *Session) terminate() {
	s.mu.Lock()
	s.state = StateTerminated
	s.endWall = time.Now().UTC()
	s.mu.Unlock()
	s.Subtitles.Cancel()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the end reason recorded at drain time, defaulting to
// COMPLETED.
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endReason == "" {
		return ReasonCompleted
	}
	return s.endReason
}

// IdleSince reports the last packet activity; zero until the first packet.
func (s *Session) IdleSince() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPacketAt
}

// FinalStats snapshots the session's cumulative statistics.
func (s *Session) FinalStats(now int64) FinalStats {
	bufStats := s.Buffer.Stats()
	cond := s.Estimator.Condition(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	fs := FinalStats{
		SessionID:      s.ID,
		Received:       s.Estimator.Received(),
		Lost:           s.Estimator.Lost(),
		Duplicates:     s.duplicates,
		Reordered:      s.reordered,
		DroppedLate:    bufStats.DroppedLate,
		DroppedOverrun: bufStats.DroppedOverrun,
		Underruns:      bufStats.Underruns,
		Overruns:       bufStats.Overruns,
		MemoryPressure: bufStats.MemoryPressure,
		MeanLatencyMS:  cond.AvgLatencyMS,
		MeanJitterMS:   cond.JitterMS,
		StartedAt:      s.startWall,
		EndedAt:        s.endWall,
	}
	if s.startedAt > 0 && s.lastPacketAt > s.startedAt {
		fs.SessionDurationMS = uint64(s.lastPacketAt - s.startedAt)
	}
	if fs.EndedAt.IsZero() {
		fs.EndedAt = time.Now().UTC()
	}
	return fs
}

// FinalStats is the terminal statistics record emitted on session end.
type FinalStats struct {
	SessionID         string
	Received          uint64
	Lost              uint64
	Duplicates        uint64
	Reordered         uint64
	DroppedLate       uint64
	DroppedOverrun    uint64
	Underruns         uint64
	Overruns          uint64
	MemoryPressure    uint64
	MeanLatencyMS     float64
	MeanJitterMS      float64
	SessionDurationMS uint64
	StartedAt         time.Time
	EndedAt           time.Time
}
