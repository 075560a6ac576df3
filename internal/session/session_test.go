package session

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/timesync"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLimits() Limits {
	return Limits{
		Jitter:            jitter.Config{TargetMS: 100, MinMS: 50, MaxMS: 300, Adaptive: true},
		SubtitleDefaultMS: 5000,
		SessionTimeoutMS:  5000,
	}
}

func testRegistry(t *testing.T, nowMS int64) (*Registry, *int64) {
	t.Helper()
	now := nowMS
	reg := NewRegistry(testLimits(), func() int64 { return now }, testLogger())
	return reg, &now
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func register(t *testing.T, reg *Registry, id string) *Session {
	t.Helper()
	s, err := reg.Register(id, addr(9000), wire.FormatPCM, 44100)
	if err != nil {
		t.Fatalf("Register(%q) failed: %v", id, err)
	}
	return s
}

func TestTrackFirstPacketAdoptsCursor(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")

	// The stream may start at any sequence; the first packet is never a gap.
	outcome, lost := s.Track(7)
	if outcome != SeqAccept || lost != 0 {
		t.Fatalf("first Track = (%v, %d), want (SeqAccept, 0)", outcome, lost)
	}
	outcome, lost = s.Track(8)
	if outcome != SeqAccept || lost != 0 {
		t.Fatalf("second Track = (%v, %d), want (SeqAccept, 0)", outcome, lost)
	}
}

func TestTrackGapCountsLost(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")

	s.Track(1)
	s.Track(2)
	outcome, lost := s.Track(5)
	if outcome != SeqAccept || lost != 2 {
		t.Fatalf("Track(5) after 2 = (%v, %d), want (SeqAccept, 2)", outcome, lost)
	}
}

func TestTrackDuplicateAndReorder(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")

	s.Track(1)
	s.Track(2)

	if outcome, _ := s.Track(2); outcome != SeqDuplicate {
		t.Errorf("replayed last sequence = %v, want SeqDuplicate", outcome)
	}

	s.Track(4) // gap: 3 lost
	if outcome, _ := s.Track(3); outcome != SeqReorder {
		t.Errorf("straggler = %v, want SeqReorder", outcome)
	}

	// The cursor did not move backwards: 5 is the next in-order packet.
	if outcome, lost := s.Track(5); outcome != SeqAccept || lost != 0 {
		t.Errorf("Track(5) = (%v, %d), want (SeqAccept, 0)", outcome, lost)
	}
}

func TestTrackRepeatedStragglerIsDuplicate(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")

	s.Track(1)
	s.Track(2)
	if _, lost := s.Track(5); lost != 2 {
		t.Fatalf("lost after gap = %d, want 2", lost)
	}

	if outcome, _ := s.Track(3); outcome != SeqReorder {
		t.Fatalf("first straggler arrival = %v, want SeqReorder", outcome)
	}
	// A retransmitted straggler is the same packet again, not a second
	// reorder.
	if outcome, _ := s.Track(3); outcome != SeqDuplicate {
		t.Errorf("second straggler arrival = %v, want SeqDuplicate", outcome)
	}
	// The other gap member still reorders independently.
	if outcome, _ := s.Track(4); outcome != SeqReorder {
		t.Errorf("Track(4) = %v, want SeqReorder", outcome)
	}

	fs := s.FinalStats(0)
	if fs.Reordered != 2 || fs.Duplicates != 1 {
		t.Errorf("reordered/duplicates = %d/%d, want 2/1", fs.Reordered, fs.Duplicates)
	}
}

func TestTrackSequenceWrap(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")

	s.Track(0xFFFFFFFF)
	outcome, lost := s.Track(0)
	if outcome != SeqAccept || lost != 0 {
		t.Fatalf("Track(0) after wrap = (%v, %d), want (SeqAccept, 0)", outcome, lost)
	}
}

func TestSessionLifecycle(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")

	if s.State() != StatePending {
		t.Fatalf("state = %v, want pending", s.State())
	}
	s.Touch(1000)
	if s.State() != StateActive {
		t.Fatalf("state after first packet = %v, want active", s.State())
	}

	s.MarkDraining(ReasonClientDisconnect)
	if s.State() != StateDraining || s.Reason() != ReasonClientDisconnect {
		t.Fatalf("drain state = (%v, %v)", s.State(), s.Reason())
	}

	// The first reason sticks.
	s.MarkDraining(ReasonError)
	if s.Reason() != ReasonClientDisconnect {
		t.Errorf("reason overwritten to %v", s.Reason())
	}
}

func TestEndpointMatches(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")

	if !s.EndpointMatches(addr(9000)) {
		t.Error("registered endpoint did not match itself")
	}
	if s.EndpointMatches(addr(9001)) {
		t.Error("different port matched")
	}
	if s.EndpointMatches(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9000}) {
		t.Error("different ip matched")
	}
	if s.EndpointMatches(nil) {
		t.Error("nil source matched")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg, _ := testRegistry(t, 0)

	for _, id := range []string{"", "has space", "bad!chars", string(make([]byte, 129))} {
		if _, err := reg.Register(id, addr(9000), wire.FormatPCM, 44100); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Register(%q) = %v, want ErrInvalidID", id, err)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("registry holds %d sessions after rejected ids", reg.Len())
	}
}

func TestRegisterIdempotentReplacesEndpoint(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	first := register(t, reg, "s1")

	second, err := reg.Register("s1", addr(9100), wire.FormatOpus, 48000)
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if second != first {
		t.Fatal("re-registration created a new session record")
	}
	if !second.EndpointMatches(addr(9100)) {
		t.Error("endpoint not replaced on re-registration")
	}
	if second.Format != wire.FormatOpus || second.SampleRate != 48000 {
		t.Errorf("format not replaced: %v/%d", second.Format, second.SampleRate)
	}
	if reg.Len() != 1 {
		t.Errorf("registry len = %d, want 1", reg.Len())
	}
}

func TestDeregister(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")
	s.Track(1)
	s.Estimator.Observe(&wire.Packet{SessionID: "s1", Sequence: 1, TTSTS: 1000, PlaybackTS: 1000}, 1040)

	stats, err := reg.Deregister("s1")
	if err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if stats.Received != 1 {
		t.Errorf("final received = %d, want 1", stats.Received)
	}
	if reg.Len() != 0 {
		t.Errorf("registry len = %d, want 0", reg.Len())
	}

	// Unknown ids are a reported no-op, not a panic or a hang.
	if _, err := reg.Deregister("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double deregister = %v, want ErrNotFound", err)
	}
}

func TestExpireIdle(t *testing.T) {
	reg, now := testRegistry(t, 1000)
	s := register(t, reg, "s1")
	s.Touch(1000)

	// Still inside the window.
	if expired := reg.ExpireIdle(1000 + testLimits().SessionTimeoutMS); len(expired) != 0 {
		t.Fatalf("expired %v inside the window", expired)
	}

	*now = 1000 + testLimits().SessionTimeoutMS + 1
	expired := reg.ExpireIdle(*now)
	if len(expired) != 1 || expired[0] != "s1" {
		t.Fatalf("expired = %v, want [s1]", expired)
	}
	if s.State() != StateDraining || s.Reason() != ReasonTimeout {
		t.Errorf("expired session state = (%v, %v), want draining/timeout", s.State(), s.Reason())
	}

	// Pending sessions without any packet are the control plane's problem.
	register(t, reg, "s2")
	if expired := reg.ExpireIdle(*now + 100000); len(expired) != 0 {
		t.Errorf("pending session expired: %v", expired)
	}
}

func TestRegistryTotalBufferedBytes(t *testing.T) {
	limits := testLimits()
	limits.TotalMemoryBytes = 1 << 20
	reg := NewRegistry(limits, func() int64 { return 0 }, testLogger())

	s, err := reg.Register("s1", addr(9000), wire.FormatPCM, 44100)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	c := &jitter.Chunk{SessionID: "s1", Sequence: 1, Payload: make([]byte, 100), Deadline: 5000}
	if res := s.Buffer.Insert(c, timesync.Condition{}, 0); res != jitter.Inserted {
		t.Fatalf("Insert = %v, want Inserted", res)
	}
	if got := reg.TotalBufferedBytes(); got != 100 {
		t.Errorf("total buffered = %d, want 100", got)
	}

	if _, err := reg.Deregister("s1"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if got := reg.TotalBufferedBytes(); got != 0 {
		t.Errorf("total buffered after deregister = %d, want 0", got)
	}
}

func TestFinalStatsDuration(t *testing.T) {
	reg, _ := testRegistry(t, 0)
	s := register(t, reg, "s1")
	s.Touch(1000)
	s.Touch(4000)

	fs := s.FinalStats(4000)
	if fs.SessionDurationMS != 3000 {
		t.Errorf("session duration = %d ms, want 3000", fs.SessionDurationMS)
	}
	if fs.SessionID != "s1" {
		t.Errorf("session id = %q, want s1", fs.SessionID)
	}
}
