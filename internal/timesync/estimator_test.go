package timesync

import (
	"math"
	"testing"

	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

func pkt(playbackTS uint64, payloadLen int) *wire.Packet {
	return &wire.Packet{
		SessionID:  "s",
		TTSTS:      playbackTS,
		PlaybackTS: playbackTS,
		Format:     wire.FormatPCM,
		SampleRate: 44100,
		Payload:    make([]byte, payloadLen),
	}
}

func TestEstimatorLatencyMean(t *testing.T) {
	e := NewEstimator()

	// Both packets arrive 40 ms after their sender timestamp.
	e.Observe(pkt(1000, 0), 1040)
	e.Observe(pkt(1020, 0), 1060)

	cond := e.Condition(1060)
	if cond.AvgLatencyMS != 40 {
		t.Errorf("avg latency = %v, want 40", cond.AvgLatencyMS)
	}
	if e.Received() != 2 {
		t.Errorf("received = %d, want 2", e.Received())
	}
}

func TestEstimatorJitterEWMA(t *testing.T) {
	e := NewEstimator()

	// First packet seeds the previous-arrival state; no jitter yet.
	e.Observe(pkt(1000, 0), 2000)
	if got := e.Condition(2000).JitterMS; got != 0 {
		t.Fatalf("jitter after one packet = %v, want 0", got)
	}

	// Playback delta 20, arrival delta 30: error 10, EWMA = 0.1*10.
	e.Observe(pkt(1020, 0), 2030)
	if got := e.Condition(2030).JitterMS; math.Abs(got-1.0) > 1e-9 {
		t.Errorf("jitter after first error = %v, want 1.0", got)
	}

	// Same error again: EWMA = 0.9*1 + 0.1*10 = 1.9.
	e.Observe(pkt(1040, 0), 2060)
	if got := e.Condition(2060).JitterMS; math.Abs(got-1.9) > 1e-9 {
		t.Errorf("jitter after second error = %v, want 1.9", got)
	}
}

func TestEstimatorLossRatio(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < 4; i++ {
		e.Observe(pkt(uint64(1000+20*i), 0), int64(2000+20*i))
	}

	e.RecordLost(1)
	if got := e.Condition(2060).PacketLossRatio; got != 0.2 {
		t.Errorf("loss ratio = %v, want 0.2", got)
	}

	// The straggler shows up; loss undone.
	e.ReclaimLost()
	if got := e.Condition(2060).PacketLossRatio; got != 0 {
		t.Errorf("loss ratio after reclaim = %v, want 0", got)
	}
	if e.Lost() != 0 {
		t.Errorf("lost = %d, want 0", e.Lost())
	}

	// Reclaim at zero must not underflow.
	e.ReclaimLost()
	if e.Lost() != 0 {
		t.Errorf("lost after spurious reclaim = %d, want 0", e.Lost())
	}
}

func TestEstimatorBandwidth(t *testing.T) {
	e := NewEstimator()
	e.Observe(pkt(1000, 500), 2000)
	e.Observe(pkt(1020, 500), 2020)

	// 1000 payload bytes over one second of wall time.
	cond := e.Condition(3000)
	if cond.BandwidthBPS != 8000 {
		t.Errorf("bandwidth = %v bps, want 8000", cond.BandwidthBPS)
	}

	// No elapsed time means no estimate rather than a division blowup.
	if got := e.Condition(2000).BandwidthBPS; got != 0 {
		t.Errorf("bandwidth at start instant = %v, want 0", got)
	}
}

func TestEstimatorEmptyCondition(t *testing.T) {
	e := NewEstimator()
	cond := e.Condition(5000)
	if cond.AvgLatencyMS != 0 || cond.JitterMS != 0 || cond.PacketLossRatio != 0 || cond.BandwidthBPS != 0 {
		t.Errorf("empty estimator condition = %+v, want zeros", cond)
	}
}
