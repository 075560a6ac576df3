package timesync

import (
	"sync"

	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

// jitterAlpha is the smoothing constant for the exponentially weighted
// inter-arrival error. Note this is smoothed absolute arrival-interval error,
// not RFC 3550 inter-arrival jitter; consumers expecting RFC semantics must
// adjust on their side.
const jitterAlpha = 0.1

// Condition is a sliding estimate of the network path for one session.
type Condition struct {
	// AvgLatencyMS is the cumulative mean of local arrival minus sender
	// tts timestamp. It conflates the clock offset with true one-way
	// latency; the sync engine owns the offset via its baseline.
	AvgLatencyMS    float64
	JitterMS        float64
	PacketLossRatio float64
	BandwidthBPS    float64
}

// Estimator accumulates per-packet arrival statistics for one session.
// The ingest path is the only writer; condition reporting and final stats
// read concurrently, hence the mutex.
type Estimator struct {
	mu sync.Mutex

	received     uint64
	lost         uint64
	latencySum   float64
	jitterEWMA   float64
	totalPayload uint64

	havePrev       bool
	prevPlaybackTS uint64
	prevArrival    int64

	startedAt   int64
	haveStarted bool
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

// Observe folds one accepted packet into the estimate. arrivedAt is the
// local monotonic arrival time in ms.
func (e *Estimator) Observe(pkt *wire.Packet, arrivedAt int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.haveStarted {
		e.startedAt = arrivedAt
		e.haveStarted = true
	}
	e.received++
	e.totalPayload += uint64(len(pkt.Payload))
	e.latencySum += float64(arrivedAt) - float64(pkt.TTSTS)

	if e.havePrev {
		expected := float64(pkt.PlaybackTS) - float64(e.prevPlaybackTS)
		observed := float64(arrivedAt - e.prevArrival)
		errAbs := observed - expected
		if errAbs < 0 {
			errAbs = -errAbs
		}
		e.jitterEWMA = (1-jitterAlpha)*e.jitterEWMA + jitterAlpha*errAbs
	}
	e.prevPlaybackTS = pkt.PlaybackTS
	e.prevArrival = arrivedAt
	e.havePrev = true
}

// RecordLost adds n packets to the loss tally (sequence gap observed).
func (e *Estimator) RecordLost(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lost += n
}

// ReclaimLost undoes one counted loss when a reordered packet shows up
// after its gap was already recorded.
func (e *Estimator) ReclaimLost() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lost > 0 {
		e.lost--
	}
}

func (e *Estimator) Received() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received
}

func (e *Estimator) Lost() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

// Condition snapshots the current estimate as of now (local ms).
func (e *Estimator) Condition(now int64) Condition {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := Condition{JitterMS: e.jitterEWMA}
	if e.received > 0 {
		c.AvgLatencyMS = e.latencySum / float64(e.received)
	}
	if total := e.lost + e.received; total > 0 {
		c.PacketLossRatio = float64(e.lost) / float64(total)
	}
	if e.haveStarted && now > e.startedAt {
		seconds := float64(now-e.startedAt) / 1000
		c.BandwidthBPS = float64(e.totalPayload) * 8 / seconds
	}
	return c
}
