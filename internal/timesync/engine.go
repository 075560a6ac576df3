package timesync

import (
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

const (
	// PrebufferMS is the smoothness margin added between the first
	// packet's arrival and the start of local playback.
	PrebufferMS = 50

	// DefaultChunkDurationMS is assumed for compressed formats when only
	// one packet is in flight and no playback-ts delta exists yet.
	DefaultChunkDurationMS = 20

	defaultNetworkLatencyMS = 20
	minNetworkLatencyMS     = 5
	minLeadMS               = 5
	maxJitterCompMS         = 20

	// lateGraceMS bounds how overdue a packet may be and still get floored
	// to now+minLead instead of carrying its past deadline downstream,
	// where the jitter buffer drops it as out-of-window.
	lateGraceMS = 100

	slewThresholdMS = 10
	slewFraction    = 0.1
	reportDriftMS   = 100
)

// Engine fixes a per-session linear map from the sender timeline to the
// local timeline and computes the absolute local deadline for each packet.
// Created once per session; the first packet establishes the baseline.
type Engine struct {
	now Clock

	baselined       bool
	audioStartLocal float64
	clockOffset     float64
	firstTTSTS      uint64

	havePrev       bool
	prevPlaybackTS uint64
}

func NewEngine(now Clock) *Engine {
	return &Engine{now: now}
}

// Baselined reports whether the first packet has been seen.
func (e *Engine) Baselined() bool { return e.baselined }

// AudioStartLocal is the local ms the session's audio is anchored to.
// Zero until baselined.
func (e *Engine) AudioStartLocal() int64 { return int64(e.audioStartLocal) }

// Deadline computes the local-clock deadline and estimated duration for pkt.
// The first call establishes the baseline.
func (e *Engine) Deadline(pkt *wire.Packet, cond Condition) (deadline int64, durationMS float64) {
	now := e.now()

	if !e.baselined {
		e.establishBaseline(pkt, cond, now)
	}

	// The baseline anchors the sender timeline at the first packet's tts
	// timestamp; playback_ts is authoritative for ordering after that.
	relative := float64(int64(pkt.PlaybackTS) - int64(e.firstTTSTS))
	target := e.audioStartLocal + relative

	jitterComp := 2 * cond.JitterMS
	if jitterComp > maxJitterCompMS {
		jitterComp = maxJitterCompMS
	}

	deadline = int64(target + jitterComp)
	// Slightly-overdue packets are floored to a short lead so they still
	// pass downstream in order. Anything beyond the grace window keeps
	// its past deadline and is dropped by the jitter buffer as
	// out-of-window.
	if floor := now + minLeadMS; deadline < floor && now-deadline <= lateGraceMS {
		deadline = floor
	}

	return deadline, e.estimateDuration(pkt)
}

func (e *Engine) establishBaseline(pkt *wire.Packet, cond Condition, now int64) {
	processingDelay := float64(now) - float64(pkt.TTSTS) // includes clock offset
	networkLatency := cond.AvgLatencyMS
	if networkLatency <= 0 {
		networkLatency = defaultNetworkLatencyMS
	}
	if networkLatency < minNetworkLatencyMS {
		networkLatency = minNetworkLatencyMS
	}

	e.audioStartLocal = float64(now + PrebufferMS)
	e.clockOffset = processingDelay + networkLatency
	e.firstTTSTS = pkt.TTSTS
	e.baselined = true
}

func (e *Engine) estimateDuration(pkt *wire.Packet) float64 {
	defer func() {
		e.prevPlaybackTS = pkt.PlaybackTS
		e.havePrev = true
	}()

	if pkt.Format == wire.FormatPCM {
		if pkt.SampleRate == 0 {
			return 0
		}
		// 16-bit mono unless the stream declares otherwise; the wire
		// format carries no channel count today.
		const bytesPerSample = 2
		const channels = 1
		return float64(len(pkt.Payload)) / float64(bytesPerSample*channels*pkt.SampleRate) * 1000
	}

	// Compressed formats: successive playback-ts deltas stand in for
	// frame duration.
	if e.havePrev && pkt.PlaybackTS > e.prevPlaybackTS {
		return float64(pkt.PlaybackTS - e.prevPlaybackTS)
	}
	return DefaultChunkDurationMS
}

// AdjustForDrift slews the baseline toward the observed latency when it has
// drifted beyond the threshold. It returns the applied shift in ms (zero when
// within tolerance) and whether the drift was too large to correct; large
// jumps are reported only, recovery is the control plane's call.
func (e *Engine) AdjustForDrift(cond Condition) (appliedMS float64, tooLarge bool) {
	if !e.baselined {
		return 0, false
	}
	drift := cond.AvgLatencyMS - (e.clockOffset - PrebufferMS)
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	if abs > reportDriftMS {
		return 0, true
	}
	if abs <= slewThresholdMS {
		return 0, false
	}
	applied := drift * slewFraction
	e.clockOffset += applied
	e.audioStartLocal += applied
	return applied, false
}
