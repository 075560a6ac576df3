// Package protocol defines the control-plane messages exchanged over the
// bus. The data plane (raw UDP datagrams) is defined in internal/wire;
// nothing here touches audio bytes.
package protocol

import "time"

// SessionStart announces an upcoming stream. ClientEndpoint is the sender's
// datagram source address; packets from any other address are rejected.
type SessionStart struct {
	SessionID           string `json:"session_id"`
	AudioStreamPort     uint16 `json:"audio_stream_port"`
	ClientEndpoint      string `json:"client_endpoint"`
	ExpectedFormat      string `json:"expected_format"`
	SampleRate          uint32 `json:"sample_rate"`
	EstimatedDurationMS uint64 `json:"estimated_duration_ms,omitempty"`
}

// SessionReady is the receiver's reply carrying the bound UDP endpoint and
// the suggested jitter buffer size.
type SessionReady struct {
	SessionID     string `json:"session_id"`
	ReceiverReady bool   `json:"receiver_ready"`
	UDPEndpoint   string `json:"udp_endpoint"`
	BufferSizeMS  uint32 `json:"buffer_size_ms"`
}

// SessionEnd asks the receiver to drain and tear a session down.
type SessionEnd struct {
	SessionID  string             `json:"session_id"`
	Reason     string             `json:"reason"`
	Statistics *SessionStatistics `json:"statistics,omitempty"`
}

// SessionEnded confirms teardown with the receiver-side statistics.
type SessionEnded struct {
	SessionID  string            `json:"session_id"`
	Reason     string            `json:"reason"`
	Statistics SessionStatistics `json:"statistics"`
}

// SessionStatistics is the terminal accounting for one session.
type SessionStatistics struct {
	Received          uint64    `json:"received"`
	Lost              uint64    `json:"lost"`
	Duplicates        uint64    `json:"duplicates"`
	Reordered         uint64    `json:"reordered"`
	DroppedLate       uint64    `json:"dropped_late"`
	DroppedOverrun    uint64    `json:"dropped_overrun"`
	Underruns         uint64    `json:"underruns"`
	Overruns          uint64    `json:"overruns"`
	MemoryPressure    uint64    `json:"memory_pressure,omitempty"`
	MeanLatencyMS     float64   `json:"mean_latency_ms"`
	MeanJitterMS      float64   `json:"mean_jitter_ms"`
	SessionDurationMS uint64    `json:"session_duration_ms"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
}

// SubtitleCue carries subtitle text on the reliable plane. Start and end are
// offsets in ms from the session's audio-start reference.
type SubtitleCue struct {
	SessionID   string  `json:"session_id"`
	Text        string  `json:"text"`
	StartTimeMS int64   `json:"start_time_ms"`
	EndTimeMS   int64   `json:"end_time_ms,omitempty"`
	TTSOffsetMS int64   `json:"tts_offset_ms,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// NetworkConditions is the optional periodic path report published back to
// the control plane.
type NetworkConditions struct {
	SessionID       string    `json:"session_id"`
	AvgLatencyMS    float64   `json:"avg_latency_ms"`
	JitterMS        float64   `json:"jitter_ms"`
	PacketLossRatio float64   `json:"packet_loss_ratio"`
	BandwidthBPS    float64   `json:"bandwidth_bps"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectSessionStart  = "ctrl.session.start"
	SubjectSessionReady  = "ctrl.session.ready"
	SubjectSessionEnd    = "ctrl.session.end"
	SubjectSessionEnded  = "ctrl.session.ended"
	SubjectSubtitleCue   = "ctrl.subtitle.cue"
	SubjectNetConditions = "stream.net.conditions"
)
