// Package sink defines the narrow downstream interface the receiver emits
// into: play-this-buffer-now events plus subtitle show/hide. Concrete sinks
// (platform audio, OBS text source, overlay) live outside the core and
// subscribe through this interface.
package sink

import (
	"errors"
	"log/slog"

	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

// ErrBusy signals transient backpressure. The jitter buffer does not reorder
// around a busy sink; it retries the same chunk on the next tick.
var ErrBusy = errors.New("sink: busy")

// PlayEvent is one audio chunk due at the sink.
type PlayEvent struct {
	SessionID  string
	Payload    []byte
	Format     wire.Format
	SampleRate uint32
	DeadlineMS int64
	Sequence   uint32
	// OutOfOrder marks chunks whose sequence precedes an already-played
	// one; the sink may skip them or conceal.
	OutOfOrder bool
}

// Sink consumes the receiver's downstream events. Implementations must be
// fast; Play is called on the tick loop.
type Sink interface {
	Play(ev PlayEvent) error
	Underrun(sessionID string)
	Drain(sessionID string)
	ShowSubtitle(sessionID, text string)
	HideSubtitle(sessionID, text string)
}

// LogSink writes every event to the logger. Development and test default.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "log-sink"))}
}

func (l *LogSink) Play(ev PlayEvent) error {
	l.log.Debug("play",
		slog.String("session_id", ev.SessionID),
		slog.Int("bytes", len(ev.Payload)),
		slog.Int64("deadline_ms", ev.DeadlineMS),
		slog.Uint64("sequence", uint64(ev.Sequence)),
		slog.Bool("out_of_order", ev.OutOfOrder))
	return nil
}

func (l *LogSink) Underrun(sessionID string) {
	l.log.Warn("underrun", slog.String("session_id", sessionID))
}

func (l *LogSink) Drain(sessionID string) {
	l.log.Info("drained", slog.String("session_id", sessionID))
}

func (l *LogSink) ShowSubtitle(sessionID, text string) {
	l.log.Info("subtitle show", slog.String("session_id", sessionID), slog.String("text", text))
}

func (l *LogSink) HideSubtitle(sessionID, text string) {
	l.log.Info("subtitle hide", slog.String("session_id", sessionID), slog.String("text", text))
}
