// Package receiver owns the data-plane UDP socket. A single read goroutine
// parses datagrams and drives the per-packet pipeline (attribution, sequence
// accounting, sync, jitter insert); a second goroutine ticks every session's
// jitter buffer and subtitle timers at 5 ms granularity and emits into the
// sink.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/sink"
	"github.com/claude-did-this/chip-audio-receiver/internal/subtitle"
	"github.com/claude-did-this/chip-audio-receiver/internal/timesync"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

const (
	tickInterval = 5 * time.Millisecond

	// driftCheckIntervalMS paces baseline drift evaluation per session.
	driftCheckIntervalMS = 1000

	// sinkFatalThreshold is how many consecutive non-busy sink errors end
	// a session with reason ERROR.
	sinkFatalThreshold = 5

	maxDatagram = 64 * 1024
)

// Config for the receiver's socket.
type Config struct {
	Port            int
	ReadBufferBytes int
}

// Receiver binds the datagram socket and runs the ingest and tick loops.
type Receiver struct {
	cfg Config
	reg *session.Registry
	out sink.Sink
	log *slog.Logger
	now timesync.Clock

	conn   *net.UDPConn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error

	// onSessionFatal notifies the control-plane side that a session died
	// on repeated sink errors. onDrained fires when a buffer finishes
	// draining, so sessions ending via the last-packet flag get torn down
	// without a control-plane end message. Both optional.
	onSessionFatal func(sessionID string)
	onDrained      func(sessionID string)

	malformed    atomic.Uint64
	unattrib     atomic.Uint64
	mismatched   atomic.Uint64
	sinkFailures map[string]int // tick goroutine only

	packetsIn  metric.Int64Counter
	packetsBad metric.Int64Counter
	chunksOut  metric.Int64Counter
	underruns  metric.Int64Counter
}

// New binds the UDP socket. A bind failure is core-fatal and surfaces here.
func New(parent context.Context, cfg Config, reg *session.Registry, out sink.Sink, now timesync.Clock, log *slog.Logger) (*Receiver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", cfg.Port, err)
	}
	if cfg.ReadBufferBytes > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferBytes); err != nil {
			log.Warn("failed to set socket read buffer", slog.String("error", err.Error()))
		}
	}

	ctx, cancel := context.WithCancel(parent)
	r := &Receiver{
		cfg:          cfg,
		reg:          reg,
		out:          out,
		log:          log.With(slog.String("component", "udp-receiver")),
		now:          now,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		errs:         make(chan error, 1),
		sinkFailures: make(map[string]int),
	}
	r.initMetrics()
	return r, nil
}

func (r *Receiver) initMetrics() {
	meter := otel.Meter("github.com/claude-did-this/chip-audio-receiver/receiver")
	var err error
	if r.packetsIn, err = meter.Int64Counter("audio_packets_received_total"); err != nil {
		r.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if r.packetsBad, err = meter.Int64Counter("audio_packets_dropped_total"); err != nil {
		r.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if r.chunksOut, err = meter.Int64Counter("audio_chunks_emitted_total"); err != nil {
		r.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if r.underruns, err = meter.Int64Counter("jitter_underruns_total"); err != nil {
		r.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
}

func (r *Receiver) countDrop(reason string) {
	if r.packetsBad != nil {
		r.packetsBad.Add(r.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// OnSessionFatal installs the session-fatal callback. Must be set before
// Start.
func (r *Receiver) OnSessionFatal(fn func(sessionID string)) {
	r.onSessionFatal = fn
}

// OnDrained installs the buffer-drained callback. Must be set before Start.
func (r *Receiver) OnDrained(fn func(sessionID string)) {
	r.onDrained = fn
}

// Start launches the read and tick loops.
func (r *Receiver) Start() {
	r.wg.Add(2)
	go r.readLoop()
	go r.tickLoop()
	r.log.Info("receiver started", slog.String("addr", r.conn.LocalAddr().String()))
}

// Close stops both loops and releases the socket. Idempotent.
func (r *Receiver) Close() {
	r.cancel()
	_ = r.conn.Close()
	r.wg.Wait()
}

// Errors surfaces socket failures to the embedder; the receiver does not
// attempt a re-bind.
func (r *Receiver) Errors() <-chan error {
	return r.errs
}

// LocalAddr is the bound data-plane endpoint advertised in SESSION_READY.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func (r *Receiver) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.log.Error("socket read failed", slog.String("error", err.Error()))
			select {
			case r.errs <- err:
			default:
			}
			return
		}

		pkt, err := wire.Parse(buf[:n])
		if err != nil {
			r.malformed.Add(1)
			r.countDrop("malformed")
			r.log.Debug("malformed datagram", slog.String("error", err.Error()), slog.Int("len", n))
			continue
		}
		// The parse aliases the read buffer; the chunk outlives this
		// iteration.
		pkt.Payload = append([]byte(nil), pkt.Payload...)
		r.ingest(pkt, src)
	}
}

// ingest runs the per-packet pipeline. Exported to the package tests via
// receiver_test.go; production traffic only enters through readLoop.
func (r *Receiver) ingest(pkt *wire.Packet, src *net.UDPAddr) {
	now := r.now()

	s := r.reg.Lookup(pkt.SessionID)
	if s == nil {
		r.unattrib.Add(1)
		r.countDrop("unattributed")
		return
	}
	if !s.EndpointMatches(src) {
		r.mismatched.Add(1)
		r.countDrop("endpoint_mismatch")
		r.log.Debug("endpoint mismatch",
			slog.String("session_id", pkt.SessionID),
			slog.String("src", src.String()))
		return
	}

	outcome, lost := s.Track(pkt.Sequence)
	switch outcome {
	case session.SeqDuplicate:
		r.countDrop("duplicate")
		return
	case session.SeqReorder:
		s.Estimator.ReclaimLost()
	}
	if lost > 0 {
		s.Estimator.RecordLost(lost)
	}

	s.Estimator.Observe(pkt, now)
	s.Touch(now)
	if r.packetsIn != nil {
		r.packetsIn.Add(r.ctx, 1)
	}

	cond := s.Estimator.Condition(now)
	wasBaselined := s.Sync.Baselined()
	deadline, durationMS := s.Sync.Deadline(pkt, cond)
	if !wasBaselined {
		s.Subtitles.Anchor(s.Sync.AudioStartLocal())
	} else if s.ShouldCheckDrift(now, driftCheckIntervalMS) {
		applied, tooLarge := s.Sync.AdjustForDrift(cond)
		if tooLarge {
			r.log.Warn("clock drift beyond slew range",
				slog.String("session_id", s.ID),
				slog.Float64("avg_latency_ms", cond.AvgLatencyMS))
		} else if applied != 0 {
			s.Subtitles.Rebase(int64(math.Round(applied)))
		}
	}

	chunk := &jitter.Chunk{
		SessionID:  s.ID,
		Sequence:   pkt.Sequence,
		Payload:    pkt.Payload,
		Deadline:   deadline,
		DurationMS: durationMS,
		ReceivedAt: now,
	}
	switch s.Buffer.Insert(chunk, cond, now) {
	case jitter.DroppedLate:
		r.countDrop("late")
	case jitter.DroppedMemory:
		r.countDrop("memory_pressure")
		r.log.Warn("insert refused under memory pressure", slog.String("session_id", s.ID))
	}

	if pkt.Last {
		s.MarkDraining(session.ReasonCompleted)
	}
}

func (r *Receiver) tickLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			now := r.now()
			for _, s := range r.reg.Snapshot() {
				r.tickSession(s, now)
			}
		}
	}
}

func (r *Receiver) tickSession(s *session.Session, now int64) {
	res := s.Buffer.Tick(now)

	for i, em := range res.Emitted {
		ev := sink.PlayEvent{
			SessionID:  em.Chunk.SessionID,
			Payload:    em.Chunk.Payload,
			Format:     s.Format,
			SampleRate: s.SampleRate,
			DeadlineMS: em.Chunk.Deadline,
			Sequence:   em.Chunk.Sequence,
			OutOfOrder: em.OutOfOrder,
		}
		err := r.out.Play(ev)
		if err == nil {
			delete(r.sinkFailures, s.ID)
			if r.chunksOut != nil {
				r.chunksOut.Add(r.ctx, 1)
			}
			continue
		}

		if errors.Is(err, sink.ErrBusy) {
			// Put this chunk and everything after it back; the next
			// tick (≤5 ms away) retries in order.
			for j := len(res.Emitted) - 1; j >= i; j-- {
				s.Buffer.Requeue(res.Emitted[j].Chunk)
			}
			return
		}

		r.sinkFailures[s.ID]++
		r.log.Warn("sink rejected chunk",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
			slog.Int("consecutive", r.sinkFailures[s.ID]))
		if r.sinkFailures[s.ID] >= sinkFatalThreshold {
			delete(r.sinkFailures, s.ID)
			s.MarkDraining(session.ReasonError)
			if r.onSessionFatal != nil {
				r.onSessionFatal(s.ID)
			}
		}
		return
	}

	if res.Underrun {
		if r.underruns != nil {
			r.underruns.Add(r.ctx, 1)
		}
		r.out.Underrun(s.ID)
	}
	if res.Drained {
		r.out.Drain(s.ID)
		if r.onDrained != nil {
			r.onDrained(s.ID)
		}
	}

	for _, ev := range s.Subtitles.Due(now) {
		switch ev.Kind {
		case subtitle.Show:
			r.out.ShowSubtitle(ev.SessionID, ev.Text)
		case subtitle.Hide:
			r.out.HideSubtitle(ev.SessionID, ev.Text)
		}
	}
}

// Malformed, Unattributed and Mismatched expose the receiver-level drop
// counters.
func (r *Receiver) Malformed() uint64    { return r.malformed.Load() }
func (r *Receiver) Unattributed() uint64 { return r.unattrib.Load() }
func (r *Receiver) Mismatched() uint64   { return r.mismatched.Load() }
