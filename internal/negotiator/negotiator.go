// Package negotiator bridges the control plane and the data-plane core: it
// answers SESSION_START with SESSION_READY, routes subtitle cues to the
// scheduler, tears sessions down on SESSION_END or timeout, and optionally
// publishes periodic network-condition reports.
package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/claude-did-this/chip-audio-receiver/internal/bus"
	"github.com/claude-did-this/chip-audio-receiver/internal/protocol"
	"github.com/claude-did-this/chip-audio-receiver/internal/receiver"
	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/sessionstore"
	"github.com/claude-did-this/chip-audio-receiver/internal/subtitle"
	"github.com/claude-did-this/chip-audio-receiver/internal/timesync"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

// Config carries the negotiator's pacing knobs.
type Config struct {
	// AdvertiseHost overrides the host part of the UDP endpoint announced
	// in SESSION_READY (the socket usually binds a wildcard address).
	AdvertiseHost string

	DrainTimeoutMS       int64
	CleanupIntervalMS    int64
	ConditionsIntervalMS int64 // 0 disables condition publishing
}

type Service struct {
	cfg   Config
	bus   *bus.Client
	reg   *session.Registry
	recv  *receiver.Receiver
	store *sessionstore.Store
	now   timesync.Clock
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	// closing gates wg.Add: subscriptions still deliver while draining, and
	// adding to a waited-on group is a race.
	closeMu sync.Mutex
	closing bool
}

func NewService(parent context.Context, cfg Config, busClient *bus.Client, reg *session.Registry, recv *receiver.Receiver, store *sessionstore.Store, now timesync.Clock, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		reg:    reg,
		recv:   recv,
		store:  store,
		now:    now,
		log:    log.With(slog.String("component", "negotiator")),
		ctx:    ctx,
		cancel: cancel,
	}
	recv.OnSessionFatal(s.onSessionFatal)
	recv.OnDrained(s.onSessionDrained)
	return s
}

// spawn runs fn on a tracked goroutine unless shutdown already started.
func (s *Service) spawn(fn func()) {
	s.closeMu.Lock()
	if s.closing {
		s.closeMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.closeMu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) Start() error {
	conn := s.bus.Conn()

	startSub, err := conn.Subscribe(protocol.SubjectSessionStart, s.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe session start: %w", err)
	}
	s.subs = append(s.subs, startSub)

	endSub, err := conn.Subscribe(protocol.SubjectSessionEnd, s.handleEnd)
	if err != nil {
		return fmt.Errorf("subscribe session end: %w", err)
	}
	s.subs = append(s.subs, endSub)

	cueSub, err := conn.Subscribe(protocol.SubjectSubtitleCue, s.handleCue)
	if err != nil {
		return fmt.Errorf("subscribe subtitle cue: %w", err)
	}
	s.subs = append(s.subs, cueSub)

	s.wg.Add(1)
	go s.cleanupLoop()
	if s.cfg.ConditionsIntervalMS > 0 {
		s.wg.Add(1)
		go s.conditionsLoop()
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.closeMu.Lock()
	s.closing = true
	s.closeMu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 3
}

func (s *Service) handleStart(msg *nats.Msg) {
	var start protocol.SessionStart
	if err := json.Unmarshal(msg.Data, &start); err != nil {
		s.log.Warn("failed to decode session start", slogError(err))
		return
	}

	format, err := wire.ParseFormat(start.ExpectedFormat)
	if err != nil {
		s.log.Warn("session start with unknown format",
			slog.String("session_id", start.SessionID), slogError(err))
		s.publishReady(start.SessionID, false, 0)
		return
	}

	endpoint, err := net.ResolveUDPAddr("udp", start.ClientEndpoint)
	if err != nil {
		s.log.Warn("session start with bad client endpoint",
			slog.String("session_id", start.SessionID), slogError(err))
		s.publishReady(start.SessionID, false, 0)
		return
	}

	sess, err := s.reg.Register(start.SessionID, endpoint, format, start.SampleRate)
	if err != nil {
		s.log.Warn("session registration failed",
			slog.String("session_id", start.SessionID), slogError(err))
		s.publishReady(start.SessionID, false, 0)
		return
	}

	if err := s.store.AppendSession(s.ctx, start.SessionID, start.ClientEndpoint, start.ExpectedFormat, start.SampleRate); err != nil {
		s.log.Warn("failed to persist session", slogError(err))
	}

	s.publishReady(start.SessionID, true, uint32(sess.Buffer.TargetMS()))
}

func (s *Service) publishReady(sessionID string, ready bool, bufferMS uint32) {
	udpEndpoint := s.recv.LocalAddr().String()
	if s.cfg.AdvertiseHost != "" {
		udpEndpoint = net.JoinHostPort(s.cfg.AdvertiseHost, fmt.Sprintf("%d", s.recv.LocalAddr().Port))
	}
	reply := protocol.SessionReady{
		SessionID:     sessionID,
		ReceiverReady: ready,
		UDPEndpoint:   udpEndpoint,
		BufferSizeMS:  bufferMS,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal session ready", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionReady, data); err != nil {
		s.log.Warn("failed to publish session ready", slogError(err))
	}
}

func (s *Service) handleEnd(msg *nats.Msg) {
	var end protocol.SessionEnd
	if err := json.Unmarshal(msg.Data, &end); err != nil {
		s.log.Warn("failed to decode session end", slogError(err))
		return
	}

	sess := s.reg.Lookup(end.SessionID)
	if sess == nil {
		s.log.Debug("end for unknown session", slog.String("session_id", end.SessionID))
		return
	}

	reason := session.EndReason(end.Reason)
	if reason == "" {
		reason = session.ReasonCompleted
	}
	sess.MarkDraining(reason)
	s.spawn(func() { s.finishSession(end.SessionID) })
}

func (s *Service) handleCue(msg *nats.Msg) {
	var cue protocol.SubtitleCue
	if err := json.Unmarshal(msg.Data, &cue); err != nil {
		s.log.Warn("failed to decode subtitle cue", slogError(err))
		return
	}
	sess := s.reg.Lookup(cue.SessionID)
	if sess == nil {
		s.log.Debug("cue for unknown session", slog.String("session_id", cue.SessionID))
		return
	}
	sess.Subtitles.Arm(subtitle.Cue{
		SessionID:   cue.SessionID,
		Text:        cue.Text,
		StartMS:     cue.StartTimeMS,
		EndMS:       cue.EndTimeMS,
		TTSOffsetMS: cue.TTSOffsetMS,
		Confidence:  cue.Confidence,
	})
}

func (s *Service) onSessionFatal(sessionID string) {
	s.spawn(func() { s.finishSession(sessionID) })
}

// onSessionDrained tears down sessions that end via the last-packet flag on
// the data plane; no SESSION_END arrives for those.
func (s *Service) onSessionDrained(sessionID string) {
	s.spawn(func() { s.finishSession(sessionID) })
}

// finishSession waits for the jitter buffer to drain (bounded by the drain
// timeout), deregisters, persists and confirms on the control plane.
// Concurrent calls for the same id are safe: Deregister resolves the race
// and the loser sees not-found.
func (s *Service) finishSession(sessionID string) {
	sess := s.reg.Lookup(sessionID)
	if sess == nil {
		return
	}
	reason := sess.Reason()

	deadline := time.Now().Add(time.Duration(s.cfg.DrainTimeoutMS) * time.Millisecond)
	for sess.Buffer.Len() > 0 && time.Now().Before(deadline) {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	stats, err := s.reg.Deregister(sessionID)
	if err != nil {
		return
	}

	proto := statsToProtocol(stats)
	payload, err := json.Marshal(proto)
	if err == nil {
		if err := s.store.AppendEvent(s.ctx, sessionstore.Event{
			SessionID: sessionID,
			Type:      "session.ended",
			Payload:   payload,
		}); err != nil {
			s.log.Warn("failed to persist session end", slogError(err))
		}
	}

	ended := protocol.SessionEnded{
		SessionID:  sessionID,
		Reason:     string(reason),
		Statistics: proto,
	}
	data, err := json.Marshal(ended)
	if err != nil {
		s.log.Warn("failed to marshal session ended", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionEnded, data); err != nil {
		s.log.Warn("failed to publish session ended", slogError(err))
	}
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.CleanupIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.reg.ExpireIdle(s.now()) {
				s.log.Info("session idle timeout", slog.String("session_id", id))
				s.spawn(func() { s.finishSession(id) })
			}
		}
	}
}

func (s *Service) conditionsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.ConditionsIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			for _, sess := range s.reg.Snapshot() {
				if sess.State() != session.StateActive {
					continue
				}
				cond := sess.Estimator.Condition(now)
				report := protocol.NetworkConditions{
					SessionID:       sess.ID,
					AvgLatencyMS:    cond.AvgLatencyMS,
					JitterMS:        cond.JitterMS,
					PacketLossRatio: cond.PacketLossRatio,
					BandwidthBPS:    cond.BandwidthBPS,
					Timestamp:       time.Now().UTC(),
				}
				data, err := json.Marshal(report)
				if err != nil {
					continue
				}
				if err := s.bus.Conn().Publish(protocol.SubjectNetConditions, data); err != nil {
					s.log.Warn("failed to publish conditions", slogError(err))
				}
			}
		}
	}
}

func statsToProtocol(fs session.FinalStats) protocol.SessionStatistics {
	return protocol.SessionStatistics{
		Received:          fs.Received,
		Lost:              fs.Lost,
		Duplicates:        fs.Duplicates,
		Reordered:         fs.Reordered,
		DroppedLate:       fs.DroppedLate,
		DroppedOverrun:    fs.DroppedOverrun,
		Underruns:         fs.Underruns,
		Overruns:          fs.Overruns,
		MemoryPressure:    fs.MemoryPressure,
		MeanLatencyMS:     fs.MeanLatencyMS,
		MeanJitterMS:      fs.MeanJitterMS,
		SessionDurationMS: fs.SessionDurationMS,
		StartedAt:         fs.StartedAt,
		EndedAt:           fs.EndedAt,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
