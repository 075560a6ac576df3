package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/subtitle"
	"github.com/claude-did-this/chip-audio-receiver/internal/timesync"
	"github.com/claude-did-this/chip-audio-receiver/internal/wire"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrInvalidID    = errors.New("session: invalid id")
	sessionIDFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Limits carries the registry-level tunables shared by all sessions.
type Limits struct {
	Jitter             jitter.Config
	SubtitleDefaultMS  int64
	SessionTimeoutMS   int64
	TotalMemoryBytes   int64
	PerSessionMemBytes int64
}

// Registry maps session ids to live session records. The receiver and the
// negotiator both write; reads from the tick loop use Snapshot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	limits   Limits
	now      timesync.Clock
	log      *slog.Logger

	totalBytes atomic.Int64
}

func NewRegistry(limits Limits, now timesync.Clock, log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		limits:   limits,
		now:      now,
		log:      log.With(slog.String("component", "session-registry")),
	}
}

// Register creates a session or updates an existing one. Repeat registration
// with the same id is idempotent apart from the endpoint and declared format,
// which the control plane is allowed to replace.
func (r *Registry) Register(id string, endpoint *net.UDPAddr, format wire.Format, sampleRate uint32) (*Session, error) {
	if !sessionIDFormat.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		existing.setEndpoint(endpoint)
		existing.mu.Lock()
		existing.Format = format
		existing.SampleRate = sampleRate
		existing.mu.Unlock()
		r.log.Debug("session re-registered", slog.String("session_id", id), slog.String("endpoint", endpoint.String()))
		return existing, nil
	}

	cfg := r.limits.Jitter
	cfg.MaxSessionBytes = r.limits.PerSessionMemBytes
	cfg.TotalBytes = &r.totalBytes
	cfg.TotalCap = r.limits.TotalMemoryBytes

	s := &Session{
		ID:         id,
		Format:     format,
		SampleRate: sampleRate,
		Estimator:  timesync.NewEstimator(),
		Sync:       timesync.NewEngine(r.now),
		Buffer:     jitter.New(cfg),
		Subtitles:  subtitle.NewScheduler(r.limits.SubtitleDefaultMS),
		endpoint:   endpoint,
		state:      StatePending,
		startWall:  time.Now().UTC(),
	}
	r.sessions[id] = s
	r.log.Info("session registered",
		slog.String("session_id", id),
		slog.String("endpoint", endpoint.String()),
		slog.String("format", format.String()),
		slog.Int("sample_rate", int(sampleRate)))
	return s, nil
}

// Lookup returns the live session for id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Deregister tears a session down and returns its final statistics.
// Deregistering an unknown id is a no-op reporting ErrNotFound.
func (r *Registry) Deregister(id string) (FinalStats, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return FinalStats{}, ErrNotFound
	}

	s.Buffer.End()
	s.terminate()
	stats := s.FinalStats(r.now())
	r.log.Info("session deregistered",
		slog.String("session_id", id),
		slog.Uint64("received", stats.Received),
		slog.Uint64("lost", stats.Lost))
	return stats, nil
}

// ExpireIdle reaps sessions that saw no packet for longer than the session
// timeout and returns their ids. Pending sessions are measured from
// registration activity and are left alone here; the control plane owns them.
func (r *Registry) ExpireIdle(now int64) []string {
	timeout := r.limits.SessionTimeoutMS
	if timeout <= 0 {
		return nil
	}

	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		last := s.IdleSince()
		if last > 0 && now-last > timeout && s.State() == StateActive {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if s := r.Lookup(id); s != nil {
			s.MarkDraining(ReasonTimeout)
		}
	}
	return expired
}

// Snapshot returns the current session set for the tick loop.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// TotalBufferedBytes is the process-wide payload memory held in buffers.
func (r *Registry) TotalBufferedBytes() int64 {
	return r.totalBytes.Load()
}
