// Package jitter implements the per-session adaptive jitter buffer. Chunks
// are held ordered by deadline, released once deadline plus the adaptive
// buffer time has passed, and the buffer time itself adapts to observed
// underruns and overruns.
package jitter

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/claude-did-this/chip-audio-receiver/internal/timesync"
)

const (
	// chunkIntervalMS is the nominal spacing of audio chunks, used to
	// derive the chunk cap from the buffer time.
	chunkIntervalMS = 20

	adaptIntervalMS = 5000
	adaptUpFactor   = 1.2
	adaptDownFactor = 0.9
	// adaptDownJitterCeilMS blocks shrinking while the path is still noisy.
	adaptDownJitterCeilMS = 10

	maxExtraJitterHoldMS = 100
	lossHoldWeightMS     = 50
)

// Config carries the tunables for one buffer instance.
type Config struct {
	TargetMS int
	MinMS    int
	MaxMS    int
	Adaptive bool

	// MaxSessionBytes caps payload bytes held by this buffer; zero means
	// unlimited. TotalBytes/TotalCap form the process-wide budget shared
	// across sessions.
	MaxSessionBytes int64
	TotalBytes      *atomic.Int64
	TotalCap        int64
}

// State is the buffer's fill state.
type State int

const (
	StateFilling State = iota
	StatePlaying
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFilling:
		return "filling"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Chunk is one synced audio chunk awaiting release.
type Chunk struct {
	SessionID  string
	Sequence   uint32
	Payload    []byte
	Deadline   int64 // absolute local ms
	DurationMS float64
	ReceivedAt int64

	// bufferTimeMS is the effective hold decided at insert time.
	bufferTimeMS float64
}

// InsertResult classifies the outcome of an Insert.
type InsertResult int

const (
	Inserted InsertResult = iota
	DroppedLate
	DroppedMemory
)

// Emitted is one chunk released by Tick. OutOfOrder marks chunks whose
// sequence precedes one already emitted; sinks may choose to skip them.
type Emitted struct {
	Chunk      *Chunk
	OutOfOrder bool
}

// TickResult reports what one tick released and which edge events fired.
type TickResult struct {
	Emitted  []Emitted
	Underrun bool
	Drained  bool
}

// Stats are cumulative counters for one buffer.
type Stats struct {
	Inserted       uint64
	Emitted        uint64
	DroppedLate    uint64
	DroppedOverrun uint64
	Overruns       uint64
	Underruns      uint64
	MemoryPressure uint64
}

// Buffer is an adaptive jitter buffer for one session. Safe for use by the
// ingest and tick goroutines concurrently.
type Buffer struct {
	mu  sync.Mutex
	cfg Config

	chunks   []*Chunk // ordered by (deadline, sequence)
	bytes    int64
	targetMS float64
	state    State

	lastJitterMS    float64
	lastAdaptAt     int64
	haveAdaptAnchor bool
	windowUnderruns uint64
	windowOverruns  uint64

	emittedAny     bool
	lastEmittedSeq uint32
	adapted        uint64
	stats          Stats
}

func New(cfg Config) *Buffer {
	return &Buffer{
		cfg:      cfg,
		targetMS: float64(cfg.TargetMS),
		state:    StateFilling,
	}
}

// Insert places a chunk by deadline, computing the adaptive hold from the
// current network condition. Late chunks and chunks over the memory budget
// are dropped and counted.
func (b *Buffer) Insert(c *Chunk, cond timesync.Condition, now int64) InsertResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return DroppedLate
	}

	if c.Deadline < now {
		b.stats.DroppedLate++
		return DroppedLate
	}

	n := int64(len(c.Payload))
	if b.cfg.MaxSessionBytes > 0 && b.bytes+n > b.cfg.MaxSessionBytes {
		b.stats.MemoryPressure++
		return DroppedMemory
	}
	if b.cfg.TotalBytes != nil {
		if b.cfg.TotalCap > 0 && b.cfg.TotalBytes.Load()+n > b.cfg.TotalCap {
			b.stats.MemoryPressure++
			return DroppedMemory
		}
		b.cfg.TotalBytes.Add(n)
	}

	hold := b.targetMS
	if extra := 2 * cond.JitterMS; extra > maxExtraJitterHoldMS {
		hold += maxExtraJitterHoldMS
	} else {
		hold += extra
	}
	hold += lossHoldWeightMS * cond.PacketLossRatio
	if hold < float64(b.cfg.MinMS) {
		hold = float64(b.cfg.MinMS)
	}
	if hold > float64(b.cfg.MaxMS) {
		hold = float64(b.cfg.MaxMS)
	}
	c.bufferTimeMS = hold
	b.lastJitterMS = cond.JitterMS

	// Insert sorted by deadline, ties broken by sequence.
	idx := len(b.chunks)
	for i, existing := range b.chunks {
		if c.Deadline < existing.Deadline ||
			(c.Deadline == existing.Deadline && c.Sequence < existing.Sequence) {
			idx = i
			break
		}
	}
	b.chunks = append(b.chunks, nil)
	copy(b.chunks[idx+1:], b.chunks[idx:])
	b.chunks[idx] = c
	b.bytes += n
	b.stats.Inserted++

	maxChunks := int(math.Ceil(2 * hold / chunkIntervalMS))
	for len(b.chunks) > maxChunks {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.release(evicted)
		b.stats.Overruns++
		b.stats.DroppedOverrun++
		b.windowOverruns++
	}

	if b.state == StateFilling && b.bufferedMSLocked() >= float64(b.cfg.MinMS) {
		b.state = StatePlaying
	}
	return Inserted
}

// Requeue puts a chunk back at the release head after a busy sink refused
// it. The emission counter and sequence cursor roll back so the retry is
// neither double-counted nor tagged out of order.
func (b *Buffer) Requeue(c *Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return
	}
	b.chunks = append([]*Chunk{c}, b.chunks...)
	b.bytes += int64(len(c.Payload))
	if b.cfg.TotalBytes != nil {
		b.cfg.TotalBytes.Add(int64(len(c.Payload)))
	}
	if b.stats.Emitted > 0 {
		b.stats.Emitted--
	}
	if b.emittedAny && c.Sequence <= b.lastEmittedSeq {
		b.lastEmittedSeq = c.Sequence
	}
}

// Tick releases every chunk whose deadline plus hold has passed. Calling it
// twice with the same now releases on the first call and nothing after.
func (b *Buffer) Tick(now int64) TickResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res TickResult
	if b.state == StateClosed {
		return res
	}

	for len(b.chunks) > 0 {
		head := b.chunks[0]
		if float64(head.Deadline)+head.bufferTimeMS > float64(now) {
			break
		}
		b.chunks = b.chunks[1:]
		b.release(head)

		out := Emitted{Chunk: head}
		if b.emittedAny && head.Sequence < b.lastEmittedSeq {
			out.OutOfOrder = true
		} else {
			b.lastEmittedSeq = head.Sequence
		}
		b.emittedAny = true
		b.stats.Emitted++
		res.Emitted = append(res.Emitted, out)
	}

	if len(b.chunks) == 0 {
		switch b.state {
		case StatePlaying:
			b.stats.Underruns++
			b.windowUnderruns++
			b.state = StateFilling
			res.Underrun = true
		case StateDraining:
			b.state = StateClosed
			res.Drained = true
		}
	}

	if b.cfg.Adaptive {
		b.maybeAdapt(now)
	}
	return res
}

// maybeAdapt applies the 5-second adaptation rule. Caller holds b.mu.
func (b *Buffer) maybeAdapt(now int64) {
	if !b.haveAdaptAnchor {
		b.lastAdaptAt = now
		b.haveAdaptAnchor = true
		return
	}
	if now-b.lastAdaptAt < adaptIntervalMS {
		return
	}
	switch {
	case b.windowUnderruns > 0:
		b.targetMS *= adaptUpFactor
		if b.targetMS > float64(b.cfg.MaxMS) {
			b.targetMS = float64(b.cfg.MaxMS)
		}
		b.adapted++
	case b.windowOverruns > 0 && b.lastJitterMS < adaptDownJitterCeilMS:
		b.targetMS *= adaptDownFactor
		if b.targetMS < float64(b.cfg.MinMS) {
			b.targetMS = float64(b.cfg.MinMS)
		}
		b.adapted++
	}
	b.windowUnderruns = 0
	b.windowOverruns = 0
	b.lastAdaptAt = now
}

// SetDraining switches the buffer to drain mode; remaining chunks still
// release on schedule and the buffer closes once empty.
func (b *Buffer) SetDraining() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.state = StateDraining
	}
}

// End closes the buffer immediately, dropping whatever remains, and returns
// the final stats.
func (b *Buffer) End() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.chunks {
		b.release(c)
	}
	b.chunks = nil
	b.state = StateClosed
	return b.stats
}

func (b *Buffer) release(c *Chunk) {
	n := int64(len(c.Payload))
	b.bytes -= n
	if b.cfg.TotalBytes != nil {
		b.cfg.TotalBytes.Add(-n)
	}
}

func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// TargetMS is the current adaptive buffer target.
func (b *Buffer) TargetMS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetMS
}

// Adaptations counts how many times the target changed.
func (b *Buffer) Adaptations() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.adapted
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Buffer) bufferedMSLocked() float64 {
	var total float64
	for _, c := range b.chunks {
		total += c.DurationMS
	}
	return total
}

// BufferedMS is the summed duration of held chunks.
func (b *Buffer) BufferedMS() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedMSLocked()
}
