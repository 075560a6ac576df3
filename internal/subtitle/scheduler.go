// Package subtitle schedules show/hide events for subtitle cues against a
// session's local playback timeline. Cues carry offsets from the session's
// audio start; the scheduler resolves them to absolute local times once the
// sync baseline exists. One min-heap of pending events per session replaces
// one timer per event.
package subtitle

import (
	"container/heap"
	"sync"
)

// Cue is one subtitle record. StartMS and EndMS are offsets in ms from the
// session's audio-start reference. EndMS of zero means the configured
// default duration applies. TTSOffsetMS shifts both edges when the upstream
// synthesis pipeline reports a known skew.
type Cue struct {
	SessionID   string
	Text        string
	StartMS     int64
	EndMS       int64
	TTSOffsetMS int64
	Confidence  float64
}

// Kind distinguishes the two emitted event types.
type Kind int

const (
	Show Kind = iota
	Hide
)

// Event is one due show or hide emission. Late marks events whose time had
// already passed when they were armed or rebased.
type Event struct {
	SessionID string
	Text      string
	Kind      Kind
	At        int64
	Late      bool
}

type pending struct {
	at   int64
	ord  uint64 // arming order, stable tie-break and pair ordering
	kind Kind
	text string
	sid  string
}

type eventHeap []*pending

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].ord < h[j].ord
}
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(*pending)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler holds the pending subtitle events of one session. Cues armed
// before the sync baseline exists are parked and scheduled on Anchor.
type Scheduler struct {
	mu sync.Mutex

	defaultDurationMS int64
	anchored          bool
	audioStart        int64
	ord               uint64

	parked []Cue
	heap   eventHeap
}

func NewScheduler(defaultDurationMS int64) *Scheduler {
	return &Scheduler{defaultDurationMS: defaultDurationMS}
}

// Anchor fixes the session's audio start on the local timeline and schedules
// any cues that arrived before the first packet. Idempotent.
func (s *Scheduler) Anchor(audioStartLocal int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchored {
		return
	}
	s.anchored = true
	s.audioStart = audioStartLocal
	for _, cue := range s.parked {
		s.armLocked(cue)
	}
	s.parked = nil
}

// Arm schedules a cue's show and hide events. Before the baseline exists the
// cue is parked until Anchor.
func (s *Scheduler) Arm(cue Cue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.anchored {
		s.parked = append(s.parked, cue)
		return
	}
	s.armLocked(cue)
}

func (s *Scheduler) armLocked(cue Cue) {
	end := cue.EndMS
	if end <= cue.StartMS {
		end = cue.StartMS + s.defaultDurationMS
	}
	showAt := s.audioStart + cue.StartMS + cue.TTSOffsetMS
	hideAt := s.audioStart + end + cue.TTSOffsetMS

	s.ord++
	heap.Push(&s.heap, &pending{at: showAt, ord: s.ord, kind: Show, text: cue.Text, sid: cue.SessionID})
	s.ord++
	heap.Push(&s.heap, &pending{at: hideAt, ord: s.ord, kind: Hide, text: cue.Text, sid: cue.SessionID})
}

// Due pops every event whose time has arrived. Events already in the past
// are returned immediately with Late set.
func (s *Scheduler) Due(now int64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for s.heap.Len() > 0 {
		head := s.heap[0]
		if head.at > now {
			break
		}
		heap.Pop(&s.heap)
		out = append(out, Event{
			SessionID: head.sid,
			Text:      head.text,
			Kind:      head.kind,
			At:        head.at,
			Late:      head.at < now,
		})
	}
	return out
}

// Rebase shifts all pending events after a clock-offset slew. Heap order is
// preserved because every entry moves by the same delta.
func (s *Scheduler) Rebase(deltaMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.anchored || deltaMS == 0 {
		return
	}
	s.audioStart += deltaMS
	for _, p := range s.heap {
		p.at += deltaMS
	}
}

// Cancel drops every pending and parked event. Idempotent; used at session
// teardown.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heap = nil
	s.parked = nil
}

// Pending reports how many events are scheduled but not yet due.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len() + 2*len(s.parked)
}
