package playback

import (
	"container/heap"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/voxhire/voxhire/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Player = (*Queue)(nil)

const (
	// DefaultGap is the base silence duration inserted between consecutive
	// segments when no explicit gap is configured via [WithGap].
	DefaultGap = 300 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the priority queue.
	defaultQueueCap = 16
)

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithGap sets the base silence gap inserted between consecutive segments.
// Jitter of ±1/6 of the gap is applied automatically. A gap of zero disables
// inter-segment silence entirely.
func WithGap(d time.Duration) Option {
	return func(q *Queue) {
		q.gap = d
	}
}

// WithQueueCapacity sets the initial capacity hint for the internal priority
// queue. This does not impose a hard limit — the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.queue = make(segmentHeap, 0, n)
		}
	}
}

// Queue is a concrete [audio.Player] that schedules [audio.Segment] playback
// using a priority queue backed by [container/heap].
//
// Higher-priority segments preempt lower-priority ones currently playing,
// which is how a real interviewer utterance cuts off a filler phrase the
// moment the LLM round-trip completes. Equal-priority segments are played in
// FIFO order. A configurable silence gap (with jitter) is inserted between
// consecutive segments to sound natural.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	output func(audio.AudioFrame) // callback that receives audio frames for playback

	mu             sync.Mutex
	queue          segmentHeap
	seq            uint64         // monotonic counter for FIFO ordering
	gap            time.Duration  // base silence gap between segments
	playing        *audio.Segment // currently playing segment, or nil
	playingPri     int            // priority of the currently playing segment
	cancelPlaying  chan struct{}  // closed to interrupt the current segment
	bargeInHandler func()         // last-writer-wins barge-in callback

	notify chan struct{} // signalled when a new segment is enqueued or interrupt fires
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// New creates a [Queue] that delivers audio frames to the output callback.
// The queue starts a background dispatch goroutine immediately.
//
// output must not be nil; it is called sequentially from the dispatch goroutine
// and must not block for extended periods.
//
// Call [Queue.Close] to stop the background goroutine and release resources.
func New(output func(audio.AudioFrame), opts ...Option) *Queue {
	q := &Queue{
		output: output,
		queue:  make(segmentHeap, 0, defaultQueueCap),
		gap:    DefaultGap,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	heap.Init(&q.queue)
	go q.dispatch()
	return q
}

// Enqueue schedules segment for playback at the given priority. If the segment
// has higher priority than the one currently playing, the current segment is
// interrupted with [audio.ControlOverride] semantics and the new segment
// begins immediately.
//
// Segments with an invalid format (SampleRate or Channels not positive) are
// rejected and drained without playing.
//
// The priority parameter overrides segment.Priority, allowing call-site context
// to elevate or demote a segment without mutating the struct.
func (q *Queue) Enqueue(segment *audio.Segment, priority int) {
	if segment.SampleRate <= 0 || segment.Channels <= 0 {
		go audio.Drain(segment.Audio)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		go audio.Drain(segment.Audio)
		return
	}

	q.seq++
	heap.Push(&q.queue, entry{
		segment:  segment,
		priority: priority,
		seq:      q.seq,
	})

	// Preempt the current segment if the new one has higher priority.
	if q.playing != nil && priority > q.playingPri {
		q.interruptLocked(audio.ControlOverride, false)
	}

	// Wake the dispatch goroutine.
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Interrupt immediately stops the currently playing segment for the given
// reason and advances to the next queued segment (if any). If nothing is
// playing, Interrupt is a no-op.
//
// For [audio.CandidateBargeIn], the queue is also cleared — the candidate is
// taking the floor. For [audio.ControlOverride], queued segments are preserved.
func (q *Queue) Interrupt(reason audio.InterruptReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.interruptLocked(reason, reason == audio.CandidateBargeIn)
}

// OnBargeIn registers handler as the callback to invoke when [Queue.BargeIn]
// is called. Only one handler may be active at a time; subsequent calls
// replace the previous registration. The handler is invoked on a new goroutine
// and must not block.
func (q *Queue) OnBargeIn(handler func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.bargeInHandler = handler
}

// BargeIn signals that the candidate started speaking while an interviewer
// segment is playing. It interrupts the current segment with
// [audio.CandidateBargeIn] semantics, clears the queue, and invokes the
// registered barge-in handler (if any) on a new goroutine.
//
// This method is intended to be called by the conversation loop when
// high-confidence candidate speech is detected during playback.
func (q *Queue) BargeIn() {
	q.mu.Lock()
	handler := q.bargeInHandler
	q.interruptLocked(audio.CandidateBargeIn, true)
	q.mu.Unlock()

	if handler != nil {
		go handler()
	}
}

// SetGap configures the base silence duration inserted between consecutive
// segments. Jitter of ±1/6 of the gap is applied automatically. A gap of
// zero disables inter-segment silence entirely. Changes take effect before
// the next segment starts.
func (q *Queue) SetGap(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gap = d
}

// Close stops the background dispatch goroutine, drains any remaining queued
// segments, and releases resources. Close is idempotent — subsequent calls
// are no-ops and return nil.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	// Interrupt current playback if any.
	if q.playing != nil {
		q.interruptLocked(audio.ControlOverride, false)
	}

	// Drain the queue.
	for q.queue.Len() > 0 {
		e := heap.Pop(&q.queue).(entry)
		go audio.Drain(e.segment.Audio)
	}
	q.mu.Unlock()

	close(q.done)
	return nil
}

// interruptLocked cancels the currently playing segment and optionally clears
// the queue. Must be called with q.mu held.
func (q *Queue) interruptLocked(reason audio.InterruptReason, clearQueue bool) {
	_ = reason // available for future reason-specific behaviour (e.g., fade-out)

	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.playing = nil

	if clearQueue {
		for q.queue.Len() > 0 {
			e := heap.Pop(&q.queue).(entry)
			go audio.Drain(e.segment.Audio)
		}
	}
}

// dispatch is the background goroutine that pulls segments from the queue and
// streams their audio chunks to the output callback. It runs until [Close] is
// called.
func (q *Queue) dispatch() {
	var lastPlayed bool // true if a segment was just played (for gap insertion)

	// Reusable timer for inter-segment gaps — avoids allocating a new
	// time.Timer on every segment transition.
	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		// Wait for work or shutdown.
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			seg, cancel, ok := q.dequeue()
			if !ok {
				break
			}

			// Insert gap between consecutive segments.
			if lastPlayed {
				gapDur := q.gapWithJitter()
				if gapDur > 0 {
					gapTimer.Reset(gapDur)
					select {
					case <-q.done:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						// Drain the segment we just dequeued.
						go audio.Drain(seg.Audio)
						return
					case <-cancel:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						// Interrupted during gap — segment was preempted.
						go audio.Drain(seg.Audio)
						continue
					case <-gapTimer.C:
					}
				}
			}

			q.play(seg, cancel)
			lastPlayed = true

			// Clear the playing state after the segment finishes.
			q.mu.Lock()
			if q.playing == seg {
				q.playing = nil
				q.cancelPlaying = nil
			}
			q.mu.Unlock()
		}
	}
}

// dequeue pops the highest-priority segment from the queue and marks it as
// currently playing. Returns ok=false if the queue is empty.
func (q *Queue) dequeue() (seg *audio.Segment, cancel chan struct{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queue.Len() == 0 {
		return nil, nil, false
	}

	e := heap.Pop(&q.queue).(entry)
	cancel = make(chan struct{})
	q.playing = e.segment
	q.playingPri = e.priority
	q.cancelPlaying = cancel
	return e.segment, cancel, true
}

// play streams audio chunks from seg to the output callback until the segment
// ends or cancel is closed (interrupt).
func (q *Queue) play(seg *audio.Segment, cancel chan struct{}) {
	for {
		select {
		case <-q.done:
			go audio.Drain(seg.Audio)
			return
		case <-cancel:
			go audio.Drain(seg.Audio)
			return
		case chunk, ok := <-seg.Audio:
			if !ok {
				return // segment finished naturally
			}
			q.output(audio.AudioFrame{
				Data:       chunk,
				SampleRate: seg.SampleRate,
				Channels:   seg.Channels,
			})
		}
	}
}

// gapWithJitter returns the configured gap duration with ±1/6 jitter applied.
// Returns zero if the base gap is zero.
func (q *Queue) gapWithJitter() time.Duration {
	q.mu.Lock()
	base := q.gap
	q.mu.Unlock()

	if base <= 0 {
		return 0
	}

	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}

	// rand/v2 is concurrency-safe with the global source.
	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}
