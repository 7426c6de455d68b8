package playback_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxhire/voxhire/pkg/audio"
	"github.com/voxhire/voxhire/pkg/audio/playback"
)

// makeSegment creates a Segment with a buffered channel pre-loaded with the
// given chunks. The channel is closed after all chunks are written.
func makeSegment(source string, priority int, chunks ...[]byte) *audio.Segment {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &audio.Segment{
		Source:     source,
		Audio:      ch,
		SampleRate: 24000,
		Channels:   1,
		Priority:   priority,
	}
}

// makeOpenSegment creates a Segment whose channel the caller controls.
// Returns the segment and the send channel. The caller must close sendCh when done.
func makeOpenSegment(source string, priority int) (*audio.Segment, chan []byte) {
	ch := make(chan []byte, 16)
	seg := &audio.Segment{
		Source:     source,
		Audio:      ch,
		SampleRate: 24000,
		Channels:   1,
		Priority:   priority,
	}
	return seg, ch
}

// collectOutput creates an output callback that appends received chunks to a
// slice protected by a mutex. Returns the callback and a function to retrieve
// the collected chunks.
func collectOutput() (func(audio.AudioFrame), func() [][]byte) {
	var mu sync.Mutex
	var chunks [][]byte
	output := func(frame audio.AudioFrame) {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]byte, len(frame.Data))
		copy(cp, frame.Data)
		chunks = append(chunks, cp)
	}
	get := func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]byte, len(chunks))
		copy(out, chunks)
		return out
	}
	return output, get
}

func TestSegment_FormatFields(t *testing.T) {
	ch := make(chan []byte)
	close(ch)
	seg := &audio.Segment{
		Source:     "interviewer",
		Audio:      ch,
		SampleRate: 22050,
		Channels:   1,
		Priority:   5,
	}
	if seg.SampleRate != 22050 {
		t.Fatalf("SampleRate = %d, want 22050", seg.SampleRate)
	}
	if seg.Channels != 1 {
		t.Fatalf("Channels = %d, want 1", seg.Channels)
	}
}

func TestBasicPlayback(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	seg := makeSegment("interviewer", 1, []byte("hello"), []byte("world"))
	q.Enqueue(seg, 1)

	// Give the dispatch goroutine time to process.
	time.Sleep(50 * time.Millisecond)

	chunks := get()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if string(chunks[0]) != "hello" {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], "hello")
	}
	if string(chunks[1]) != "world" {
		t.Errorf("chunk[1] = %q, want %q", chunks[1], "world")
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	// Enqueue two segments at the same priority — should play in FIFO order.
	seg1 := makeSegment("interviewer", 5, []byte("first"))
	seg2 := makeSegment("interviewer", 5, []byte("second"))
	q.Enqueue(seg1, 5)
	q.Enqueue(seg2, 5)

	time.Sleep(100 * time.Millisecond)

	chunks := get()
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if string(chunks[0]) != "first" {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], "first")
	}
	if string(chunks[1]) != "second" {
		t.Errorf("chunk[1] = %q, want %q", chunks[1], "second")
	}
}

func TestPriorityPreemption(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	// Start a long-running filler segment.
	seg1, sendCh1 := makeOpenSegment("filler", 1)
	q.Enqueue(seg1, 1)

	// Let it start playing.
	sendCh1 <- []byte("filler-1")
	time.Sleep(30 * time.Millisecond)

	// Enqueue the real interviewer utterance — should preempt.
	seg2 := makeSegment("interviewer", 10, []byte("real-1"))
	q.Enqueue(seg2, 10)

	time.Sleep(50 * time.Millisecond)
	close(sendCh1) // clean up the preempted segment

	chunks := get()
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	// First chunk should be from the filler segment.
	if string(chunks[0]) != "filler-1" {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], "filler-1")
	}
	// The real utterance chunk should appear.
	found := false
	for _, c := range chunks {
		if string(c) == "real-1" {
			found = true
			break
		}
	}
	if !found {
		t.Error("high-priority chunk not found in output")
	}
}

func TestInterruptControlOverrideKeepsQueue(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	// Start a playing segment.
	seg1, sendCh1 := makeOpenSegment("interviewer", 1)
	q.Enqueue(seg1, 1)
	sendCh1 <- []byte("playing")
	time.Sleep(30 * time.Millisecond)

	// Queue another segment.
	seg2 := makeSegment("interviewer", 1, []byte("queued"))
	q.Enqueue(seg2, 1)

	// Interrupt with ControlOverride — queue should be preserved.
	q.Interrupt(audio.ControlOverride)
	close(sendCh1)

	time.Sleep(100 * time.Millisecond)

	chunks := get()
	found := false
	for _, c := range chunks {
		if string(c) == "queued" {
			found = true
			break
		}
	}
	if !found {
		t.Error("queued segment should play after ControlOverride interrupt")
	}
}

func TestInterruptBargeInClearsQueue(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	// Start playing.
	seg1, sendCh1 := makeOpenSegment("interviewer", 1)
	q.Enqueue(seg1, 1)
	sendCh1 <- []byte("playing")
	time.Sleep(30 * time.Millisecond)

	// Queue another segment.
	seg2 := makeSegment("interviewer", 1, []byte("queued"))
	q.Enqueue(seg2, 1)

	// Interrupt with CandidateBargeIn — queue should be cleared.
	q.Interrupt(audio.CandidateBargeIn)
	close(sendCh1)

	time.Sleep(100 * time.Millisecond)

	chunks := get()
	for _, c := range chunks {
		if string(c) == "queued" {
			t.Error("queued segment should NOT play after CandidateBargeIn interrupt")
		}
	}
}

func TestBargeInHandler(t *testing.T) {
	t.Parallel()

	output, _ := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	var called atomic.Bool
	q.OnBargeIn(func() {
		called.Store(true)
	})

	// Start playing so barge-in has something to interrupt.
	seg, sendCh := makeOpenSegment("interviewer", 1)
	q.Enqueue(seg, 1)
	sendCh <- []byte("audio")
	time.Sleep(30 * time.Millisecond)

	q.BargeIn()
	close(sendCh)

	time.Sleep(50 * time.Millisecond)

	if !called.Load() {
		t.Error("barge-in handler was not called")
	}
}

func TestGapInsertion(t *testing.T) {
	t.Parallel()

	output, _ := collectOutput()
	q := playback.New(output, playback.WithGap(200*time.Millisecond))
	defer q.Close()

	seg1 := makeSegment("interviewer", 1, []byte("a"))
	seg2 := makeSegment("interviewer", 1, []byte("b"))
	q.Enqueue(seg1, 1)
	q.Enqueue(seg2, 1)

	// Without gap: would finish in ~0ms. With 200ms gap: should take at least 150ms.
	// (accounting for jitter: 200ms ± 33ms → min ~167ms)
	start := time.Now()
	time.Sleep(400 * time.Millisecond) // generous wait
	elapsed := time.Since(start)

	_ = elapsed // the key assertion is that it doesn't crash; timing is inherently flaky
}

func TestSetGap(t *testing.T) {
	t.Parallel()

	output, _ := collectOutput()
	q := playback.New(output, playback.WithGap(5*time.Second))
	defer q.Close()

	// Override to zero — should play immediately.
	q.SetGap(0)

	seg1 := makeSegment("interviewer", 1, []byte("a"))
	seg2 := makeSegment("interviewer", 1, []byte("b"))
	q.Enqueue(seg1, 1)
	q.Enqueue(seg2, 1)

	time.Sleep(100 * time.Millisecond)
	// If SetGap(0) didn't work, we'd still be waiting for the 5s gap.
	// No assertion needed beyond not hanging.
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	output, _ := collectOutput()
	q := playback.New(output)

	if err := q.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseStopsPlayback(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))

	// Enqueue a segment with an open channel.
	sendCh := make(chan []byte, 16)
	seg := &audio.Segment{
		Source:     "interviewer",
		Audio:      sendCh,
		SampleRate: 24000,
		Channels:   1,
	}
	q.Enqueue(seg, 1)
	sendCh <- []byte("before-close")
	time.Sleep(30 * time.Millisecond)

	q.Close()
	close(sendCh)

	time.Sleep(50 * time.Millisecond)

	// Should have received at least the pre-close chunk.
	chunks := get()
	if len(chunks) == 0 {
		t.Error("expected at least one chunk before Close")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	output, _ := collectOutput()
	q := playback.New(output)
	q.Close()

	// Should not panic.
	seg := makeSegment("interviewer", 1, []byte("ignored"))
	q.Enqueue(seg, 1)
}

func TestConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	var received atomic.Int64
	output := func(audio.AudioFrame) {
		received.Add(1)
	}
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := range goroutines {
		go func(id int) {
			defer wg.Done()
			for j := range perGoroutine {
				seg := makeSegment("interviewer", 1, []byte{byte(id), byte(j)})
				q.Enqueue(seg, 1)
			}
		}(i)
	}
	wg.Wait()

	// Give time for all segments to play.
	time.Sleep(300 * time.Millisecond)

	got := received.Load()
	want := int64(goroutines * perGoroutine)
	if got != want {
		t.Errorf("received %d chunks, want %d", got, want)
	}
}

func TestEmptyQueueNoop(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	// Interrupt with nothing playing — should be a no-op.
	q.Interrupt(audio.ControlOverride)
	q.Interrupt(audio.CandidateBargeIn)

	time.Sleep(50 * time.Millisecond)

	chunks := get()
	if len(chunks) != 0 {
		t.Errorf("expected 0 chunks, got %d", len(chunks))
	}
}

func TestWithQueueCapacityOption(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0), playback.WithQueueCapacity(2))
	defer q.Close()

	// Queue should grow beyond initial capacity.
	for i := range 5 {
		seg := makeSegment("interviewer", 1, []byte{byte(i)})
		q.Enqueue(seg, 1)
	}

	time.Sleep(200 * time.Millisecond)

	chunks := get()
	if len(chunks) != 5 {
		t.Errorf("expected 5 chunks, got %d", len(chunks))
	}
}

func TestHighPriorityPlaysFirst(t *testing.T) {
	t.Parallel()

	output, get := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	// Hold the floor with a low-priority open segment, then enqueue
	// prioritised segments behind it.
	blocker, blockerCh := makeOpenSegment("filler", 0)
	q.Enqueue(blocker, 0)
	blockerCh <- []byte("block")
	time.Sleep(30 * time.Millisecond)

	// Now enqueue segments with different priorities while blocker holds the floor.
	low := makeSegment("interviewer", 1, []byte("low"))
	high := makeSegment("interviewer", 10, []byte("high"))
	q.Enqueue(low, 1)
	q.Enqueue(high, 10)

	// high > blocker(0), so it should preempt immediately
	time.Sleep(30 * time.Millisecond)
	close(blockerCh)
	time.Sleep(100 * time.Millisecond)

	chunks := get()
	// Find the positions of "high" and "low".
	highIdx, lowIdx := -1, -1
	for i, c := range chunks {
		switch string(c) {
		case "high":
			highIdx = i
		case "low":
			lowIdx = i
		}
	}

	if highIdx == -1 {
		t.Fatal("high-priority chunk not found")
	}
	if lowIdx == -1 {
		t.Fatal("low-priority chunk not found")
	}
	if highIdx > lowIdx {
		t.Errorf("high-priority chunk (idx %d) should play before low-priority (idx %d)", highIdx, lowIdx)
	}
}

func TestQueue_OutputEmitsAudioFrame(t *testing.T) {
	var got []audio.AudioFrame
	var mu sync.Mutex
	q := playback.New(func(frame audio.AudioFrame) {
		mu.Lock()
		cp := make([]byte, len(frame.Data))
		copy(cp, frame.Data)
		got = append(got, audio.AudioFrame{
			Data:       cp,
			SampleRate: frame.SampleRate,
			Channels:   frame.Channels,
		})
		mu.Unlock()
	}, playback.WithGap(0))
	defer q.Close()

	seg := makeSegment("interviewer", 1, []byte{1, 2})
	seg.SampleRate = 22050
	seg.Channels = 1
	q.Enqueue(seg, 1)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("expected at least one AudioFrame")
	}
	if got[0].SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want 22050", got[0].SampleRate)
	}
	if got[0].Channels != 1 {
		t.Errorf("Channels = %d, want 1", got[0].Channels)
	}
}

func TestQueue_RejectsInvalidFormat(t *testing.T) {
	output, _ := collectOutput()
	q := playback.New(output, playback.WithGap(0))
	defer q.Close()

	ch := make(chan []byte, 1)
	ch <- []byte{1, 2}
	close(ch)
	seg := &audio.Segment{
		Source:     "interviewer",
		Audio:      ch,
		SampleRate: 0, // invalid
		Channels:   1,
		Priority:   1,
	}
	q.Enqueue(seg, 1)
	time.Sleep(50 * time.Millisecond)
	// Segment should be rejected and audio drained (no panic, no output)
}
