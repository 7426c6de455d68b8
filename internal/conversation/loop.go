package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/event"
	"github.com/voxhire/voxhire/internal/knowledge"
	"github.com/voxhire/voxhire/internal/observe"
	"github.com/voxhire/voxhire/internal/resilience"
	"github.com/voxhire/voxhire/pkg/audio"
	"github.com/voxhire/voxhire/pkg/provider/stt"
	"github.com/voxhire/voxhire/pkg/provider/tts"
	"github.com/voxhire/voxhire/pkg/types"
)

// ErrSpeechInput is returned by Run when the STT stream is lost and every
// reconnect attempt fails. The controller treats it as unrecoverable.
var ErrSpeechInput = errors.New("conversation: speech input failed")

// Playback priorities. A real utterance preempts a filler; system phrases
// preempt everything.
const (
	fillerPriority = 1
	speechPriority = 10
	systemPriority = 20
)

const (
	defaultEndOfTurnSilence  = 700 * time.Millisecond
	defaultFillerLatency     = 800 * time.Millisecond
	defaultListeningWindow   = 45 * time.Second
	defaultBargeInConfidence = 0.7
	defaultHistoryLimit      = 40
	defaultSampleRate        = 24000
)

// state is the loop's half-duplex phase.
type state int

const (
	stateListening state = iota
	stateThinking
	stateSpeaking
)

// Nudge is a challenge queued by the lie-detection or inactivity engines for
// the interviewer's next utterance.
type Nudge struct {
	Kind      string
	Intensity string
	Prompt    string
}

// TurnPayload is the event payload for TURN_CANDIDATE and TURN_INTERVIEWER.
type TurnPayload struct {
	Seq           uint64  `json:"seq"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence,omitempty"`
	DeceptionFlag bool    `json:"deception_flag,omitempty"`
	TopicClosed   bool    `json:"topic_closed,omitempty"`
	Truncated     bool    `json:"truncated,omitempty"`
}

// NudgePayload is the event payload for NUDGE_DELIVERED.
type NudgePayload struct {
	TurnSeq    uint64 `json:"turn_seq"`
	Kind       string `json:"kind"`
	Intensity  string `json:"intensity"`
	PromptText string `json:"prompt_text"`
}

// Config tunes the loop's timing and voice.
type Config struct {
	// EndOfTurnSilence is the trailing silence after a final transcript that
	// commits the candidate turn. Default 700ms.
	EndOfTurnSilence time.Duration

	// FillerLatency is how long an agent round-trip may take before a cached
	// filler phrase masks the wait. Default 800ms.
	FillerLatency time.Duration

	// ListeningWindow is how long the loop listens without any candidate
	// speech before asking whether they are still there. Default 45s.
	ListeningWindow time.Duration

	// BargeInConfidence is the partial-transcript confidence above which
	// candidate speech interrupts interviewer playback. Default 0.7.
	BargeInConfidence float64

	// HistoryLimit caps how many turns the agent prompt carries. Default 40.
	HistoryLimit int

	// SampleRate and Channels describe the TTS output format.
	SampleRate int
	Channels   int

	Mode      agentrt.Mode
	Voice     types.VoiceProfile
	Stream    stt.StreamConfig
	Reconnect resilience.BackoffConfig
}

func (c Config) withDefaults() Config {
	if c.EndOfTurnSilence <= 0 {
		c.EndOfTurnSilence = defaultEndOfTurnSilence
	}
	if c.FillerLatency <= 0 {
		c.FillerLatency = defaultFillerLatency
	}
	if c.ListeningWindow <= 0 {
		c.ListeningWindow = defaultListeningWindow
	}
	if c.BargeInConfidence <= 0 {
		c.BargeInConfidence = defaultBargeInConfidence
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Deps are the collaborators a loop drives. All are required except Metrics.
type Deps struct {
	STT     stt.Provider
	TTS     tts.Provider
	Player  audio.Player
	Agent   *agentrt.Runtime
	KB      *knowledge.KnowledgeBase
	Bus     *event.Bus
	Turns   *TurnLog
	Metrics *observe.Metrics
}

// speech is one utterance headed for the player.
type speech struct {
	text   string
	source string
	nudge  *Nudge
	flags  agentrt.InterviewerTurn
	record bool // fillers are not recorded as turns
	tStart time.Time
}

// Loop runs the half-duplex dialog for one session: listening for candidate
// speech, thinking via the agent runtime, speaking through TTS playback.
// Create with New, drive with Run.
type Loop struct {
	cfg     Config
	stt     stt.Provider
	tts     tts.Provider
	player  audio.Player
	agent   *agentrt.Runtime
	kb      *knowledge.KnowledgeBase
	bus     *event.Bus
	turns   *TurnLog
	metrics *observe.Metrics

	mu         sync.Mutex
	handle     stt.SessionHandle
	pending    []Nudge
	delivering *Nudge
	codeCtx    string

	// Run-goroutine state. Only the Run loop touches these.
	phase       state
	utterance   []string
	utteranceT0 time.Time
	confidence  float64
	current     *speech
	cancelSpeak context.CancelFunc

	spoken chan *speech
	resp   chan agentResult
}

type agentResult struct {
	turn agentrt.InterviewerTurn
	err  error
}

// New creates a conversation loop. Call Run to start it.
func New(deps Deps, cfg Config) *Loop {
	l := &Loop{
		cfg:     cfg.withDefaults(),
		stt:     deps.STT,
		tts:     deps.TTS,
		player:  deps.Player,
		agent:   deps.Agent,
		kb:      deps.KB,
		bus:     deps.Bus,
		turns:   deps.Turns,
		metrics: deps.Metrics,
		spoken:  make(chan *speech, 4),
		resp:    make(chan agentResult, 1),
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// SendAudio forwards a candidate audio chunk to the live STT session.
func (l *Loop) SendAudio(chunk []byte) error {
	l.mu.Lock()
	handle := l.handle
	l.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("conversation: no active speech session")
	}
	return handle.SendAudio(chunk)
}

// QueueNudge schedules a challenge for the interviewer's next utterance.
func (l *Loop) QueueNudge(n Nudge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, n)
}

// SetCodeContext replaces the editor-state summary included in agent prompts.
func (l *Loop) SetCodeContext(summary string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.codeCtx = summary
}

// Run drives the dialog until ctx is cancelled or the speech input is lost
// beyond recovery. It opens the STT stream, speaks the greeting, and then
// alternates listening, thinking, and speaking.
func (l *Loop) Run(ctx context.Context) error {
	handle, err := l.stt.StartStream(ctx, l.streamConfig())
	if err != nil {
		return fmt.Errorf("conversation: open speech stream: %w", err)
	}
	l.setHandle(handle)
	defer func() {
		if h := l.currentHandle(); h != nil {
			h.Close()
		}
	}()

	l.speak(ctx, &speech{
		text:   greetingFor(l.kb.FirstName()),
		source: "interviewer",
		record: true,
		tStart: time.Now(),
	}, speechPriority)

	silence := newStoppedTimer()
	defer silence.Stop()
	stillThere := time.NewTimer(l.cfg.ListeningWindow)
	defer stillThere.Stop()

	for {
		finals := l.currentHandle().Finals()
		partials := l.currentHandle().Partials()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case tr, ok := <-finals:
			if !ok {
				if err := l.reconnect(ctx); err != nil {
					return err
				}
				continue
			}
			l.collect(tr)
			resetTimer(stillThere, l.cfg.ListeningWindow)
			if tr.SpeechFinal && l.phase == stateListening {
				silence.Stop()
				l.commit(ctx)
			} else {
				resetTimer(silence, l.cfg.EndOfTurnSilence)
			}

		case tr, ok := <-partials:
			if !ok {
				continue
			}
			resetTimer(stillThere, l.cfg.ListeningWindow)
			if l.phase == stateSpeaking && tr.Confidence >= l.cfg.BargeInConfidence {
				l.bargeIn(ctx)
			}

		case <-silence.C:
			if l.phase == stateListening && len(l.utterance) > 0 {
				l.commit(ctx)
			} else if len(l.utterance) > 0 {
				// Still thinking or speaking; try again after the window.
				resetTimer(silence, l.cfg.EndOfTurnSilence)
			}

		case res := <-l.resp:
			l.deliver(ctx, res)

		case sp := <-l.spoken:
			l.spokenDone(ctx, sp)
			resetTimer(stillThere, l.cfg.ListeningWindow)

		case <-stillThere.C:
			if l.phase == stateListening && len(l.utterance) == 0 {
				l.speak(ctx, &speech{
					text:   cannedStillThere,
					source: "interviewer",
					record: true,
					tStart: time.Now(),
				}, speechPriority)
			}
			stillThere.Reset(l.cfg.ListeningWindow)
		}
	}
}

// collect appends a final STT segment to the in-progress utterance.
func (l *Loop) collect(tr types.Transcript) {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	if len(l.utterance) == 0 {
		l.utteranceT0 = time.Now()
		l.confidence = tr.Confidence
	} else if tr.Confidence > 0 {
		// Running average keeps the committed confidence meaningful across
		// multi-segment utterances.
		n := float64(len(l.utterance))
		l.confidence = (l.confidence*n + tr.Confidence) / (n + 1)
	}
	l.utterance = append(l.utterance, text)
}

// commit turns the accumulated segments into a candidate turn and starts the
// agent round-trip.
func (l *Loop) commit(ctx context.Context) {
	if len(l.utterance) == 0 {
		return
	}
	text := strings.Join(l.utterance, " ")
	conf := l.confidence
	l.utterance = nil
	l.confidence = 0

	turn := l.turns.Append(Turn{
		Role:       RoleCandidate,
		Text:       text,
		TStart:     l.utteranceT0,
		TEnd:       time.Now(),
		Confidence: conf,
	})
	l.publish(ctx, event.KindTurnCandidate, TurnPayload{
		Seq:        turn.Seq,
		Text:       text,
		Confidence: conf,
	})
	l.metrics.RecordUtterance(ctx, "candidate")

	l.phase = stateThinking
	nudge := l.popNudge()
	go l.think(ctx, turn, nudge)
}

// think performs the agent round-trip off the Run goroutine, masking latency
// with a filler phrase when the threshold passes.
func (l *Loop) think(ctx context.Context, turn Turn, nudge *Nudge) {
	filler := time.AfterFunc(l.cfg.FillerLatency, func() {
		l.speak(ctx, &speech{
			text:   fillerFor(turn.Seq),
			source: "filler",
			tStart: time.Now(),
		}, fillerPriority)
	})
	defer filler.Stop()

	spec := agentrt.PromptSpec{
		Template: agentrt.TemplateInterviewerTurn,
		Mode:     l.cfg.Mode,
		Context: map[string]any{
			"History":     l.turns.History(l.cfg.HistoryLimit),
			"Utterance":   turn.Text,
			"CodeContext": l.currentCodeContext(),
		},
	}
	if nudge != nil {
		spec.Context["Nudge"] = nudge.Prompt
	}

	resp, err := l.agent.Ask(ctx, spec)
	res := agentResult{err: err}
	if err == nil {
		res.turn = resp.(agentrt.InterviewerTurn)
	}
	res.turn.Text = StripMarkdown(res.turn.Text)

	switch {
	case nudge != nil && err == nil:
		l.attachNudge(nudge)
	case nudge != nil:
		// The nudge never reached the candidate; requeue it.
		l.QueueNudge(*nudge)
	}

	select {
	case l.resp <- res:
	case <-ctx.Done():
	}
}

// attachNudge stores the nudge on the loop so the spoken-turn handler can
// publish NUDGE_DELIVERED with the right turn sequence.
func (l *Loop) attachNudge(n *Nudge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delivering = n
}

// deliver handles the agent result: speak the reply, or degrade to a canned
// probe when the model kept violating the schema (the session continues).
func (l *Loop) deliver(ctx context.Context, res agentResult) {
	text := res.turn.Text
	if res.err != nil {
		slog.Warn("agent turn failed, falling back to canned probe", "error", res.err)
		l.publish(ctx, event.KindSystemWarning, map[string]string{
			"kind":   "llm",
			"reason": res.err.Error(),
		})
		text = cannedProbe
	}
	if text == "" {
		text = cannedProbe
	}

	nudge := l.takeDelivering()
	l.phase = stateSpeaking
	l.speak(ctx, &speech{
		text:   text,
		source: "interviewer",
		nudge:  nudge,
		flags:  res.turn,
		record: true,
		tStart: time.Now(),
	}, speechPriority)
}

func (l *Loop) takeDelivering() *Nudge {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.delivering
	l.delivering = nil
	return n
}

// spokenDone records a finished interviewer utterance and returns to
// listening.
func (l *Loop) spokenDone(ctx context.Context, sp *speech) {
	if l.current != sp {
		return // truncated by barge-in; already recorded
	}
	l.current = nil
	l.cancelSpeak = nil
	l.recordInterviewer(ctx, sp, false)
	l.phase = stateListening
}

// bargeIn yields the floor: playback stops, the in-flight synthesis is
// cancelled, and the cut-short utterance is recorded with its truncation
// point.
func (l *Loop) bargeIn(ctx context.Context) {
	sp := l.current
	l.current = nil
	if l.cancelSpeak != nil {
		l.cancelSpeak()
		l.cancelSpeak = nil
	}
	l.player.Interrupt(audio.CandidateBargeIn)
	if sp != nil {
		l.recordInterviewer(ctx, sp, true)
	}
	l.phase = stateListening
}

// recordInterviewer appends the interviewer turn to the log and mirrors it,
// plus any delivered nudge, onto the bus.
func (l *Loop) recordInterviewer(ctx context.Context, sp *speech, truncated bool) {
	if !sp.record {
		return
	}
	turn := l.turns.Append(Turn{
		Role:      RoleInterviewer,
		Text:      sp.text,
		TStart:    sp.tStart,
		TEnd:      time.Now(),
		Truncated: truncated,
	})
	l.publish(ctx, event.KindTurnInterviewer, TurnPayload{
		Seq:           turn.Seq,
		Text:          sp.text,
		DeceptionFlag: sp.flags.DeceptionFlag,
		TopicClosed:   sp.flags.TopicClosed,
		Truncated:     truncated,
	})
	l.metrics.RecordUtterance(ctx, "interviewer")

	if sp.nudge != nil && !truncated {
		l.publish(ctx, event.KindNudgeDelivered, NudgePayload{
			TurnSeq:    turn.Seq,
			Kind:       sp.nudge.Kind,
			Intensity:  sp.nudge.Intensity,
			PromptText: sp.nudge.Prompt,
		})
		l.metrics.RecordNudge(ctx, sp.nudge.Intensity)
	}
}

// speak synthesizes text and hands the audio to the player. TTS failure
// degrades to text-only: the utterance is still recorded and the dialog
// continues.
func (l *Loop) speak(ctx context.Context, sp *speech, priority int) {
	sctx, cancel := context.WithCancel(ctx)

	textCh := make(chan string, 1)
	textCh <- sp.text
	close(textCh)

	audioCh, err := l.tts.SynthesizeStream(sctx, textCh, l.cfg.Voice)
	if err != nil {
		cancel()
		slog.Warn("tts unavailable, continuing text-only", "error", err)
		l.metrics.RecordProviderError(ctx, "tts", "synthesize")
		if sp.record {
			// The turn still has to land in the log and the loop has to get
			// the floor back, so hand it to spokenDone as if it had played.
			l.current = sp
			l.finishSpeech(ctx, sp)
		}
		return
	}

	if sp.record {
		l.current = sp
		l.cancelSpeak = cancel
		l.phase = stateSpeaking
	}

	seg := make(chan []byte, 32)
	l.player.Enqueue(&audio.Segment{
		Source:     sp.source,
		Audio:      seg,
		SampleRate: l.cfg.SampleRate,
		Channels:   l.cfg.Channels,
	}, priority)

	go func() {
		defer close(seg)
		for chunk := range audioCh {
			select {
			case seg <- chunk:
			case <-sctx.Done():
				go func() {
					for range audioCh {
					}
				}()
				return
			}
		}
		if sp.record {
			l.finishSpeech(ctx, sp)
		}
	}()
}

// finishSpeech signals the Run loop that sp's audio has been fully handed
// off.
func (l *Loop) finishSpeech(ctx context.Context, sp *speech) {
	select {
	case l.spoken <- sp:
	case <-ctx.Done():
	}
}

// reconnect re-opens the STT stream with exponential backoff. On exhaustion
// it apologises to the candidate, records a system turn, and reports the
// loop as failed.
func (l *Loop) reconnect(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Warn("speech stream lost, reconnecting")
	l.metrics.RecordProviderError(ctx, "stt", "disconnect")

	err := resilience.Retry(ctx, "stt reconnect", l.cfg.Reconnect, func(ctx context.Context) error {
		handle, err := l.stt.StartStream(ctx, l.streamConfig())
		if err != nil {
			return err
		}
		l.setHandle(handle)
		return nil
	})
	if err == nil {
		return nil
	}

	l.speak(ctx, &speech{text: cannedApology, source: "system", tStart: time.Now()}, systemPriority)
	l.turns.Append(Turn{Role: RoleSystem, Text: cannedApology})
	return fmt.Errorf("%w: %v", ErrSpeechInput, err)
}

func (l *Loop) streamConfig() stt.StreamConfig {
	cfg := l.cfg.Stream
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.EndpointingMs == 0 {
		cfg.EndpointingMs = int(l.cfg.EndOfTurnSilence / time.Millisecond)
	}
	if len(cfg.Keywords) == 0 && l.kb != nil {
		cfg.Keywords = l.kb.Keywords(50)
	}
	return cfg
}

func (l *Loop) setHandle(h stt.SessionHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle != nil {
		l.handle.Close()
	}
	l.handle = h
}

func (l *Loop) currentHandle() stt.SessionHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

func (l *Loop) popNudge() *Nudge {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	n := l.pending[0]
	l.pending = l.pending[1:]
	return &n
}

func (l *Loop) currentCodeContext() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.codeCtx
}

func (l *Loop) publish(ctx context.Context, kind event.Kind, payload any) {
	if _, err := l.bus.Publish(event.ProducerConversation, kind, payload); err != nil {
		slog.Warn("event publish failed", "kind", kind, "error", err)
		return
	}
	l.metrics.RecordEvent(ctx, string(kind), string(event.ProducerConversation))
}

// newStoppedTimer returns a timer that will not fire until reset.
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

// resetTimer safely re-arms t for d.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
