package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/bridge"
	"github.com/voxhire/voxhire/internal/codemonitor"
	"github.com/voxhire/voxhire/internal/config"
	"github.com/voxhire/voxhire/internal/conversation"
	"github.com/voxhire/voxhire/internal/event"
	"github.com/voxhire/voxhire/internal/knowledge"
	"github.com/voxhire/voxhire/internal/liedetect"
	"github.com/voxhire/voxhire/internal/observe"
	"github.com/voxhire/voxhire/internal/outcome"
	"github.com/voxhire/voxhire/pkg/audio"
	"github.com/voxhire/voxhire/pkg/provider/embeddings"
	"github.com/voxhire/voxhire/pkg/provider/llm"
	"github.com/voxhire/voxhire/pkg/provider/stt"
	"github.com/voxhire/voxhire/pkg/provider/tts"
)

// Deps are the long-lived collaborators a controller builds sessions from.
// Surface and Embeddings are optional; everything else is required.
type Deps struct {
	Cfg *config.Config

	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Player     audio.Player
	Embeddings embeddings.Provider

	// Surface is the editor page the code monitor polls. Nil disables
	// editor monitoring for the session.
	Surface codemonitor.Surface

	Metrics *observe.Metrics
}

// Session is one interview run. Create via Controller.Start.
type Session struct {
	id     string
	params Params
	deps   Deps
	cfg    *config.Config
	log    *slog.Logger

	dir      string
	bus      *event.Bus
	recorder *event.Recorder
	turns    *conversation.TurnLog
	agent    *agentrt.Runtime
	kb       *knowledge.KnowledgeBase
	loop     *conversation.Loop
	detector *liedetect.Detector
	monitor  *codemonitor.Monitor
	bridge   *bridge.Server

	startedAt time.Time
	deadline  time.Time

	mu         sync.Mutex
	state      State
	lastEvent  event.Kind
	submitSeen bool
	accepted   bool
	failStreak int
	cause      string
	failure    error

	completeOnce sync.Once
	cancelActive context.CancelFunc
	verifying    sync.WaitGroup

	done        chan struct{}
	outcomeJSON []byte
	outcomeErr  error
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the outcome has been written.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the consolidated outcome document bytes. It blocks until
// the session has ended or ctx expires. Repeated calls return the same
// bytes.
func (s *Session) Outcome(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.outcomeJSON, s.outcomeErr
}

// SendAudio forwards candidate audio to the live speech stream.
func (s *Session) SendAudio(chunk []byte) error {
	return s.loop.SendAudio(chunk)
}

// Stop requests completion. It is idempotent; the first call wins and later
// calls are no-ops against the already-recorded cause.
func (s *Session) Stop() {
	s.complete(CauseStop)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Info("session state", "state", st)
}

// complete records the first completion cause and cancels the active tasks.
func (s *Session) complete(cause string) {
	s.completeOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		if s.state == StateActive {
			s.state = StateCompleting
		}
		cancel := s.cancelActive
		s.mu.Unlock()
		s.log.Info("session completing", "cause", cause)
		if cancel != nil {
			cancel()
		}
	})
}

// fail records the first failure and completes the session.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.complete(CauseFailure)
}

// run drives the whole lifecycle. It always produces an outcome document,
// even for failed sessions, before closing done.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	if err := s.initialize(); err != nil {
		s.finish(err)
		return
	}
	if err := s.collect(ctx); err != nil {
		s.finish(err)
		return
	}
	s.assemble()
	s.finish(s.runActive(ctx))
}

// initialize creates the session directory, the event log, and the bus.
func (s *Session) initialize() error {
	s.setState(StateInitializing)

	s.dir = filepath.Join(s.cfg.DataRoot, "sessions", s.id)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	rec, err := event.NewRecorder(filepath.Join(s.dir, "events.jsonl"))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	s.recorder = rec
	s.bus = event.NewBus()
	return nil
}

// collect ingests the candidate artifacts into the knowledge base.
func (s *Session) collect(ctx context.Context) error {
	s.setState(StateCollecting)

	kb, err := knowledge.Build(ctx, s.cfg.DataRoot, s.params.CandidateID)
	if err != nil {
		return fmt.Errorf("ingest candidate %s: %w", s.params.CandidateID, err)
	}
	s.kb = kb
	return nil
}

// assemble wires the pipeline components onto the bus.
func (s *Session) assemble() {
	s.setState(StateReady)

	mode := s.interviewMode()
	s.agent = agentrt.New(s.deps.LLM,
		agentrt.WithTimeout(s.cfg.Agent.LLMTimeout.Std()),
		agentrt.WithSchemaRetries(s.cfg.Agent.SchemaRetries),
		agentrt.WithMetrics(s.deps.Metrics),
	)

	s.turns = conversation.NewTurnLog()
	s.loop = conversation.New(conversation.Deps{
		STT:     s.deps.STT,
		TTS:     s.deps.TTS,
		Player:  s.deps.Player,
		Agent:   s.agent,
		KB:      s.kb,
		Bus:     s.bus,
		Turns:   s.turns,
		Metrics: s.deps.Metrics,
	}, conversation.Config{
		EndOfTurnSilence: s.cfg.Conversation.EndOfTurnSilence.Std(),
		FillerLatency:    s.cfg.Conversation.FillerLatencyThreshold.Std(),
		Mode:             mode,
	})

	if s.deps.Surface != nil {
		s.monitor = codemonitor.New(s.deps.Surface, s.bus, codemonitor.Config{
			PollingInterval:     s.cfg.Monitor.PollingInterval.Std(),
			InactivityThreshold: s.cfg.Monitor.InactivityThreshold.Std(),
		}, codemonitor.WithMetrics(s.deps.Metrics))
	}
	s.bridge = bridge.New(s.id, filepath.Join(s.dir, "agent.sock"), s.bus,
		bridge.WithMetrics(s.deps.Metrics))
}

// buildDetector needs the oracle, which embeds the claim index; it is built
// inside the active phase so a slow embedding provider counts against the
// session rather than setup.
func (s *Session) buildDetector(ctx context.Context) error {
	opts := []knowledge.OracleOption{}
	if s.deps.Embeddings != nil {
		opts = append(opts, knowledge.WithEmbeddings(s.deps.Embeddings))
	}
	oracle, err := knowledge.NewOracle(ctx, s.kb, opts...)
	if err != nil {
		return fmt.Errorf("build fact oracle: %w", err)
	}
	s.detector = liedetect.New(oracle, s.agent, s.bus, liedetect.Config{
		LieThreshold: s.cfg.Detector.LieThreshold,
		Mode:         s.interviewMode(),
	}, liedetect.WithMetrics(s.deps.Metrics))
	return nil
}

func (s *Session) interviewMode() agentrt.Mode {
	if s.params.Mode == "" {
		return agentrt.ModeFriendly
	}
	return s.params.Mode
}

// runActive runs the interview until a completion cause fires, then tears
// the pipeline down within the shutdown grace.
func (s *Session) runActive(ctx context.Context) error {
	if err := s.buildDetector(ctx); err != nil {
		return err
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelActive = cancel
	s.state = StateActive
	s.startedAt = time.Now()
	duration := s.cfg.Interview.MaxDuration.Std()
	if s.params.Duration > 0 {
		duration = s.params.Duration
	}
	s.deadline = s.startedAt.Add(duration)
	// Stop can land while setup is still running, before there was a cancel
	// func to call. The cause is already recorded; honor it now.
	stopped := s.cause != ""
	if stopped {
		s.state = StateCompleting
	}
	s.mu.Unlock()
	if stopped {
		cancel()
	}

	if _, err := s.bus.Publish(event.ProducerController, event.KindSessionStarted, StartedPayload{
		SessionID: s.id,
		Candidate: s.params.CandidateID,
		Mode:      s.params.Mode,
		Deadline:  s.deadline,
	}); err != nil {
		return fmt.Errorf("publish session start: %w", err)
	}

	g, gctx := errgroup.WithContext(actx)
	g.Go(func() error { return s.consumeEvents(gctx) })
	g.Go(func() error {
		if err := s.loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(err)
			return err
		}
		return nil
	})
	if s.monitor != nil {
		url := codemonitor.EditorURL(s.cfg.Interview.EditorURLTemplate, s.id, s.params.QuestionID)
		g.Go(func() error {
			if err := s.monitor.Start(gctx, url); err != nil {
				s.fail(fmt.Errorf("attach editor monitor: %w", err))
				return err
			}
			if err := s.monitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				s.fail(err)
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := s.bridge.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("agent bridge stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error { return s.drainRecords(gctx) })
	g.Go(func() error {
		select {
		case <-time.After(time.Until(s.deadline)):
			s.complete(CauseDeadline)
		case <-gctx.Done():
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.fail(err)
	}
	s.complete(CauseStop) // parent ctx cancelled without an explicit cause
	s.teardown()
	return nil
}

// consumeEvents is the sole bus consumer: every event is appended to the
// log, then routed to the component that reacts to it.
func (s *Session) consumeEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.bus.Events():
			if !ok {
				return nil
			}
			s.route(ctx, ev)
		}
	}
}

func (s *Session) route(ctx context.Context, ev event.Event) {
	if err := s.recorder.Append(ev); err != nil {
		s.log.Warn("event log append failed", "kind", ev.Kind, "error", err)
	}
	s.mu.Lock()
	s.lastEvent = ev.Kind
	s.mu.Unlock()

	switch ev.Kind {
	case event.KindTurnCandidate:
		var p conversation.TurnPayload
		if err := ev.Decode(&p); err != nil {
			s.log.Warn("bad turn payload", "error", err)
			return
		}
		// Verification is an LLM round-trip; it must not stall the bus.
		s.verifying.Add(1)
		go func() {
			defer s.verifying.Done()
			if err := s.detector.HandleCandidateTurn(ctx, p.Seq, p.Text); err != nil {
				s.log.Warn("claim verification failed", "seq", p.Seq, "error", err)
			}
		}()

	case event.KindTurnInterviewer:
		var p conversation.TurnPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		s.detector.HandleInterviewerTurn(ctx, p.DeceptionFlag)

	case event.KindInactivity:
		var p codemonitor.InactivityPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		s.detector.HandleInactivity(ctx, time.Duration(p.ElapsedMs)*time.Millisecond)

	case event.KindNudgeRequired:
		var p liedetect.NudgeRequest
		if err := ev.Decode(&p); err != nil {
			return
		}
		s.loop.QueueNudge(conversation.Nudge{
			Kind:      p.Kind,
			Intensity: string(p.Intensity),
			Prompt:    p.PromptText,
		})

	case event.KindNudgeDelivered:
		var p conversation.NudgePayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		s.detector.HandleNudgeDelivered(p.Kind, liedetect.Intensity(p.Intensity), ev.T)

	case event.KindCodeChanged:
		s.refreshCodeContext()
		s.mu.Lock()
		s.failStreak = 0
		s.mu.Unlock()

	case event.KindSubmitDetected:
		s.mu.Lock()
		s.submitSeen = true
		s.mu.Unlock()

	case event.KindTestResult:
		s.handleTestResult(ctx, ev)

	case event.KindSystemError:
		s.log.Error("system error event", "payload", string(ev.Payload))
	}
}

func (s *Session) refreshCodeContext() {
	if s.monitor == nil {
		return
	}
	s.loop.SetCodeContext(s.monitor.ContextSummary())
}

// handleTestResult applies the acceptance rule: a full pass after a submit
// ends the session. Two failed runs in a row without an intervening edit
// earn a progress nudge.
func (s *Session) handleTestResult(ctx context.Context, ev event.Event) {
	var p codemonitor.TestResultPayload
	if err := ev.Decode(&p); err != nil {
		return
	}
	s.refreshCodeContext()

	s.mu.Lock()
	submitSeen := s.submitSeen
	allPassed := p.Total > 0 && p.Passed == p.Total
	if allPassed {
		s.accepted = true
		s.failStreak = 0
	} else if p.Passed < p.Total {
		s.failStreak++
	}
	nudge := s.failStreak == 2
	s.mu.Unlock()

	if allPassed && submitSeen {
		s.complete(CauseSubmission)
		return
	}
	if nudge {
		s.detector.RequestProgressNudge(ctx, fmt.Sprintf("tests still failing (%d of %d passing)", p.Passed, p.Total))
	}
}

// drainRecords reacts to agent bridge records. Output and error records are
// already mirrored onto the bus; completion is what ends the session.
func (s *Session) drainRecords(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-s.bridge.Records():
			if !ok {
				return nil
			}
			if rec.Type != bridge.RecordAgentCompleted {
				continue
			}
			completion, err := rec.Completion()
			if err != nil {
				s.log.Warn("bad completion record", "error", err)
				continue
			}
			switch completion.Reason {
			case bridge.ReasonCompleted:
				s.complete(CauseAgentCompleted)
			default:
				s.fail(fmt.Errorf("agent %s: %s", completion.Reason, completion.Message))
			}
		}
	}
}

// teardown flushes the pipeline within the shutdown grace and consolidates
// the outcome.
func (s *Session) teardown() {
	grace := s.cfg.ShutdownGrace.Std()

	// Bounded wait for in-flight claim verifications.
	flushed := make(chan struct{})
	go func() {
		s.verifying.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(grace):
		s.log.Warn("claim verification flush exceeded shutdown grace")
	}

	s.detector.Finalize()
	if s.monitor != nil {
		if err := s.monitor.Stop(); err != nil {
			s.log.Warn("monitor stop failed", "error", err)
		}
	}
	if err := s.bridge.Close(); err != nil {
		s.log.Warn("bridge close failed", "error", err)
	}

	s.mu.Lock()
	cause := s.cause
	if cause == CauseDeadline && s.accepted {
		// A submission accepted in the same tick as deadline expiry wins.
		cause = CauseSubmission
		s.cause = cause
	}
	failure := s.failure
	s.mu.Unlock()

	status := string(StateEnded)
	errText := ""
	if failure != nil {
		status = string(StateFailed)
		errText = failure.Error()
	}
	if _, err := s.bus.Publish(event.ProducerController, event.KindSessionEnded, EndedPayload{
		Status: status,
		Cause:  cause,
		Error:  errText,
		Turns:  s.turns.Len(),
		Lies:   len(s.detector.Lies()),
	}); err != nil && !errors.Is(err, event.ErrBusClosed) {
		s.log.Warn("publish session end failed", "error", err)
	}

	// Closing the bus flushes whatever the consumer goroutine left behind.
	s.bus.Close()
	for ev := range s.bus.Events() {
		if err := s.recorder.Append(ev); err != nil {
			s.log.Warn("event log append failed", "kind", ev.Kind, "error", err)
		}
	}
}

// finish consolidates the outcome and settles the terminal state. A setup
// error arrives as err with teardown not yet run.
func (s *Session) finish(err error) {
	if s.bus != nil {
		s.bus.Close()
	}
	if err != nil {
		s.mu.Lock()
		if s.failure == nil {
			s.failure = err
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	failure := s.failure
	cause := s.cause
	s.mu.Unlock()

	status := string(StateEnded)
	errText := ""
	if failure != nil {
		status = string(StateFailed)
		errText = failure.Error()
	}

	in := outcome.Inputs{
		SessionID: s.id,
		Candidate: s.params.CandidateID,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Status:    status,
		Err:       errText,
		KB:        s.kb,
	}
	if s.recorder != nil {
		in.EventLogPath = s.recorder.Path()
	}
	if s.turns != nil {
		in.Turns = s.turns.Turns()
	}
	if s.detector != nil {
		in.Lies = s.detector.Lies()
		in.Nudges = s.detector.Nudges()
		in.Extracted = s.detector.ExtractedClaims()
	}
	if s.monitor != nil {
		in.CodeSummary = s.monitor.Summary()
	}

	cctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExternalTimeout.Std())
	defer cancel()
	doc := outcome.NewConsolidator(s.agent).Consolidate(cctx, in)

	data, mErr := json.Marshal(doc)
	if mErr != nil {
		s.outcomeErr = fmt.Errorf("marshal outcome: %w", mErr)
	} else {
		s.outcomeJSON = data
		if wErr := outcome.Write(doc, outcome.OutcomePath(s.cfg.DataRoot, s.id)); wErr != nil {
			s.log.Error("persist outcome failed", "error", wErr)
		}
	}

	if s.recorder != nil {
		if cErr := s.recorder.Close(); cErr != nil {
			s.log.Warn("event log close failed", "error", cErr)
		}
	}

	if failure != nil {
		s.setState(StateFailed)
	} else {
		s.setState(StateEnded)
	}
	s.log.Info("session finished", "status", status, "cause", cause, "turns", len(in.Turns), "lies", len(in.Lies))
}
