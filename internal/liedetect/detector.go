package liedetect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/event"
	"github.com/voxhire/voxhire/internal/knowledge"
	"github.com/voxhire/voxhire/internal/observe"
)

const defaultLieThreshold = 0.85

// Config tunes the detector.
type Config struct {
	// LieThreshold is the minimum confidence, in [0, 1], at which a
	// contradicted verdict is promoted to a Lie. Default 0.85.
	LieThreshold float64

	// Mode selects the interviewer persona for verification prompts.
	Mode agentrt.Mode
}

// Detector runs the per-turn verification pipeline and keeps the session's
// lie and nudge records. The session controller calls the Handle methods from
// its event fan-out; they are safe for concurrent use.
type Detector struct {
	oracle  *knowledge.Oracle
	agent   *agentrt.Runtime
	bus     *event.Bus
	metrics *observe.Metrics
	cfg     Config
	now     func() time.Time

	mu            sync.Mutex
	lies          []*Lie
	nudges        []*NudgeRecord
	extracted     []ExtractedClaim
	counts        map[string]int
	awaiting      *Lie
	awaitingNudge *NudgeRecord
	lastTurnSeq   uint64
	lastTurnText  string
}

// Option configures a Detector.
type Option func(*Detector)

// WithMetrics sets the metrics instance. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) {
		if m != nil {
			d.metrics = m
		}
	}
}

// New creates a detector over the given oracle and agent runtime.
func New(oracle *knowledge.Oracle, agent *agentrt.Runtime, bus *event.Bus, cfg Config, opts ...Option) *Detector {
	if cfg.LieThreshold <= 0 || cfg.LieThreshold > 1 {
		cfg.LieThreshold = defaultLieThreshold
	}
	d := &Detector{
		oracle: oracle,
		agent:  agent,
		bus:    bus,
		cfg:    cfg,
		counts: make(map[string]int),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// HandleCandidateTurn verifies one committed candidate turn. The turn first
// settles any pending elaboration capture, then runs the oracle and the
// verification prompt. Verification failures degrade: the turn goes
// unchallenged and the session continues.
func (d *Detector) HandleCandidateTurn(ctx context.Context, seq uint64, text string) error {
	d.mu.Lock()
	if d.awaiting != nil {
		d.awaiting.CandidateFollowup = text
		if d.awaitingNudge != nil {
			d.awaitingNudge.CandidateFollowup = text
		}
		d.awaiting = nil
		d.awaitingNudge = nil
	}
	d.lastTurnSeq = seq
	d.lastTurnText = text
	d.mu.Unlock()

	check, err := d.oracle.Check(ctx, text)
	if err != nil {
		slog.Warn("oracle check failed", "turn", seq, "error", err)
	}

	resp, err := d.agent.Ask(ctx, agentrt.PromptSpec{
		Template: agentrt.TemplateVerifyClaim,
		Mode:     d.cfg.Mode,
		Context: map[string]any{
			"Facts":     check.FactBundle(),
			"TurnSeq":   seq,
			"Utterance": text,
		},
	})
	if err != nil {
		slog.Warn("claim verification failed, turn goes unchallenged", "turn", seq, "error", err)
		return nil
	}
	analysis := resp.(agentrt.ClaimAnalysis)

	if len(analysis.NewClaims) > 0 {
		d.mu.Lock()
		for _, text := range analysis.NewClaims {
			d.extracted = append(d.extracted, ExtractedClaim{TurnSeq: seq, Text: text})
		}
		d.mu.Unlock()
	}

	if analysis.Verdict != agentrt.VerdictContradicted || analysis.Confidence < d.cfg.LieThreshold {
		return nil
	}

	category := analysis.Category
	if category == "" && check.BestMatch != nil {
		category = string(check.BestMatch.Category)
	}
	ids := analysis.SupportingClaimIDs
	if len(ids) == 0 {
		for _, c := range check.Contradictions {
			ids = append(ids, c.ID)
		}
	}

	d.promote(ctx, &Lie{
		TurnSeq:            seq,
		Utterance:          text,
		Confidence:         analysis.Confidence,
		Category:           category,
		SupportingClaimIDs: ids,
		Reasoning:          analysis.Reasoning,
		DetectedAt:         d.now(),
	})
	return nil
}

// promote escalates the nudge ladder and records the lie, collapsing repeat
// contradictions of the same underlying claim into the existing entry.
func (d *Detector) promote(ctx context.Context, lie *Lie) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts[KindLie]++
	intensity := intensityForCount(d.counts[KindLie])
	lie.Intensity = intensity

	rec := &NudgeRecord{
		TurnSeq:    lie.TurnSeq,
		Kind:       KindLie,
		Intensity:  intensity,
		PromptText: lieNudgePrompt(intensity, lie.Category),
	}
	d.nudges = append(d.nudges, rec)

	if existing := d.findRelated(lie); existing != nil {
		if lie.Confidence > existing.Confidence {
			existing.Confidence = lie.Confidence
		}
		if intensity.Rank() > existing.Intensity.Rank() {
			existing.Intensity = intensity
		}
		d.awaiting = existing
		d.awaitingNudge = rec
		d.publish(ctx, event.KindNudgeRequired, NudgeRequest{
			TurnSeq:    rec.TurnSeq,
			Kind:       rec.Kind,
			Intensity:  rec.Intensity,
			PromptText: rec.PromptText,
		})
		return
	}

	d.lies = append(d.lies, lie)
	d.awaiting = lie
	d.awaitingNudge = rec

	d.publish(ctx, event.KindLieDetected, LiePayload{
		TurnSeq:            lie.TurnSeq,
		Utterance:          lie.Utterance,
		Confidence:         lie.Confidence,
		Category:           lie.Category,
		SupportingClaimIDs: lie.SupportingClaimIDs,
		Reasoning:          lie.Reasoning,
	})
	d.publish(ctx, event.KindNudgeRequired, NudgeRequest{
		TurnSeq:    rec.TurnSeq,
		Kind:       rec.Kind,
		Intensity:  rec.Intensity,
		PromptText: rec.PromptText,
	})
}

// findRelated returns an existing lie about the same underlying claim:
// overlapping supporting claim IDs, or the same category when neither side
// has IDs. Requires d.mu held.
func (d *Detector) findRelated(lie *Lie) *Lie {
	for _, existing := range d.lies {
		if overlap(existing.SupportingClaimIDs, lie.SupportingClaimIDs) {
			return existing
		}
		if len(existing.SupportingClaimIDs) == 0 && len(lie.SupportingClaimIDs) == 0 &&
			existing.Category != "" && existing.Category == lie.Category {
			return existing
		}
	}
	return nil
}

func overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// HandleInterviewerTurn records the model's own deception suspicion when no
// verification ran for the preceding candidate turn: a fallback lie with
// fixed 0.95 confidence. The suspicion is already woven into the spoken
// reply, so no separate nudge is issued.
func (d *Detector) HandleInterviewerTurn(ctx context.Context, deceptionFlag bool) {
	if !deceptionFlag {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastTurnSeq == 0 {
		return
	}
	for _, existing := range d.lies {
		if existing.TurnSeq == d.lastTurnSeq {
			return // the verification path already promoted this turn
		}
	}

	lie := &Lie{
		TurnSeq:    d.lastTurnSeq,
		Utterance:  d.lastTurnText,
		Confidence: 0.95,
		Reasoning:  "flagged as deceptive by the interviewer model",
		DetectedAt: d.now(),
	}
	d.lies = append(d.lies, lie)
	d.awaiting = lie
	d.awaitingNudge = nil

	d.publish(ctx, event.KindLieDetected, LiePayload{
		TurnSeq:    lie.TurnSeq,
		Utterance:  lie.Utterance,
		Confidence: lie.Confidence,
		Reasoning:  lie.Reasoning,
	})
}

// HandleInactivity escalates the inactivity ladder and requests a nudge.
func (d *Detector) HandleInactivity(ctx context.Context, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts[KindInactivity]++
	intensity := intensityForCount(d.counts[KindInactivity])
	rec := &NudgeRecord{
		Kind:       KindInactivity,
		Intensity:  intensity,
		PromptText: inactivityNudgePrompt(intensity, elapsed),
	}
	d.nudges = append(d.nudges, rec)
	d.publish(ctx, event.KindNudgeRequired, NudgeRequest{
		Kind:       rec.Kind,
		Intensity:  rec.Intensity,
		PromptText: rec.PromptText,
	})
}

// RequestProgressNudge escalates the progress ladder, for repeated failing
// test runs or similar signals.
func (d *Detector) RequestProgressNudge(ctx context.Context, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts[KindProgress]++
	intensity := intensityForCount(d.counts[KindProgress])
	rec := &NudgeRecord{
		Kind:       KindProgress,
		Intensity:  intensity,
		PromptText: progressNudgePrompt(intensity, reason),
	}
	d.nudges = append(d.nudges, rec)
	d.publish(ctx, event.KindNudgeRequired, NudgeRequest{
		Kind:       rec.Kind,
		Intensity:  rec.Intensity,
		PromptText: rec.PromptText,
	})
}

// HandleNudgeDelivered stamps the matching pending record when the
// conversation loop reports a delivery.
func (d *Detector) HandleNudgeDelivered(kind string, intensity Intensity, deliveredAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.nudges {
		if rec.Kind == kind && rec.Intensity == intensity && rec.DeliveredAt.IsZero() {
			rec.DeliveredAt = deliveredAt
			return
		}
	}
}

// Finalize closes the elaboration window at session end: lies still waiting
// for a follow-up get the sentinel value. Safe to call more than once.
func (d *Detector) Finalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, lie := range d.lies {
		if lie.CandidateFollowup == "" {
			lie.CandidateFollowup = noElaboration
		}
	}
	d.awaiting = nil
	d.awaitingNudge = nil
}

// Lies returns a copy of the recorded lies in detection order.
func (d *Detector) Lies() []Lie {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Lie, len(d.lies))
	for i, lie := range d.lies {
		out[i] = *lie
	}
	return out
}

// ExtractedClaims returns the new claims the verification model pulled out
// of candidate turns, in extraction order.
func (d *Detector) ExtractedClaims() []ExtractedClaim {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ExtractedClaim, len(d.extracted))
	copy(out, d.extracted)
	return out
}

// Nudges returns a copy of the recorded nudges in issue order.
func (d *Detector) Nudges() []NudgeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NudgeRecord, len(d.nudges))
	for i, rec := range d.nudges {
		out[i] = *rec
	}
	return out
}

func (d *Detector) publish(ctx context.Context, kind event.Kind, payload any) {
	if _, err := d.bus.Publish(event.ProducerLieDetector, kind, payload); err != nil {
		slog.Warn("event publish failed", "kind", kind, "error", err)
		return
	}
	d.metrics.RecordEvent(ctx, string(kind), string(event.ProducerLieDetector))
}

// lieNudgePrompt composes the challenge without quoting source documents.
func lieNudgePrompt(intensity Intensity, category string) string {
	subject := "their background"
	if category != "" {
		subject = "their " + category
	}
	switch intensity {
	case IntensityPolite:
		return fmt.Sprintf("The candidate's last statement about %s does not line up with the records on file. Gently ask them to clarify or elaborate on it.", subject)
	case IntensityFirm:
		return fmt.Sprintf("The candidate's statement about %s conflicts with the records on file again. Point out the inconsistency directly and ask them to explain it.", subject)
	case IntensityAggressive:
		return fmt.Sprintf("The candidate keeps contradicting the records about %s. Challenge the statement head-on and make clear that the inconsistencies have been noticed.", subject)
	default:
		return fmt.Sprintf("State plainly that the repeated inconsistencies about %s are a serious problem and that any further ones will end the interview.", subject)
	}
}

func inactivityNudgePrompt(intensity Intensity, elapsed time.Duration) string {
	idle := elapsed.Round(time.Second)
	switch intensity {
	case IntensityPolite:
		return fmt.Sprintf("The candidate has not touched their code for %s. Check in on how they are doing and offer a gentle hint about the current question.", idle)
	case IntensityFirm:
		return fmt.Sprintf("The editor has been idle for %s. Ask the candidate directly what they are thinking and what their next step is.", idle)
	case IntensityAggressive:
		return fmt.Sprintf("The editor has been idle for %s despite earlier check-ins. Remind the candidate the interview is timed and press them to start writing.", idle)
	default:
		return fmt.Sprintf("The editor has been idle for %s. Warn the candidate that continued inactivity will end the coding portion.", idle)
	}
}

func progressNudgePrompt(intensity Intensity, reason string) string {
	switch intensity {
	case IntensityPolite:
		return fmt.Sprintf("The candidate seems stuck (%s). Encourage them and offer a small hint about the current question.", reason)
	case IntensityFirm:
		return fmt.Sprintf("The candidate is still not making progress (%s). Ask directly what their plan is for solving the question.", reason)
	case IntensityAggressive:
		return fmt.Sprintf("Progress has stalled (%s). Remind the candidate the interview is timed and they need to show a working approach.", reason)
	default:
		return fmt.Sprintf("Progress has stalled (%s). Warn the candidate that without visible progress the coding portion will be cut short.", reason)
	}
}
