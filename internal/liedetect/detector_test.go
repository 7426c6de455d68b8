package liedetect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/event"
	"github.com/voxhire/voxhire/internal/knowledge"
	"github.com/voxhire/voxhire/pkg/provider/llm"
	llmmock "github.com/voxhire/voxhire/pkg/provider/llm/mock"
)

func analysisJSON(t *testing.T, verdict string, confidence float64, ids []string, category string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"utterance":            "x",
		"verdict":              verdict,
		"confidence":           confidence,
		"supporting_claim_ids": ids,
		"category":             category,
		"reasoning":            "records disagree",
	})
	require.NoError(t, err)
	return string(data)
}

type detectorHarness struct {
	detector *Detector
	llm      *llmmock.Provider
	bus      *event.Bus
	events   <-chan event.Event
}

func newDetectorHarness(t *testing.T, cfg Config) *detectorHarness {
	t.Helper()
	kb := knowledge.NewKnowledgeBase("cand-1", []knowledge.Claim{
		{ID: "exp-ms", Source: knowledge.SourceProfile, Category: knowledge.CategoryExperience,
			Text: "junior developer at microsoft for two years", Confidence: 0.9},
		{ID: "edu-mit", Source: knowledge.SourceResume, Category: knowledge.CategoryEducation,
			Text: "bsc computer science from mit", Confidence: 0.9},
	})
	oracle, err := knowledge.NewOracle(context.Background(), kb)
	require.NoError(t, err)

	h := &detectorHarness{
		llm: &llmmock.Provider{},
		bus: event.NewBus(),
	}
	h.events = h.bus.Events()
	h.detector = New(oracle, agentrt.New(h.llm, agentrt.WithSchemaRetries(0)), h.bus, cfg)
	t.Cleanup(h.bus.Close)
	return h
}

func (h *detectorHarness) drain(t *testing.T) []event.Event {
	t.Helper()
	var out []event.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestIntensityForCount(t *testing.T) {
	assert.Equal(t, IntensityPolite, intensityForCount(1))
	assert.Equal(t, IntensityFirm, intensityForCount(2))
	assert.Equal(t, IntensityAggressive, intensityForCount(3))
	assert.Equal(t, IntensityFinalWarning, intensityForCount(4))
	assert.Equal(t, IntensityFinalWarning, intensityForCount(9))
}

func TestDetector_PromotesContradiction(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.7})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.9, []string{"exp-ms"}, "experience"),
	}

	err := h.detector.HandleCandidateTurn(context.Background(), 2,
		"I was a senior engineer at Google for five years")
	require.NoError(t, err)

	events := h.drain(t)
	require.Equal(t, []event.Kind{event.KindLieDetected, event.KindNudgeRequired}, kinds(events))

	var lie LiePayload
	require.NoError(t, events[0].Decode(&lie))
	assert.Equal(t, uint64(2), lie.TurnSeq)
	assert.InDelta(t, 0.9, lie.Confidence, 1e-9)
	assert.Equal(t, []string{"exp-ms"}, lie.SupportingClaimIDs)

	var nudge NudgeRequest
	require.NoError(t, events[1].Decode(&nudge))
	assert.Equal(t, KindLie, nudge.Kind)
	assert.Equal(t, IntensityPolite, nudge.Intensity)
	assert.Contains(t, nudge.PromptText, "experience")
	assert.NotContains(t, nudge.PromptText, "microsoft", "nudges must not quote sources verbatim")

	lies := h.detector.Lies()
	require.Len(t, lies, 1)
	assert.Equal(t, uint64(2), lies[0].TurnSeq)
}

func TestDetector_RetainsExtractedClaims(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.85})
	payload, err := json.Marshal(map[string]any{
		"utterance":  "x",
		"verdict":    "consistent",
		"confidence": 0.3,
		"new_claims": []string{"led a team of four", "shipped a payments service"},
	})
	require.NoError(t, err)
	h.llm.CompleteResponse = &llm.CompletionResponse{Content: string(payload)}

	require.NoError(t, h.detector.HandleCandidateTurn(context.Background(), 3,
		"I led a team of four and shipped a payments service"))

	assert.Empty(t, h.detector.Lies())
	extracted := h.detector.ExtractedClaims()
	require.Len(t, extracted, 2)
	assert.Equal(t, uint64(3), extracted[0].TurnSeq)
	assert.Equal(t, "led a team of four", extracted[0].Text)
	assert.Equal(t, "shipped a payments service", extracted[1].Text)
}

func TestDetector_BelowThresholdNotPromoted(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.85})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.6, []string{"exp-ms"}, "experience"),
	}

	require.NoError(t, h.detector.HandleCandidateTurn(context.Background(), 2, "ten years at Google"))

	assert.Empty(t, h.drain(t))
	assert.Empty(t, h.detector.Lies())
}

func TestDetector_ConsistentNotPromoted(t *testing.T) {
	h := newDetectorHarness(t, Config{})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "consistent", 0.95, []string{"exp-ms"}, "experience"),
	}

	require.NoError(t, h.detector.HandleCandidateTurn(context.Background(), 2, "I worked at Microsoft"))

	assert.Empty(t, h.drain(t))
	assert.Empty(t, h.detector.Lies())
}

func TestDetector_EscalationLadderMonotone(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.7})

	var calls int
	var mu sync.Mutex
	categories := []string{"experience", "education", "project", "skill", "achievement"}
	h.llm.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		c := analysisJSON(t, "contradicted", 0.9,
			[]string{fmt.Sprintf("claim-%d", calls)}, categories[calls])
		calls++
		return &llm.CompletionResponse{Content: c}, nil
	}

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, h.detector.HandleCandidateTurn(context.Background(), seq, "statement"))
	}

	want := []Intensity{IntensityPolite, IntensityFirm, IntensityAggressive, IntensityFinalWarning, IntensityFinalWarning}
	nudges := h.detector.Nudges()
	require.Len(t, nudges, 5)
	for i, rec := range nudges {
		assert.Equal(t, want[i], rec.Intensity, "nudge %d", i)
	}
	for i := 1; i < len(nudges); i++ {
		assert.GreaterOrEqual(t, nudges[i].Intensity.Rank(), nudges[i-1].Intensity.Rank())
	}
}

func TestDetector_CollapsesRepeatContradiction(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.7})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.8, []string{"exp-ms"}, "experience"),
	}

	ctx := context.Background()
	require.NoError(t, h.detector.HandleCandidateTurn(ctx, 2, "five years at Google"))
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.95, []string{"exp-ms"}, "experience"),
	}
	require.NoError(t, h.detector.HandleCandidateTurn(ctx, 4, "as I said, five years at Google"))

	got := kinds(h.drain(t))
	assert.Equal(t, []event.Kind{event.KindLieDetected, event.KindNudgeRequired, event.KindNudgeRequired}, got,
		"a repeat contradiction escalates the nudge but emits no second LIE_DETECTED")

	lies := h.detector.Lies()
	require.Len(t, lies, 1)
	assert.InDelta(t, 0.95, lies[0].Confidence, 1e-9, "collapsed lie keeps the highest confidence")
	assert.Equal(t, IntensityFirm, lies[0].Intensity, "collapsed lie keeps the strongest nudge")
	assert.Len(t, h.detector.Nudges(), 2)
}

func TestDetector_ElaborationCapture(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.7})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.9, []string{"exp-ms"}, "experience"),
	}

	ctx := context.Background()
	require.NoError(t, h.detector.HandleCandidateTurn(ctx, 2, "five years at Google"))

	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "unverifiable", 0.4, nil, ""),
	}
	require.NoError(t, h.detector.HandleCandidateTurn(ctx, 4,
		"sorry, I meant I interviewed at Google; I worked at Microsoft"))

	lies := h.detector.Lies()
	require.Len(t, lies, 1)
	assert.Equal(t, "sorry, I meant I interviewed at Google; I worked at Microsoft", lies[0].CandidateFollowup)

	nudges := h.detector.Nudges()
	require.Len(t, nudges, 1)
	assert.Equal(t, lies[0].CandidateFollowup, nudges[0].CandidateFollowup)
}

func TestDetector_FinalizeFillsNoElaboration(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.7})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.9, []string{"exp-ms"}, "experience"),
	}

	require.NoError(t, h.detector.HandleCandidateTurn(context.Background(), 2, "five years at Google"))
	h.detector.Finalize()

	lies := h.detector.Lies()
	require.Len(t, lies, 1)
	assert.Equal(t, "(no elaboration provided)", lies[0].CandidateFollowup)
}

func TestDetector_DeceptionFlagFallback(t *testing.T) {
	h := newDetectorHarness(t, Config{})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "unverifiable", 0.3, nil, ""),
	}

	ctx := context.Background()
	require.NoError(t, h.detector.HandleCandidateTurn(ctx, 2, "I invented the transformer architecture"))
	h.drain(t)

	h.detector.HandleInterviewerTurn(ctx, true)

	events := h.drain(t)
	require.Equal(t, []event.Kind{event.KindLieDetected}, kinds(events))

	var lie LiePayload
	require.NoError(t, events[0].Decode(&lie))
	assert.Equal(t, uint64(2), lie.TurnSeq)
	assert.InDelta(t, 0.95, lie.Confidence, 1e-9)
}

func TestDetector_DeceptionFlagSkippedWhenTurnAlreadyPromoted(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.7})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.9, []string{"exp-ms"}, "experience"),
	}

	ctx := context.Background()
	require.NoError(t, h.detector.HandleCandidateTurn(ctx, 2, "five years at Google"))
	h.detector.HandleInterviewerTurn(ctx, true)

	assert.Len(t, h.detector.Lies(), 1)
}

func TestDetector_InactivityLadder(t *testing.T) {
	h := newDetectorHarness(t, Config{})
	ctx := context.Background()

	h.detector.HandleInactivity(ctx, 30*time.Second)
	h.detector.HandleInactivity(ctx, 60*time.Second)

	events := h.drain(t)
	require.Len(t, events, 2)

	var first, second NudgeRequest
	require.NoError(t, events[0].Decode(&first))
	require.NoError(t, events[1].Decode(&second))
	assert.Equal(t, KindInactivity, first.Kind)
	assert.Equal(t, IntensityPolite, first.Intensity)
	assert.Equal(t, IntensityFirm, second.Intensity)
	assert.Contains(t, first.PromptText, "30s")
}

func TestDetector_LadderIsPerKind(t *testing.T) {
	h := newDetectorHarness(t, Config{LieThreshold: 0.7})
	ctx := context.Background()

	h.detector.HandleInactivity(ctx, 30*time.Second)
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: analysisJSON(t, "contradicted", 0.9, []string{"exp-ms"}, "experience"),
	}
	require.NoError(t, h.detector.HandleCandidateTurn(ctx, 2, "five years at Google"))

	nudges := h.detector.Nudges()
	require.Len(t, nudges, 2)
	assert.Equal(t, IntensityPolite, nudges[0].Intensity)
	assert.Equal(t, IntensityPolite, nudges[1].Intensity, "lie ladder starts fresh despite prior inactivity nudge")
}

func TestDetector_VerificationErrorDegrades(t *testing.T) {
	h := newDetectorHarness(t, Config{})
	h.llm.CompleteErr = errors.New("provider down")

	require.NoError(t, h.detector.HandleCandidateTurn(context.Background(), 2, "anything"))

	assert.Empty(t, h.drain(t))
	assert.Empty(t, h.detector.Lies())
}

func TestDetector_NudgeDeliveredStamps(t *testing.T) {
	h := newDetectorHarness(t, Config{})
	ctx := context.Background()
	h.detector.HandleInactivity(ctx, 30*time.Second)

	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	h.detector.HandleNudgeDelivered(KindInactivity, IntensityPolite, at)

	nudges := h.detector.Nudges()
	require.Len(t, nudges, 1)
	assert.Equal(t, at, nudges[0].DeliveredAt)
}
