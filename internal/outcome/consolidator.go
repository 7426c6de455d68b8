package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/codemonitor"
	"github.com/voxhire/voxhire/internal/conversation"
	"github.com/voxhire/voxhire/internal/knowledge"
	"github.com/voxhire/voxhire/internal/liedetect"
)

// Document is the persisted outcome of a session. The key set is fixed so
// downstream consumers can rely on it; failed sessions carry a non-empty
// error and whatever partial data was collected before the failure.
type Document struct {
	SessionID string    `json:"session_id"`
	Candidate string    `json:"candidate"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	Turns  []conversation.Turn     `json:"turns"`
	Lies   []liedetect.Lie         `json:"lies"`
	Nudges []liedetect.NudgeRecord `json:"nudges"`

	// InterviewClaims are statements the verification model extracted from
	// candidate turns during the session. They supplement the immutable
	// knowledge base without ever being written back into it.
	InterviewClaims []liedetect.ExtractedClaim `json:"interview_claims,omitempty"`

	CodeSnapshotsSummary codemonitor.Summary `json:"code_snapshots_summary"`

	Scores         CategoryScores `json:"scores"`
	Recommendation string         `json:"recommendation"`

	EstimatedExperienceYears int `json:"estimated_experience_years"`

	// FinalReview and Assessment come from the review model and are absent
	// when the model was unreachable at consolidation time.
	FinalReview *agentrt.FinalSummary         `json:"final_review,omitempty"`
	Assessment  *agentrt.HirabilityAssessment `json:"assessment,omitempty"`

	SourcePointers SourcePointers `json:"source_pointers"`
}

// SourcePointers lets an auditor trace the document back to its inputs.
type SourcePointers struct {
	KnowledgeBaseDigest string `json:"knowledge_base_digest"`
	EventLogPath        string `json:"event_log_path"`
}

// Inputs is everything the consolidator needs from a finished session.
// KB may be nil when the session failed before ingestion completed.
type Inputs struct {
	SessionID string
	Candidate string
	StartedAt time.Time
	EndedAt   time.Time

	Status string
	Err    string

	Turns  []conversation.Turn
	Lies   []liedetect.Lie
	Nudges []liedetect.NudgeRecord

	Extracted []liedetect.ExtractedClaim

	CodeSummary  codemonitor.Summary
	KB           *knowledge.KnowledgeBase
	EventLogPath string
}

// Consolidator builds outcome documents. The agent runtime is optional; with
// a nil runtime the document carries scores only, no model review.
type Consolidator struct {
	agent *agentrt.Runtime
	log   *slog.Logger
}

// NewConsolidator creates a consolidator that asks agent for the final
// review. Pass nil to skip the review stage entirely.
func NewConsolidator(agent *agentrt.Runtime) *Consolidator {
	return &Consolidator{
		agent: agent,
		log:   slog.Default().With("component", "consolidator"),
	}
}

// Consolidate assembles the outcome document. It never fails outright: the
// review stages degrade to omission when the model is unreachable, and a nil
// knowledge base yields zero scores with a No Hire recommendation.
func (c *Consolidator) Consolidate(ctx context.Context, in Inputs) *Document {
	doc := &Document{
		SessionID:            in.SessionID,
		Candidate:            in.Candidate,
		StartedAt:            in.StartedAt,
		EndedAt:              in.EndedAt,
		Status:               in.Status,
		Error:                in.Err,
		Turns:                in.Turns,
		Lies:                 in.Lies,
		Nudges:               in.Nudges,
		InterviewClaims:      in.Extracted,
		CodeSnapshotsSummary: in.CodeSummary,
		Recommendation:       NoHire,
		SourcePointers:       SourcePointers{EventLogPath: in.EventLogPath},
	}
	if doc.Turns == nil {
		doc.Turns = []conversation.Turn{}
	}
	if doc.Lies == nil {
		doc.Lies = []liedetect.Lie{}
	}
	if doc.Nudges == nil {
		doc.Nudges = []liedetect.NudgeRecord{}
	}

	if in.KB != nil {
		scored := Score(in.KB)
		doc.Scores = scored.Scores
		doc.Recommendation = scored.Recommendation
		doc.EstimatedExperienceYears = knowledge.ExperienceYears(in.KB.Claims())
		doc.SourcePointers.KnowledgeBaseDigest = in.KB.Digest()
	}

	c.review(ctx, in, doc)
	return doc
}

// review runs the two model stages. Each degrades independently.
func (c *Consolidator) review(ctx context.Context, in Inputs, doc *Document) {
	if c.agent == nil {
		return
	}

	resp, err := c.agent.Ask(ctx, agentrt.PromptSpec{
		Template: agentrt.TemplateFinalSummary,
		Context: map[string]any{
			"History": renderTurns(in.Turns),
			"Lies":    renderLies(in.Lies),
		},
	})
	if err != nil {
		c.log.Warn("final summary unavailable", "session_id", in.SessionID, "error", err)
		return
	}
	summary := resp.(agentrt.FinalSummary)
	doc.FinalReview = &summary

	if in.KB == nil {
		return
	}
	resp, err = c.agent.Ask(ctx, agentrt.PromptSpec{
		Template: agentrt.TemplateHirability,
		Context: map[string]any{
			"JobDescription": renderClaims(in.KB.BySource(knowledge.SourceJobDesc)),
			"Claims":         renderClaims(in.KB.Facts()),
			"Summary":        summary.Overall,
		},
	})
	if err != nil {
		c.log.Warn("hirability assessment unavailable", "session_id", in.SessionID, "error", err)
		return
	}
	assessment := resp.(agentrt.HirabilityAssessment)
	doc.Assessment = &assessment
}

// renderTurns flattens the turn log into prompt context, one line per turn.
func renderTurns(turns []conversation.Turn) string {
	if len(turns) == 0 {
		return "(no turns recorded)"
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderLies summarizes the promoted contradictions for the review prompt.
func renderLies(lies []liedetect.Lie) string {
	if len(lies) == 0 {
		return "(no contradictions detected)"
	}
	var sb strings.Builder
	for _, l := range lies {
		fmt.Fprintf(&sb, "- turn %d (%.2f): %q; followup: %s\n",
			l.TurnSeq, l.Confidence, l.Utterance, l.CandidateFollowup)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderClaims(claims []knowledge.Claim) string {
	if len(claims) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, c := range claims {
		fmt.Fprintf(&sb, "- [%s] %s\n", c.Category, c.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// OutcomePath returns the canonical location of a session's outcome file.
func OutcomePath(dataRoot, sessionID string) string {
	return filepath.Join(dataRoot, "sessions", sessionID, "outcome.json")
}

// Write persists the document as indented JSON, atomically via a sibling
// temp file so a crashed write never leaves a truncated outcome behind.
func Write(doc *Document, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("outcome: marshal document: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("outcome: create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("outcome: write document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("outcome: finalize document: %w", err)
	}
	return nil
}
