package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/codemonitor"
	"github.com/voxhire/voxhire/internal/config"
	"github.com/voxhire/voxhire/internal/conversation"
	"github.com/voxhire/voxhire/internal/event"
	"github.com/voxhire/voxhire/internal/knowledge"
	"github.com/voxhire/voxhire/internal/liedetect"
	"github.com/voxhire/voxhire/internal/outcome"
)

// Rebuild reconstructs the outcome document of a past session from its
// event log and rewrites it. This is the recovery path for sessions whose
// process died before consolidation, and the way to re-run the review model
// over an existing log. The agent runtime may be nil to skip the review.
func Rebuild(ctx context.Context, cfg *config.Config, agent *agentrt.Runtime, sessionID string) (*outcome.Document, error) {
	logPath := filepath.Join(cfg.DataRoot, "sessions", sessionID, "events.jsonl")
	events, err := event.ReadLogFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("session: read event log: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("session: event log %s is empty", logPath)
	}

	in := replay(events)
	in.SessionID = sessionID
	in.EventLogPath = logPath

	if in.Candidate != "" {
		kb, err := knowledge.Build(ctx, cfg.DataRoot, in.Candidate)
		if err != nil {
			slog.Warn("candidate artifacts unavailable, scoring skipped",
				"session_id", sessionID, "candidate", in.Candidate, "error", err)
		} else {
			in.KB = kb
		}
	}

	doc := outcome.NewConsolidator(agent).Consolidate(ctx, in)
	if err := outcome.Write(doc, outcome.OutcomePath(cfg.DataRoot, sessionID)); err != nil {
		return nil, err
	}
	return doc, nil
}

// replay folds an event log back into consolidator inputs.
func replay(events []event.Event) outcome.Inputs {
	in := outcome.Inputs{Status: string(StateFailed), Err: "session did not record an end event"}
	var summary codemonitor.Summary
	var pendingNudges []*liedetect.NudgeRecord

	for _, ev := range events {
		switch ev.Kind {
		case event.KindSessionStarted:
			var p StartedPayload
			if ev.Decode(&p) == nil {
				in.Candidate = p.Candidate
				in.StartedAt = ev.T
			}

		case event.KindSessionEnded:
			var p EndedPayload
			if ev.Decode(&p) == nil {
				in.Status = p.Status
				in.Err = p.Error
				in.EndedAt = ev.T
			}

		case event.KindTurnCandidate, event.KindTurnInterviewer:
			var p conversation.TurnPayload
			if ev.Decode(&p) != nil {
				continue
			}
			role := conversation.RoleCandidate
			if ev.Kind == event.KindTurnInterviewer {
				role = conversation.RoleInterviewer
			}
			in.Turns = append(in.Turns, conversation.Turn{
				Seq:        p.Seq,
				Role:       role,
				Text:       p.Text,
				Confidence: p.Confidence,
				Truncated:  p.Truncated,
				TStart:     ev.T,
				TEnd:       ev.T,
			})

		case event.KindLieDetected:
			var p liedetect.LiePayload
			if ev.Decode(&p) != nil {
				continue
			}
			in.Lies = append(in.Lies, liedetect.Lie{
				TurnSeq:            p.TurnSeq,
				Utterance:          p.Utterance,
				Confidence:         p.Confidence,
				Category:           p.Category,
				SupportingClaimIDs: p.SupportingClaimIDs,
				Reasoning:          p.Reasoning,
				DetectedAt:         ev.T,
			})

		case event.KindNudgeRequired:
			var p liedetect.NudgeRequest
			if ev.Decode(&p) != nil {
				continue
			}
			rec := &liedetect.NudgeRecord{
				TurnSeq:    p.TurnSeq,
				Kind:       p.Kind,
				Intensity:  p.Intensity,
				PromptText: p.PromptText,
			}
			pendingNudges = append(pendingNudges, rec)

		case event.KindNudgeDelivered:
			var p conversation.NudgePayload
			if ev.Decode(&p) != nil {
				continue
			}
			stampDelivered(pendingNudges, p.Kind, ev.T)

		case event.KindCodeChanged:
			summary.ChangeCount++
			var p codemonitor.ChangePayload
			if ev.Decode(&p) == nil {
				summary.FinalQuestionID = p.QuestionID
			}

		case event.KindTestResult:
			var p codemonitor.TestResultPayload
			if ev.Decode(&p) == nil {
				summary.TestStateHistory = append(summary.TestStateHistory, p.State)
				summary.FinalTestState = p.State
				if p.QuestionID != "" {
					summary.FinalQuestionID = p.QuestionID
				}
			}
		}
	}

	for _, rec := range pendingNudges {
		in.Nudges = append(in.Nudges, *rec)
	}
	in.CodeSummary = summary
	if in.EndedAt.IsZero() && len(events) > 0 {
		in.EndedAt = events[len(events)-1].T
	}
	return in
}

// stampDelivered marks the oldest undelivered nudge of the given kind.
func stampDelivered(nudges []*liedetect.NudgeRecord, kind string, at time.Time) {
	for _, rec := range nudges {
		if rec.Kind == kind && rec.DeliveredAt.IsZero() {
			rec.DeliveredAt = at
			return
		}
	}
}
