// Package liedetect decides when and how to challenge a candidate utterance.
// Every committed candidate turn is checked against the fact oracle and
// judged by the agent runtime; contradictions above the configured threshold
// become Lie records with an escalating nudge ladder, and elaborations given
// after a challenge are captured as follow-ups.
package liedetect

import "time"

// Intensity is a rung of the nudge escalation ladder. Within a session the
// intensity for a given nudge kind never decreases.
type Intensity string

const (
	IntensityPolite       Intensity = "polite"
	IntensityFirm         Intensity = "firm"
	IntensityAggressive   Intensity = "aggressive"
	IntensityFinalWarning Intensity = "final_warning"
)

// intensityLadder maps the per-kind occurrence count to a rung; the ladder is
// capped at final_warning.
func intensityForCount(n int) Intensity {
	switch {
	case n <= 1:
		return IntensityPolite
	case n == 2:
		return IntensityFirm
	case n == 3:
		return IntensityAggressive
	default:
		return IntensityFinalWarning
	}
}

// Rank orders intensities for monotonicity checks and "strongest" selection.
func (i Intensity) Rank() int {
	switch i {
	case IntensityPolite:
		return 1
	case IntensityFirm:
		return 2
	case IntensityAggressive:
		return 3
	case IntensityFinalWarning:
		return 4
	}
	return 0
}

// Nudge kinds.
const (
	KindLie        = "lie"
	KindInactivity = "inactivity"
	KindProgress   = "progress"
)

// noElaboration is recorded when the session ends before the candidate
// responds to a challenge.
const noElaboration = "(no elaboration provided)"

// Lie is one promoted contradiction. Repeat contradictions of the same
// underlying claim collapse into the existing entry.
type Lie struct {
	TurnSeq            uint64    `json:"turn_seq"`
	Utterance          string    `json:"utterance"`
	Confidence         float64   `json:"confidence"`
	Category           string    `json:"category,omitempty"`
	SupportingClaimIDs []string  `json:"supporting_claim_ids,omitempty"`
	Reasoning          string    `json:"reasoning,omitempty"`
	Intensity          Intensity `json:"intensity"`
	CandidateFollowup  string    `json:"candidate_followup"`
	DetectedAt         time.Time `json:"detected_at"`
}

// NudgeRecord is one challenge routed to the interviewer.
type NudgeRecord struct {
	TurnSeq           uint64    `json:"turn_seq"`
	Kind              string    `json:"kind"`
	Intensity         Intensity `json:"intensity"`
	PromptText        string    `json:"prompt_text"`
	DeliveredAt       time.Time `json:"delivered_at,omitempty"`
	CandidateFollowup string    `json:"candidate_followup,omitempty"`
}

// ExtractedClaim is a new statement the verification model pulled out of a
// candidate turn. These stay on the session record; the knowledge base
// itself is immutable.
type ExtractedClaim struct {
	TurnSeq uint64 `json:"turn_seq"`
	Text    string `json:"text"`
}

// LiePayload is the event payload for LIE_DETECTED.
type LiePayload struct {
	TurnSeq            uint64   `json:"turn_seq"`
	Utterance          string   `json:"utterance"`
	Confidence         float64  `json:"confidence"`
	Category           string   `json:"category,omitempty"`
	SupportingClaimIDs []string `json:"supporting_claim_ids,omitempty"`
	Reasoning          string   `json:"reasoning,omitempty"`
}

// NudgeRequest is the event payload for NUDGE_REQUIRED. The controller routes
// it to the conversation loop for delivery with the next interviewer turn.
type NudgeRequest struct {
	TurnSeq    uint64    `json:"turn_seq"`
	Kind       string    `json:"kind"`
	Intensity  Intensity `json:"intensity"`
	PromptText string    `json:"prompt_text"`
}
