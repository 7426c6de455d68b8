package agentrt

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// Verdict classifies a candidate utterance against the knowledge base.
type Verdict string

const (
	VerdictConsistent   Verdict = "consistent"
	VerdictUnverifiable Verdict = "unverifiable"
	VerdictContradicted Verdict = "contradicted"
)

// IsValid reports whether v is a recognised verdict.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictConsistent, VerdictUnverifiable, VerdictContradicted:
		return true
	}
	return false
}

// StructuredResponse is the union of typed agent responses. Exactly one
// concrete type corresponds to each prompt template.
type StructuredResponse interface {
	// Validate checks the semantic constraints the JSON schema cannot express.
	Validate() error

	isResponse()
}

// InterviewerTurn is the response of the interviewer-turn template: the next
// thing the interviewer says.
type InterviewerTurn struct {
	// Text is the utterance to speak, plain prose.
	Text string `json:"text" jsonschema:"required,description=The interviewer's next utterance"`

	// DeceptionFlag is set when the model suspects the answer was deceptive
	// even though no claim verification ran for this turn.
	DeceptionFlag bool `json:"deception_flag,omitempty" jsonschema:"description=True when the answer appears deceptive"`

	// TopicClosed is set when the current question is exhausted and the
	// interviewer should move on.
	TopicClosed bool `json:"topic_closed,omitempty" jsonschema:"description=True when the current topic is finished"`
}

func (t InterviewerTurn) Validate() error {
	if t.Text == "" {
		return fmt.Errorf("agentrt: interviewer turn has empty text")
	}
	return nil
}

func (InterviewerTurn) isResponse() {}

// ClaimAnalysis is the response of the verify-claim template: the model's
// judgement of one candidate utterance against the fact bundle.
type ClaimAnalysis struct {
	TurnSeq            uint64   `json:"turn_seq,omitempty" jsonschema:"description=Sequence number of the analysed turn"`
	Utterance          string   `json:"utterance" jsonschema:"required,description=The utterance that was analysed"`
	Verdict            Verdict  `json:"verdict" jsonschema:"required,enum=consistent|unverifiable|contradicted"`
	Confidence         float64  `json:"confidence" jsonschema:"required,minimum=0,maximum=1"`
	SupportingClaimIDs []string `json:"supporting_claim_ids,omitempty" jsonschema:"description=IDs of knowledge-base claims supporting the verdict"`
	Category           string   `json:"category,omitempty" jsonschema:"description=Claim category of the contradiction"`
	Reasoning          string   `json:"reasoning,omitempty" jsonschema:"description=Short justification"`

	// NewClaims lists high-confidence claims extracted from the utterance
	// itself. They are retained on the session, never added to the
	// knowledge base.
	NewClaims []string `json:"new_claims,omitempty" jsonschema:"description=New claims stated by the candidate"`
}

func (c ClaimAnalysis) Validate() error {
	if !c.Verdict.IsValid() {
		return fmt.Errorf("agentrt: unknown verdict %q", c.Verdict)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("agentrt: confidence %v out of range [0, 1]", c.Confidence)
	}
	return nil
}

func (ClaimAnalysis) isResponse() {}

// FinalSummary is the response of the final-summary template.
type FinalSummary struct {
	Overall             string   `json:"overall" jsonschema:"required,description=Overall interview summary"`
	Strengths           []string `json:"strengths" jsonschema:"required,description=Candidate strengths observed"`
	AreasForImprovement []string `json:"areas_for_improvement" jsonschema:"required,description=Areas the candidate should improve"`
}

func (s FinalSummary) Validate() error {
	if s.Overall == "" {
		return fmt.Errorf("agentrt: final summary has empty overall text")
	}
	return nil
}

func (FinalSummary) isResponse() {}

// HirabilityAssessment is the response of the hirability template: the
// model's qualitative complement to the keyword-based score.
type HirabilityAssessment struct {
	Recommendation string  `json:"recommendation" jsonschema:"required,description=Hire recommendation"`
	Confidence     float64 `json:"confidence" jsonschema:"required,minimum=0,maximum=1"`
	Rationale      string  `json:"rationale,omitempty" jsonschema:"description=Short rationale"`
}

func (h HirabilityAssessment) Validate() error {
	if h.Recommendation == "" {
		return fmt.Errorf("agentrt: hirability assessment has empty recommendation")
	}
	if h.Confidence < 0 || h.Confidence > 1 {
		return fmt.Errorf("agentrt: confidence %v out of range [0, 1]", h.Confidence)
	}
	return nil
}

func (HirabilityAssessment) isResponse() {}

// schemaFor renders the JSON schema of a response type for inclusion in the
// prompt. Schemas are immutable, so each is generated once.
var (
	schemaMu    sync.Mutex
	schemaCache = map[Template]string{}
)

func schemaFor(tmpl Template) (string, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[tmpl]; ok {
		return s, nil
	}

	var target any
	switch tmpl {
	case TemplateInterviewerTurn:
		target = &InterviewerTurn{}
	case TemplateVerifyClaim:
		target = &ClaimAnalysis{}
	case TemplateFinalSummary:
		target = &FinalSummary{}
	case TemplateHirability:
		target = &HirabilityAssessment{}
	default:
		return "", fmt.Errorf("agentrt: unknown template %q", tmpl)
	}

	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	data, err := json.Marshal(reflector.Reflect(target))
	if err != nil {
		return "", fmt.Errorf("agentrt: marshal schema for %s: %w", tmpl, err)
	}
	schemaCache[tmpl] = string(data)
	return string(data), nil
}

// decodeResponse parses repaired JSON into the typed response for tmpl and
// validates it.
func decodeResponse(tmpl Template, data []byte) (StructuredResponse, error) {
	var resp StructuredResponse
	switch tmpl {
	case TemplateInterviewerTurn:
		var v InterviewerTurn
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		resp = v
	case TemplateVerifyClaim:
		var v ClaimAnalysis
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		resp = v
	case TemplateFinalSummary:
		var v FinalSummary
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		resp = v
	case TemplateHirability:
		var v HirabilityAssessment
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		resp = v
	default:
		return nil, fmt.Errorf("agentrt: unknown template %q", tmpl)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}
