package agentrt

import (
	"fmt"
	"strings"
	"text/template"
)

// Template names a prompt template.
type Template string

const (
	TemplateInterviewerTurn Template = "interviewer-turn"
	TemplateVerifyClaim     Template = "verify-claim"
	TemplateFinalSummary    Template = "final-summary"
	TemplateHirability      Template = "hirability"
)

// IsValid reports whether t is a recognised template.
func (t Template) IsValid() bool {
	switch t {
	case TemplateInterviewerTurn, TemplateVerifyClaim, TemplateFinalSummary, TemplateHirability:
		return true
	}
	return false
}

// Mode selects the interviewer persona.
type Mode string

const (
	ModeFriendly    Mode = "friendly"
	ModeChallenging Mode = "challenging"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeFriendly || m == ModeChallenging
}

// systemPrompts maps interview modes to the interviewer system prompt.
var systemPrompts = map[Mode]string{
	ModeFriendly: `You are a senior technical interviewer conducting a live voice
interview. Be warm, encouraging, and conversational. Ask one question at a
time, acknowledge good answers, and help a nervous candidate relax without
lowering the bar. Your replies are spoken aloud: keep them short, natural,
and free of markdown, code blocks, or bullet lists.`,

	ModeChallenging: `You are a demanding senior technical interviewer conducting
a live voice interview. Probe every answer, press on vague claims, and ask
pointed follow-ups. Stay professional, never insulting. Your replies are
spoken aloud: keep them short, natural, and free of markdown, code blocks,
or bullet lists.`,
}

// SystemPrompt returns the interviewer system prompt for mode. Unknown modes
// fall back to friendly.
func SystemPrompt(mode Mode) string {
	if p, ok := systemPrompts[mode]; ok {
		return p
	}
	return systemPrompts[ModeFriendly]
}

// promptBodies holds the user-prompt template per template name. Context keys
// are documented on [PromptSpec].
var promptBodies = map[Template]string{
	TemplateInterviewerTurn: `The interview so far:
{{.History}}

The candidate just said:
{{.Utterance}}
{{if .Nudge}}
You must work the following challenge into your reply without quoting any
source documents verbatim:
{{.Nudge}}
{{end}}{{if .CodeContext}}
Current state of the candidate's editor:
{{.CodeContext}}
{{end}}
Produce the interviewer's next utterance.`,

	TemplateVerifyClaim: `Known facts about the candidate (from profile and resume):
{{.Facts}}

The candidate said (turn {{.TurnSeq}}):
{{.Utterance}}

Judge whether the statement is consistent with the known facts, contradicted
by them, or unverifiable from them. Report any new claims the candidate
stated about their own background.`,

	TemplateFinalSummary: `The interview has ended. Full turn log:
{{.History}}

Detected contradictions:
{{.Lies}}

Write the final review: an overall summary, the candidate's strengths, and
areas for improvement.`,

	TemplateHirability: `Job description:
{{.JobDescription}}

Candidate claims digest:
{{.Claims}}

Interview summary:
{{.Summary}}

Assess hirability for this specific role.`,
}

// schemaInstruction is appended to every prompt; %s is the JSON schema.
const schemaInstruction = `

Respond with a single JSON object conforming to this JSON schema, and nothing else:
%s`

// strictReminder is appended after a schema-invalid response before retrying.
const strictReminder = `Your previous response did not conform to the required
JSON schema. Respond again with ONLY a valid JSON object matching the schema.
No prose, no markdown fences, no explanations.`

var parsedBodies = func() map[Template]*template.Template {
	out := make(map[Template]*template.Template, len(promptBodies))
	for name, body := range promptBodies {
		out[name] = template.Must(template.New(string(name)).Option("missingkey=zero").Parse(body))
	}
	return out
}()

// renderPrompt produces the full user prompt for spec: the rendered template
// body plus the schema instruction.
func renderPrompt(spec PromptSpec) (string, error) {
	tmpl, ok := parsedBodies[spec.Template]
	if !ok {
		return "", fmt.Errorf("agentrt: unknown template %q", spec.Template)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, spec.Context); err != nil {
		return "", fmt.Errorf("agentrt: render template %s: %w", spec.Template, err)
	}

	schema, err := schemaFor(spec.Template)
	if err != nil {
		return "", err
	}
	sb.WriteString(fmt.Sprintf(schemaInstruction, schema))
	return sb.String(), nil
}
