package conversation

import (
	"regexp"
	"strings"
)

// fillerPhrases mask LLM latency. The pick is deterministic per turn
// (turnSeq modulo pool size) so recorded sessions replay identically.
var fillerPhrases = []string{
	"Let me think about that for a second.",
	"One moment.",
	"Hmm, okay.",
	"Right, give me a moment.",
}

// fillerFor returns the masking phrase for the given turn.
func fillerFor(turnSeq uint64) string {
	return fillerPhrases[turnSeq%uint64(len(fillerPhrases))]
}

// Canned utterances for degraded paths. They are spoken as-is, so they are
// written the way the interviewer talks.
const (
	cannedProbe = "That's interesting. Could you walk me through that in a bit more detail?"

	cannedApology = "I'm sorry, we seem to be having some technical difficulties " +
		"with the audio connection. Please bear with us."

	cannedStillThere = "Are you still there? Take your time, but let me know " +
		"when you're ready to continue."
)

// greetingFor composes the session-opening interviewer utterance.
func greetingFor(firstName string) string {
	if firstName == "" {
		return "Hello, and welcome. Thanks for joining this interview today. " +
			"Let's start with you telling me a bit about yourself."
	}
	return "Hello " + firstName + ", and welcome. Thanks for joining this " +
		"interview today. Let's start with you telling me a bit about yourself."
}

var (
	codeFence      = regexp.MustCompile("(?s)```.*?```")
	inlineCode     = regexp.MustCompile("`([^`]*)`")
	markdownLink   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	headingMarker  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletMarker   = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	emphasisMarker = regexp.MustCompile(`[*_]{1,3}([^*_]+)[*_]{1,3}`)
	blankRuns      = regexp.MustCompile(`\s+`)
)

// StripMarkdown converts model output into speakable plain text: code
// blocks removed, formatting markers dropped, links reduced to their labels,
// whitespace collapsed. TTS engines read markdown punctuation aloud, so
// every interviewer utterance passes through here before synthesis.
func StripMarkdown(s string) string {
	s = codeFence.ReplaceAllString(s, "")
	s = inlineCode.ReplaceAllString(s, "$1")
	s = markdownLink.ReplaceAllString(s, "$1")
	s = headingMarker.ReplaceAllString(s, "")
	s = bulletMarker.ReplaceAllString(s, "")
	s = emphasisMarker.ReplaceAllString(s, "$1")
	s = blankRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
