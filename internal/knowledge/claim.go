// Package knowledge holds the per-session knowledge base: verified claims
// about the candidate extracted from profile, resume, and job-description
// ingestion artifacts, plus the Fact Oracle that answers "is this utterance
// consistent with what we know?" in bounded time.
//
// A KnowledgeBase is built once while the session is collecting and is
// immutable afterwards, so oracle checks are referentially transparent for
// the session lifetime.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/voxhire/voxhire/pkg/types"
)

// Source identifies which ingestion artifact a claim came from.
type Source string

const (
	SourceProfile Source = "profile"
	SourceResume  Source = "resume"
	SourceJobDesc Source = "jobdesc"
)

// IsValid reports whether s is a recognised source.
func (s Source) IsValid() bool {
	switch s {
	case SourceProfile, SourceResume, SourceJobDesc:
		return true
	}
	return false
}

// Category classifies what a claim is about.
type Category string

const (
	CategoryExperience  Category = "experience"
	CategoryEducation   Category = "education"
	CategorySkill       Category = "skill"
	CategoryProject     Category = "project"
	CategoryAchievement Category = "achievement"
	CategoryPersonal    Category = "personal"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryExperience, CategoryEducation, CategorySkill,
		CategoryProject, CategoryAchievement, CategoryPersonal:
		return true
	}
	return false
}

// categorySpecificity ranks categories for oracle tie-breaking. A match in a
// more specific category wins over an equally scored match in a vaguer one.
var categorySpecificity = map[Category]int{
	CategoryAchievement: 6,
	CategoryProject:     5,
	CategoryExperience:  4,
	CategoryEducation:   3,
	CategorySkill:       2,
	CategoryPersonal:    1,
}

// Specificity returns the tie-break rank of c. Unknown categories rank lowest.
func (c Category) Specificity() int {
	return categorySpecificity[c]
}

// Claim is one verified, normalized fact about the candidate.
type Claim struct {
	ID             string   `json:"id"`
	Source         Source   `json:"source"`
	Category       Category `json:"category"`
	Text           string   `json:"text"`
	NormalizedText string   `json:"normalized_text"`
	Confidence     float64  `json:"confidence"`

	// ArtifactStamp is the timestamp token from the source artifact's file
	// name. Lexicographic comparison orders artifacts by recency.
	ArtifactStamp string `json:"artifact_stamp,omitempty"`
}

// Normalize canonicalizes text for matching: lower-cased, punctuation
// stripped, whitespace collapsed to single spaces. Two claims with the same
// normalized text within a category are the same claim.
func Normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			space = false
		case !space:
			sb.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(sb.String())
}

// Tokens returns the normalized token set of text.
func Tokens(text string) []string {
	fields := strings.Fields(Normalize(text))
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// KnowledgeBase is the immutable per-session claim store. Construct one with
// Build or NewKnowledgeBase; never mutate claims after that.
type KnowledgeBase struct {
	candidateID string
	claims      []Claim
	byID        map[string]Claim
}

// NewKnowledgeBase assembles a knowledge base from already-extracted claims.
// Claims missing a normalized text get one; duplicates (same category and
// normalized text) are collapsed, keeping the higher-confidence entry.
func NewKnowledgeBase(candidateID string, claims []Claim) *KnowledgeBase {
	kb := &KnowledgeBase{
		candidateID: candidateID,
		byID:        make(map[string]Claim, len(claims)),
	}
	index := make(map[string]int, len(claims))
	for _, c := range claims {
		if c.NormalizedText == "" {
			c.NormalizedText = Normalize(c.Text)
		}
		if c.NormalizedText == "" {
			continue
		}
		key := string(c.Category) + "\x00" + c.NormalizedText
		if i, ok := index[key]; ok {
			if c.Confidence > kb.claims[i].Confidence {
				delete(kb.byID, kb.claims[i].ID)
				kb.claims[i] = c
				kb.byID[c.ID] = c
			}
			continue
		}
		index[key] = len(kb.claims)
		kb.claims = append(kb.claims, c)
		kb.byID[c.ID] = c
	}
	return kb
}

// CandidateID returns the candidate this knowledge base belongs to.
func (kb *KnowledgeBase) CandidateID() string { return kb.candidateID }

// Len returns the number of claims.
func (kb *KnowledgeBase) Len() int { return len(kb.claims) }

// Claims returns a copy of all claims.
func (kb *KnowledgeBase) Claims() []Claim {
	out := make([]Claim, len(kb.claims))
	copy(out, kb.claims)
	return out
}

// Claim looks up a claim by ID.
func (kb *KnowledgeBase) Claim(id string) (Claim, bool) {
	c, ok := kb.byID[id]
	return c, ok
}

// ByCategory returns all claims in the given category.
func (kb *KnowledgeBase) ByCategory(cat Category) []Claim {
	var out []Claim
	for _, c := range kb.claims {
		if c.Category == cat {
			out = append(out, c)
		}
	}
	return out
}

// BySource returns all claims from the given source.
func (kb *KnowledgeBase) BySource(src Source) []Claim {
	var out []Claim
	for _, c := range kb.claims {
		if c.Source == src {
			out = append(out, c)
		}
	}
	return out
}

// Facts returns the profile and resume claims, the corpus the oracle checks
// utterances against. Job-description claims describe the role, not the
// candidate, and are excluded.
func (kb *KnowledgeBase) Facts() []Claim {
	var out []Claim
	for _, c := range kb.claims {
		if c.Source != SourceJobDesc {
			out = append(out, c)
		}
	}
	return out
}

// CandidateName returns the candidate's display name from the personal
// claims, or "" if no name claim exists. Name claims are stored as
// "name: <display name>".
func (kb *KnowledgeBase) CandidateName() string {
	for _, c := range kb.claims {
		if c.Category != CategoryPersonal {
			continue
		}
		if rest, ok := strings.CutPrefix(c.Text, "name:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// FirstName returns the first word of the candidate's display name, for
// greeting turns.
func (kb *KnowledgeBase) FirstName() string {
	fields := strings.Fields(kb.CandidateName())
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Keywords extracts proper nouns from the claim texts as STT keyword boosts,
// so the transcriber favors employer names, framework names, and acronyms the
// candidate is likely to say. At most limit keywords are returned.
func (kb *KnowledgeBase) Keywords(limit int) []types.KeywordBoost {
	seen := make(map[string]struct{})
	var out []types.KeywordBoost
	for _, c := range kb.claims {
		for _, word := range strings.Fields(c.Text) {
			word = strings.Trim(word, ".,;:()[]\"'")
			if len(word) < 3 || !startsUpper(word) {
				continue
			}
			key := strings.ToLower(word)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, types.KeywordBoost{Keyword: word, Boost: 1.0})
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

// Digest returns a stable fingerprint of the knowledge base contents, used
// as the outcome document's knowledge_base_digest pointer.
func (kb *KnowledgeBase) Digest() string {
	keys := make([]string, 0, len(kb.claims))
	for _, c := range kb.claims {
		keys = append(keys, string(c.Source)+"/"+string(c.Category)+"/"+c.NormalizedText)
	}
	sort.Strings(keys)
	h := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return fmt.Sprintf("sha256:%s claims:%d", hex.EncodeToString(h[:8]), len(kb.claims))
}
