package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	chromem "github.com/philippgille/chromem-go"

	"github.com/voxhire/voxhire/pkg/provider/embeddings"
)

// Match pairs a claim with its consistency score against an utterance.
type Match struct {
	Claim Claim
	Score float64

	// overlap is the shared-token count, kept for tie-breaking.
	overlap int
}

// CheckResult is the oracle's answer for one utterance.
type CheckResult struct {
	// BestMatch is the claim most consistent with the utterance, nil when
	// the knowledge base holds no facts.
	BestMatch *Claim

	// Score is BestMatch's consistency score in [0, 1]. Higher means the
	// utterance aligns more strongly with the known fact.
	Score float64

	// Contradictions are same-category facts that touch the utterance's
	// topic but align weakly with its content. They are what the verifier
	// weighs the utterance against.
	Contradictions []Claim

	// Matches are the top-scoring claims in rank order, the raw material
	// for the verification fact bundle.
	Matches []Match
}

// FactBundle renders the matched facts as a prompt-ready list. The bundle
// cites categories and confidences but never artifact paths, so nudges
// composed from it cannot leak raw sources.
func (r CheckResult) FactBundle() string {
	if len(r.Matches) == 0 {
		return "(no verified facts on record)"
	}
	var sb strings.Builder
	for _, m := range r.Matches {
		fmt.Fprintf(&sb, "- [%s] %s (confidence %.2f)\n", m.Claim.Category, m.Claim.Text, m.Claim.Confidence)
	}
	return strings.TrimRight(sb.String(), "\n")
}

const (
	// bundleSize bounds how many facts a verification prompt carries.
	bundleSize = 8

	// contradictionCutoff is the score below which a topically related fact
	// counts as a potential contradiction rather than support.
	contradictionCutoff = 0.55
)

// Oracle answers consistency checks against an immutable knowledge base.
// Checks are pure lookups: same utterance, same result, for the whole
// session.
type Oracle struct {
	kb    *KnowledgeBase
	facts []Claim

	embedder   embeddings.Provider
	collection *chromem.Collection
}

// OracleOption configures an Oracle during construction.
type OracleOption func(*Oracle)

// WithEmbeddings adds semantic similarity to the oracle's lexical matching.
// Without it the oracle runs on substring and token matching alone.
func WithEmbeddings(p embeddings.Provider) OracleOption {
	return func(o *Oracle) { o.embedder = p }
}

// NewOracle indexes the knowledge base's candidate facts. Job-description
// claims are excluded from checks; they describe the role, not the person.
func NewOracle(ctx context.Context, kb *KnowledgeBase, opts ...OracleOption) (*Oracle, error) {
	o := &Oracle{kb: kb, facts: kb.Facts()}
	for _, opt := range opts {
		opt(o)
	}

	if o.embedder != nil && len(o.facts) > 0 {
		db := chromem.NewDB()
		embed := func(ctx context.Context, text string) ([]float32, error) {
			return o.embedder.Embed(ctx, text)
		}
		collection, err := db.CreateCollection("facts", nil, embed)
		if err != nil {
			return nil, fmt.Errorf("knowledge: create fact index: %w", err)
		}
		for _, c := range o.facts {
			err := collection.AddDocument(ctx, chromem.Document{
				ID:      c.ID,
				Content: c.NormalizedText,
				Metadata: map[string]string{
					"category": string(c.Category),
					"source":   string(c.Source),
				},
			})
			if err != nil {
				return nil, fmt.Errorf("knowledge: index claim %s: %w", c.ID, err)
			}
		}
		o.collection = collection
	}
	return o, nil
}

// Check scores the utterance against every candidate fact and returns the
// ranked result. The score is monotonic in [0, 1]; equal scores are broken
// by more specific category, then longer token overlap, then newer source.
func (o *Oracle) Check(ctx context.Context, utterance string) (CheckResult, error) {
	if len(o.facts) == 0 {
		return CheckResult{}, nil
	}

	normalized := Normalize(utterance)
	tokens := Tokens(utterance)

	semantic, err := o.semanticScores(ctx, normalized)
	if err != nil {
		return CheckResult{}, err
	}

	matches := make([]Match, 0, len(o.facts))
	for _, c := range o.facts {
		score, overlap := lexicalScore(normalized, tokens, c.NormalizedText)
		if s, ok := semantic[c.ID]; ok && s > score {
			score = s
		}
		matches = append(matches, Match{Claim: c, Score: score, overlap: overlap})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if sa, sb := a.Claim.Category.Specificity(), b.Claim.Category.Specificity(); sa != sb {
			return sa > sb
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		return a.Claim.ArtifactStamp > b.Claim.ArtifactStamp
	})

	if len(matches) > bundleSize {
		matches = matches[:bundleSize]
	}

	best := matches[0].Claim
	result := CheckResult{
		BestMatch: &best,
		Score:     matches[0].Score,
		Matches:   matches,
	}
	for _, m := range matches[1:] {
		if m.Claim.Category == best.Category && m.overlap > 0 && m.Score < contradictionCutoff {
			result.Contradictions = append(result.Contradictions, m.Claim)
		}
	}
	return result, nil
}

// semanticScores queries the embedding index, mapping claim ID to cosine
// similarity. Returns an empty map when no index was built.
func (o *Oracle) semanticScores(ctx context.Context, normalized string) (map[string]float64, error) {
	if o.collection == nil || normalized == "" {
		return nil, nil
	}
	n := bundleSize
	if count := o.collection.Count(); count < n {
		n = count
	}
	results, err := o.collection.Query(ctx, normalized, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: query fact index: %w", err)
	}
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		s := float64(r.Similarity)
		if s < 0 {
			s = 0
		} else if s > 1 {
			s = 1
		}
		scores[r.ID] = s
	}
	return scores, nil
}

// lexicalScore combines substring containment, token overlap, and
// Jaro-Winkler string similarity into one score in [0, 1], and reports the
// shared-token count.
func lexicalScore(utterance string, utteranceTokens []string, fact string) (float64, int) {
	if utterance == "" || fact == "" {
		return 0, 0
	}
	if utterance == fact {
		return 1, len(utteranceTokens)
	}

	var substring float64
	if strings.Contains(utterance, fact) || strings.Contains(fact, utterance) {
		shorter, longer := len(fact), len(utterance)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		substring = float64(shorter) / float64(longer)
	}

	factTokens := Tokens(fact)
	overlap := sharedTokens(utteranceTokens, factTokens)
	minLen := len(utteranceTokens)
	if len(factTokens) < minLen {
		minLen = len(factTokens)
	}
	var overlapScore float64
	if minLen > 0 {
		overlapScore = float64(overlap) / float64(minLen)
	}

	jw := matchr.JaroWinkler(utterance, fact, false)
	if jw < 0 {
		jw = 0
	} else if jw > 1 {
		jw = 1
	}

	score := 0.6*overlapScore + 0.4*jw
	if substring > score {
		score = substring
	}
	if score > 1 {
		score = 1
	}
	return score, overlap
}

func sharedTokens(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	n := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}
