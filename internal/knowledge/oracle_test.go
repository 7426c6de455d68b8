package knowledge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhire/voxhire/internal/knowledge"
	embedmock "github.com/voxhire/voxhire/pkg/provider/embeddings/mock"
)

func factBase(t *testing.T) *knowledge.KnowledgeBase {
	t.Helper()
	return knowledge.NewKnowledgeBase("cand-1", []knowledge.Claim{
		{ID: "exp-acme", Source: knowledge.SourceResume, Category: knowledge.CategoryExperience,
			Text: "Software engineer at Acme for 3 years", Confidence: 0.95, ArtifactStamp: "20260201"},
		{ID: "edu-cam", Source: knowledge.SourceProfile, Category: knowledge.CategoryEducation,
			Text: "Bachelor degree from Cambridge", Confidence: 0.9, ArtifactStamp: "20260101"},
		{ID: "skill-go", Source: knowledge.SourceProfile, Category: knowledge.CategorySkill,
			Text: "Proficient in Go and Kubernetes", Confidence: 0.9, ArtifactStamp: "20260101"},
		{ID: "jd-k8s", Source: knowledge.SourceJobDesc, Category: knowledge.CategorySkill,
			Text: "Kubernetes experience required for this role", Confidence: 1.0, ArtifactStamp: "20260101"},
	})
}

func TestOracle_BestMatchOnAlignedUtterance(t *testing.T) {
	oracle, err := knowledge.NewOracle(context.Background(), factBase(t))
	require.NoError(t, err)

	res, err := oracle.Check(context.Background(), "I worked as a software engineer at Acme for 3 years")
	require.NoError(t, err)

	require.NotNil(t, res.BestMatch)
	assert.Equal(t, "exp-acme", res.BestMatch.ID)
	assert.Greater(t, res.Score, 0.7)
}

func TestOracle_ExactMatchScoresOne(t *testing.T) {
	oracle, err := knowledge.NewOracle(context.Background(), factBase(t))
	require.NoError(t, err)

	res, err := oracle.Check(context.Background(), "Software engineer at Acme for 3 years!")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
}

func TestOracle_ScoreMonotonicWithAlignment(t *testing.T) {
	oracle, err := knowledge.NewOracle(context.Background(), factBase(t))
	require.NoError(t, err)

	strong, err := oracle.Check(context.Background(), "software engineer at Acme for 3 years")
	require.NoError(t, err)
	weak, err := oracle.Check(context.Background(), "I once visited an office")
	require.NoError(t, err)

	assert.Greater(t, strong.Score, weak.Score,
		"a better-aligned utterance must never score below a worse one")
	assert.GreaterOrEqual(t, weak.Score, 0.0)
	assert.LessOrEqual(t, strong.Score, 1.0)
}

func TestOracle_JobDescriptionClaimsExcluded(t *testing.T) {
	oracle, err := knowledge.NewOracle(context.Background(), factBase(t))
	require.NoError(t, err)

	res, err := oracle.Check(context.Background(), "Kubernetes experience required for this role")
	require.NoError(t, err)

	require.NotNil(t, res.BestMatch)
	assert.NotEqual(t, "jd-k8s", res.BestMatch.ID)
	for _, m := range res.Matches {
		assert.NotEqual(t, knowledge.SourceJobDesc, m.Claim.Source)
	}
}

func TestOracle_TieBreakByCategorySpecificity(t *testing.T) {
	kb := knowledge.NewKnowledgeBase("cand-1", []knowledge.Claim{
		{ID: "skill", Source: knowledge.SourceProfile, Category: knowledge.CategorySkill,
			Text: "distributed systems", Confidence: 0.9, ArtifactStamp: "20260101"},
		{ID: "project", Source: knowledge.SourceProfile, Category: knowledge.CategoryProject,
			Text: "distributed systems", Confidence: 0.9, ArtifactStamp: "20260101"},
	})
	oracle, err := knowledge.NewOracle(context.Background(), kb)
	require.NoError(t, err)

	res, err := oracle.Check(context.Background(), "distributed systems")
	require.NoError(t, err)
	assert.Equal(t, "project", res.BestMatch.ID,
		"equal scores break toward the more specific category")
}

func TestOracle_TieBreakByTokenOverlap(t *testing.T) {
	// The constant-vector embedder scores every fact 1.0, forcing ties that
	// only the overlap tie-break can resolve.
	embedder := &embedmock.Provider{EmbedResult: []float32{0.3, 0.5, 0.2}, DimensionsValue: 3}
	kb := knowledge.NewKnowledgeBase("cand-1", []knowledge.Claim{
		{ID: "hiking", Source: knowledge.SourceProfile, Category: knowledge.CategorySkill,
			Text: "enjoys alpine hiking", Confidence: 0.9, ArtifactStamp: "20260101"},
		{ID: "rust", Source: knowledge.SourceProfile, Category: knowledge.CategorySkill,
			Text: "rust systems programming", Confidence: 0.9, ArtifactStamp: "20260101"},
	})
	oracle, err := knowledge.NewOracle(context.Background(), kb, knowledge.WithEmbeddings(embedder))
	require.NoError(t, err)

	res, err := oracle.Check(context.Background(), "rust")
	require.NoError(t, err)
	assert.Equal(t, "rust", res.BestMatch.ID)
}

func TestOracle_TieBreakByNewerSource(t *testing.T) {
	embedder := &embedmock.Provider{EmbedResult: []float32{0.3, 0.5, 0.2}, DimensionsValue: 3}
	kb := knowledge.NewKnowledgeBase("cand-1", []knowledge.Claim{
		{ID: "old", Source: knowledge.SourceProfile, Category: knowledge.CategorySkill,
			Text: "fluent in Rust", Confidence: 0.9, ArtifactStamp: "20250101"},
		{ID: "new", Source: knowledge.SourceResume, Category: knowledge.CategorySkill,
			Text: "fluent in Java", Confidence: 0.9, ArtifactStamp: "20260201"},
	})
	oracle, err := knowledge.NewOracle(context.Background(), kb, knowledge.WithEmbeddings(embedder))
	require.NoError(t, err)

	// No lexical signal at all: equal semantic scores, equal specificity,
	// zero overlap. The newer artifact wins.
	res, err := oracle.Check(context.Background(), "what do you enjoy outside work")
	require.NoError(t, err)
	assert.Equal(t, "new", res.BestMatch.ID)
}

func TestOracle_EmptyKnowledgeBase(t *testing.T) {
	kb := knowledge.NewKnowledgeBase("cand-1", nil)
	oracle, err := knowledge.NewOracle(context.Background(), kb)
	require.NoError(t, err)

	res, err := oracle.Check(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.Nil(t, res.BestMatch)
	assert.Zero(t, res.Score)
	assert.Equal(t, "(no verified facts on record)", res.FactBundle())
}

func TestOracle_FactBundleOmitsSources(t *testing.T) {
	oracle, err := knowledge.NewOracle(context.Background(), factBase(t))
	require.NoError(t, err)

	res, err := oracle.Check(context.Background(), "I studied at Cambridge")
	require.NoError(t, err)

	bundle := res.FactBundle()
	assert.Contains(t, bundle, "Bachelor degree from Cambridge")
	assert.Contains(t, bundle, "[education]")
	assert.NotContains(t, bundle, "ingest", "bundle must not leak artifact paths")
	assert.NotContains(t, bundle, ".json")
}

func TestOracle_ReferentiallyTransparent(t *testing.T) {
	oracle, err := knowledge.NewOracle(context.Background(), factBase(t))
	require.NoError(t, err)

	first, err := oracle.Check(context.Background(), "I worked at Acme")
	require.NoError(t, err)
	second, err := oracle.Check(context.Background(), "I worked at Acme")
	require.NoError(t, err)

	assert.Equal(t, first.BestMatch.ID, second.BestMatch.ID)
	assert.Equal(t, first.Score, second.Score)
}

func TestOracle_WithEmbeddingsIndexesFacts(t *testing.T) {
	embedder := &embedmock.Provider{
		EmbedResult:     []float32{0.3, 0.5, 0.2},
		DimensionsValue: 3,
	}
	oracle, err := knowledge.NewOracle(context.Background(), factBase(t),
		knowledge.WithEmbeddings(embedder))
	require.NoError(t, err)

	// One embedding per non-jobdesc fact at index time.
	assert.Len(t, embedder.EmbedCalls, 3)

	res, err := oracle.Check(context.Background(), "I studied at Cambridge")
	require.NoError(t, err)

	// The query itself was embedded too.
	assert.Len(t, embedder.EmbedCalls, 4)
	require.NotNil(t, res.BestMatch)
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.GreaterOrEqual(t, res.Score, 0.0)
}
