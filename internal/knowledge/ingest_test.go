package knowledge_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhire/voxhire/internal/knowledge"
)

func writeArtifact(t *testing.T, dataRoot, name, content string) {
	t.Helper()
	dir := filepath.Join(dataRoot, "ingest")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const profileJSON = `{
  "candidate": "cand-1",
  "name": "Ada Lovelace",
  "claims": [
    {"category": "experience", "text": "Junior developer at Microsoft, 2 yrs", "confidence": 0.95},
    {"category": "skill", "text": "Proficient in Go and Python", "confidence": 0.9},
    {"category": "hologram", "text": "unknown categories are skipped"}
  ]
}`

const resumeText = `Ada Lovelace
Senior engineer at Acme for 3 years
Bachelor degree from Cambridge
Awarded the Lovelace Medal in 1843
Built an analytical engine compiler project
Go, Python, Kubernetes
`

func TestFindArtifacts_NewestByLexicographicStamp(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-1_profile_20260101T000000.json", `{"name":"Old"}`)
	writeArtifact(t, root, "cand-1_profile_20260301T000000.json", `{"name":"New"}`)
	writeArtifact(t, root, "cand-1_resume_20260201T000000.txt", resumeText)
	writeArtifact(t, root, "cand-2_profile_20260401T000000.json", `{"name":"Other"}`)

	artifacts, err := knowledge.FindArtifacts(root, "cand-1")
	require.NoError(t, err)

	assert.Contains(t, artifacts.ProfilePath, "20260301T000000")
	assert.Contains(t, artifacts.ResumePath, "20260201T000000")
	assert.Empty(t, artifacts.JobDescPath)
	assert.Equal(t, "20260301T000000", artifacts.Stamps[knowledge.SourceProfile])
}

func TestFindArtifacts_SharedJobDescriptionFallback(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-1_profile_20260101T000000.json", profileJSON)
	writeArtifact(t, root, "job_description.txt", "Senior Go engineer with Kubernetes experience required")

	artifacts, err := knowledge.FindArtifacts(root, "cand-1")
	require.NoError(t, err)
	assert.Contains(t, artifacts.JobDescPath, "job_description.txt")
}

func TestBuild_MergesProfileAndResume(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-1_profile_20260101T000000.json", profileJSON)
	writeArtifact(t, root, "cand-1_resume_20260201T000000.txt", resumeText)
	writeArtifact(t, root, "cand-1_jobdesc_20260101T000000.txt", "Senior Go engineer with Kubernetes experience required")

	kb, err := knowledge.Build(context.Background(), root, "cand-1")
	require.NoError(t, err)

	assert.Equal(t, "Ada Lovelace", kb.CandidateName())
	assert.NotEmpty(t, kb.BySource(knowledge.SourceProfile))
	assert.NotEmpty(t, kb.BySource(knowledge.SourceResume))
	assert.NotEmpty(t, kb.BySource(knowledge.SourceJobDesc))

	// The unknown-category profile claim is skipped.
	for _, c := range kb.Claims() {
		assert.True(t, c.Category.IsValid(), "claim %q has invalid category %q", c.Text, c.Category)
	}
}

func TestBuild_ResumeLineCategorization(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-1_resume_20260201T000000.txt", resumeText)

	kb, err := knowledge.Build(context.Background(), root, "cand-1")
	require.NoError(t, err)

	byText := map[string]knowledge.Category{}
	for _, c := range kb.Claims() {
		byText[c.Text] = c.Category
	}
	assert.Equal(t, knowledge.CategoryExperience, byText["Senior engineer at Acme for 3 years"])
	assert.Equal(t, knowledge.CategoryEducation, byText["Bachelor degree from Cambridge"])
	assert.Equal(t, knowledge.CategoryAchievement, byText["Awarded the Lovelace Medal in 1843"])
	assert.Equal(t, knowledge.CategoryProject, byText["Built an analytical engine compiler project"])
	assert.Equal(t, knowledge.CategorySkill, byText["Go, Python, Kubernetes"])

	// Two-word lines carry no checkable fact.
	assert.NotContains(t, byText, "Ada Lovelace")
}

func TestBuild_NoArtifacts(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-2_profile_20260101T000000.json", profileJSON)

	_, err := knowledge.Build(context.Background(), root, "cand-1")
	assert.ErrorIs(t, err, knowledge.ErrNoArtifacts)
}

func TestBuild_MissingIngestDir(t *testing.T) {
	_, err := knowledge.Build(context.Background(), t.TempDir(), "cand-1")
	assert.Error(t, err)
}

func TestBuild_MalformedProfileWithoutResumeFails(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-1_profile_20260101T000000.json", `{not json`)

	_, err := knowledge.Build(context.Background(), root, "cand-1")
	assert.Error(t, err)
}

func TestBuild_BadResumeDegradesWhenProfileExists(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-1_profile_20260101T000000.json", profileJSON)
	// A .pdf extension with garbage bytes fails PDF parsing.
	writeArtifact(t, root, "cand-1_resume_20260201T000000.pdf", "not a pdf")

	kb, err := knowledge.Build(context.Background(), root, "cand-1")
	require.NoError(t, err)
	assert.Empty(t, kb.BySource(knowledge.SourceResume))
	assert.NotEmpty(t, kb.BySource(knowledge.SourceProfile))
}

func TestExperienceYears(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "cand-1_resume_20260201T000000.txt",
		"Senior engineer at Acme for 3 years\nIntern at Initech for 1 year\n")

	kb, err := knowledge.Build(context.Background(), root, "cand-1")
	require.NoError(t, err)

	assert.Equal(t, 3, knowledge.ExperienceYears(kb.Claims()))
}

func TestExperienceYears_NoFigure(t *testing.T) {
	claims := []knowledge.Claim{
		{Category: knowledge.CategorySkill, Text: "knows Go", NormalizedText: "knows go"},
	}
	assert.Equal(t, 0, knowledge.ExperienceYears(claims))
}
