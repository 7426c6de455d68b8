package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

// ErrNoArtifacts is returned by Build when no ingestion artifact exists for
// the candidate under the data root.
var ErrNoArtifacts = errors.New("knowledge: no ingestion artifacts for candidate")

// Ingestion artifacts live under <data_root>/ingest and follow the naming
// scheme <candidate>_<kind>_<timestamp>.<ext>, where the timestamp token
// sorts lexicographically (e.g. 20260824T101500). The newest artifact of
// each kind wins. A bare job_description.txt applies to every candidate.
const ingestDir = "ingest"

// Artifacts holds the resolved newest artifact path per kind. Empty paths
// mean the artifact does not exist.
type Artifacts struct {
	ProfilePath string
	ResumePath  string
	JobDescPath string

	// Stamps are the timestamp tokens parsed from the file names, keyed by
	// source. Used for the oracle's source-recency tie-break.
	Stamps map[Source]string
}

var artifactName = regexp.MustCompile(`^(.+)_(profile|resume|jobdesc)_([0-9TtZz:-]+)\.(json|pdf|txt)$`)

// FindArtifacts locates the most recent ingestion artifacts for candidateID
// under dataRoot, ordering candidates' files by the lexicographic timestamp
// embedded in the file name.
func FindArtifacts(dataRoot, candidateID string) (Artifacts, error) {
	dir := filepath.Join(dataRoot, ingestDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Artifacts{}, fmt.Errorf("knowledge: read ingest dir: %w", err)
	}

	type candidate struct {
		path  string
		stamp string
	}
	newest := map[Source]candidate{}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		m := artifactName.FindStringSubmatch(name)
		if m == nil || m[1] != candidateID {
			continue
		}
		src := Source(m[2])
		cur := candidate{path: filepath.Join(dir, name), stamp: m[3]}
		if prev, ok := newest[src]; !ok || cur.stamp > prev.stamp {
			newest[src] = cur
		}
	}

	out := Artifacts{Stamps: make(map[Source]string, len(newest))}
	for src, c := range newest {
		out.Stamps[src] = c.stamp
		switch src {
		case SourceProfile:
			out.ProfilePath = c.path
		case SourceResume:
			out.ResumePath = c.path
		case SourceJobDesc:
			out.JobDescPath = c.path
		}
	}

	// Shared job description fallback.
	if out.JobDescPath == "" {
		shared := filepath.Join(dir, "job_description.txt")
		if _, err := os.Stat(shared); err == nil {
			out.JobDescPath = shared
		}
	}
	return out, nil
}

// Build locates the candidate's ingestion artifacts under dataRoot, parses
// them, and assembles the session's knowledge base. Profile and resume
// claims are merged; duplicates within a category are deduped. At least one
// of profile or resume must exist.
func Build(ctx context.Context, dataRoot, candidateID string) (*KnowledgeBase, error) {
	artifacts, err := FindArtifacts(dataRoot, candidateID)
	if err != nil {
		return nil, err
	}
	if artifacts.ProfilePath == "" && artifacts.ResumePath == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoArtifacts, candidateID)
	}

	var claims []Claim
	if artifacts.ProfilePath != "" {
		cs, err := parseProfile(artifacts.ProfilePath, artifacts.Stamps[SourceProfile])
		if err != nil {
			return nil, err
		}
		claims = append(claims, cs...)
	}
	if artifacts.ResumePath != "" {
		cs, err := parseResume(ctx, artifacts.ResumePath, artifacts.Stamps[SourceResume])
		if err != nil {
			// A resume that fails to parse degrades the knowledge base but
			// does not block the session when a profile exists.
			if artifacts.ProfilePath == "" {
				return nil, err
			}
			slog.Warn("resume artifact unusable, continuing with profile only",
				"path", artifacts.ResumePath, "error", err)
		} else {
			claims = append(claims, cs...)
		}
	}
	if artifacts.JobDescPath != "" {
		cs, err := parseJobDescription(artifacts.JobDescPath, artifacts.Stamps[SourceJobDesc])
		if err != nil {
			slog.Warn("job description artifact unusable, scoring will lack role context",
				"path", artifacts.JobDescPath, "error", err)
		} else {
			claims = append(claims, cs...)
		}
	}

	kb := NewKnowledgeBase(candidateID, claims)
	slog.Info("knowledge base built",
		"candidate", candidateID, "claims", kb.Len(), "digest", kb.Digest())
	return kb, nil
}

// profileDocument is the structured record shape the profile ingestion
// pipeline writes.
type profileDocument struct {
	Candidate string `json:"candidate"`
	Name      string `json:"name"`
	Claims    []struct {
		Category   string  `json:"category"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"claims"`
}

func parseProfile(path, stamp string) ([]Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read profile artifact: %w", err)
	}
	var doc profileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("knowledge: parse profile artifact %s: %w", filepath.Base(path), err)
	}

	var claims []Claim
	if doc.Name != "" {
		claims = append(claims, Claim{
			ID:            uuid.NewString(),
			Source:        SourceProfile,
			Category:      CategoryPersonal,
			Text:          "name: " + doc.Name,
			Confidence:    1.0,
			ArtifactStamp: stamp,
		})
	}
	for _, rec := range doc.Claims {
		cat := Category(rec.Category)
		if !cat.IsValid() {
			slog.Warn("profile claim with unknown category skipped",
				"category", rec.Category, "text", rec.Text)
			continue
		}
		conf := rec.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.95
		}
		claims = append(claims, Claim{
			ID:            uuid.NewString(),
			Source:        SourceProfile,
			Category:      cat,
			Text:          rec.Text,
			Confidence:    conf,
			ArtifactStamp: stamp,
		})
	}
	return claims, nil
}

func parseResume(ctx context.Context, path, stamp string) ([]Claim, error) {
	var text string
	var err error
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err = extractPDFText(ctx, path)
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		text = string(data)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: extract resume text: %w", err)
	}
	return claimsFromText(text, SourceResume, stamp, 0.8), nil
}

func parseJobDescription(path, stamp string) ([]Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read job description: %w", err)
	}
	return claimsFromText(string(data), SourceJobDesc, stamp, 1.0), nil
}

func extractPDFText(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var sb strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("pdf page extraction failed", "page", pageNum, "error", err)
			continue
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// claimsFromText flattens free text into one claim per substantive line.
// Bullets and list markers are stripped; very short lines carry no checkable
// fact and are dropped.
func claimsFromText(text string, src Source, stamp string, confidence float64) []Claim {
	var claims []Claim
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, " \t-*•·"))
		if len(strings.Fields(line)) < 3 {
			continue
		}
		claims = append(claims, Claim{
			ID:            uuid.NewString(),
			Source:        src,
			Category:      categorize(line),
			Text:          line,
			Confidence:    confidence,
			ArtifactStamp: stamp,
		})
	}
	return claims
}

// categoryCues maps categories to the keywords that signal them in free
// text. First category with a hit wins; the order below goes from the most
// to the least distinctive cue set.
var categoryCues = []struct {
	cat  Category
	cues []string
}{
	{CategoryEducation, []string{"university", "college", "degree", "bachelor", "master", "phd", "diploma", "graduated", "gpa"}},
	{CategoryAchievement, []string{"award", "awarded", "certified", "certification", "patent", "published", "winner", "prize"}},
	{CategoryProject, []string{"project", "built", "developed", "designed", "implemented", "created", "launched", "open source", "open-source"}},
	{CategoryExperience, []string{"engineer", "developer", "manager", "worked", "years", "employed", "intern", "lead", "senior", "junior", "company"}},
	{CategorySkill, []string{"proficient", "skilled", "experienced with", "familiar", "languages", "frameworks", "tools", "stack"}},
}

// categorize assigns a claim category to a free-text line by keyword cues.
// Lines with no cue default to skill, the safest bucket for resume noise.
func categorize(line string) Category {
	lower := strings.ToLower(line)
	for _, group := range categoryCues {
		for _, cue := range group.cues {
			if strings.Contains(lower, cue) {
				return group.cat
			}
		}
	}
	return CategorySkill
}

// ExperienceYears estimates the candidate's total professional experience
// from the experience claims, taking the largest "N years" figure stated.
// Returns 0 when no claim states a figure.
func ExperienceYears(claims []Claim) int {
	best := 0
	for _, c := range claims {
		if c.Category != CategoryExperience {
			continue
		}
		for _, m := range yearsPattern.FindAllStringSubmatch(c.NormalizedText, -1) {
			var n int
			if _, err := fmt.Sscanf(m[1], "%d", &n); err == nil && n > best && n < 60 {
				best = n
			}
		}
	}
	return best
}

var yearsPattern = regexp.MustCompile(`(\d{1,2})\s*(?:\+\s*)?(?:years?|yrs?)`)
