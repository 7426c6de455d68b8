// Package outcome assembles the canonical end-of-session record: the
// keyword-based hirability score, the LLM final review, and the persisted
// outcome document with its fixed key set.
package outcome

import (
	"math"
	"strings"

	"github.com/voxhire/voxhire/internal/knowledge"
)

// CategoryScores is the scores block of the outcome document. All values are
// floats in [0, 100] with one decimal place.
type CategoryScores struct {
	Technical  float64 `json:"technical"`
	AIML       float64 `json:"ai_ml"`
	Experience float64 `json:"experience"`
	Education  float64 `json:"education"`
	Soft       float64 `json:"soft"`
	Overall    float64 `json:"overall"`
}

// Recommendation bands.
const (
	StrongHire = "Strong Hire"
	Hire       = "Hire"
	WeakHire   = "Weak Hire"
	WeakNoHire = "Weak No Hire"
	NoHire     = "No Hire"
)

// scoringCategory pairs a weighted keyword table with its outcome field. A
// keyword found in the candidate's claims scores 2 when the job description
// also asks for it, 1 otherwise; the denominator is the table's maximum
// possible raw score.
type scoringCategory struct {
	name     string
	weight   float64
	keywords []string
}

var scoringCategories = []scoringCategory{
	{
		name:   "technical",
		weight: 0.30,
		keywords: []string{
			"python", "javascript", "typescript", "react", "vue.js", "angular",
			"node.js", "flask", "django", "java", "c++", "sql", "nosql",
			"mongodb", "postgresql", "mysql", "api", "rest", "graphql",
			"aws", "gcp", "azure", "cloud", "docker", "kubernetes",
			"git", "ci/cd", "devops", "microservices", "html", "css",
		},
	},
	{
		name:   "ai_ml",
		weight: 0.25,
		keywords: []string{
			"machine learning", "artificial intelligence", "ai", "ml",
			"pytorch", "tensorflow", "deep learning", "neural network",
			"data science", "nlp", "computer vision", "model", "algorithm",
			"pandas", "numpy", "scikit-learn", "keras", "opencv",
		},
	},
	{
		name:   "experience",
		weight: 0.20,
		keywords: []string{
			"senior", "lead", "architect", "manager", "years", "experience",
			"internship", "full-time", "engineer", "developer", "software",
			"project", "team", "leadership", "mentoring",
		},
	},
	{
		name:   "education",
		weight: 0.15,
		keywords: []string{
			"computer science", "software engineering", "engineering",
			"bachelor", "master", "phd", "degree", "university", "college",
			"iit", "mit", "stanford", "gpa", "coursework", "certification",
		},
	},
	{
		name:   "soft",
		weight: 0.10,
		keywords: []string{
			"communication", "collaboration", "teamwork", "problem solving",
			"leadership", "agile", "scrum", "project management",
			"analytical", "creative", "innovation", "documentation",
		},
	},
}

// ScoreResult is the scorer output: the category scores, the recommendation
// band, and the matched keywords per category.
type ScoreResult struct {
	Scores         CategoryScores
	Recommendation string
	Matches        map[string][]string
}

// Score computes the keyword-based hirability score: the candidate's
// profile and resume claims matched against the job-description claims.
func Score(kb *knowledge.KnowledgeBase) ScoreResult {
	var candidateParts, jobParts []string
	for _, claim := range kb.Claims() {
		if claim.Source == knowledge.SourceJobDesc {
			jobParts = append(jobParts, strings.ToLower(claim.Text))
		} else {
			candidateParts = append(candidateParts, strings.ToLower(claim.Text))
		}
	}
	candidateText := strings.Join(candidateParts, " ")
	jobText := strings.Join(jobParts, " ")

	result := ScoreResult{Matches: make(map[string][]string)}
	var overall float64
	for _, cat := range scoringCategories {
		raw := 0
		for _, kw := range cat.keywords {
			if !strings.Contains(candidateText, kw) {
				continue
			}
			result.Matches[cat.name] = append(result.Matches[cat.name], kw)
			if strings.Contains(jobText, kw) {
				raw += 2
			} else {
				raw++
			}
		}
		denominator := float64(len(cat.keywords) * 2)
		score := floor1(math.Min(100, float64(raw)/denominator*100))
		overall += score * cat.weight

		switch cat.name {
		case "technical":
			result.Scores.Technical = score
		case "ai_ml":
			result.Scores.AIML = score
		case "experience":
			result.Scores.Experience = score
		case "education":
			result.Scores.Education = score
		case "soft":
			result.Scores.Soft = score
		}
	}

	result.Scores.Overall = floor1(overall)
	result.Recommendation = recommendationFor(result.Scores.Overall)
	return result
}

// recommendationFor bands the overall score. Scores are floored to one
// decimal first, so a value just under an edge never rounds up into the
// better band.
func recommendationFor(overall float64) string {
	switch {
	case overall >= 80:
		return StrongHire
	case overall >= 65:
		return Hire
	case overall >= 50:
		return WeakHire
	case overall >= 35:
		return WeakNoHire
	default:
		return NoHire
	}
}

// floor1 truncates to one decimal place, rounding toward zero.
func floor1(x float64) float64 {
	return math.Floor(x*10) / 10
}
