package codemonitor

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors the poll loop distinguishes. A selector miss means the page
// is up but an expected element is absent (editor UI rev, slow render); a
// navigation loss means the page itself is gone.
var (
	ErrSelectorMiss   = errors.New("codemonitor: selector miss")
	ErrNavigationLost = errors.New("codemonitor: navigation lost")
)

// PageState is one raw read of the editor page, before snapshot derivation.
type PageState struct {
	EditorText     string
	Language       string
	QuestionID     string
	TestResultText string
	SubmitInFlight bool
}

// Surface abstracts the browsing session driving the editor page. The rod
// implementation is the production surface; tests substitute their own.
type Surface interface {
	// Navigate opens or re-opens the editor page at url.
	Navigate(ctx context.Context, url string) error

	// Read extracts the current page state through the configured selectors.
	// Returns ErrSelectorMiss when an expected element is absent and
	// ErrNavigationLost when the page itself is gone.
	Read(ctx context.Context) (PageState, error)

	// Close releases the browsing session.
	Close() error
}

// EditorURL substitutes the session and question placeholders into the
// configured editor URL template.
func EditorURL(template, sessionID, questionID string) string {
	url := strings.ReplaceAll(template, "{session_id}", sessionID)
	return strings.ReplaceAll(url, "{question_id}", questionID)
}
