package codemonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/voxhire/voxhire/internal/config"
)

const defaultElementTimeout = 3 * time.Second

// RodSurface drives a headless Chrome session via go-rod. It owns the browser
// for its lifetime; the monitor is its only caller.
type RodSurface struct {
	selectors      config.SelectorConfig
	elementTimeout time.Duration

	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// RodOption configures a RodSurface.
type RodOption func(*RodSurface)

// WithElementTimeout bounds a single selector lookup. The default is 3s.
func WithElementTimeout(d time.Duration) RodOption {
	return func(s *RodSurface) {
		if d > 0 {
			s.elementTimeout = d
		}
	}
}

// NewRodSurface launches a headless browser and returns a surface bound to the
// given selectors. The page is opened on the first Navigate call.
func NewRodSurface(selectors config.SelectorConfig, opts ...RodOption) (*RodSurface, error) {
	s := &RodSurface{
		selectors:      selectors,
		elementTimeout: defaultElementTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.launcher = launcher.New().Headless(true)
	controlURL, err := s.launcher.Launch()
	if err != nil {
		return nil, fmt.Errorf("codemonitor: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		s.launcher.Cleanup()
		return nil, fmt.Errorf("codemonitor: connect browser: %w", err)
	}
	s.browser = browser
	return s, nil
}

// Navigate opens the editor page, replacing any previous page.
func (s *RodSurface) Navigate(ctx context.Context, url string) error {
	if s.page == nil {
		page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
		if err != nil {
			return fmt.Errorf("%w: open page: %v", ErrNavigationLost, err)
		}
		s.page = page
	} else if err := s.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("%w: navigate: %v", ErrNavigationLost, err)
	}
	if err := s.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("%w: wait load: %v", ErrNavigationLost, err)
	}
	return nil
}

// Read extracts the editor state through the configured selectors.
func (s *RodSurface) Read(ctx context.Context) (PageState, error) {
	if s.page == nil {
		return PageState{}, ErrNavigationLost
	}
	page := s.page.Context(ctx)
	if _, err := page.Info(); err != nil {
		return PageState{}, fmt.Errorf("%w: %v", ErrNavigationLost, err)
	}

	var state PageState

	editor, err := s.element(page, s.selectors.Editor)
	if err != nil {
		return PageState{}, err
	}
	if state.EditorText, err = editor.Text(); err != nil {
		return PageState{}, fmt.Errorf("%w: editor text: %v", ErrSelectorMiss, err)
	}
	state.Language = attribute(editor, "data-language")
	state.QuestionID = attribute(editor, "data-question-id")

	submit, err := s.element(page, s.selectors.Submit)
	if err != nil {
		return PageState{}, err
	}
	// The submit button reports an in-flight submission by disabling itself
	// or flagging aria-busy.
	state.SubmitInFlight = hasAttribute(submit, "disabled") ||
		attribute(submit, "aria-busy") == "true"

	result, err := s.element(page, s.selectors.TestResult)
	if err != nil {
		return PageState{}, err
	}
	if state.TestResultText, err = result.Text(); err != nil {
		return PageState{}, fmt.Errorf("%w: test result text: %v", ErrSelectorMiss, err)
	}

	return state, nil
}

func (s *RodSurface) element(page *rod.Page, selector string) (*rod.Element, error) {
	el, err := page.Timeout(s.elementTimeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSelectorMiss, selector, err)
	}
	return el, nil
}

// attribute returns the attribute value, or "" when absent or unreadable.
func attribute(el *rod.Element, name string) string {
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return ""
	}
	return *v
}

func hasAttribute(el *rod.Element, name string) bool {
	v, err := el.Attribute(name)
	return err == nil && v != nil
}

// Close shuts down the page, the browser, and the launched Chrome process.
func (s *RodSurface) Close() error {
	var first error
	if s.page != nil {
		if err := s.page.Close(); err != nil && first == nil {
			first = err
		}
		s.page = nil
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil && first == nil {
			first = err
		}
		s.browser = nil
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
		s.launcher = nil
	}
	return first
}

var _ Surface = (*RodSurface)(nil)
