/*
surface.go - Browser surface abstraction

The login automaton never talks to a browser engine directly; it drives a
Surface. Production wires the chromedp-backed implementation, tests wire a
scripted fake. Keeping the surface this narrow is what makes the whole login
flow testable without a browser.
*/
package portal

import (
	"context"
	"time"
)

// Surface is the minimal browser contract the automaton needs.
//
// All methods take a context; implementations must honor cancellation.
// Selector arguments are CSS selectors.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)

	// BodyText returns the rendered text of the page body, the input to all
	// classification and parsing.
	BodyText(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)

	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	IsVisible(ctx context.Context, selector string) (bool, error)

	// Eval runs a JS snippet for side effects (overlay dismissal).
	Eval(ctx context.Context, js string) error

	// Links returns the href of every anchor matching selector, in document
	// order.
	Links(ctx context.Context, selector string) ([]string, error)

	Screenshot(ctx context.Context) ([]byte, error)

	// SaveSession exports cookies and origin storage to path as JSON.
	SaveSession(ctx context.Context, path string) error

	Close() error
}

// SurfaceFactory builds a Surface. sessionPath is the session artifact to
// preload, empty for a clean session. The automaton calls it again when it
// decides to retry with a fresh session.
type SurfaceFactory func(ctx context.Context, sessionPath string) (Surface, error)

// Credentials is the portal username/password pair.
type Credentials struct {
	Username string
	Password string
}

// CodeSource produces MFA codes. sentAfter bounds freshness: implementations
// must ignore anything sent before it.
type CodeSource interface {
	WaitForCode(ctx context.Context, sentAfter time.Time) (string, error)
}
