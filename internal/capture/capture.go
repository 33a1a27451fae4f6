// Package capture talks to the rendering sidecar and runs the worker loop
// that drains the submission queue: claim, capture, resolve, notify.
package capture

import (
	"context"

	kit "zambot/internal/transport"
)

// Request asks the capture service to render one tweet.
type Request struct {
	URL     string
	TweetID string

	// IncludeReferenceSnapshot also renders the quoted tweet, if any,
	// into the media set.
	IncludeReferenceSnapshot bool
}

// Result is a successful capture. Media always has at least one item.
type Result struct {
	Media    []kit.MediaItem
	Text     string
	Entities []kit.EntitySpan
	Query    string

	OCRAuthor string
	OCRText   string
}

// Capturer renders a tweet reference into publishable media. Errors are
// transient unless wrapped with Fatal; transient errors may carry a
// RetryAfter hint.
type Capturer interface {
	Capture(ctx context.Context, req Request) (*Result, error)
}
