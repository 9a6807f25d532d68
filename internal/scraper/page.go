// Package scraper implements statcache.Fetcher against the prediction site:
// it maps cache keys to page URLs, loads pages through a browser session pool
// with an optional static fallback, extracts prediction rows, and classifies
// failures as retryable or fatal.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// DefaultBaseURL is the prediction page scraped for every key kind.
const DefaultBaseURL = "https://statiz.sporki.com/prediction/"

// Page is a loaded document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Rendered   bool
}

// PageLoader loads a URL and returns its document.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (Page, error)
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// ShellDetector recognises pages whose content only appears after scripts run.
type ShellDetector interface {
	NeedsRender(page Page) bool
}

// StatusError reports a non-success HTTP status for a loaded page.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.Code)
}

// Permanent reports whether retrying the request cannot change the status.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

var (
	errEmptyExtraction = errors.New("no prediction data found on page")
	errNeedsRender     = errors.New("page is a script shell that needs rendering")
	errIncompleteList  = errors.New("prediction list incomplete")
	errDateNotServed   = errors.New("date is not served by the prediction page")
)

func checkStatus(page Page) error {
	if page.StatusCode >= 400 {
		return &StatusError{URL: page.URL, Code: page.StatusCode}
	}
	return nil
}
