// Package page defines the capability surface the checkout flow needs
// from a driven browser page, and implements it on top of the DevTools
// protocol client.
package page

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound reports a selector that matched nothing.
	ErrNotFound = errors.New("page: element not found")
	// ErrResponseTimeout reports an armed network observer that saw no
	// matching successful response in time.
	ErrResponseTimeout = errors.New("page: no matching response before timeout")
)

// Session is one driven page (or a nested frame scope within it).
// All mutating actions are strictly sequential; a Session is not meant
// for concurrent use.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until sel matches a rendered element.
	WaitVisible(ctx context.Context, sel string, timeout time.Duration) error
	Click(ctx context.Context, sel string) error
	// ClickNth clicks the n-th (0-based) element matching sel.
	ClickNth(ctx context.Context, sel string, n int) error
	Type(ctx context.Context, sel, text string) error
	Text(ctx context.Context, sel string) (string, error)
	// Texts returns the text content of every element matching sel, in
	// document order.
	Texts(ctx context.Context, sel string) ([]string, error)
	// Attr returns the attribute value, or "" if the attribute is absent.
	Attr(ctx context.Context, sel, name string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	// WaitURLContains blocks until the page URL contains substr and
	// returns the full URL.
	WaitURLContains(ctx context.Context, substr string, timeout time.Duration) (string, error)
	// Frame returns a Session scoped to the document inside the iframe
	// matching iframeSel (the payment-challenge sub-context).
	Frame(iframeSel string) Session
	// ObserveResponse arms a network observer before a mutating click.
	// The returned wait blocks until a successful response whose URL
	// contains urlSubstr with the given HTTP method, or the timeout.
	ObserveResponse(ctx context.Context, urlSubstr, httpMethod string, timeout time.Duration) (wait func() error, err error)
}

// TestID builds the storefront's data-test-id selector form.
func TestID(id string) string {
	return fmt.Sprintf("[data-test-id=%q]", id)
}
