// Package httputil provides shared HTTP client utilities.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds a single outbound call when the caller sets no deadline.
const DefaultTimeout = 15 * time.Second

// NewDefaultRestyClient returns a resty client with the common settings used by
// every upstream adapter. Retries are left to the callers, which know whether a
// request is safe to replay.
func NewDefaultRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "ghlbridge/1.0")
	if baseURL != "" {
		client.SetBaseURL(baseURL)
	}
	return client
}

// Snippet trims a response body for logs and error values.
func Snippet(body []byte, max int) string {
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
