package httpclient

import (
	"net/http"
	"time"
)

// New builds an HTTP client with sane connection pooling defaults.
// A timeout of zero disables the response timeout entirely; the engine uses
// that for prompt calls, which may run as long as an agent turn takes.
func New(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
