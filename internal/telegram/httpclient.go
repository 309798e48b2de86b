package telegram

import (
	"net"
	"net/http"
	"time"

	"github.com/asterv/marketbot/internal/telegram/netutil"
)

const (
	dialTimeout       = 5 * time.Second
	tlsHandshake      = 5 * time.Second
	idleConnTimeout   = 30 * time.Second
	responseTimeout   = 5 * time.Second
	clientTimeout     = 30 * time.Second
	keepAliveInterval = 30 * time.Second

	retryAttempts = 3
	retryBackoff  = 2 * time.Second
)

// NewHTTPClient returns the client used for Bot API calls: a tuned transport
// wrapped with transparent retries for transient network errors.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: clientTimeout,
		Transport: &retryTransport{
			next:     newBaseTransport(),
			attempts: retryAttempts,
			backoff:  retryBackoff,
		},
	}
}

func newBaseTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAliveInterval}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshake,
		ResponseHeaderTimeout: responseTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// retryTransport replays requests that failed with a transient network error.
// Requests whose body cannot be rebuilt via GetBody are never replayed.
type retryTransport struct {
	next     http.RoundTripper
	attempts int
	backoff  time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}

	var lastErr error
	for attempt := 0; attempt <= t.attempts; attempt++ {
		attemptReq, ok := t.requestForAttempt(req, attempt)
		if !ok {
			break
		}

		resp, err := next.RoundTrip(attemptReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !netutil.ShouldRetry(err) {
			break
		}
		if err := t.sleep(req, attempt+1); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (t *retryTransport) requestForAttempt(req *http.Request, attempt int) (*http.Request, bool) {
	if attempt == 0 {
		return req, true
	}
	if req.Body != nil && req.GetBody == nil {
		return nil, false
	}
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, false
		}
		clone.Body = body
	}
	return clone, true
}

func (t *retryTransport) sleep(req *http.Request, attempt int) error {
	delay := t.backoff * time.Duration(attempt)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}
