package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
)

// StatusUnknown is reported when a transfer ends before any response
// status was received from the remote side.
const StatusUnknown = -1

var ErrUnknownScheme = errors.New("no transport registered for scheme")

// Request is an immutable description of a resource to fetch. It is the
// only part of a download that is cloneable.
type Request struct {
	URL     *url.URL
	Method  string
	Headers map[string]string
	Body    []byte
}

// NewRequest parses and validates rawURL. The method defaults to GET.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: missing scheme or host", rawURL)
	}
	return &Request{URL: u, Method: "GET"}, nil
}

// FromURL builds a request from an already-parsed URL.
func FromURL(u *url.URL) (*Request, error) {
	if u == nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("invalid URL: missing scheme or host")
	}
	cp := *u
	return &Request{URL: &cp, Method: "GET"}, nil
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	cp := &Request{Method: r.Method}
	if r.URL != nil {
		u := *r.URL
		cp.URL = &u
	}
	if r.Headers != nil {
		cp.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			cp.Headers[k] = v
		}
	}
	if r.Body != nil {
		cp.Body = append([]byte(nil), r.Body...)
	}
	return cp
}

// Transport moves bytes for a single request. Fetch streams the response
// body into sink as it arrives and returns the final status code. It
// returns as soon as ctx is cancelled. The status is StatusUnknown when
// the transfer failed before a response came back; a Fetch may return
// both a valid status and an error when the body read broke mid-stream.
type Transport interface {
	Fetch(ctx context.Context, req *Request, sink io.Writer) (int, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Transport{}
)

// Register binds a transport to a URL scheme, replacing any previous
// binding. Schemes are case-insensitive.
func Register(scheme string, t Transport) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(scheme)] = t
}

// ForScheme returns the transport registered for scheme.
func ForScheme(scheme string) (Transport, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}
	return t, nil
}

// ForRequest resolves the transport for a request's URL scheme.
func ForRequest(req *Request) (Transport, error) {
	return ForScheme(req.URL.Scheme)
}
