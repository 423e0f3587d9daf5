package download

import (
	"bytes"
	"context"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/downstack/downstack/internal/transport"
)

// Download is a single network transfer with a tracked lifecycle. It is
// created, started at most once, and reaches a terminal state at most
// once (success, failure, or cancellation). A finished download is
// immutable; only its request can be cloned into a fresh one via
// Duplicate.
type Download struct {
	id      string
	request *transport.Request
	tp      transport.Transport

	mu       sync.Mutex
	cancel   context.CancelFunc // transport handle; nil unless in flight
	buf      bytes.Buffer
	err      error
	status   int
	ctxValue any
	stackID  string
	delegate Delegate // cleared at terminal state, never retained past it
	progress func(received int64)
	mgr      *Manager
	started  bool
	finished bool
}

// New builds a download for a raw URL. It fails only when the URL is
// structurally invalid or no transport serves its scheme.
func New(rawURL string) (*Download, error) {
	req, err := transport.NewRequest(rawURL)
	if err != nil {
		return nil, err
	}
	return NewFromRequest(req)
}

// NewWithContext is New with an opaque caller context value attached.
// The core never interprets the value.
func NewWithContext(rawURL string, ctxValue any) (*Download, error) {
	d, err := New(rawURL)
	if err != nil {
		return nil, err
	}
	d.ctxValue = ctxValue
	return d, nil
}

// NewFromURL builds a download for an already-parsed URL.
func NewFromURL(u *url.URL) (*Download, error) {
	req, err := transport.FromURL(u)
	if err != nil {
		return nil, err
	}
	return NewFromRequest(req)
}

// NewFromURLWithContext is NewFromURL with a context value attached.
func NewFromURLWithContext(u *url.URL, ctxValue any) (*Download, error) {
	d, err := NewFromURL(u)
	if err != nil {
		return nil, err
	}
	d.ctxValue = ctxValue
	return d, nil
}

// NewFromRequest builds a download from a fully specified request.
func NewFromRequest(req *transport.Request) (*Download, error) {
	tp, err := transport.ForRequest(req)
	if err != nil {
		return nil, err
	}
	return &Download{
		id:      uuid.NewString(),
		request: req,
		tp:      tp,
		status:  transport.StatusUnknown,
	}, nil
}

// NewFromRequestWithContext is NewFromRequest with a context value.
func NewFromRequestWithContext(req *transport.Request, ctxValue any) (*Download, error) {
	d, err := NewFromRequest(req)
	if err != nil {
		return nil, err
	}
	d.ctxValue = ctxValue
	return d, nil
}

// Duplicate returns a fresh download carrying a copy of this download's
// request and nothing else: no context value, no delegate, no stack
// membership, no accumulated data. It models restarting the same request
// under a new identity.
func (d *Download) Duplicate() *Download {
	d.mu.Lock()
	req := d.request.Clone()
	tp := d.tp
	d.mu.Unlock()
	return &Download{
		id:      uuid.NewString(),
		request: req,
		tp:      tp,
		status:  transport.StatusUnknown,
	}
}

// ID is a unique identifier for logging and display.
func (d *Download) ID() string { return d.id }

// Request returns the immutable request description. Callers must not
// mutate it; use Clone for a private copy.
func (d *Download) Request() *transport.Request { return d.request }

// Data returns the accumulated response bytes. Only read it once the
// download is finished.
func (d *Download) Data() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Bytes()
}

// Received reports how many response bytes have accumulated so far.
func (d *Download) Received() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(d.buf.Len())
}

// Err returns the transfer error, if the download failed.
func (d *Download) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// StatusCode is the response status, or transport.StatusUnknown (-1)
// until one is known.
func (d *Download) StatusCode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Context returns the caller-supplied opaque value.
func (d *Download) Context() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctxValue
}

// SetContext replaces the caller-supplied opaque value.
func (d *Download) SetContext(v any) {
	d.mu.Lock()
	d.ctxValue = v
	d.mu.Unlock()
}

// StackID returns the stack this download belongs to, or "" when it is
// standalone.
func (d *Download) StackID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stackID
}

// IsFinished reports whether the download reached a terminal state,
// including cancellation.
func (d *Download) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

// SetProgressFunc installs a callback invoked with the running byte
// count as data arrives. Must be called before Start.
func (d *Download) SetProgressFunc(fn func(received int64)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.finished {
		return ErrAlreadyStarted
	}
	d.progress = fn
	return nil
}

// SetTransport overrides the transport resolved from the URL scheme.
// Must be called before Start.
func (d *Download) SetTransport(t transport.Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.finished {
		return ErrAlreadyStarted
	}
	d.tp = t
	return nil
}

// Start begins the transfer and returns immediately; completion is
// delivered through the delegate. Starting a download that has already
// started or finished is a misuse error and leaves no trace on any
// stack accounting.
func (d *Download) Start(delegate Delegate) error {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return ErrFinished
	}
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.started = true
	d.delegate = delegate
	d.cancel = cancel
	d.mu.Unlock()
	log.Debug().Str("op", "download/start").Str("id", d.id).Msgf("Starting %s %s", d.request.Method, d.request.URL)
	go d.run(ctx)
	return nil
}

func (d *Download) run(ctx context.Context) {
	status, err := d.tp.Fetch(ctx, d.request, (*accumulator)(d))

	d.mu.Lock()
	if d.finished {
		// Cancelled while in flight; Cancel already settled the state
		// and the stack accounting.
		d.mu.Unlock()
		return
	}
	d.finished = true
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if status != transport.StatusUnknown {
		d.status = status
	}
	d.err = err
	delegate := d.delegate
	d.delegate = nil
	mgr, stackID := d.mgr, d.stackID
	received := int64(d.buf.Len())
	d.mu.Unlock()

	if err != nil {
		log.Debug().Str("op", "download/run").Str("id", d.id).Err(err).Msgf("Download failed for %s", d.request.URL)
		if delegate != nil {
			delegate.OnFailed(d, err)
		}
	} else {
		log.Debug().Str("op", "download/run").Str("id", d.id).Msgf("Downloaded %d bytes from %s (status %d)", received, d.request.URL, status)
		if delegate != nil {
			delegate.OnFinished(d)
		}
	}
	if mgr != nil && stackID != "" {
		mgr.resolve(d, stackID, false)
	}
}

// Cancel tears down the in-flight transfer and marks the download
// finished. No per-item callback fires for a cancelled download, but a
// stacked member still counts toward its stack's completion: if it was
// the last outstanding member, the stack-finished notification fires.
// Cancelling an already-finished download is a no-op.
func (d *Download) Cancel() {
	d.cancelWith(false)
}

// cancelWith is the shared cancellation path. suppress marks the stack
// decrement as part of a coordinator-initiated bulk cancel, which must
// not report the stack as finished.
func (d *Download) cancelWith(suppress bool) {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.delegate = nil
	mgr, stackID := d.mgr, d.stackID
	d.mu.Unlock()
	log.Debug().Str("op", "download/cancel").Str("id", d.id).Msgf("Cancelled download for %s", d.request.URL)
	if mgr != nil && stackID != "" {
		mgr.resolve(d, stackID, suppress)
	}
}

// joinStack tags the download as a member of a managed stack. Called by
// the manager before Start.
func (d *Download) joinStack(m *Manager, stackID string) {
	d.mu.Lock()
	d.mgr = m
	d.stackID = stackID
	d.mu.Unlock()
}

// startable reports whether the download can still be started or
// adopted into a stack.
func (d *Download) startable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return ErrFinished
	}
	if d.started {
		return ErrAlreadyStarted
	}
	return nil
}

// accumulator adapts a Download into the transport's sink. Writes stop
// with context.Canceled once the download has been cancelled so the
// buffer stays frozen at its terminal state.
type accumulator Download

func (a *accumulator) Write(p []byte) (int, error) {
	d := (*Download)(a)
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return 0, context.Canceled
	}
	d.buf.Write(p)
	total := int64(d.buf.Len())
	progress := d.progress
	d.mu.Unlock()
	if progress != nil {
		progress(total)
	}
	return len(p), nil
}
