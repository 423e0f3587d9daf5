package download

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downstack/downstack/internal/transport"
)

// stubTransport is a controllable transport for deterministic lifecycle
// tests. When release is set, Fetch blocks until it is signalled or the
// context is cancelled.
type stubTransport struct {
	data    []byte
	status  int
	err     error
	delay   time.Duration
	release chan struct{}
}

func (s *stubTransport) Fetch(ctx context.Context, req *transport.Request, sink io.Writer) (int, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return transport.StatusUnknown, ctx.Err()
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return transport.StatusUnknown, ctx.Err()
		}
	}
	if s.err != nil {
		return transport.StatusUnknown, s.err
	}
	if len(s.data) > 0 {
		if _, err := sink.Write(s.data); err != nil {
			return s.status, err
		}
	}
	return s.status, nil
}

// recorder collects delegate callbacks over channels so tests can wait
// on them without polling.
type recorder struct {
	finishedCh chan *Download
	failedCh   chan *Download
	stackCh    chan []*Download

	mu     sync.Mutex
	failed map[*Download]error
}

func newRecorder() *recorder {
	return &recorder{
		finishedCh: make(chan *Download, 128),
		failedCh:   make(chan *Download, 128),
		stackCh:    make(chan []*Download, 16),
		failed:     make(map[*Download]error),
	}
}

func (r *recorder) OnFinished(d *Download) {
	r.finishedCh <- d
}

func (r *recorder) OnFailed(d *Download, err error) {
	r.mu.Lock()
	r.failed[d] = err
	r.mu.Unlock()
	r.failedCh <- d
}

func (r *recorder) OnStackFinished(m *Manager, downloads []*Download) {
	r.stackCh <- downloads
}

func (r *recorder) failureFor(d *Download) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[d]
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func assertNothingOn[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

func stubDownload(t *testing.T, st *stubTransport) *Download {
	t.Helper()
	d, err := New("http://stub.invalid/resource")
	require.NoError(t, err)
	require.NoError(t, d.SetTransport(st))
	return d
}

func TestNewValidation(t *testing.T) {
	_, err := New("://bad")
	assert.Error(t, err)

	_, err = New("not-a-url")
	assert.Error(t, err)

	_, err = New("gopher://example.com/thing")
	assert.ErrorIs(t, err, transport.ErrUnknownScheme)
}

func TestNewDefaults(t *testing.T) {
	d, err := New("https://example.com/file.bin")
	require.NoError(t, err)
	assert.Equal(t, transport.StatusUnknown, d.StatusCode())
	assert.False(t, d.IsFinished())
	assert.Empty(t, d.Data())
	assert.NoError(t, d.Err())
	assert.Empty(t, d.StackID())
	assert.Nil(t, d.Context())
	assert.NotEmpty(t, d.ID())
}

func TestContextValue(t *testing.T) {
	type marker struct{ name string }
	v := &marker{name: "ctx"}
	d, err := NewWithContext("https://example.com/a", v)
	require.NoError(t, err)
	assert.Same(t, v, d.Context())

	d.SetContext("replaced")
	assert.Equal(t, "replaced", d.Context())
}

func TestStartSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello downstack"))
	}))
	defer server.Close()

	d, err := New(server.URL + "/file.txt")
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, d.Start(rec))

	got := waitFor(t, rec.finishedCh, "OnFinished")
	assert.Same(t, d, got)
	assert.True(t, d.IsFinished())
	assert.Equal(t, http.StatusOK, d.StatusCode())
	assert.Equal(t, []byte("hello downstack"), d.Data())
	assert.NoError(t, d.Err())
	assertNothingOn(t, rec.failedCh, "OnFailed")
}

func TestStartFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close() // connection refused from here on

	d, err := New(url + "/file.txt")
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, d.Start(rec))

	got := waitFor(t, rec.failedCh, "OnFailed")
	assert.Same(t, d, got)
	assert.True(t, d.IsFinished())
	assert.Error(t, d.Err())
	assert.Error(t, rec.failureFor(d))
	assert.Equal(t, transport.StatusUnknown, d.StatusCode())
	assertNothingOn(t, rec.finishedCh, "OnFinished")
}

func TestHTTPErrorStatusStillFinishes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	d, err := New(server.URL + "/missing")
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, d.Start(rec))

	waitFor(t, rec.finishedCh, "OnFinished")
	assert.Equal(t, http.StatusNotFound, d.StatusCode())
	assert.NoError(t, d.Err())
}

func TestStartTwiceRejected(t *testing.T) {
	release := make(chan struct{})
	d := stubDownload(t, &stubTransport{status: 200, release: release})
	rec := newRecorder()
	require.NoError(t, d.Start(rec))
	assert.ErrorIs(t, d.Start(rec), ErrAlreadyStarted)

	close(release)
	waitFor(t, rec.finishedCh, "OnFinished")
	assert.ErrorIs(t, d.Start(rec), ErrFinished)
}

func TestCancelIsSilent(t *testing.T) {
	d := stubDownload(t, &stubTransport{status: 200, release: make(chan struct{})})
	rec := newRecorder()
	require.NoError(t, d.Start(rec))

	d.Cancel()
	assert.True(t, d.IsFinished())
	assertNothingOn(t, rec.finishedCh, "OnFinished after cancel")
	assertNothingOn(t, rec.failedCh, "OnFailed after cancel")

	// Second cancel is a tolerated no-op.
	d.Cancel()
	assert.True(t, d.IsFinished())
}

func TestCancelFreezesBuffer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	d, err := New(server.URL)
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, d.Start(rec))

	require.Eventually(t, func() bool {
		return d.Received() > 0
	}, 5*time.Second, 10*time.Millisecond)

	d.Cancel()
	frozen := d.Received()
	assertNothingOn(t, rec.failedCh, "OnFailed after cancel")
	assert.Equal(t, frozen, d.Received())
}

func TestDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))
	defer server.Close()

	d, err := NewWithContext(server.URL+"/thing", "original-ctx")
	require.NoError(t, err)
	rec := newRecorder()
	require.NoError(t, d.Start(rec))
	waitFor(t, rec.finishedCh, "OnFinished")

	dup := d.Duplicate()
	assert.NotEqual(t, d.ID(), dup.ID())
	assert.False(t, dup.IsFinished())
	assert.Equal(t, transport.StatusUnknown, dup.StatusCode())
	assert.Empty(t, dup.Data())
	assert.Empty(t, dup.StackID())
	assert.Nil(t, dup.Context())
	assert.Equal(t, d.Request().URL.String(), dup.Request().URL.String())

	// The duplicate starts independently of the finished original.
	require.NoError(t, dup.Start(rec))
	waitFor(t, rec.finishedCh, "duplicate OnFinished")
	assert.Equal(t, []byte("body"), dup.Data())
}

func TestProgressFunc(t *testing.T) {
	var mu sync.Mutex
	var totals []int64
	d := stubDownload(t, &stubTransport{status: 200, data: []byte("0123456789")})
	require.NoError(t, d.SetProgressFunc(func(received int64) {
		mu.Lock()
		totals = append(totals, received)
		mu.Unlock()
	}))
	rec := newRecorder()
	require.NoError(t, d.Start(rec))
	waitFor(t, rec.finishedCh, "OnFinished")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, totals)
	assert.Equal(t, int64(10), totals[len(totals)-1])

	assert.Error(t, d.SetProgressFunc(nil))
}

func TestNilDelegateTolerated(t *testing.T) {
	d := stubDownload(t, &stubTransport{status: 200, data: []byte("x")})
	require.NoError(t, d.Start(nil))
	require.Eventually(t, d.IsFinished, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 200, d.StatusCode())
}

func TestDelegateFuncsPartial(t *testing.T) {
	// A delegate implementing no callbacks must not crash anything.
	d := stubDownload(t, &stubTransport{status: 200})
	require.NoError(t, d.Start(&DelegateFuncs{}))
	require.Eventually(t, d.IsFinished, 5*time.Second, 10*time.Millisecond)

	failErr := errors.New("boom")
	d2 := stubDownload(t, &stubTransport{err: failErr})
	failed := make(chan error, 1)
	require.NoError(t, d2.Start(&DelegateFuncs{
		Failed: func(_ *Download, err error) { failed <- err },
	}))
	err := waitFor(t, failed, "Failed func")
	assert.ErrorIs(t, err, failErr)
}
