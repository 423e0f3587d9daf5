package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/downstack/downstack/internal/utils"
)

// HTTPTransport fetches http and https URLs. Redirects are followed by
// the underlying client and authentication challenges pass through to the
// response unmodified. Responses with 4xx/5xx statuses are delivered as
// data, not errors; only connection-level failures are errors.
type HTTPTransport struct {
	client utils.HTTPDoer
}

func NewHTTPTransport(cfg utils.HTTPClientConfig) *HTTPTransport {
	return &HTTPTransport{client: utils.NewStackHTTPClient(cfg)}
}

// NewHTTPTransportWithClient is for callers that manage their own client.
func NewHTTPTransportWithClient(client utils.HTTPDoer) *HTTPTransport {
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Fetch(ctx context.Context, req *Request, sink io.Writer) (int, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return StatusUnknown, fmt.Errorf("error creating %s request: %w", req.Method, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return StatusUnknown, fmt.Errorf("error executing %s request: %w", req.Method, err)
	}
	defer resp.Body.Close()
	log.Debug().Str("op", "transport/http").Msgf("Response %d for %s", resp.StatusCode, req.URL)

	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := sink.Write(buffer[:bytesRead]); writeErr != nil {
				return resp.StatusCode, fmt.Errorf("error writing response data: %w", writeErr)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return resp.StatusCode, fmt.Errorf("error reading response body: %w", readErr)
		}
	}
	return resp.StatusCode, nil
}

func init() {
	t := NewHTTPTransport(utils.HTTPClientConfig{})
	Register("http", t)
	Register("https", t)
}
