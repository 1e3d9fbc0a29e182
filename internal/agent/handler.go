package agent

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duskrelay/tunnel/internal/protocol"
)

// responseHopByHopHeaders are dropped before re-serialising a backend
// response, since the agent computes its own framing headers.
var responseHopByHopHeaders = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
}

// RequestHandler proxies buffered http-request frames to the local
// backend and serialises the raw HTTP response bytes the relay's
// streaming response parser expects: status line, headers, a blank line,
// then body.
type RequestHandler struct {
	targetURL string
	client    *http.Client
}

// NewRequestHandler creates a handler targeting the given backend url.
func NewRequestHandler(targetURL string) *RequestHandler {
	return &RequestHandler{
		targetURL: targetURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Handle executes an http-request frame against the local backend and
// returns the raw serialised response.
func (h *RequestHandler) Handle(f *protocol.Frame) ([]byte, error) {
	backendURL := h.targetURL + f.URL
	slog.Debug("forwarding request to backend", "method", f.Method, "url", backendURL)

	var body io.Reader
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	}

	req, err := http.NewRequest(f.Method, backendURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating backend request: %w", err)
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}
	// override host to match the backend, the same way the relay rewrites
	// Host for upgrade requests.
	req.Host = req.URL.Host

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing backend request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading backend response: %w", err)
	}
	return serializeResponse(resp, respBody), nil
}

// serializeResponse renders a backend http.Response back into raw wire
// bytes: status line, headers, blank line, body.
func serializeResponse(resp *http.Response, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for k, vs := range resp.Header {
		if _, hop := responseHopByHopHeaders[strings.ToLower(k)]; hop {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}

// encodeRequestHead renders an http-upgrade frame's method/url/headers
// back into a raw request line plus headers, ready to replay against the
// local backend before relaying raw bytes both ways.
func encodeRequestHead(f *protocol.Frame) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", f.Method, f.URL)
	for k, v := range f.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
