// Package transport implements the HTTP fetch primitives the client, the
// capability cache, and the upload/download engines are built on:
// fetch_json and fetch_stream, each composing a caller-supplied parent
// cancellation with a per-call timeout.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	shaderr "github.com/kenneth/shadownloader/errors"
)

// Transport wraps an *http.Client so it can be swapped for a test double
// without touching call sites.
type Transport struct {
	httpClient *http.Client
}

// New builds a Transport around httpClient. A nil httpClient falls back to
// http.DefaultClient.
func New(httpClient *http.Client) *Transport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Transport{httpClient: httpClient}
}

// JSONResponse is the result of FetchJSON: the raw status/headers/body plus
// a best-effort JSON decode that is nil (not an error) when the body is
// empty or malformed.
type JSONResponse struct {
	StatusCode int
	Header     http.Header
	Raw        []byte
	JSON       map[string]any
}

// Decode unmarshals the raw response body into v. Returns a Protocol error
// when the body cannot be decoded as the expected shape.
func (r *JSONResponse) Decode(v any) error {
	if len(bytes.TrimSpace(r.Raw)) == 0 {
		return shaderr.New(shaderr.Protocol, "empty_body", "server returned an empty response body")
	}
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return shaderr.Wrap(shaderr.Protocol, "malformed_json", "server returned malformed JSON", err)
	}
	return nil
}

// StreamResponse is the result of FetchStream: status/headers plus a body
// reader the caller must Close.
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// FetchJSON performs method against url with an optional JSON-encodable
// body and headers, composing parent with a timeout. A non-2xx status is
// not itself an error — callers inspect StatusCode — but transport-level
// failures (cannot reach server, timeout, abort) are returned as errors.
func (t *Transport) FetchJSON(parent context.Context, method, url string, body any, headers map[string]string, timeout time.Duration) (*JSONResponse, error) {
	ctx, cancel := composeContext(parent, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, shaderr.Wrap(shaderr.Validation, "invalid_request_body", "failed to encode request body", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, shaderr.Wrap(shaderr.Network, "request_build_failed", "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(parent, ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(parent, ctx, err)
	}

	out := &JSONResponse{StatusCode: resp.StatusCode, Header: resp.Header, Raw: raw}
	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr == nil {
			out.JSON = decoded
		}
	}
	return out, nil
}

// FetchRaw performs method against url with a raw byte body (used for
// binary chunk uploads, where the caller controls Content-Type via
// headers rather than having it inferred as JSON).
func (t *Transport) FetchRaw(parent context.Context, method, url string, body []byte, headers map[string]string, timeout time.Duration) (*JSONResponse, error) {
	ctx, cancel := composeContext(parent, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, shaderr.Wrap(shaderr.Network, "request_build_failed", "failed to build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(parent, ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(parent, ctx, err)
	}

	out := &JSONResponse{StatusCode: resp.StatusCode, Header: resp.Header, Raw: raw}
	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr == nil {
			out.JSON = decoded
		}
	}
	return out, nil
}

// FetchStream performs a GET (or method) request and returns a body reader
// yielding bytes in receive order. The caller must Close the returned body
// to release the underlying connection.
func (t *Transport) FetchStream(parent context.Context, method, url string, headers map[string]string, timeout time.Duration) (*StreamResponse, context.CancelFunc, error) {
	ctx, cancel := composeContext(parent, timeout)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		cancel()
		return nil, nil, shaderr.Wrap(shaderr.Network, "request_build_failed", "failed to build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, classifyTransportErr(parent, ctx, err)
	}

	return &StreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, cancel, nil
}

func composeContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// classifyTransportErr maps a failed request into Abort (parent cancelled),
// Timeout (the composed deadline fired), or Network (anything else).
func classifyTransportErr(parent, child context.Context, cause error) error {
	if parent != nil && parent.Err() != nil {
		return shaderr.Wrap(shaderr.Abort, "aborted", "request was cancelled", cause)
	}
	if child.Err() == context.DeadlineExceeded {
		return shaderr.Wrap(shaderr.Timeout, "timed_out", "request timed out", cause)
	}
	return shaderr.Wrap(shaderr.Network, "request_failed", "failed to reach server", cause)
}
