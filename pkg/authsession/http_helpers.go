package authsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// HTTPPoster is the default Poster on top of net/http.
type HTTPPoster struct {
	Client *http.Client
}

// NewHTTPPoster returns a Poster using client, or http.DefaultClient if nil.
func NewHTTPPoster(client *http.Client) *HTTPPoster {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPoster{Client: client}
}

// Post JSON encodes body and POSTs it to url.
func (p *HTTPPoster) Post(
	ctx context.Context,
	url string,
	body any,
	headers map[string]string,
) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("authsession: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read response body: %w", err),
		}
	}

	out := &Response{StatusCode: resp.StatusCode, Body: bodyBytes}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Response:   out,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)),
		}
	}

	return out, nil
}
