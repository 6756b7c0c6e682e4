// Package client implements the retrying HTTP wire shared by the swarm,
// distributor and worker to talk to the state server — the
// "Client/Requester" component of the execution core.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"jobmon/pkg/jobmonerr"
)

// Requester wraps an *http.Client with the retry-with-backoff policy spec
// §7 calls for on unexpected response codes: client retries with backoff up
// to a bounded number, then surfaces.
type Requester struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
}

// New builds a Requester against baseURL with the package defaults (5
// attempts in all, 100ms doubling backoff — the same shape as internal/db's
// connection retry).
func New(baseURL string) *Requester {
	return &Requester{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
	}
}

// Send issues method to path with body marshaled as JSON (nil for no body)
// and unmarshals the response into out (nil to discard). It retries 5xx and
// transport errors with exponential backoff; a 4xx is returned immediately
// as ErrInvalidUsage since retrying a bad request is pointless.
func (r *Requester) Send(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < r.MaxRetries; attempt++ {
		status, respBody, sendErr := r.once(ctx, method, path, payload)
		if sendErr == nil {
			if status >= 400 && status < 500 {
				return status, fmt.Errorf("%w: %s %s returned %d: %s", jobmonerr.ErrInvalidUsage, method, path, status, string(respBody))
			}
			if status < 300 {
				if out != nil && len(respBody) > 0 {
					if jsonErr := json.Unmarshal(respBody, out); jsonErr != nil {
						return status, fmt.Errorf("decode response: %w", jsonErr)
					}
				}
				return status, nil
			}
			lastErr = fmt.Errorf("%w: %s %s returned %d", jobmonerr.ErrInvalidResponse, method, path, status)
		} else {
			lastErr = sendErr
		}

		if attempt < r.MaxRetries-1 {
			time.Sleep(r.BaseDelay * time.Duration(1<<uint(attempt)))
		}
	}
	return 0, lastErr
}

func (r *Requester) once(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// Get is a convenience wrapper for GET requests.
func (r *Requester) Get(ctx context.Context, path string, out any) (int, error) {
	return r.Send(ctx, http.MethodGet, path, nil, out)
}

// Post is a convenience wrapper for POST requests.
func (r *Requester) Post(ctx context.Context, path string, body, out any) (int, error) {
	return r.Send(ctx, http.MethodPost, path, body, out)
}

// Put is a convenience wrapper for PUT requests.
func (r *Requester) Put(ctx context.Context, path string, body, out any) (int, error) {
	return r.Send(ctx, http.MethodPut, path, body, out)
}
