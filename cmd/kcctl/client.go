package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiError is the error envelope every handler writes.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	CorrelationID string `json:"correlationId"`
}

type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON and decodes the "data" member of the response
// into out. It returns the raw body for --json output.
func (c *client) do(ctx context.Context, method, path string, body, out interface{}) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error.Code != "" {
			return raw, fmt.Errorf("%s: %s (correlation id %s)", e.Error.Code, e.Error.Message, e.CorrelationID)
		}
		return raw, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil && len(raw) > 0 {
		envelope := struct {
			Data json.RawMessage `json:"data"`
		}{}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return raw, fmt.Errorf("decode response: %w", err)
		}
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return raw, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return raw, nil
}
