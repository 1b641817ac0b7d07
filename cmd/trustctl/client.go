package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type trustClient struct {
	baseURL string
	actor   string
	http    *http.Client
}

func newClient() *trustClient {
	return &trustClient{
		baseURL: serverURL,
		actor:   resolvedActor(),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the error body every trust API returns.
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends a request with an optional JSON body and decodes a JSON response
// into v when v is non-nil.
func (c *trustClient) do(method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.actor != "" {
		req.Header.Set("X-Remote-User", c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(bodyBytes, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(bodyBytes))
		}
		return apiErr
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("decode error: %w", err)
	}
	return nil
}

// getJSON performs a GET request and decodes the response.
func (c *trustClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// getRaw performs a GET request and returns the raw JSON object.
func (c *trustClient) getRaw(path string) (map[string]any, error) {
	var result map[string]any
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// postJSON performs a POST request with a JSON body and returns the raw JSON
// object, if any.
func (c *trustClient) postJSON(path string, body any) (map[string]any, error) {
	if body == nil {
		body = map[string]any{}
	}
	var result map[string]any
	if err := c.do(http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// putJSON performs a PUT request with a JSON body and returns the raw JSON
// object.
func (c *trustClient) putJSON(path string, body any) (map[string]any, error) {
	var result map[string]any
	if err := c.do(http.MethodPut, path, body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// delete performs a DELETE request.
func (c *trustClient) delete(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}
