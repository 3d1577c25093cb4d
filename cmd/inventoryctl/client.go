package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudforet-io/inventory/pkg/server"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

type inventoryClient struct {
	baseURL   string
	domain    string
	workspace string
	http      *http.Client
}

func newClient() *inventoryClient {
	return &inventoryClient{
		baseURL:   serverURL,
		domain:    resolvedDomain(),
		workspace: workspace,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the error body of the inventory API.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends a request to path, which is relative to the server root, and
// decodes a JSON response into v when v is not nil.
func (c *inventoryClient) do(method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.domain != "" {
		req.Header.Set(tenancy.DomainHeader, c.domain)
	}
	if c.workspace != "" {
		req.Header.Set(tenancy.WorkspaceHeader, c.workspace)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to inventory server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e apiError
		if json.Unmarshal(respBody, &e) == nil && e.Error.Code != "" {
			return fmt.Errorf("server error (%d): %s: %s", resp.StatusCode, e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}
	if v == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, v); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	return nil
}

// api prefixes path with the API base path.
func api(path string) string {
	return server.BasePath + path
}
