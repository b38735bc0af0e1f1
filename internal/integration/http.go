package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/toolrun/internal/toolerr"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 512

// HTTPRuntime calls an integration gateway over HTTP.
//
// Each call is a JSON POST of the input to {BaseURL}/capabilities/{capabilityID}.
// The response body is decoded as JSON into Response.Data.
type HTTPRuntime struct {
	BaseURL string

	// Token, if set, is sent as a bearer token.
	Token string

	Client *http.Client
}

// NewHTTPRuntime creates an HTTPRuntime using http.DefaultClient.
func NewHTTPRuntime(baseURL, token string) *HTTPRuntime {
	return &HTTPRuntime{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Client: http.DefaultClient}
}

// Invoke implements Runtime. Network errors, deadline expiry, 408, 429 and
// 5xx are transient; other non-2xx statuses are permanent.
func (h *HTTPRuntime) Invoke(ctx context.Context, integrationID, capabilityID string, input map[string]any) (Response, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return Response{}, toolerr.Wrap(toolerr.CodeValidation, err, "encode input")
	}

	endpoint := h.BaseURL + "/capabilities/" + url.PathEscape(capabilityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, toolerr.Permanent(fmt.Errorf("build request for %s: %w", integrationID, err), 0)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// Transport failures (including ctx deadline) are retryable;
		// explicit cancellation is not.
		if errors.Is(err, context.Canceled) {
			return Response{}, toolerr.Permanent(fmt.Errorf("%s %s: %w", integrationID, capabilityID, err), 0)
		}
		return Response{}, toolerr.Transient(fmt.Errorf("%s %s: %w", integrationID, capabilityID, err), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		cause := fmt.Errorf("%s %s: HTTP %d: %s", integrationID, capabilityID, resp.StatusCode, strings.TrimSpace(string(snippet)))
		if toolerr.IsTransientStatus(resp.StatusCode) {
			return Response{}, toolerr.Transient(cause, resp.StatusCode)
		}
		return Response{}, toolerr.Permanent(cause, resp.StatusCode)
	}

	var data any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		return Response{}, toolerr.Transient(fmt.Errorf("%s %s: decode response: %w", integrationID, capabilityID, err), resp.StatusCode)
	}
	return Response{Status: resp.StatusCode, Data: data}, nil
}
