// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overquery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-overcache/overcache"
)

// HTTPFetcher fetches resources with GET {BaseURL}/{resource}?{filter}.
type HTTPFetcher struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT; nil sends no Authorization header
	HTTP    *http.Client
}

// NewHTTPFetcher creates a fetcher with a 30s client timeout.
func NewHTTPFetcher(baseURL string, tok func(context.Context) (string, error)) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, key overcache.Key) (json.RawMessage, error) {
	url := f.BaseURL + "/" + string(key.Resource)
	if q := key.Values().Encode(); q != "" {
		url += "?" + q
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if f.Token != nil {
		token, err := f.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWT token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := f.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", key.Resource, err)
	}
	return raw, nil
}
