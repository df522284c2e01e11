//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package service resolves analysis commands through the hosted
// resolver HTTP API.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chatexcel/datalab/log"
	"github.com/chatexcel/datalab/resolver"
)

const defaultTimeout = 30 * time.Second

// Option defines configuration options for Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// Client calls the resolver service over HTTP.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

var _ resolver.Resolver = (*Client)(nil)

// New creates a resolver client for the given endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve posts the request and decodes the resolved command. A
// non-2xx response is surfaced as a StatusError; transport failures
// wrap ErrServiceUnavailable. Requests are not retried.
func (c *Client) Resolve(ctx context.Context, req resolver.AnalysisRequest) (resolver.ResolvedCommand, error) {
	if err := req.Validate(); err != nil {
		return resolver.ResolvedCommand{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return resolver.ResolvedCommand{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return resolver.ResolvedCommand{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return resolver.ResolvedCommand{}, fmt.Errorf("%w: %v", resolver.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The body's status_code wins when present, e.g. a gateway
		// relaying the upstream verdict.
		statusErr := &resolver.StatusError{Code: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(statusErr); err != nil {
			statusErr.Detail = resp.Status
		}
		log.Debugf("resolver answered status %d: %s", statusErr.Code, statusErr.Detail)
		return resolver.ResolvedCommand{}, statusErr
	}

	var cmd resolver.ResolvedCommand
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		return resolver.ResolvedCommand{}, fmt.Errorf("decode response: %w", err)
	}
	return cmd, nil
}
