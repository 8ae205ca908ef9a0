// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package transport implements the outbound HTTP client used to
// deliver AS2 messages and asynchronous MDNs to trading partners.
//
// Every failure at this layer, including a non-2xx response status, is
// a transport error: the caller treats it as recoverable and schedules
// a retry. Protocol-level rejection travels inside an MDN over a 200
// response and never surfaces here.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config contains HTTP client configuration
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:   30 * time.Second,
		UserAgent: "go-as2/1.0",
	}
}

// Client posts AS2 artifacts to partner endpoints
type Client struct {
	client         *http.Client
	insecureClient *http.Client
	userAgent      string
}

// NewClient creates a new transport client
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// A second client with certificate verification disabled serves
	// partners flagged with verify_ssl=false. Kept separate so one
	// partner's lax profile never weakens another's delivery.
	insecureTransport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	return &Client{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		insecureClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: insecureTransport,
		},
		userAgent: cfg.UserAgent,
	}
}

// BasicAuth carries HTTP basic auth credentials
type BasicAuth struct {
	Username string
	Password string
}

// Request describes one outbound POST
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Auth    *BasicAuth

	// InsecureSkipVerify disables TLS certificate verification for
	// this request (partner verify_ssl flag).
	InsecureSkipVerify bool
}

// Response captures the partner's reply. Header keys are lowercased
// for uniform lookup.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// StatusError reports a non-2xx response status
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, string(e.Body))
}

// Post delivers the request body to the given URL and captures the
// response. Connection errors and non-2xx statuses both return an
// error; the response is non-nil only on success.
func (c *Client) Post(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if req.Auth != nil {
		httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
	}

	client := c.client
	if req.InsecureSkipVerify {
		client = c.insecureClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[strings.ToLower(key)] = resp.Header.Get(key)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}
