// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// =============================================================================
// HTTP CLIENT CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds whole unary requests, including the
	// whole-response-array generation call.
	DefaultTimeout = 60 * time.Second

	// connectTimeout bounds dialing for streaming requests.
	connectTimeout = 10 * time.Second

	// readIdleTimeout bounds the gap between stream chunks. A stream that
	// goes silent longer than this is treated as timed out.
	readIdleTimeout = 45 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit
)

// =============================================================================
// SHARED CLIENTS
// =============================================================================

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// sharedHTTPClient serves unary requests with a whole-request timeout.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient serves streaming requests. No whole-request
	// timeout; lifetime is controlled by context plus the per-read
	// watchdog in the consume loops.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: readIdleTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// readResponse reads a response body with a size limit.
// SECURITY: Limits response size to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// postJSON issues a POST with a JSON body on the given client.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return client.Do(req)
}

// bodyWatchdog closes a response body if Reset is not called within
// readIdleTimeout. Consume loops reset it after every chunk so a silent
// upstream eventually unblocks the reader with a closed-body error, which
// the loop reports as a timeout.
type bodyWatchdog struct {
	timer   *time.Timer
	expired atomic.Bool
}

func newBodyWatchdog(body io.Closer) *bodyWatchdog {
	w := &bodyWatchdog{}
	w.timer = time.AfterFunc(readIdleTimeout, func() {
		w.expired.Store(true)
		body.Close()
	})
	return w
}

// Reset restarts the idle countdown.
func (w *bodyWatchdog) Reset() {
	w.timer.Reset(readIdleTimeout)
}

// Stop cancels the watchdog.
func (w *bodyWatchdog) Stop() {
	w.timer.Stop()
}

// Expired reports whether the watchdog fired.
func (w *bodyWatchdog) Expired() bool {
	return w.expired.Load()
}
