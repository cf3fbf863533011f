// Package upstream is the HTTP client that dispatches translated requests to
// the one configured provider's two dialects (an Anthropic-style Messages
// endpoint and an OpenAI-style Chat Completions endpoint). It owns retry and
// backoff policy, timeout profiles, and header hygiene — callers hand it a
// Family and a JSON body and never see raw net/http.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/scaler"
)

// ConnectionLostError is raised when every retry attempt against an upstream
// has failed, either because the transport never completed a round trip or
// because the upstream kept returning 5xx. It wraps the last error observed
// so callers (and the log sink) can still inspect the underlying cause.
type ConnectionLostError struct {
	Family   scaler.Family
	Path     string
	Attempts int
	Err      error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("upstream: connection lost to %s%s after %d attempt(s): %v", e.Family, e.Path, e.Attempts, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// Request is one call to dispatch upstream.
type Request struct {
	Family scaler.Family
	// Path is appended to the family's base URL, e.g. "/messages" or
	// "/chat/completions".
	Path string
	Body []byte
	// Headers carries the caller's inbound request headers (including any
	// client-supplied credential), used for credential forwarding and
	// passthrough of caller headers not otherwise owned by this client.
	Headers http.Header
}

// Result is a completed non-streaming round trip.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client dispatches to the two upstream endpoint families behind one
// provider, with retry/backoff and two distinct timeout profiles: one for
// ordinary request/response calls and a longer one for streaming connects.
type Client struct {
	cfg          config.UpstreamConfig
	httpClient   *http.Client
	streamClient *http.Client
}

// New builds a Client from UpstreamConfig. The two underlying http.Clients
// share a connect timeout (via their Transport's dialer) but differ on
// overall request timeout — streaming responses can legitimately stay open
// far longer than a single non-streaming call.
func New(cfg config.UpstreamConfig) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}
	streamTimeout := cfg.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = 300 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
		streamClient: &http.Client{
			// Timeout on http.Client bounds the whole response, header read
			// included; for an SSE stream we rely on the caller's context
			// plus this outer ceiling rather than a short fixed deadline.
			Timeout: streamTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
	}
}

func (c *Client) baseURL(family scaler.Family) string {
	if family == scaler.OpenAI {
		return c.cfg.OpenAIBase
	}
	return c.cfg.AnthropicBase
}

func (c *Client) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	initial := c.cfg.RetryBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	bo.InitialInterval = initial
	return bo
}

func (c *Client) maxTries() uint {
	attempts := c.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return uint(attempts)
}

// buildHeaders assembles the outbound header set for one dispatch: the
// dialect-specific auth header (forwarded from the caller when configured
// and present, else the server's own key), the Anthropic version/beta
// headers when applicable, and a hygiene-filtered passthrough of whatever
// else the caller sent. Headers with a null/empty value are stripped before
// dispatch rather than forwarded as empty — an upstream that rejects blank
// header values shouldn't see one just because the caller's client library
// set one.
func (c *Client) buildHeaders(family scaler.Family, caller http.Header) http.Header {
	out := http.Header{}
	out.Set("Content-Type", "application/json")
	out.Set("Accept", "application/json")

	if family == scaler.Anthropic {
		if c.cfg.AnthropicVersion != "" {
			out.Set("anthropic-version", c.cfg.AnthropicVersion)
		}
		if c.cfg.AnthropicBeta != "" {
			out.Set("anthropic-beta", c.cfg.AnthropicBeta)
		}
	}

	apiKey := c.resolveAPIKey(family, caller)
	if family == scaler.Anthropic {
		out.Set("x-api-key", apiKey)
	} else {
		out.Set("Authorization", "Bearer "+apiKey)
	}

	for k, v := range caller {
		lk := strings.ToLower(k)
		switch lk {
		case "authorization", "x-api-key", "content-type", "content-length", "host", "accept", "anthropic-version", "anthropic-beta":
			continue
		}
		if len(v) == 0 || v[0] == "" {
			continue
		}
		out[k] = v
	}

	return out
}

func (c *Client) resolveAPIKey(family scaler.Family, caller http.Header) string {
	if c.cfg.ForwardClientKey {
		if family == scaler.Anthropic {
			if k := caller.Get("x-api-key"); k != "" {
				return k
			}
			if k := bearerToken(caller.Get("Authorization")); k != "" {
				return k
			}
		} else {
			if k := bearerToken(caller.Get("Authorization")); k != "" {
				return k
			}
			if k := caller.Get("x-api-key"); k != "" {
				return k
			}
		}
	}
	return c.cfg.ServerAPIKey
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

// RedactHeaders returns a copy of h with authorization and x-api-key values
// replaced, safe to hand to the log sink.
func RedactHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range []string{"Authorization", "X-Api-Key"} {
		if out.Get(k) != "" {
			out.Set(k, "[REDACTED]")
		}
	}
	return out
}

// Do performs one non-streaming dispatch, retrying on transport failure or
// 5xx with exponential backoff. A 4xx response is returned to the caller
// unmodified and is never retried. Exhausting all attempts returns a
// *ConnectionLostError wrapping the last observed failure.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	url := c.baseURL(req.Family) + req.Path
	headers := c.buildHeaders(req.Family, req.Headers)

	var lastErr error
	attempts := 0

	result, err := backoff.Retry(ctx, func() (*Result, error) {
		attempts++
		httpReq, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
		if buildErr != nil {
			return nil, backoff.Permanent(buildErr)
		}
		httpReq.Header = headers.Clone()

		resp, doErr := c.httpClient.Do(httpReq)
		if doErr != nil {
			lastErr = doErr
			return nil, doErr
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			lastErr = readErr
			return nil, readErr
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("upstream %s returned %d", req.Path, resp.StatusCode)
			return nil, lastErr
		}

		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(c.maxTries()))

	if err != nil {
		return nil, &ConnectionLostError{Family: req.Family, Path: req.Path, Attempts: attempts, Err: lastErr}
	}
	return result, nil
}

// Stream opens a streaming connection and returns the live *http.Response
// for the caller to read progressively. Retry covers only the connect
// phase — a 5xx response body is drained and the attempt retried; once a
// non-5xx response is returned to the caller, the stream is theirs to read
// and close. Callers should check IsEventStream on the result before
// treating the body as SSE; a non-"text/event-stream" content type signals
// the upstream answered with an ordinary JSON body and the caller should
// fall back to non-streaming handling.
func (c *Client) Stream(ctx context.Context, req Request) (*http.Response, error) {
	url := c.baseURL(req.Family) + req.Path
	headers := c.buildHeaders(req.Family, req.Headers)
	headers.Set("Accept", "text/event-stream")

	var lastErr error
	attempts := 0

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		attempts++
		httpReq, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
		if buildErr != nil {
			return nil, backoff.Permanent(buildErr)
		}
		httpReq.Header = headers.Clone()

		resp, doErr := c.streamClient.Do(httpReq)
		if doErr != nil {
			lastErr = doErr
			return nil, doErr
		}

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream stream %s returned %d: %s", req.Path, resp.StatusCode, string(body))
			return nil, lastErr
		}

		return resp, nil
	}, backoff.WithBackOff(c.backOff()), backoff.WithMaxTries(c.maxTries()))

	if err != nil {
		return nil, &ConnectionLostError{Family: req.Family, Path: req.Path, Attempts: attempts, Err: lastErr}
	}
	return resp, nil
}

// IsEventStream reports whether resp's Content-Type names an SSE stream.
func IsEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(strings.TrimSpace(ct), "text/event-stream")
}
