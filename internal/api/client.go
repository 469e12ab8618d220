// Package api is the typed HTTP client for the remote church-management
// API. It owns bearer auth, idempotency headers, and conditional GETs;
// response classification feeds the outbox retry policy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"steeple-sync/internal/auth"
	steeple_errors "steeple-sync/pkg/errors"
)

const connectTimeout = 15 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenProvider
}

func NewClient(baseURL string, tokens auth.TokenProvider) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: connectTimeout},
		tokens:  tokens,
	}
}

// NewClientWithHTTP is used by tests to point the client at a local
// test server.
func NewClientWithHTTP(baseURL string, tokens auth.TokenProvider, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
	}
}

// WriteResult is the classified outcome of a mutation attempt. A
// transport-level failure yields StatusCode 0 and a non-nil error
// alongside ClassTransient.
type WriteResult struct {
	StatusCode int
	Class      steeple_errors.Class
	Body       []byte
}

// Write submits one outbox payload. The idempotency key makes a
// retried transmission a server-side no-op; the server answers a
// repeated key with the original success or a 409, both of which
// classify as success.
func (c *Client) Write(ctx context.Context, method, endpoint string, payload []byte, idempotencyKey string) (WriteResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return WriteResult{Class: steeple_errors.ClassPermanent}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if err := c.authorize(req); err != nil {
		return WriteResult{Class: steeple_errors.ClassTransient}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return WriteResult{Class: steeple_errors.ClassTransient}, fmt.Errorf("write %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return WriteResult{
		StatusCode: resp.StatusCode,
		Class:      steeple_errors.ClassifyStatus(resp.StatusCode),
		Body:       body,
	}, nil
}

// PullRequest describes one conditional incremental fetch.
type PullRequest struct {
	Path         string
	ETag         string
	Cursor       string
	UpdatedSince *time.Time
	Limit        int
}

// PullResponse carries one page. NotModified means the stored ETag
// still matches and no data was transferred.
type PullResponse struct {
	NotModified bool
	ETag        string
	Data        []json.RawMessage
	NextCursor  string
}

type pullEnvelope struct {
	Success bool              `json:"success"`
	Data    []json.RawMessage `json:"data"`
	Meta    struct {
		NextCursor string `json:"nextCursor"`
	} `json:"meta"`
}

// Pull issues a conditional GET. 304 short-circuits with NotModified;
// any non-200/304 status is an error.
func (c *Client) Pull(ctx context.Context, pr PullRequest) (PullResponse, error) {
	q := url.Values{}
	if pr.Limit > 0 {
		q.Set("limit", strconv.Itoa(pr.Limit))
	}
	if pr.Cursor != "" {
		q.Set("cursor", pr.Cursor)
	}
	if pr.UpdatedSince != nil {
		q.Set("updatedSince", pr.UpdatedSince.UTC().Format(time.RFC3339))
	}
	target := c.baseURL + pr.Path
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return PullResponse{}, fmt.Errorf("build request: %w", err)
	}
	if pr.ETag != "" {
		req.Header.Set("If-None-Match", pr.ETag)
	}
	if err := c.authorize(req); err != nil {
		return PullResponse{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return PullResponse{}, fmt.Errorf("pull %s: %w", pr.Path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return PullResponse{NotModified: true, ETag: pr.ETag}, nil
	case http.StatusOK:
		var env pullEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return PullResponse{}, fmt.Errorf("decode pull response: %w", err)
		}
		if !env.Success {
			return PullResponse{}, fmt.Errorf("pull %s: server reported failure", pr.Path)
		}
		return PullResponse{
			ETag:       resp.Header.Get("ETag"),
			Data:       env.Data,
			NextCursor: env.Meta.NextCursor,
		}, nil
	default:
		return PullResponse{}, fmt.Errorf("pull %s: unexpected status %d", pr.Path, resp.StatusCode)
	}
}

func (c *Client) authorize(req *http.Request) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	// An expired token is caught here, before anything hits the wire;
	// the server would only bounce it with a 401 anyway.
	if !c.tokens.Valid(time.Now()) {
		return fmt.Errorf("authorize: %w", steeple_errors.ErrTokenExpired)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
