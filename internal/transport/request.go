package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/rowsync/internal/api"
	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// request describes one HTTP call. The body is replayed on every attempt.
type request struct {
	method      string
	url         string
	auth        bool
	body        []byte
	contentType string
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, err
	}
	if r.auth && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	return req, nil
}

// do sends r, retrying retryable failures with exponential backoff, and hands a
// successful response to handle.
func (c *Client) do(ctx context.Context, op string, r request, handle func(*http.Response) error) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.once(ctx, op, r, handle)
		if err == nil || !sync.IsRetryable(err) {
			return err
		}
		slog.Warn("request failed, retrying",
			"component", "transport",
			"action", op,
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
}

func (c *Client) once(ctx context.Context, op string, r request, handle func(*http.Response) error) error {
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return &sync.TransportError{Op: op, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &sync.TransportError{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return responseError(op, resp)
	}
	if handle == nil {
		drain(resp.Body)
		return nil
	}
	if err := handle(resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// A body cut short mid-stream is worth another attempt.
		return &sync.TransportError{Op: op, Status: resp.StatusCode, Retryable: true, Err: err}
	}
	return nil
}

// problemSentinels maps problem type slugs to the errors the server raised.
var problemSentinels = map[string]error{
	api.TypeScopeNotFound:      sync.ErrScopeNotFound,
	api.TypeSnapshotNotFound:   sync.ErrSnapshotNotFound,
	api.TypeSessionNotFound:    orchestrator.ErrUnknownSession,
	api.TypePartMissing:        batch.ErrPartMissing,
	api.TypeSchema:             sync.ErrSchema,
	api.TypeApply:              sync.ErrApply,
	api.TypeConflictUnresolved: sync.ErrConflictUnresolved,
	api.TypeProvisioning:       sync.ErrProvisioning,
}

// responseError converts a non-2xx response into an error. Problem documents with
// a known type become their sentinel; everything else is a TransportError.
func responseError(op string, resp *http.Response) error {
	var p api.Problem
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/problem+json") {
		if err := json.Unmarshal(data, &p); err == nil {
			slug := strings.TrimPrefix(p.Type, api.ProblemTypeBase)
			if sentinel, ok := problemSentinels[slug]; ok {
				return fmt.Errorf("%s: %w: %s", op, sentinel, p.Detail)
			}
		}
	}

	detail := p.Detail
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	return &sync.TransportError{
		Op:        op,
		Status:    resp.StatusCode,
		Retryable: retryableStatus(resp.StatusCode),
		Err:       errors.New(detail),
	}
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
