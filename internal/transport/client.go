// Package transport implements the client half of the HTTP sync protocol. A Client
// satisfies orchestrator.Remote, so an Agent syncs with a remote server exactly as
// it does with an in-process one.
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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// Defaults applied by New.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetryBase = 200 * time.Millisecond
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client talks to a rowsync server over HTTP.
type Client struct {
	base       string
	apiKey     string
	http       *http.Client
	maxRetries uint64
	retryBase  time.Duration
}

var _ orchestrator.Remote = (*Client)(nil)

// New creates a Client for the server at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/") + "/api/v1",
		apiKey:     cfg.APIKey,
		http:       hc,
		maxRetries: uint64(cfg.MaxRetries),
		retryBase:  cfg.RetryBase,
	}, nil
}

// Ping checks connectivity to the server.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", request{method: http.MethodGet, url: c.base + "/health"}, nil)
}

// EnsureSchema implements orchestrator.Remote.
func (c *Client) EnsureSchema(ctx context.Context, req orchestrator.SchemaRequest) (*orchestrator.SchemaResponse, error) {
	var resp orchestrator.SchemaResponse
	err := c.do(ctx, "ensure schema", request{
		method: http.MethodPost,
		url:    c.scopeURL(req.ScopeName) + "/schema",
		auth:   true,
	}, decodeJSON(&resp))
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSnapshot implements orchestrator.Remote. Parts are fetched lazily, from object
// storage when the server hands out presigned URLs.
func (c *Client) GetSnapshot(ctx context.Context, req orchestrator.SnapshotRequest) (*orchestrator.Batch, error) {
	query, err := paramsQuery(req.Parameters)
	if err != nil {
		return nil, err
	}
	var reply orchestrator.SnapshotReply
	err = c.do(ctx, "get snapshot", request{
		method: http.MethodGet,
		url:    c.scopeURL(req.ScopeName) + "/snapshot" + query,
		auth:   true,
	}, decodeJSON(&reply))
	if err != nil {
		return nil, err
	}
	if reply.Batch == nil {
		return nil, &sync.TransportError{Op: "get snapshot", Err: errors.New("reply carries no batch")}
	}
	return &orchestrator.Batch{
		Info: reply.Batch,
		Parts: &partLoader{
			client: c,
			op:     "load snapshot part",
			url: func(index int) string {
				return c.scopeURL(req.ScopeName) + "/snapshot/parts/" + strconv.Itoa(index) + query
			},
			presigned: reply.PartURLs,
		},
	}, nil
}

// ApplyThenGetChanges implements orchestrator.Remote. Upload parts are staged one
// request each before the apply call; download parts are fetched on demand.
func (c *Client) ApplyThenGetChanges(ctx context.Context, req orchestrator.ApplyRequest) (*orchestrator.ApplyResponse, error) {
	sessionURL := c.scopeURL(req.ScopeName) + "/sessions/" + url.PathEscape(req.SessionID)

	msg := orchestrator.ApplyMessage{ApplyRequest: req}
	if req.Upload.HasData() {
		if err := c.uploadParts(ctx, sessionURL, req.SessionID, req.Upload); err != nil {
			return nil, err
		}
		msg.UploadInfo = req.Upload.Info
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode apply request: %w", err)
	}
	var reply orchestrator.ApplyReply
	err = c.do(ctx, "apply", request{
		method:      http.MethodPost,
		url:         sessionURL + "/apply",
		auth:        true,
		body:        body,
		contentType: "application/json",
	}, decodeJSON(&reply))
	if err != nil {
		return nil, err
	}
	if reply.DownloadInfo == nil {
		return nil, &sync.TransportError{Op: "apply", Err: errors.New("reply carries no download batch")}
	}

	resp := reply.ApplyResponse
	resp.Download = &orchestrator.Batch{
		Info: reply.DownloadInfo,
		Parts: &partLoader{
			client: c,
			op:     "load download part",
			url: func(index int) string {
				return sessionURL + "/download/" + strconv.Itoa(index)
			},
		},
	}
	return &resp, nil
}

func (c *Client) uploadParts(ctx context.Context, sessionURL, sessionID string, upload *orchestrator.Batch) error {
	for _, p := range upload.Info.Parts {
		rows, err := upload.Parts.LoadPart(ctx, p)
		if err != nil {
			return fmt.Errorf("load upload part %d: %w", p.Index, err)
		}
		var buf bytes.Buffer
		if err := batch.WriteRows(&buf, rows); err != nil {
			return fmt.Errorf("encode upload part %d: %w", p.Index, err)
		}
		err = c.do(ctx, "upload part", request{
			method:      http.MethodPut,
			url:         sessionURL + "/upload/" + strconv.Itoa(p.Index),
			auth:        true,
			body:        buf.Bytes(),
			contentType: batch.ContentType,
		}, nil)
		if err != nil {
			return err
		}
		slog.Debug("upload part sent",
			"component", "transport",
			"session_id", sessionID,
			"part", p.Index,
			"rows", len(rows),
			"bytes", buf.Len(),
		)
	}
	return nil
}

// EndSession implements orchestrator.Remote.
func (c *Client) EndSession(ctx context.Context, req orchestrator.EndSessionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode end session request: %w", err)
	}
	return c.do(ctx, "end session", request{
		method:      http.MethodPost,
		url:         c.scopeURL(req.ScopeName) + "/sessions/" + url.PathEscape(req.SessionID) + "/end",
		auth:        true,
		body:        body,
		contentType: "application/json",
	}, nil)
}

func (c *Client) scopeURL(scope string) string {
	return c.base + "/scopes/" + url.PathEscape(scope)
}

// partLoader fetches the parts of a batch held by the server.
type partLoader struct {
	client    *Client
	op        string
	url       func(index int) string
	presigned []string
}

// LoadPart implements batch.PartLoader.
func (l *partLoader) LoadPart(ctx context.Context, p batch.Part) ([]sync.ChangeRow, error) {
	var req request
	if p.Index < len(l.presigned) {
		req = request{method: http.MethodGet, url: l.presigned[p.Index]}
	} else {
		req = request{method: http.MethodGet, url: l.url(p.Index), auth: true}
	}
	var rows []sync.ChangeRow
	err := l.client.do(ctx, l.op, req, func(resp *http.Response) error {
		var err error
		rows, err = batch.ReadRows(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) != p.RowCount {
		return nil, &sync.TransportError{
			Op:  l.op,
			Err: fmt.Errorf("part %d has %d rows, expected %d", p.Index, len(rows), p.RowCount),
		}
	}
	return rows, nil
}

// paramsQuery encodes filter parameters as the params query value.
func paramsQuery(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return "?params=" + url.QueryEscape(string(data)), nil
}

func decodeJSON(v any) func(*http.Response) error {
	return func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

// drain discards the rest of a body so the connection can be reused.
func drain(r io.Reader) {
	io.Copy(io.Discard, io.LimitReader(r, 64<<10))
}
