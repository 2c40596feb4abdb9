// Package remote is the HTTP client for the report pipeline service. Every response is
// validated at this boundary; callers never see raw payloads.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRequestTimeout = 15 * time.Second
	beaconTimeout         = 5 * time.Second
	maxErrorBody          = 2048
	maxBody               = 8 << 20
)

type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Tracer         trace.Tracer
}

type Client struct {
	baseURL        *url.URL
	requestTimeout time.Duration
	http           *http.Client
	tracer         trace.Tracer
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("reportflow/remote")
	}
	return &Client{
		baseURL:        base,
		requestTimeout: opts.RequestTimeout,
		http:           opts.HTTPClient,
		tracer:         opts.Tracer,
	}, nil
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := *c.baseURL
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = u.Path + "/" + strings.Join(escaped, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type response struct {
	code int
	body []byte
}

// do performs one request under the per-request timeout. Transport failures come back
// as *CallError; any HTTP status is returned to the caller to interpret.
func (c *Client) do(ctx context.Context, op, method, target string, payload any) (response, error) {
	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", target),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return response{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		callErr := classify(op, err)
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "transport failure")
		return response{}, callErr
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		callErr := classify(op, err)
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "read body failed")
		return response{}, callErr
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return response{code: resp.StatusCode, body: raw}, nil
}

func (r response) ok() bool { return r.code >= 200 && r.code < 300 }

func (r response) statusError(op string) *StatusError {
	b := r.body
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return &StatusError{Op: op, Code: r.code, Body: strings.TrimSpace(string(b))}
}

// GetTask fetches GET /tasks/{taskId}. The error return is reserved for transport
// failures; every answer from the server is reported through StatusResult.Kind.
func (c *Client) GetTask(ctx context.Context, taskID string) (StatusResult, error) {
	if taskID == "" {
		return StatusResult{}, ErrEmptyID
	}
	resp, err := c.do(ctx, "get_task", http.MethodGet, c.endpoint(nil, "tasks", taskID), nil)
	if err != nil {
		return StatusResult{}, err
	}
	switch {
	case resp.code == http.StatusNotFound:
		return StatusResult{Kind: ResultNotFound, Code: resp.code}, nil
	case !resp.ok():
		return StatusResult{Kind: ResultServerError, Code: resp.code, Detail: resp.statusError("get_task").Body}, nil
	}

	if err := validate(taskStatusJSONSchema, resp.body); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("status response rejected")
		return StatusResult{Kind: ResultServerError, Code: resp.code, Detail: err.Error()}, nil
	}
	var wire wireTaskStatus
	if err := json.Unmarshal(resp.body, &wire); err != nil {
		return StatusResult{Kind: ResultServerError, Code: resp.code, Detail: fmt.Sprintf("%v: %v", ErrInvalidResponse, err)}, nil
	}
	return StatusResult{Kind: ResultOK, Code: resp.code, Status: wire.normalize()}, nil
}

// CancelTask sends DELETE /tasks/{taskId}. A 404 counts as success: the task is gone.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrEmptyID
	}
	resp, err := c.do(ctx, "cancel_task", http.MethodDelete, c.endpoint(nil, "tasks", taskID), nil)
	if err != nil {
		return err
	}
	if resp.ok() || resp.code == http.StatusNotFound {
		return nil
	}
	return resp.statusError("cancel_task")
}

func (c *Client) CreateVersion(ctx context.Context, reportID string, req VersionRequest) (CreatedVersion, error) {
	if reportID == "" {
		return CreatedVersion{}, ErrEmptyID
	}
	resp, err := c.do(ctx, "create_version", http.MethodPost, c.endpoint(nil, "reports", reportID, "versions"), req)
	if err != nil {
		return CreatedVersion{}, err
	}
	if !resp.ok() {
		return CreatedVersion{}, resp.statusError("create_version")
	}
	if err := validate(createdVersionJSONSchema, resp.body); err != nil {
		return CreatedVersion{}, fmt.Errorf("create_version: %w", err)
	}
	var out CreatedVersion
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return CreatedVersion{}, fmt.Errorf("create_version: %w: %v", ErrInvalidResponse, err)
	}
	return out, nil
}

func (c *Client) GetVersion(ctx context.Context, versionID string) (VersionContent, error) {
	if versionID == "" {
		return VersionContent{}, ErrEmptyID
	}
	resp, err := c.do(ctx, "get_version", http.MethodGet, c.endpoint(nil, "versions", versionID), nil)
	if err != nil {
		return VersionContent{}, err
	}
	if !resp.ok() {
		return VersionContent{}, resp.statusError("get_version")
	}
	var out VersionContent
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return VersionContent{}, fmt.Errorf("get_version: %w: %v", ErrInvalidResponse, err)
	}
	return out, nil
}

func (c *Client) CompareVersions(ctx context.Context, a, b string) (VersionDiff, error) {
	if a == "" || b == "" {
		return VersionDiff{}, ErrEmptyID
	}
	q := url.Values{"v1": {a}, "v2": {b}}
	resp, err := c.do(ctx, "compare_versions", http.MethodGet, c.endpoint(q, "versions", "compare"), nil)
	if err != nil {
		return VersionDiff{}, err
	}
	if !resp.ok() {
		return VersionDiff{}, resp.statusError("compare_versions")
	}
	var out VersionDiff
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return VersionDiff{}, fmt.Errorf("compare_versions: %w: %v", ErrInvalidResponse, err)
	}
	if out.Changes == nil {
		out.Changes = []Change{}
	}
	return out, nil
}

// DownloadURL resolves GET /versions/{id}/download to the file location.
func (c *Client) DownloadURL(ctx context.Context, versionID string) (string, error) {
	if versionID == "" {
		return "", ErrEmptyID
	}
	resp, err := c.do(ctx, "download_version", http.MethodGet, c.endpoint(nil, "versions", versionID, "download"), nil)
	if err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", resp.statusError("download_version")
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil || out.URL == "" {
		return "", fmt.Errorf("download_version: %w: missing url", ErrInvalidResponse)
	}
	return c.resolve(out.URL)
}

// resolve turns a server-relative download location into an absolute URL.
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad url %q", ErrInvalidResponse, ref)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

type cleanupRequest struct {
	ReportID string `json:"reportId"`
}

// CleanupTempFiles asks the server to delete temporary files for reportID and waits.
func (c *Client) CleanupTempFiles(ctx context.Context, reportID string) error {
	if reportID == "" {
		return ErrEmptyID
	}
	resp, err := c.do(ctx, "cleanup_temp_files", http.MethodPost, c.endpoint(nil, "cleanup", "temp-files"), cleanupRequest{ReportID: reportID})
	if err != nil {
		return err
	}
	if !resp.ok() {
		return resp.statusError("cleanup_temp_files")
	}
	return nil
}

// CleanupBeacon fires the cleanup request without waiting for it. The request runs on a
// detached context so it outlives the caller.
func (c *Client) CleanupBeacon(reportID string) {
	if reportID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := c.CleanupTempFiles(ctx, reportID); err != nil {
			log.Warn().Str("report_id", reportID).Err(err).Msg("cleanup beacon failed")
			return
		}
		log.Info().Str("report_id", reportID).Msg("cleanup beacon delivered")
	}()
}
