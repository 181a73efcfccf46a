// Package execclient talks to the external sandboxed code-execution service
// over HTTP and shields callers from its failure modes: transport errors are
// classified into a typed taxonomy and a shared per-endpoint circuit breaker
// stops hammering a dead upstream.
package execclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	appErr "gradewell/pkg/errors"
)

// OutcomeOK is the execution-service outcome code for a clean run with no
// resource-limit violation.
const OutcomeOK = 15

// Config holds execution-service client settings.
type Config struct {
	// BaseURL is the execution-service endpoint, e.g. "http://jobe:4000/jobe/index.php/restapi".
	BaseURL string `yaml:"baseURL"`

	// Timeout is the per-request connect/read timeout. Default: 30 seconds.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrentRuns caps in-flight run requests per process.
	// Default: 4.
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`

	// SlotWait bounds how long a run waits for a concurrency slot.
	// Default: 30 seconds.
	SlotWait time.Duration `yaml:"slotWait"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// RunRequest is a fully-specified execution request.
type RunRequest struct {
	LanguageID     string
	SourceCode     string
	Stdin          string
	SourceFilename string

	// Files lists (fileId, filename) pairs already staged on the service.
	Files [][2]string

	// Parameters are free-form run parameters (compileargs, linkargs, ...).
	Parameters map[string]interface{}

	// Resource caps; zero means unset and is omitted from the wire request.
	CPUTimeSeconds  int
	MemoryLimitMB   int
	StreamSizeLimMB int
}

// RunResult is the validated execution-service response.
type RunResult struct {
	Outcome       int
	CompileOutput string
	Stdout        string
	Stderr        string
}

// Ok reports a clean run.
func (r *RunResult) Ok() bool {
	return r.Outcome == OutcomeOK
}

// LanguageInfo is one installed language on the execution service.
type LanguageInfo struct {
	ID      string
	Version string
}

// Client is an execution-service HTTP client. Instances targeting the same
// endpoint share a circuit breaker through the registry.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *Breaker
	sem      chan struct{}
	slotWait time.Duration
}

// NewClient creates a client. The registry is required so that breaker state
// is shared process-wide per endpoint.
func NewClient(cfg Config, registry *BreakerRegistry) (*Client, error) {
	if registry == nil {
		return nil, fmt.Errorf("breaker registry is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 4
	}
	if cfg.SlotWait <= 0 {
		cfg.SlotWait = 30 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  registry.ForEndpoint(cfg.BaseURL),
		sem:      make(chan struct{}, cfg.MaxConcurrentRuns),
		slotWait: cfg.SlotWait,
	}, nil
}

// Breaker exposes the endpoint's breaker (used by the worker to trip it
// proactively on observed transient failures).
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// ListLanguages returns the languages installed on the execution service.
func (c *Client) ListLanguages(ctx context.Context) ([]LanguageInfo, error) {
	body, err := c.call(ctx, http.MethodGet, "/languages", nil, "")
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, appErr.Wrap(err, appErr.ExecProtocol).WithMessage("languages response is not an array of pairs")
	}
	langs := make([]LanguageInfo, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, appErr.New(appErr.ExecProtocol).WithMessage("languages response row is missing fields")
		}
		langs = append(langs, LanguageInfo{ID: row[0], Version: row[1]})
	}
	return langs, nil
}

// Run submits a run request and returns the validated result. A concurrency
// slot is acquired first so many simultaneous test-case runs cannot overwhelm
// the shared sandbox.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := c.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer c.releaseSlot()

	payload := map[string]interface{}{
		"run_spec": buildRunSpec(req),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError)
	}

	body, err := c.call(ctx, http.MethodPost, "/runs", bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}
	return decodeRunResult(body)
}

// FileExists checks whether a staged file is present on the service.
func (c *Client) FileExists(ctx context.Context, fileID string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodHead, "/files/"+fileID, nil, "")
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, appErr.Newf(appErr.ExecUpstream, "file check returned HTTP %d", status)
	}
}

// PutFile stages file content on the service under the given id. A 403 from
// the service means the file already exists and is treated as success.
func (c *Client) PutFile(ctx context.Context, fileID string, content []byte) error {
	status, _, err := c.do(ctx, http.MethodPut, "/files/"+fileID, bytes.NewReader(content), "application/octet-stream")
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK, http.StatusCreated, http.StatusForbidden:
		return nil
	default:
		return appErr.Newf(appErr.ExecUpstream, "file upload returned HTTP %d", status)
	}
}

// EnsureFile stages content only if the service does not already have it.
func (c *Client) EnsureFile(ctx context.Context, fileID string, content []byte) error {
	exists, err := c.FileExists(ctx, fileID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.PutFile(ctx, fileID, content)
}

func (c *Client) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(c.slotWait)
	defer timer.Stop()
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return appErr.Wrap(ctx.Err(), appErr.ExecTransient)
	case <-timer.C:
		return appErr.New(appErr.ExecTransient).WithMessage("timed out waiting for an execution slot")
	}
}

func (c *Client) releaseSlot() {
	select {
	case <-c.sem:
	default:
	}
}

// call performs a request expecting a 2xx response and returns its body.
func (c *Client) call(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	status, respBody, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, appErr.Newf(appErr.ExecUpstream, "execution service returned HTTP %d: %s", status, truncate(respBody, 512))
	}
	return respBody, nil
}

// do wraps every outbound request with the circuit breaker and maps
// transport failures to the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (int, []byte, error) {
	if c.baseURL == "" {
		return 0, nil, appErr.New(appErr.ExecMisconfigured)
	}

	probe, err := c.breaker.Allow()
	if err != nil {
		return 0, nil, err
	}

	status, respBody, err := c.roundTrip(ctx, method, path, body, contentType)
	// Transport failures and server-side 5xx count against the breaker;
	// caller errors (4xx) mean the service itself is healthy.
	failure := err != nil || status >= 500
	c.breaker.Record(!failure, probe)
	if err != nil {
		return 0, nil, err
	}
	return status, respBody, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body io.Reader, contentType string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, appErr.Wrap(err, appErr.InternalServerError)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, appErr.Wrap(err, appErr.ExecTransient).WithMessage("reading execution service response failed")
	}
	return resp.StatusCode, respBody, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return appErr.Wrap(err, appErr.ExecTransient).WithMessage("execution service request timed out")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return appErr.Wrap(err, appErr.ExecTransient).WithMessage("execution service request canceled")
	}
	return appErr.Wrap(err, appErr.ExecTransient).WithMessage("execution service is unreachable")
}

func buildRunSpec(req RunRequest) map[string]interface{} {
	spec := map[string]interface{}{
		"language_id": req.LanguageID,
		"sourcecode":  req.SourceCode,
		"input":       req.Stdin,
	}
	if req.SourceFilename != "" {
		spec["sourcefilename"] = req.SourceFilename
	}
	if len(req.Files) > 0 {
		fileList := make([][]string, 0, len(req.Files))
		for _, f := range req.Files {
			fileList = append(fileList, []string{f[0], f[1]})
		}
		spec["file_list"] = fileList
	}

	params := make(map[string]interface{}, len(req.Parameters)+3)
	for k, v := range req.Parameters {
		params[k] = v
	}
	if req.CPUTimeSeconds > 0 {
		params["cputime"] = req.CPUTimeSeconds
	}
	if req.MemoryLimitMB > 0 {
		params["memorylimit"] = req.MemoryLimitMB
	}
	if req.StreamSizeLimMB > 0 {
		params["streamsize"] = req.StreamSizeLimMB
	}
	if len(params) > 0 {
		spec["parameters"] = params
	}
	return spec
}

// decodeRunResult validates the response shape field by field and fails
// closed on anything missing or mistyped, so a malformed upstream response
// can never leak into scoring as a zero value.
func decodeRunResult(body []byte) (*RunResult, error) {
	var raw struct {
		Outcome       *int    `json:"outcome"`
		CompileOutput *string `json:"cmpinfo"`
		Stdout        *string `json:"stdout"`
		Stderr        *string `json:"stderr"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, appErr.Wrap(err, appErr.ExecProtocol).WithMessage("run response is not valid JSON")
	}
	if raw.Outcome == nil {
		return nil, appErr.New(appErr.ExecProtocol).WithMessage("run response is missing outcome")
	}
	if raw.CompileOutput == nil || raw.Stdout == nil || raw.Stderr == nil {
		return nil, appErr.New(appErr.ExecProtocol).WithMessage("run response is missing output fields")
	}
	return &RunResult{
		Outcome:       *raw.Outcome,
		CompileOutput: *raw.CompileOutput,
		Stdout:        *raw.Stdout,
		Stderr:        *raw.Stderr,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
