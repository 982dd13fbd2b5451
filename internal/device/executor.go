// Package device talks to the managed network device through its agent API.
package device

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
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/metrics"
	"github.com/miradorstack/mirador-autopilot/internal/utils"
)

// Executor runs one device command and returns its textual output.
type Executor interface {
	Execute(ctx context.Context, command string, params map[string]string) (string, error)
}

// Snapshotter captures the device configuration before risky changes.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, trigger string) (string, error)
}

// ErrCommandFailed wraps errors the device reported for a command it did receive.
var ErrCommandFailed = errors.New("device command failed")

// HTTPConfig targets the device agent.
type HTTPConfig struct {
	BaseURL     string
	ExecutePath string
	Token       string
	Timeout     time.Duration
}

// HTTPExecutor posts commands as JSON to the device agent.
type HTTPExecutor struct {
	baseURL     string
	executePath string
	token       string
	httpClient  *http.Client
	latency     *utils.LatencyWindow
	logger      *slog.Logger
}

// NewHTTPExecutor constructs an executor for the configured agent.
func NewHTTPExecutor(cfg HTTPConfig, logger *slog.Logger) *HTTPExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ExecutePath == "" {
		cfg.ExecutePath = "/api/v1/execute"
	}
	return &HTTPExecutor{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		executePath: cfg.ExecutePath,
		token:       cfg.Token,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		latency:     utils.NewLatencyWindow(256),
		logger:      logger,
	}
}

type executeRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

type executeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Execute sends command to the agent. Agent-reported failures wrap ErrCommandFailed.
func (e *HTTPExecutor) Execute(ctx context.Context, command string, params map[string]string) (string, error) {
	if e == nil || e.baseURL == "" {
		return "", fmt.Errorf("device agent base URL not configured")
	}
	if strings.TrimSpace(command) == "" {
		return "", utils.Invalid("device.execute", "empty command")
	}

	start := time.Now()
	var resp executeResponse
	err := e.postJSON(ctx, e.resolvePath(e.executePath), executeRequest{Command: command, Params: params}, &resp)
	elapsed := time.Since(start)
	e.latency.Observe(elapsed)

	if err == nil && resp.Error != "" {
		err = fmt.Errorf("%w: %s", ErrCommandFailed, resp.Error)
	}
	if err != nil {
		metrics.ObserveDeviceCommand(elapsed, metrics.OutcomeError)
		e.logger.Debug("device command failed", slog.String("command", command), slog.Any("error", err))
		return resp.Output, err
	}
	metrics.ObserveDeviceCommand(elapsed, metrics.OutcomeSuccess)
	return resp.Output, nil
}

// LatencyP95 reports the recent 95th percentile command latency.
func (e *HTTPExecutor) LatencyP95() time.Duration {
	return e.latency.Percentile(95)
}

func (e *HTTPExecutor) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return e.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (e *HTTPExecutor) postJSON(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("device agent returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
