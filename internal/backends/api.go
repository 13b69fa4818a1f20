package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/registry"
	"github.com/meircohen/openclaw/internal/task"
)

// MetadataModelKey lets the router pin a registry-resolved model id on a
// task before dispatching it to the API adapter.
const MetadataModelKey = "model"

// APIConfig configures the paid API adapter.
type APIConfig struct {
	// Enabled toggles the backend. Defaults to enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	// BaseURL is the API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// DefaultModel is used when neither the task nor the registry picks one.
	DefaultModel string `yaml:"default_model"`

	// MaxOutputTokens bounds a single response.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// Timeout bounds one request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultAPIConfig returns defaults for the paid API family.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		BaseURL:         "https://api.anthropic.com/v1/messages",
		APIKeyEnv:       "ANTHROPIC_API_KEY",
		DefaultModel:    "anthropic/sonnet",
		MaxOutputTokens: 8192,
		Timeout:         5 * time.Minute,
	}
}

// apiAdapter calls the selected paid model family. Concurrency is unbounded
// here; the governor and ledger bound it upstream.
type apiAdapter struct {
	config   *APIConfig
	registry *registry.Registry
	client   *http.Client
	log      *slog.Logger

	mu     sync.Mutex
	active int
}

// NewAPI creates the paid API adapter. The registry resolves model ids for
// tasks that do not carry one.
func NewAPI(config *APIConfig, reg *registry.Registry) Adapter {
	if config == nil {
		config = DefaultAPIConfig()
	}
	return &apiAdapter{
		config:   config,
		registry: reg,
		client:   &http.Client{},
		log:      logging.WithComponent("backends.api"),
	}
}

// Name returns the backend id.
func (a *apiAdapter) Name() task.Backend {
	return task.BackendAPI
}

// IsAvailable reports whether an API key is configured.
func (a *apiAdapter) IsAvailable() bool {
	return os.Getenv(a.config.APIKeyEnv) != ""
}

// SessionStatus reports in-flight request count; the API has no session
// pricing window.
func (a *apiAdapter) SessionStatus() SessionStatus {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	return SessionStatus{
		ActiveExecutions: active,
		Detail:           fmt.Sprintf("%d requests in flight", active),
	}
}

// Probe verifies the API key is present without spending tokens.
func (a *apiAdapter) Probe(ctx context.Context) (string, error) {
	if !a.IsAvailable() {
		return "", fmt.Errorf("%s is not set", a.config.APIKeyEnv)
	}
	return "", nil
}

// resolveModel picks the model id: task metadata first, then the registry,
// then the configured default.
func (a *apiAdapter) resolveModel(t *task.Task) string {
	if t.Metadata != nil {
		if m := t.Metadata[MetadataModelKey]; m != "" {
			return m
		}
	}
	if a.registry != nil {
		sel, err := a.registry.SelectModel(t.Type, t.Complexity, estimateTokensFromText(t.Description))
		if err == nil {
			return sel.ID()
		}
	}
	return a.config.DefaultModel
}

// messageRequest is the API request payload.
type messageRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []messagePayload `json:"messages"`
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messageResponse is the API reply payload.
type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// ExecuteTask sends the task description to the API and prices the usage
// from the registry's cost table.
func (a *apiAdapter) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	a.mu.Lock()
	a.active++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()

	model := a.resolveModel(t)
	// Strip a provider prefix like "anthropic/" for the wire model id.
	wireModel := model
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		wireModel = model[idx+1:]
	}

	body, err := json.Marshal(messageRequest{
		Model:     wireModel,
		MaxTokens: a.config.MaxOutputTokens,
		Messages:  []messagePayload{{Role: "user", Content: t.Description}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(execCtx, http.MethodPost, a.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", os.Getenv(a.config.APIKeyEnv))
	req.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError(task.BackendAPI, fmt.Sprintf("killed after %s", a.config.Timeout))
		}
		return nil, &BackendError{
			Kind:           KindUnavailable,
			Backend:        task.BackendAPI,
			Message:        err.Error(),
			ShouldFallback: true,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{
			Kind:           KindHTTP,
			Backend:        task.BackendAPI,
			Message:        err.Error(),
			ShouldFallback: true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		be := &BackendError{
			Kind:           KindHTTP,
			Backend:        task.BackendAPI,
			Message:        fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 300)),
			ShouldFallback: true,
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529 || IsRateLimitSignal(string(raw)) {
			be.Kind = KindRateLimit
			be.RateLimited = true
		}
		return nil, be
	}

	var payload messageResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &BackendError{
			Kind:           KindHTTP,
			Backend:        task.BackendAPI,
			Message:        fmt.Sprintf("bad response payload: %v", err),
			ShouldFallback: true,
		}
	}

	var text strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result := &task.Result{
		Success:      true,
		Backend:      task.BackendAPI,
		Model:        model,
		Response:     strings.TrimSpace(text.String()),
		Duration:     time.Since(start),
		TokensInput:  payload.Usage.InputTokens,
		TokensOutput: payload.Usage.OutputTokens,
		CostUSD:      a.priceUsage(model, payload.Usage.InputTokens, payload.Usage.OutputTokens),
		OutputPath:   t.OutputPath,
	}

	a.log.Debug("API execution complete",
		slog.String("task_id", t.ID),
		slog.String("model", model),
		slog.Float64("cost_usd", result.CostUSD),
	)

	return result, nil
}

// priceUsage prices actual usage from the registry's cost table.
func (a *apiAdapter) priceUsage(model string, tokensIn, tokensOut int64) float64 {
	name := model
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if a.registry != nil {
		for _, m := range a.registry.Models() {
			if m.Name == name {
				return float64(tokensIn)/1000*m.CostPer1KIn + float64(tokensOut)/1000*m.CostPer1KOut
			}
		}
	}
	// Unknown model: fall back to standard-tier pricing.
	return float64(tokensIn)/1000*0.003 + float64(tokensOut)/1000*0.015
}
