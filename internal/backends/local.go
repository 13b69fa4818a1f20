package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/task"
)

// LocalConfig configures the local model server adapter.
type LocalConfig struct {
	// Enabled toggles the backend. Defaults to enabled.
	Enabled *bool `yaml:"enabled,omitempty"`

	// ServerURL is the local model server base URL.
	ServerURL string `yaml:"server_url"`

	// Model is the model name requested from the server.
	Model string `yaml:"model"`

	// Timeout bounds one generation request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultLocalConfig returns defaults for the local model server.
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		ServerURL: "http://127.0.0.1:11434",
		Model:     "qwen2.5-coder",
		Timeout:   10 * time.Minute,
	}
}

// localAdapter posts generation requests to the local HTTP model server.
// Concurrency is unbounded here; the server bounds itself.
type localAdapter struct {
	config *LocalConfig
	client *http.Client
	log    *slog.Logger

	mu     sync.Mutex
	active int
}

// NewLocal creates the local model server adapter.
func NewLocal(config *LocalConfig) Adapter {
	if config == nil {
		config = DefaultLocalConfig()
	}
	return &localAdapter{
		config: config,
		client: &http.Client{},
		log:    logging.WithComponent("backends.local"),
	}
}

// Name returns the backend id.
func (a *localAdapter) Name() task.Backend {
	return task.BackendLocal
}

// IsAvailable reports whether the server answers its health endpoint.
func (a *localAdapter) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Probe(ctx)
	return err == nil
}

// SessionStatus reports in-flight request count; the local server has no
// session pricing window.
func (a *localAdapter) SessionStatus() SessionStatus {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	return SessionStatus{
		ActiveExecutions: active,
		Detail:           fmt.Sprintf("%d requests in flight", active),
	}
}

// Probe checks the server's version endpoint.
func (a *localAdapter) Probe(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.ServerURL+"/api/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("local server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("local server returned %d", resp.StatusCode)
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", nil
	}
	return payload.Version, nil
}

// generateRequest is the local server's generation payload.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the local server's generation reply.
type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
	Done            bool   `json:"done"`
}

// ExecuteTask posts the task description to the generation endpoint.
func (a *localAdapter) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	a.mu.Lock()
	a.active++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()

	execCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:  a.config.Model,
		Prompt: t.Description,
		Stream: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(execCtx, http.MethodPost, a.config.ServerURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError(task.BackendLocal, fmt.Sprintf("killed after %s", a.config.Timeout))
		}
		return nil, &BackendError{
			Kind:           KindUnavailable,
			Backend:        task.BackendLocal,
			Message:        err.Error(),
			ShouldFallback: true,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{
			Kind:           KindHTTP,
			Backend:        task.BackendLocal,
			Message:        err.Error(),
			ShouldFallback: true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		be := &BackendError{
			Kind:           KindHTTP,
			Backend:        task.BackendLocal,
			Message:        fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 300)),
			ShouldFallback: true,
		}
		if resp.StatusCode == http.StatusTooManyRequests || IsRateLimitSignal(string(raw)) {
			be.Kind = KindRateLimit
			be.RateLimited = true
		}
		return nil, be
	}

	var payload generateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &BackendError{
			Kind:           KindHTTP,
			Backend:        task.BackendLocal,
			Message:        fmt.Sprintf("bad response payload: %v", err),
			ShouldFallback: true,
		}
	}

	tokensIn := payload.PromptEvalCount
	tokensOut := payload.EvalCount
	if tokensIn == 0 {
		tokensIn = estimateTokensFromText(t.Description)
	}
	if tokensOut == 0 {
		tokensOut = estimateTokensFromText(payload.Response)
	}

	a.log.Debug("Local generation complete",
		slog.String("task_id", t.ID),
		slog.Int64("tokens_out", tokensOut),
	)

	return &task.Result{
		Success:      true,
		Backend:      task.BackendLocal,
		Model:        a.config.Model,
		Response:     strings.TrimSpace(payload.Response),
		Duration:     time.Since(start),
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		OutputPath:   t.OutputPath,
	}, nil
}
