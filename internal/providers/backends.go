package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"warden/internal/config"
)

const defaultHTTPTimeout = 120 * time.Second

// maxBackendResponse caps how much of a backend reply is read.
const maxBackendResponse = 4 << 20

// OpenAIBackend speaks the OpenAI-compatible chat completions API.
// It also serves the ollama type via ollama's /v1 compatibility surface.
type OpenAIBackend struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIBackend builds a backend from an openai-compatible config.
func NewOpenAIBackend(cfg config.ProviderConfig) (Backend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", cfg.Name)
	}
	return &OpenAIBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// NewOllamaBackend builds an OpenAI-compatible backend pointed at a
// local ollama server.
func NewOllamaBackend(cfg config.ProviderConfig) (Backend, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434/v1"
	}
	return NewOpenAIBackend(cfg)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat completion request.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}

	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponse))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if resp.StatusCode != http.StatusOK {
		msg := truncate(string(data), 200)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("backend returned no choices")
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Text:  parsed.Choices[0].Message.Content,
		Model: respModel,
	}, nil
}

// CLIBackend shells out to a local agent command, passing the prompt on
// stdin and reading the completion from stdout.
type CLIBackend struct {
	command string
	model   string
}

// NewCLIBackend builds a backend from a cli-subprocess config.
func NewCLIBackend(cfg config.ProviderConfig) (Backend, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("provider %s: command is required", cfg.Name)
	}
	return &CLIBackend{command: cfg.Command, model: cfg.Model}, nil
}

// Complete runs the subprocess once. The command is interpreted by the
// shell so configs can carry flags.
func (b *CLIBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", b.command)

	var input strings.Builder
	if req.System != "" {
		input.WriteString(req.System)
		input.WriteString("\n\n")
	}
	input.WriteString(req.Prompt)
	cmd.Stdin = strings.NewReader(input.String())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("subprocess: %w: %s", err, truncate(stderr.String(), 200))
	}

	model := req.Model
	if model == "" {
		model = b.model
	}
	return &Response{
		Text:  strings.TrimSpace(stdout.String()),
		Model: model,
	}, nil
}

// RegisterDefaultConstructors binds the built-in backend types.
func RegisterDefaultConstructors(r *Registry) {
	r.RegisterConstructor(TypeOpenAICompatible, NewOpenAIBackend)
	r.RegisterConstructor(TypeOllama, NewOllamaBackend)
	r.RegisterConstructor(TypeCLISubprocess, NewCLIBackend)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
