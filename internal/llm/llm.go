package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotConfigured is returned when no provider can serve requests.
	ErrNotConfigured = errors.New("no LLM provider configured")
	// ErrUnavailable marks a provider that is refusing calls altogether.
	ErrUnavailable = errors.New("LLM provider unavailable")
)

// Request is one chat completion: a system instruction plus a user message.
type Request struct {
	// Operation labels the call for metrics, e.g. "cluster" or "analysis".
	Operation   string
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
	// JSON asks the provider to constrain output to a JSON object.
	JSON bool
}

// Provider is the interface for LLM providers.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	IsConfigured() bool
}

// Model describes a model offered by a provider.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
}

// ModelLister is implemented by providers that can enumerate their models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// Settings selects and configures a provider.
type Settings struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKeyEnv   string
	OllamaURL   string
	OllamaModel string
	Timeout     time.Duration
}

func messages(req Request) []map[string]string {
	var msgs []map[string]string
	if req.System != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": req.System})
	}
	return append(msgs, map[string]string{"role": "user", "content": req.User})
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, timeout time.Duration, logger *zap.Logger) *OllamaProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	models, err := o.ListModels(context.Background())
	if err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range models {
		if strings.Contains(m.ID, modelBase) {
			return true
		}
	}
	o.logger.Warn("ollama model not found", zap.String("model", o.Model))
	return false
}

// ListModels returns the locally pulled models.
func (o *OllamaProvider) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API returned %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	models := make([]Model, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, Model{ID: m.Name, OwnedBy: "ollama"})
	}
	return models, nil
}

// Complete sends a chat request to Ollama and returns the response text.
func (o *OllamaProvider) Complete(ctx context.Context, r Request) (string, error) {
	model := r.Model
	if model == "" {
		model = o.Model
	}
	options := map[string]any{
		"num_predict": r.MaxTokens,
		"temperature": r.Temperature,
	}
	if r.TopP > 0 {
		options["top_p"] = r.TopP
	}
	body := map[string]any{
		"model":    model,
		"messages": messages(r),
		"stream":   false,
		"options":  options,
	}
	if r.JSON {
		body["format"] = "json"
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return result.Message.Content, nil
}

// OpenAIProvider talks to an OpenAI-compatible chat completions API such as
// Groq or OpenAI itself.
type OpenAIProvider struct {
	Model   string
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewOpenAIProvider creates a provider reading its key from apiKeyEnv.
func NewOpenAIProvider(model, baseURL, apiKeyEnv string, timeout time.Duration) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  os.Getenv(apiKeyEnv),
		client:  &http.Client{Timeout: timeout},
	}
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Complete sends a chat completion request and returns the first choice.
func (o *OpenAIProvider) Complete(ctx context.Context, r Request) (string, error) {
	if o.APIKey == "" {
		return "", fmt.Errorf("%w: API key not set", ErrNotConfigured)
	}

	model := r.Model
	if model == "" {
		model = o.Model
	}
	body := map[string]any{
		"model":       model,
		"messages":    messages(r),
		"max_tokens":  r.MaxTokens,
		"temperature": r.Temperature,
	}
	if r.TopP > 0 {
		body["top_p"] = r.TopP
	}
	if r.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in chat response")
	}

	return result.Choices[0].Message.Content, nil
}

// ListModels returns the models the API key can use.
func (o *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	if o.APIKey == "" {
		return nil, fmt.Errorf("%w: API key not set", ErrNotConfigured)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("models API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	return result.Data, nil
}

// CreateProvider creates an LLM provider based on configuration. It returns
// nil when neither Ollama nor the chat API is usable.
func CreateProvider(s Settings, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.ToLower(s.Provider) == "ollama" {
		p := NewOllamaProvider(s.OllamaModel, s.OllamaURL, s.Timeout, logger)
		if p.IsConfigured() {
			logger.Info("using ollama", zap.String("model", s.OllamaModel))
			return p
		}
		logger.Warn("ollama not available, trying chat API fallback")
	}

	p := NewOpenAIProvider(s.Model, s.BaseURL, s.APIKeyEnv, s.Timeout)
	if p.IsConfigured() {
		logger.Info("using chat API", zap.String("base_url", p.BaseURL), zap.String("model", s.Model))
		return p
	}

	logger.Warn("no LLM provider available", zap.String("api_key_env", s.APIKeyEnv))
	return nil
}
