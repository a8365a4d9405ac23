package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/iago/tiprelay/internal/domain"
)

var ErrLLMUnavailable = errors.New("llm classifier is not configured")

const classifyInstructions = `You extract sports betting tips from chat messages.
Answer with a single JSON object and nothing else.
If the message is not a tip, answer {"is_tip": false}.
Otherwise answer {"is_tip": true, "match": "...", "selection": "...", "market": "...", "odds": 1.85, "stake": 1, "sport": "..."}.`

type LLMConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	AppName    string
}

// LLMClassifier asks an OpenAI-compatible chat-completions endpoint to
// classify text or an attached image.
type LLMClassifier struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	appName    string
}

func NewLLMClassifier(config LLMConfig) *LLMClassifier {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://openrouter.ai/api/v1"
	}
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "openai/gpt-4.1-mini"
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(config.AppName) == "" {
		config.AppName = "tiprelay"
	}
	return &LLMClassifier{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		model:      config.Model,
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
		appName:    config.AppName,
	}
}

func (c *LLMClassifier) Available() bool {
	return c.apiKey != ""
}

func (c *LLMClassifier) Classify(ctx context.Context, input Input) (*domain.DetectedEvent, error) {
	if !c.Available() {
		return nil, ErrLLMUnavailable
	}
	if strings.TrimSpace(input.Text) == "" && len(input.Media) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{"role": "system", "content": classifyInstructions},
			{"role": "user", "content": userContent(input)},
		},
		"temperature": 0,
		"max_tokens":  300,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal classify payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		text, callErr := c.callChatCompletions(ctx, payload)
		if callErr == nil {
			return parseVerdict(text)
		}
		lastErr = callErr
		if !isRetryable(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func userContent(input Input) any {
	text := Redact(input.Text)
	if len(input.Media) == 0 {
		return text
	}
	mime := input.MediaMIME
	if mime == "" {
		mime = http.DetectContentType(input.Media)
	}
	parts := []map[string]any{
		{
			"type": "image_url",
			"image_url": map[string]string{
				"url": "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(input.Media),
			},
		},
	}
	if strings.TrimSpace(text) != "" {
		parts = append(parts, map[string]any{"type": "text", "text": text})
	}
	return parts
}

func (c *LLMClassifier) callChatCompletions(ctx context.Context, payload []byte) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create classify request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Title", c.appName)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: classify transport: %v", domain.ErrTransientIO, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read classify body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 500 {
			message = message[:500]
		}
		return "", &providerError{StatusCode: response.StatusCode, Message: message}
	}

	var decoded chatCompletionsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode classify response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("classify response without choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	IsTip     bool    `json:"is_tip"`
	Match     string  `json:"match"`
	Selection string  `json:"selection"`
	Market    string  `json:"market"`
	Odds      float64 `json:"odds"`
	Stake     float64 `json:"stake"`
	Sport     string  `json:"sport"`
}

// parseVerdict tolerates code fences and prose around the JSON object.
func parseVerdict(text string) (*domain.DetectedEvent, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("classify verdict is not json: %q", truncate(text, 120))
	}
	var parsed verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("decode classify verdict: %w", err)
	}
	if !parsed.IsTip || parsed.Odds <= 1 {
		return nil, nil
	}
	stake := parsed.Stake
	if stake <= 0 {
		stake = 1
	}
	return &domain.DetectedEvent{
		Match:     strings.TrimSpace(parsed.Match),
		Selection: strings.TrimSpace(parsed.Selection),
		Market:    strings.TrimSpace(parsed.Market),
		Odds:      parsed.Odds,
		Stake:     stake,
		Sport:     strings.TrimSpace(parsed.Sport),
	}, nil
}

type providerError struct {
	StatusCode int
	Message    string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("classifier provider status %d: %s", e.StatusCode, e.Message)
}

func isRetryable(err error) bool {
	var httpErr *providerError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return errors.Is(err, domain.ErrTransientIO)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
