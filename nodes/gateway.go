package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stategraph/retry"
)

// Default gateway endpoints, matching the development topology: the
// model proxy on one port, the tool gateway on another.
const (
	DefaultLLMBaseURL  = "http://localhost:4000"
	DefaultToolBaseURL = "http://localhost:3000"
)

const gatewayMaxErrorBody = 512

// GatewayLLMOptions configures a GatewayLLMClient. Zero values select
// the defaults.
type GatewayLLMOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
}

// GatewayLLMClient is an LLMClient backed by an OpenAI-compatible chat
// completions endpoint.
type GatewayLLMClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries int
}

// NewGatewayLLMClient creates a chat completions client.
func NewGatewayLLMClient(opts GatewayLLMOptions) *GatewayLLMClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultLLMBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	return &GatewayLLMClient{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		client:     opts.HTTPClient,
		maxRetries: opts.MaxRetries,
	}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Call sends a chat completion request and returns the first choice's
// content with its token usage.
func (c *GatewayLLMClient) Call(ctx context.Context, model string, messages []Message, params ModelParams) (string, Usage, error) {
	request := chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	var response chatCompletionResponse
	err := retry.Do(ctx, func() error {
		return postJSON(ctx, c.client, c.baseURL+"/v1/chat/completions", c.apiKey, request, &response)
	}, retry.WithMaxRetries(c.maxRetries), retry.WithBaseWait(500*time.Millisecond))
	if err != nil {
		return "", Usage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("chat completion returned no choices")
	}
	usage := Usage{
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
	}
	return response.Choices[0].Message.Content, usage, nil
}

// GatewayToolOptions configures a GatewayToolClient. Zero values select
// the defaults.
type GatewayToolOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
}

// GatewayToolClient is a ToolClient backed by the tool gateway's JSON
// invocation endpoint.
type GatewayToolClient struct {
	baseURL    string
	client     *http.Client
	maxRetries int
}

// NewGatewayToolClient creates a tool invocation client.
func NewGatewayToolClient(opts GatewayToolOptions) *GatewayToolClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultToolBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	return &GatewayToolClient{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		client:     opts.HTTPClient,
		maxRetries: opts.MaxRetries,
	}
}

type toolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Call invokes a tool by name. The gateway wraps tool output in a
// single-key envelope; Call unwraps the common keys and returns the raw
// object for anything else.
func (c *GatewayToolClient) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	request := toolCallRequest{Name: tool, Arguments: args}
	var response map[string]any
	err := retry.Do(ctx, func() error {
		return postJSON(ctx, c.client, c.baseURL+"/mcp/tools/call", "", request, &response)
	}, retry.WithMaxRetries(c.maxRetries), retry.WithBaseWait(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", tool, err)
	}
	if results, ok := response["results"]; ok {
		return results, nil
	}
	if content, ok := response["content"]; ok {
		return content, nil
	}
	return response, nil
}

// ListTools returns the tool definitions the gateway exposes.
func (c *GatewayToolClient) ListTools(ctx context.Context) ([]map[string]any, error) {
	var response struct {
		Tools []map[string]any `json:"tools"`
	}
	err := retry.Do(ctx, func() error {
		return postJSON(ctx, c.client, c.baseURL+"/mcp/tools/list", "", map[string]any{}, &response)
	}, retry.WithMaxRetries(c.maxRetries), retry.WithBaseWait(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return response.Tools, nil
}

// postJSON sends a JSON POST and decodes the JSON response into out.
// Transport failures and retryable status codes come back as recoverable
// errors so retry.Do tries them again; everything else is permanent.
func postJSON(ctx context.Context, client *http.Client, url, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return retry.NewRecoverableError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.NewRecoverableError(fmt.Errorf("failed to read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		text := string(data)
		if len(text) > gatewayMaxErrorBody {
			text = text[:gatewayMaxErrorBody]
		}
		statusErr := fmt.Errorf("request failed with status %d: %s", resp.StatusCode, text)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.NewRecoverableError(statusErr)
		}
		return statusErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
