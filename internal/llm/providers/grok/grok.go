// internal/llm/providers/grok/grok.go
package grok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/llm"
)

// DefaultTimeout 单次 chat 调用上限
const DefaultTimeout = 120 * time.Second

// fallbackModels 遇到 403 时依次尝试的模型
var fallbackModels = []string{"grok-4", "grok-3-mini", "grok-beta"}

func init() {
	llm.Register("grok", func() llm.Provider {
		return &Provider{baseURL: "https://api.x.ai/v1"}
	})
}

// Provider xAI chat completions 客户端
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	models  []string
}

func (p *Provider) Initialize(cfg map[string]string) error {
	apiKey := cfg["api_key"]
	if !config.IsSet(apiKey) {
		return apperrors.NewConfigMissingError("XAI_API_KEY not set", nil)
	}
	p.apiKey = apiKey
	p.client = &http.Client{Timeout: DefaultTimeout}

	if baseURL := cfg["base_url"]; baseURL != "" {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}

	// 首选模型放在回退链最前面
	p.models = append([]string(nil), fallbackModels...)
	if model := cfg["default_model"]; model != "" && model != p.models[0] {
		p.models = append([]string{model}, p.models...)
	}
	return nil
}

func (p *Provider) GetName() string {
	return "Grok"
}

func (p *Provider) GetSupportedModels() []string {
	return p.models
}

// CompleteText 调用 chat completions；请求指定了模型时不做回退
func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewConfigMissingError("XAI_API_KEY not set", nil)
	}

	models := p.models
	if req.Model != "" {
		models = []string{req.Model}
	}

	var lastErr error
	for _, model := range models {
		resp, status, err := p.complete(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if status != http.StatusForbidden {
			return nil, err
		}
	}
	return nil, apperrors.NewExternalCallError(
		"xAI API 403 on every model; the network or region may be blocked", lastErr)
}

func (p *Provider) complete(ctx context.Context, model string, req llm.CompletionRequest) (*llm.CompletionResponse, int, error) {
	messages := []map[string]string{
		{"role": "user", "content": req.Prompt},
	}
	if req.SystemPrompt != "" {
		messages = append([]map[string]string{
			{"role": "system", "content": req.SystemPrompt},
		}, messages...)
	}

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}
	for k, v := range req.ExtraParams {
		requestBody[k] = v
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, 0, apperrors.FromContext(ctx, err, "xAI chat request failed", apperrors.ErrorTypeExternalCallFailed)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		return nil, httpResp.StatusCode, apperrors.NewExternalCallError(
			fmt.Sprintf("grok api错误(%d, %s): %s", httpResp.StatusCode, model, errorMessage(body)), nil)
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, httpResp.StatusCode, apperrors.FromContext(ctx, err, "解析 grok 响应失败", apperrors.ErrorTypeExternalCallFailed)
	}
	if len(response.Choices) == 0 {
		return nil, httpResp.StatusCode, apperrors.NewExternalCallError("Grok未返回任何结果", nil)
	}

	return &llm.CompletionResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		TokensUsed:   response.Usage.TotalTokens,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, httpResp.StatusCode, nil
}

// errorMessage 从 {"error":{"message":...}} 或 {"message":...} 中提取错误信息
func errorMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil {
		if obj, ok := payload["error"].(map[string]interface{}); ok {
			if msg, ok := obj["message"].(string); ok {
				return msg
			}
		}
		if msg, ok := payload["error"].(string); ok {
			return msg
		}
		if msg, ok := payload["message"].(string); ok {
			return msg
		}
	}
	return strings.TrimSpace(string(body))
}
