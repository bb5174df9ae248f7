// internal/llm/interface.go
package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownProvider 未注册的 provider 名称
var ErrUnknownProvider = errors.New("unknown LLM provider")

// CompletionRequest 一次对话补全。ExtraParams 原样并入请求体
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	Model        string // 为空时由 provider 按自己的回退顺序选择
	ExtraParams  map[string]interface{}
}

// CompletionResponse 补全结果
type CompletionResponse struct {
	Text         string
	FinishReason string
	TokensUsed   int
	ModelName    string // 实际应答的模型
	ProviderName string
}

// Provider 文本生成后端
type Provider interface {
	Initialize(config map[string]string) error
	GetName() string
	GetSupportedModels() []string
	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderFactory 创建未初始化的 provider
type ProviderFactory func() Provider

var (
	registryMu sync.RWMutex
	providers  = make(map[string]ProviderFactory)
)

// Register 由 provider 包在 init 中调用
func Register(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = factory
}

// GetProvider 按名称创建 provider，并用 config（api_key、base_url、default_model）初始化
func GetProvider(name string, config map[string]string) (Provider, error) {
	registryMu.RLock()
	factory, exists := providers[name]
	registryMu.RUnlock()
	if !exists {
		return nil, ErrUnknownProvider
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}
