// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/llm"
	_ "github.com/Corphon/NostalgiaPipeline/internal/llm/providers/grok"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// ErrLLMNotReady 未配置 provider 时调用
var ErrLLMNotReady = errors.New("llm service not ready")

// DefaultProvider 文案生成使用的 provider
const DefaultProvider = "grok"

// 生成参数
const (
	draftTemperature = 0.7
	draftMaxTokens   = 2048
)

// DraftSystemPrompt 约束模型只输出 drafts JSON
const DraftSystemPrompt = "You generate nostalgia content drafts for TikTok/Instagram Reels. " +
	"Always respond with ONLY a JSON object in this exact format, no other text:\n" +
	`{"drafts": [{"account":"...","platform":"tiktok","caption":"...","hashtags":"#...","hook":"...",` +
	`"asset_type":"video","video_prompt":"...","voiceover_text":"...","music_style":"..."}]}` + "\n" +
	"video_prompt: visual scene description for AI video generation (e.g. cozy 2000s bedroom, Webkinz on shelf). " +
	"voiceover_text: text for narrator to say (often the hook). " +
	"music_style: background music style (e.g. upbeat 2000s pop, nostalgic). " +
	"For asset_type image, omit voiceover_text and music_style."

// TextCompleter 生成与重试只需要的一次文本补全
type TextCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMService 包装 llm.Provider，并记录调用指标
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	model         string
	readyState    string
}

// NewLLMService 根据配置初始化 provider。缺少 key 时返回未就绪的服务而不是错误，
// 调用 Complete 才会得到 ConfigMissing。
func NewLLMService(cfg *config.AppConfig) *LLMService {
	service := &LLMService{
		providerName: DefaultProvider,
		readyState:   "Uninitialized",
	}
	if cfg == nil {
		service.readyState = "Failed to retrieve configuration"
		return service
	}
	service.model = cfg.LLMModel

	provider, err := llm.GetProvider(DefaultProvider, map[string]string{
		"api_key":       cfg.XAIAPIKey,
		"base_url":      cfg.XAIBaseURL,
		"default_model": cfg.LLMModel,
	})
	if err != nil {
		service.readyState = fmt.Sprintf("Initialization failed: %v", err)
		return service
	}
	service.provider = provider
	service.readyState = "Ready"
	return service
}

// NewLLMServiceWithProvider 直接注入 provider
func NewLLMServiceWithProvider(provider llm.Provider, model string) *LLMService {
	return &LLMService{
		provider:     provider,
		providerName: provider.GetName(),
		model:        model,
		readyState:   "Ready",
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil
}

// GetReadyState 就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// Complete 发起一次补全；未就绪时返回 ConfigMissing
func (s *LLMService) Complete(ctx context.Context, system, user string) (string, error) {
	s.providerMutex.RLock()
	provider := s.provider
	state := s.readyState
	s.providerMutex.RUnlock()

	if provider == nil {
		return "", apperrors.NewConfigMissingError("XAI_API_KEY not set: "+state, ErrLLMNotReady)
	}

	metrics := utils.GetMetricsCollector()
	metrics.IncrementCounter(utils.MetricLLMCalls)
	start := time.Now()

	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       user,
		SystemPrompt: system,
		Temperature:  draftTemperature,
		MaxTokens:    draftMaxTokens,
	})
	metrics.ObserveDuration(utils.MetricLLMLatency, time.Since(start))
	if err != nil {
		utils.GetLogger().Warn("llm call failed", utils.Fields{
			"provider": s.providerName,
			"error":    err.Error(),
		})
		return "", apperrors.FromContext(ctx, err, "LLM call failed", apperrors.ErrorTypeExternalCallFailed)
	}

	utils.GetLogger().Debug("llm call finished", utils.Fields{
		"provider": s.providerName,
		"model":    resp.ModelName,
		"tokens":   resp.TokensUsed,
		"elapsed":  time.Since(start).String(),
	})
	return resp.Text, nil
}
