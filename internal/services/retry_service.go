// internal/services/retry_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/llm"
	"github.com/Corphon/NostalgiaPipeline/internal/media"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// briefExcerptLimit 重试提示词中旧草稿摘录的最大字符数
const briefExcerptLimit = 500

// RetryService 用一次新的生成整体替换已有草稿
type RetryService struct {
	store     *storage.DraftStore
	llm       TextCompleter
	assembler media.Assembler
	locks     *LockManager
	logger    *utils.Logger
}

// NewRetryService 创建重试服务；assembler 为 nil 时只替换文案
func NewRetryService(store *storage.DraftStore, completer TextCompleter, assembler media.Assembler, locks *LockManager) *RetryService {
	if locks == nil {
		locks = NewLockManager()
	}
	return &RetryService{
		store:     store,
		llm:       completer,
		assembler: assembler,
		locks:     locks,
		logger:    utils.GetLogger().With(utils.Fields{"component": "retry"}),
	}
}

// retryPrompt 带旧草稿摘录与可选反馈的提示词
func retryPrompt(id, account, brief, feedback string) string {
	prompt := fmt.Sprintf("Regenerate draft %s for account %s. Previous spec: %s", id, account, excerpt(brief, briefExcerptLimit))
	if feedback = strings.TrimSpace(feedback); feedback != "" {
		prompt += " User feedback: " + feedback
	}
	return prompt
}

// excerpt 按字符截断，不切断多字节字符
func excerpt(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// Retry 重新生成草稿。任何失败都不改变原草稿
func (s *RetryService) Retry(ctx context.Context, id, feedback string) (*models.Draft, error) {
	var result *models.Draft
	err := s.locks.ExecuteWithDraftLock(id, func() error {
		d, err := s.retryLocked(ctx, id, feedback)
		result = d
		return err
	})

	metrics := utils.GetMetricsCollector()
	metrics.IncrementCounter(utils.MetricRetries)
	if err != nil {
		metrics.IncrementCounter(utils.MetricRetryFailures)
		s.logger.Warn("retry failed", utils.Fields{"draft_id": id, "error": err.Error()})
		return nil, err
	}
	s.logger.Info("draft regenerated", utils.Fields{"draft_id": id})
	return result, nil
}

func (s *RetryService) retryLocked(ctx context.Context, id, feedback string) (*models.Draft, error) {
	current, err := s.store.Read(id)
	if err != nil {
		return nil, err
	}

	llmCtx, cancel := context.WithTimeout(ctx, LLMTimeout)
	output, err := s.llm.Complete(llmCtx, DraftSystemPrompt, retryPrompt(id, current.Account, s.store.ReadBrief(id), feedback))
	cancel()
	if err != nil {
		return nil, apperrors.WrapError(err, fmt.Sprintf("Regeneration failed for %s", id), apperrors.ErrorTypeExternalCallFailed)
	}

	drafts, err := llm.ExtractDrafts(output)
	if err != nil || len(drafts) == 0 {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("Could not parse regenerated draft for %s", id), err)
	}

	next := drafts[0]
	if missing := next.MissingFields(); len(missing) > 0 {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("Regenerated draft for %s is missing %v", id, missing), nil)
	}
	next.Normalize()
	next.Status = models.StatusPending

	var build storage.BuildFunc
	if s.assembler != nil {
		build = func(ctx context.Context, stagedDir string, d *models.Draft) error {
			buildCtx, cancel := context.WithTimeout(ctx, media.BuildTimeout)
			defer cancel()
			_, err := s.assembler.Assemble(buildCtx, stagedDir, d)
			return err
		}
	}

	if err := s.store.AtomicReplace(ctx, id, &next, build); err != nil {
		return nil, err
	}
	return &next, nil
}
