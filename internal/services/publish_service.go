// internal/services/publish_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/publish"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// PublishResult 发布结果
type PublishResult struct {
	DraftID   string `json:"draft_id"`
	Status    string `json:"status"`
	Publisher string `json:"publisher"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// PublishService 发布草稿并维护其状态
type PublishService struct {
	store     *storage.DraftStore
	publisher publish.Publisher
	locks     *LockManager
	logger    *utils.Logger
}

// NewPublishService 创建发布服务
func NewPublishService(store *storage.DraftStore, publisher publish.Publisher, locks *LockManager) *PublishService {
	if locks == nil {
		locks = NewLockManager()
	}
	return &PublishService{
		store:     store,
		publisher: publisher,
		locks:     locks,
		logger:    utils.GetLogger().With(utils.Fields{"component": "publish"}),
	}
}

// Publish 发布草稿。已发布的草稿直接返回成功；失败时先把状态置为 failed 再返回错误
func (s *PublishService) Publish(ctx context.Context, id string) (*PublishResult, error) {
	var result *PublishResult
	err := s.locks.ExecuteWithDraftLock(id, func() error {
		r, err := s.publishLocked(ctx, id)
		result = r
		return err
	})
	return result, err
}

func (s *PublishService) publishLocked(ctx context.Context, id string) (*PublishResult, error) {
	d, err := s.store.Read(id)
	if err != nil {
		return nil, err
	}
	if d.Status == models.StatusPublished {
		return &PublishResult{DraftID: id, Status: models.StatusPublished, Publisher: s.publisherName(), Skipped: true}, nil
	}
	if s.publisher == nil {
		return nil, apperrors.NewConfigMissingError("publisher not configured", nil)
	}

	// 没有媒体时只发文字
	mediaPath, err := s.store.MediaPath(id)
	if err != nil {
		mediaPath = ""
	}

	metrics := utils.GetMetricsCollector()
	metrics.IncrementCounter(utils.MetricPublishes)

	pubCtx, cancel := context.WithTimeout(ctx, publish.Timeout)
	defer cancel()

	if err := s.publisher.Publish(pubCtx, d, mediaPath); err != nil {
		metrics.IncrementCounter(utils.MetricPublishFailures)
		// 调用方取消时结果未知，草稿保持原状态
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Warn("publish interrupted", utils.Fields{"draft_id": id, "error": err.Error()})
			return nil, apperrors.NewExternalCallError(fmt.Sprintf("Publish interrupted for %s", id), err)
		}
		if statusErr := s.store.SetStatus(id, models.StatusFailed); statusErr != nil {
			s.logger.Error("failed to mark draft failed", utils.Fields{"draft_id": id, "error": statusErr.Error()})
		}
		s.logger.Warn("publish failed", utils.Fields{
			"draft_id":  id,
			"publisher": s.publisher.Name(),
			"error":     err.Error(),
		})
		return nil, apperrors.FromContext(pubCtx, err, fmt.Sprintf("Publish failed for %s", id), apperrors.ErrorTypeExternalCallFailed)
	}

	if err := s.store.SetStatus(id, models.StatusPublished); err != nil {
		return nil, apperrors.WrapError(err, fmt.Sprintf("%s was published but its status could not be saved", id), apperrors.ErrorTypeExternalCallFailed)
	}
	s.logger.Info("draft published", utils.Fields{"draft_id": id, "publisher": s.publisher.Name(), "media": mediaPath != ""})
	return &PublishResult{DraftID: id, Status: models.StatusPublished, Publisher: s.publisher.Name()}, nil
}

func (s *PublishService) publisherName() string {
	if s.publisher == nil {
		return ""
	}
	return s.publisher.Name()
}
