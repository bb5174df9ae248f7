// internal/services/generation_service.go
package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/llm"
	"github.com/Corphon/NostalgiaPipeline/internal/media"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// 进度步骤名
const (
	StepCopyGeneration  = "copy-generation"
	StepMediaGeneration = "media-generation"
)

// LLMTimeout 单次文案生成上限
const LLMTimeout = 120 * time.Second

// maxIDAttempts 序号被并发占用时的重试次数
const maxIDAttempts = 5

// GenerationService 按账号顺序生成草稿并构建媒体
type GenerationService struct {
	store       *storage.DraftStore
	llm         TextCompleter
	assembler   media.Assembler
	personasDir string
	now         func() time.Time
	logger      *utils.Logger
}

// NewGenerationService 创建生成服务；assembler 可为 nil，此时只能运行 NoMedia 批次
func NewGenerationService(store *storage.DraftStore, completer TextCompleter, assembler media.Assembler, personasDir string) *GenerationService {
	return &GenerationService{
		store:       store,
		llm:         completer,
		assembler:   assembler,
		personasDir: personasDir,
		now:         time.Now,
		logger:      utils.GetLogger().With(utils.Fields{"component": "generation"}),
	}
}

// LoadPersona 读取 personas/<account>.yaml 原文，不存在时返回空串
func (s *GenerationService) LoadPersona(account string) string {
	if s.personasDir == "" || !storage.ValidID(account) {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(s.personasDir, account+".yaml"))
	if err != nil {
		return ""
	}
	return string(data)
}

// generationPrompt 单个账号的用户提示词
func generationPrompt(count int, account, persona string) string {
	return fmt.Sprintf(
		"Generate %d nostalgia content draft(s) for the %s account. "+
			"Use the persona from personas/%s.yaml. "+
			"Output platform-optimized caption, hashtags, hook for TikTok/Reels. "+
			"Include video_prompt (visual scene), voiceover_text (narrator says hook), music_style (background music). "+
			"End your response with a JSON block: {\"drafts\": [{...}]}\n\n"+
			"Persona:\n%s",
		count, account, account, persona)
}

// RunBatch 实现 BatchRunner。任一账号失败即中止整个批次，已写入的草稿保留并随错误一起返回
func (s *GenerationService) RunBatch(ctx context.Context, req models.BatchRequest, progress ProgressFunc) ([]string, error) {
	req = req.WithDefaults()
	if progress == nil {
		progress = func(string, string, float64) {}
	}
	for _, account := range req.Accounts {
		if !storage.ValidID(account) {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid account name %q", account), nil)
		}
	}
	if !req.NoMedia && s.assembler == nil {
		return nil, apperrors.NewConfigMissingError("media assembler not configured", nil)
	}

	var created []string
	n := float64(len(req.Accounts))
	for i, account := range req.Accounts {
		ids, err := s.runAccount(ctx, req, account, func(step, message string, local float64) {
			progress(step, message, (float64(i)+local)/n)
		})
		created = append(created, ids...)
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// runAccount 处理单个账号；local 为该账号内部的 0.0-1.0 进度
func (s *GenerationService) runAccount(ctx context.Context, req models.BatchRequest, account string, progress ProgressFunc) ([]string, error) {
	log := s.logger.With(utils.Fields{"account": account})

	progress(StepCopyGeneration, fmt.Sprintf("Generating copy for %s...", account), 0.2)

	llmCtx, cancel := context.WithTimeout(ctx, LLMTimeout)
	output, err := s.llm.Complete(llmCtx, DraftSystemPrompt, generationPrompt(req.Count, account, s.LoadPersona(account)))
	cancel()
	if err != nil {
		return nil, apperrors.WrapError(err, fmt.Sprintf("Copy generation failed for %s", account), apperrors.ErrorTypeExternalCallFailed)
	}

	drafts, err := llm.ExtractDrafts(output)
	if err != nil {
		name, qErr := s.store.Quarantine(account, output)
		if qErr != nil {
			return nil, apperrors.WrapError(qErr, fmt.Sprintf("Parse failed for %s and output could not be saved", account), apperrors.ErrorTypeExternalCallFailed)
		}
		log.Warn("model output quarantined", utils.Fields{"file": name})
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("Parse failed for %s. Output saved to %s", account, name), err)
	}

	progress(StepCopyGeneration, fmt.Sprintf("Copy ready for %s", account), 0.5)

	// 先整体校验，任何一条不合格都不写入
	for i := range drafts {
		if missing := drafts[i].MissingFields(); len(missing) > 0 {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("Invalid draft for %s: missing %v", account, missing), nil)
		}
		drafts[i].Normalize()
		drafts[i].Status = models.StatusPending
		if err := drafts[i].Validate(); err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("Invalid draft for %s: %v", account, err), err)
		}
	}

	var created []string
	total := float64(len(drafts))
	for i := range drafts {
		d := &drafts[i]
		id, err := s.writeDraft(d, account)
		if err != nil {
			return created, err
		}
		created = append(created, id)
		utils.GetMetricsCollector().IncrementCounter(utils.MetricDraftsCreated)
		log.Info("draft created", utils.Fields{"draft_id": id, "asset_type": d.AssetType})

		done := 0.5 + 0.5*float64(i+1)/total
		if req.NoMedia {
			progress(StepMediaGeneration, fmt.Sprintf("Draft saved: %s", id), done)
			continue
		}

		progress(StepMediaGeneration, fmt.Sprintf("Creating %s for %s... (may take 5-20 min)", d.AssetType, id),
			0.5+0.5*(float64(i)+0.1)/total)
		if err := s.buildMedia(ctx, id, d); err != nil {
			return created, err
		}
		progress(StepMediaGeneration, fmt.Sprintf("Media ready: %s", id), done)
	}
	if len(drafts) == 0 {
		progress(StepMediaGeneration, fmt.Sprintf("No drafts returned for %s", account), 1.0)
	}
	return created, nil
}

// writeDraft 取得下一个空闲序号并写入；序号被占用时换下一个
func (s *GenerationService) writeDraft(d *models.Draft, account string) (string, error) {
	date := s.now().Format("2006-01-02")
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		seq, err := s.store.NextSequence(date, account)
		if err != nil {
			return "", err
		}
		id := fmt.Sprintf("%s-%s-%03d", date, account, seq)
		err = s.store.WriteNew(d, id)
		if err == nil {
			return id, nil
		}
		if !apperrors.IsConflictError(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// buildMedia 在草稿目录中同步构建媒体
func (s *GenerationService) buildMedia(ctx context.Context, id string, d *models.Draft) error {
	buildCtx, cancel := context.WithTimeout(ctx, media.BuildTimeout)
	defer cancel()

	if _, err := s.assembler.Assemble(buildCtx, s.store.Dir(id), d); err != nil {
		s.logger.Warn("media build failed", utils.Fields{"draft_id": id, "error": err.Error()})
		return apperrors.WrapError(err, fmt.Sprintf("Media build failed for %s", id), apperrors.ErrorTypeBuildFailed)
	}
	return nil
}
