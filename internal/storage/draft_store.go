// internal/storage/draft_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// FailedDir 解析失败的模型输出存放目录，不参与列表
const FailedDir = "failed"

const (
	stagingPrefix = ".staging-"
	oldPrefix     = ".old-"
)

var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// BuildFunc 在暂存目录中生成媒体文件
type BuildFunc func(ctx context.Context, stagedDir string, draft *models.Draft) error

// DraftStore 以目录为单位管理草稿：drafts/<id>/content.json + spec.md + 媒体文件
type DraftStore struct {
	files *FileStorage
	root  string

	// 目录替换时持写锁，List/Read 持读锁，保证读者看不到半替换状态
	mu sync.RWMutex

	now    func() time.Time
	logger *utils.Logger
}

// NewDraftStore 创建草稿存储，并清理上次异常退出遗留的暂存目录
func NewDraftStore(root string) (*DraftStore, error) {
	files, err := NewFileStorage(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, FailedDir), 0755); err != nil {
		return nil, fmt.Errorf("创建隔离目录失败: %w", err)
	}

	s := &DraftStore{
		files:  files,
		root:   root,
		now:    time.Now,
		logger: utils.GetLogger().With(utils.Fields{"component": "draft_store"}),
	}
	s.cleanupLeftovers()
	return s, nil
}

// Root 返回草稿根目录
func (s *DraftStore) Root() string {
	return s.root
}

func (s *DraftStore) cleanupLeftovers() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, stagingPrefix) || strings.HasPrefix(name, oldPrefix) {
			if err := os.RemoveAll(filepath.Join(s.root, name)); err == nil {
				s.logger.Warn("removed leftover staging directory", utils.Fields{"dir": name})
			}
		}
	}
}

// ValidID 草稿 ID 只能是单层安全名称
func ValidID(id string) bool {
	return safeIDPattern.MatchString(id) && !strings.Contains(id, "..") && id != FailedDir
}

// Dir 返回草稿目录路径
func (s *DraftStore) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// List 按 ID 倒序返回草稿摘要
func (s *DraftStore) List(filter string) ([]models.DraftSummary, error) {
	if filter == "" {
		filter = models.FilterPending
	}
	if filter != models.FilterPending && filter != models.FilterAll {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown status filter %q", filter), nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.files.ListDirs("")
	if err != nil {
		return nil, apperrors.NewExternalCallError("读取草稿目录失败", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	summaries := make([]models.DraftSummary, 0, len(names))
	for _, name := range names {
		if name == FailedDir || strings.HasPrefix(name, ".") || !ValidID(name) {
			continue
		}
		var d models.Draft
		if err := s.files.LoadJSONFile(name, models.ContentFile, &d); err != nil {
			// 缺失或损坏的 content.json 直接跳过
			continue
		}
		if filter == models.FilterPending && !models.IsPendingStatus(d.Status) {
			continue
		}

		summary := models.DraftSummary{
			ID:        name,
			Account:   d.Account,
			Platform:  d.Platform,
			Caption:   d.Caption,
			Hashtags:  d.Hashtags,
			Hook:      d.Hook,
			Status:    d.Status,
			AssetType: d.AssetType,
		}
		if s.files.FileExists(name, models.VideoFile) {
			summary.HasMedia, summary.MediaType = true, models.AssetVideo
		} else if s.files.FileExists(name, models.ImageFile) {
			summary.HasMedia, summary.MediaType = true, models.AssetImage
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Read 读取单个草稿
func (s *DraftStore) Read(id string) (*models.Draft, error) {
	if !ValidID(id) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("draft %q not found", id), nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(id)
}

func (s *DraftStore) readLocked(id string) (*models.Draft, error) {
	d := &models.Draft{ID: id}
	if err := s.files.LoadJSONFile(id, models.ContentFile, d); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("draft %q not found", id), err)
	}
	d.ID = id
	return d, nil
}

// ReadBrief 读取 spec.md，不存在时返回空串
func (s *DraftStore) ReadBrief(id string) string {
	if !ValidID(id) {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.files.LoadTextFile(id, models.BriefFile)
	if err != nil {
		return ""
	}
	return string(data)
}

// MediaPath 返回草稿已有媒体文件的路径
func (s *DraftStore) MediaPath(id string) (string, error) {
	d, err := s.Read(id)
	if err != nil {
		return "", err
	}
	for _, name := range []string{d.MediaFile(), models.VideoFile, models.ImageFile} {
		if s.files.FileExists(id, name) {
			return filepath.Join(s.Dir(id), name), nil
		}
	}
	return "", apperrors.NewNotFoundError(fmt.Sprintf("draft %q has no media", id), nil)
}

// stage 在根目录下创建隐藏暂存目录并写入 content.json 与 spec.md
func (s *DraftStore) stage(id string, d *models.Draft) (string, error) {
	staged, err := os.MkdirTemp(s.root, stagingPrefix+id+"-")
	if err != nil {
		return "", apperrors.NewExternalCallError("创建暂存目录失败", err)
	}
	content, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		os.RemoveAll(staged)
		return "", fmt.Errorf("序列化草稿失败: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(staged, models.ContentFile), content); err != nil {
		os.RemoveAll(staged)
		return "", apperrors.NewExternalCallError("写入草稿失败", err)
	}
	if err := writeFileAtomic(filepath.Join(staged, models.BriefFile), []byte(d.Brief(id))); err != nil {
		os.RemoveAll(staged)
		return "", apperrors.NewExternalCallError("写入草稿说明失败", err)
	}
	return staged, nil
}

func (s *DraftStore) checkWritable(id string, d *models.Draft) error {
	if !ValidID(id) {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid draft id %q", id), nil)
	}
	if err := d.Validate(); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid draft %s", id), err)
	}
	return nil
}

// WriteNew 写入新草稿。目录已存在时返回 Conflict，不会覆盖
func (s *DraftStore) WriteNew(d *models.Draft, id string) error {
	if err := s.checkWritable(id, d); err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = models.StatusPending
	}

	staged, err := s.stage(id, d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.Dir(id)
	if _, err := os.Stat(final); err == nil {
		os.RemoveAll(staged)
		return apperrors.NewConflictError(fmt.Sprintf("draft %q already exists", id), nil)
	}
	if err := os.Rename(staged, final); err != nil {
		os.RemoveAll(staged)
		return apperrors.NewExternalCallError("提交草稿失败", err)
	}
	d.ID = id
	return nil
}

// AtomicReplace 用新内容与新媒体整体替换草稿。
// build 在暂存目录中运行且不持有存储锁；失败时原草稿保持不变，暂存目录被删除。
func (s *DraftStore) AtomicReplace(ctx context.Context, id string, d *models.Draft, build BuildFunc) error {
	if _, err := s.Read(id); err != nil {
		return err
	}
	if err := s.checkWritable(id, d); err != nil {
		return err
	}

	staged, err := s.stage(id, d)
	if err != nil {
		return err
	}

	if build != nil {
		if err := build(ctx, staged, d); err != nil {
			os.RemoveAll(staged)
			return apperrors.NewBuildFailedError(fmt.Sprintf("media build failed for %s", id), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.Dir(id)
	if _, err := os.Stat(final); err != nil {
		os.RemoveAll(staged)
		return apperrors.NewNotFoundError(fmt.Sprintf("draft %q not found", id), err)
	}

	old := filepath.Join(s.root, fmt.Sprintf("%s%s-%d", oldPrefix, id, s.now().UnixNano()))
	if err := os.Rename(final, old); err != nil {
		os.RemoveAll(staged)
		return apperrors.NewExternalCallError("移出旧草稿失败", err)
	}
	if err := os.Rename(staged, final); err != nil {
		// 回滚
		if rbErr := os.Rename(old, final); rbErr != nil {
			s.logger.Error("rollback of draft replace failed", utils.Fields{"draft_id": id, "error": rbErr.Error()})
		}
		os.RemoveAll(staged)
		return apperrors.NewExternalCallError("提交新草稿失败", err)
	}
	if err := os.RemoveAll(old); err != nil {
		s.logger.Warn("failed to remove replaced draft", utils.Fields{"dir": old, "error": err.Error()})
	}
	d.ID = id
	return nil
}

// SetStatus 只改写 status 字段，其余键保持原样
func (s *DraftStore) SetStatus(id, status string) error {
	switch status {
	case models.StatusPending, models.StatusVideoPending, models.StatusPublished, models.StatusFailed:
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown status %q", status), nil)
	}
	if !ValidID(id) {
		return apperrors.NewNotFoundError(fmt.Sprintf("draft %q not found", id), nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.files.UpdateJSONFile(id, models.ContentFile, func(raw map[string]json.RawMessage) error {
		encoded, err := json.Marshal(status)
		if err != nil {
			return err
		}
		raw["status"] = encoded
		return nil
	})
	// 与 Read 一致：缺失或损坏的 content.json 都视为不存在
	if os.IsNotExist(err) || errors.Is(err, ErrCorruptJSON) {
		return apperrors.NewNotFoundError(fmt.Sprintf("draft %q not found", id), err)
	}
	if err != nil {
		return apperrors.NewExternalCallError("更新草稿状态失败", err)
	}
	return nil
}

// NextSequence 返回某日期某账号下一个未占用的序号（从 1 开始）
func (s *DraftStore) NextSequence(date, account string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.files.ListDirs("")
	if err != nil {
		return 0, apperrors.NewExternalCallError("读取草稿目录失败", err)
	}
	prefix := date + "-" + account + "-"
	next := 1
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err == nil && seq >= next {
			next = seq + 1
		}
	}
	return next, nil
}

// Quarantine 保存无法解析的模型输出，返回文件名
func (s *DraftStore) Quarantine(account, output string) (string, error) {
	if output == "" {
		output = "(no output)"
	}
	safeAccount := account
	if !ValidID(safeAccount) {
		safeAccount = "unknown"
	}
	name := fmt.Sprintf("%s-%s.txt", s.now().Format("20060102-150405"), safeAccount)
	if err := s.files.SaveTextFile(FailedDir, name, []byte(output)); err != nil {
		return "", apperrors.NewExternalCallError("保存失败输出失败", err)
	}
	return name, nil
}
