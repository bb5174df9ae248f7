package services

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Corphon/NostalgiaPipeline/internal/media"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

func init() {
	utils.GetLogger().SetOutput(nil)
}

// fakeCompleter 按顺序返回预设输出，并记录收到的提示词
type fakeCompleter struct {
	mu      sync.Mutex
	outputs map[string]string // 账号 -> 输出；空键为默认输出
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, user)
	if f.err != nil {
		return "", f.err
	}
	for account, out := range f.outputs {
		if account != "" && strings.Contains(user, "for the "+account+" account") {
			return out, nil
		}
	}
	return f.outputs[""], nil
}

func (f *fakeCompleter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// fakeAssembler 在目录中写入占位媒体
type fakeAssembler struct {
	mu    sync.Mutex
	err   error
	dirs  []string
	bytes string
}

func (f *fakeAssembler) Assemble(ctx context.Context, dir string, d *models.Draft) (*media.Artifact, error) {
	f.mu.Lock()
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	content := f.bytes
	if content == "" {
		content = "media"
	}
	path := filepath.Join(dir, d.MediaFile())
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, err
	}
	return &media.Artifact{Path: path, Type: d.AssetType}, nil
}

func (f *fakeAssembler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirs)
}

func newTestStore(t *testing.T) *storage.DraftStore {
	t.Helper()
	store, err := storage.NewDraftStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建草稿存储失败: %v", err)
	}
	return store
}

// draftItem 一条完整的视频草稿 JSON 对象
func draftItem(account, caption string) map[string]string {
	return map[string]string{
		"account":        account,
		"platform":       "tiktok",
		"caption":        caption,
		"hashtags":       "#y2k #nostalgia",
		"hook":           "Remember this?",
		"asset_type":     "video",
		"video_prompt":   "cozy 2000s bedroom, Webkinz on shelf",
		"voiceover_text": "Remember this?",
		"music_style":    "upbeat 2000s pop",
	}
}

// modelOutput 模拟模型输出：一段说明文字后跟 fenced JSON
func modelOutput(t *testing.T, items ...map[string]string) string {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{"drafts": items})
	if err != nil {
		t.Fatalf("序列化输出失败: %v", err)
	}
	return "Here are your drafts!\n```json\n" + string(data) + "\n```"
}

func seedDraft(t *testing.T, store *storage.DraftStore, id, caption string) {
	t.Helper()
	d := &models.Draft{}
	item := draftItem("genz", caption)
	raw, _ := json.Marshal(item)
	if err := json.Unmarshal(raw, d); err != nil {
		t.Fatalf("构造草稿失败: %v", err)
	}
	if err := store.WriteNew(d, id); err != nil {
		t.Fatalf("写入草稿失败: %v", err)
	}
}
