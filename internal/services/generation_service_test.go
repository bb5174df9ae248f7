package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestGeneration(t *testing.T, store *storage.DraftStore, completer TextCompleter, assembler *fakeAssembler) *GenerationService {
	t.Helper()
	var svc *GenerationService
	if assembler == nil {
		svc = NewGenerationService(store, completer, nil, t.TempDir())
	} else {
		svc = NewGenerationService(store, completer, assembler, t.TempDir())
	}
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func TestBatchCreatesPendingDraftWithMedia(t *testing.T) {
	store := newTestStore(t)
	completer := &fakeCompleter{outputs: map[string]string{"": modelOutput(t, draftItem("genz", "Who else had a Tamagotchi?"))}}
	assembler := &fakeAssembler{}
	tracker := NewJobTracker(newTestGeneration(t, store, completer, assembler))

	id, err := tracker.Start(models.BatchRequest{Count: 1, Accounts: []string{"genz"}})
	if err != nil {
		t.Fatalf("启动任务失败: %v", err)
	}
	tracker.Wait()

	job, _ := tracker.Status(id)
	if job.Status != models.JobDone || job.Progress != 100 {
		t.Fatalf("任务应完成: %+v", job)
	}
	wantID := "2025-03-14-genz-001"
	if len(job.DraftIDs) != 1 || job.DraftIDs[0] != wantID {
		t.Fatalf("草稿 ID 不正确: %v", job.DraftIDs)
	}

	drafts, err := store.List(models.FilterPending)
	if err != nil || len(drafts) != 1 {
		t.Fatalf("应有一条待处理草稿: %v %v", drafts, err)
	}
	d, err := store.Read(wantID)
	if err != nil {
		t.Fatalf("读取草稿失败: %v", err)
	}
	if d.Status != models.StatusPending || d.Caption != "Who else had a Tamagotchi?" {
		t.Fatalf("草稿内容不正确: %+v", d)
	}
	if _, err := store.MediaPath(wantID); err != nil {
		t.Fatalf("媒体应已生成: %v", err)
	}
	if assembler.count() != 1 {
		t.Fatalf("媒体构建次数应为 1，实际 %d", assembler.count())
	}
}

func TestBatchWithoutJSONQuarantinesOutput(t *testing.T) {
	store := newTestStore(t)
	completer := &fakeCompleter{outputs: map[string]string{"": "Sorry, I can't help with that."}}
	tracker := NewJobTracker(newTestGeneration(t, store, completer, &fakeAssembler{}))

	id, _ := tracker.Start(models.BatchRequest{Count: 1, Accounts: []string{"genz"}})
	tracker.Wait()

	job, _ := tracker.Status(id)
	if job.Status != models.JobFailed {
		t.Fatalf("任务应失败: %+v", job)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), storage.FailedDir))
	if err != nil || len(entries) != 1 {
		t.Fatalf("应隔离一份模型输出: %v %v", entries, err)
	}
	name := entries[0].Name()
	if !strings.Contains(job.Error, name) || !strings.HasPrefix(job.Error, "Parse failed for genz") {
		t.Fatalf("错误信息应引用隔离文件 %s: %q", name, job.Error)
	}
	saved, _ := os.ReadFile(filepath.Join(store.Root(), storage.FailedDir, name))
	if string(saved) != "Sorry, I can't help with that." {
		t.Fatalf("隔离内容不正确: %q", saved)
	}
	if drafts, _ := store.List(models.FilterAll); len(drafts) != 0 {
		t.Fatalf("不应创建任何草稿: %v", drafts)
	}
}

func TestBatchRejectsIncompleteDraft(t *testing.T) {
	store := newTestStore(t)
	good := draftItem("genz", "ok")
	bad := draftItem("genz", "no audio")
	delete(bad, "voiceover_text")
	delete(bad, "music_style")
	completer := &fakeCompleter{outputs: map[string]string{"": modelOutput(t, good, bad)}}
	svc := newTestGeneration(t, store, completer, &fakeAssembler{})

	ids, err := svc.RunBatch(context.Background(), models.BatchRequest{Accounts: []string{"genz"}}, nil)
	if !apperrors.IsInvalidInputError(err) {
		t.Fatalf("应返回 InvalidInput，实际: %v", err)
	}
	if !strings.Contains(err.Error(), "missing [voiceover_text music_style]") {
		t.Fatalf("错误应列出缺失字段: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("校验失败时不应写入草稿: %v", ids)
	}
}

func TestBatchHaltsOnFirstFailingAccount(t *testing.T) {
	store := newTestStore(t)
	completer := &fakeCompleter{outputs: map[string]string{
		"genz": modelOutput(t, draftItem("genz", "first")),
		"genx": "not json at all",
		"":     modelOutput(t, draftItem("millennial", "never reached")),
	}}
	svc := newTestGeneration(t, store, completer, nil)

	var fractions []float64
	ids, err := svc.RunBatch(context.Background(),
		models.BatchRequest{Accounts: []string{"genz", "genx", "millennial"}, NoMedia: true},
		func(step, message string, fraction float64) { fractions = append(fractions, fraction) })
	if err == nil {
		t.Fatalf("第二个账号失败时应返回错误")
	}
	if len(ids) != 1 || ids[0] != "2025-03-14-genz-001" {
		t.Fatalf("已创建的草稿应保留并返回: %v", ids)
	}
	if len(completer.calls()) != 2 {
		t.Fatalf("失败后不应继续处理后续账号，调用次数 %d", len(completer.calls()))
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("进度倒退: %v", fractions)
		}
	}
}

func TestBatchUsesNextFreeSequence(t *testing.T) {
	store := newTestStore(t)
	seedDraft(t, store, "2025-03-14-genz-001", "existing")
	seedDraft(t, store, "2025-03-14-genz-002", "existing")

	completer := &fakeCompleter{outputs: map[string]string{"": modelOutput(t, draftItem("genz", "a"), draftItem("genz", "b"))}}
	svc := newTestGeneration(t, store, completer, nil)

	ids, err := svc.RunBatch(context.Background(), models.BatchRequest{Count: 2, Accounts: []string{"genz"}, NoMedia: true}, nil)
	if err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	if len(ids) != 2 || ids[0] != "2025-03-14-genz-003" || ids[1] != "2025-03-14-genz-004" {
		t.Fatalf("序号不正确: %v", ids)
	}
	if d, _ := store.Read("2025-03-14-genz-001"); d.Caption != "existing" {
		t.Fatalf("已有草稿被覆盖")
	}
}

func TestBatchMediaFailureKeepsDraft(t *testing.T) {
	store := newTestStore(t)
	completer := &fakeCompleter{outputs: map[string]string{"": modelOutput(t, draftItem("genz", "x"))}}
	assembler := &fakeAssembler{err: apperrors.NewBuildFailedError("video expired", nil)}
	svc := newTestGeneration(t, store, completer, assembler)

	ids, err := svc.RunBatch(context.Background(), models.BatchRequest{Accounts: []string{"genz"}}, nil)
	if !apperrors.IsBuildFailedError(err) {
		t.Fatalf("应返回 BuildFailed，实际: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("文案已写入的草稿应保留: %v", ids)
	}
	if _, err := store.Read(ids[0]); err != nil {
		t.Fatalf("草稿应仍可读取: %v", err)
	}
}

func TestBatchPromptIncludesPersona(t *testing.T) {
	store := newTestStore(t)
	completer := &fakeCompleter{outputs: map[string]string{"": modelOutput(t, draftItem("genz", "x"))}}
	svc := newTestGeneration(t, store, completer, nil)
	os.WriteFile(filepath.Join(svc.personasDir, "genz.yaml"), []byte("tone: chaotic"), 0644)

	if _, err := svc.RunBatch(context.Background(), models.BatchRequest{Accounts: []string{"genz"}, NoMedia: true}, nil); err != nil {
		t.Fatalf("生成失败: %v", err)
	}
	prompt := completer.calls()[0]
	if !strings.Contains(prompt, "Persona:\ntone: chaotic") || !strings.Contains(prompt, "Generate 1 nostalgia") {
		t.Fatalf("提示词不正确: %q", prompt)
	}
}

func TestBatchValidatesInput(t *testing.T) {
	store := newTestStore(t)
	svc := newTestGeneration(t, store, &fakeCompleter{}, nil)

	if _, err := svc.RunBatch(context.Background(), models.BatchRequest{Accounts: []string{"../etc"}, NoMedia: true}, nil); !apperrors.IsInvalidInputError(err) {
		t.Fatalf("非法账号名应返回 InvalidInput，实际: %v", err)
	}
	if _, err := svc.RunBatch(context.Background(), models.BatchRequest{Accounts: []string{"genz"}}, nil); !apperrors.IsConfigMissingError(err) {
		t.Fatalf("缺少媒体构建器应返回 ConfigMissing，实际: %v", err)
	}
}
