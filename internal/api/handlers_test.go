package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/NostalgiaPipeline/internal/config"
	"github.com/Corphon/NostalgiaPipeline/internal/di"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/services"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
	utils.GetLogger().SetOutput(nil)
}

const draftJSON = `{"account":"genz","platform":"tiktok","caption":"%s","hashtags":"#y2k","hook":"Remember this?",` +
	`"asset_type":"video","video_prompt":"cozy 2000s bedroom","voiceover_text":"Remember this?","music_style":"2000s pop"}`

// stubCompleter 固定返回一条草稿
type stubCompleter struct {
	mu      sync.Mutex
	caption string
	ctxErr  error
	gate    chan struct{} // 非 nil 时等待关闭后才返回
}

func (s *stubCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	s.mu.Lock()
	s.ctxErr = ctx.Err()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return "```json\n{\"drafts\": [" + fmt.Sprintf(draftJSON, s.caption) + "]}\n```", nil
}

// stubPublisher 记录发布次数
type stubPublisher struct {
	mu     sync.Mutex
	err    error
	calls  int
	ctxErr error // 调用时 ctx 的状态
}

func (p *stubPublisher) Name() string { return "stub" }

func (p *stubPublisher) Publish(ctx context.Context, d *models.Draft, mediaPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.ctxErr = ctx.Err()
	return p.err
}

type testEnv struct {
	router    *gin.Engine
	store     *storage.DraftStore
	jobs      *services.JobTracker
	publisher *stubPublisher
	completer *stubCompleter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewDraftStore(filepath.Join(dir, "drafts"))
	if err != nil {
		t.Fatalf("创建草稿存储失败: %v", err)
	}

	completer := &stubCompleter{caption: "fresh caption"}
	locks := services.NewLockManager()
	jobs := services.NewJobTracker(services.NewGenerationService(store, completer, nil, ""))
	publisher := &stubPublisher{}

	container := di.NewContainer()
	container.Register(di.ServiceDrafts, store)
	container.Register(di.ServiceJobs, jobs)
	container.Register(di.ServiceRetry, services.NewRetryService(store, completer, nil, locks))
	container.Register(di.ServicePublish, services.NewPublishService(store, publisher, locks))
	container.Register(di.ServiceSetup, services.NewSetupService(&config.AppConfig{
		DraftsDir:   filepath.Join(dir, "drafts"),
		ConfigDir:   filepath.Join(dir, "config"),
		PersonasDir: filepath.Join(dir, "personas"),
		Publisher:   config.PublisherLate,
		MediaSource: config.MediaSourceImagine,
		FFmpegPath:  "ffmpeg-not-installed",
	}))

	router, err := SetupRouter(container)
	if err != nil {
		t.Fatalf("设置路由失败: %v", err)
	}
	t.Cleanup(jobs.Wait)
	return &testEnv{router: router, store: store, jobs: jobs, publisher: publisher, completer: completer}
}

func (e *testEnv) seed(t *testing.T, id string) {
	t.Helper()
	d := &models.Draft{}
	if err := json.Unmarshal([]byte(fmt.Sprintf(draftJSON, "old caption")), d); err != nil {
		t.Fatalf("构造草稿失败: %v", err)
	}
	d.Status = models.StatusPending
	if err := e.store.WriteNew(d, id); err != nil {
		t.Fatalf("写入草稿失败: %v", err)
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Message string          `json:"message"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("解析响应失败 (%d): %v: %s", w.Code, err, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("响应应该带有 X-Request-ID")
	}
	return w.Code, env
}

func TestGenerateThenPollStatus(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/generate", GenerateRequest{Count: 1, Accounts: []string{"genz"}, NoMedia: true})
	if code != http.StatusAccepted {
		t.Fatalf("期望 202，实际 %d", code)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	json.Unmarshal(resp.Data, &accepted)
	if accepted.JobID == "" {
		t.Fatal("应该返回 job_id")
	}

	env.jobs.Wait()

	code, resp = env.do(t, http.MethodGet, "/api/generate/status?job_id="+accepted.JobID, nil)
	if code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", code)
	}
	var job models.Job
	json.Unmarshal(resp.Data, &job)
	if job.Status != models.JobDone || job.Progress != 100 {
		t.Fatalf("任务应该完成，实际 %+v", job)
	}
	if len(job.DraftIDs) != 1 {
		t.Fatalf("应该生成一条草稿，实际 %v", job.DraftIDs)
	}

	code, resp = env.do(t, http.MethodGet, "/api/drafts", nil)
	if code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", code)
	}
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(resp.Data, &list)
	if list.Count != 1 {
		t.Errorf("待处理草稿应为 1，实际 %d", list.Count)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	cases := []interface{}{
		GenerateRequest{Count: MaxBatchCount + 1},
		GenerateRequest{Count: -1},
		GenerateRequest{Accounts: []string{"../etc"}},
	}
	for _, body := range cases {
		code, resp := env.do(t, http.MethodPost, "/api/generate", body)
		if code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != ErrorBadRequest {
			t.Errorf("%+v 应返回 400 BAD_REQUEST，实际 %d %+v", body, code, resp.Error)
		}
	}
	if env.jobs.Len() != 0 {
		t.Errorf("非法请求不应创建任务，实际 %d", env.jobs.Len())
	}
}

func TestStatusErrors(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.do(t, http.MethodGet, "/api/generate/status", nil); code != http.StatusBadRequest {
		t.Errorf("缺少 job_id 应返回 400，实际 %d", code)
	}
	code, resp := env.do(t, http.MethodGet, "/api/generate/status?job_id=nope", nil)
	if code != http.StatusNotFound || resp.Error.Code != ErrorJobNotFound {
		t.Errorf("未知任务应返回 404 JOB_NOT_FOUND，实际 %d %+v", code, resp.Error)
	}
}

func TestDraftNotFound(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/api/drafts/2025-01-01-genz-001", nil)
	if code != http.StatusNotFound || resp.Error.Code != ErrorDraftNotFound {
		t.Errorf("期望 404 DRAFT_NOT_FOUND，实际 %d %+v", code, resp.Error)
	}
	code, resp = env.do(t, http.MethodPost, "/api/drafts/2025-01-01-genz-001/post", nil)
	if code != http.StatusNotFound {
		t.Errorf("发布未知草稿应返回 404，实际 %d %+v", code, resp.Error)
	}
	if env.publisher.calls != 0 {
		t.Error("未知草稿不应调用发布通道")
	}
}

func TestGetDraftAndMedia(t *testing.T) {
	env := newTestEnv(t)
	id := "2025-01-01-genz-001"
	env.seed(t, id)

	code, resp := env.do(t, http.MethodGet, "/api/drafts/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", code)
	}
	var detail struct {
		ID       string       `json:"id"`
		Content  models.Draft `json:"content"`
		HasMedia bool         `json:"has_media"`
	}
	json.Unmarshal(resp.Data, &detail)
	if detail.ID != id || detail.Content.Caption != "old caption" || detail.HasMedia {
		t.Errorf("草稿详情不符: %+v", detail)
	}

	code, resp = env.do(t, http.MethodGet, "/api/drafts/"+id+"/media", nil)
	if code != http.StatusNotFound || resp.Error.Code != ErrorMediaNotFound {
		t.Errorf("无媒体应返回 404 MEDIA_NOT_FOUND，实际 %d %+v", code, resp.Error)
	}
}

func TestPostDraftIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	id := "2025-01-01-genz-001"
	env.seed(t, id)

	code, resp := env.do(t, http.MethodPost, "/api/drafts/"+id+"/post", nil)
	if code != http.StatusOK || resp.Message != "Published" {
		t.Fatalf("期望发布成功，实际 %d %q", code, resp.Message)
	}
	code, resp = env.do(t, http.MethodPost, "/api/drafts/"+id+"/post", nil)
	if code != http.StatusOK || resp.Message != "Already published" {
		t.Fatalf("重复发布应跳过，实际 %d %q", code, resp.Message)
	}
	if env.publisher.calls != 1 {
		t.Errorf("发布通道应只调用一次，实际 %d", env.publisher.calls)
	}

	// 已发布的草稿不再出现在待处理列表
	_, resp = env.do(t, http.MethodGet, "/api/drafts?status=pending", nil)
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(resp.Data, &list)
	if list.Count != 0 {
		t.Errorf("待处理草稿应为 0，实际 %d", list.Count)
	}
}

func TestPostDraftSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	id := "2025-01-01-genz-001"
	env.seed(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/drafts/"+id+"/post", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d: %s", w.Code, w.Body.String())
	}
	if env.publisher.ctxErr != nil {
		t.Fatalf("发布通道不应收到已取消的 ctx: %v", env.publisher.ctxErr)
	}
	d, _ := env.store.Read(id)
	if d.Status != models.StatusPublished {
		t.Errorf("状态应为 published，实际 %s", d.Status)
	}
}

func TestRetryDraftSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t)
	id := "2025-01-01-genz-001"
	env.seed(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := bytes.NewReader([]byte(`{"feedback":"shorter"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/drafts/"+id+"/retry", body).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d: %s", w.Code, w.Body.String())
	}
	env.completer.mu.Lock()
	defer env.completer.mu.Unlock()
	if env.completer.ctxErr != nil {
		t.Fatalf("模型调用不应收到已取消的 ctx: %v", env.completer.ctxErr)
	}
}

func TestPostDraftPlatformFailure(t *testing.T) {
	env := newTestEnv(t)
	id := "2025-01-01-genz-001"
	env.seed(t, id)
	env.publisher.err = fmt.Errorf("boom")

	code, resp := env.do(t, http.MethodPost, "/api/drafts/"+id+"/post", nil)
	if code != http.StatusBadGateway || resp.Error.Code != ErrorUpstreamFailed {
		t.Fatalf("期望 502 UPSTREAM_FAILED，实际 %d %+v", code, resp.Error)
	}
	d, err := env.store.Read(id)
	if err != nil {
		t.Fatalf("读取草稿失败: %v", err)
	}
	if d.Status != models.StatusFailed {
		t.Errorf("发布失败后状态应为 failed，实际 %s", d.Status)
	}
}

func TestRetryDraft(t *testing.T) {
	env := newTestEnv(t)
	id := "2025-01-01-genz-001"
	env.seed(t, id)

	code, resp := env.do(t, http.MethodPost, "/api/drafts/"+id+"/retry", RetryRequest{Feedback: "shorter"})
	if code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d %+v", code, resp.Error)
	}
	d, err := env.store.Read(id)
	if err != nil {
		t.Fatalf("读取草稿失败: %v", err)
	}
	if d.Caption != "fresh caption" || d.Status != models.StatusPending {
		t.Errorf("重试后草稿不符: %+v", d)
	}
}

func TestHealthReportsIncompleteSetup(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/api/health", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("缺少密钥时应返回 503，实际 %d", code)
	}
	if resp.Error == nil || resp.Error.Code != ErrorSetupIncomplete {
		t.Fatalf("期望 SETUP_INCOMPLETE，实际 %+v", resp.Error)
	}
	var report services.SetupReport
	json.Unmarshal(resp.Data, &report)
	if report.OK || len(report.Problems()) == 0 {
		t.Errorf("报告应列出问题: %+v", report)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _, _ := rl.Allow("k", 3, time.Minute); !ok {
			t.Fatalf("第 %d 次请求应被允许", i+1)
		}
	}
	if ok, remaining, _ := rl.Allow("k", 3, time.Minute); ok || remaining != 0 {
		t.Fatalf("超出限额应被拒绝，remaining=%d", remaining)
	}
	now = now.Add(2 * time.Minute)
	if ok, _, _ := rl.Allow("k", 3, time.Minute); !ok {
		t.Fatal("窗口过后应恢复")
	}
}

func TestStatusForError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.jobs.Status("missing")
	if status, code := StatusForError(err); status != http.StatusNotFound || code != ErrorNotFound {
		t.Errorf("NotFound 映射错误: %d %s", status, code)
	}
	if status, _ := StatusForError(fmt.Errorf("plain")); status != http.StatusInternalServerError {
		t.Errorf("未分类错误应映射为 500，实际 %d", status)
	}
}
