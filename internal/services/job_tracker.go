// internal/services/job_tracker.go
package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/NostalgiaPipeline/internal/errors"
	"github.com/Corphon/NostalgiaPipeline/internal/models"
	"github.com/Corphon/NostalgiaPipeline/internal/utils"
)

// 任务完成时的固定消息
const JobDoneMessage = "Drafts created"

// subscriberBuffer 每个订阅通道的缓冲
const subscriberBuffer = 16

// ProgressFunc 进度回调：步骤名、描述、0.0-1.0 的比例
type ProgressFunc func(step, message string, fraction float64)

// BatchRunner 批量生成的执行者，返回已创建的草稿 ID
type BatchRunner interface {
	RunBatch(ctx context.Context, req models.BatchRequest, progress ProgressFunc) ([]string, error)
}

// jobEntry 任务表中的一行
type jobEntry struct {
	job         models.Job
	subscribers map[chan models.Job]struct{}
}

// JobTracker 管理后台批量任务及其进度，整张表由一把锁保护
type JobTracker struct {
	mu     sync.Mutex
	jobs   map[string]*jobEntry
	runner BatchRunner
	wg     sync.WaitGroup
	now    func() time.Time
	logger *utils.Logger
}

// NewJobTracker 创建任务表
func NewJobTracker(runner BatchRunner) *JobTracker {
	return &JobTracker{
		jobs:   make(map[string]*jobEntry),
		runner: runner,
		now:    time.Now,
		logger: utils.GetLogger().With(utils.Fields{"component": "jobs"}),
	}
}

// Start 登记任务并在后台执行，立即返回任务 ID
func (t *JobTracker) Start(req models.BatchRequest) (string, error) {
	if t.runner == nil {
		return "", apperrors.NewConfigMissingError("generation runner not configured", nil)
	}
	req = req.WithDefaults()

	id := uuid.New().String()
	now := t.now()

	t.mu.Lock()
	t.jobs[id] = &jobEntry{
		job: models.Job{
			ID:        id,
			Status:    models.JobStarted,
			Step:      "queued",
			Message:   "Job queued",
			CreatedAt: now,
			UpdatedAt: now,
		},
		subscribers: make(map[chan models.Job]struct{}),
	}
	t.mu.Unlock()

	metrics := utils.GetMetricsCollector()
	metrics.IncrementCounter(utils.MetricJobsStarted)
	metrics.IncGauge(utils.MetricJobsRunning)

	t.wg.Add(1)
	go t.run(id, req)

	t.logger.Info("job started", utils.Fields{
		"job_id":   id,
		"count":    req.Count,
		"accounts": req.Accounts,
		"no_media": req.NoMedia,
	})
	return id, nil
}

// run 后台执行批量生成；panic 记为失败
func (t *JobTracker) run(id string, req models.BatchRequest) {
	defer t.wg.Done()
	defer utils.GetMetricsCollector().DecGauge(utils.MetricJobsRunning)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("job panicked", utils.Fields{"job_id": id, "panic": fmt.Sprint(r)})
			t.finish(id, nil, fmt.Errorf("internal error: %v", r))
		}
	}()

	t.mutate(id, func(job *models.Job) {
		job.Status = models.JobRunning
		job.Step = "starting"
		job.Message = "Job running"
	})

	ids, err := t.runner.RunBatch(context.Background(), req, func(step, message string, fraction float64) {
		t.report(id, step, message, fraction)
	})
	t.finish(id, ids, err)
}

// report 写入一次进度。进度只增不减，且在完成前不超过 99
func (t *JobTracker) report(id, step, message string, fraction float64) {
	if math.IsNaN(fraction) {
		fraction = 0
	}
	progress := int(math.Round(fraction * 100))
	if progress > 99 {
		progress = 99
	}
	t.mutate(id, func(job *models.Job) {
		if progress > job.Progress {
			job.Progress = progress
		}
		job.Status = models.JobRunning
		job.Step = step
		job.Message = message
	})
}

// finish 写入终态
func (t *JobTracker) finish(id string, draftIDs []string, err error) {
	metrics := utils.GetMetricsCollector()
	t.mutate(id, func(job *models.Job) {
		finished := t.now()
		job.FinishedAt = &finished
		job.DraftIDs = append([]string(nil), draftIDs...)
		if err != nil {
			job.Status = models.JobFailed
			job.Progress = 0
			job.Error = err.Error()
			job.Message = err.Error()
			metrics.IncrementCounter(utils.MetricJobsFailed)
			return
		}
		job.Status = models.JobDone
		job.Progress = 100
		job.Step = "done"
		job.Message = JobDoneMessage
		metrics.IncrementCounter(utils.MetricJobsDone)
	})

	if err != nil {
		t.logger.Warn("job failed", utils.Fields{"job_id": id, "error": err.Error(), "drafts": len(draftIDs)})
	} else {
		t.logger.Info("job done", utils.Fields{"job_id": id, "drafts": len(draftIDs)})
	}
}

// mutate 在锁内修改非终态任务并通知订阅者；终态任务忽略所有修改
func (t *JobTracker) mutate(id string, fn func(job *models.Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.jobs[id]
	if !ok || entry.job.IsTerminal() {
		return
	}
	fn(&entry.job)
	entry.job.UpdatedAt = t.now()

	snapshot := copyJob(entry.job)
	for ch := range entry.subscribers {
		// 非阻塞发送，通道已满则跳过
		select {
		case ch <- snapshot:
		default:
		}
	}
	if entry.job.IsTerminal() {
		for ch := range entry.subscribers {
			close(ch)
		}
		entry.subscribers = make(map[chan models.Job]struct{})
	}
}

// Status 返回任务快照
func (t *JobTracker) Status(id string) (models.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.jobs[id]
	if !ok {
		return models.Job{}, apperrors.NewNotFoundError(fmt.Sprintf("job %q not found", id), nil)
	}
	return copyJob(entry.job), nil
}

// Subscribe 订阅任务更新。通道先收到当前快照，任务结束后关闭；
// 慢消费者可能丢失中间快照，关闭后应以 Status 为准
func (t *JobTracker) Subscribe(id string) (<-chan models.Job, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.jobs[id]
	if !ok {
		return nil, nil, apperrors.NewNotFoundError(fmt.Sprintf("job %q not found", id), nil)
	}

	ch := make(chan models.Job, subscriberBuffer)
	ch <- copyJob(entry.job)
	if entry.job.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}
	entry.subscribers[ch] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { t.unsubscribe(id, ch) })
	}
	return ch, unsubscribe, nil
}

func (t *JobTracker) unsubscribe(id string, ch chan models.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.jobs[id]
	if !ok {
		return
	}
	if _, subscribed := entry.subscribers[ch]; subscribed {
		delete(entry.subscribers, ch)
		close(ch)
	}
}

// CleanupFinished 删除结束超过 maxAge 的任务，返回删除数量
func (t *JobTracker) CleanupFinished(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for id, entry := range t.jobs {
		if entry.job.FinishedAt == nil {
			continue
		}
		if now.Sub(*entry.job.FinishedAt) > maxAge {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// StartJanitor 定期清理过期任务，直到 ctx 结束
func (t *JobTracker) StartJanitor(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		return
	}
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.CleanupFinished(retention); n > 0 {
					t.logger.Debug("expired jobs removed", utils.Fields{"count": n})
				}
			}
		}
	}()
}

// Wait 等待所有进行中的任务结束
func (t *JobTracker) Wait() {
	t.wg.Wait()
}

// Len 表中任务数
func (t *JobTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func copyJob(job models.Job) models.Job {
	out := job
	if job.DraftIDs != nil {
		out.DraftIDs = append([]string(nil), job.DraftIDs...)
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
