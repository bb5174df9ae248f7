// internal/models/job.go
package models

import "time"

// 任务状态
const (
	JobStarted = "started"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job 批量生成任务的状态快照
type Job struct {
	ID         string     `json:"job_id"`
	Status     string     `json:"status"`
	Step       string     `json:"step"`
	Message    string     `json:"message"`
	Progress   int        `json:"progress"`
	Error      string     `json:"error,omitempty"`
	DraftIDs   []string   `json:"draft_ids,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal 任务是否已结束
func (j *Job) IsTerminal() bool {
	return j.Status == JobDone || j.Status == JobFailed
}

// BatchRequest 批量生成参数
type BatchRequest struct {
	Count    int      `json:"count"`
	Accounts []string `json:"accounts"`
	NoMedia  bool     `json:"no_media"`
}

// DefaultAccounts 未指定账号时使用的受众
var DefaultAccounts = []string{"genz", "genx", "millennial"}

// WithDefaults 填充默认值
func (r BatchRequest) WithDefaults() BatchRequest {
	if r.Count <= 0 {
		r.Count = 1
	}
	if len(r.Accounts) == 0 {
		r.Accounts = append([]string(nil), DefaultAccounts...)
	}
	return r
}
