// internal/di/pipeline.go
package di

import (
	"fmt"
	"strings"

	"github.com/Corphon/NostalgiaPipeline/internal/services"
	"github.com/Corphon/NostalgiaPipeline/internal/storage"
)

// Pipeline HTTP 层与命令行需要的全部服务
type Pipeline struct {
	Drafts  *storage.DraftStore
	Jobs    *services.JobTracker
	Retry   *services.RetryService
	Publish *services.PublishService
	Setup   *services.SetupService
}

// Drafts 草稿存储，未注册或类型不符时返回 nil
func (c *Container) Drafts() *storage.DraftStore {
	s, _ := c.Get(ServiceDrafts).(*storage.DraftStore)
	return s
}

// Jobs 批量任务表
func (c *Container) Jobs() *services.JobTracker {
	s, _ := c.Get(ServiceJobs).(*services.JobTracker)
	return s
}

// LLM 文本生成服务
func (c *Container) LLM() *services.LLMService {
	s, _ := c.Get(ServiceLLM).(*services.LLMService)
	return s
}

// Locks 草稿锁
func (c *Container) Locks() *services.LockManager {
	s, _ := c.Get(ServiceLocks).(*services.LockManager)
	return s
}

// Retry 草稿重试
func (c *Container) Retry() *services.RetryService {
	s, _ := c.Get(ServiceRetry).(*services.RetryService)
	return s
}

// Publish 草稿发布
func (c *Container) Publish() *services.PublishService {
	s, _ := c.Get(ServicePublish).(*services.PublishService)
	return s
}

// Setup 环境检查
func (c *Container) Setup() *services.SetupService {
	s, _ := c.Get(ServiceSetup).(*services.SetupService)
	return s
}

// Resolve 取出 Pipeline，缺失的服务一次性列在错误里
func (c *Container) Resolve() (*Pipeline, error) {
	p := &Pipeline{
		Drafts:  c.Drafts(),
		Jobs:    c.Jobs(),
		Retry:   c.Retry(),
		Publish: c.Publish(),
		Setup:   c.Setup(),
	}

	var missing []string
	if p.Drafts == nil {
		missing = append(missing, ServiceDrafts)
	}
	if p.Jobs == nil {
		missing = append(missing, ServiceJobs)
	}
	if p.Retry == nil {
		missing = append(missing, ServiceRetry)
	}
	if p.Publish == nil {
		missing = append(missing, ServicePublish)
	}
	if p.Setup == nil {
		missing = append(missing, ServiceSetup)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("服务未正确初始化: %s", strings.Join(missing, ", "))
	}
	return p, nil
}
