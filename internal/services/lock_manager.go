// internal/services/lock_manager.go
package services

import (
	"sync"
)

// LockManager 按草稿 ID 分配互斥锁，串行化同一草稿上的 retry / publish
type LockManager struct {
	draftLocks map[string]*LockInfo
	globalLock sync.Mutex
}

// LockInfo 包装锁和引用计数
type LockInfo struct {
	Mutex          sync.Mutex
	ReferenceCount int32 // 持有或等待该锁的调用数，归零时回收
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{
		draftLocks: make(map[string]*LockInfo),
	}
}

// acquire 取得（必要时创建）锁条目并增加引用
func (lm *LockManager) acquire(draftID string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.draftLocks[draftID]
	if !exists {
		info = &LockInfo{}
		lm.draftLocks[draftID] = info
	}
	info.ReferenceCount++
	return info
}

// release 减少引用，无人使用时删除条目
func (lm *LockManager) release(draftID string, info *LockInfo) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info.ReferenceCount--
	if info.ReferenceCount <= 0 {
		delete(lm.draftLocks, draftID)
	}
}

// ExecuteWithDraftLock 在草稿锁保护下执行操作
func (lm *LockManager) ExecuteWithDraftLock(draftID string, fn func() error) error {
	info := lm.acquire(draftID)
	defer lm.release(draftID, info)

	info.Mutex.Lock()
	defer info.Mutex.Unlock()
	return fn()
}

// ActiveLocks 当前仍被引用的锁数量
func (lm *LockManager) ActiveLocks() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	return len(lm.draftLocks)
}
