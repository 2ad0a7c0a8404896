// Package locktable 提供进程内的键到过期时间锁表，由各调度循环实例独立持有。
package locktable

import (
	"sync"
	"time"
)

// Table 记录每个键的锁定截止时间。
type Table struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// New 创建锁表。
func New() *Table {
	return &Table{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock 替换时钟，主要用于测试。
func (t *Table) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Locked 判断键是否仍在锁定期内。
func (t *Table) Locked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedLocked(key)
}

func (t *Table) lockedLocked(key string) bool {
	until, ok := t.entries[key]
	if !ok {
		return false
	}
	if !t.now().Before(until) {
		delete(t.entries, key)
		return false
	}
	return true
}

// Lock 将键锁定 ttl，已锁定时延长到新的截止时间。
func (t *Table) Lock(key string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = t.now().Add(ttl)
}

// TryLock 仅在键未锁定时加锁，返回是否成功。
func (t *Table) TryLock(key string, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lockedLocked(key) {
		return false
	}
	t.entries[key] = t.now().Add(ttl)
	return true
}

// Purge 清理过期条目，返回清理数量。
func (t *Table) Purge() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for key, until := range t.entries {
		if !now.Before(until) {
			delete(t.entries, key)
			n++
		}
	}
	return n
}
