package requeststack

import "fmt"

// Buffer 暂存待入队的请求，纯内存操作，提交由 Stack.CommitStaged 在事务内完成。
type Buffer struct {
	entries []Entry
	strIDs  map[string]struct{}
}

// NewBuffer 创建空缓冲。
func NewBuffer() *Buffer {
	return &Buffer{strIDs: make(map[string]struct{})}
}

// Stage 校验并暂存请求，同一缓冲内 str_id 不可重复。
func (b *Buffer) Stage(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if b.strIDs == nil {
		b.strIDs = make(map[string]struct{})
	}
	if _, dup := b.strIDs[e.StrID]; dup {
		return fmt.Errorf("requeststack: str_id %s 重复暂存", e.StrID)
	}
	b.strIDs[e.StrID] = struct{}{}
	b.entries = append(b.entries, e)
	return nil
}

// Len 返回暂存数量。
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Reset 清空缓冲。
func (b *Buffer) Reset() {
	b.entries = nil
	b.strIDs = make(map[string]struct{})
}
