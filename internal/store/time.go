package store

import (
	"database/sql"
	"fmt"
	"time"
)

// 定宽 UTC 格式，字符串比较与时间先后一致。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime 将时间编码为可排序的 TEXT。
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime 解析 FormatTime 写入的值。
func ParseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: 解析时间 %q 失败: %w", value, err)
	}
	return t, nil
}

// NullTime 将可空列转换为 *time.Time。
func NullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TimeArg 将 *time.Time 转换为 SQL 参数。
func TimeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}
