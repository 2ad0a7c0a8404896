// Package fixed 提供 8 位小数定点运算，所有截断都朝零方向进行。
package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision 为金额与数量统一使用的小数位数。
const Precision int32 = 8

// Floor 截断到 8 位小数。
func Floor(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Precision)
}

// FloorTo 截断到指定小数位，places 超过 8 时按 8 处理。
func FloorTo(d decimal.Decimal, places int32) decimal.Decimal {
	if places > Precision {
		places = Precision
	}
	return d.Truncate(places)
}

// FloorDiv 计算 a/b 并截断到 8 位小数，不经过任何中间舍入。
func FloorDiv(a, b decimal.Decimal) (decimal.Decimal, error) {
	return FloorDivTo(a, b, Precision)
}

// FloorDivTo 计算 a/b 并截断到 places 位小数。
func FloorDivTo(a, b decimal.Decimal, places int32) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("fixed: 除数为零")
	}
	q, _ := a.QuoRem(b, places)
	return q, nil
}

// FloorMul 计算 a*b 并截断到 8 位小数。
func FloorMul(a, b decimal.Decimal) decimal.Decimal {
	return Floor(a.Mul(b))
}

// Parse 解析十进制字符串，空串视为零。
func Parse(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fixed: 解析数值 %q 失败: %w", value, err)
	}
	return d, nil
}

// FromFloat 将交易所返回的浮点数转换为 8 位定点数。
// 先按字符串最短表示转换，再截断，避免二进制误差把值推高。
func FromFloat(f float64) decimal.Decimal {
	return Floor(decimal.NewFromFloat(f))
}

// FromFloatPtr 同 FromFloat，nil 返回零。
func FromFloatPtr(f *float64) decimal.Decimal {
	if f == nil {
		return decimal.Zero
	}
	return FromFloat(*f)
}
