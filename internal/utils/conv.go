package utils

import (
	"strconv"
)

// StringToInt converts string to int, returns 0 if error
func StringToInt(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}

// ClampLimit 把查询参数 limit 限制在 [1, max]，非法值返回 def
func ClampLimit(s string, def, max int) int {
	n := StringToInt(s)
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
