package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NormalizeEmail 角色注册表的键：去空白并转小写
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RandomToken 返回 n 字节随机数的十六进制串
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
