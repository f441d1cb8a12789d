package services

import (
	"errors"
	"fmt"
)

var (
	ErrNotElevated          = errors.New("account is not elevated")
	ErrAdminKeyRequired     = errors.New("admin key verification required")
	ErrInvalidAdminKey      = errors.New("invalid admin key")
	ErrVerificationFailed   = errors.New("admin key verification service unavailable")
	ErrRateLimited          = errors.New("too many attempts, try again later")
	ErrConfirmationRequired = errors.New("operation requires explicit confirmation")
)

// ProvisioningError 首次登录建档失败，会话无法建立
type ProvisioningError struct {
	UID string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision account %s: %v", e.UID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// StoreWriteError 主写入在重试次数用尽后仍然失败
type StoreWriteError struct {
	Op       string
	UID      string
	Attempts int
	Err      error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.UID, e.Attempts, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// ConfigurationMissingError 消息原样展示给操作者
type ConfigurationMissingError struct {
	Message string
}

func (e *ConfigurationMissingError) Error() string { return e.Message }

// ValidationError 在任何写入之前拒绝
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConfigurationMissing(err error) bool {
	var c *ConfigurationMissingError
	return errors.As(err, &c)
}
