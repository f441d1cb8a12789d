package services

import (
	"context"
	"time"

	"devpath/internal/store"
)

const (
	writeAttempts = 3
	writeBackoff  = 100 * time.Millisecond
)

// retryWrite 主写入（points/achievements）在调用点有限次重试，线性退避
func retryWrite(ctx context.Context, op, uid string, fn func() error) error {
	var err error
	attempt := 0
	for attempt < writeAttempts {
		attempt++
		if err = fn(); err == nil {
			return nil
		}
		if !store.Retryable(err) || attempt == writeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &StoreWriteError{Op: op, UID: uid, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(time.Duration(attempt) * writeBackoff):
		}
	}
	return &StoreWriteError{Op: op, UID: uid, Attempts: attempt, Err: err}
}
