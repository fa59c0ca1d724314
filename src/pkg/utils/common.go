package utils

import (
	"context"
	"time"
)

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// Sleep waits for d or until ctx is done, whichever comes first. It
// reports false if ctx ended the wait.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
