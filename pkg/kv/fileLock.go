package kv

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

const lockPollInterval = 10 * time.Millisecond

// lockFile takes an exclusive advisory lock on path, creating it if needed,
// and polls until the lock is free or ctx ends.
func lockFile(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	for {
		locked, err := tryLockFile(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if locked {
			break
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		_ = unlockFile(f)
		_ = f.Close()
	}, nil
}
