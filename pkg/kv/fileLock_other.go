//go:build !unix && !windows

package kv

import "os"

// Without advisory locks only the in-process lock applies.
func tryLockFile(f *os.File) (bool, error) { return true, nil }

func unlockFile(f *os.File) error { return nil }
