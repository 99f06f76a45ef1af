package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

const (
	objectSuffix = ".json"
	lockSuffix   = ".lock"
	tmpInfix     = ".tmp-"
)

// objectLocks serialises Updates of one object URL inside this process.
// Local files are additionally locked with flock for other processes.
var objectLocks sync.Map

// AfsStore keeps one object per key under a base URL. Any afs scheme works:
// file:// for on-device storage, mem:// for tests, gs:// or s3:// for shared queues.
//
// Writes go to a temporary sibling that is then moved over the object, so
// readers see either the old or the new value.
type AfsStore struct {
	fs      afs.Service
	baseURL string
}

func NewAfsStore(baseURL string) *AfsStore {
	return &AfsStore{fs: afs.New(), baseURL: baseURL}
}

// ObjectURL returns the URL holding key.
func (a *AfsStore) ObjectURL(key string) string {
	return url.Join(a.baseURL, key+objectSuffix)
}

// ObjectName returns the object name holding key, without the base URL.
func ObjectName(key string) string {
	return key + objectSuffix
}

// LocalDir maps a store URL to a filesystem directory. Non-file schemes yield "".
func LocalDir(storeURL string) string {
	switch {
	case strings.HasPrefix(storeURL, "file://"):
		return filepath.Clean(strings.TrimPrefix(storeURL, "file://"))
	case strings.Contains(storeURL, "://"), storeURL == "":
		return ""
	default:
		return filepath.Clean(storeURL)
	}
}

func (a *AfsStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "kv.Get")
	defer span.End()
	startTime := time.Now()

	objectURL := a.ObjectURL(key)
	exists, err := a.fs.Exists(ctx, objectURL)
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to stat %s: %w", objectURL, err)
	}
	if !exists {
		return "", false, nil
	}

	data, err := a.fs.DownloadWithURL(ctx, objectURL)
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to read %s: %w", objectURL, err)
	}

	addDBStatsToSpan(span, "afs", "download", key, time.Since(startTime))
	return string(data), true, nil
}

func (a *AfsStore) Set(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "kv.Set")
	defer span.End()
	startTime := time.Now()

	if err := a.write(ctx, key, value); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "afs", "upload", key, time.Since(startTime))
	return nil
}

func (a *AfsStore) write(ctx context.Context, key, value string) error {
	objectURL := a.ObjectURL(key)
	tmpURL := objectURL + tmpInfix + uuid.NewString()

	if err := a.fs.Upload(ctx, tmpURL, 0o644, strings.NewReader(value)); err != nil {
		_ = a.fs.Delete(ctx, tmpURL)
		return fmt.Errorf("failed to write %s: %w", tmpURL, err)
	}
	if err := a.replace(ctx, tmpURL, objectURL); err != nil {
		_ = a.fs.Delete(ctx, tmpURL)
		return fmt.Errorf("failed to replace %s: %w", objectURL, err)
	}
	return nil
}

// replace moves tmpURL over objectURL. Local files are renamed in place,
// since the afs file mover deletes the target before renaming.
func (a *AfsStore) replace(ctx context.Context, tmpURL, objectURL string) error {
	if LocalDir(a.baseURL) != "" {
		return os.Rename(file.Path(tmpURL), file.Path(objectURL))
	}
	return a.fs.Move(ctx, tmpURL, objectURL)
}

func (a *AfsStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	ctx, span := tracer.Start(ctx, "kv.Update")
	defer span.End()
	startTime := time.Now()

	unlock, err := a.lock(ctx, key)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer unlock()

	current, ok, err := a.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		return err
	}
	next, err := fn(current, ok)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.write(ctx, key, next); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "afs", "update", key, time.Since(startTime))
	return nil
}

func (a *AfsStore) lock(ctx context.Context, key string) (func(), error) {
	objectURL := a.ObjectURL(key)
	mu, _ := objectLocks.LoadOrStore(objectURL, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()

	dir := LocalDir(a.baseURL)
	if dir == "" {
		return mu.(*sync.Mutex).Unlock, nil
	}
	release, err := lockFile(ctx, filepath.Join(dir, ObjectName(key)+lockSuffix))
	if err != nil {
		mu.(*sync.Mutex).Unlock()
		return nil, fmt.Errorf("failed to lock %s: %w", objectURL, err)
	}
	return func() {
		release()
		mu.(*sync.Mutex).Unlock()
	}, nil
}

func (a *AfsStore) Close() error {
	return nil
}
