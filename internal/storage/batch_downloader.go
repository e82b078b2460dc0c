package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader coordinates parallel downloads from object storage into a
// local directory tree that mirrors the object paths. Objects already present
// locally are not downloaded again.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	destDir     string
}

// BatchRequest specifies which objects to download with optional priorities.
type BatchRequest struct {
	ObjectPaths []string
	Priority    []int // 0=critical, 1=prefetch
}

// BatchResult contains the outcome of a batch download operation.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewBatchDownloader creates a downloader writing into destDir with at most
// concurrency parallel downloads.
func NewBatchDownloader(storage ObjectStorage, concurrency int, destDir string) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		destDir:     destDir,
	}
}

// Download downloads multiple objects in parallel with priority ordering.
// Returns a map of objectPath to localPath for successful downloads,
// and a separate map of objectPath to error for failed downloads.
func (b *BatchDownloader) Download(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	if len(req.ObjectPaths) == 0 {
		return &BatchResult{
			LocalPaths: make(map[string]string),
			Errors:     make(map[string]error),
		}, nil
	}

	// Validate priority array matches object paths count
	priority := req.Priority
	if len(priority) == 0 {
		// Default all to priority 0 if not specified
		priority = make([]int, len(req.ObjectPaths))
	} else if len(priority) != len(req.ObjectPaths) {
		return nil, fmt.Errorf("priority array length must match object paths count")
	}

	// Group paths by priority
	type pathWithPriority struct {
		path      string
		priority  int
		localPath string
	}
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}

	paths := make([]pathWithPriority, 0, len(req.ObjectPaths))
	for i, p := range req.ObjectPaths {
		local, err := b.localPath(p)
		if err != nil {
			result.Errors[p] = err
			continue
		}
		paths = append(paths, pathWithPriority{
			path:      p,
			priority:  priority[i],
			localPath: local,
		})
	}

	// Sort by priority (0 first, then 1, etc.)
	sort.SliceStable(paths, func(i, j int) bool {
		return paths[i].priority < paths[j].priority
	})

	// Objects already present locally are not fetched again.
	var downloadQueue []pathWithPriority
	sem := semaphore.NewWeighted(int64(b.concurrency))

	for _, p := range paths {
		if _, err := os.Stat(p.localPath); err == nil {
			result.LocalPaths[p.path] = p.localPath
			result.CacheHits++
			continue
		}

		downloadQueue = append(downloadQueue, p)
	}

	// Process downloads with semaphore
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range downloadQueue {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled or semaphore failed
			mu.Lock()
			result.Errors[p.path] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(objectPath string, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := b.storage.Download(ctx, objectPath, local); err != nil {
				mu.Lock()
				result.Errors[objectPath] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.LocalPaths[objectPath] = local
			result.Downloads++
			mu.Unlock()
		}(p.path, p.localPath)
	}

	wg.Wait()

	return result, nil
}

// localPath maps an object path into destDir. Cleaning against a virtual
// root keeps ".." elements from escaping it.
func (b *BatchDownloader) localPath(objectPath string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+objectPath), "/")
	if clean == "" {
		return "", fmt.Errorf("storage: invalid object path %q", objectPath)
	}
	return filepath.Join(b.destDir, filepath.FromSlash(clean)), nil
}
