// Package dirqueue implements the DirectoryQueue collaborator contract: it
// walks a source directory in its own goroutine, then streams the files'
// blocks over a channel in sorted path order so sender threads can start
// dispatching blocks before every block is queued, and accepts sources
// back for retry after a checkpoint rewind invalidates them.
package dirqueue

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/warpforge/wdt/internal/bytesource"
	"github.com/warpforge/wdt/internal/history"
	"github.com/warpforge/wdt/pkg/protocol"
)

// AbortChecker is polled by the discovery goroutine before each file is
// queued; discovery stops once it reports an abort.
type AbortChecker interface {
	CheckAbort() (protocol.ErrorCode, bool)
}

// Queue matches the collaborator contract named in §6, plus Requeue for
// internal/history's checkpoint-rewind path.
type Queue struct {
	root      string
	blockSize int64

	mu               sync.Mutex
	nextSeqID        int64
	totalSize        int64
	numBlocks        int64
	discoveryDone    bool
	discoveryStatus  protocol.ErrorCode

	items chan bytesource.ByteSource
	abort AbortChecker

	pending int32 // not read or written by any method
}

// New starts walking root in a background goroutine, chunking files into
// blockSize-sized BlockDetails and streaming them into an internal
// channel. abort is polled by the discovery goroutine between files.
func New(ctx context.Context, root string, blockSize int64, fileList []string, abort AbortChecker) *Queue {
	if blockSize <= 0 {
		blockSize = 1 << 20
	}
	q := &Queue{
		root:      root,
		blockSize: blockSize,
		items:     make(chan bytesource.ByteSource, 64),
		abort:     abort,
	}
	go q.discover(ctx, fileList)
	return q
}

func (q *Queue) discover(ctx context.Context, fileList []string) {
	defer close(q.items)
	defer func() {
		q.mu.Lock()
		q.discoveryDone = true
		q.mu.Unlock()
	}()

	var relPaths []string
	if len(fileList) > 0 {
		relPaths = append(relPaths, fileList...)
	} else {
		err := filepath.WalkDir(q.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(q.root, path)
			if err != nil {
				return err
			}
			relPaths = append(relPaths, rel)
			return nil
		})
		if err != nil {
			q.mu.Lock()
			q.discoveryStatus = protocol.ByteSourceReadError
			q.mu.Unlock()
			return
		}
	}
	sort.Strings(relPaths)

	for _, rel := range relPaths {
		if _, aborted := q.abort.CheckAbort(); aborted {
			return
		}
		absPath := filepath.Join(q.root, rel)
		info, err := os.Stat(absPath)
		if err != nil {
			continue
		}
		q.enqueueFile(ctx, rel, absPath, info.Size())
	}
}

func (q *Queue) enqueueFile(ctx context.Context, relPath, absPath string, size int64) {
	var offset int64
	for offset < size || size == 0 {
		dataSize := q.blockSize
		if offset+dataSize > size {
			dataSize = size - offset
		}
		seqID := atomic.AddInt64(&q.nextSeqID, 1) - 1
		meta := protocol.BlockDetails{
			FileName:         relPath,
			SeqID:            seqID,
			FileSize:         size,
			Offset:           offset,
			DataSize:         dataSize,
			AllocationStatus: protocol.NotExists,
		}
		src := bytesource.New(absPath, meta)

		q.mu.Lock()
		q.totalSize += dataSize
		q.numBlocks++
		q.mu.Unlock()

		select {
		case q.items <- src:
		case <-ctx.Done():
			return
		}
		offset += dataSize
		if size == 0 {
			break
		}
	}
}

// GetNextSource blocks until a source is available, discovery finishes
// with nothing left (nil, OK), or ctx is done (nil, Abort).
func (q *Queue) GetNextSource(ctx context.Context) (bytesource.ByteSource, protocol.ErrorCode) {
	if ctx.Err() != nil {
		return nil, protocol.Abort
	}
	select {
	case src, ok := <-q.items:
		if !ok {
			return nil, protocol.OK
		}
		return src, protocol.OK
	case <-ctx.Done():
		return nil, protocol.Abort
	}
}

// GetNumBlocksAndStatus reports how many blocks have been discovered so
// far and whether discovery hit an error.
func (q *Queue) GetNumBlocksAndStatus() (int64, protocol.ErrorCode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numBlocks, q.discoveryStatus
}

// GetTotalSize reports the cumulative size of every block discovered so far.
func (q *Queue) GetTotalSize() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalSize
}

// FileDiscoveryFinished reports whether the directory walk has completed
// and every discovered block has been queued.
func (q *Queue) FileDiscoveryFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discoveryDone
}

// Requeue accepts sources invalidated by a checkpoint rewind and makes
// them available again via GetNextSource, satisfying
// internal/history.Requeuer.
func (q *Queue) Requeue(sources []history.Source) {
	for _, s := range sources {
		src, ok := s.(bytesource.ByteSource)
		if !ok {
			continue
		}
		select {
		case q.items <- src:
		default:
			go func(src bytesource.ByteSource) { q.items <- src }(src)
		}
	}
}
