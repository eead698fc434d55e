package transfer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dumptools/dumpsync/internal/planner"
	"github.com/dumptools/dumpsync/internal/state"
)

// Progress persistence cadence: bytes-downloaded is flushed to the
// state store every progressStep bytes or progressInterval, whichever
// comes first, so fast links do not hammer the database.
const (
	progressStep     = 4 << 20
	progressInterval = 2 * time.Second
)

// ProgressHook observes live transfer progress for display purposes.
// It runs on worker goroutines and must be fast.
type ProgressHook func(task planner.Task, done, total int64)

// TaskResult is the outcome of one executed task.
type TaskResult struct {
	Task         planner.Task
	Verified     bool
	Err          error
	BytesFetched int64
	Attempts     int
	Duration     time.Duration

	index int // original submission order, for stable result ordering
}

// Engine executes planned transfers across a bounded worker pool,
// recording every state transition in the store. Tasks are
// independent: one task's failure never aborts its siblings.
type Engine struct {
	client        *Client
	store         *state.Store
	workers       int
	retryAttempts int
	logger        *slog.Logger
	progress      ProgressHook
}

// NewEngine creates an engine with the given concurrency budget.
func NewEngine(client *Client, store *state.Store, workers, retryAttempts int, logger *slog.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		client:        client,
		store:         store,
		workers:       workers,
		retryAttempts: retryAttempts,
		logger:        logger,
	}
}

// SetProgressHook installs an optional live-progress observer.
func (e *Engine) SetProgressHook(fn ProgressHook) {
	e.progress = fn
}

// Execute runs all tasks and waits for completion. Results come back
// in submission order regardless of completion order. Cancelling the
// context stops new submissions immediately; in-flight tasks persist
// their byte counts and stay in_progress for the next run to resume.
func (e *Engine) Execute(ctx context.Context, tasks []planner.Task) []TaskResult {
	if len(tasks) == 0 {
		return []TaskResult{}
	}

	taskChan := make(chan indexedTask, len(tasks))
	resultChan := make(chan TaskResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go e.worker(ctx, taskChan, resultChan, &wg)
	}

	go func() {
		defer close(taskChan)
		for i, task := range tasks {
			select {
			case taskChan <- indexedTask{task: task, index: i}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]TaskResult, 0, len(tasks))
	for result := range resultChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})
	return results
}

type indexedTask struct {
	task  planner.Task
	index int
}

func (e *Engine) worker(ctx context.Context, taskChan <-chan indexedTask, resultChan chan<- TaskResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for it := range taskChan {
		select {
		case <-ctx.Done():
			resultChan <- TaskResult{Task: it.task, Err: ctx.Err(), index: it.index}
			continue
		default:
		}
		resultChan <- e.runTask(ctx, it)
	}
}

// runTask drives one transfer through its state transitions:
// in_progress on start, verified or failed on completion, in_progress
// with accurate bytes on cancellation.
func (e *Engine) runTask(ctx context.Context, it indexedTask) TaskResult {
	task := it.task
	result := TaskResult{Task: task, index: it.index}

	if err := e.store.BeginTransfer(task.Path, task.ExpectedSize, task.ExpectedChecksum, task.ChecksumAlgo); err != nil {
		result.Err = err
		return result
	}

	var lastPersisted int64
	var lastFlush time.Time
	onProgress := func(done, total int64) {
		if e.progress != nil {
			e.progress(task, done, total)
		}
		now := time.Now()
		if done-lastPersisted < progressStep && now.Sub(lastFlush) < progressInterval {
			return
		}
		if err := e.store.RecordProgress(task.Path, done); err != nil {
			e.logger.Warn("failed to persist progress", "path", task.Path, "error", err)
			return
		}
		lastPersisted = done
		lastFlush = now
	}

	res, err := e.client.Download(ctx, Options{
		URL:              task.SourceURL,
		DestPath:         task.DestPath,
		ExpectedSize:     task.ExpectedSize,
		ExpectedChecksum: task.ExpectedChecksum,
		ChecksumAlgo:     task.ChecksumAlgo,
		ResumeOffset:     task.ResumeOffset,
		RetryAttempts:    e.retryAttempts,
		OnProgress:       onProgress,
	})

	if err != nil {
		result.Err = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Interrupted, not failed: persist what landed on disk and
			// leave the entry in_progress so the next run resumes.
			if fi, statErr := os.Stat(task.DestPath); statErr == nil {
				if perr := e.store.RecordProgress(task.Path, fi.Size()); perr != nil {
					e.logger.Warn("failed to persist final progress", "path", task.Path, "error", perr)
				}
			}
			e.logger.Info("transfer interrupted", "path", task.Path)
			return result
		}

		if markErr := e.store.MarkFailed(task.Path, err.Error()); markErr != nil {
			e.logger.Error("failed to record failure", "path", task.Path, "error", markErr)
		}
		e.logger.Error("transfer failed", "path", task.Path, "url", task.SourceURL, "error", err)
		return result
	}

	if err := e.store.MarkVerified(task.Path, res.Size, res.Checksum, res.ChecksumAlgo); err != nil {
		result.Err = err
		e.logger.Error("failed to record verification", "path", task.Path, "error", err)
		return result
	}

	result.Verified = true
	result.BytesFetched = res.BytesFetched
	result.Attempts = res.Attempts
	result.Duration = res.Duration
	e.logger.Info("transfer complete",
		"path", task.Path,
		"size", res.Size,
		"resumed", res.Resumed,
		"attempts", res.Attempts)
	return result
}
