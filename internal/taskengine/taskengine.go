// Package taskengine implements the Async Task Engine (spec.md §4.8): a
// per-controller registry of background jobs exposed through a ticket-based
// HTTP poll/result protocol, with request-level deduplication.
//
// The sweep loop's lifecycle (Start/Stop, mutex-guarded running flag,
// context-cancelled ticker goroutine) is grounded on
// internal/app/services/automation/scheduler.go's Scheduler.
package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/logger"
)

// TaskExpiry is how long after creation a task becomes eligible for sweep,
// per spec.md §4.8.
const TaskExpiry = time.Hour

// DedupCacheSize and DedupCacheTTL bound the fingerprint -> task-id cache.
const (
	DedupCacheSize = 100
	DedupCacheTTL  = time.Hour
)

// ErrTaskUncaught is the code surfaced to HTTP callers for a task whose
// worker panicked or returned an error without a more specific meaning.
const ErrTaskUncaught = "task-uncaught-generic"

// Task is a single background job's state. ID and ExpireAt are set once at
// creation and never mutated; Progress/Finished/Result/Err are written by the
// worker goroutine (through Handle) and read concurrently by HTTP observer
// goroutines and SweepTasks, so every access to them goes through mu — there
// is no separate per-worker lock shadowing a reader-side lock.
type Task struct {
	ID       uuid.UUID
	ExpireAt time.Time

	mu       sync.RWMutex
	Progress float64
	Finished bool
	Result   any
	Err      error

	createdAt time.Time
}

func (t *Task) snapshotProgress() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Progress, t.Finished
}

func (t *Task) snapshotResult() (any, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Result, t.Finished, t.Err
}

func (t *Task) hasTerminalError() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Err != nil
}

// Handle is what RunTask passes to a task's Process: the worker's way to
// report progress and completion.
type Handle struct {
	task *Task
}

// SetProgress updates progress monotonically; values outside [0,1] are
// clamped, and the engine never lets progress move backward.
func (h *Handle) SetProgress(p float64) {
	h.task.mu.Lock()
	defer h.task.mu.Unlock()
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if p > h.task.Progress {
		h.task.Progress = p
	}
}

// Finish marks the task complete with result and no error.
func (h *Handle) Finish(result any) {
	h.task.mu.Lock()
	defer h.task.mu.Unlock()
	h.task.Progress = 1
	h.task.Finished = true
	h.task.Result = result
}

// Fail marks the task terminally errored; per spec.md §4.8, Error-state
// tasks report progress 1.0, finished true, result nil.
func (h *Handle) Fail(err error) {
	h.task.mu.Lock()
	defer h.task.mu.Unlock()
	h.task.Progress = 1
	h.task.Finished = true
	h.task.Result = nil
	h.task.Err = err
}

// Process is the controller-supplied work function; it reports progress and
// completion through handle.
type Process func(ctx context.Context, handle *Handle)

// dedupEntry is stored in the LRU keyed by options fingerprint.
type dedupEntry struct {
	taskID    uuid.UUID
	createdAt time.Time
}

// namespace is one controller's disjoint task registry.
type namespace struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
	dedup *lru.Cache[string, dedupEntry]
}

func newNamespace() *namespace {
	cache, err := lru.New[string, dedupEntry](DedupCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which DedupCacheSize never is.
		panic(fmt.Sprintf("taskengine: failed to construct dedup cache: %v", err))
	}
	return &namespace{tasks: make(map[uuid.UUID]*Task), dedup: cache}
}

// Engine holds disjoint per-controller task namespaces.
type Engine struct {
	log *logger.Logger

	mu         sync.Mutex
	namespaces map[string]*namespace

	sweepInterval time.Duration
	sweepCancel   context.CancelFunc
	sweepWG       sync.WaitGroup
	sweepRunning  bool
}

// New constructs an Engine. sweepInterval defaults to one minute if zero.
func New(log *logger.Logger, sweepInterval time.Duration) *Engine {
	if log == nil {
		log = logger.NewDefault("taskengine")
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Engine{
		log:           log,
		namespaces:    make(map[string]*namespace),
		sweepInterval: sweepInterval,
	}
}

func (e *Engine) namespaceFor(taskListID string) *namespace {
	e.mu.Lock()
	defer e.mu.Unlock()
	ns, ok := e.namespaces[taskListID]
	if !ok {
		ns = newNamespace()
		e.namespaces[taskListID] = ns
	}
	return ns
}

// RunTask allocates a Task under taskListID and runs proc in the background,
// trapping panics into a terminal Error state so an uncaught worker failure
// never crashes the process (spec.md §7).
func (e *Engine) RunTask(taskListID string, proc Process) *Task {
	ns := e.namespaceFor(taskListID)

	task := &Task{
		ID:        uuid.New(),
		ExpireAt:  time.Now().Add(TaskExpiry),
		createdAt: time.Now(),
	}

	ns.mu.Lock()
	ns.tasks[task.ID] = task
	ns.mu.Unlock()

	handle := &Handle{task: task}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				task.mu.Lock()
				task.Progress = 1
				task.Finished = true
				task.Result = nil
				task.Err = fmt.Errorf("taskengine: worker panic: %v", r)
				task.mu.Unlock()
				e.log.WithField("task_id", task.ID.String()).Errorf("task worker panicked: %v", r)
			}
		}()
		proc(context.Background(), handle)
	}()

	return task
}

// RunDeduped behaves like RunTask, but first checks the dedup cache for a
// non-stale, still-existing task matching fingerprint; on a warm hit it
// returns that task instead of spawning a new one.
func (e *Engine) RunDeduped(taskListID, fingerprint string, proc Process) *Task {
	ns := e.namespaceFor(taskListID)

	if entry, ok := ns.dedup.Get(fingerprint); ok {
		if time.Since(entry.createdAt) <= DedupCacheTTL {
			ns.mu.RLock()
			task, exists := ns.tasks[entry.taskID]
			ns.mu.RUnlock()
			if exists {
				return task
			}
		}
		ns.dedup.Remove(fingerprint)
	}

	task := e.RunTask(taskListID, proc)
	ns.dedup.Add(fingerprint, dedupEntry{taskID: task.ID, createdAt: time.Now()})
	return task
}

// Fingerprint produces a stable JSON fingerprint of opts for dedup-cache
// lookups, per spec.md §4.8 ("stable JSON of job options").
func Fingerprint(opts any) (string, error) {
	normalized, err := normalize(opts)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalize round-trips through map[string]any so object keys marshal in a
// deterministic (sorted) order regardless of struct field order.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return sortKeys(out), nil
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{k, sortKeys(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out
	default:
		return val
	}
}

type keyValue struct {
	Key   string
	Value any
}

func (kv keyValue) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(kv.Value)
	if err != nil {
		return nil, err
	}
	key, err := json.Marshal(kv.Key)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("[%s,%s]", key, inner)), nil
}

// --- observers --------------------------------------------------------

func (e *Engine) lookup(taskListID string, id uuid.UUID) (*Task, bool) {
	ns := e.namespaceFor(taskListID)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	t, ok := ns.tasks[id]
	return t, ok
}

// IsTaskExisting reports whether id is currently registered under taskListID.
func (e *Engine) IsTaskExisting(taskListID string, id uuid.UUID) bool {
	_, ok := e.lookup(taskListID, id)
	return ok
}

// IsTaskExpired reports whether id's ExpireAt has passed.
func (e *Engine) IsTaskExpired(taskListID string, id uuid.UUID) bool {
	t, ok := e.lookup(taskListID, id)
	if !ok {
		return true
	}
	return time.Now().After(t.ExpireAt)
}

// GetTaskProgress returns id's progress, or (0, false) if unknown.
func (e *Engine) GetTaskProgress(taskListID string, id uuid.UUID) (float64, bool) {
	t, ok := e.lookup(taskListID, id)
	if !ok {
		return 0, false
	}
	progress, _ := t.snapshotProgress()
	return progress, true
}

// GetTaskFinished returns whether id has finished, or false if unknown.
func (e *Engine) GetTaskFinished(taskListID string, id uuid.UUID) (bool, bool) {
	t, ok := e.lookup(taskListID, id)
	if !ok {
		return false, false
	}
	_, finished := t.snapshotProgress()
	return finished, true
}

// GetTaskResult returns id's stored result. For a task in the Error state,
// result is always nil per spec.md §4.8.
func (e *Engine) GetTaskResult(taskListID string, id uuid.UUID) (any, bool) {
	t, ok := e.lookup(taskListID, id)
	if !ok {
		return nil, false
	}
	result, _, _ := t.snapshotResult()
	return result, true
}

// GetTaskError returns id's terminal error, if any.
func (e *Engine) GetTaskError(taskListID string, id uuid.UUID) (error, bool) {
	t, ok := e.lookup(taskListID, id)
	if !ok {
		return nil, false
	}
	_, _, err := t.snapshotResult()
	return err, true
}

// --- sweeping -----------------------------------------------------------

// SweepTasks removes every task, across all namespaces, whose ExpireAt has
// passed or which terminated in the Error state.
func (e *Engine) SweepTasks() {
	e.mu.Lock()
	namespaces := make([]*namespace, 0, len(e.namespaces))
	for _, ns := range e.namespaces {
		namespaces = append(namespaces, ns)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, ns := range namespaces {
		ns.mu.Lock()
		for id, t := range ns.tasks {
			if now.After(t.ExpireAt) || t.hasTerminalError() {
				delete(ns.tasks, id)
			}
		}
		ns.mu.Unlock()
	}
}

// SweepTask performs a targeted eviction of id within taskListID. When
// checksOnly is true, it only evicts if the task is actually expired.
func (e *Engine) SweepTask(taskListID string, id uuid.UUID, checksOnly bool) {
	ns := e.namespaceFor(taskListID)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	t, ok := ns.tasks[id]
	if !ok {
		return
	}
	if checksOnly && !time.Now().After(t.ExpireAt) {
		return
	}
	delete(ns.tasks, id)
}

// StartSweep begins the background sweep loop. Calling it while already
// running is a no-op, mirroring Scheduler.Start.
func (e *Engine) StartSweep(ctx context.Context) {
	e.mu.Lock()
	if e.sweepRunning {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.sweepCancel = cancel
	e.sweepRunning = true
	e.mu.Unlock()

	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.SweepTasks()
			}
		}
	}()
}

// StopSweep halts the background sweep loop, mirroring Scheduler.Stop.
func (e *Engine) StopSweep() {
	e.mu.Lock()
	if !e.sweepRunning {
		e.mu.Unlock()
		return
	}
	cancel := e.sweepCancel
	e.sweepRunning = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.sweepWG.Wait()
}

// --- HTTP-facing helpers -------------------------------------------------

// ProgressResponse is the body for handleProgressRequest.
type ProgressResponse struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
	Finished bool    `json:"finished"`
}

// HandleProgressRequest implements spec.md §4.8's handleProgressRequest:
// 404 if missing, else the progress payload; when finished, the caller
// should also set a Location header (reported via locationPath).
func (e *Engine) HandleProgressRequest(taskListID string, id uuid.UUID) (resp ProgressResponse, locationPath string, found bool) {
	t, ok := e.lookup(taskListID, id)
	if !ok {
		return ProgressResponse{}, "", false
	}
	progress, finished := t.snapshotProgress()
	resp = ProgressResponse{ID: id.String(), Progress: progress, Finished: finished}
	if finished {
		locationPath = id.String()
	}
	return resp, locationPath, true
}

// ResultStatus discriminates HandleResultRequest's outcome.
type ResultStatus int

const (
	ResultOK ResultStatus = iota
	ResultMissing
	ResultUnfinished
	ResultError
)

// HandleResultRequest implements spec.md §4.8's handleResultRequest.
func (e *Engine) HandleResultRequest(taskListID string, id uuid.UUID) (result any, status ResultStatus) {
	t, ok := e.lookup(taskListID, id)
	if !ok {
		return nil, ResultMissing
	}
	result, finished, err := t.snapshotResult()
	if !finished {
		return nil, ResultUnfinished
	}
	if err != nil {
		return nil, ResultError
	}
	return result, ResultOK
}
