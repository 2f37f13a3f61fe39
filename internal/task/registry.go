package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrTaskRunning is the session-level single-writer rejection: a second
	// invocation may not begin while the session's task is still running.
	ErrTaskRunning = errors.New("task already running for session")
)

const DefaultGCDelay = 30 * time.Second

type entry struct {
	task   Task
	cancel context.CancelFunc
	gc     *time.Timer
}

// Registry is the process-wide map from session id to task state. Entries
// persist across turns and are swept a fixed delay after reaching a terminal
// status, so a status query issued right after completion still observes the
// final state instead of a missing record.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	gcDelay time.Duration
}

func NewRegistry(gcDelay time.Duration) *Registry {
	if gcDelay <= 0 {
		gcDelay = DefaultGCDelay
	}
	return &Registry{
		entries: make(map[string]*entry),
		gcDelay: gcDelay,
	}
}

// Handle is the single-writer view of one invocation. Only the executor loop
// that obtained it mutates the underlying task; everyone else reads
// snapshots through Registry.Get.
type Handle struct {
	r *Registry
	e *entry
}

// Begin starts a new invocation. With a non-empty sessionID the session's
// record is reused or created; an empty sessionID yields a detached record
// that Bind attaches once the backend assigns an id.
func (r *Registry) Begin(sessionID string, cancel context.CancelFunc) (*Handle, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var e *entry
	if sessionID != "" {
		e = r.entries[sessionID]
		if e != nil && e.task.Status == StatusRunning {
			return nil, ErrTaskRunning
		}
		if e == nil {
			e = &entry{task: Task{SessionID: sessionID, Status: StatusIdle}}
			r.entries[sessionID] = e
		}
	} else {
		e = &entry{task: Task{Status: StatusIdle}}
	}

	if e.gc != nil {
		e.gc.Stop()
		e.gc = nil
	}
	e.task.ID = uuid.NewString()
	e.task.Status = StatusRunning
	e.task.StartTime = now
	e.task.Error = ""
	e.cancel = cancel

	return &Handle{r: r, e: e}, nil
}

// Bind registers a detached record under the backend-assigned session id.
// No-op when the handle already carries that id.
func (h *Handle) Bind(sessionID string) {
	if sessionID == "" {
		return
	}
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.e.task.SessionID == sessionID {
		return
	}
	h.e.task.SessionID = sessionID
	h.r.entries[sessionID] = h.e
}

// Append records one event in the task's results log.
func (h *Handle) Append(ev Event) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.e.task.Results = append(h.e.task.Results, ev)
}

// Finish moves the invocation to a terminal status exactly once and schedules
// the registry sweep.
func (h *Handle) Finish(status Status, errMsg string) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.e.task.Status.Terminal() {
		return
	}
	h.e.task.Status = status
	h.e.task.Error = errMsg
	h.e.cancel = nil
	h.r.scheduleGCLocked(h.e)
}

func (h *Handle) Task() Task {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.e.task.Clone()
}

func (r *Registry) scheduleGCLocked(e *entry) {
	sessionID := e.task.SessionID
	if sessionID == "" {
		return
	}
	if e.gc != nil {
		e.gc.Stop()
	}
	e.gc = time.AfterFunc(r.gcDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur, ok := r.entries[sessionID]
		if ok && cur == e && cur.task.Status.Terminal() {
			delete(r.entries, sessionID)
		}
	})
}

// GetOrCreate returns the session's task, creating an idle record when none
// exists.
func (r *Registry) GetOrCreate(sessionID string) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{task: Task{SessionID: sessionID, Status: StatusIdle}}
		r.entries[sessionID] = e
	}
	return e.task.Clone()
}

func (r *Registry) Get(sessionID string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return e.task.Clone(), nil
}

func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		if e.gc != nil {
			e.gc.Stop()
		}
		delete(r.entries, sessionID)
	}
}

// Cancel flips the running invocation's cancellation token. The executor
// observes it between backend messages; cancellation is cooperative, not
// preemptive.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel := (context.CancelFunc)(nil)
	if e, ok := r.entries[sessionID]; ok && e.task.Status == StatusRunning {
		cancel = e.cancel
	}
	r.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Running reports whether the session currently has an in-flight invocation.
func (r *Registry) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return ok && e.task.Status == StatusRunning
}
