package taskstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/fleet/internal/flock"
)

const lockRetryBudget = 5 * time.Second

// Store is the per-workspace task store. A workspace is a directory rooted
// at <home>/.openclaw/workspace-<agentId>/ containing tasks/, task-history/
// and CURRENT_TASK.md, per §6.
type Store struct {
	root string
}

// New returns a Store rooted at workspaceDir.
func New(workspaceDir string) *Store {
	return &Store{root: workspaceDir}
}

func (s *Store) tasksDir() string       { return filepath.Join(s.root, "tasks") }
func (s *Store) historyDir() string     { return filepath.Join(s.root, "task-history") }
func (s *Store) currentTaskFile() string { return filepath.Join(s.root, "CURRENT_TASK.md") }

// NewTaskID generates an opaque task_<20hex> id.
func NewTaskID() string {
	var buf [10]byte
	_, _ = rand.Read(buf[:])
	return "task_" + hex.EncodeToString(buf[:])
}

// NewWorkSessionID generates a ws_<uuid> id.
func NewWorkSessionID() string {
	return "ws_" + uuid.NewString()
}

// validID rejects ids containing path separators or parent-directory
// segments, guarding against path traversal through a caller-supplied id.
func validID(id string) bool {
	if id == "" {
		return false
	}
	if strings.ContainsAny(id, "/\\") {
		return false
	}
	if id == ".." || strings.Contains(id, "..") {
		return false
	}
	return true
}

func (s *Store) taskPath(taskID string) string {
	return filepath.Join(s.tasksDir(), taskID+".md")
}

func (s *Store) lockPath(taskID string) string {
	return filepath.Join(s.tasksDir(), "."+taskID+".lock")
}

// Read returns the task with the given id, or (nil, nil) if the file is
// missing or unparsable — per §4.1, a malformed file is treated as missing
// rather than as a corruption error.
func (s *Store) Read(taskID string) (*Task, error) {
	if !validID(taskID) {
		return nil, fmt.Errorf("%w: invalid task id %q", ErrValidation, taskID)
	}
	data, err := os.ReadFile(s.taskPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, taskID, err)
	}
	t, err := unmarshalTask(data)
	if err != nil {
		return nil, nil
	}
	return t, nil
}

// Write serializes task via tmp-file+rename for atomicity, ensuring a
// work-session id exists first.
func (s *Store) Write(task *Task) error {
	if !validID(task.ID) {
		return fmt.Errorf("%w: invalid task id %q", ErrValidation, task.ID)
	}
	if task.WorkSessionID == "" {
		task.WorkSessionID = NewWorkSessionID()
	}
	if err := os.MkdirAll(s.tasksDir(), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir tasks dir: %v", ErrIO, err)
	}

	data, err := marshalTask(task)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrIO, task.ID, err)
	}
	if err := flock.WriteFileAtomic(s.taskPath(task.ID), data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, task.ID, err)
	}
	return nil
}

// WithLock acquires the per-task advisory lock, re-reads the current
// state (possibly nil if the task doesn't exist yet), invokes fn, and — if
// fn returns a non-nil task — writes it back, all before releasing the
// lock. This is the shape every lifecycle operation in internal/tasklifecycle
// builds on.
func (s *Store) WithLock(taskID string, fn func(current *Task) (*Task, error)) error {
	if !validID(taskID) {
		return fmt.Errorf("%w: invalid task id %q", ErrValidation, taskID)
	}
	if err := os.MkdirAll(s.tasksDir(), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir tasks dir: %v", ErrIO, err)
	}
	l, err := flock.AcquireTimeout(s.lockPath(taskID), lockRetryBudget)
	if err != nil {
		return fmt.Errorf("%w: task %s", ErrLocked, taskID)
	}
	defer l.Release()

	current, err := s.Read(taskID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return s.Write(next)
}

// Delete removes a task file. Idempotent: deleting a missing task is not
// an error.
func (s *Store) Delete(taskID string) error {
	if !validID(taskID) {
		return fmt.Errorf("%w: invalid task id %q", ErrValidation, taskID)
	}
	if err := os.Remove(s.taskPath(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrIO, taskID, err)
	}
	return nil
}

// List returns every task in the workspace, optionally filtered by status,
// sorted by (priority asc, dueDate asc missing=+inf, startDate asc, created asc).
func (s *Store) List(statusFilter Status) ([]*Task, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list tasks dir: %v", ErrIO, err)
	}

	var out []*Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".md")
		t, err := s.Read(id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if pa, pb := priorityRank(a.Priority), priorityRank(b.Priority); pa != pb {
			return pa < pb
		}
		da, db := dueDateOrInf(a), dueDateOrInf(b)
		if !da.Equal(db) {
			return da.Before(db)
		}
		sa, sb := startDateOrZero(a), startDateOrZero(b)
		if !sa.Equal(sb) {
			return sa.Before(sb)
		}
		return a.Created.Before(b.Created)
	})
}

var infiniteFuture = time.Unix(1<<62, 0)

func dueDateOrInf(t *Task) time.Time {
	if t.Backlog != nil && t.Backlog.DueDate != nil {
		return *t.Backlog.DueDate
	}
	return infiniteFuture
}

func startDateOrZero(t *Task) time.Time {
	if t.Backlog != nil && t.Backlog.StartDate != nil {
		return *t.Backlog.StartDate
	}
	return time.Time{}
}

// FindActive returns the task with status=in_progress, if any.
func (s *Store) FindActive() (*Task, error) {
	all, err := s.List(StatusInProgress)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[0], nil
}

// FindBlocked returns all blocked tasks.
func (s *Store) FindBlocked() ([]*Task, error) {
	return s.List(StatusBlocked)
}

// FindPendingApproval returns all tasks awaiting approval.
func (s *Store) FindPendingApproval() ([]*Task, error) {
	return s.List(StatusPendingApproval)
}

// FindBacklog returns all backlog tasks whose startDate is absent or in
// the past.
func (s *Store) FindBacklog() ([]*Task, error) {
	all, err := s.List(StatusBacklog)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []*Task
	for _, t := range all {
		if t.Backlog != nil && t.Backlog.StartDate != nil && t.Backlog.StartDate.After(now) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// FindPickableBacklog additionally requires every dependsOn id to be met.
func (s *Store) FindPickableBacklog() ([]*Task, error) {
	backlog, err := s.FindBacklog()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range backlog {
		met, err := s.CheckDependenciesMet(t)
		if err != nil {
			return nil, err
		}
		if met {
			out = append(out, t)
		}
	}
	return out, nil
}

// CheckDependenciesMet reports whether every id in task.Backlog.DependsOn
// is either missing (archived as completed) or currently status=completed.
func (s *Store) CheckDependenciesMet(task *Task) (bool, error) {
	if task.Backlog == nil || len(task.Backlog.DependsOn) == 0 {
		return true, nil
	}
	for _, depID := range task.Backlog.DependsOn {
		dep, err := s.Read(depID)
		if err != nil {
			return false, err
		}
		if dep == nil {
			continue // archived, assumed completed
		}
		if dep.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// UpdateCurrentTaskPointer rewrites CURRENT_TASK.md. Pass "" to clear it.
func (s *Store) UpdateCurrentTaskPointer(taskID string) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir workspace root: %v", ErrIO, err)
	}
	var body string
	if taskID == "" {
		body = "*(No active focus task)*\n"
	} else {
		body = fmt.Sprintf("**Focus:** %s\n", taskID)
	}
	if err := flock.WriteFileAtomic(s.currentTaskFile(), []byte(body), 0o644); err != nil {
		return fmt.Errorf("%w: write current task pointer: %v", ErrIO, err)
	}
	return nil
}

// HistoryEntry is one archived record appended to a monthly history file.
type HistoryEntry struct {
	When        time.Time
	Description string
	Body        string
}

func (s *Store) historyFilePath(when time.Time) string {
	return filepath.Join(s.historyDir(), when.Format("2006-01")+".md")
}

func (s *Store) historyLockPath(when time.Time) string {
	return filepath.Join(s.historyDir(), "."+when.Format("2006-01")+".lock")
}

// AppendToHistory acquires the per-month history-file lock, adds a
// top-level header if the file is new, appends entry, and releases.
func (s *Store) AppendToHistory(entry HistoryEntry) error {
	if err := os.MkdirAll(s.historyDir(), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir history dir: %v", ErrIO, err)
	}
	path := s.historyFilePath(entry.When)

	l, err := flock.AcquireTimeout(s.historyLockPath(entry.When), lockRetryBudget)
	if err != nil {
		return fmt.Errorf("%w: history file %s", ErrLocked, path)
	}
	defer l.Release()

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: read history file: %v", ErrIO, err)
	}

	var b strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&b, "# Task History - %s\n\n", entry.When.Format("January 2006"))
	} else {
		b.Write(existing)
	}
	fmt.Fprintf(&b, "## [%s] %s\n\n", entry.When.Format(isoLayout), entry.Description)
	b.WriteString(strings.TrimSpace(entry.Body))
	b.WriteString("\n\n")

	if err := flock.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("%w: write history file: %v", ErrIO, err)
	}
	return nil
}
