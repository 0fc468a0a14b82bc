// job.go implements the A2A Job Store of §4.6: one JSON file per job,
// atomic tmp-file+rename writes via internal/flock, and a two-bucket
// layout (jobs/ for PENDING|RUNNING, jobs/finished/ for terminal jobs)
// so the reaper and cleanupFinishedJobs() only ever have to scan the
// bucket they care about. The per-job lock-then-read-modify-write shape
// mirrors taskstore.Store.WithLock.
package a2a

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/fleet/internal/flock"
)

// JobStatus is a Job's position in its lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobFailed    JobStatus = "FAILED"
	JobAbandoned JobStatus = "ABANDONED"
)

func (s JobStatus) isTerminal() bool {
	switch s {
	case JobDone, JobFailed, JobAbandoned:
		return true
	default:
		return false
	}
}

// Job is one A2A flow's durable record.
type Job struct {
	JobID               string    `json:"jobId"`
	Status              JobStatus `json:"status"`
	FromAgent           string    `json:"fromAgent"`
	ToAgent             string    `json:"toAgent"`
	RequesterSessionKey string    `json:"requesterSessionKey"`
	TargetSessionKey    string    `json:"targetSessionKey"`
	Message             string    `json:"message"`
	TaskID              string    `json:"taskId,omitempty"`
	DelegationID        string    `json:"delegationId,omitempty"`
	MaxPingPongTurns    int       `json:"maxPingPongTurns"`
	ResumeCount         int       `json:"resumeCount"`
	Error               string    `json:"error,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Store is the per-workspace A2A job store.
type Store struct {
	root string
}

// New returns a Store rooted at a dedicated jobs directory.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) liveDir() string     { return filepath.Join(s.root, "a2a-jobs") }
func (s *Store) finishedDir() string { return filepath.Join(s.root, "a2a-jobs", "finished") }

func validJobID(id string) bool {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

func (s *Store) livePath(jobID string) string     { return filepath.Join(s.liveDir(), jobID+".json") }
func (s *Store) finishedPath(jobID string) string { return filepath.Join(s.finishedDir(), jobID+".json") }
func (s *Store) lockPath(jobID string) string     { return filepath.Join(s.liveDir(), "."+jobID+".lock") }

// Create writes a new job in status=PENDING.
func (s *Store) Create(job *Job) error {
	if !validJobID(job.JobID) {
		return fmt.Errorf("a2a: invalid job id %q", job.JobID)
	}
	if err := os.MkdirAll(s.liveDir(), 0o755); err != nil {
		return fmt.Errorf("a2a: mkdir jobs dir: %w", err)
	}
	job.Status = JobPending
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	return s.writeLive(job)
}

func (s *Store) writeLive(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("a2a: marshal job %s: %w", job.JobID, err)
	}
	if err := flock.WriteFileAtomic(s.livePath(job.JobID), data, 0o644); err != nil {
		return fmt.Errorf("a2a: write job %s: %w", job.JobID, err)
	}
	return nil
}

// Read loads a job from the live bucket, or (nil, nil) if it has already
// moved to finished or never existed.
func (s *Store) Read(jobID string) (*Job, error) {
	if !validJobID(jobID) {
		return nil, fmt.Errorf("a2a: invalid job id %q", jobID)
	}
	data, err := os.ReadFile(s.livePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("a2a: read job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, nil
	}
	return &job, nil
}

// WithLock acquires the per-job lock, re-reads current state, invokes
// fn, and writes the result back (moving it to the finished bucket if
// fn returns a terminal status) before releasing.
func (s *Store) WithLock(jobID string, fn func(current *Job) (*Job, error)) error {
	if err := os.MkdirAll(s.liveDir(), 0o755); err != nil {
		return fmt.Errorf("a2a: mkdir jobs dir: %w", err)
	}
	l, err := flock.AcquireTimeout(s.lockPath(jobID), 5*time.Second)
	if err != nil {
		return fmt.Errorf("a2a: lock job %s: %w", jobID, err)
	}
	defer l.Release()

	current, err := s.Read(jobID)
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
	next.UpdatedAt = time.Now().UTC()
	if next.Status.isTerminal() {
		return s.finish(next)
	}
	return s.writeLive(next)
}

func (s *Store) finish(job *Job) error {
	if err := os.MkdirAll(s.finishedDir(), 0o755); err != nil {
		return fmt.Errorf("a2a: mkdir finished dir: %w", err)
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("a2a: marshal job %s: %w", job.JobID, err)
	}
	if err := flock.WriteFileAtomic(s.finishedPath(job.JobID), data, 0o644); err != nil {
		return fmt.Errorf("a2a: write finished job %s: %w", job.JobID, err)
	}
	if err := os.Remove(s.livePath(job.JobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("a2a: remove live job %s: %w", job.JobID, err)
	}
	return nil
}

// ListIncomplete returns every job still in the live bucket (status
// PENDING or RUNNING).
func (s *Store) ListIncomplete() ([]*Job, error) {
	entries, err := os.ReadDir(s.liveDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("a2a: list jobs dir: %w", err)
	}
	var out []*Job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		job, err := s.Read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CleanupFinishedJobs deletes finished job files whose UpdatedAt is
// older than retention, returning the count removed.
func (s *Store) CleanupFinishedJobs(retention time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.finishedDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("a2a: list finished dir: %w", err)
	}
	cutoff := now.Add(-retention)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.finishedDir(), name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
