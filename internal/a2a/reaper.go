package a2a

import (
	"fmt"
	"time"
)

// ReaperResult is the §4.6 startup reaper's return shape.
type ReaperResult struct {
	ResetToPending  int
	Abandoned       int
	CleanedUp       int
	TotalIncomplete int
}

// Reap runs the §4.6 startup contract: every incomplete job is either
// reset to PENDING (resumable, incrementing resumeCount) or abandoned
// (its RUNNING state is too stale to trust), then the finished bucket is
// pruned of old terminal jobs.
func Reap(store *Store, staleTTL, retention time.Duration, now time.Time) (ReaperResult, error) {
	incomplete, err := store.ListIncomplete()
	if err != nil {
		return ReaperResult{}, fmt.Errorf("a2a: reap list incomplete: %w", err)
	}

	var result ReaperResult
	result.TotalIncomplete = len(incomplete)

	for _, job := range incomplete {
		jobID := job.JobID
		// Only RUNNING jobs are reassessed: a PENDING job is already
		// eligible for resume as-is (step 3) and isn't touched here.
		if job.Status != JobRunning {
			continue
		}

		if now.Sub(job.UpdatedAt) >= staleTTL {
			err := store.WithLock(jobID, func(current *Job) (*Job, error) {
				if current == nil || current.Status != JobRunning {
					return nil, nil
				}
				current.Status = JobAbandoned
				current.Error = "reaper: stale running job exceeded staleness TTL"
				return current, nil
			})
			if err != nil {
				return result, fmt.Errorf("a2a: reap abandon %s: %w", jobID, err)
			}
			result.Abandoned++
			continue
		}

		err := store.WithLock(jobID, func(current *Job) (*Job, error) {
			if current == nil || current.Status != JobRunning {
				return nil, nil
			}
			current.Status = JobPending
			current.ResumeCount++
			return current, nil
		})
		if err != nil {
			return result, fmt.Errorf("a2a: reap reset %s: %w", jobID, err)
		}
		result.ResetToPending++
	}

	cleaned, err := store.CleanupFinishedJobs(retention, now)
	if err != nil {
		return result, fmt.Errorf("a2a: reap cleanup: %w", err)
	}
	result.CleanedUp = cleaned

	return result, nil
}
