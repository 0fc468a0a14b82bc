package a2a

import (
	"testing"
	"time"
)

func TestReapResetsFreshRunningJobs(t *testing.T) {
	store := New(t.TempDir())
	store.Create(&Job{JobID: "job_running"})
	store.WithLock("job_running", func(current *Job) (*Job, error) {
		current.Status = JobRunning
		return current, nil
	})

	now := time.Now().UTC()
	result, err := Reap(store, time.Hour, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if result.ResetToPending != 1 || result.Abandoned != 0 {
		t.Fatalf("result = %+v", result)
	}

	job, _ := store.Read("job_running")
	if job.Status != JobPending || job.ResumeCount != 1 {
		t.Fatalf("job = %+v, want status=PENDING resumeCount=1", job)
	}
}

func TestReapAbandonsStaleRunningJobs(t *testing.T) {
	store := New(t.TempDir())
	store.Create(&Job{JobID: "job_stale"})
	store.WithLock("job_stale", func(current *Job) (*Job, error) {
		current.Status = JobRunning
		return current, nil
	})

	now := time.Now().UTC().Add(2 * time.Hour) // well past a 1h staleness TTL
	result, err := Reap(store, time.Hour, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if result.Abandoned != 1 || result.ResetToPending != 0 {
		t.Fatalf("result = %+v", result)
	}

	live, _ := store.Read("job_stale")
	if live != nil {
		t.Fatalf("expected abandoned job moved out of live bucket, got %+v", live)
	}
}

func TestReapLeavesExistingPendingJobsAlone(t *testing.T) {
	store := New(t.TempDir())
	store.Create(&Job{JobID: "job_pending"})

	result, err := Reap(store, time.Hour, 24*time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if result.TotalIncomplete != 1 || result.ResetToPending != 0 {
		t.Fatalf("result = %+v", result)
	}
	job, _ := store.Read("job_pending")
	if job.ResumeCount != 0 {
		t.Fatalf("resumeCount = %d, want untouched 0", job.ResumeCount)
	}
}

func TestReapCleansUpFinishedJobs(t *testing.T) {
	store := New(t.TempDir())
	store.Create(&Job{JobID: "job_done"})
	store.WithLock("job_done", func(current *Job) (*Job, error) {
		current.Status = JobDone
		return current, nil
	})

	result, err := Reap(store, time.Hour, time.Hour, time.Now().UTC().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if result.CleanedUp != 1 {
		t.Fatalf("result = %+v", result)
	}
}
