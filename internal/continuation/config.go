package continuation

import "time"

// Config holds the tunable thresholds for all five layers, defaulted to
// the values in §4.4.
type Config struct {
	// Layer B: Self-Driving Loop.
	SelfDriveGrace           time.Duration // delay before firing, cancellable by a new lifecycle:start
	SelfDriveInactivityReset time.Duration // consecutive-count resets after this much agent inactivity
	MaxConsecutiveSelfDrives int
	MaxStallsOnSameStep      int
	MaxZeroProgressRuns      int

	// Layer C: Event-based Step-Continuation.
	StepNudgeDelay time.Duration

	// Layer D: Polling Continuation.
	PollInterval          time.Duration
	TaskIdleThreshold     time.Duration
	ContinuationCooldown  time.Duration
	MaxUnblockRequests    int

	// Layer E: Zombie Recovery.
	ZombieTaskTTL      time.Duration
	MaxZombieReassigns int
}

// DefaultConfig returns the §4.4 default thresholds.
func DefaultConfig() Config {
	return Config{
		SelfDriveGrace:           500 * time.Millisecond,
		SelfDriveInactivityReset: 60 * time.Second,
		MaxConsecutiveSelfDrives: 5,
		MaxStallsOnSameStep:      3,
		MaxZeroProgressRuns:      3,

		StepNudgeDelay: 2 * time.Second,

		PollInterval:         2 * time.Minute,
		TaskIdleThreshold:    3 * time.Minute,
		ContinuationCooldown: 5 * time.Minute,
		MaxUnblockRequests:   3,

		ZombieTaskTTL:      24 * time.Hour,
		MaxZombieReassigns: 2,
	}
}
