package engine

import (
	"time"
)

// Metrics is an immutable snapshot of the engine's scheduling counters.
// Derived from internal state under the engine lock; never a live view.
type Metrics struct {
	MaxConcurrent    int
	CurrentlyRunning int
	AvailableSlots   int
	QueuedTasks      int
	CompletedTasks   int
	FailedTasks      int
	CancelledTasks   int
	// SpawnCount counts runner invocations, including retries.
	SpawnCount int
	// AverageDuration is the mean wall-clock duration of completed tasks.
	AverageDuration time.Duration
	// SuccessRate is completed / (completed + failed), in [0, 1].
	SuccessRate float64
	// Throughput is completed tasks per minute since the engine started.
	Throughput float64
}

// snapshotMetrics builds a Metrics copy. Callers must hold e.mu.
func (e *Engine) snapshotMetrics() Metrics {
	m := Metrics{
		MaxConcurrent:    e.maxConcurrent,
		CurrentlyRunning: len(e.running),
		QueuedTasks:      len(e.queue),
		CompletedTasks:   e.completedCount,
		FailedTasks:      e.failedCount,
		CancelledTasks:   e.cancelledCount,
		SpawnCount:       e.spawnCount,
	}

	m.AvailableSlots = e.maxConcurrent - len(e.running)
	if m.AvailableSlots < 0 {
		m.AvailableSlots = 0
	}

	if e.completedCount > 0 {
		m.AverageDuration = e.totalDuration / time.Duration(e.completedCount)
	}

	if terminal := e.completedCount + e.failedCount; terminal > 0 {
		m.SuccessRate = float64(e.completedCount) / float64(terminal)
	}

	if elapsed := time.Since(e.startedAt).Minutes(); elapsed > 0 {
		m.Throughput = float64(e.completedCount) / elapsed
	}

	return m
}
