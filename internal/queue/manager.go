package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/docflow/docflow/internal/events"
	"github.com/docflow/docflow/internal/metrics"
)

const durationRingSize = 100

// activeBatch is the bookkeeping for one job holding an execution slot.
type activeBatch struct {
	job       *Job
	startedAt time.Time
	timer     *time.Timer
	runCtx    context.Context
	cancel    context.CancelFunc
}

// Manager owns the FIFO, the active set, and all counters. A single
// mutex protects the shared state; the critical section never performs
// blocking I/O. Events are collected under mu and published while
// holding pubMu, acquired before mu is released, so the bus observes
// events in state-transition order even across goroutines.
type Manager struct {
	mu sync.Mutex

	// pubMu is the publication ordering token. Bus handlers must not
	// call back into the Manager.
	pubMu sync.Mutex

	opts Options

	queue  []*Job
	queued map[string]bool
	active map[string]*activeBatch

	totalEnqueued  int64
	totalProcessed int64
	totalFailed    int64
	totalRejected  int64

	// failedCounted guards against double-counting a batch that both
	// times out and later returns from its processor.
	failedCounted map[string]bool

	durations []time.Duration
	startTime time.Time

	shuttingDown bool

	positionsDirty bool
	debounceTimer  *time.Timer

	// lastEnqueuedID is excluded from the next debounced position
	// flush; that batch already learned its position via BATCH_QUEUED.
	lastEnqueuedID string

	bus       *events.Bus
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewManager creates a Manager. collector may be nil.
func NewManager(opts Options, bus *events.Bus, collector *metrics.Collector, logger *slog.Logger) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:          opts,
		queued:        make(map[string]bool),
		active:        make(map[string]*activeBatch),
		failedCounted: make(map[string]bool),
		durations:     make([]time.Duration, 0, durationRingSize),
		startTime:     time.Now(),
		bus:           bus,
		collector:     collector,
		logger:        logger.With("component", "batchqueue"),
	}
}

// Enqueue submits a job. On success it returns the job's 1-based queue
// position at the moment of acceptance. Duplicates are a logged no-op
// returning the current position (0 if active). Capacity, shutdown,
// and invalid-job rejections are reported through sentinel errors; the
// manager never panics toward callers.
func (m *Manager) Enqueue(job Job) (int, error) {
	if job.BatchID == "" || job.Processor == nil || job.FileCount <= 0 {
		return -1, ErrInvalidJob
	}

	m.mu.Lock()

	if m.shuttingDown {
		m.mu.Unlock()
		return -1, ErrShuttingDown
	}

	if _, ok := m.active[job.BatchID]; ok {
		m.mu.Unlock()
		m.logger.Warn("duplicate enqueue for active batch", "batch_id", job.BatchID)
		return 0, nil
	}
	if m.queued[job.BatchID] {
		pos := m.positionLocked(job.BatchID)
		m.mu.Unlock()
		m.logger.Warn("duplicate enqueue for queued batch", "batch_id", job.BatchID, "position", pos)
		return pos, nil
	}

	// A free execution slot does not override queue-capacity
	// rejection; capacity is judged on queue length alone.
	if len(m.queue) >= m.opts.MaxQueueLength {
		m.totalRejected++
		queueLen := len(m.queue)
		m.pubMu.Lock()
		m.mu.Unlock()

		if m.collector != nil {
			m.collector.RecordRejected()
		}
		m.bus.Publish(events.QueueFull{
			Message:     "processing queue is full, try again later",
			QueueLength: queueLen,
			MaxLength:   m.opts.MaxQueueLength,
		})
		m.pubMu.Unlock()
		return -1, ErrQueueFull
	}

	j := job
	j.enqueuedAt = time.Now()
	m.queue = append(m.queue, &j)
	m.queued[j.BatchID] = true
	m.totalEnqueued++
	m.lastEnqueuedID = j.BatchID
	position := len(m.queue)

	pending := []events.Event{events.BatchQueued{
		BatchID:           j.BatchID,
		CollectionID:      j.CollectionID,
		Position:          position,
		FileCount:         j.FileCount,
		EstimatedWaitTime: m.estimateWaitLocked(position),
		TotalQueued:       len(m.queue),
	}}

	// Other queued batches learn their new positions on the debounce
	// window; the batch that just enqueued already got BATCH_QUEUED.
	m.markPositionsDirtyLocked()

	started, evts := m.dispatchLocked()
	pending = append(pending, evts...)
	m.updateGaugesLocked()

	if m.opts.EnableLogging {
		m.logger.Info("batch enqueued",
			"batch_id", j.BatchID,
			"collection_id", j.CollectionID,
			"file_count", j.FileCount,
			"position", position,
			"queue_length", len(m.queue),
		)
	}
	m.pubMu.Lock()
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.RecordEnqueue()
	}
	m.publish(pending)
	m.pubMu.Unlock()
	m.launch(started)

	return position, nil
}

// EstimateWait returns the estimated wait in seconds for a job at the
// given 1-based queue position.
func (m *Manager) EstimateWait(position int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateWaitLocked(position)
}

// QueuePosition returns 0 if the batch is active, its 1-based queue
// index if parked, and -1 if unknown.
func (m *Manager) QueuePosition(batchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[batchID]; ok {
		return 0
	}
	if m.queued[batchID] {
		return m.positionLocked(batchID)
	}
	return -1
}

// CanAcceptNewBatch reports whether an enqueue right now would be
// accepted: a free slot exists or the queue has room.
func (m *Manager) CanAcceptNewBatch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return false
	}
	return len(m.active) < m.opts.MaxConcurrentBatches || len(m.queue) < m.opts.MaxQueueLength
}

// GetQueueStatus returns the aggregate view for the admin surface.
func (m *Manager) GetQueueStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	st := Status{
		QueueLength:          len(m.queue),
		ActiveCount:          len(m.active),
		MaxConcurrentBatches: m.opts.MaxConcurrentBatches,
		MaxQueueLength:       m.opts.MaxQueueLength,
		TotalEnqueued:        m.totalEnqueued,
		TotalProcessed:       m.totalProcessed,
		TotalFailed:          m.totalFailed,
		TotalRejected:        m.totalRejected,
		ShuttingDown:         m.shuttingDown,
	}

	st.UtilizationPercent = float64(len(m.active)) / float64(m.opts.MaxConcurrentBatches) * 100

	st.AverageCompletionTimeSeconds = m.averageDurationLocked().Seconds()

	uptime := now.Sub(m.startTime).Hours()
	if uptime > 0 {
		st.ThroughputBatchesPerHour = float64(m.totalProcessed) / uptime
	}

	if n := len(m.queue); n > 0 {
		sum := 0
		for i := 1; i <= n; i++ {
			sum += m.estimateWaitLocked(i)
		}
		st.AverageWaitTimeSeconds = float64(sum) / float64(n)
	}

	for i, j := range m.queue {
		st.QueuedBatches = append(st.QueuedBatches, QueuedSnapshot{
			BatchID:           j.BatchID,
			CollectionID:      j.CollectionID,
			Position:          i + 1,
			FileCount:         j.FileCount,
			EnqueuedAt:        j.enqueuedAt,
			EstimatedWaitTime: m.estimateWaitLocked(i + 1),
		})
	}
	for _, ab := range m.active {
		elapsed := now.Sub(ab.startedAt)
		st.ActiveBatches = append(st.ActiveBatches, ActiveSnapshot{
			BatchID:                 ab.job.BatchID,
			CollectionID:            ab.job.CollectionID,
			FileCount:               ab.job.FileCount,
			StartedAt:               ab.startedAt,
			ElapsedSeconds:          elapsed.Seconds(),
			RemainingTimeoutSeconds: math.Max(0, (m.opts.BatchTimeout - elapsed).Seconds()),
		})
	}

	return st
}

// GetBatchInfo returns the manager's view of one batch, or nil if it is
// neither queued nor active.
func (m *Manager) GetBatchInfo(batchID string) *BatchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ab, ok := m.active[batchID]; ok {
		now := time.Now()
		elapsed := now.Sub(ab.startedAt)
		started := ab.startedAt
		return &BatchInfo{
			BatchID:                 batchID,
			CollectionID:            ab.job.CollectionID,
			State:                   "processing",
			FileCount:               ab.job.FileCount,
			EnqueuedAt:              ab.job.enqueuedAt,
			StartedAt:               &started,
			ElapsedSeconds:          elapsed.Seconds(),
			RemainingTimeoutSeconds: math.Max(0, (m.opts.BatchTimeout - elapsed).Seconds()),
		}
	}

	for i, j := range m.queue {
		if j.BatchID == batchID {
			return &BatchInfo{
				BatchID:      batchID,
				CollectionID: j.CollectionID,
				State:        "queued",
				Position:     i + 1,
				FileCount:    j.FileCount,
				EnqueuedAt:   j.enqueuedAt,
			}
		}
	}
	return nil
}

// ResetMetrics zeroes the counters and the duration ring.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalEnqueued = 0
	m.totalProcessed = 0
	m.totalFailed = 0
	m.totalRejected = 0
	m.durations = m.durations[:0]
	m.startTime = time.Now()
	m.logger.Info("queue metrics reset")
}

// PrepareShutdown stops accepting work and discards parked jobs.
// Active batches keep their slots until they finish or time out.
func (m *Manager) PrepareShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return
	}
	m.shuttingDown = true

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	m.positionsDirty = false

	if len(m.queue) > 0 {
		ids := make([]string, len(m.queue))
		for i, j := range m.queue {
			ids[i] = j.BatchID
		}
		m.logger.Warn("discarding queued batches on shutdown",
			"count", len(ids),
			"batch_ids", ids,
		)
		m.queue = nil
		m.queued = make(map[string]bool)
	}
	m.updateGaugesLocked()
}

// WaitForActiveBatches blocks until the active set drains or the
// timeout elapses, logging the remaining count every ten seconds.
func (m *Manager) WaitForActiveBatches(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	lastLog := time.Now()

	for {
		m.mu.Lock()
		remaining := len(m.active)
		m.mu.Unlock()

		if remaining == 0 {
			return nil
		}
		if time.Since(lastLog) >= 10*time.Second {
			m.logger.Info("waiting for active batches to drain", "remaining", remaining)
			lastLog = time.Now()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("drain timeout with %d active batch(es)", remaining)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// ---------------------------------------------------------------------
// internal machinery
// ---------------------------------------------------------------------

// dispatchLocked promotes queued jobs into free slots. It returns the
// started batches and the events to publish, in order.
func (m *Manager) dispatchLocked() ([]*activeBatch, []events.Event) {
	var started []*activeBatch
	var evts []events.Event

	for len(m.active) < m.opts.MaxConcurrentBatches && len(m.queue) > 0 {
		job := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, job.BatchID)

		ctx, cancel := context.WithCancel(context.Background())
		ab := &activeBatch{
			job:       job,
			startedAt: time.Now(),
			runCtx:    ctx,
			cancel:    cancel,
		}
		batchID := job.BatchID
		ab.timer = time.AfterFunc(m.opts.BatchTimeout, func() {
			m.onTimeout(batchID)
		})
		m.active[batchID] = ab

		evts = append(evts, events.BatchDequeued{
			BatchID:        batchID,
			CollectionID:   job.CollectionID,
			FileCount:      job.FileCount,
			StartedAt:      ab.startedAt,
			TotalQueued:    len(m.queue),
			ActiveCount:    len(m.active),
			AvailableSlots: m.opts.MaxConcurrentBatches - len(m.active),
		})

		if m.opts.EnableLogging {
			m.logger.Info("batch dequeued",
				"batch_id", batchID,
				"active", len(m.active),
				"queued", len(m.queue),
			)
		}
		started = append(started, ab)
	}

	if len(started) > 0 {
		// A dequeue is a meaningful transition: emit fresh positions
		// immediately, bypassing the debounce window. Every queued batch
		// moved, so nobody is skipped.
		m.lastEnqueuedID = ""
		evts = append(evts, m.positionEventsLocked("")...)
		m.positionsDirty = false
	}

	return started, evts
}

// launch starts processor goroutines for freshly promoted batches.
func (m *Manager) launch(started []*activeBatch) {
	for _, ab := range started {
		ab := ab
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("batch processor panicked",
						"batch_id", ab.job.BatchID,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					m.release(ab.job.BatchID, true, fmt.Sprintf("processor panic: %v", r))
				}
			}()
			err := ab.job.Processor(ab.runCtx)
			if err != nil {
				m.release(ab.job.BatchID, true, err.Error())
			} else {
				m.release(ab.job.BatchID, false, "")
			}
		}()
	}
}

// release frees the slot on every exit path: completion, failure,
// timeout, and panic. A second release of the same batch is a no-op.
func (m *Manager) release(batchID string, failed bool, reason string) {
	m.mu.Lock()

	ab, ok := m.active[batchID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, batchID)
	ab.timer.Stop()
	ab.cancel()

	duration := time.Since(ab.startedAt)
	if len(m.durations) == durationRingSize {
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, duration)

	counted := m.failedCounted[batchID]
	delete(m.failedCounted, batchID)
	if failed {
		if !counted {
			m.totalFailed++
		}
	} else {
		m.totalProcessed++
	}

	pending := []events.Event{events.BatchCompleted{
		BatchID:      batchID,
		CollectionID: ab.job.CollectionID,
		Duration:     duration,
		Failed:       failed,
	}}

	started, evts := m.dispatchLocked()
	pending = append(pending, evts...)
	if len(started) == 0 {
		// Nothing dequeued, but the composition still changed.
		pending = append(pending, m.positionEventsLocked("")...)
		m.positionsDirty = false
	}
	m.updateGaugesLocked()

	if m.opts.EnableLogging {
		m.logger.Info("batch released",
			"batch_id", batchID,
			"failed", failed,
			"reason", reason,
			"duration_ms", duration.Milliseconds(),
		)
	}
	m.pubMu.Lock()
	m.mu.Unlock()

	if m.collector != nil {
		if failed {
			m.collector.RecordFailed(duration.Seconds())
		} else {
			m.collector.RecordCompleted(duration.Seconds())
		}
	}
	m.publish(pending)
	m.pubMu.Unlock()
	m.launch(started)
}

// onTimeout fires when a batch exceeds its wall-clock budget while
// still active.
func (m *Manager) onTimeout(batchID string) {
	m.mu.Lock()
	ab, ok := m.active[batchID]
	if !ok {
		m.mu.Unlock()
		return
	}

	// Count the failure here; release sees the mark and does not count
	// again when the processor eventually returns.
	m.failedCounted[batchID] = true
	m.totalFailed++
	collectionID := ab.job.CollectionID
	m.pubMu.Lock()
	m.mu.Unlock()

	m.logger.Warn("batch timed out",
		"batch_id", batchID,
		"timeout_ms", m.opts.BatchTimeout.Milliseconds(),
	)

	m.bus.Publish(events.BatchTimeout{
		BatchID:      batchID,
		CollectionID: collectionID,
		TimeoutMS:    m.opts.BatchTimeout.Milliseconds(),
	})
	m.bus.Publish(events.BatchProcessingFailed{
		BatchID:      batchID,
		CollectionID: collectionID,
		Error:        "batch processing timed out",
	})
	m.pubMu.Unlock()

	m.release(batchID, true, "timeout")
}

// positionLocked returns the 1-based index of a queued batch.
func (m *Manager) positionLocked(batchID string) int {
	for i, j := range m.queue {
		if j.BatchID == batchID {
			return i + 1
		}
	}
	return -1
}

// estimateWaitLocked implements the wait heuristic: positions within
// the free slots start immediately; deeper positions wait for
// ceil((position - freeSlots) * avg / slots) seconds.
func (m *Manager) estimateWaitLocked(position int) int {
	available := m.opts.MaxConcurrentBatches - len(m.active)
	if position <= available {
		return 0
	}
	avg := m.averageDurationLocked().Seconds()
	if avg <= 0 {
		avg = float64(m.opts.AverageBatchSeconds)
	}
	wait := float64(position-available) * avg / float64(m.opts.MaxConcurrentBatches)
	return int(math.Ceil(wait))
}

func (m *Manager) averageDurationLocked() time.Duration {
	if len(m.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.durations {
		sum += d
	}
	return sum / time.Duration(len(m.durations))
}

// positionEventsLocked builds a position update for every queued job
// except skip.
func (m *Manager) positionEventsLocked(skip string) []events.Event {
	evts := make([]events.Event, 0, len(m.queue))
	for i, j := range m.queue {
		if j.BatchID == skip {
			continue
		}
		evts = append(evts, events.BatchPositionUpdated{
			BatchID:           j.BatchID,
			CollectionID:      j.CollectionID,
			Position:          i + 1,
			EstimatedWaitTime: m.estimateWaitLocked(i + 1),
			TotalQueued:       len(m.queue),
		})
	}
	return evts
}

// markPositionsDirtyLocked schedules a debounced position broadcast.
func (m *Manager) markPositionsDirtyLocked() {
	if m.shuttingDown {
		return
	}
	m.positionsDirty = true
	if m.debounceTimer != nil {
		return
	}
	m.debounceTimer = time.AfterFunc(m.opts.PositionDebounce, m.flushPositions)
}

// flushPositions emits coalesced position updates after the debounce
// window closes.
func (m *Manager) flushPositions() {
	m.mu.Lock()
	m.debounceTimer = nil
	if !m.positionsDirty || m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.positionsDirty = false
	evts := m.positionEventsLocked(m.lastEnqueuedID)
	m.lastEnqueuedID = ""
	m.pubMu.Lock()
	m.mu.Unlock()

	m.publish(evts)
	m.pubMu.Unlock()
}

func (m *Manager) updateGaugesLocked() {
	if m.collector != nil {
		m.collector.UpdateQueueStats(len(m.queue), len(m.active))
	}
}

func (m *Manager) publish(evts []events.Event) {
	for _, e := range evts {
		m.bus.Publish(e)
	}
}
