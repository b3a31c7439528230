// Package client implements the consumer side of the wire protocol: a
// state machine that folds the event stream into per-batch views the
// way a UI would. It filters by collection, hydrates unknown batches
// from the REST API, and ignores stale or duplicate terminal frames.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docflow/docflow/internal/events"
	"github.com/docflow/docflow/internal/model"
)

const (
	defaultSuccessLinger = 500 * time.Millisecond
	defaultFailureLinger = 10 * time.Second
	queueFullBanner      = 5 * time.Second
)

// BatchView is the folded state of one batch as a client sees it.
type BatchView struct {
	BatchID           string
	CollectionID      string
	State             string // queued, processing, completed, failed
	Position          int
	EstimatedWaitTime int
	Progress          int
	Status            string
	Counts            model.BatchCounts
	Error             string
	TimedOut          bool
	Files             map[string]model.ProcessingStatus
	UpdatedAt         time.Time
}

func (v *BatchView) terminal() bool {
	return v.State == "completed" || v.State == "failed"
}

// Hydrator fetches the authoritative batch state when an event arrives
// for a batch the processor does not know. nil means events for
// unknown batches are folded from scratch.
type Hydrator func(ctx context.Context, batchID string) (*BatchView, error)

// Options tunes the processor's linger windows; zero values take the
// defaults.
type Options struct {
	SuccessLinger time.Duration
	FailureLinger time.Duration
}

func (o *Options) applyDefaults() {
	if o.SuccessLinger <= 0 {
		o.SuccessLinger = defaultSuccessLinger
	}
	if o.FailureLinger <= 0 {
		o.FailureLinger = defaultFailureLinger
	}
}

// Processor consumes decoded events for one collection.
type Processor struct {
	mu sync.Mutex

	collectionID string
	opts         Options
	batches      map[string]*BatchView
	timers       map[string]*time.Timer

	queueFullUntil time.Time

	hydrate Hydrator
	logger  *slog.Logger
}

func NewProcessor(collectionID string, opts Options, hydrate Hydrator, logger *slog.Logger) *Processor {
	opts.applyDefaults()
	return &Processor{
		collectionID: collectionID,
		opts:         opts,
		batches:      make(map[string]*BatchView),
		timers:       make(map[string]*time.Timer),
		hydrate:      hydrate,
		logger:       logger.With("component", "client"),
	}
}

// Track registers a batch the client itself submitted, so frames that
// carry no collection id are still accepted for it.
func (p *Processor) Track(batchID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.batches[batchID]; !ok {
		p.batches[batchID] = &BatchView{
			BatchID:      batchID,
			CollectionID: p.collectionID,
			State:        "queued",
			Files:        make(map[string]model.ProcessingStatus),
			UpdatedAt:    time.Now(),
		}
	}
}

// HandleFrame decodes a raw wire frame and folds it in. Invalid frames
// are logged and dropped; a bad frame must never wedge the stream.
func (p *Processor) HandleFrame(ctx context.Context, data []byte) {
	e, err := events.DecodeFrame(data)
	if err != nil {
		p.logger.Warn("dropping invalid frame", "error", err)
		return
	}
	p.Handle(ctx, e)
}

// Handle folds one decoded event into the view state.
func (p *Processor) Handle(ctx context.Context, e events.Event) {
	if qf, ok := e.(events.QueueFull); ok {
		p.mu.Lock()
		p.queueFullUntil = time.Now().Add(queueFullBanner)
		p.mu.Unlock()
		p.logger.Warn("queue full", "queue_length", qf.QueueLength, "max_length", qf.MaxLength)
		return
	}

	batchID := events.BatchID(e)
	if batchID == "" {
		return
	}

	collection := events.CollectionID(e)
	if collection != "" && collection != p.collectionID {
		return
	}

	p.mu.Lock()
	view, known := p.batches[batchID]
	p.mu.Unlock()

	if !known {
		if collection == "" {
			// Mid-batch frames can arrive without a collection id before
			// the client has learned the batch exists, typically right
			// after a reconnect. For STARTED and PROGRESS frames the
			// hydration API decides whether the batch binds to this
			// collection; everything else is dropped.
			switch e.(type) {
			case events.BatchProcessingStarted, events.BatchProcessingProgress:
				view = p.adoptHydrated(ctx, batchID)
			}
			if view == nil {
				return
			}
		} else {
			view = p.adopt(ctx, batchID, collection)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.fold(view, e)
}

// adopt creates the view for a batch first seen via the event stream,
// preferring the hydrated REST state when available.
func (p *Processor) adopt(ctx context.Context, batchID, collectionID string) *BatchView {
	var view *BatchView
	if p.hydrate != nil {
		hydrated, err := p.hydrate(ctx, batchID)
		if err != nil {
			p.logger.Warn("hydration failed, folding from events", "batch_id", batchID, "error", err)
		} else if hydrated != nil {
			view = hydrated
		}
	}
	if view == nil {
		view = &BatchView{BatchID: batchID, CollectionID: collectionID, State: "queued"}
	}
	if view.Files == nil {
		view.Files = make(map[string]model.ProcessingStatus)
	}
	return p.remember(batchID, view)
}

// adoptHydrated resolves a batch first seen through a frame that carries
// no collection id. Only the hydration API can attribute such a batch;
// views hydrated into a different collection are discarded.
func (p *Processor) adoptHydrated(ctx context.Context, batchID string) *BatchView {
	if p.hydrate == nil {
		return nil
	}
	hydrated, err := p.hydrate(ctx, batchID)
	if err != nil {
		p.logger.Warn("hydration failed for unattributed batch", "batch_id", batchID, "error", err)
		return nil
	}
	if hydrated == nil || hydrated.CollectionID != p.collectionID {
		return nil
	}
	if hydrated.Files == nil {
		hydrated.Files = make(map[string]model.ProcessingStatus)
	}
	return p.remember(batchID, hydrated)
}

// remember stores a freshly adopted view unless a concurrent Handle got
// there first.
func (p *Processor) remember(batchID string, view *BatchView) *BatchView {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.batches[batchID]; ok {
		return existing
	}
	p.batches[batchID] = view
	return view
}

// fold applies one event to a view. Caller holds the lock.
func (p *Processor) fold(view *BatchView, e events.Event) {
	// Terminal views ignore everything except file row updates; a late
	// duplicate terminal or straggling progress frame must not revive
	// the batch.
	if view.terminal() {
		if fp, ok := e.(events.FilesProcessed); ok {
			view.Files[fp.FileMetadata.ID] = fp.FileMetadata.ProcessingStatus
		}
		return
	}

	switch ev := e.(type) {
	case events.BatchQueued:
		view.State = "queued"
		view.Position = ev.Position
		view.EstimatedWaitTime = ev.EstimatedWaitTime

	case events.BatchPositionUpdated:
		if view.State == "queued" {
			view.Position = ev.Position
			view.EstimatedWaitTime = ev.EstimatedWaitTime
		}

	case events.BatchDequeued:
		// Silent transition: the UI shows nothing until processing
		// actually starts, but the position badge goes away.
		view.Position = 0

	case events.BatchProcessingStarted:
		view.State = "processing"
		view.Position = 0
		view.Status = "started"

	case events.BatchProcessingProgress:
		// Progress never moves backwards even if frames reorder.
		if ev.Progress > view.Progress {
			view.Progress = ev.Progress
			view.Status = ev.Status
		}

	case events.BatchTimeout:
		view.TimedOut = true
		view.Error = "batch processing timed out"

	case events.BatchProcessingCompleted:
		view.State = "completed"
		view.Progress = 100
		view.Counts = ev.Counts
		p.scheduleRemoval(view.BatchID, p.opts.SuccessLinger)

	case events.BatchProcessingFailed:
		view.State = "failed"
		if ev.Error != "" {
			view.Error = ev.Error
		}
		p.scheduleRemoval(view.BatchID, p.opts.FailureLinger)

	case events.FilesProcessed:
		view.Files[ev.FileMetadata.ID] = ev.FileMetadata.ProcessingStatus
	}

	view.UpdatedAt = time.Now()
}

// scheduleRemoval drops the view after the linger window. Caller holds
// the lock.
func (p *Processor) scheduleRemoval(batchID string, linger time.Duration) {
	if t, ok := p.timers[batchID]; ok {
		t.Stop()
	}
	p.timers[batchID] = time.AfterFunc(linger, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.batches, batchID)
		delete(p.timers, batchID)
	})
}

// Batch returns a copy of one batch view, or nil if unknown.
func (p *Processor) Batch(batchID string) *BatchView {
	p.mu.Lock()
	defer p.mu.Unlock()
	view, ok := p.batches[batchID]
	if !ok {
		return nil
	}
	cp := *view
	cp.Files = make(map[string]model.ProcessingStatus, len(view.Files))
	for k, v := range view.Files {
		cp.Files[k] = v
	}
	return &cp
}

// Batches returns copies of all tracked views.
func (p *Processor) Batches() []BatchView {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BatchView, 0, len(p.batches))
	for _, view := range p.batches {
		cp := *view
		cp.Files = make(map[string]model.ProcessingStatus, len(view.Files))
		for k, v := range view.Files {
			cp.Files[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// QueueFull reports whether the global queue-full banner is active.
func (p *Processor) QueueFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.queueFullUntil)
}

// Close stops all pending removal timers.
func (p *Processor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
