// Package processor drives queued operations to completion by invoking
// per-operation-type handlers with bounded concurrency and backoff-aware
// scheduling, independent of the UI lifecycle.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/docvault/internal/errors"
	"github.com/kimhsiao/docvault/internal/logging"
	"github.com/kimhsiao/docvault/internal/models"
	"github.com/kimhsiao/docvault/internal/queue"
)

// Handler performs one queued operation. A nil return marks the item
// completed; an error return schedules a retry subject to the item's retry
// budget.
type Handler func(ctx context.Context, item *models.QueueItem) error

// ConnectivityChecker reports whether the network is reachable. The
// processor skips scan passes entirely while offline.
type ConnectivityChecker interface {
	IsOnline() bool
}

// StaticConnectivity is a fixed connectivity signal, mainly for tests and
// hosts that manage connectivity themselves.
type StaticConnectivity bool

// IsOnline implements ConnectivityChecker.
func (s StaticConnectivity) IsOnline() bool { return bool(s) }

// Config holds processor tuning knobs.
type Config struct {
	// TickInterval is the scan period between processing passes.
	TickInterval time.Duration
	// MaxConcurrent bounds the number of in-flight items.
	MaxConcurrent int
	// HandlerTimeout caps a single handler invocation. A handler exceeding
	// it counts as a transient failure subject to retry, so a hung handler
	// cannot occupy a concurrency slot forever.
	HandlerTimeout time.Duration
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:   5 * time.Second,
		MaxConcurrent:  3,
		HandlerTimeout: 2 * time.Minute,
	}
}

// State is a snapshot of processor counters, delivered to state listeners
// after every item state change.
type State struct {
	Running        bool
	InFlight       int
	ProcessedCount int
	ErrorCount     int
}

// StateListener receives processor state snapshots.
type StateListener func(State)

// Processor polls the operation queue and dispatches ready items to
// registered handlers.
type Processor struct {
	queue *queue.OperationQueue
	conn  ConnectivityChecker
	cfg   Config

	mu        sync.Mutex
	handlers  map[models.OperationType]Handler
	inFlight  map[models.UUID]struct{}
	processed int
	errors    int
	running   bool
	listeners []StateListener

	stopCh chan struct{}
	kickCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Processor. A nil config falls back to defaults; a nil
// connectivity checker is treated as always online.
func New(q *queue.OperationQueue, conn ConnectivityChecker, cfg *Config) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if conn == nil {
		conn = StaticConnectivity(true)
	}
	return &Processor{
		queue:    q,
		conn:     conn,
		cfg:      *cfg,
		handlers: make(map[models.OperationType]Handler),
		inFlight: make(map[models.UUID]struct{}),
		kickCh:   make(chan struct{}, 1),
	}
}

// RegisterHandler installs (or replaces) the handler for an operation type.
func (p *Processor) RegisterHandler(opType models.OperationType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[opType] = h
}

// AddStateListener registers a listener notified after item state changes.
func (p *Processor) AddStateListener(l StateListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l != nil {
		p.listeners = append(p.listeners, l)
	}
}

// Start begins the scan loop with an immediate first pass. Calling Start on
// a running processor is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)

	logging.Info("queue processor started", map[string]interface{}{
		"tick_interval":  p.cfg.TickInterval.String(),
		"max_concurrent": p.cfg.MaxConcurrent,
	})
}

// Stop halts the scan loop and waits for it to exit. In-flight handlers run
// to completion.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info("queue processor stopped", nil)
}

// IsRunning reports whether the scan loop is active.
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ProcessedCount returns the number of items completed since creation.
func (p *Processor) ProcessedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// ErrorCount returns the number of terminal item failures since creation.
func (p *Processor) ErrorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	// Immediate pass before the first tick.
	p.processPass(ctx)

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.kickCh:
			p.processPass(ctx)
		case <-ticker.C:
			p.processPass(ctx)
		}
	}
}

// kick requests an immediate processing pass.
func (p *Processor) kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// processPass runs a single scan: fetch pending items, filter out in-flight
// and backoff-delayed ones, and dispatch up to the free concurrency budget.
func (p *Processor) processPass(ctx context.Context) {
	if !p.conn.IsOnline() {
		return
	}

	items, err := p.queue.GetPendingItems()
	if err != nil {
		logging.Error("failed to fetch pending queue items", err)
		return
	}

	p.mu.Lock()
	capacity := p.cfg.MaxConcurrent - len(p.inFlight)
	var batch []*models.QueueItem
	for _, item := range items {
		if capacity <= 0 {
			break
		}
		if _, busy := p.inFlight[item.ID]; busy {
			continue
		}
		if !p.queue.IsReadyForRetry(item) {
			continue
		}
		p.inFlight[item.ID] = struct{}{}
		batch = append(batch, item)
		capacity--
	}
	p.mu.Unlock()

	for _, item := range batch {
		p.wg.Add(1)
		go func(item *models.QueueItem) {
			defer p.wg.Done()
			p.processItem(ctx, item)
		}(item)
	}
}

// processItem drives one item through processing. The item is owned by this
// call; the in-flight entry is released on return.
func (p *Processor) processItem(ctx context.Context, item *models.QueueItem) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, item.ID)
		p.mu.Unlock()
		p.notifyState()
	}()

	p.mu.Lock()
	handler, ok := p.handlers[item.Type]
	p.mu.Unlock()

	if !ok {
		// A missing handler is a programming error, not a transient
		// condition; retrying cannot help.
		msg := fmt.Sprintf("no handler registered for operation type: %s", item.Type)
		if err := p.queue.UpdateStatus(item.ID, models.QueueStatusFailed, msg); err != nil {
			logging.Error("failed to mark item failed", err,
				map[string]interface{}{"item_id": item.ID})
		}
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		logging.Error("queue item has no handler",
			apperrors.New(apperrors.ErrHandlerMissing, msg),
			map[string]interface{}{"item_id": item.ID, "type": item.Type})
		return
	}

	if err := p.queue.UpdateStatus(item.ID, models.QueueStatusProcessing, ""); err != nil {
		logging.Error("failed to mark item processing", err,
			map[string]interface{}{"item_id": item.ID})
		return
	}
	p.notifyState()

	hctx := ctx
	var cancel context.CancelFunc
	if p.cfg.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, p.cfg.HandlerTimeout)
		defer cancel()
	}

	// The handler runs on its own goroutine so an invocation that ignores
	// its context cannot hold the concurrency slot past the deadline.
	done := make(chan error, 1)
	go func() { done <- handler(hctx, item) }()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = hctx.Err()
	}
	if err == nil {
		if uerr := p.queue.UpdateStatus(item.ID, models.QueueStatusCompleted, ""); uerr != nil {
			logging.Error("failed to mark item completed", uerr,
				map[string]interface{}{"item_id": item.ID})
			return
		}
		p.mu.Lock()
		p.processed++
		p.mu.Unlock()
		logging.Debug("queue item completed", map[string]interface{}{
			"item_id": item.ID, "type": item.Type, "document_id": item.DocumentID,
		})
		return
	}

	if hctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("handler timed out after %s: %w", p.cfg.HandlerTimeout, err)
	}

	canRetry, rerr := p.queue.IncrementRetry(item.ID, err.Error())
	if rerr != nil {
		logging.Error("failed to record item retry", rerr,
			map[string]interface{}{"item_id": item.ID})
		return
	}
	if !canRetry {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
	}
	logging.Warn("queue item handler failed", map[string]interface{}{
		"item_id":   item.ID,
		"type":      item.Type,
		"error":     err.Error(),
		"can_retry": canRetry,
	})
}

// RetryFailed bulk-resets all failed items to pending with a fresh retry
// budget and triggers an immediate processing pass.
func (p *Processor) RetryFailed() (int, error) {
	n, err := p.queue.RetryAllFailed()
	if err != nil {
		return 0, err
	}
	if n > 0 && p.IsRunning() {
		p.kick()
	}
	return n, nil
}

// ForceProcess processes one specific item immediately, bypassing the
// normal scan and backoff. Used for "retry now" actions.
func (p *Processor) ForceProcess(ctx context.Context, id models.UUID) error {
	item, err := p.queue.GetItem(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, busy := p.inFlight[item.ID]; busy {
		p.mu.Unlock()
		return apperrors.Newf(apperrors.ErrQueue, "item already being processed: %s", id)
	}
	p.inFlight[item.ID] = struct{}{}
	p.mu.Unlock()

	p.processItem(ctx, item)
	return nil
}

func (p *Processor) notifyState() {
	p.mu.Lock()
	state := State{
		Running:        p.running,
		InFlight:       len(p.inFlight),
		ProcessedCount: p.processed,
		ErrorCount:     p.errors,
	}
	listeners := make([]StateListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}
