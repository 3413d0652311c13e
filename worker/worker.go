// Package worker implements the polling scheduler that drains a work
// queue: it claims eligible items, dispatches them to an agent-execution
// gateway, and reconciles the outcome back into the store.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coracle/workq/db"
	"github.com/coracle/workq/errors"
	"github.com/coracle/workq/queue"
)

const (
	// claimBatchSize bounds how many claimable items one tick inspects.
	claimBatchSize = 50

	maxConsecutiveErrors = 5
	maxBackoff           = 30 * time.Second
	stopTimeout          = 30 * time.Second
)

// Config tunes one worker instance.
type Config struct {
	// AgentID identifies this worker; it becomes the owner of every item
	// it claims.
	AgentID string
	// PollInterval is the tick cadence. Defaults to 5s.
	PollInterval time.Duration
	// Concurrency caps simultaneous in-flight dispatches. Defaults to 1.
	Concurrency int
	// Workstreams is the allow-list of workstreams this worker serves.
	// Empty means the worker only takes items with no workstream.
	// Explicit assignment to this worker overrides the list either way.
	Workstreams []string
	// Model optionally overrides the gateway's default model.
	Model string
	// MaxSpawnsPerMinute bounds gateway spawns. <= 0 disables the limit.
	MaxSpawnsPerMinute int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		Concurrency:        1,
		MaxSpawnsPerMinute: 10,
	}
}

// Worker polls the store and runs claimed items through the gateway.
// Start and Stop may be called repeatedly; Stop drains in-flight
// dispatches before returning.
type Worker struct {
	store       *queue.Store
	gateway     Gateway
	extractor   ContextExtractor
	config      Config
	workstreams []string
	limiter     *Limiter
	metrics     *Metrics
	logger      *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	running  bool
	inFlight int
}

// NewWorker creates a worker. extractor may be nil to skip result
// summaries; logger may be nil.
func NewWorker(ctx context.Context, store *queue.Store, gateway Gateway, extractor ContextExtractor, config Config, logger *zap.SugaredLogger) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &Worker{
		store:     store,
		gateway:   gateway,
		extractor: extractor,
		config:    config,
		// Blank allow-list entries mean "no restriction", so they are
		// dropped here rather than matched against.
		workstreams: queue.NormalizeStringSet(config.Workstreams),
		limiter:     NewLimiter(config.MaxSpawnsPerMinute),
		metrics:     &Metrics{},
		logger:      logger.Named("worker"),
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
	}
}

// Start launches the polling loop. Calling Start on a running worker is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}

	// Context may have been cancelled by a previous Stop; recreate it
	// from the parent before spawning the loop to avoid races.
	select {
	case <-w.ctx.Done():
		w.ctx, w.cancel = context.WithCancel(w.parentCtx)
	default:
	}

	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()

	w.logger.Infow("Worker started",
		"agent_id", w.config.AgentID,
		"poll_interval", w.config.PollInterval,
		"concurrency", w.config.Concurrency,
		"workstreams", w.workstreams,
	)
}

// Stop cancels the polling loop and waits for in-flight dispatches to
// finish reconciling. Dispatches already handed to the gateway run to
// completion; only new claims stop.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Infow("Worker stopped, all dispatches reconciled")
	case <-time.After(stopTimeout):
		w.logger.Warnw("Worker stop timeout, dispatches still reconciling", "timeout", stopTimeout)
	}
}

// Running reports whether the polling loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Metrics returns a snapshot of this worker's dispatch counters.
func (w *Worker) Metrics() MetricsSnapshot {
	return w.metrics.Snapshot()
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoffDuration := time.Second

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(); err != nil {
				select {
				case <-w.ctx.Done():
					return
				default:
				}

				// Database closed under us: the process is shutting down
				// and Stop will arrive shortly.
				if db.IsDatabaseClosed(err) {
					w.logger.Debugw("Database closed, worker loop exiting")
					return
				}

				errorCount++
				w.logger.Errorw("Worker tick failed",
					"error", err,
					"consecutive_errors", errorCount,
				)
				// One bad item never kills the loop, but a persistently
				// failing store gets exponential backoff.
				if errorCount >= maxConsecutiveErrors {
					w.logger.Warnw("Worker backing off after consecutive errors",
						"backoff", backoffDuration,
						"consecutive_errors", errorCount,
					)
					time.Sleep(backoffDuration)
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
			} else {
				if errorCount > 0 {
					w.logger.Infow("Worker recovered from errors", "previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}
		}
	}
}

// tick inspects the claimable pool once, claiming and dispatching as many
// eligible items as the concurrency budget allows.
func (w *Worker) tick() error {
	items, err := w.store.ListClaimable(claimBatchSize)
	if err != nil {
		if errors.IsStoreBusy(err) {
			w.logger.Debugw("Store busy listing claimable items, will retry next tick")
			return nil
		}
		return err
	}
	if len(items) == 0 {
		return nil
	}

	claimed := 0
	var skipped []string
	for _, item := range items {
		if w.availableSlots() <= 0 {
			break
		}

		if ok, reason := w.eligible(item); !ok {
			skipped = append(skipped, item.IssueRef+": "+reason)
			continue
		}

		if err := w.limiter.Allow(); err != nil {
			w.logger.Debugw("Spawn rate limit reached, deferring claims", "error", err)
			break
		}

		sessionKey := fmt.Sprintf("agent:%s:workq:%s:%s",
			w.config.AgentID, item.IssueRef, uuid.NewString()[:8])
		result, err := w.store.Claim(queue.ClaimInput{
			IssueRef:   item.IssueRef,
			AgentID:    w.config.AgentID,
			SessionKey: sessionKey,
		})
		if err != nil {
			if errors.IsStoreBusy(err) {
				w.logger.Debugw("Store busy on claim, will retry next tick", "issue_ref", item.IssueRef)
				break
			}
			return err
		}
		if result.Outcome != queue.OutcomeClaimed {
			// Another worker won the race between list and claim.
			w.logger.Debugw("Lost claim race",
				"issue_ref", item.IssueRef,
				"claimed_by", result.ClaimedBy,
			)
			continue
		}

		claimed++
		w.mu.Lock()
		w.inFlight++
		w.mu.Unlock()
		w.wg.Add(1)
		go w.dispatch(result.Item)
	}

	if claimed == 0 && len(skipped) > 0 {
		// Queue diagnostics: say why pending work is sitting there.
		if len(skipped) > 5 {
			skipped = skipped[:5]
		}
		w.logger.Debugw("No claimable items matched",
			"pending", len(items),
			"reasons", skipped,
		)
	}
	return nil
}

func (w *Worker) availableSlots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config.Concurrency - w.inFlight
}

// eligible decides whether this worker may claim the item right now.
//
// Precedence: an item assigned to another worker is never claimed; an
// item assigned to this worker bypasses workstream scoping entirely;
// otherwise the workstream allow-list applies, and a worker with no list
// takes only unscoped items. Dependencies gate everything and are
// re-evaluated against the live store on every tick.
func (w *Worker) eligible(item *queue.Item) (bool, string) {
	if item.AssignedTo != nil && item.AssignedTo.AgentID != "" {
		if item.AssignedTo.AgentID != w.config.AgentID {
			return false, "assigned to " + item.AssignedTo.AgentID
		}
	} else if len(w.workstreams) > 0 {
		if item.Workstream == "" || !contains(w.workstreams, item.Workstream) {
			return false, "workstream " + orUnscoped(item.Workstream) + " not in allow-list"
		}
	} else if item.Workstream != "" {
		return false, "workstream " + item.Workstream + " but worker is unscoped"
	}

	unmet, err := w.store.UnmetDependencies(item.DependsOn)
	if err != nil {
		return false, "dependency check failed: " + err.Error()
	}
	if len(unmet) > 0 {
		return false, "waiting on " + strings.Join(unmet, ", ")
	}
	return true, ""
}

// dispatch runs one claimed item through the gateway and reconciles the
// outcome. Gateway calls use the parent context: stopping the worker does
// not cancel a run already in flight.
func (w *Worker) dispatch(item *queue.Item) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.inFlight--
		w.mu.Unlock()
	}()

	start := time.Now()
	agentID := w.config.AgentID

	if _, err := w.store.SetStatus(item.IssueRef, agentID, queue.StatusInProgress, "dispatching"); err != nil {
		w.logger.Warnw("Failed to mark item in progress",
			"issue_ref", item.IssueRef,
			"error", err,
		)
	}

	runID, err := w.gateway.Spawn(w.parentCtx, SpawnParams{
		AgentID:     agentID,
		SessionKey:  item.SessionKey,
		Title:       item.Title,
		Description: item.Description,
		Model:       w.config.Model,
		Label:       "workq:" + item.IssueRef,
	})
	if err != nil {
		w.reconcileFailure(item, "spawn failed: "+err.Error())
		w.metrics.recordFailure(time.Since(start))
		return
	}

	w.logger.Infow("Dispatched work item",
		"issue_ref", item.IssueRef,
		"run_id", runID,
		"session_key", item.SessionKey,
	)

	result, err := w.gateway.Await(w.parentCtx, runID)
	if err != nil {
		w.reconcileFailure(item, "wait failed: "+err.Error())
		w.metrics.recordFailure(time.Since(start))
		w.cleanup(item.SessionKey)
		return
	}

	if result.OK {
		summary := w.extractSummary(item.SessionKey)
		if _, err := w.store.Complete(item.IssueRef, agentID, summary); err != nil {
			w.logger.Errorw("Failed to complete work item",
				"issue_ref", item.IssueRef,
				"error", err,
			)
		}
		w.metrics.recordSuccess(time.Since(start))
	} else {
		w.reconcileFailure(item, result.Error)
		w.metrics.recordFailure(time.Since(start))
	}

	w.cleanup(item.SessionKey)
}

// extractSummary asks the extractor what the run did. Best-effort: any
// failure just means no summary.
func (w *Worker) extractSummary(sessionKey string) string {
	if w.extractor == nil {
		return ""
	}
	summary, err := w.extractor.Summarize(w.parentCtx, sessionKey)
	if err != nil {
		w.logger.Debugw("Context extraction failed", "session_key", sessionKey, "error", err)
		return ""
	}
	return summary
}

// reconcileFailure applies the retry policy. With a retry budget the item
// goes back to the claimable pool until the budget is spent, then fails
// terminally with a non-recoverable error. Without a budget the failure
// is terminal but marked recoverable for operators.
func (w *Worker) reconcileFailure(item *queue.Item, message string) {
	agentID := w.config.AgentID
	attempt := item.Retries + 1

	var err error
	switch {
	case item.MaxRetries > 0 && attempt >= item.MaxRetries:
		w.logger.Warnw("Work item failed, retry budget exhausted",
			"issue_ref", item.IssueRef,
			"attempt", attempt,
			"max_retries", item.MaxRetries,
			"error", message,
		)
		_, err = w.store.Fail(item.IssueRef, agentID, message, false)
	case item.MaxRetries > 0:
		w.logger.Infow("Work item failed, requeueing",
			"issue_ref", item.IssueRef,
			"attempt", attempt,
			"max_retries", item.MaxRetries,
			"error", message,
		)
		_, err = w.store.Requeue(item.IssueRef, agentID, message)
	default:
		w.logger.Warnw("Work item failed, no retry budget",
			"issue_ref", item.IssueRef,
			"error", message,
		)
		_, err = w.store.Fail(item.IssueRef, agentID, message, true)
	}
	if err != nil {
		w.logger.Errorw("Failed to reconcile work item failure",
			"issue_ref", item.IssueRef,
			"error", err,
		)
	}
}

func (w *Worker) cleanup(sessionKey string) {
	if err := w.gateway.Cleanup(w.parentCtx, sessionKey); err != nil {
		w.logger.Debugw("Session cleanup failed", "session_key", sessionKey, "error", err)
	}
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func orUnscoped(workstream string) string {
	if workstream == "" {
		return "(none)"
	}
	return workstream
}
