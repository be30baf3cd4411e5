// Package syncer drains the sync queue against the remote system of record.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/history"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/queue"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/remote"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/store"
	"go.uber.org/zap"
)

// DefaultBatchSize bounds the items carried by one remote request.
const DefaultBatchSize = 50

const (
	messageBusy      = "sync already in progress"
	messageCancelled = "sync cancelled before start"
	messageNothing   = "nothing to sync"
	reasonRejected   = "rejected by remote"
	reasonNoOutcome  = "no outcome returned for item"
)

var (
	errMissingStore   = errors.New("local store is required")
	errMissingQueue   = errors.New("sync queue is required")
	errMissingHistory = errors.New("sync history is required")
	errMissingRemote  = errors.New("remote client is required")
)

// Remote submits one batch and returns the per-item outcomes.
type Remote interface {
	Submit(ctx context.Context, entityType records.EntityType, operation records.Operation, items []json.RawMessage) ([]remote.Outcome, error)
}

// ProcessorConfig wires the processor's collaborators.
type ProcessorConfig struct {
	Store     *store.Store
	Queue     *queue.Queue
	History   *history.Log
	Remote    Remote
	BatchSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// RunOptions controls a single run.
type RunOptions struct {
	// Force waits for an active run to finish instead of skipping.
	Force  bool
	Reason string
}

// Result summarizes one run. Skipped runs did not execute and left no history.
type Result struct {
	Skipped     bool             `json:"skipped"`
	Success     bool             `json:"success"`
	ItemsSynced int              `json:"itemsSynced"`
	ItemsFailed int              `json:"itemsFailed"`
	Duration    time.Duration    `json:"durationNanos"`
	Message     string           `json:"message"`
	Details     []history.Detail `json:"details"`
	StartedAt   time.Time        `json:"startedAt"`
	Reason      string           `json:"reason,omitempty"`
}

// Listener observes completed runs.
type Listener func(Result)

// Processor runs at most one drain at a time.
type Processor struct {
	store     *store.Store
	queue     *queue.Queue
	history   *history.Log
	remote    Remote
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger

	slot chan struct{}

	listenersMu sync.Mutex
	listeners   map[uint64]Listener
	nextID      uint64
}

// NewProcessor validates collaborators and applies defaults.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.History == nil:
		return nil, errMissingHistory
	case cfg.Remote == nil:
		return nil, errMissingRemote
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:     cfg.Store,
		queue:     cfg.Queue,
		history:   cfg.History,
		remote:    cfg.Remote,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger,
		slot:      make(chan struct{}, 1),
		listeners: make(map[uint64]Listener),
	}, nil
}

// Busy reports whether a run currently holds the slot.
func (p *Processor) Busy() bool {
	return len(p.slot) > 0
}

// PendingCount reports the queued intents.
func (p *Processor) PendingCount(ctx context.Context) int64 {
	return p.queue.Count(ctx)
}

// AddListener registers fn for completed runs and returns its unsubscribe func.
func (p *Processor) AddListener(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	p.listenersMu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.listenersMu.Lock()
			delete(p.listeners, id)
			p.listenersMu.Unlock()
		})
	}
}

// Run drains the queue once. It never returns an error; failures are reported in the Result.
// Automatic runs that find another run active are skipped. Forced runs wait for it.
func (p *Processor) Run(ctx context.Context, opts RunOptions) Result {
	if opts.Force {
		select {
		case p.slot <- struct{}{}:
		case <-ctx.Done():
			return Result{Skipped: true, Message: messageCancelled, Reason: opts.Reason}
		}
	} else {
		select {
		case p.slot <- struct{}{}:
		default:
			return Result{Skipped: true, Message: messageBusy, Reason: opts.Reason}
		}
	}
	defer func() { <-p.slot }()

	startedAt := p.clock()
	counts := p.drainSafely(ctx)
	result := Result{
		Success:     counts.fatal == nil && counts.failed == 0,
		ItemsSynced: counts.synced,
		ItemsFailed: counts.failed,
		Duration:    p.clock().Sub(startedAt),
		Message:     counts.message(),
		Details:     counts.details,
		StartedAt:   startedAt,
		Reason:      opts.Reason,
	}

	_, err := p.history.Append(context.WithoutCancel(ctx), history.Entry{
		Timestamp:      startedAt.UnixMilli(),
		Success:        result.Success,
		ItemsSynced:    result.ItemsSynced,
		ItemsFailed:    result.ItemsFailed,
		DurationMillis: result.Duration.Milliseconds(),
		Message:        result.Message,
		Details:        result.Details,
	})
	if err != nil {
		p.logger.Error("sync history append failed", zap.Error(err))
	}

	p.logger.Info("sync run finished",
		zap.String("reason", opts.Reason),
		zap.Bool("success", result.Success),
		zap.Int("items_synced", result.ItemsSynced),
		zap.Int("items_failed", result.ItemsFailed),
		zap.Duration("duration", result.Duration))
	p.notify(result)
	return result
}

type tally struct {
	synced  int
	failed  int
	details []history.Detail
	fatal   error
}

func (t *tally) record(candidate intent, status history.DetailStatus, reason string) {
	switch status {
	case history.DetailSynced:
		t.synced++
	case history.DetailFailed:
		t.failed++
	}
	t.details = append(t.details, history.Detail{
		EntityID:  candidate.entityID,
		Type:      candidate.entityType,
		Operation: candidate.operation,
		Status:    status,
		Error:     reason,
	})
}

func (t *tally) message() string {
	if t.fatal != nil {
		return fmt.Sprintf("sync aborted: %v", t.fatal)
	}
	if t.synced == 0 && t.failed == 0 {
		return messageNothing
	}
	message := fmt.Sprintf("synced %d item(s)", t.synced)
	if t.failed > 0 {
		message += fmt.Sprintf(", %d failed", t.failed)
	}
	return message
}

func (p *Processor) drainSafely(ctx context.Context) (result tally) {
	result.details = []history.Detail{}
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("sync run panicked", zap.Any("panic", recovered))
			result.fatal = fmt.Errorf("panic: %v", recovered)
		}
	}()
	p.drain(ctx, &result)
	return result
}

func (p *Processor) drain(ctx context.Context, result *tally) {
	entries, err := p.queue.List(ctx)
	if err != nil {
		p.logger.Error("sync queue read failed", zap.Error(err))
		result.fatal = err
		return
	}
	intents := coalesce(entries)
	if len(intents) == 0 {
		return
	}

	localCtx := context.WithoutCancel(ctx)

	for _, chunk := range groupBatches(intents, p.batchSize) {
		items := make([]json.RawMessage, len(chunk.intents))
		for index, candidate := range chunk.intents {
			items[index] = candidate.data
		}

		outcomes, err := p.remote.Submit(ctx, chunk.key.entityType, chunk.key.operation, items)
		if err != nil {
			p.logger.Warn("sync batch failed",
				zap.String("entity_type", chunk.key.entityType.String()),
				zap.String("operation", string(chunk.key.operation)),
				zap.Int("items", len(items)),
				zap.Error(err))
			for _, candidate := range chunk.intents {
				result.record(candidate, history.DetailFailed, err.Error())
			}
			continue
		}

		matched := matchOutcomes(chunk.intents, outcomes)
		for index, candidate := range chunk.intents {
			outcome, ok := matched[index]
			switch {
			case !ok:
				result.record(candidate, history.DetailFailed, reasonNoOutcome)
			case !outcome.Fulfilled():
				reason := outcome.Error
				if reason == "" {
					reason = reasonRejected
				}
				result.record(candidate, history.DetailFailed, reason)
			default:
				if err := p.acknowledge(localCtx, candidate); err != nil {
					p.logger.Error("sync acknowledgement failed",
						zap.String("entity_type", candidate.entityType.String()),
						zap.String("entity_id", candidate.entityID),
						zap.Error(err))
					result.record(candidate, history.DetailFailed, fmt.Sprintf("local update failed: %v", err))
					continue
				}
				result.record(candidate, history.DetailSynced, "")
			}
		}
	}
}

// matchOutcomes pairs outcomes with submitted intents by entity id, falling back to position
// for outcomes that carry no id.
func matchOutcomes(intents []intent, outcomes []remote.Outcome) map[int]remote.Outcome {
	byID := make(map[string]remote.Outcome, len(outcomes))
	for _, outcome := range outcomes {
		if outcome.EntityID == "" {
			continue
		}
		if _, exists := byID[outcome.EntityID]; !exists {
			byID[outcome.EntityID] = outcome
		}
	}
	matched := make(map[int]remote.Outcome, len(intents))
	for index, candidate := range intents {
		if outcome, ok := byID[candidate.entityID]; ok {
			matched[index] = outcome
			continue
		}
		if index < len(outcomes) && outcomes[index].EntityID == "" {
			matched[index] = outcomes[index]
		}
	}
	return matched
}

// acknowledge applies a fulfilled outcome. An entity edited after the submitted write stays
// pending and keeps its newer intents.
func (p *Processor) acknowledge(ctx context.Context, candidate intent) error {
	return p.store.Update(ctx, func(tx *store.Tx) error {
		current, found, err := tx.Get(candidate.entityType, candidate.entityID)
		if err != nil {
			return err
		}
		if !found {
			return p.queue.RemoveThrough(tx, candidate.entityType, candidate.entityID, candidate.stamp)
		}
		if records.Supersedes(writeStamp(current), candidate.stamp) {
			return p.queue.RemoveThrough(tx, candidate.entityType, candidate.entityID, candidate.stamp)
		}
		if candidate.operation == records.OperationDelete {
			if err := tx.Delete(candidate.entityType, candidate.entityID); err != nil {
				return err
			}
		} else {
			current.SyncStatus = records.SyncStatusSynced
			if err := tx.Put(current); err != nil {
				return err
			}
		}
		return p.queue.RemoveForEntity(tx, candidate.entityType, candidate.entityID)
	})
}

// writeStamp is the queue stamp the record's latest local write produced.
func writeStamp(record records.Record) records.Stamp {
	return records.Stamp{
		Modified: record.Modified,
		Key:      queue.EntryID(record.Type, record.ID, record.Modified),
	}
}

func (p *Processor) notify(result Result) {
	p.listenersMu.Lock()
	ids := make([]uint64, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]Listener, len(ids))
	for index, id := range ids {
		targets[index] = p.listeners[id]
	}
	p.listenersMu.Unlock()

	for index, listener := range targets {
		p.invoke(ids[index], listener, result)
	}
}

func (p *Processor) invoke(id uint64, listener Listener, result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("sync listener panicked",
				zap.Uint64("listener_id", id),
				zap.Any("panic", recovered))
		}
	}()
	listener(result)
}
