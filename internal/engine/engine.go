// Package engine owns the sync lifecycle: network triggers, the periodic fallback and status fan-out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/network"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/syncer"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule is the periodic fallback when none is configured.
const DefaultSchedule = "@every 5m"

const (
	ReasonNetwork  = "network"
	ReasonSchedule = "schedule"
	ReasonWrite    = "write"
	ReasonManual   = "manual"
)

var (
	errMissingProcessor = errors.New("engine: sync processor is required")
	errMissingMonitor   = errors.New("engine: network monitor is required")
)

// Processor runs sync drains.
type Processor interface {
	Run(ctx context.Context, opts syncer.RunOptions) syncer.Result
	PendingCount(ctx context.Context) int64
	Busy() bool
	AddListener(fn syncer.Listener) func()
}

// Monitor reports connectivity.
type Monitor interface {
	Status() network.Status
	AddListener(fn network.Listener) func()
}

// Config wires the engine.
type Config struct {
	Processor Processor
	Monitor   Monitor
	Schedule  string
	Logger    *zap.Logger
}

// Status is the externally observable sync state.
type Status struct {
	Running     bool            `json:"running"`
	Pending     int64           `json:"pending"`
	Online      bool            `json:"online"`
	Quality     network.Quality `json:"quality"`
	LastSyncAt  *time.Time      `json:"lastSyncAt,omitempty"`
	LastSuccess bool            `json:"lastSuccess"`
	LastMessage string          `json:"lastMessage"`
}

// Engine is constructed explicitly and driven through Start and Stop.
type Engine struct {
	processor  Processor
	monitor    Monitor
	schedule   string
	logger     *zap.Logger
	dispatcher *StatusDispatcher

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	cron        *cron.Cron
	unsubscribe []func()
	allowed     bool
	last        *syncer.Result
	runs        sync.WaitGroup
}

// New validates the configuration, including the cron schedule.
func New(cfg Config) (*Engine, error) {
	if cfg.Processor == nil {
		return nil, errMissingProcessor
	}
	if cfg.Monitor == nil {
		return nil, errMissingMonitor
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("engine: invalid schedule %q: %w", schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		processor:  cfg.Processor,
		monitor:    cfg.Monitor,
		schedule:   schedule,
		logger:     logger,
		dispatcher: NewStatusDispatcher(),
	}, nil
}

// Start subscribes to network transitions and sync results and schedules the periodic fallback.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.ctx = runCtx
	e.cancel = cancel
	e.allowed = false

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(e.schedule, e.periodicCheck); err != nil {
		cancel()
		e.ctx, e.cancel = nil, nil
		e.mu.Unlock()
		return fmt.Errorf("engine: schedule rejected: %w", err)
	}
	e.cron = scheduler
	e.mu.Unlock()

	unsubscribeResults := e.processor.AddListener(e.handleResult)
	unsubscribeNetwork := e.monitor.AddListener(e.handleNetwork)

	e.mu.Lock()
	e.unsubscribe = []func(){unsubscribeNetwork, unsubscribeResults}
	e.mu.Unlock()

	scheduler.Start()
	e.logger.Info("sync engine started", zap.String("schedule", e.schedule))
	return nil
}

// Stop unsubscribes, halts the scheduler and waits for triggered runs to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	scheduler := e.cron
	unsubscribe := e.unsubscribe
	e.ctx, e.cancel, e.cron, e.unsubscribe = nil, nil, nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}

	for _, fn := range unsubscribe {
		fn()
	}
	<-scheduler.Stop().Done()
	cancel()
	e.runs.Wait()
	e.logger.Info("sync engine stopped")
}

// SyncNow runs a forced sync and waits for its result.
func (e *Engine) SyncNow(ctx context.Context) syncer.Result {
	return e.processor.Run(ctx, syncer.RunOptions{Force: true, Reason: ReasonManual})
}

// TriggerAfterWrite starts an automatic run when the network allows it. It reports whether a run was started.
func (e *Engine) TriggerAfterWrite() bool {
	if !e.monitor.Status().AllowsSync() {
		e.publish()
		return false
	}
	return e.trigger(ReasonWrite)
}

// Status snapshots pending work, connectivity and the last completed run.
func (e *Engine) Status(ctx context.Context) Status {
	link := e.monitor.Status()
	status := Status{
		Running: e.processor.Busy(),
		Pending: e.processor.PendingCount(ctx),
		Online:  link.Online,
		Quality: link.Quality,
	}
	e.mu.Lock()
	if e.last != nil {
		finishedAt := e.last.StartedAt.Add(e.last.Duration)
		status.LastSyncAt = &finishedAt
		status.LastSuccess = e.last.Success
		status.LastMessage = e.last.Message
	}
	e.mu.Unlock()
	return status
}

// Subscribe streams status snapshots until ctx ends or cleanup runs.
func (e *Engine) Subscribe(ctx context.Context) (<-chan Status, func()) {
	return e.dispatcher.Subscribe(ctx)
}

func (e *Engine) handleNetwork(status network.Status) {
	e.mu.Lock()
	wasAllowed := e.allowed
	e.allowed = status.AllowsSync()
	e.mu.Unlock()

	if ctx := e.context(); ctx != nil && status.AllowsSync() && !wasAllowed {
		if e.processor.PendingCount(ctx) > 0 {
			e.trigger(ReasonNetwork)
		}
	}
	e.publish()
}

func (e *Engine) handleResult(result syncer.Result) {
	e.mu.Lock()
	snapshot := result
	e.last = &snapshot
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) periodicCheck() {
	ctx := e.context()
	if ctx == nil {
		return
	}
	if !e.monitor.Status().AllowsSync() {
		return
	}
	if e.processor.PendingCount(ctx) == 0 {
		return
	}
	e.trigger(ReasonSchedule)
}

// trigger starts an automatic run in the background. Overlapping runs are skipped by the processor.
func (e *Engine) trigger(reason string) bool {
	e.mu.Lock()
	ctx := e.ctx
	if e.cancel == nil || ctx == nil {
		e.mu.Unlock()
		return false
	}
	e.runs.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.runs.Done()
		result := e.processor.Run(ctx, syncer.RunOptions{Reason: reason})
		if result.Skipped {
			e.logger.Debug("automatic sync skipped", zap.String("reason", reason), zap.String("message", result.Message))
		}
	}()
	e.publish()
	return true
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) publish() {
	ctx := e.context()
	if ctx == nil {
		ctx = context.Background()
	}
	e.dispatcher.Publish(e.Status(ctx))
}
