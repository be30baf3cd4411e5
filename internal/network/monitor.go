// Package network tracks connectivity and a coarse link quality tier.
package network

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Quality is the coarse link classification used to gate automatic sync.
type Quality string

const (
	QualityOffline Quality = "offline"
	QualityLow     Quality = "low"
	QualityMedium  Quality = "medium"
	QualityHigh    Quality = "high"
)

const (
	defaultInterval      = 30 * time.Second
	defaultHighLatency   = 150 * time.Millisecond
	defaultMediumLatency = 600 * time.Millisecond
)

var errMissingProber = errors.New("network: prober is required")

// Status is the observable connectivity state.
type Status struct {
	Online    bool          `json:"online"`
	Quality   Quality       `json:"quality"`
	Latency   time.Duration `json:"latencyNanos"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// AllowsSync reports whether an automatic sync run may start.
func (s Status) AllowsSync() bool {
	return s.Online && (s.Quality == QualityMedium || s.Quality == QualityHigh)
}

func (s Status) sameTier(other Status) bool {
	return s.Online == other.Online && s.Quality == other.Quality
}

// Thresholds map probe latency onto quality tiers.
type Thresholds struct {
	High   time.Duration
	Medium time.Duration
}

// Classify returns high below High, medium below Medium and low otherwise.
func (t Thresholds) Classify(latency time.Duration) Quality {
	switch {
	case latency < t.High:
		return QualityHigh
	case latency < t.Medium:
		return QualityMedium
	default:
		return QualityLow
	}
}

// MonitorConfig wires the monitor's collaborators.
type MonitorConfig struct {
	Prober     Prober
	Interval   time.Duration
	Thresholds Thresholds
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Listener receives the current status on registration and every transition after it.
type Listener func(Status)

// Monitor publishes connectivity transitions to registered listeners.
type Monitor struct {
	prober     Prober
	interval   time.Duration
	thresholds Thresholds
	logger     *zap.Logger
	clock      func() time.Time

	mu        sync.Mutex
	status    Status
	listeners map[uint64]Listener
	nextID    uint64

	publishMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor starts out offline until the first probe completes.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, errMissingProber
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	thresholds := cfg.Thresholds
	if thresholds.High <= 0 {
		thresholds.High = defaultHighLatency
	}
	if thresholds.Medium <= thresholds.High {
		thresholds.Medium = defaultMediumLatency
		if thresholds.Medium <= thresholds.High {
			thresholds.Medium = thresholds.High * 4
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		prober:     cfg.Prober,
		interval:   interval,
		thresholds: thresholds,
		logger:     logger,
		clock:      clock,
		status:     Status{Online: false, Quality: QualityOffline},
		listeners:  make(map[uint64]Listener),
	}, nil
}

// Status returns the last observed state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check probes once and publishes the result when the tier changed.
func (m *Monitor) Check(ctx context.Context) Status {
	latency, err := m.prober.Probe(ctx)
	next := Status{CheckedAt: m.clock()}
	if err != nil {
		m.logger.Debug("network probe failed", zap.Error(err))
		next.Online = false
		next.Quality = QualityOffline
	} else {
		next.Online = true
		next.Latency = latency
		next.Quality = m.thresholds.Classify(latency)
	}
	m.publish(next)
	return next
}

// Report accepts a platform connectivity hint. Offline applies at once; online is confirmed by a probe.
func (m *Monitor) Report(ctx context.Context, online bool) Status {
	if online {
		return m.Check(ctx)
	}
	next := Status{Online: false, Quality: QualityOffline, CheckedAt: m.clock()}
	m.publish(next)
	return next
}

// AddListener registers fn, calls it with the current status and returns its unsubscribe func.
// Listeners run synchronously and must not register further listeners.
func (m *Monitor) AddListener(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	m.publishMu.Lock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := m.status
	m.mu.Unlock()
	m.invoke(id, fn, current)
	m.publishMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Start runs the periodic probe loop until Stop or ctx cancellation. The first probe runs at once.
func (m *Monitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)
	m.logger.Info("network monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("network monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) publish(next Status) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	previous := m.status
	m.status = next
	if previous.sameTier(next) {
		m.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]Listener, len(ids))
	for index, id := range ids {
		targets[index] = m.listeners[id]
	}
	m.mu.Unlock()

	m.logger.Info("network status changed",
		zap.Bool("online", next.Online),
		zap.String("quality", string(next.Quality)),
		zap.String("previous_quality", string(previous.Quality)),
		zap.Duration("latency", next.Latency))

	for index, listener := range targets {
		m.invoke(ids[index], listener, next)
	}
}

func (m *Monitor) invoke(id uint64, listener Listener, status Status) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("network listener panicked",
				zap.Uint64("listener_id", id),
				zap.Any("panic", recovered))
		}
	}()
	listener(status)
}
