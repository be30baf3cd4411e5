package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type scriptedProber struct {
	mu      sync.Mutex
	results []probeResult
	calls   int
}

type probeResult struct {
	latency time.Duration
	err     error
}

func (p *scriptedProber) Probe(context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	index := p.calls
	if index >= len(p.results) {
		index = len(p.results) - 1
	}
	p.calls++
	result := p.results[index]
	return result.latency, result.err
}

func newTestMonitor(t *testing.T, results ...probeResult) *Monitor {
	t.Helper()
	monitor, err := NewMonitor(MonitorConfig{
		Prober:     &scriptedProber{results: results},
		Interval:   time.Hour,
		Thresholds: Thresholds{High: 100 * time.Millisecond, Medium: 500 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("failed to construct monitor: %v", err)
	}
	return monitor
}

func TestClassifyLatencyTiers(t *testing.T) {
	thresholds := Thresholds{High: 100 * time.Millisecond, Medium: 500 * time.Millisecond}
	cases := map[time.Duration]Quality{
		10 * time.Millisecond:  QualityHigh,
		100 * time.Millisecond: QualityMedium,
		499 * time.Millisecond: QualityMedium,
		2 * time.Second:        QualityLow,
	}
	for latency, expected := range cases {
		if got := thresholds.Classify(latency); got != expected {
			t.Fatalf("latency %s: expected %s, got %s", latency, expected, got)
		}
	}
}

func TestAllowsSyncOnlyForMediumAndHigh(t *testing.T) {
	cases := []struct {
		status   Status
		expected bool
	}{
		{Status{Online: true, Quality: QualityHigh}, true},
		{Status{Online: true, Quality: QualityMedium}, true},
		{Status{Online: true, Quality: QualityLow}, false},
		{Status{Online: false, Quality: QualityOffline}, false},
	}
	for _, testCase := range cases {
		if got := testCase.status.AllowsSync(); got != testCase.expected {
			t.Fatalf("status %#v: expected %v", testCase.status, testCase.expected)
		}
	}
}

func TestListenerReceivesCurrentStatusAndTransitions(t *testing.T) {
	monitor := newTestMonitor(t,
		probeResult{latency: 20 * time.Millisecond},
		probeResult{latency: 30 * time.Millisecond},
		probeResult{latency: 2 * time.Second},
		probeResult{err: errors.New("unreachable")},
	)

	var received []Status
	unsubscribe := monitor.AddListener(func(status Status) {
		received = append(received, status)
	})
	if len(received) != 1 || received[0].Online {
		t.Fatalf("expected immediate offline notification, got %#v", received)
	}

	ctx := context.Background()
	monitor.Check(ctx)
	monitor.Check(ctx)
	monitor.Check(ctx)
	monitor.Check(ctx)

	expected := []Quality{QualityOffline, QualityHigh, QualityLow, QualityOffline}
	if len(received) != len(expected) {
		t.Fatalf("expected %d notifications, got %#v", len(expected), received)
	}
	for index, quality := range expected {
		if received[index].Quality != quality {
			t.Fatalf("notification %d: expected %s, got %s", index, quality, received[index].Quality)
		}
	}

	unsubscribe()
	unsubscribe()
	monitor.Report(ctx, true)
	if len(received) != len(expected) {
		t.Fatalf("unsubscribed listener must not be notified")
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	monitor := newTestMonitor(t, probeResult{latency: time.Millisecond})

	monitor.AddListener(func(status Status) {
		if status.Online {
			panic("listener failure")
		}
	})
	var calls int
	monitor.AddListener(func(Status) {
		calls++
	})

	status := monitor.Check(context.Background())
	if !status.Online || status.Quality != QualityHigh {
		t.Fatalf("unexpected status %#v", status)
	}
	if calls != 2 {
		t.Fatalf("expected sibling listener to run on registration and transition, got %d", calls)
	}
	if monitor.Status().Quality != QualityHigh {
		t.Fatalf("monitor must keep its state after a listener panic")
	}
}

func TestReportOfflineAppliesImmediately(t *testing.T) {
	monitor := newTestMonitor(t, probeResult{latency: time.Millisecond})
	ctx := context.Background()

	if status := monitor.Report(ctx, true); !status.Online {
		t.Fatalf("expected probe-confirmed online status")
	}
	if status := monitor.Report(ctx, false); status.Online || status.Quality != QualityOffline {
		t.Fatalf("expected offline status, got %#v", status)
	}
}

func TestStartProbesImmediatelyAndStopWaits(t *testing.T) {
	monitor := newTestMonitor(t, probeResult{latency: time.Millisecond})

	online := make(chan struct{}, 1)
	monitor.AddListener(func(status Status) {
		if status.Online {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})

	monitor.Start(context.Background())
	select {
	case <-online:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the loop to probe on start")
	}
	monitor.Stop()
	monitor.Stop()
}

func TestHTTPProber(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	prober, err := NewHTTPProber(healthy.URL, nil)
	if err != nil {
		t.Fatalf("failed to construct prober: %v", err)
	}
	if _, err := prober.Probe(context.Background()); err != nil {
		t.Fatalf("expected healthy probe, got %v", err)
	}

	prober, err = NewHTTPProber(failing.URL, healthy.Client())
	if err != nil {
		t.Fatalf("failed to construct prober: %v", err)
	}
	if _, err := prober.Probe(context.Background()); err == nil {
		t.Fatalf("expected non-2xx probe to fail")
	}

	if _, err := NewHTTPProber("  ", nil); err == nil {
		t.Fatalf("expected missing url error")
	}
}
