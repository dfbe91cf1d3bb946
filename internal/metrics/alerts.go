package metrics

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AlertSeverity classifies how urgently a fired alert needs attention.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// AlertRule evaluates a snapshot and reports whether it should fire.
type AlertRule struct {
	Name     string
	Severity AlertSeverity
	Evaluate func(SessionMetricsSnapshot) bool
}

// DefaultAlertRules returns the baseline rule set every deployment
// starts with.
func DefaultAlertRules() []AlertRule {
	return []AlertRule{
		{
			Name:     "high_session_count",
			Severity: AlertWarning,
			Evaluate: func(s SessionMetricsSnapshot) bool { return s.ActiveSessions > 1000 },
		},
		{
			Name:     "high_error_rate",
			Severity: AlertCritical,
			Evaluate: func(s SessionMetricsSnapshot) bool { return s.ErrorRate > 0.05 },
		},
		{
			Name:     "dead_agents",
			Severity: AlertWarning,
			Evaluate: func(s SessionMetricsSnapshot) bool { return s.DeadAgents > 0 },
		},
		{
			Name:     "high_latency",
			Severity: AlertWarning,
			Evaluate: func(s SessionMetricsSnapshot) bool { return s.AverageLatencyMS > 1000 },
		},
	}
}

// FiredAlert is a single rule's positive evaluation against a snapshot.
type FiredAlert struct {
	Rule     string
	Severity AlertSeverity
	FiredAt  time.Time
	Snapshot SessionMetricsSnapshot
}

// AlertEvaluator runs a rule set against a snapshot source on a fixed
// interval, handing any firing rules to onFire. Repeated fires of the
// same rule are throttled by a per-rule token-bucket limiter so a
// persistently bad condition doesn't flood onFire once per tick.
type AlertEvaluator struct {
	rules    []AlertRule
	interval time.Duration
	snapshot func() SessionMetricsSnapshot
	onFire   func(FiredAlert)
	logger   *slog.Logger
	cooldown time.Duration

	mu       sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup
	limiters map[string]*rate.Limiter
}

// NewAlertEvaluator builds an evaluator. A nil rules slice uses
// DefaultAlertRules. The same rule's onFire notification repeats at
// most once per minute.
func NewAlertEvaluator(rules []AlertRule, interval time.Duration, snapshot func() SessionMetricsSnapshot, onFire func(FiredAlert), logger *slog.Logger) *AlertEvaluator {
	if rules == nil {
		rules = DefaultAlertRules()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertEvaluator{
		rules:    rules,
		interval: interval,
		snapshot: snapshot,
		onFire:   onFire,
		logger:   logger,
		cooldown: time.Minute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (e *AlertEvaluator) limiterFor(rule string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[rule]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.cooldown), 1)
		e.limiters[rule] = l
	}
	return l
}

// Start begins the periodic evaluation loop in a background goroutine.
func (e *AlertEvaluator) Start() {
	e.mu.Lock()
	e.stop = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()
}

// Stop ends the evaluation loop and waits for it to exit.
func (e *AlertEvaluator) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	e.wg.Wait()
}

func (e *AlertEvaluator) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.evaluateOnce()
		}
	}
}

func (e *AlertEvaluator) evaluateOnce() {
	snap := e.snapshot()
	for _, rule := range e.rules {
		if !rule.Evaluate(snap) {
			continue
		}
		alert := FiredAlert{
			Rule:     rule.Name,
			Severity: rule.Severity,
			FiredAt:  time.Now(),
			Snapshot: snap,
		}
		e.logger.Warn("alert fired", "rule", rule.Name, "severity", string(rule.Severity))
		if e.onFire != nil && e.limiterFor(rule.Name).Allow() {
			e.onFire(alert)
		}
	}
}
