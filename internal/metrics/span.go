package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Span is a lightweight, in-process timing span with attached log
// lines, recorded into a histogram on FinishSpan. It deliberately avoids a
// tracing SDK: nothing in this module's dependency set ships a tracer,
// and a single-process span doesn't need cross-service propagation.
type Span struct {
	mu       sync.Mutex
	name     string
	start    time.Time
	logs     []string
	hist     *prometheus.HistogramVec
	labels   []string
	finished bool
}

// StartSpan begins timing name, recording its duration into hist under
// labels when FinishSpan is called. hist may be nil to skip recording.
func StartSpan(name string, hist *prometheus.HistogramVec, labels ...string) *Span {
	return &Span{name: name, start: time.Now(), hist: hist, labels: labels}
}

// AddLog appends a timestamped log line to the span.
func (s *Span) AddLog(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, time.Now().UTC().Format(time.RFC3339Nano)+" "+message)
}

// Logs returns the span's accumulated log lines.
func (s *Span) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

// Name returns the span's name.
func (s *Span) Name() string { return s.name }

// FinishSpan records the span's elapsed duration and marks it
// complete. Calling it more than once is a no-op.
func (s *Span) FinishSpan() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return 0
	}
	s.finished = true
	elapsed := time.Since(s.start)
	if s.hist != nil {
		s.hist.WithLabelValues(s.labels...).Observe(elapsed.Seconds())
	}
	return elapsed
}
