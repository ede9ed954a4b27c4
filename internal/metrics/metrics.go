// Package metrics keeps in-process counters, gauges, and latency
// timers with rolling percentiles, and emits structured events. Bodies
// of notes, drafts, and queries never enter this package; only ids,
// names, and numbers.
package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Well-known metric names.
const (
	SearchLatencyMS     = "search.latency_ms"
	VisibilityLatencyMS = "visibility.latency_ms"
	ReadingLatencyMS    = "reading.latency_ms"
	AnchorResolution    = "anchor.resolution_rate"
	CitationCoverage    = "answer.citation_coverage"
)

// Retention windows. Aggregate samples and counters live 30 days;
// per-session traces age out after 7.
const (
	sampleRetention = 30 * 24 * time.Hour
	traceRetention  = 7 * 24 * time.Hour
	maxSamples      = 4096
	maxSessions     = 1024
)

type sample struct {
	at time.Time
	ms float64
}

type timer struct {
	samples []sample
}

func (t *timer) observe(at time.Time, ms float64) {
	t.samples = append(t.samples, sample{at: at, ms: ms})
	if len(t.samples) > maxSamples {
		t.samples = t.samples[len(t.samples)-maxSamples:]
	}
}

func (t *timer) prune(cutoff time.Time) {
	kept := t.samples[:0]
	for _, s := range t.samples {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	t.samples = kept
}

// percentile over a copy; nearest-rank.
func (t *timer) percentile(p float64) float64 {
	if len(t.samples) == 0 {
		return 0
	}
	vals := make([]float64, len(t.samples))
	for i, s := range t.samples {
		vals[i] = s.ms
	}
	sort.Float64s(vals)
	idx := int(p*float64(len(vals))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

// Percentiles is a rolled-up latency view.
type Percentiles struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Registry is the process-wide metric store.
type Registry struct {
	mu       sync.Mutex
	log      *logrus.Logger
	now      func() time.Time
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]*timer
	sessions map[string]*timer
}

// New returns an empty registry logging events through log.
func New(log *logrus.Logger) *Registry {
	return &Registry{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		counters: map[string]int64{},
		gauges:   map[string]float64{},
		timers:   map[string]*timer{},
		sessions: map[string]*timer{},
	}
}

// Inc bumps a counter.
func (r *Registry) Inc(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Counter reads a counter.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// SetGauge records an instantaneous value.
func (r *Registry) SetGauge(name string, v float64) {
	r.mu.Lock()
	r.gauges[name] = v
	r.mu.Unlock()
}

// Observe records one latency sample.
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.timers[name]
	if t == nil {
		t = &timer{}
		r.timers[name] = t
	}
	t.observe(r.now(), float64(d.Microseconds())/1000)
}

// ObserveSession records a search latency sample for one session.
func (r *Registry) ObserveSession(sessionID string, d time.Duration) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.sessions[sessionID]
	if t == nil {
		if len(r.sessions) >= maxSessions {
			return
		}
		t = &timer{}
		r.sessions[sessionID] = t
	}
	t.observe(r.now(), float64(d.Microseconds())/1000)
}

// SessionP95 returns the session's rolling P95 in milliseconds, or 0
// when the session is unknown.
func (r *Registry) SessionP95(sessionID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.sessions[sessionID]
	if t == nil {
		return 0
	}
	return t.percentile(0.95)
}

// Snapshot returns the rolled-up percentiles for one timer.
func (r *Registry) Snapshot(name string) Percentiles {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.timers[name]
	if t == nil {
		return Percentiles{}
	}
	return Percentiles{
		Count: len(t.samples),
		P50:   t.percentile(0.50),
		P95:   t.percentile(0.95),
		P99:   t.percentile(0.99),
	}
}

// Event emits a structured log event. Callers pass identifiers and
// numbers only.
func (r *Registry) Event(name string, fields logrus.Fields) {
	r.log.WithFields(fields).Info(name)
}

// Prune drops samples past retention and empty session timers.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		t.prune(r.now().Add(-sampleRetention))
	}
	traceCutoff := r.now().Add(-traceRetention)
	for id, t := range r.sessions {
		t.prune(traceCutoff)
		if len(t.samples) == 0 {
			delete(r.sessions, id)
		}
	}
}

// Summary is the exportable, anonymized view: counters, gauges, and
// percentiles; session ids are hashed.
type Summary struct {
	Counters map[string]int64       `json:"counters"`
	Gauges   map[string]float64     `json:"gauges"`
	Timers   map[string]Percentiles `json:"timers"`
	Sessions map[string]Percentiles `json:"sessions"`
}

// Export builds an anonymized summary for the metrics endpoint.
func (r *Registry) Export() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := &Summary{
		Counters: make(map[string]int64, len(r.counters)),
		Gauges:   make(map[string]float64, len(r.gauges)),
		Timers:   make(map[string]Percentiles, len(r.timers)),
		Sessions: make(map[string]Percentiles, len(r.sessions)),
	}
	for k, v := range r.counters {
		out.Counters[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, t := range r.timers {
		out.Timers[k] = Percentiles{
			Count: len(t.samples),
			P50:   t.percentile(0.50),
			P95:   t.percentile(0.95),
			P99:   t.percentile(0.99),
		}
	}
	for id, t := range r.sessions {
		out.Sessions[anonymize(id)] = Percentiles{
			Count: len(t.samples),
			P50:   t.percentile(0.50),
			P95:   t.percentile(0.95),
			P99:   t.percentile(0.99),
		}
	}
	return out
}

// anonymize replaces a session id with a short stable digest.
func anonymize(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
