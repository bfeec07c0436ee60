package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// A process-local metrics registry rendering the Prometheus text
// exposition format. Counters and histograms only; that is all the
// control plane emits.

type kind string

const (
	kindCounter   kind = "counter"
	kindHistogram kind = "histogram"
)

type desc struct {
	Name    string
	Help    string
	Kind    kind
	Buckets []float64
}

type counter struct {
	labels map[string]string
	value  uint64
}

type histogram struct {
	labels  map[string]string
	count   uint64
	sum     float64
	buckets []uint64
}

type Registry struct {
	mu         sync.RWMutex
	descs      map[string]desc
	counters   map[string]map[string]*counter
	histograms map[string]map[string]*histogram
}

var latencyBucketsMS = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

func NewRegistry() *Registry {
	r := &Registry{
		descs:      make(map[string]desc),
		counters:   make(map[string]map[string]*counter),
		histograms: make(map[string]map[string]*histogram),
	}
	r.RegisterCounter("vmlab_hypervisor_requests_total", "Total hypervisor API calls by operation and status.")
	r.RegisterHistogram("vmlab_hypervisor_request_latency_ms", "Hypervisor API call latency in milliseconds by operation and status.", latencyBucketsMS)
	r.RegisterCounter("vmlab_hypervisor_retries_total", "Total retried hypervisor reads by operation and reason.")
	r.RegisterCounter("vmlab_hypervisor_retry_exhausted_total", "Total hypervisor reads that exhausted retry attempts by operation.")
	r.RegisterCounter("vmlab_sessions_started_total", "Total exam sessions started.")
	r.RegisterCounter("vmlab_sessions_ended_total", "Total exam sessions ended by reason.")
	r.RegisterCounter("vmlab_session_vm_delete_failures_total", "Total best-effort VM deletes that failed during session teardown.")
	r.RegisterCounter("vmlab_job_runs_total", "Total background job runs by job and status.")
	r.RegisterHistogram("vmlab_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000})
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the shared process registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = NewRegistry() })
	return defaultReg
}

func (r *Registry) RegisterCounter(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[name] = desc{Name: name, Help: help, Kind: kindCounter}
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[name] = desc{Name: name, Help: help, Kind: kindHistogram, Buckets: cp}
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok || d.Kind != kindCounter {
		return
	}
	series := r.counters[name]
	if series == nil {
		series = make(map[string]*counter)
		r.counters[name] = series
	}
	key := labelsKey(labels)
	c := series[key]
	if c == nil {
		c = &counter{labels: cloneLabels(labels)}
		series[key] = c
	}
	c.value++
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok || d.Kind != kindHistogram {
		return
	}
	series := r.histograms[name]
	if series == nil {
		series = make(map[string]*histogram)
		r.histograms[name] = series
	}
	key := labelsKey(labels)
	h := series[key]
	if h == nil {
		h = &histogram{labels: cloneLabels(labels), buckets: make([]uint64, len(d.Buckets)+1)}
		series[key] = h
	}
	idx := len(d.Buckets)
	for i, upper := range d.Buckets {
		if value <= upper {
			idx = i
			break
		}
	}
	h.buckets[idx]++
	h.count++
	h.sum += value
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descs))
	for name := range r.descs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		d := r.descs[name]
		fmt.Fprintf(&b, "# HELP %s %s\n", name, d.Help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, d.Kind)

		switch d.Kind {
		case kindCounter:
			for _, key := range sortedKeys(r.counters[name]) {
				c := r.counters[name][key]
				writeSample(&b, name, c.labels, strconv.FormatUint(c.value, 10))
			}
		case kindHistogram:
			for _, key := range sortedKeys(r.histograms[name]) {
				h := r.histograms[name][key]
				var cumulative uint64
				for i, n := range h.buckets {
					cumulative += n
					withLE := cloneLabels(h.labels)
					if i < len(d.Buckets) {
						withLE["le"] = trimFloat(d.Buckets[i])
					} else {
						withLE["le"] = "+Inf"
					}
					writeSample(&b, name+"_bucket", withLE, strconv.FormatUint(cumulative, 10))
				}
				writeSample(&b, name+"_sum", h.labels, trimFloat(h.sum))
				writeSample(&b, name+"_count", h.labels, strconv.FormatUint(h.count, 10))
			}
		}
	}
	return b.String()
}

func sortedKeys[T any](m map[string]*T) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func writeSample(b *strings.Builder, name string, labels map[string]string, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for key := range labels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, key := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(b, "%s=%q", key, labels[key])
		}
		b.WriteString("}")
	}
	b.WriteString(" ")
	b.WriteString(value)
	b.WriteString("\n")
}

func labelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(labels[key])
		b.WriteString(";")
	}
	return b.String()
}

func cloneLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func trimFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return s
}
