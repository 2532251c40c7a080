package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects the gateway's operational counters: per-endpoint
// latency, dispatch outcomes, deny reasons, breaker events, rate-limit
// rejections by tier, and revocation-feed activity.
type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	outcome          map[string]int64
	reason           map[string]int64
	gauges           map[string]float64
	serverOutcome    map[string]int64
	breakerEvent     map[string]int64
	rateLimitedTier  map[string]int64
	revocationEvents int64
	verifyLatency    VerifyLatencyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Outcomes             map[string]int64        `json:"outcomes"`
	Reasons              map[string]int64        `json:"reasons"`
	Gauges               map[string]float64      `json:"gauges"`
	ServerOutcomes       map[string]int64        `json:"server_outcomes"`
	BreakerEvents        map[string]int64        `json:"breaker_events"`
	RateLimitedByTier    map[string]int64        `json:"rate_limited_by_tier"`
	RevocationFeedEvents int64                   `json:"revocation_feed_events_total"`
	TokenVerifyLatencyMS VerifyLatencyStat       `json:"token_verify_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		outcome:         map[string]int64{},
		reason:          map[string]int64{},
		gauges:          map[string]float64{},
		serverOutcome:   map[string]int64{},
		breakerEvent:    map[string]int64{},
		rateLimitedTier: map[string]int64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncOutcome counts one dispatch by its terminal outcome (ALLOWED,
// AUTH_FAILED, REVOKED, FORBIDDEN, RATE_LIMITED, CIRCUIT_OPEN,
// UPSTREAM_ERROR).
func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncServerOutcome counts a dispatch per downstream server. The joined
// key keeps the map flat for the JSON snapshot.
func (r *Registry) IncServerOutcome(server, outcome string) {
	server = strings.TrimSpace(server)
	outcome = strings.TrimSpace(outcome)
	if server == "" {
		return
	}
	if outcome == "" {
		outcome = "UNKNOWN"
	}
	key := server + "|" + outcome
	r.mu.Lock()
	r.serverOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveTokenVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) IncBreakerEvent(eventType string) {
	eventType = strings.TrimSpace(strings.ToUpper(eventType))
	if eventType == "" {
		return
	}
	r.mu.Lock()
	r.breakerEvent[eventType]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited(tierName string) {
	tierName = strings.TrimSpace(strings.ToLower(tierName))
	if tierName == "" {
		return
	}
	r.mu.Lock()
	r.rateLimitedTier[tierName]++
	r.mu.Unlock()
}

func (r *Registry) IncRevocationFeedEvent() {
	r.mu.Lock()
	r.revocationEvents++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
		Endpoints:            make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:             make(map[string]int64, len(r.outcome)),
		Reasons:              make(map[string]int64, len(r.reason)),
		Gauges:               make(map[string]float64, len(r.gauges)),
		ServerOutcomes:       make(map[string]int64, len(r.serverOutcome)),
		BreakerEvents:        make(map[string]int64, len(r.breakerEvent)),
		RateLimitedByTier:    make(map[string]int64, len(r.rateLimitedTier)),
		RevocationFeedEvents: r.revocationEvents,
		TokenVerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.serverOutcome {
		out.ServerOutcomes[k] = v
	}
	for k, v := range r.breakerEvent {
		out.BreakerEvents[k] = v
	}
	for k, v := range r.rateLimitedTier {
		out.RateLimitedByTier[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP bastion_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE bastion_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bastion_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP bastion_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE bastion_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bastion_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP bastion_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE bastion_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bastion_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP bastion_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE bastion_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bastion_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP bastion_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE bastion_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bastion_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP bastion_outcome_total total dispatches by outcome\n")
		b.WriteString("# TYPE bastion_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "bastion_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP bastion_reason_total total denies by reason code\n")
		b.WriteString("# TYPE bastion_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "bastion_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP bastion_gauge operational gauge metrics\n")
		b.WriteString("# TYPE bastion_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "bastion_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP bastion_latency_seconds latency histogram\n")
			b.WriteString("# TYPE bastion_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "bastion_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "bastion_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bastion_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "bastion_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bastion_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "bastion_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "bastion_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP bastion_server_outcome_total dispatches by downstream server and outcome\n")
		b.WriteString("# TYPE bastion_server_outcome_total counter\n")
		for _, key := range SortedKeys(snap.ServerOutcomes) {
			parts := strings.SplitN(key, "|", 2)
			server := parts[0]
			outcome := "UNKNOWN"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "bastion_server_outcome_total{server=%q,outcome=%q} %d\n", server, outcome, snap.ServerOutcomes[key])
		}

		b.WriteString("# HELP bastion_token_verify_latency_ms token verification latency in ms\n")
		b.WriteString("# TYPE bastion_token_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "bastion_token_verify_latency_ms{stat=%q} %d\n", "last", snap.TokenVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "bastion_token_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.TokenVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "bastion_token_verify_latency_ms{stat=%q} %d\n", "max", snap.TokenVerifyLatencyMS.MaxMS)

		b.WriteString("# HELP bastion_breaker_event_total breaker events by type\n")
		b.WriteString("# TYPE bastion_breaker_event_total counter\n")
		for _, eventType := range SortedKeys(snap.BreakerEvents) {
			fmt.Fprintf(b, "bastion_breaker_event_total{event=%q} %d\n", eventType, snap.BreakerEvents[eventType])
		}

		b.WriteString("# HELP bastion_rate_limited_total rate-limit rejections by tier\n")
		b.WriteString("# TYPE bastion_rate_limited_total counter\n")
		for _, tierName := range SortedKeys(snap.RateLimitedByTier) {
			fmt.Fprintf(b, "bastion_rate_limited_total{tier=%q} %d\n", tierName, snap.RateLimitedByTier[tierName])
		}

		b.WriteString("# HELP bastion_revocation_feed_events_total revocation feed events applied\n")
		b.WriteString("# TYPE bastion_revocation_feed_events_total counter\n")
		fmt.Fprintf(b, "bastion_revocation_feed_events_total %d\n", snap.RevocationFeedEvents)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
