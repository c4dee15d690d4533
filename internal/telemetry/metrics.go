package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var defaultRegistry = newRegistry()

type registry struct {
	mu                  sync.Mutex
	toolCalls           map[string]map[string]int64
	toolDurationBuckets map[string][]int64
	upstreamErrors      map[string]map[int]int64
	tokenExchanges      map[string]int64
}

func newRegistry() *registry {
	return &registry{
		toolCalls:           make(map[string]map[string]int64),
		toolDurationBuckets: make(map[string][]int64),
		upstreamErrors:      make(map[string]map[int]int64),
		tokenExchanges:      make(map[string]int64),
	}
}

func IncToolCall(toolName, status string) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.toolCalls[toolName]; !ok {
		defaultRegistry.toolCalls[toolName] = make(map[string]int64)
	}
	defaultRegistry.toolCalls[toolName][status]++
}

func ObserveToolDuration(toolName string, d time.Duration) {
	buckets := []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	sec := d.Seconds()

	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.toolDurationBuckets[toolName]; !ok {
		defaultRegistry.toolDurationBuckets[toolName] = make([]int64, len(buckets)+1)
	}
	idx := len(buckets)
	for i, b := range buckets {
		if sec <= b {
			idx = i
			break
		}
	}
	defaultRegistry.toolDurationBuckets[toolName][idx]++
}

// IncUpstreamError records a failed outbound call. statusCode 0 means the
// request never produced an HTTP response (network or decode failure).
func IncUpstreamError(api string, statusCode int) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.upstreamErrors[api]; !ok {
		defaultRegistry.upstreamErrors[api] = make(map[int]int64)
	}
	defaultRegistry.upstreamErrors[api][statusCode]++
}

func IncTokenExchange(outcome string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.tokenExchanges[outcome]++
	defaultRegistry.mu.Unlock()
}

func RenderPrometheus() string {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	var sb strings.Builder

	sb.WriteString("# TYPE weatherhub_tool_calls_total counter\n")
	for _, tool := range sortedKeys(defaultRegistry.toolCalls) {
		for _, status := range sortedKeys(defaultRegistry.toolCalls[tool]) {
			sb.WriteString(fmt.Sprintf("weatherhub_tool_calls_total{tool=\"%s\",status=\"%s\"} %d\n", tool, status, defaultRegistry.toolCalls[tool][status]))
		}
	}

	sb.WriteString("# TYPE weatherhub_tool_duration_seconds_bucket counter\n")
	bucketLabels := []string{"0.1", "0.5", "1", "2", "5", "10", "30", "60", "+Inf"}
	for _, tool := range sortedKeys(defaultRegistry.toolDurationBuckets) {
		counts := defaultRegistry.toolDurationBuckets[tool]
		for i, v := range counts {
			sb.WriteString(fmt.Sprintf("weatherhub_tool_duration_seconds_bucket{tool=\"%s\",le=\"%s\"} %d\n", tool, bucketLabels[i], v))
		}
	}

	sb.WriteString("# TYPE weatherhub_upstream_errors_total counter\n")
	for _, api := range sortedKeys(defaultRegistry.upstreamErrors) {
		statusCodes := make([]int, 0, len(defaultRegistry.upstreamErrors[api]))
		for sc := range defaultRegistry.upstreamErrors[api] {
			statusCodes = append(statusCodes, sc)
		}
		sort.Ints(statusCodes)
		for _, sc := range statusCodes {
			sb.WriteString(fmt.Sprintf("weatherhub_upstream_errors_total{api=\"%s\",status_code=\"%d\"} %d\n", api, sc, defaultRegistry.upstreamErrors[api][sc]))
		}
	}

	sb.WriteString("# TYPE weatherhub_token_exchanges_total counter\n")
	for _, outcome := range sortedKeys(defaultRegistry.tokenExchanges) {
		sb.WriteString(fmt.Sprintf("weatherhub_token_exchanges_total{outcome=\"%s\"} %d\n", outcome, defaultRegistry.tokenExchanges[outcome]))
	}

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
