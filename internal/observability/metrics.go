package observability

import (
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu               sync.Mutex
	requestCount     map[string]int64
	errorCount       map[string]int64
	eventCount       map[string]int64
	denialCount      map[string]int64
	conflicts        int64
	deliveryFailures int64
	deliveries       int64
	openConns        int64
	projectionDrift  int64
	indexFailures    int64
}

// MetricsSnapshot is the JSON view served at /metrics.
type MetricsSnapshot struct {
	Requests         map[string]int64 `json:"requests"`
	Errors           map[string]int64 `json:"errors"`
	Events           map[string]int64 `json:"events"`
	Denials          map[string]int64 `json:"denials"`
	Conflicts        int64            `json:"conflicts"`
	Deliveries       int64            `json:"deliveries"`
	DeliveryFailures int64            `json:"delivery_failures"`
	OpenConnections  int64            `json:"open_connections"`
	ProjectionDrift  int64            `json:"projection_drift"`
	IndexFailures    int64            `json:"index_failures"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
		eventCount:   make(map[string]int64),
		denialCount:  make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordEvent counts a committed event by kind.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCount[kind]++
}

// RecordDenial counts a security-relevant authorization denial.
func (m *Metrics) RecordDenial(command string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denialCount[command]++
}

// RecordConflict counts a command rejected because the request changed under it.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

// RecordDelivery counts frames queued for live connections.
func (m *Metrics) RecordDelivery(n int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries += int64(n)
}

// RecordDeliveryFailure counts a frame dropped for a live connection.
func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveryFailures++
}

// ConnectionOpened tracks a registered live connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openConns++
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openConns--
}

// RecordProjectionDrift counts materialized rows rebuilt by the worker.
func (m *Metrics) RecordProjectionDrift() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projectionDrift++
}

func (m *Metrics) RecordIndexFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexFailures++
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Requests:         copyCounts(m.requestCount),
		Errors:           copyCounts(m.errorCount),
		Events:           copyCounts(m.eventCount),
		Denials:          copyCounts(m.denialCount),
		Conflicts:        m.conflicts,
		Deliveries:       m.deliveries,
		DeliveryFailures: m.deliveryFailures,
		OpenConnections:  m.openConns,
		ProjectionDrift:  m.projectionDrift,
		IndexFailures:    m.indexFailures,
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
