package collector

import (
	"sync"
	"sync/atomic"
	"time"
)

// FetchStats summarizes one fetcher's activity.
type FetchStats struct {
	PagesFetched      int64         `json:"pages_fetched"`
	RecordsCollected  int64         `json:"records_collected"`
	DuplicatesDropped int64         `json:"duplicates_dropped"`
	Retries           int64         `json:"retries"`
	ErrorCount        int64         `json:"error_count"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	Elapsed           time.Duration `json:"elapsed"`
	StopReason        string        `json:"stop_reason,omitempty"`
}

// metricsCollector tracks fetch performance and statistics
type metricsCollector struct {
	pagesFetched      int64
	recordsCollected  int64
	duplicatesDropped int64
	retries           int64
	errorCount        int64

	totalResponseTime int64 // nanoseconds
	responseCount     int64

	startTime  time.Time
	stopReason string
	mutex      sync.RWMutex
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		startTime: time.Now(),
	}
}

// recordPage records a successful response
func (m *metricsCollector) recordPage() {
	atomic.AddInt64(&m.pagesFetched, 1)
}

// recordRecords records the size of a finished result before and after dedup
func (m *metricsCollector) recordRecords(collected, dropped int) {
	atomic.AddInt64(&m.recordsCollected, int64(collected))
	atomic.AddInt64(&m.duplicatesDropped, int64(dropped))
}

// recordRetries records retries spent on one request
func (m *metricsCollector) recordRetries(n int) {
	if n > 0 {
		atomic.AddInt64(&m.retries, int64(n))
	}
}

// recordError records a failed attempt
func (m *metricsCollector) recordError() {
	atomic.AddInt64(&m.errorCount, 1)
}

// recordResponseTime records API response time
func (m *metricsCollector) recordResponseTime(duration time.Duration) {
	atomic.AddInt64(&m.totalResponseTime, duration.Nanoseconds())
	atomic.AddInt64(&m.responseCount, 1)
}

// recordStop records why the last pagination run ended
func (m *metricsCollector) recordStop(reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopReason = reason
}

// getStats returns current metrics snapshot
func (m *metricsCollector) getStats() *FetchStats {
	totalResponseTime := atomic.LoadInt64(&m.totalResponseTime)
	responseCount := atomic.LoadInt64(&m.responseCount)

	var avgResponseTime time.Duration
	if responseCount > 0 {
		avgResponseTime = time.Duration(totalResponseTime / responseCount)
	}

	m.mutex.RLock()
	stopReason := m.stopReason
	m.mutex.RUnlock()

	return &FetchStats{
		PagesFetched:      atomic.LoadInt64(&m.pagesFetched),
		RecordsCollected:  atomic.LoadInt64(&m.recordsCollected),
		DuplicatesDropped: atomic.LoadInt64(&m.duplicatesDropped),
		Retries:           atomic.LoadInt64(&m.retries),
		ErrorCount:        atomic.LoadInt64(&m.errorCount),
		AvgResponseTime:   avgResponseTime,
		Elapsed:           time.Since(m.startTime),
		StopReason:        stopReason,
	}
}
