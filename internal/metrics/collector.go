// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Byte metrics (only for transfer operations)
	TotalBytes int64
	MinBytes   int64
	MaxBytes   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Byte stats (nil if not applicable)
	TotalBytes *int64
	AvgBytes   *float64
	MinBytes   *int64
	MaxBytes   *int64
}

// Snapshot represents the full pipeline statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Fetch         *OperationSnapshot
	Verify        *OperationSnapshot
	Composite     *OperationSnapshot
	Metadata      *OperationSnapshot
}

// Operation names for the collector.
const (
	OpFetch     = "fetch"
	OpVerify    = "verify"
	OpComposite = "composite"
	OpMetadata  = "metadata"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime:  time.Duration(math.MaxInt64),
			MinBytes: math.MaxInt64,
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTransfer records timing and payload size for a transfer operation.
func (c *Collector) RecordTransfer(op string, duration time.Duration, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}

	m.TotalBytes += bytes

	if bytes < m.MinBytes {
		m.MinBytes = bytes
	}
	if bytes > m.MaxBytes {
		m.MaxBytes = bytes
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeBytes bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeBytes && m.TotalBytes > 0 {
		total := m.TotalBytes
		avg := float64(m.TotalBytes) / float64(m.Count)
		minB := m.MinBytes
		maxB := m.MaxBytes

		// Reset sentinel values for display
		if minB == math.MaxInt64 {
			minB = 0
		}

		snap.TotalBytes = &total
		snap.AvgBytes = &avg
		snap.MinBytes = &minB
		snap.MaxBytes = &maxB
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Fetch:         snapshotOp(c.ops[OpFetch], true),
		Verify:        snapshotOp(c.ops[OpVerify], false),
		Composite:     snapshotOp(c.ops[OpComposite], false),
		Metadata:      snapshotOp(c.ops[OpMetadata], false),
	}
}
