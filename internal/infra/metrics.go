package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	listingsCreated  atomic.Uint64
	sales            atomic.Uint64
	relistings       atomic.Uint64
	feeUpdates       atomic.Uint64
	withdrawals      atomic.Uint64
	rejections       atomic.Uint64
	transferFailures atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordLatency records the duration of one ledger operation.
func (m *Metrics) RecordLatency(latencyNs int64) {
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordListing records a new listing.
func (m *Metrics) RecordListing() {
	m.listingsCreated.Add(1)
}

// RecordSale records a completed sale.
func (m *Metrics) RecordSale() {
	m.sales.Add(1)
}

// RecordRelisting records an item put back on sale.
func (m *Metrics) RecordRelisting() {
	m.relistings.Add(1)
}

// RecordFeeUpdate records a listing fee change.
func (m *Metrics) RecordFeeUpdate() {
	m.feeUpdates.Add(1)
}

// RecordWithdrawal records a treasury withdrawal.
func (m *Metrics) RecordWithdrawal() {
	m.withdrawals.Add(1)
}

// RecordRejection records a rejected operation.
func (m *Metrics) RecordRejection() {
	m.rejections.Add(1)
}

// RecordTransferFailure records a payment transfer that did not complete.
// Transfer failures are also rejections.
func (m *Metrics) RecordTransferFailure() {
	m.transferFailures.Add(1)
	m.rejections.Add(1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	ListingsCreated  uint64
	Sales            uint64
	Relistings       uint64
	FeeUpdates       uint64
	Withdrawals      uint64
	Rejections       uint64
	TransferFailures uint64
	AvgLatencyNs     int64
	Timestamp        time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		ListingsCreated:  m.listingsCreated.Load(),
		Sales:            m.sales.Load(),
		Relistings:       m.relistings.Load(),
		FeeUpdates:       m.feeUpdates.Load(),
		Withdrawals:      m.withdrawals.Load(),
		Rejections:       m.rejections.Load(),
		TransferFailures: m.transferFailures.Load(),
		AvgLatencyNs:     avgLatency,
		Timestamp:        time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.listingsCreated.Store(0)
	m.sales.Store(0)
	m.relistings.Store(0)
	m.feeUpdates.Store(0)
	m.withdrawals.Store(0)
	m.rejections.Store(0)
	m.transferFailures.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
}
