// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulkload"

var (
	// memoryReservedBytes tracks the bytes held by active memory reservations
	memoryReservedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_reserved_bytes",
		Help:      "Bytes currently held by memory reservations",
	})

	// queueLaneCapacity is the per lane capacity computed for each queue
	queueLaneCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_lane_capacity",
		Help:      "Number of units each lane of a memory reserving queue can hold",
	}, []string{"queue"})

	recordsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_ingested_total",
		Help:      "Records read from the input boundary",
	}, []string{"stream"})

	bytesIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_ingested_total",
		Help:      "Estimated bytes read from the input boundary",
	}, []string{"stream"})

	recordsCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_committed_total",
		Help:      "Records durably written by the sink",
	}, []string{"stream"})

	// aggregateFlushesTotal counts flush attempts by outcome
	aggregateFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregate_flushes_total",
		Help:      "Aggregate flush attempts by result",
	}, []string{"stream", "result"})

	flushDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregate_flush_duration_seconds",
		Help:      "Time spent writing one aggregate to the sink, retries included",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stream"})

	checkpointsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_emitted_total",
		Help:      "Checkpoints surfaced upstream after commit",
	}, []string{"scope"})

	checkpointsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkpoints_pending",
		Help:      "Checkpoints waiting for their data to be committed",
	})
)

// Flush results used as label values
const (
	FlushResultSuccess = "success"
	FlushResultRetry   = "retry"
	FlushResultFailed  = "failed"
)

func SetMemoryReserved(bytes int64) {
	memoryReservedBytes.Set(float64(bytes))
}

func SetQueueLaneCapacity(queue string, capacity int) {
	queueLaneCapacity.WithLabelValues(queue).Set(float64(capacity))
}

// RecordIngested counts one record read from the input
func RecordIngested(stream string, bytes int64) {
	recordsIngestedTotal.WithLabelValues(stream).Inc()
	bytesIngestedTotal.WithLabelValues(stream).Add(float64(bytes))
}

func RecordsCommitted(stream string, count int64) {
	recordsCommittedTotal.WithLabelValues(stream).Add(float64(count))
}

// FlushAttempt counts one flush attempt with its result
func FlushAttempt(stream, result string) {
	aggregateFlushesTotal.WithLabelValues(stream, result).Inc()
}

func ObserveFlushDuration(stream string, d time.Duration) {
	flushDurationSeconds.WithLabelValues(stream).Observe(d.Seconds())
}

func CheckpointEmitted(scope string) {
	checkpointsEmittedTotal.WithLabelValues(scope).Inc()
}

func SetCheckpointsPending(n int) {
	checkpointsPending.Set(float64(n))
}

// ResetMetrics resets all vector metrics (for testing)
func ResetMetrics() {
	memoryReservedBytes.Set(0)
	checkpointsPending.Set(0)
	queueLaneCapacity.Reset()
	recordsIngestedTotal.Reset()
	bytesIngestedTotal.Reset()
	recordsCommittedTotal.Reset()
	aggregateFlushesTotal.Reset()
	flushDurationSeconds.Reset()
	checkpointsEmittedTotal.Reset()
}
