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

package queue

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/memory"
	"github.com/united-manufacturing-hub/bulkload/pkg/metrics"
)

// ErrInvalidSizing is returned when a queue cannot be sized from its
// parameters. It is a configuration error.
var ErrInvalidSizing = fmt.Errorf("%w: invalid queue sizing", config.ErrInvalidConfiguration)

// Sizing holds every intermediate value of the lane capacity computation
type Sizing struct {
	ReservedBytes   int64
	MinUnits        int64
	MaxMessageSize  int64
	ClampedSize     int64
	MaxNumUnits     int64
	TotalCapacity   int64
	PerLaneCapacity int64
}

// ComputeSizing derives the lane capacity of a queue from the bytes it
// reserved and the expected size of one unit.
//
// Every producer and every consumer may hold one unit outside the queue and
// every consumer needs room for at least one buffered unit, so the unit size
// is clamped until that minimum fits into the reservation. Each lane ends up
// with capacity of at least one.
func ComputeSizing(reservedBytes, expectedResourceUsagePerUnit int64, numProducers, numConsumers int) (Sizing, error) {
	if numProducers <= 0 {
		return Sizing{}, fmt.Errorf("%w: number of producers must be positive, got %d", ErrInvalidSizing, numProducers)
	}
	if numConsumers <= 0 {
		return Sizing{}, fmt.Errorf("%w: number of consumers must be positive, got %d", ErrInvalidSizing, numConsumers)
	}
	if expectedResourceUsagePerUnit <= 0 {
		return Sizing{}, fmt.Errorf("%w: expected resource usage per unit must be positive, got %d", ErrInvalidSizing, expectedResourceUsagePerUnit)
	}

	s := Sizing{ReservedBytes: reservedBytes}
	s.MinUnits = int64(numProducers) + 2*int64(numConsumers)
	s.MaxMessageSize = reservedBytes / s.MinUnits
	if s.MaxMessageSize <= 0 {
		return Sizing{}, fmt.Errorf("%w: %d reserved bytes cannot hold %d units", ErrInvalidSizing, reservedBytes, s.MinUnits)
	}
	s.ClampedSize = min(expectedResourceUsagePerUnit, s.MaxMessageSize)
	s.MaxNumUnits = reservedBytes / s.ClampedSize
	s.TotalCapacity = s.MaxNumUnits - int64(numProducers+numConsumers)
	s.PerLaneCapacity = max(1, s.TotalCapacity/int64(numConsumers))
	return s, nil
}

// MemoryReservingConfig configures a MemoryReservingPartitionedQueue
type MemoryReservingConfig struct {
	// Name identifies the queue in logs, metrics and its reservation
	Name                         string
	RatioOfTotalMemoryToReserve  float64
	NumProducers                 int
	NumConsumers                 int
	ExpectedResourceUsagePerUnit int64
}

// MemoryReservingPartitionedQueue is a PartitionedQueue with one lane per
// consumer whose capacity is derived from a memory reservation
type MemoryReservingPartitionedQueue[T any] struct {
	*PartitionedQueue[T]

	name        string
	reservation *memory.Reservation
	sizing      Sizing
	logger      *zap.SugaredLogger
}

// NewMemoryReservingPartitionedQueue reserves its share of the memory budget
// and sizes its lanes from it. The call blocks until the memory is available.
func NewMemoryReservingPartitionedQueue[T any](ctx context.Context, manager *memory.ReservationManager, cfg MemoryReservingConfig) (*MemoryReservingPartitionedQueue[T], error) {
	if cfg.RatioOfTotalMemoryToReserve <= 0 || cfg.RatioOfTotalMemoryToReserve > 1 {
		return nil, fmt.Errorf("%w: ratio of total memory to reserve must be in (0, 1], got %v", ErrInvalidSizing, cfg.RatioOfTotalMemoryToReserve)
	}
	requested := int64(math.Floor(cfg.RatioOfTotalMemoryToReserve * float64(manager.Capacity())))

	reservation, err := manager.Reserve(ctx, requested, cfg.Name)
	if err != nil {
		return nil, err
	}

	sizing, err := ComputeSizing(reservation.Bytes(), cfg.ExpectedResourceUsagePerUnit, cfg.NumProducers, cfg.NumConsumers)
	if err != nil {
		_ = reservation.Release()
		return nil, fmt.Errorf("sizing queue %s: %w", cfg.Name, err)
	}

	inner, err := NewPartitionedQueue[T](cfg.NumConsumers, int(sizing.PerLaneCapacity))
	if err != nil {
		_ = reservation.Release()
		return nil, fmt.Errorf("creating queue %s: %w", cfg.Name, err)
	}

	log := logger.For(logger.ComponentPartitionedQueue).With("queue", cfg.Name)
	log.Infof("Reserved %d bytes: %d lanes of %d units (unit size %d, requested %d)",
		sizing.ReservedBytes, cfg.NumConsumers, sizing.PerLaneCapacity, sizing.ClampedSize, cfg.ExpectedResourceUsagePerUnit)
	metrics.SetQueueLaneCapacity(cfg.Name, int(sizing.PerLaneCapacity))

	return &MemoryReservingPartitionedQueue[T]{
		PartitionedQueue: inner,
		name:             cfg.Name,
		reservation:      reservation,
		sizing:           sizing,
		logger:           log,
	}, nil
}

// Sizing returns the computed sizing of the queue
func (q *MemoryReservingPartitionedQueue[T]) Sizing() Sizing {
	return q.sizing
}

// Reservation returns the memory reservation backing the queue
func (q *MemoryReservingPartitionedQueue[T]) Reservation() *memory.Reservation {
	return q.reservation
}

// Close closes the lanes and only then releases the reservation, so the
// bytes of items still being drained stay accounted for
func (q *MemoryReservingPartitionedQueue[T]) Close() {
	q.PartitionedQueue.Close()
	if err := q.reservation.Release(); err == nil {
		q.logger.Debugf("Queue closed, reservation released")
	}
}
