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

// Package memory arbitrates the single global memory budget of a sync.
//
// Every queue that buffers data reserves its share of the budget once at
// construction and releases it once on close. Reservations block until the
// requested bytes are free, so the sum of active reservations never exceeds
// the configured capacity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/metrics"
)

var (
	// ErrExceedsCapacity is returned when a single request can never be
	// satisfied, not even by an idle manager
	ErrExceedsCapacity = fmt.Errorf("%w: reservation exceeds total memory capacity", config.ErrInvalidConfiguration)

	// ErrAlreadyReleased is returned when a reservation is released twice
	ErrAlreadyReleased = errors.New("reservation already released")
)

// ReservationManager hands out reservations against a fixed byte budget
type ReservationManager struct {
	capacity int64
	sem      *semaphore.Weighted
	reserved atomic.Int64
	logger   *zap.SugaredLogger
}

// Reservation is a claim on part of the memory budget
type Reservation struct {
	owner    string
	bytes    int64
	manager  *ReservationManager
	released atomic.Bool
}

// NewReservationManager creates a manager for totalCapacityBytes
func NewReservationManager(totalCapacityBytes int64, log *zap.SugaredLogger) (*ReservationManager, error) {
	if totalCapacityBytes <= 0 {
		return nil, config.Errorf("total memory capacity must be positive, got %d", totalCapacityBytes)
	}
	return &ReservationManager{
		capacity: totalCapacityBytes,
		sem:      semaphore.NewWeighted(totalCapacityBytes),
		logger:   logger.OrDefault(log, logger.ComponentReservationManager),
	}, nil
}

// Reserve blocks until bytes are available and commits the reservation.
// Requests larger than the total capacity fail immediately.
func (m *ReservationManager) Reserve(ctx context.Context, bytes int64, owner string) (*Reservation, error) {
	if err := m.check(bytes); err != nil {
		return nil, err
	}
	if err := m.sem.Acquire(ctx, bytes); err != nil {
		return nil, fmt.Errorf("waiting for %d bytes for %s: %w", bytes, owner, err)
	}
	return m.commit(bytes, owner), nil
}

// TryReserve reserves bytes only if they are available right now
func (m *ReservationManager) TryReserve(bytes int64, owner string) (*Reservation, bool) {
	if m.check(bytes) != nil {
		return nil, false
	}
	if !m.sem.TryAcquire(bytes) {
		return nil, false
	}
	return m.commit(bytes, owner), true
}

func (m *ReservationManager) check(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("cannot reserve a negative amount of memory: %d", bytes)
	}
	if bytes > m.capacity {
		return fmt.Errorf("%w: requested %d of %d bytes", ErrExceedsCapacity, bytes, m.capacity)
	}
	return nil
}

func (m *ReservationManager) commit(bytes int64, owner string) *Reservation {
	total := m.reserved.Add(bytes)
	metrics.SetMemoryReserved(total)
	m.logger.Debugf("Reserved %d bytes for %s (%d/%d in use)", bytes, owner, total, m.capacity)
	return &Reservation{owner: owner, bytes: bytes, manager: m}
}

// Capacity returns the total budget in bytes
func (m *ReservationManager) Capacity() int64 {
	return m.capacity
}

// Reserved returns the bytes held by active reservations
func (m *ReservationManager) Reserved() int64 {
	return m.reserved.Load()
}

// Available returns the bytes not held by any reservation
func (m *ReservationManager) Available() int64 {
	return m.capacity - m.reserved.Load()
}

// Owner returns the name the reservation was taken for
func (r *Reservation) Owner() string {
	return r.owner
}

// Bytes returns the reserved amount
func (r *Reservation) Bytes() int64 {
	return r.bytes
}

// Release returns the bytes to the manager and wakes waiters.
// Only the first call has an effect.
func (r *Reservation) Release() error {
	if !r.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyReleased, r.owner)
	}
	m := r.manager
	total := m.reserved.Add(-r.bytes)
	m.sem.Release(r.bytes)
	metrics.SetMemoryReserved(total)
	m.logger.Debugf("Released %d bytes of %s (%d/%d in use)", r.bytes, r.owner, total, m.capacity)
	return nil
}
