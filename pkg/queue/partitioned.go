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

// Package queue provides fixed-width sets of bounded FIFO lanes.
//
// A PartitionedQueue is the only hand-off point between pipeline stages.
// Publishing to a full lane blocks, which is how backpressure travels from
// the sink back to the input. Closing a queue stops publishers but lets
// consumers drain whatever is still buffered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
)

var (
	// ErrClosed is returned when publishing to a closed queue
	ErrClosed = errors.New("queue is closed")

	// ErrPartitionOutOfRange is returned for lanes outside [0, NumPartitions)
	ErrPartitionOutOfRange = errors.New("partition out of range")
)

// Publisher is the write side of a partitioned queue
type Publisher[T any] interface {
	Publish(ctx context.Context, value T, partition int) error
	Broadcast(ctx context.Context, value T) error
	NumPartitions() int
	Close()
}

// Consumer is the read side of a partitioned queue
type Consumer[T any] interface {
	Consume(ctx context.Context, partition int) iter.Seq[T]
	NumPartitions() int
}

// PartitionedQueue is a set of independent bounded FIFO lanes
type PartitionedQueue[T any] struct {
	lanes []chan T

	// mu guards closing the lanes against in-flight publishes.
	// Publishers hold the read lock while sending.
	mu     sync.RWMutex
	closed bool
}

var (
	_ Publisher[int] = (*PartitionedQueue[int])(nil)
	_ Consumer[int]  = (*PartitionedQueue[int])(nil)
)

// NewPartitionedQueue creates numPartitions lanes of perLaneCapacity each
func NewPartitionedQueue[T any](numPartitions, perLaneCapacity int) (*PartitionedQueue[T], error) {
	if numPartitions <= 0 {
		return nil, fmt.Errorf("%w: number of partitions must be positive, got %d", ErrInvalidSizing, numPartitions)
	}
	if perLaneCapacity <= 0 {
		return nil, fmt.Errorf("%w: lane capacity must be positive, got %d", ErrInvalidSizing, perLaneCapacity)
	}
	lanes := make([]chan T, numPartitions)
	for i := range lanes {
		lanes[i] = make(chan T, perLaneCapacity)
	}
	return &PartitionedQueue[T]{lanes: lanes}, nil
}

// NumPartitions returns the number of lanes
func (q *PartitionedQueue[T]) NumPartitions() int {
	return len(q.lanes)
}

// Cap returns the capacity of each lane
func (q *PartitionedQueue[T]) Cap() int {
	return cap(q.lanes[0])
}

// Len returns the number of items buffered in a lane
func (q *PartitionedQueue[T]) Len(partition int) int {
	if partition < 0 || partition >= len(q.lanes) {
		return 0
	}
	return len(q.lanes[partition])
}

// Publish appends value to one lane, blocking while the lane is full
func (q *PartitionedQueue[T]) Publish(ctx context.Context, value T, partition int) error {
	if partition < 0 || partition >= len(q.lanes) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPartitionOutOfRange, partition, len(q.lanes))
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return send(ctx, q.lanes[partition], value)
}

// Broadcast appends value to every lane in lane order
func (q *PartitionedQueue[T]) Broadcast(ctx context.Context, value T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	for _, lane := range q.lanes {
		if err := send(ctx, lane, value); err != nil {
			return err
		}
	}
	return nil
}

func send[T any](ctx context.Context, lane chan T, value T) error {
	// Prefer the lane when both are ready so a cancelled context never
	// hides a successful send
	select {
	case lane <- value:
		return nil
	default:
	}
	select {
	case lane <- value:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the items of one lane in publish order. The sequence ends
// once the queue is closed and the lane is drained, or when ctx is done.
// Every call yields from the same lane, so a sequence can be resumed by
// calling Consume again.
func (q *PartitionedQueue[T]) Consume(ctx context.Context, partition int) iter.Seq[T] {
	return func(yield func(T) bool) {
		if partition < 0 || partition >= len(q.lanes) {
			return
		}
		lane := q.lanes[partition]
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-lane:
				if !ok {
					return
				}
				if !yield(v) {
					return
				}
			}
		}
	}
}

// Close stops further publishes. Buffered items remain consumable.
// Close waits for publishes that are already blocked on a full lane.
func (q *PartitionedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
}

// IsClosed reports whether Close has been called
func (q *PartitionedQueue[T]) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
