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

// Package aggregate accumulates records of one stream on one lane until the
// pipeline decides to flush them to the sink.
package aggregate

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/stats"
)

// Aggregate is the buffer of one partition key.
//
// Accept must not block. Flush writes everything accepted so far and may be
// called again after a failure, so it must keep its contents until a flush
// succeeds.
type Aggregate interface {
	Accept(record *message.Record)
	Flush(ctx context.Context) error
}

// Factory creates the aggregate of a partition key
type Factory interface {
	Create(key message.PartitionKey) (Aggregate, error)
}

// Tally counts the records of one checkpoint interval held by an aggregate
type Tally struct {
	Records int64
	Bytes   int64
}

// Buffered wraps an aggregate with the accounting the pipeline needs to
// decide when to flush and what a flush commits
type Buffered struct {
	key       message.PartitionKey
	aggregate Aggregate

	count   int64
	bytes   int64
	oldest  time.Time
	tallies map[message.CheckpointID]Tally
}

// NewBuffered wraps aggregate for key
func NewBuffered(key message.PartitionKey, aggregate Aggregate) *Buffered {
	return &Buffered{
		key:       key,
		aggregate: aggregate,
		tallies:   make(map[message.CheckpointID]Tally),
	}
}

// Accept hands record to the aggregate and accounts for it
func (b *Buffered) Accept(record *message.Record, now time.Time) {
	b.aggregate.Accept(record)
	if b.count == 0 {
		b.oldest = now
	}
	b.count++
	b.bytes += record.SizeBytes
	t := b.tallies[record.Checkpoint]
	t.Records++
	t.Bytes += record.SizeBytes
	b.tallies[record.Checkpoint] = t
}

// Key returns the partition key of the aggregate
func (b *Buffered) Key() message.PartitionKey {
	return b.key
}

// Count returns the number of records accepted
func (b *Buffered) Count() int64 {
	return b.count
}

// Bytes returns the summed size of the records accepted
func (b *Buffered) Bytes() int64 {
	return b.bytes
}

// AgeMillis returns the time since the oldest buffered record was accepted
func (b *Buffered) AgeMillis(now time.Time) int64 {
	if b.count == 0 {
		return 0
	}
	return now.Sub(b.oldest).Milliseconds()
}

// Flush writes the buffered records
func (b *Buffered) Flush(ctx context.Context) error {
	return b.aggregate.Flush(ctx)
}

// Stats returns the histograms a successful flush commits, keyed by
// checkpoint interval
func (b *Buffered) Stats() map[stats.Key]stats.PartitionStats {
	out := make(map[stats.Key]stats.PartitionStats, len(b.tallies))
	for id, t := range b.tallies {
		out[stats.Key{Stream: b.key.Stream, Checkpoint: id}] = stats.PartitionStats{
			Records: stats.Histogram{b.key.Partition: t.Records},
			Bytes:   stats.Histogram{b.key.Partition: t.Bytes},
		}
	}
	return out
}

// Store holds the open aggregates of one lane. It is owned by a single
// pipeline task and is not safe for concurrent use.
type Store struct {
	lane    int
	factory Factory
	open    map[message.StreamDescriptor]*Buffered
}

// NewStore creates the store of lane
func NewStore(lane int, factory Factory) *Store {
	return &Store{
		lane:    lane,
		factory: factory,
		open:    make(map[message.StreamDescriptor]*Buffered),
	}
}

// GetOrCreate returns the open aggregate of stream, creating it if needed
func (s *Store) GetOrCreate(stream message.StreamDescriptor) (*Buffered, error) {
	if b, ok := s.open[stream]; ok {
		return b, nil
	}
	key := message.PartitionKey{Stream: stream, Partition: s.lane}
	agg, err := s.factory.Create(key)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate for %s on lane %d: %w", stream, s.lane, err)
	}
	b := NewBuffered(key, agg)
	s.open[stream] = b
	return b, nil
}

// Get returns the open aggregate of stream
func (s *Store) Get(stream message.StreamDescriptor) (*Buffered, bool) {
	b, ok := s.open[stream]
	return b, ok
}

// Take removes and returns the open aggregate of stream. The next record
// of the stream starts a new aggregate.
func (s *Store) Take(stream message.StreamDescriptor) (*Buffered, bool) {
	b, ok := s.open[stream]
	if ok {
		delete(s.open, stream)
	}
	return b, ok
}

// TakeAll removes every open aggregate, ordered by stream
func (s *Store) TakeAll() []*Buffered {
	out := make([]*Buffered, 0, len(s.open))
	for _, stream := range s.Streams() {
		b, _ := s.Take(stream)
		out = append(out, b)
	}
	return out
}

// Streams returns the streams with an open aggregate, ordered
func (s *Store) Streams() []message.StreamDescriptor {
	streams := make([]message.StreamDescriptor, 0, len(s.open))
	for stream := range s.open {
		streams = append(streams, stream)
	}
	slices.SortFunc(streams, message.CompareStreams)
	return streams
}

// Len returns the number of open aggregates
func (s *Store) Len() int {
	return len(s.open)
}
