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

package input

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/united-manufacturing-hub/bulkload/pkg/checkpoint"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/metrics"
	"github.com/united-manufacturing-hub/bulkload/pkg/partition"
	"github.com/united-manufacturing-hub/bulkload/pkg/pipeline"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
	"github.com/united-manufacturing-hub/bulkload/pkg/stats"
)

// ErrUnknownStream is returned for records of streams missing from the catalog
var ErrUnknownStream = errors.New("record of a stream not in the catalog")

// ConsumerConfig wires a Consumer
type ConsumerConfig struct {
	Catalog      []config.StreamConfig
	Partitioner  partition.InputPartitioner
	Checkpoints  *checkpoint.Manager
	Emitted      *stats.EmittedStatsStore
	Output       queue.Publisher[pipeline.Event]
	MaxLineBytes int
	Logger       *zap.SugaredLogger
}

// ConsumerStats counts what a consumer has read
type ConsumerStats struct {
	Records     int64
	Bytes       int64
	States      int64
	Ignored     int64
	Completions int64
}

// Consumer is the only reader of the input boundary. It turns frames into
// records, tags them with their checkpoint interval and lane, and publishes
// them into the input queue.
type Consumer struct {
	catalog      map[message.StreamDescriptor]struct{}
	partitioner  partition.InputPartitioner
	checkpoints  *checkpoint.Manager
	emitted      *stats.EmittedStatsStore
	output       queue.Publisher[pipeline.Event]
	maxLineBytes int

	warnLimiter *rate.Limiter

	mu        sync.Mutex
	stats     ConsumerStats
	completed []message.StreamDescriptor

	logger *zap.SugaredLogger
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	catalog := make(map[message.StreamDescriptor]struct{}, len(cfg.Catalog))
	for _, s := range cfg.Catalog {
		catalog[s.Descriptor()] = struct{}{}
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = bufio.MaxScanTokenSize
	}
	return &Consumer{
		catalog:      catalog,
		partitioner:  cfg.Partitioner,
		checkpoints:  cfg.Checkpoints,
		emitted:      cfg.Emitted,
		output:       cfg.Output,
		maxLineBytes: maxLine,
		warnLimiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		logger:       logger.OrDefault(cfg.Logger, logger.ComponentInputConsumer),
	}
}

// Run reads r until EOF. It does not close the output queue. Malformed
// frames and records of unknown streams are fatal.
func (c *Consumer) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64<<10, c.maxLineBytes)), c.maxLineBytes)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		if err := c.handleLine(ctx, raw); err != nil {
			return fmt.Errorf("input line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input after line %d: %w", line, err)
	}

	s := c.Stats()
	c.logger.Infof("Input ended after %d records (%d bytes), %d states, %d ignored frames",
		s.Records, s.Bytes, s.States, s.Ignored)
	return nil
}

func (c *Consumer) handleLine(ctx context.Context, raw []byte) error {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	switch frame.Type {
	case FrameRecord:
		return c.handleRecord(ctx, frame.Record)
	case FrameState:
		return c.handleState(ctx, frame.State)
	case FrameTrace:
		return c.handleTrace(ctx, frame.Trace)
	default:
		c.mu.Lock()
		c.stats.Ignored++
		c.mu.Unlock()
		if c.warnLimiter.Allow() {
			c.logger.Warnf("Ignoring %s frame", frame.Type)
		}
		return nil
	}
}

func (c *Consumer) handleRecord(ctx context.Context, rf *RecordFrame) error {
	stream := rf.Descriptor()
	if _, ok := c.catalog[stream]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	data, err := rf.Payload()
	if err != nil {
		return err
	}

	serialized := bytes.Clone(rf.Data)
	record := &message.Record{
		RawID:      uuid.NewString(),
		Stream:     stream,
		Checkpoint: c.checkpoints.CurrentCheckpoint(stream),
		EmittedAt:  rf.Time(),
		Data:       data,
		Serialized: serialized,
		SizeBytes:  int64(len(serialized)),
	}
	lane := c.partitioner.GetPartition(record, c.output.NumPartitions())

	// Emitted stats must be counted before the record can be committed
	c.emitted.Increment(stats.Key{Stream: stream, Checkpoint: record.Checkpoint}, lane, 1, record.SizeBytes)
	metrics.RecordIngested(stream.String(), record.SizeBytes)

	if err := c.output.Publish(ctx, pipeline.RecordEvent(record), lane); err != nil {
		return fmt.Errorf("publishing record of %s to lane %d: %w", stream, lane, err)
	}

	c.mu.Lock()
	c.stats.Records++
	c.stats.Bytes += record.SizeBytes
	c.mu.Unlock()
	return nil
}

func (c *Consumer) handleState(ctx context.Context, sf *StateFrame) error {
	cp, err := sf.Checkpoint()
	if err != nil {
		return err
	}
	if cp.Scope == message.ScopeStream {
		if _, ok := c.catalog[cp.Stream]; !ok {
			return fmt.Errorf("%w: state of %s", ErrUnknownStream, cp.Stream)
		}
	}
	if err := c.checkpoints.Accept(cp); err != nil {
		return err
	}
	if _, err := c.checkpoints.TryEmit(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.States++
	c.mu.Unlock()
	return nil
}

func (c *Consumer) handleTrace(ctx context.Context, tf *TraceFrame) error {
	if tf.Type != TraceStreamStatus || tf.StreamStatus == nil || tf.StreamStatus.Status != StreamStatusComplete {
		return nil
	}
	stream := tf.StreamStatus.Stream.Descriptor()
	if _, ok := c.catalog[stream]; !ok {
		return fmt.Errorf("%w: completion of %s", ErrUnknownStream, stream)
	}
	if err := c.output.Broadcast(ctx, pipeline.EndOfStreamEvent(stream)); err != nil {
		return fmt.Errorf("announcing end of %s: %w", stream, err)
	}
	c.logger.Infof("Stream %s complete", stream)

	c.mu.Lock()
	c.stats.Completions++
	c.completed = append(c.completed, stream)
	c.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the counters
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Completed returns the streams whose completion was announced, in order
func (c *Consumer) Completed() []message.StreamDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.StreamDescriptor(nil), c.completed...)
}
