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

package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/aggregate"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
)

// AggregateStageConfig configures the handlers of the aggregate stage
type AggregateStageConfig struct {
	Factory  aggregate.Factory
	Strategy FlushStrategy
	// MaxAggregateBytes hands off an aggregate once it buffers that many
	// bytes, 0 disables the limit
	MaxAggregateBytes int64
	// Now defaults to time.Now
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// AggregateHandler owns the open aggregates of one lane and hands them to
// the flush stage when they are due
type AggregateHandler struct {
	lane     int
	store    *aggregate.Store
	strategy FlushStrategy
	maxBytes int64
	now      func() time.Time
	logger   *zap.SugaredLogger
}

var _ Handler[Event, FlushBatch] = (*AggregateHandler)(nil)

func NewAggregateHandler(lane int, cfg AggregateStageConfig) *AggregateHandler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &AggregateHandler{
		lane:     lane,
		store:    aggregate.NewStore(lane, cfg.Factory),
		strategy: cfg.Strategy,
		maxBytes: cfg.MaxAggregateBytes,
		now:      now,
		logger:   logger.OrDefault(cfg.Logger, logger.ComponentAggregateStage).With("lane", lane),
	}
}

// NewAggregateStep builds the aggregate stage over the input and flush queues
func NewAggregateStep(numWorkers int, input queue.Consumer[Event], output queue.Publisher[FlushBatch], cfg AggregateStageConfig) *Step[Event, FlushBatch] {
	return &Step[Event, FlushBatch]{
		Name:       "aggregate",
		NumWorkers: numWorkers,
		Input:      input,
		Output:     output,
		NewHandler: func(lane int) (Handler[Event, FlushBatch], error) {
			return NewAggregateHandler(lane, cfg), nil
		},
	}
}

func (h *AggregateHandler) Handle(ctx context.Context, ev Event, emit Emit[FlushBatch]) error {
	switch ev.Kind {
	case EventRecord:
		return h.accept(ctx, ev.Record, emit)
	case EventHeartbeat:
		return h.checkAge(ctx, emit)
	case EventEndOfStream:
		return h.handOff(ctx, ev.Stream, ReasonEndOfStream, emit)
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

func (h *AggregateHandler) accept(ctx context.Context, record *message.Record, emit Emit[FlushBatch]) error {
	b, err := h.store.GetOrCreate(record.Stream)
	if err != nil {
		return err
	}
	now := h.now()
	b.Accept(record, now)

	switch {
	case h.strategy.ShouldFlush(b.Count(), b.AgeMillis(now)):
		return h.handOff(ctx, record.Stream, ReasonStrategy, emit)
	case h.maxBytes > 0 && b.Bytes() >= h.maxBytes:
		return h.handOff(ctx, record.Stream, ReasonSize, emit)
	}
	return nil
}

func (h *AggregateHandler) checkAge(ctx context.Context, emit Emit[FlushBatch]) error {
	now := h.now()
	for _, stream := range h.store.Streams() {
		b, _ := h.store.Get(stream)
		if h.strategy.ShouldFlush(b.Count(), b.AgeMillis(now)) {
			if err := h.handOff(ctx, stream, ReasonHeartbeat, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// handOff removes the open aggregate of stream and publishes it. The next
// record of the stream starts a new aggregate.
func (h *AggregateHandler) handOff(ctx context.Context, stream message.StreamDescriptor, reason string, emit Emit[FlushBatch]) error {
	b, ok := h.store.Take(stream)
	if !ok {
		return nil
	}
	h.logger.Debugf("Handing off %d records (%d bytes) of %s: %s", b.Count(), b.Bytes(), stream, reason)
	return emit(ctx, FlushBatch{Buffered: b, Reason: reason})
}

// Finish hands off every aggregate still open once the lane is drained
func (h *AggregateHandler) Finish(ctx context.Context, emit Emit[FlushBatch]) error {
	for _, b := range h.store.TakeAll() {
		if err := emit(ctx, FlushBatch{Buffered: b, Reason: ReasonDrain}); err != nil {
			return err
		}
	}
	return nil
}
