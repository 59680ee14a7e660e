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

	"github.com/united-manufacturing-hub/bulkload/pkg/backoff"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/metrics"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
	"github.com/united-manufacturing-hub/bulkload/pkg/stats"
)

// CheckpointEmitter emits the checkpoints whose data became committed
type CheckpointEmitter interface {
	TryEmit(ctx context.Context) (int, error)
}

// FlushStageConfig configures the handlers of the flush stage
type FlushStageConfig struct {
	Retry       config.FlushRetryConfig
	Committed   *stats.CommittedStatsStore
	Checkpoints CheckpointEmitter
	Logger      *zap.SugaredLogger
}

// FlushHandler writes aggregates to the sink, retrying the same aggregate on
// failure, and records what was committed
type FlushHandler struct {
	lane        int
	retry       *backoff.BackoffManager
	committed   *stats.CommittedStatsStore
	checkpoints CheckpointEmitter
	logger      *zap.SugaredLogger
}

var _ Handler[FlushBatch, struct{}] = (*FlushHandler)(nil)

func NewFlushHandler(lane int, cfg FlushStageConfig) *FlushHandler {
	log := logger.OrDefault(cfg.Logger, logger.ComponentFlushStage).With("lane", lane)
	return &FlushHandler{
		lane:        lane,
		retry:       backoff.NewBackoffManager(backoff.ConfigFromFlushRetry(cfg.Retry, fmt.Sprintf("flush-%d", lane), log)),
		committed:   cfg.Committed,
		checkpoints: cfg.Checkpoints,
		logger:      log,
	}
}

// NewFlushStep builds the terminal flush stage
func NewFlushStep(numWorkers int, input queue.Consumer[FlushBatch], cfg FlushStageConfig) *Step[FlushBatch, struct{}] {
	return &Step[FlushBatch, struct{}]{
		Name:       "flush",
		NumWorkers: numWorkers,
		Input:      input,
		NewHandler: func(lane int) (Handler[FlushBatch, struct{}], error) {
			return NewFlushHandler(lane, cfg), nil
		},
	}
}

func (h *FlushHandler) Handle(ctx context.Context, batch FlushBatch, _ Emit[struct{}]) error {
	b := batch.Buffered
	stream := b.Key().Stream.String()

	start := time.Now()
	err := h.retry.Retry(ctx, func(ctx context.Context) error {
		err := b.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			metrics.FlushAttempt(stream, metrics.FlushResultRetry)
			h.logger.Warnf("Flush of %d records of %s failed: %s", b.Count(), stream, err)
		}
		return err
	})
	metrics.ObserveFlushDuration(stream, time.Since(start))
	if err != nil {
		metrics.FlushAttempt(stream, metrics.FlushResultFailed)
		if h.retry.IsPermanentlyFailed() {
			h.logger.Errorf("Giving up on %d records of %s: %s", b.Count(), stream, backoff.ExtractOriginalError(err))
		} else if last := h.retry.GetLastError(); last != nil {
			h.logger.Warnf("Flush of %s interrupted while backing off from: %s", stream, last)
		}
		return fmt.Errorf("flushing %d records of %s: %w", b.Count(), stream, err)
	}
	metrics.FlushAttempt(stream, metrics.FlushResultSuccess)

	for key, ps := range b.Stats() {
		h.committed.AcceptStats(key, ps.Records, ps.Bytes)
	}
	metrics.RecordsCommitted(stream, b.Count())
	h.logger.Debugf("Committed %d records (%d bytes) of %s after %s (%s)",
		b.Count(), b.Bytes(), stream, time.Since(start), batch.Reason)

	if _, err := h.checkpoints.TryEmit(ctx); err != nil {
		return err
	}
	return nil
}

func (h *FlushHandler) Finish(context.Context, Emit[struct{}]) error {
	return nil
}
