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
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/pipeline"
	"github.com/united-manufacturing-hub/bulkload/pkg/queue"
)

// Heartbeater wakes idle lanes so aged aggregates are flushed even when no
// records arrive
type Heartbeater struct {
	interval time.Duration
	output   queue.Publisher[pipeline.Event]
	logger   *zap.SugaredLogger
}

func NewHeartbeater(interval time.Duration, output queue.Publisher[pipeline.Event], log *zap.SugaredLogger) *Heartbeater {
	return &Heartbeater{
		interval: interval,
		output:   output,
		logger:   logger.OrDefault(log, logger.ComponentHeartbeat),
	}
}

// Run broadcasts a heartbeat every interval until ctx is done or the queue
// is closed. Both end the heartbeater without error.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := h.output.Broadcast(ctx, pipeline.HeartbeatEvent())
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrClosed):
				h.logger.Debugf("Input queue closed, stopping heartbeats")
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}
	}
}
