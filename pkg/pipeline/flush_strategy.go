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
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
)

// FlushStrategy decides whether an aggregate must be flushed
type FlushStrategy interface {
	ShouldFlush(inputCountSinceLastFlush, dataAgeMillis int64) bool
}

// PipelineFlushStrategy flushes once the oldest buffered record reaches the
// maximum age. A configured micro batch size M additionally flushes every M
// records. An empty aggregate is never flushed.
type PipelineFlushStrategy struct {
	microBatchSize *int64
	maxAgeMillis   int64
}

var _ FlushStrategy = (*PipelineFlushStrategy)(nil)

func NewPipelineFlushStrategy(cfg config.PipelineConfig) *PipelineFlushStrategy {
	return &PipelineFlushStrategy{
		microBatchSize: cfg.MicroBatchSizeOverride,
		maxAgeMillis:   cfg.MaxTimeWithoutFlushingDataSeconds * 1000,
	}
}

func (s *PipelineFlushStrategy) ShouldFlush(inputCountSinceLastFlush, dataAgeMillis int64) bool {
	if inputCountSinceLastFlush <= 0 {
		return false
	}
	if s.microBatchSize != nil && inputCountSinceLastFlush >= max(1, *s.microBatchSize) {
		return true
	}
	return dataAgeMillis >= s.maxAgeMillis
}
