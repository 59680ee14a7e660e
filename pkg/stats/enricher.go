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

package stats

import (
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// StateStatsEnricher attaches stats to a checkpoint right before it is
// surfaced upstream
type StateStatsEnricher interface {
	Enrich(cp *message.Checkpoint, keys []Key)
}

// CommittedStateStatsEnricher reports the committed counts of exactly the
// keys a checkpoint covers. It only reads the store. The owner of the keys
// removes them once the checkpoint has been emitted
type CommittedStateStatsEnricher struct {
	committed *CommittedStatsStore
}

func NewCommittedStateStatsEnricher(committed *CommittedStatsStore) *CommittedStateStatsEnricher {
	return &CommittedStateStatsEnricher{committed: committed}
}

func (e *CommittedStateStatsEnricher) Enrich(cp *message.Checkpoint, keys []Key) {
	var totals Totals
	for _, key := range keys {
		if s, ok := e.committed.Get(key); ok {
			totals = totals.Add(s.Totals())
		}
	}
	cp.Stats = &message.CheckpointStats{RecordCount: totals.Records, ByteCount: totals.Bytes}
}

// NoopStateStatsEnricher leaves checkpoints without stats
type NoopStateStatsEnricher struct{}

func (NoopStateStatsEnricher) Enrich(*message.Checkpoint, []Key) {}
