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

// Package checkpoint decides when an upstream checkpoint may be surfaced.
//
// Every record is tagged with the checkpoint interval of its stream that was
// open when the record was read. Accepting a checkpoint closes the intervals
// it covers. The checkpoint is emitted once the committed stats of all
// closed intervals have caught up with their emitted stats, and checkpoints
// are always emitted in the order they were accepted. A checkpoint is proof
// of commit, never proof of admission.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/metrics"
	"github.com/united-manufacturing-hub/bulkload/pkg/stats"
)

// ErrUncommittedCheckpoints is returned by Verify when accepted checkpoints
// could not be emitted because their data never reached the sink
var ErrUncommittedCheckpoints = errors.New("checkpoints left uncommitted")

type pendingCheckpoint struct {
	checkpoint message.Checkpoint
	keys       []stats.Key
	acceptedAt time.Time
}

// Manager tracks checkpoint intervals and emits checkpoints once their data
// is committed
type Manager struct {
	mu sync.Mutex

	open    map[message.StreamDescriptor]message.CheckpointID
	pending []pendingCheckpoint

	emitted   *stats.EmittedStatsStore
	committed *stats.CommittedStatsStore
	enricher  stats.StateStatsEnricher
	emitter   Emitter

	emittedCount int
	logger       *zap.SugaredLogger
}

// NewManager creates a manager reading the given stores
func NewManager(emitted *stats.EmittedStatsStore, committed *stats.CommittedStatsStore, enricher stats.StateStatsEnricher, emitter Emitter, log *zap.SugaredLogger) *Manager {
	if enricher == nil {
		enricher = stats.NoopStateStatsEnricher{}
	}
	return &Manager{
		open:      make(map[message.StreamDescriptor]message.CheckpointID),
		emitted:   emitted,
		committed: committed,
		enricher:  enricher,
		emitter:   emitter,
		logger:    logger.OrDefault(log, logger.ComponentCheckpointManager),
	}
}

// CurrentCheckpoint returns the open interval of stream. The first call for
// a stream registers it for global checkpoints.
func (m *Manager) CurrentCheckpoint(stream message.StreamDescriptor) message.CheckpointID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.open[stream]
	if !ok {
		m.open[stream] = 0
	}
	return id
}

// Accept closes the intervals cp covers and queues cp for emission.
// A stream checkpoint covers its own stream, a global checkpoint covers
// every stream seen so far.
func (m *Manager) Accept(cp message.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var streams []message.StreamDescriptor
	switch cp.Scope {
	case message.ScopeStream:
		if cp.Stream.IsZero() {
			return errors.New("stream checkpoint without stream descriptor")
		}
		streams = []message.StreamDescriptor{cp.Stream}
	case message.ScopeGlobal:
		streams = slices.SortedFunc(maps.Keys(m.open), message.CompareStreams)
	default:
		return fmt.Errorf("unknown checkpoint scope %q", cp.Scope)
	}

	keys := make([]stats.Key, 0, len(streams))
	for _, s := range streams {
		id := m.open[s]
		keys = append(keys, stats.Key{Stream: s, Checkpoint: id})
		m.open[s] = id + 1
	}

	m.pending = append(m.pending, pendingCheckpoint{checkpoint: cp, keys: keys, acceptedAt: time.Now()})
	metrics.SetCheckpointsPending(len(m.pending))
	m.logger.Debugf("Accepted %s checkpoint for %s covering %d intervals (%d pending)",
		cp.Scope, cp.Stream, len(keys), len(m.pending))
	return nil
}

// TryEmit emits every queued checkpoint whose data is committed, stopping at
// the first one that is not. It returns the number emitted.
func (m *Manager) TryEmit(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for len(m.pending) > 0 {
		head := m.pending[0]
		if !m.isCommitted(head.keys) {
			break
		}

		cp := head.checkpoint
		m.enricher.Enrich(&cp, head.keys)
		if err := m.emitter.Emit(ctx, cp.ToMessage()); err != nil {
			return n, fmt.Errorf("emitting checkpoint: %w", err)
		}

		for _, key := range head.keys {
			m.emitted.Remove(key)
			m.committed.Remove(key)
		}

		m.pending = m.pending[1:]
		m.emittedCount++
		n++
		metrics.CheckpointEmitted(string(cp.Scope))
		m.logger.Debugf("Emitted %s checkpoint for %s after %s", cp.Scope, cp.Stream, time.Since(head.acceptedAt))
	}
	metrics.SetCheckpointsPending(len(m.pending))
	return n, nil
}

// isCommitted reports whether every record read in the intervals has been
// committed. Intervals without records are trivially committed.
func (m *Manager) isCommitted(keys []stats.Key) bool {
	for _, key := range keys {
		emitted, ok := m.emitted.Get(key)
		if !ok {
			continue
		}
		committed, _ := m.committed.Get(key)
		e, c := emitted.Totals(), committed.Totals()
		if c.Records < e.Records || c.Bytes < e.Bytes {
			return false
		}
	}
	return true
}

// PendingCount returns the number of accepted but not yet emitted checkpoints
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// EmittedCount returns the number of checkpoints emitted so far
func (m *Manager) EmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emittedCount
}

// Verify reports checkpoints that are still queued. After a full drain any
// queued checkpoint covers data that never reached the sink.
func (m *Manager) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	head := m.pending[0]
	for _, key := range head.keys {
		emitted, _ := m.emitted.Get(key)
		committed, _ := m.committed.Get(key)
		m.logger.Errorf("Checkpoint interval %d of %s: emitted %+v, committed %+v",
			key.Checkpoint, key.Stream, emitted.Totals(), committed.Totals())
	}
	return fmt.Errorf("%w: %d pending, oldest accepted %s ago", ErrUncommittedCheckpoints, len(m.pending), time.Since(head.acceptedAt))
}
