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

// Package stats accumulates per-lane record and byte counts for checkpoint
// intervals, once as records are read and once as they are committed.
package stats

import (
	"maps"
	"sync"

	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// Histogram maps a lane index to a counter. Histograms merge by pointwise sum.
type Histogram map[int]int64

// Add adds v to the counter of lane
func (h Histogram) Add(lane int, v int64) {
	h[lane] += v
}

// Merge adds every counter of other into h
func (h Histogram) Merge(other Histogram) {
	for lane, v := range other {
		h[lane] += v
	}
}

// Total sums all lanes
func (h Histogram) Total() int64 {
	var total int64
	for _, v := range h {
		total += v
	}
	return total
}

// Copy returns an independent copy of h
func (h Histogram) Copy() Histogram {
	if h == nil {
		return Histogram{}
	}
	return maps.Clone(h)
}

// Key identifies the records of one stream read within one checkpoint interval
type Key struct {
	Stream     message.StreamDescriptor
	Checkpoint message.CheckpointID
}

// PartitionStats holds the record and byte histograms of a key
type PartitionStats struct {
	Records Histogram
	Bytes   Histogram
}

// Totals sums both histograms
func (p PartitionStats) Totals() Totals {
	return Totals{Records: p.Records.Total(), Bytes: p.Bytes.Total()}
}

func (p PartitionStats) copy() PartitionStats {
	return PartitionStats{Records: p.Records.Copy(), Bytes: p.Bytes.Copy()}
}

// Totals are summed record and byte counts
type Totals struct {
	Records int64
	Bytes   int64
}

// Add returns the sum of t and o
func (t Totals) Add(o Totals) Totals {
	return Totals{Records: t.Records + o.Records, Bytes: t.Bytes + o.Bytes}
}

// store is a concurrent map of keys to histograms. Writers merge into an
// entry under the entry's own lock, so writers of different keys never
// contend. A removed entry is marked dead and writers that raced with the
// removal retry against a fresh entry.
type store struct {
	entries sync.Map // Key -> *entry
}

type entry struct {
	mu      sync.Mutex
	stats   PartitionStats
	removed bool
}

func (s *store) upsert(key Key, merge func(*PartitionStats)) {
	for {
		v, _ := s.entries.LoadOrStore(key, &entry{stats: PartitionStats{Records: Histogram{}, Bytes: Histogram{}}})
		e := v.(*entry)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		merge(&e.stats)
		e.mu.Unlock()
		return
	}
}

func (s *store) get(key Key) (PartitionStats, bool) {
	v, ok := s.entries.Load(key)
	if !ok {
		return PartitionStats{Records: Histogram{}, Bytes: Histogram{}}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.copy(), true
}

func (s *store) remove(key Key) (PartitionStats, bool) {
	v, ok := s.entries.LoadAndDelete(key)
	if !ok {
		return PartitionStats{Records: Histogram{}, Bytes: Histogram{}}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	return e.stats.copy(), true
}

func (s *store) len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// EmittedStatsStore counts records as the input consumer admits them
type EmittedStatsStore struct {
	s store
}

func NewEmittedStatsStore() *EmittedStatsStore {
	return &EmittedStatsStore{}
}

// Increment adds count records and bytes bytes on lane to key
func (e *EmittedStatsStore) Increment(key Key, lane int, count, bytes int64) {
	e.s.upsert(key, func(p *PartitionStats) {
		p.Records.Add(lane, count)
		p.Bytes.Add(lane, bytes)
	})
}

// Get returns a copy of the stats of key
func (e *EmittedStatsStore) Get(key Key) (PartitionStats, bool) {
	return e.s.get(key)
}

// Remove deletes key and returns what it held
func (e *EmittedStatsStore) Remove(key Key) (PartitionStats, bool) {
	return e.s.remove(key)
}

// Len returns the number of keys held
func (e *EmittedStatsStore) Len() int {
	return e.s.len()
}

// CommittedStatsStore counts records once the sink confirmed their write
type CommittedStatsStore struct {
	s store
}

func NewCommittedStatsStore() *CommittedStatsStore {
	return &CommittedStatsStore{}
}

// AcceptStats merges the histograms of a successful flush into key
func (c *CommittedStatsStore) AcceptStats(key Key, counts, bytes Histogram) {
	c.s.upsert(key, func(p *PartitionStats) {
		p.Records.Merge(counts)
		p.Bytes.Merge(bytes)
	})
}

// Get returns a copy of the stats of key
func (c *CommittedStatsStore) Get(key Key) (PartitionStats, bool) {
	return c.s.get(key)
}

// Remove deletes key and returns what it held
func (c *CommittedStatsStore) Remove(key Key) (PartitionStats, bool) {
	return c.s.remove(key)
}

// Len returns the number of keys held
func (c *CommittedStatsStore) Len() int {
	return c.s.len()
}
