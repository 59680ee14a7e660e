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

// Package partition assigns input records to pipeline lanes.
package partition

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// InputPartitioner picks the lane of a record. Given the same call history
// it must return the same lanes, and over a long run it must reach every
// lane in [0, numPartitions).
type InputPartitioner interface {
	GetPartition(record *message.Record, numPartitions int) int
}

// New builds the partitioner selected in the pipeline config
func New(cfg config.PartitionerConfig, catalog []config.StreamConfig) (InputPartitioner, error) {
	switch cfg.Type {
	case config.PartitionerRoundRobin:
		return NewRoundRobinPartitioner(cfg.RotationLength), nil
	case config.PartitionerKeyHash:
		keys := make(map[message.StreamDescriptor][]string, len(catalog))
		for _, s := range catalog {
			keys[s.Descriptor()] = s.PrimaryKey
		}
		return NewKeyHashPartitioner(keys), nil
	case config.PartitionerStream:
		return NewStreamPartitioner(), nil
	default:
		return nil, config.Errorf("unknown partitioner %q", cfg.Type)
	}
}

// RoundRobinPartitioner returns the same lane for rotationLength
// consecutive calls and then moves on to the next lane
type RoundRobinPartitioner struct {
	mu             sync.Mutex
	rotationLength int
	calls          uint64
}

// NewRoundRobinPartitioner creates a round robin partitioner. Rotation
// lengths below one are treated as one.
func NewRoundRobinPartitioner(rotationLength int) *RoundRobinPartitioner {
	return &RoundRobinPartitioner{rotationLength: max(1, rotationLength)}
}

func (p *RoundRobinPartitioner) GetPartition(_ *message.Record, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.mu.Unlock()
	return int((n / uint64(p.rotationLength)) % uint64(numPartitions))
}

// KeyHashPartitioner hashes the primary key values of a record so all
// versions of a row land on the same lane. Streams without a primary key
// are hashed by stream.
type KeyHashPartitioner struct {
	primaryKeys map[message.StreamDescriptor][]string
}

func NewKeyHashPartitioner(primaryKeys map[message.StreamDescriptor][]string) *KeyHashPartitioner {
	return &KeyHashPartitioner{primaryKeys: primaryKeys}
}

func (p *KeyHashPartitioner) GetPartition(record *message.Record, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	h := xxhash.New()
	writeStream(h, record.Stream)
	for _, field := range p.primaryKeys[record.Stream] {
		_, _ = h.WriteString(field)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(fmt.Sprint(record.Data[field]))
		_, _ = h.WriteString("\x00")
	}
	return int(h.Sum64() % uint64(numPartitions))
}

// StreamPartitioner keeps every record of a stream on one lane
type StreamPartitioner struct{}

func NewStreamPartitioner() StreamPartitioner {
	return StreamPartitioner{}
}

func (StreamPartitioner) GetPartition(record *message.Record, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	h := xxhash.New()
	writeStream(h, record.Stream)
	return int(h.Sum64() % uint64(numPartitions))
}

func writeStream(h *xxhash.Digest, s message.StreamDescriptor) {
	_, _ = h.WriteString(s.Namespace)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(s.Name)
	_, _ = h.WriteString("\x00")
}
