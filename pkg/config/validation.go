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

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfiguration is wrapped by every configuration error. These
// errors are fatal at startup and never retried.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ValidationError lists every problem found while validating a config
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidConfiguration, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// Errorf builds a configuration error outside of Validate, for example when
// runtime sizing turns out to be impossible
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

const (
	defaultTotalCapacityBytes       = 512 << 20
	defaultInputQueueRatio          = 0.2
	defaultInputQueueUnitBytes      = 4 << 10
	defaultFlushQueueRatio          = 0.4
	defaultMaxAggregateBytes        = 8 << 20
	defaultNumPartitions            = 4
	defaultNumProducers             = 1
	defaultMaxTimeWithoutFlushing   = 900
	defaultRotationLength           = 1000
	defaultDrainTimeout             = 10 * time.Minute
	defaultHeartbeatInterval        = time.Second
	defaultFlushRetryInitial        = 100 * time.Millisecond
	defaultFlushRetryMax            = 30 * time.Second
	defaultFlushRetryMaxRetries     = 5
	defaultMaxLineBytes             = 16 << 20
	defaultKafkaClientID            = "umh_bulkload"
	defaultKafkaTopicPartitionCount = 1
	defaultKafkaCachedTopics        = 1024
)

// ApplyDefaults fills every unset field with its default
func (c *FullConfig) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sync.DrainTimeout == 0 {
		c.Sync.DrainTimeout = defaultDrainTimeout
	}
	if c.Sync.HeartbeatInterval == 0 {
		c.Sync.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.Memory.TotalCapacityBytes == 0 {
		c.Memory.TotalCapacityBytes = defaultTotalCapacityBytes
	}
	if c.Memory.InputQueue.RatioOfTotalMemoryToReserve == 0 {
		c.Memory.InputQueue.RatioOfTotalMemoryToReserve = defaultInputQueueRatio
	}
	if c.Memory.InputQueue.ExpectedResourceUsagePerUnit == 0 {
		c.Memory.InputQueue.ExpectedResourceUsagePerUnit = defaultInputQueueUnitBytes
	}
	if c.Memory.FlushQueue.RatioOfTotalMemoryToReserve == 0 {
		c.Memory.FlushQueue.RatioOfTotalMemoryToReserve = defaultFlushQueueRatio
	}

	if c.Pipeline.NumPartitions == 0 {
		c.Pipeline.NumPartitions = defaultNumPartitions
	}
	if c.Pipeline.NumProducers == 0 {
		c.Pipeline.NumProducers = defaultNumProducers
	}
	if c.Pipeline.MaxTimeWithoutFlushingDataSeconds == 0 {
		c.Pipeline.MaxTimeWithoutFlushingDataSeconds = defaultMaxTimeWithoutFlushing
	}
	if c.Pipeline.MaxAggregateBytes == 0 {
		c.Pipeline.MaxAggregateBytes = defaultMaxAggregateBytes
	}
	// An aggregate is the unit of the flush queue
	if c.Memory.FlushQueue.ExpectedResourceUsagePerUnit == 0 {
		c.Memory.FlushQueue.ExpectedResourceUsagePerUnit = c.Pipeline.MaxAggregateBytes
	}
	if c.Pipeline.Partitioner.Type == "" {
		c.Pipeline.Partitioner.Type = PartitionerRoundRobin
	}
	if c.Pipeline.Partitioner.RotationLength == 0 {
		c.Pipeline.Partitioner.RotationLength = defaultRotationLength
	}
	if c.Pipeline.StatsMode == "" {
		c.Pipeline.StatsMode = StatsModeCommitted
	}

	if c.FlushRetry.InitialInterval == 0 {
		c.FlushRetry.InitialInterval = defaultFlushRetryInitial
	}
	if c.FlushRetry.MaxInterval == 0 {
		c.FlushRetry.MaxInterval = defaultFlushRetryMax
	}
	if c.FlushRetry.MaxRetries == 0 {
		c.FlushRetry.MaxRetries = defaultFlushRetryMaxRetries
	}

	if c.Input.Type == "" {
		c.Input.Type = InputStdin
	}
	if c.Input.MaxLineBytes == 0 {
		c.Input.MaxLineBytes = defaultMaxLineBytes
	}

	if c.Sink.Type == SinkKafka {
		if c.Sink.Kafka.ClientID == "" {
			c.Sink.Kafka.ClientID = defaultKafkaClientID
		}
		if c.Sink.Kafka.TopicPartitions == 0 {
			c.Sink.Kafka.TopicPartitions = defaultKafkaTopicPartitionCount
		}
		if c.Sink.Kafka.ReplicationFactor == 0 {
			c.Sink.Kafka.ReplicationFactor = 1
		}
		if c.Sink.Kafka.CachedTopics == 0 {
			c.Sink.Kafka.CachedTopics = defaultKafkaCachedTopics
		}
		if c.Sink.Kafka.Format == "" {
			c.Sink.Kafka.Format = "json"
		}
	}
}

// Validate checks the config for errors that make a sync impossible
func (c FullConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Memory.TotalCapacityBytes <= 0 {
		add("memory.totalCapacityBytes must be positive, got %d", c.Memory.TotalCapacityBytes)
	}
	for name, q := range map[string]QueueConfig{"inputQueue": c.Memory.InputQueue, "flushQueue": c.Memory.FlushQueue} {
		if q.RatioOfTotalMemoryToReserve <= 0 || q.RatioOfTotalMemoryToReserve > 1 {
			add("memory.%s.ratioOfTotalMemoryToReserve must be in (0, 1], got %v", name, q.RatioOfTotalMemoryToReserve)
		}
		if q.ExpectedResourceUsagePerUnit <= 0 {
			add("memory.%s.expectedResourceUsagePerUnit must be positive", name)
		}
	}
	if sum := c.Memory.InputQueue.RatioOfTotalMemoryToReserve + c.Memory.FlushQueue.RatioOfTotalMemoryToReserve; sum > 1 {
		add("memory queue ratios sum to %v, must not exceed 1", sum)
	}

	if c.Pipeline.NumPartitions <= 0 {
		add("pipeline.numPartitions must be positive, got %d", c.Pipeline.NumPartitions)
	}
	if c.Pipeline.NumProducers <= 0 {
		add("pipeline.numProducers must be positive, got %d", c.Pipeline.NumProducers)
	}
	if c.Pipeline.MaxTimeWithoutFlushingDataSeconds <= 0 {
		add("pipeline.maxTimeWithoutFlushingDataSeconds must be positive")
	}
	if m := c.Pipeline.MicroBatchSizeOverride; m != nil && *m <= 0 {
		add("pipeline.microBatchSizeOverride must be positive when set, got %d", *m)
	}
	if c.Pipeline.MaxAggregateBytes <= 0 {
		add("pipeline.maxAggregateBytes must be positive")
	}
	switch c.Pipeline.Partitioner.Type {
	case PartitionerRoundRobin, PartitionerKeyHash, PartitionerStream:
	default:
		add("unknown pipeline.partitioner.type %q", c.Pipeline.Partitioner.Type)
	}
	if c.Pipeline.Partitioner.RotationLength <= 0 {
		add("pipeline.partitioner.rotationLength must be positive")
	}
	switch c.Pipeline.StatsMode {
	case StatsModeCommitted, StatsModeNone:
	default:
		add("unknown pipeline.statsMode %q", c.Pipeline.StatsMode)
	}

	if c.FlushRetry.MaxInterval < c.FlushRetry.InitialInterval {
		add("flushRetry.maxInterval must not be smaller than flushRetry.initialInterval")
	}
	if c.Sync.DrainTimeout <= 0 {
		add("sync.drainTimeout must be positive")
	}
	if c.Sync.HeartbeatInterval <= 0 {
		add("sync.heartbeatInterval must be positive")
	}

	switch c.Input.Type {
	case InputStdin:
	case InputSocket:
		if c.Input.SocketPath == "" {
			add("input.socketPath is required for socket input")
		}
	default:
		add("unknown input.type %q", c.Input.Type)
	}
	if c.Coercion.MaxFieldBytes < 0 {
		add("coercion.maxFieldBytes must not be negative")
	}

	switch c.Sink.Type {
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 {
			add("sink.kafka.brokers is required")
		}
		if c.Sink.Kafka.Format != "json" && c.Sink.Kafka.Format != "protobuf" {
			add("sink.kafka.format must be json or protobuf, got %q", c.Sink.Kafka.Format)
		}
	case SinkBenthos:
		if strings.TrimSpace(c.Sink.Benthos.OutputYAML) == "" {
			add("sink.benthos.output is required")
		}
	case SinkMemory:
	default:
		add("unknown sink.type %q", c.Sink.Type)
	}

	if len(c.Catalog.Streams) == 0 {
		add("catalog.streams must declare at least one stream")
	}
	seen := make(map[string]bool, len(c.Catalog.Streams))
	for i, s := range c.Catalog.Streams {
		if s.Name == "" {
			add("catalog.streams[%d].name is required", i)
			continue
		}
		key := s.Descriptor().String()
		if seen[key] {
			add("catalog stream %s declared twice", key)
		}
		seen[key] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
