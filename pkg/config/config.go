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
	"time"

	"github.com/united-manufacturing-hub/bulkload/pkg/message"
)

// FullConfig is the complete configuration of a sync
type FullConfig struct {
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Sync       SyncConfig       `yaml:"sync"`
	Memory     MemoryConfig     `yaml:"memory"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	FlushRetry FlushRetryConfig `yaml:"flushRetry"`
	Input      InputConfig      `yaml:"input"`
	Coercion   CoercionConfig   `yaml:"coercion"`
	Sink       SinkConfig       `yaml:"sink"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Port int `yaml:"port"` // Port to expose metrics on, 0 disables the endpoint
}

// SyncConfig controls the lifecycle of a sync
type SyncConfig struct {
	// DrainTimeout bounds the time between the end of input and a fully
	// drained pipeline. Exceeding it fails the sync.
	DrainTimeout time.Duration `yaml:"drainTimeout"`
	// HeartbeatInterval is how often idle lanes re-evaluate the flush strategy
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// MemoryConfig is the global memory budget and how it is split between queues
type MemoryConfig struct {
	TotalCapacityBytes int64       `yaml:"totalCapacityBytes"`
	InputQueue         QueueConfig `yaml:"inputQueue"`
	FlushQueue         QueueConfig `yaml:"flushQueue"`
}

// QueueConfig sizes one memory reserving queue
type QueueConfig struct {
	RatioOfTotalMemoryToReserve  float64 `yaml:"ratioOfTotalMemoryToReserve"`
	ExpectedResourceUsagePerUnit int64   `yaml:"expectedResourceUsagePerUnit"`
}

type PipelineConfig struct {
	NumPartitions                     int               `yaml:"numPartitions"`
	NumProducers                      int               `yaml:"numProducers"`
	MaxTimeWithoutFlushingDataSeconds int64             `yaml:"maxTimeWithoutFlushingDataSeconds"`
	MicroBatchSizeOverride            *int64            `yaml:"microBatchSizeOverride"`
	MaxAggregateBytes                 int64             `yaml:"maxAggregateBytes"`
	Partitioner                       PartitionerConfig `yaml:"partitioner"`
	// StatsMode selects the checkpoint enricher: "committed" or "none"
	StatsMode string `yaml:"statsMode"`
}

const (
	PartitionerRoundRobin = "round_robin"
	PartitionerKeyHash    = "key_hash"
	PartitionerStream     = "stream"

	StatsModeCommitted = "committed"
	StatsModeNone      = "none"
)

type PartitionerConfig struct {
	Type           string `yaml:"type"`
	RotationLength int    `yaml:"rotationLength"`
}

// FlushRetryConfig configures retries of failed aggregate flushes
type FlushRetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxRetries      uint64        `yaml:"maxRetries"`
}

const (
	InputStdin  = "stdin"
	InputSocket = "socket"
)

type InputConfig struct {
	Type         string `yaml:"type"`
	SocketPath   string `yaml:"socketPath"`
	MaxLineBytes int    `yaml:"maxLineBytes"`
}

type CoercionConfig struct {
	// MaxFieldBytes truncates longer string values, 0 disables truncation
	MaxFieldBytes int `yaml:"maxFieldBytes"`
}

const (
	SinkKafka   = "kafka"
	SinkBenthos = "benthos"
	SinkMemory  = "memory"
)

type SinkConfig struct {
	Type    string            `yaml:"type"`
	Kafka   KafkaSinkConfig   `yaml:"kafka"`
	Benthos BenthosSinkConfig `yaml:"benthos"`
}

type KafkaSinkConfig struct {
	Brokers         []string `yaml:"brokers"`
	ClientID        string   `yaml:"clientID"`
	TopicPrefix     string   `yaml:"topicPrefix"`
	TopicPartitions int32    `yaml:"topicPartitions"`
	// ReplicationFactor of created topics
	ReplicationFactor int16 `yaml:"replicationFactor"`
	// Format is "json" or "protobuf"
	Format string `yaml:"format"`
	// CachedTopics bounds the cache of topics known to exist
	CachedTopics int `yaml:"cachedTopics"`
}

type BenthosSinkConfig struct {
	// OutputYAML is a benthos output section, e.g. "stdout: {}"
	OutputYAML string `yaml:"output"`
}

type CatalogConfig struct {
	Streams []StreamConfig `yaml:"streams"`
}

// StreamConfig declares one stream of the sync
type StreamConfig struct {
	Namespace  string         `yaml:"namespace"`
	Name       string         `yaml:"name"`
	PrimaryKey []string       `yaml:"primaryKey"`
	JSONSchema map[string]any `yaml:"jsonSchema"`
}

// Descriptor returns the stream descriptor of the configured stream
func (s StreamConfig) Descriptor() message.StreamDescriptor {
	return message.StreamDescriptor{Namespace: s.Namespace, Name: s.Name}
}
