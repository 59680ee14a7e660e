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

package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/united-manufacturing-hub/bulkload/pkg/backoff"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
)

// Header keys set on every produced record
const (
	HeaderRawID     = "bulkload_raw_id"
	HeaderEmittedAt = "bulkload_emitted_at"
	HeaderChanges   = "bulkload_changes"
	HeaderTable     = "bulkload_table"
)

const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
)

// KafkaSink writes every table to its own topic, one record per row
type KafkaSink struct {
	cfg    config.KafkaSinkConfig
	client MessagePublisher

	// ensured caches topics known to exist
	ensured *lru.Cache
	// ensureMu serialises topic creation
	ensureMu sync.Mutex

	logger *zap.SugaredLogger
}

var _ Sink = (*KafkaSink)(nil)

// NewKafkaSink creates a sink backed by a franz-go client
func NewKafkaSink(cfg config.KafkaSinkConfig, log *zap.SugaredLogger) (*KafkaSink, error) {
	return NewKafkaSinkWithClient(NewClient(), cfg, log)
}

// NewKafkaSinkWithClient creates a sink over the given client
func NewKafkaSinkWithClient(client MessagePublisher, cfg config.KafkaSinkConfig, log *zap.SugaredLogger) (*KafkaSink, error) {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Format != FormatJSON && cfg.Format != FormatProtobuf {
		return nil, config.Errorf("unknown kafka format %q", cfg.Format)
	}
	if cfg.TopicPartitions < 1 {
		cfg.TopicPartitions = 1
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	cacheSize := cfg.CachedTopics
	if cacheSize < 1 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating topic cache: %w", err)
	}
	return &KafkaSink{
		cfg:     cfg,
		client:  client,
		ensured: cache,
		logger:  logger.OrDefault(log, logger.ComponentKafkaSink),
	}, nil
}

// Connect creates the kafka client
func (s *KafkaSink) Connect(ctx context.Context) error {
	s.logger.Infof("Connecting to kafka brokers: %v", s.cfg.Brokers)

	err := s.client.Connect(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ClientID(s.cfg.ClientID),
		kgo.DialTimeout(10*time.Second),
		// Every acknowledged batch backs a checkpoint, so all in-sync replicas must have it
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxBufferedRecords(10000),
		kgo.ProduceRequestTimeout(30*time.Second),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return fmt.Errorf("error while creating a kafka client with brokers %v: %w", s.cfg.Brokers, err)
	}
	return nil
}

// TopicFor returns the topic a table is written to
func (s *KafkaSink) TopicFor(table TableIdentifier) string {
	topic := s.cfg.TopicPrefix + table.String()
	sanitized := SanitizeName(topic)
	if sanitized != topic {
		s.logger.Debugf("Topic contained invalid characters and was sanitized: '%s' -> '%s'", topic, sanitized)
	}
	return sanitized
}

// EnsureTable creates the topic of table if it does not exist
func (s *KafkaSink) EnsureTable(ctx context.Context, table TableIdentifier) error {
	_, err := s.ensureTopic(ctx, table)
	return err
}

func (s *KafkaSink) ensureTopic(ctx context.Context, table TableIdentifier) (string, error) {
	topic := s.TopicFor(table)
	if s.ensured.Contains(topic) {
		return topic, nil
	}

	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured.Contains(topic) {
		return topic, nil
	}

	exists, partitions, err := s.client.IsTopicExists(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("error while checking if topic '%s' exists: %w", topic, err)
	}

	if exists {
		if partitions != int(s.cfg.TopicPartitions) {
			s.logger.Warnf("Topic '%s' has %d partition(s), configured %d. Using the existing topic",
				topic, partitions, s.cfg.TopicPartitions)
		}
	} else {
		if err := s.client.CreateTopic(ctx, topic, s.cfg.TopicPartitions, s.cfg.ReplicationFactor); err != nil {
			return "", fmt.Errorf("error while creating topic '%s': %w", topic, err)
		}
		s.logger.Infof("Created topic '%s' with %d partition(s)", topic, s.cfg.TopicPartitions)
	}

	s.ensured.Add(topic, struct{}{})
	return topic, nil
}

// Write produces one record per row and waits for all acknowledgements
func (s *KafkaSink) Write(ctx context.Context, table TableIdentifier, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	topic, err := s.ensureTopic(ctx, table)
	if err != nil {
		return err
	}

	records := make([]Record, 0, len(rows))
	for i, row := range rows {
		value, err := s.encode(row)
		if err != nil {
			// The same rows would fail the same way on every retry
			return backoff.Permanent(fmt.Errorf("error encoding row %d of %s: %w", i, table, err))
		}
		headers, err := rowHeaders(table, row)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("error encoding headers of row %d of %s: %w", i, table, err))
		}
		records = append(records, Record{
			Topic:   topic,
			Key:     []byte(row.RawID),
			Value:   value,
			Headers: headers,
		})
	}

	if err := s.client.ProduceSync(ctx, records); err != nil {
		return fmt.Errorf("error writing %d rows to topic '%s': %w", len(records), topic, err)
	}

	s.logger.Debugf("Successfully sent %d rows to topic '%s'", len(records), topic)
	return nil
}

func (s *KafkaSink) encode(row Row) ([]byte, error) {
	switch s.cfg.Format {
	case FormatProtobuf:
		st, err := structpb.NewStruct(structValues(row.Data))
		if err != nil {
			return nil, err
		}
		return proto.Marshal(st)
	default:
		return json.Marshal(row.Data)
	}
}

// structValues converts decoded numbers for structpb, which only carries
// doubles. Integers that a double cannot hold exactly are kept as their
// decimal string.
func structValues(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = structValue(v)
	}
	return out
}

func structValue(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			if i > maxExactDouble || i < -maxExactDouble {
				return v.String()
			}
			return float64(i)
		}
		if !strings.ContainsAny(v.String(), ".eE") {
			return v.String()
		}
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	case map[string]any:
		return structValues(v)
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = structValue(inner)
		}
		return out
	}
	return value
}

const maxExactDouble = 1 << 53

func rowHeaders(table TableIdentifier, row Row) (map[string][]byte, error) {
	headers := map[string][]byte{
		HeaderRawID:     []byte(row.RawID),
		HeaderEmittedAt: []byte(row.EmittedAt.UTC().Format(time.RFC3339Nano)),
		HeaderTable:     []byte(table.String()),
	}
	if len(row.Changes) > 0 {
		changes, err := json.Marshal(row.Changes)
		if err != nil {
			return nil, err
		}
		headers[HeaderChanges] = changes
	}
	return headers, nil
}

// Close closes the underlying kafka client
func (s *KafkaSink) Close(context.Context) error {
	s.logger.Infof("Closing kafka sink")
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.ensured.Purge()
	return err
}
