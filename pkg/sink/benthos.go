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
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
)

// Metadata keys set on every benthos message
const (
	MetaTableNamespace = "bulkload_table_namespace"
	MetaTableName      = "bulkload_table_name"
	MetaRawID          = "bulkload_raw_id"
	MetaEmittedAt      = "bulkload_emitted_at"
	MetaChanges        = "bulkload_changes"
)

// ErrNotConnected is returned when writing to a sink before Connect
var ErrNotConnected = errors.New("sink is not connected")

// BenthosSink writes rows through any benthos output. Each row becomes one
// message whose body is the JSON payload and whose metadata names its table.
// A write returns once the output acknowledged the whole batch.
type BenthosSink struct {
	outputYAML string

	send   service.MessageBatchHandlerFunc
	stream *service.Stream
	done   chan error

	logger *zap.SugaredLogger
}

var _ Sink = (*BenthosSink)(nil)

// NewBenthosSink creates a sink for the given benthos output config
func NewBenthosSink(outputYAML string, log *zap.SugaredLogger) *BenthosSink {
	return &BenthosSink{
		outputYAML: outputYAML,
		logger:     logger.OrDefault(log, logger.ComponentBenthosSink),
	}
}

// Connect builds and starts the benthos stream
func (s *BenthosSink) Connect(ctx context.Context) error {
	builder := service.NewStreamBuilder()

	if err := builder.AddOutputYAML(s.outputYAML); err != nil {
		return fmt.Errorf("error parsing benthos output: %w", err)
	}
	// Benthos writes its logs to stdout, which carries the checkpoint stream
	if err := builder.SetLoggerYAML(`level: off`); err != nil {
		return err
	}
	if err := builder.SetTracerYAML(`type: none`); err != nil {
		return err
	}

	send, err := builder.AddBatchProducerFunc()
	if err != nil {
		return err
	}

	stream, err := builder.Build()
	if err != nil {
		return fmt.Errorf("error building benthos stream: %w", err)
	}

	s.send = send
	s.stream = stream
	s.done = make(chan error, 1)
	go func() {
		// The stream outlives the connect context and ends with Close
		s.done <- stream.Run(context.Background())
	}()

	s.logger.Infof("Benthos output stream started")
	return nil
}

// EnsureTable is a no-op, benthos outputs create their targets on write
func (s *BenthosSink) EnsureTable(_ context.Context, table TableIdentifier) error {
	s.logger.Debugf("Table %s will be created by the benthos output on first write", table)
	return nil
}

// Write sends rows as one batch and waits for its acknowledgement
func (s *BenthosSink) Write(ctx context.Context, table TableIdentifier, rows []Row) error {
	if s.send == nil {
		return ErrNotConnected
	}
	if len(rows) == 0 {
		return nil
	}
	select {
	case err := <-s.done:
		s.done <- err
		return fmt.Errorf("benthos stream stopped: %w", err)
	default:
	}

	batch := make(service.MessageBatch, 0, len(rows))
	for i, row := range rows {
		body, err := json.Marshal(row.Data)
		if err != nil {
			return fmt.Errorf("error encoding row %d of %s: %w", i, table, err)
		}
		msg := service.NewMessage(body)
		msg.MetaSetMut(MetaTableNamespace, table.Namespace)
		msg.MetaSetMut(MetaTableName, table.Name)
		msg.MetaSetMut(MetaRawID, row.RawID)
		msg.MetaSetMut(MetaEmittedAt, row.EmittedAt.UTC().Format(time.RFC3339Nano))
		if len(row.Changes) > 0 {
			changes, err := json.Marshal(row.Changes)
			if err != nil {
				return fmt.Errorf("error encoding changes of row %d of %s: %w", i, table, err)
			}
			msg.MetaSetMut(MetaChanges, string(changes))
		}
		batch = append(batch, msg)
	}

	if err := s.send(ctx, batch); err != nil {
		return fmt.Errorf("error writing %d rows of %s to benthos output: %w", len(rows), table, err)
	}
	s.logger.Debugf("Successfully sent %d rows of %s", len(rows), table)
	return nil
}

// Close stops the benthos stream, waiting for pending writes
func (s *BenthosSink) Close(ctx context.Context) error {
	if s.stream == nil {
		return nil
	}
	s.logger.Infof("Stopping benthos output stream")
	err := s.stream.Stop(ctx)
	s.stream = nil
	s.send = nil
	return err
}
