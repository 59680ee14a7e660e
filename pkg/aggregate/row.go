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

package aggregate

import (
	"context"

	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/sink"
)

// RowAggregate buffers rows of one table and writes them in one batch.
// Rows are kept until a write succeeds, later flushes are no-ops.
type RowAggregate struct {
	table   sink.TableIdentifier
	sink    sink.Sink
	coercer *Coercer
	rows    []sink.Row
	flushed bool
}

var _ Aggregate = (*RowAggregate)(nil)

func NewRowAggregate(table sink.TableIdentifier, s sink.Sink, coercer *Coercer) *RowAggregate {
	return &RowAggregate{table: table, sink: s, coercer: coercer}
}

func (a *RowAggregate) Accept(record *message.Record) {
	a.rows = append(a.rows, a.coercer.Coerce(record))
}

func (a *RowAggregate) Flush(ctx context.Context) error {
	if a.flushed || len(a.rows) == 0 {
		return nil
	}
	if err := a.sink.Write(ctx, a.table, a.rows); err != nil {
		return err
	}
	a.flushed = true
	a.rows = nil
	return nil
}

// Len returns the number of buffered rows
func (a *RowAggregate) Len() int {
	return len(a.rows)
}

// RowFactory creates row aggregates with the coercer of each stream
type RowFactory struct {
	sink     sink.Sink
	coercers map[message.StreamDescriptor]*Coercer
	fallback *Coercer
}

var _ Factory = (*RowFactory)(nil)

// NewRowFactory compiles the coercers of every catalog stream
func NewRowFactory(s sink.Sink, catalog []config.StreamConfig, coercion config.CoercionConfig) (*RowFactory, error) {
	fallback, err := NewCoercer(coercion.MaxFieldBytes, nil)
	if err != nil {
		return nil, err
	}
	f := &RowFactory{
		sink:     s,
		coercers: make(map[message.StreamDescriptor]*Coercer, len(catalog)),
		fallback: fallback,
	}
	for _, stream := range catalog {
		c, err := NewCoercer(coercion.MaxFieldBytes, stream.JSONSchema)
		if err != nil {
			return nil, config.Errorf("stream %s: %s", stream.Descriptor(), err)
		}
		f.coercers[stream.Descriptor()] = c
	}
	return f, nil
}

func (f *RowFactory) Create(key message.PartitionKey) (Aggregate, error) {
	c, ok := f.coercers[key.Stream]
	if !ok {
		c = f.fallback
	}
	return NewRowAggregate(sink.TableFor(key.Stream), f.sink, c), nil
}
