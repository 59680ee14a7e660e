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
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
)

// MemorySink keeps written rows in memory. It serves dry runs and tests and
// can be told to fail writes.
type MemorySink struct {
	mu sync.Mutex

	tables    map[TableIdentifier][]Row
	ensured   map[TableIdentifier]bool
	writes    int
	failures  []error
	connected bool
	closed    bool

	logger *zap.SugaredLogger
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink(log *zap.SugaredLogger) *MemorySink {
	return &MemorySink{
		tables:  make(map[TableIdentifier][]Row),
		ensured: make(map[TableIdentifier]bool),
		logger:  logger.OrDefault(log, logger.ComponentMemorySink),
	}
}

func (m *MemorySink) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MemorySink) EnsureTable(_ context.Context, table TableIdentifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured[table] = true
	return nil
}

// Write appends rows unless a failure was injected for this call
func (m *MemorySink) Write(ctx context.Context, table TableIdentifier, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		m.logger.Debugf("Failing write of %d rows to %s: %s", len(rows), table, err)
		return err
	}
	m.tables[table] = append(m.tables[table], rows...)
	return nil
}

// Connected reports whether Connect was called
func (m *MemorySink) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MemorySink) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailNextWrites makes the next n writes return err
func (m *MemorySink) FailNextWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range n {
		m.failures = append(m.failures, err)
	}
}

// Rows returns a copy of the rows written to table
func (m *MemorySink) Rows(table TableIdentifier) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tables[table])
}

// RowCount returns the number of rows written across all tables
func (m *MemorySink) RowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rows := range m.tables {
		n += len(rows)
	}
	return n
}

// Writes returns the number of write calls, failed ones included
func (m *MemorySink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Ensured reports whether EnsureTable was called for table
func (m *MemorySink) Ensured(table TableIdentifier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensured[table]
}

// Closed reports whether Close was called
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
