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
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/kaptinlin/jsonschema"

	"github.com/united-manufacturing-hub/bulkload/pkg/message"
	"github.com/united-manufacturing-hub/bulkload/pkg/sink"
)

var (
	schemaCompiler      = jsonschema.NewCompiler()
	schemaCompilerMutex sync.Mutex
)

// Coercer turns record payloads into rows the sink can store. Values that
// cannot be stored are truncated or nulled and the row records a change
// annotation for each of them. Coercion never fails a record.
type Coercer struct {
	maxFieldBytes int
	properties    map[string]*jsonschema.Schema
}

// NewCoercer creates a coercer. maxFieldBytes <= 0 disables truncation.
// jsonSchema is the catalog schema of the stream; each of its top level
// properties is checked on its own so only the offending field is nulled.
func NewCoercer(maxFieldBytes int, jsonSchema map[string]any) (*Coercer, error) {
	c := &Coercer{
		maxFieldBytes: maxFieldBytes,
		properties:    make(map[string]*jsonschema.Schema),
	}

	props, _ := jsonSchema["properties"].(map[string]any)
	for name, prop := range props {
		raw, err := json.Marshal(prop)
		if err != nil {
			return nil, fmt.Errorf("error encoding schema of property %s: %w", name, err)
		}
		schemaCompilerMutex.Lock()
		compiled, err := schemaCompiler.Compile(raw)
		schemaCompilerMutex.Unlock()
		if err != nil {
			return nil, fmt.Errorf("error compiling schema of property %s: %w", name, err)
		}
		c.properties[name] = compiled
	}
	return c, nil
}

// Coerce builds the row of record. The record itself is not modified.
func (c *Coercer) Coerce(record *message.Record) sink.Row {
	row := sink.Row{
		RawID:     record.RawID,
		EmittedAt: record.EmittedAt,
		Data:      make(map[string]any, len(record.Data)),
	}

	for _, field := range slices.Sorted(maps.Keys(record.Data)) {
		value := record.Data[field]

		if !isFinite(value) {
			row.Data[field] = nil
			row.Changes = append(row.Changes, sink.Change{Field: field, Change: sink.ChangeNulled, Reason: sink.ReasonNonFinite})
			continue
		}

		if s, ok := value.(string); ok && c.maxFieldBytes > 0 && len(s) > c.maxFieldBytes {
			value = truncateUTF8(s, c.maxFieldBytes)
			row.Changes = append(row.Changes, sink.Change{Field: field, Change: sink.ChangeTruncated, Reason: sink.ReasonSizeLimit})
		}

		if schema, ok := c.properties[field]; ok && value != nil && !valid(schema, value) {
			row.Data[field] = nil
			row.Changes = append(row.Changes, sink.Change{Field: field, Change: sink.ChangeNulled, Reason: sink.ReasonSchemaInvalid})
			continue
		}

		row.Data[field] = value
	}
	return row
}

func valid(schema *jsonschema.Schema, value any) bool {
	raw, err := json.Marshal(value)
	if err != nil {
		return false
	}
	result := schema.ValidateJSON(raw)
	return result != nil && result.Valid
}

// isFinite reports whether value holds no NaN or infinite float, at any depth
func isFinite(value any) bool {
	switch v := value.(type) {
	case float64:
		return !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return true
		}
		f, err := v.Float64()
		return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case map[string]any:
		for _, inner := range v {
			if !isFinite(inner) {
				return false
			}
		}
	case []any:
		for _, inner := range v {
			if !isFinite(inner) {
				return false
			}
		}
	}
	return true
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
